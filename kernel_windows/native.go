//go:build windows

package kernel_windows

import (
	"errors"
	"fmt"

	"golang.org/x/sys/windows"
)

// ErrWow64 is returned when a 32-bit build runs on 64-bit Windows, where the
// handle table layout does not match the structures this package decodes
var ErrWow64 = errors.New("32-bit build running on 64-bit Windows, use the 64-bit build")

// CheckNative fails when the process runs under WOW64
func CheckNative() error {
	var wow64 bool
	if err := windows.IsWow64Process(windows.CurrentProcess(), &wow64); err != nil {
		return fmt.Errorf("IsWow64Process: %w", err)
	}
	if wow64 {
		return ErrWow64
	}
	return nil
}
