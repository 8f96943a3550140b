//go:build windows

package kernel_windows

import (
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"zombiefinder/kernel"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"
	"go.uber.org/multierr"
	"golang.org/x/sys/windows"
)

var (
	modadvapi32               = windows.NewLazySystemDLL("advapi32.dll")
	procAdjustTokenPrivileges = modadvapi32.NewProc("AdjustTokenPrivileges")
)

// ErrNoDebugPrivilege is returned when the account cannot enable SeDebugPrivilege
var ErrNoDebugPrivilege = errors.New("cannot enable Debug Programs privilege, run with administrative privileges")

// DebugElevator enables SeDebugPrivilege on an impersonation token of the
// calling thread, leaving the process token untouched. The goroutine stays
// locked to its OS thread until the returned Revert runs.
type DebugElevator struct {
	log *logger.Logger
}

var _ kernel.Elevator = (*DebugElevator)(nil)

func NewElevator() *DebugElevator {
	return &DebugElevator{
		log: logger.NewLogger(coloransi.Color(coloransi.ColorPurple, coloransi.ColorOrange, "privilege")),
	}
}

func (e *DebugElevator) Elevate() (kernel.Revert, error) {
	runtime.LockOSThread()

	if err := windows.ImpersonateSelf(windows.SecurityImpersonation); err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("ImpersonateSelf: %w", err)
	}

	revert := func() error {
		defer runtime.UnlockOSThread()
		if err := windows.RevertToSelf(); err != nil {
			return fmt.Errorf("RevertToSelf: %w", err)
		}
		return nil
	}

	if err := enablePrivilege("SeDebugPrivilege"); err != nil {
		return nil, multierr.Append(fmt.Errorf("%w: %v", ErrNoDebugPrivilege, err), revert())
	}

	e.log.Infoln("SeDebugPrivilege enabled on thread token")
	return revert, nil
}

func enablePrivilege(name string) error {
	thread, err := windows.GetCurrentThread()
	if err != nil {
		return err
	}

	var token windows.Token
	if err := windows.OpenThreadToken(thread, windows.TOKEN_ADJUST_PRIVILEGES|windows.TOKEN_QUERY, true, &token); err != nil {
		return fmt.Errorf("OpenThreadToken: %w", err)
	}
	defer token.Close()

	privilege, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return err
	}
	tp := windows.Tokenprivileges{PrivilegeCount: 1}
	if err := windows.LookupPrivilegeValue(nil, privilege, &tp.Privileges[0].Luid); err != nil {
		return fmt.Errorf("LookupPrivilegeValue %s: %w", name, err)
	}
	tp.Privileges[0].Attributes = windows.SE_PRIVILEGE_ENABLED

	// AdjustTokenPrivileges succeeds with ERROR_NOT_ALL_ASSIGNED when the
	// token does not hold the privilege, which the x/sys wrapper hides
	r1, _, lastErr := procAdjustTokenPrivileges.Call(
		uintptr(token),
		0,
		uintptr(unsafe.Pointer(&tp)),
		0,
		0,
		0,
	)
	if r1 == 0 {
		return fmt.Errorf("AdjustTokenPrivileges: %w", lastErr)
	}
	if errors.Is(lastErr, windows.ERROR_NOT_ALL_ASSIGNED) {
		return fmt.Errorf("AdjustTokenPrivileges %s: %w", name, lastErr)
	}
	return nil
}
