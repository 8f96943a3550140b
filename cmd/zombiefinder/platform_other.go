//go:build !windows

package main

import (
	"fmt"
	"runtime"

	"zombiefinder/kernel"
	"zombiefinder/services"
)

func newPlatform() (kernel.Kernel, kernel.Elevator, *services.Snapshot, error) {
	return nil, nil, nil, fmt.Errorf("%w: %s", kernel.ErrUnsupported, runtime.GOOS)
}
