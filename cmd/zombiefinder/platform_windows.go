//go:build windows

package main

import (
	"zombiefinder/kernel"
	"zombiefinder/kernel_windows"
	"zombiefinder/services"
)

func newPlatform() (kernel.Kernel, kernel.Elevator, *services.Snapshot, error) {
	if err := kernel_windows.CheckNative(); err != nil {
		return nil, nil, nil, err
	}
	return kernel_windows.New(), kernel_windows.NewElevator(), services.System(), nil
}
