//go:build windows

package services

import (
	"errors"
	"fmt"
	"unsafe"

	"zombiefinder/kernel"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/svc/mgr"
)

// loadSystem enumerates active Win32 services with their hosting process ids
func loadSystem() (map[kernel.ProcessID][]Service, error) {
	h, err := windows.OpenSCManager(nil, nil, windows.SC_MANAGER_ENUMERATE_SERVICE)
	if err != nil {
		return nil, fmt.Errorf("OpenSCManager: %w", err)
	}
	m := &mgr.Mgr{Handle: h}
	defer m.Disconnect()

	var needed, returned, resume uint32
	err = windows.EnumServicesStatusEx(m.Handle, windows.SC_ENUM_PROCESS_INFO, windows.SERVICE_WIN32, windows.SERVICE_ACTIVE,
		nil, 0, &needed, &returned, &resume, nil)
	if !errors.Is(err, windows.ERROR_MORE_DATA) {
		return nil, fmt.Errorf("EnumServicesStatusEx size probe: %v", err)
	}

	// services may start between the two calls
	size := needed + needed/2
	buf := make([]byte, size)
	err = windows.EnumServicesStatusEx(m.Handle, windows.SC_ENUM_PROCESS_INFO, windows.SERVICE_WIN32, windows.SERVICE_ACTIVE,
		&buf[0], size, &needed, &returned, &resume, nil)
	if err != nil {
		return nil, fmt.Errorf("EnumServicesStatusEx: %w", err)
	}

	result := make(map[kernel.ProcessID][]Service)
	if returned == 0 {
		return result, nil
	}
	entries := unsafe.Slice((*windows.ENUM_SERVICE_STATUS_PROCESS)(unsafe.Pointer(&buf[0])), returned)
	for _, e := range entries {
		pid := kernel.ProcessID(e.ServiceStatusProcess.ProcessId)
		result[pid] = append(result[pid], Service{
			Name:        windows.UTF16PtrToString(e.ServiceName),
			DisplayName: windows.UTF16PtrToString(e.DisplayName),
		})
	}
	return result, nil
}
