//go:build windows

// Package kernel_windows implements kernel.Kernel on top of ntdll and kernel32.
package kernel_windows

import (
	"errors"
	"fmt"
	"unsafe"

	"zombiefinder/kernel"

	"golang.org/x/sys/windows"
)

var (
	modntdll                      = windows.NewLazySystemDLL("ntdll.dll")
	procNtGetNextProcess          = modntdll.NewProc("NtGetNextProcess")
	procNtGetNextThread           = modntdll.NewProc("NtGetNextThread")
	procNtQueryInformationProcess = modntdll.NewProc("NtQueryInformationProcess")
	procNtQuerySystemInformation  = modntdll.NewProc("NtQuerySystemInformation")

	modkernel32     = windows.NewLazySystemDLL("kernel32.dll")
	procGetThreadId = modkernel32.NewProc("GetThreadId")
)

const (
	processBasicInformation = 0
	processImageFileName    = 27

	maxPath = 260
)

// PROCESS_EXTENDED_BASIC_INFORMATION
type processExtendedBasicInformation struct {
	Size      uintptr
	BasicInfo windows.PROCESS_BASIC_INFORMATION
	Flags     uint32
}

// WindowsKernel implements kernel.Kernel for the local machine
type WindowsKernel struct{}

var _ kernel.Kernel = (*WindowsKernel)(nil)

func New() *WindowsKernel {
	return &WindowsKernel{}
}

func (k *WindowsKernel) Resolve() error {
	for _, proc := range []*windows.LazyProc{
		procNtGetNextProcess,
		procNtGetNextThread,
		procNtQueryInformationProcess,
		procNtQuerySystemInformation,
		procGetThreadId,
	} {
		if err := proc.Find(); err != nil {
			return fmt.Errorf("%s: %w (%v)", proc.Name, kernel.ErrEntryPoint, err)
		}
	}
	return nil
}

func (k *WindowsKernel) CurrentProcessID() kernel.ProcessID {
	return kernel.ProcessID(windows.GetCurrentProcessId())
}

func (k *WindowsKernel) SystemTime() kernel.Filetime {
	var ft windows.Filetime
	windows.GetSystemTimeAsFileTime(&ft)
	return kernel.FiletimeFromParts(ft.LowDateTime, ft.HighDateTime)
}

func (k *WindowsKernel) NextProcess(prev kernel.Handle, access kernel.AccessMask) (kernel.Handle, kernel.NTSTATUS) {
	var next windows.Handle
	r1, _, _ := procNtGetNextProcess.Call(
		uintptr(prev),
		uintptr(access),
		0,
		0,
		uintptr(unsafe.Pointer(&next)),
	)
	return kernel.Handle(next), kernel.NTSTATUS(r1)
}

func (k *WindowsKernel) NextThread(process kernel.Handle, prev kernel.Handle, access kernel.AccessMask) (kernel.Handle, kernel.NTSTATUS) {
	var next windows.Handle
	r1, _, _ := procNtGetNextThread.Call(
		uintptr(process),
		uintptr(prev),
		uintptr(access),
		0,
		0,
		uintptr(unsafe.Pointer(&next)),
	)
	return kernel.Handle(next), kernel.NTSTATUS(r1)
}

func (k *WindowsKernel) QueryBasicInformation(process kernel.Handle) (kernel.ProcessBasicInfo, kernel.NTSTATUS) {
	info := processExtendedBasicInformation{}
	info.Size = unsafe.Sizeof(info)
	length := uint32(info.Size)
	r1, _, _ := procNtQueryInformationProcess.Call(
		uintptr(process),
		processBasicInformation,
		uintptr(unsafe.Pointer(&info)),
		uintptr(length),
		uintptr(unsafe.Pointer(&length)),
	)
	status := kernel.NTSTATUS(r1)
	if status != kernel.StatusSuccess {
		return kernel.ProcessBasicInfo{}, status
	}
	return kernel.ProcessBasicInfo{
		ExitStatus: kernel.NTSTATUS(info.BasicInfo.ExitStatus),
		PID:        kernel.ProcessID(info.BasicInfo.UniqueProcessId),
		ParentPID:  kernel.ProcessID(info.BasicInfo.InheritedFromUniqueProcessId),
		Flags:      info.Flags,
	}, status
}

func (k *WindowsKernel) QueryImageFileName(process kernel.Handle) (string, kernel.NTSTATUS) {
	// UNICODE_STRING header followed by the characters
	buf := make([]byte, unsafe.Sizeof(windows.NTUnicodeString{})+maxPath*4)
	var length uint32
	r1, _, _ := procNtQueryInformationProcess.Call(
		uintptr(process),
		processImageFileName,
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(len(buf)),
		uintptr(unsafe.Pointer(&length)),
	)
	status := kernel.NTSTATUS(r1)
	if status != kernel.StatusSuccess {
		return "", status
	}
	us := (*windows.NTUnicodeString)(unsafe.Pointer(&buf[0]))
	return us.String(), status
}

func (k *WindowsKernel) ProcessTimes(process kernel.Handle) (kernel.Filetime, kernel.Filetime, error) {
	var created, exited, kernelTime, userTime windows.Filetime
	err := windows.GetProcessTimes(windows.Handle(process), &created, &exited, &kernelTime, &userTime)
	if err != nil {
		return 0, 0, fmt.Errorf("GetProcessTimes: %w", err)
	}
	return kernel.FiletimeFromParts(created.LowDateTime, created.HighDateTime),
		kernel.FiletimeFromParts(exited.LowDateTime, exited.HighDateTime),
		nil
}

func (k *WindowsKernel) ThreadID(thread kernel.Handle) (kernel.ThreadID, error) {
	r1, _, err := procGetThreadId.Call(uintptr(thread))
	if r1 == 0 {
		return 0, fmt.Errorf("GetThreadId: %v", err)
	}
	return kernel.ThreadID(r1), nil
}

func (k *WindowsKernel) OpenProcess(pid kernel.ProcessID, access kernel.AccessMask) (kernel.Handle, error) {
	h, err := windows.OpenProcess(uint32(access), false, uint32(pid))
	if err != nil {
		return 0, fmt.Errorf("OpenProcess %d: %w", pid, err)
	}
	return kernel.Handle(h), nil
}

func (k *WindowsKernel) FullImagePath(process kernel.Handle) (string, error) {
	buf := make([]uint16, maxPath*2)
	size := uint32(len(buf))
	if err := windows.QueryFullProcessImageName(windows.Handle(process), 0, &buf[0], &size); err != nil {
		return "", fmt.Errorf("QueryFullProcessImageName: %w", err)
	}
	return windows.UTF16ToString(buf[:size]), nil
}

func (k *WindowsKernel) CloseHandle(h kernel.Handle) error {
	if err := windows.CloseHandle(windows.Handle(h)); err != nil {
		if errors.Is(err, windows.ERROR_INVALID_HANDLE) {
			return fmt.Errorf("CloseHandle %s: %w", h.ToString(), kernel.ErrInvalidHandle)
		}
		return fmt.Errorf("CloseHandle %s: %w", h.ToString(), err)
	}
	return nil
}

func (k *WindowsKernel) QuerySystemInformation(class kernel.SystemInformationClass, buf []byte) (uint32, kernel.NTSTATUS) {
	if len(buf) == 0 {
		return 0, kernel.StatusInvalidParameter
	}
	var required uint32
	r1, _, _ := procNtQuerySystemInformation.Call(
		uintptr(class),
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(len(buf)),
		uintptr(unsafe.Pointer(&required)),
	)
	return required, kernel.NTSTATUS(r1)
}
