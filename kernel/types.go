package kernel

import (
	"fmt"
)

// ProcessID is a system-wide process identifier (UniqueProcessId)
type ProcessID uint64

// ThreadID is a system-wide thread identifier
type ThreadID uint32

// Handle is a process-scoped reference to a kernel object.
// Handle values are only meaningful together with the process that holds them.
type Handle uintptr

func (h Handle) ToString() string {
	return fmt.Sprintf("0x%X", uint64(h))
}

// ObjectAddress is the kernel address of an object. Unlike a Handle it is
// comparable across processes.
type ObjectAddress uint64

func (a ObjectAddress) ToString() string {
	return fmt.Sprintf("0x%016X", uint64(a))
}

// ObjectTypeIndex identifies the object type (Process, Thread, File, ...) of a handle table entry
type ObjectTypeIndex uint16

// AccessMask is the desired access passed when opening or enumerating objects
type AccessMask uint32

const (
	ProcessQueryInformation        AccessMask = 0x0400
	ProcessQueryLimitedInformation AccessMask = 0x1000
	ThreadQueryLimitedInformation  AccessMask = 0x0800
)

// SystemInformationClass selects what NtQuerySystemInformation returns
type SystemInformationClass uint32

const (
	// SystemExtendedHandleInformation returns every handle held by every process
	SystemExtendedHandleInformation SystemInformationClass = 0x40
)

// ProcessBasicInfo is the subset of PROCESS_EXTENDED_BASIC_INFORMATION we use
type ProcessBasicInfo struct {
	ExitStatus NTSTATUS
	PID        ProcessID
	ParentPID  ProcessID
	Flags      uint32
}

const (
	flagIsProtectedProcess = 1 << 0
	flagIsWow64Process     = 1 << 1
	flagIsProcessDeleting  = 1 << 2
)

// NewProcessBasicInfo builds the info a kernel would report. Used by in-memory kernels.
func NewProcessBasicInfo(pid, ppid ProcessID, deleting bool) ProcessBasicInfo {
	info := ProcessBasicInfo{PID: pid, ParentPID: ppid}
	if deleting {
		info.Flags |= flagIsProcessDeleting
	}
	return info
}

// IsDeleting reports whether the kernel has marked the process as exited
func (i ProcessBasicInfo) IsDeleting() bool {
	return i.Flags&flagIsProcessDeleting != 0
}

func (i ProcessBasicInfo) IsProtected() bool {
	return i.Flags&flagIsProtectedProcess != 0
}

func (i ProcessBasicInfo) IsWow64() bool {
	return i.Flags&flagIsWow64Process != 0
}
