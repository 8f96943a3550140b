package zombie

import (
	"fmt"

	"zombiefinder/kernel"
)

// Record describes an exited process, or one of its still-resident threads,
// that discovery holds a handle to
type Record struct {
	PID kernel.ProcessID

	// TID is zero for a process record
	TID kernel.ThreadID

	// ImagePath is in object manager form, e.g. \Device\HarddiskVolume3\Windows\System32\notepad.exe
	ImagePath string

	Created kernel.Filetime
	Exited  kernel.Filetime

	// Threads is the number of resident threads; only set on process records
	Threads int

	ParentPID kernel.ProcessID

	// ParentImagePath is empty unless the parent is still running and was created before this process
	ParentImagePath string
}

// IsThread reports whether r describes a thread rather than a process
func (r Record) IsThread() bool {
	return r.TID != 0
}

// ID formats as "PID" or "PID:TID"
func (r Record) ID() string {
	if r.IsThread() {
		return fmt.Sprintf("%d:%d", r.PID, r.TID)
	}
	return fmt.Sprintf("%d", r.PID)
}

// EnumError is a non-fatal problem hit while enumerating one process
type EnumError struct {
	// Index is the 1-based position in the process enumeration
	Index int
	PID   kernel.ProcessID
	Op    string
	Err   error
}

func (e *EnumError) Error() string {
	if e.PID == 0 {
		return fmt.Sprintf("%s failed during enumeration %d: %v", e.Op, e.Index, e.Err)
	}
	return fmt.Sprintf("%s failed for PID %d: %v", e.Op, e.PID, e.Err)
}

func (e *EnumError) Unwrap() error {
	return e.Err
}
