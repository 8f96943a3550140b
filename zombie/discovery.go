// Package zombie finds processes that have exited but are still resident in
// kernel memory, and acquires fresh handles to them and their threads.
package zombie

import (
	"zombiefinder/kernel"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"
	"go.uber.org/multierr"
)

// Result is the outcome of one discovery pass. Handles stay open until Close.
type Result struct {
	Handles *Handles
	ByPID   map[kernel.ProcessID]Record

	// Warnings holds *EnumError values for processes that could not be inspected
	Warnings []error

	TotalProcesses  int
	ZombieProcesses int
}

// Close releases every handle in the result
func (r *Result) Close() error {
	if r == nil {
		return nil
	}
	return r.Handles.Close()
}

type Discovery struct {
	k   kernel.Kernel
	log *logger.Logger
}

func New(k kernel.Kernel) *Discovery {
	return &Discovery{
		k:   k,
		log: logger.NewLogger(coloransi.Color(coloransi.ColorPurple, coloransi.ColorOrange, "zombie")),
	}
}

// Acquire enumerates every process, including exited ones, and keeps a handle
// to each process that exited at least minAge seconds ago (any age when
// minAge is zero) along with a handle to each of its remaining threads.
func (d *Discovery) Acquire(minAge uint64) (*Result, error) {
	if err := d.k.Resolve(); err != nil {
		return nil, err
	}

	now := d.k.SystemTime()
	result := &Result{
		Handles: newHandles(d.k),
		ByPID:   make(map[kernel.ProcessID]Record),
	}

	// prev has to stay open until it has been used to find the next process
	var prev kernel.Handle
	prevRetained := false
	var status kernel.NTSTATUS
	for {
		var next kernel.Handle
		next, status = d.k.NextProcess(prev, kernel.ProcessQueryLimitedInformation)
		if prev != 0 && !prevRetained {
			d.closeHandle(prev, result)
		}
		if status != kernel.StatusSuccess {
			break
		}

		result.TotalProcesses++
		retained, err := d.inspect(next, now, minAge, result)
		if err != nil {
			if !retained {
				d.closeHandle(next, result)
			}
			d.log.Warn("Discovery aborted: ", err)
			return nil, multierr.Append(err, result.Close())
		}
		prev, prevRetained = next, retained
	}

	if status != kernel.StatusNoMoreEntries {
		result.Warnings = append(result.Warnings, &EnumError{
			Index: result.TotalProcesses,
			Op:    "NtGetNextProcess",
			Err:   status,
		})
	}

	d.log.Infoln("Enumerated", result.TotalProcesses, "processes,", result.ZombieProcesses, "zombies,", result.Handles.Len(), "handles held")
	return result, nil
}

// inspect decides whether the process behind h is a zombie old enough to
// report. It returns true when h has been retained in the result.
func (d *Discovery) inspect(h kernel.Handle, now kernel.Filetime, minAge uint64, result *Result) (bool, error) {
	info, status := d.k.QueryBasicInformation(h)
	if status != kernel.StatusSuccess {
		result.Warnings = append(result.Warnings, &EnumError{
			Index: result.TotalProcesses,
			Op:    "NtQueryInformationProcess",
			Err:   status,
		})
		return false, nil
	}
	if !info.IsDeleting() {
		return false, nil
	}

	created, exited, err := d.k.ProcessTimes(h)
	if err != nil {
		result.Warnings = append(result.Warnings, &EnumError{
			Index: result.TotalProcesses,
			PID:   info.PID,
			Op:    "GetProcessTimes",
			Err:   err,
		})
		return false, nil
	}

	// A deleting process without an exit time is treated as not exited.
	// This can hide a real zombie if the flag and the timestamp race.
	if exited.IsZero() {
		d.log.Debugln("PID", info.PID, "is deleting but has no exit time, skipped")
		return false, nil
	}
	if !oldEnough(exited, now, minAge) {
		return false, nil
	}

	record := Record{
		PID:       info.PID,
		Created:   created,
		Exited:    exited,
		ParentPID: info.ParentPID,
	}
	record.ParentImagePath = d.parentImagePath(info.ParentPID, created)

	// the Win32 image path query no longer works once a process has exited
	if path, status := d.k.QueryImageFileName(h); status == kernel.StatusSuccess {
		record.ImagePath = path
	}

	threads, err := d.acquireThreads(record, result)
	if err != nil {
		return false, err
	}
	record.Threads = threads

	if err := result.Handles.Add(h, record); err != nil {
		// h carries the value of a handle that is already retained, so it
		// is released along with the others
		return true, err
	}
	result.ByPID[record.PID] = record
	result.ZombieProcesses++
	return true, nil
}

func oldEnough(exited, now kernel.Filetime, minAge uint64) bool {
	if minAge == 0 {
		return true
	}
	secs, ok := exited.SecondsBefore(now)
	return ok && secs >= minAge
}

// acquireThreads retains a handle to every remaining thread of the zombie.
// Walking threads needs PROCESS_QUERY_INFORMATION, which the enumeration
// handle does not have, so a second process handle is opened briefly.
func (d *Discovery) acquireThreads(process Record, result *Result) (int, error) {
	ph, err := d.k.OpenProcess(process.PID, kernel.ProcessQueryInformation)
	if err != nil {
		d.log.Debugln("Cannot open PID", process.PID, "to walk threads:", err)
		return 0, nil
	}
	defer d.closeHandle(ph, result)

	count := 0
	var prev kernel.Handle
	prevRetained := false
	for {
		next, status := d.k.NextThread(ph, prev, kernel.ThreadQueryLimitedInformation)
		if prev != 0 && !prevRetained {
			d.closeHandle(prev, result)
		}
		if status != kernel.StatusSuccess {
			return count, nil
		}

		prev, prevRetained = next, false
		tid, err := d.k.ThreadID(next)
		if err != nil {
			result.Warnings = append(result.Warnings, &EnumError{
				PID: process.PID,
				Op:  "GetThreadId",
				Err: err,
			})
			continue
		}

		thread := process
		thread.TID = tid
		if err := result.Handles.Add(next, thread); err != nil {
			return count, err
		}
		prevRetained = true
		count++
	}
}

// parentImagePath returns the Win32 image path of the parent if it is still
// running and is older than the child. A younger process with the same PID
// is not the parent.
func (d *Discovery) parentImagePath(ppid kernel.ProcessID, childCreated kernel.Filetime) string {
	if ppid == 0 {
		return ""
	}
	h, err := d.k.OpenProcess(ppid, kernel.ProcessQueryLimitedInformation)
	if err != nil {
		return ""
	}
	defer func() {
		if err := d.k.CloseHandle(h); err != nil {
			d.log.Warn("CloseHandle failed: ", err)
		}
	}()

	created, _, err := d.k.ProcessTimes(h)
	if err != nil || created >= childCreated {
		return ""
	}
	path, err := d.k.FullImagePath(h)
	if err != nil {
		return ""
	}
	return path
}

func (d *Discovery) closeHandle(h kernel.Handle, result *Result) {
	if err := d.k.CloseHandle(h); err != nil {
		result.Warnings = append(result.Warnings, &EnumError{Op: "CloseHandle", Err: err})
	}
}
