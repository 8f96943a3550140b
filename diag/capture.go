// Package diag writes the raw data behind a run to tab-delimited files and
// reads them back, so a correlation can be inspected or replayed offline.
package diag

import (
	"zombiefinder/kernel"
	"zombiefinder/services"
	"zombiefinder/zombie"
)

// Table is the system handle snapshot
type Table interface {
	Len() int
	Entry(i int) kernel.HandleTableEntry
}

// Rows is a handle snapshot held in memory
type Rows []kernel.HandleTableEntry

func (r Rows) Len() int {
	return len(r)
}

func (r Rows) Entry(i int) kernel.HandleTableEntry {
	return r[i]
}

// Capture is everything correlation consumes, as of one run
type Capture struct {
	At    kernel.Filetime
	Stamp string

	// Self is the process that held the discovery handles
	Self kernel.ProcessID

	Zombies *zombie.Handles
	Table   Table
	Hosted  *services.Snapshot

	// ImagePaths holds the image path of every owner
	ImagePaths map[kernel.ProcessID]string

	// TotalProcesses is the number of processes discovery enumerated
	TotalProcesses int
}

// Pending returns the zombie processes, leaving out thread records
func (c *Capture) Pending() map[kernel.ProcessID]zombie.Record {
	pending := make(map[kernel.ProcessID]zombie.Record)
	c.Zombies.Each(func(h kernel.Handle, r zombie.Record) {
		if !r.IsThread() {
			pending[r.PID] = r
		}
	})
	return pending
}

// ImagePath returns the recorded path, empty when the process was not an owner
func (c *Capture) ImagePath(pid kernel.ProcessID) (string, error) {
	return c.ImagePaths[pid], nil
}

func (c *Capture) Services(pid kernel.ProcessID) ([]services.Service, error) {
	if c.Hosted == nil {
		return nil, nil
	}
	return c.Hosted.Lookup(pid)
}
