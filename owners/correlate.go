// Package owners attributes zombie processes to the running processes that
// hold handles to them.
package owners

import (
	"fmt"
	"sort"
	"strings"

	"zombiefinder/kernel"
	"zombiefinder/services"
	"zombiefinder/zombie"

	"golang.org/x/text/cases"
)

// ReferenceTable is a snapshot of every handle in the system
type ReferenceTable interface {
	Len() int
	Entry(i int) kernel.HandleTableEntry
}

// ZombieReferences resolves the handles discovery holds in the calling process
type ZombieReferences interface {
	Lookup(h kernel.Handle) (zombie.Record, bool)
}

// ProcessInfo describes holders
type ProcessInfo interface {
	ImagePath(pid kernel.ProcessID) (string, error)
	Services(pid kernel.ProcessID) ([]services.Service, error)
}

// Holding is one handle an owner holds to a zombie process or thread
type Holding struct {
	Handle kernel.Handle
	Zombie zombie.Record
}

// Owner is a process holding at least one handle to a zombie
type Owner struct {
	PID       kernel.ProcessID
	ImagePath string
	ExeName   string
	Services  []services.Service
	Holdings  []Holding
}

func (o *Owner) Count() int {
	return len(o.Holdings)
}

// OwnerError is a non-fatal problem describing an owner
type OwnerError struct {
	PID kernel.ProcessID
	Op  string
	Err error
}

func (e *OwnerError) Error() string {
	if e.PID == 0 {
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s failed for PID %d: %v", e.Op, e.PID, e.Err)
}

func (e *OwnerError) Unwrap() error {
	return e.Err
}

// Correlation is the outcome of matching the snapshot against discovery
type Correlation struct {
	ByPID map[kernel.ProcessID]*Owner

	// Sorted orders owners by holding count (most first), then exe name
	// ignoring case, then PID
	Sorted []*Owner

	// Unexplained holds zombie processes nobody has a handle to, by PID
	Unexplained []zombie.Record

	Warnings []error
}

// Correlate matches every handle in table against the zombies discovery
// holds handles to. The entries for those handles, which belong to self,
// give each zombie's object address; every other handle to one of those
// addresses makes its holder an owner. pending holds the discovered zombie
// processes and is not modified; the ones nobody holds end up in
// Unexplained.
func Correlate(table ReferenceTable, refs ZombieReferences, pending map[kernel.ProcessID]zombie.Record, self kernel.ProcessID, info ProcessInfo) *Correlation {
	c := &Correlation{
		ByPID: make(map[kernel.ProcessID]*Owner),
	}

	byAddress := zombieAddresses(table, refs, self)

	remaining := make(map[kernel.ProcessID]zombie.Record, len(pending))
	for pid, r := range pending {
		remaining[pid] = r
	}

	servicesFailed := false
	for i := 0; i < table.Len(); i++ {
		e := table.Entry(i)
		target, ok := byAddress[e.Object]
		if !ok {
			continue
		}
		if e.PID == self {
			if _, ours := refs.Lookup(e.Handle); ours {
				continue
			}
		}

		owner, ok := c.ByPID[e.PID]
		if !ok {
			owner = &Owner{PID: e.PID}
			path, err := info.ImagePath(e.PID)
			if err != nil {
				c.Warnings = append(c.Warnings, &OwnerError{PID: e.PID, Op: "image path lookup", Err: err})
			}
			owner.ImagePath = path
			owner.ExeName = ExeName(path)

			svcs, err := info.Services(e.PID)
			if err != nil && !servicesFailed {
				servicesFailed = true
				c.Warnings = append(c.Warnings, &OwnerError{Op: "service lookup", Err: err})
			}
			owner.Services = svcs
			c.ByPID[e.PID] = owner
		}

		owner.Holdings = append(owner.Holdings, Holding{Handle: e.Handle, Zombie: target})
		delete(remaining, target.PID)
	}

	c.Sorted = sortOwners(c.ByPID)

	c.Unexplained = make([]zombie.Record, 0, len(remaining))
	for _, r := range remaining {
		c.Unexplained = append(c.Unexplained, r)
	}
	sort.Slice(c.Unexplained, func(i, j int) bool {
		return c.Unexplained[i].PID < c.Unexplained[j].PID
	})

	return c
}

// zombieAddresses maps the object address behind each of discovery's
// handles to the zombie it names
func zombieAddresses(table ReferenceTable, refs ZombieReferences, self kernel.ProcessID) map[kernel.ObjectAddress]zombie.Record {
	byAddress := make(map[kernel.ObjectAddress]zombie.Record)
	for i := 0; i < table.Len(); i++ {
		e := table.Entry(i)
		if e.PID != self {
			continue
		}
		if r, ok := refs.Lookup(e.Handle); ok {
			byAddress[e.Object] = r
		}
	}
	return byAddress
}

func sortOwners(byPID map[kernel.ProcessID]*Owner) []*Owner {
	fold := cases.Fold()
	keys := make(map[kernel.ProcessID]string, len(byPID))
	sorted := make([]*Owner, 0, len(byPID))
	for pid, o := range byPID {
		keys[pid] = fold.String(o.ExeName)
		sorted = append(sorted, o)
	}

	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Count() != b.Count() {
			return a.Count() > b.Count()
		}
		if ka, kb := keys[a.PID], keys[b.PID]; ka != kb {
			return ka < kb
		}
		return a.PID < b.PID
	})
	return sorted
}

// ExeName returns the file name part of a Win32 or object manager path
func ExeName(path string) string {
	if i := strings.LastIndexAny(path, `\/`); i >= 0 {
		return path[i+1:]
	}
	return path
}
