package owners

import (
	"fmt"

	"zombiefinder/diag"
	"zombiefinder/handles"
	"zombiefinder/kernel"
	"zombiefinder/services"
	"zombiefinder/zombie"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"
)

// Options controls one Update
type Options struct {
	// MinAge skips processes that exited less than this many seconds ago; zero keeps all
	MinAge uint64

	// DiagDir, when set, receives a diagnostic dump of the raw data
	DiagDir string
}

// Result is everything a report needs from one run
type Result struct {
	Owners      []*Owner
	ByPID       map[kernel.ProcessID]*Owner
	Unexplained []zombie.Record

	// Warnings combines discovery, correlation and dump problems
	Warnings []error

	TotalProcesses            int
	ZombieProcesses           int
	ZombieProcessesAndThreads int

	// Now is the time ages are computed against
	Now kernel.Filetime

	// DiagStamp names the diagnostic dump written by this run, if any
	DiagStamp string
}

// Finder runs discovery, the handle snapshot and correlation against a kernel
type Finder struct {
	k        kernel.Kernel
	elevator kernel.Elevator
	services *services.Snapshot
	log      *logger.Logger
}

func NewFinder(k kernel.Kernel, elevator kernel.Elevator, svcs *services.Snapshot) *Finder {
	return &Finder{
		k:        k,
		elevator: elevator,
		services: svcs,
		log:      logger.NewLogger(coloransi.Color(coloransi.ColorPurple, coloransi.ColorOrange, "owners")),
	}
}

// Update finds zombies and their owners. It runs elevated; the elevation is
// reverted and every handle discovery acquired is released before it
// returns, whatever the outcome.
func (f *Finder) Update(opts Options) (*Result, error) {
	revert, err := f.elevator.Elevate()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := revert(); err != nil {
			f.log.Warn("Failed to revert elevation: ", err)
		}
	}()

	found, err := zombie.New(f.k).Acquire(opts.MinAge)
	if err != nil {
		return nil, fmt.Errorf("zombie discovery: %w", err)
	}
	defer func() {
		if err := found.Close(); err != nil {
			f.log.Warn("Failed to release zombie handles: ", err)
		}
	}()

	snapshot := handles.New()
	if err := snapshot.Update(f.k); err != nil {
		return nil, fmt.Errorf("handle snapshot: %w", err)
	}

	self := f.k.CurrentProcessID()
	info := &liveInfo{k: f.k, services: f.services}
	c := Correlate(snapshot, found.Handles, found.ByPID, self, info)

	result := &Result{
		Owners:                    c.Sorted,
		ByPID:                     c.ByPID,
		Unexplained:               c.Unexplained,
		TotalProcesses:            found.TotalProcesses,
		ZombieProcesses:           found.ZombieProcesses,
		ZombieProcessesAndThreads: found.Handles.Len(),
		Now:                       f.k.SystemTime(),
	}
	result.Warnings = append(result.Warnings, found.Warnings...)
	result.Warnings = append(result.Warnings, c.Warnings...)

	if opts.DiagDir != "" {
		capture := &diag.Capture{
			At:         result.Now,
			Self:       self,
			Zombies:    found.Handles,
			Table:      snapshot,
			Hosted:     f.services,
			ImagePaths: ownerImagePaths(c.ByPID),

			TotalProcesses: found.TotalProcesses,
		}
		stamp, err := diag.Save(opts.DiagDir, capture)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Errorf("diagnostic dump: %w", err))
		}
		result.DiagStamp = stamp
	}

	f.log.Infoln("Found", len(result.Owners), "owners,", len(result.Unexplained), "unexplained zombies")
	return result, nil
}

// Replay correlates a saved diagnostic dump
func Replay(capture *diag.Capture) *Result {
	pending := capture.Pending()
	c := Correlate(capture.Table, capture.Zombies, pending, capture.Self, capture)
	return &Result{
		Owners:                    c.Sorted,
		ByPID:                     c.ByPID,
		Unexplained:               c.Unexplained,
		Warnings:                  c.Warnings,
		TotalProcesses:            capture.TotalProcesses,
		ZombieProcesses:           len(pending),
		ZombieProcessesAndThreads: capture.Zombies.Len(),
		Now:                       capture.At,
		DiagStamp:                 capture.Stamp,
	}
}

func ownerImagePaths(byPID map[kernel.ProcessID]*Owner) map[kernel.ProcessID]string {
	paths := make(map[kernel.ProcessID]string, len(byPID))
	for pid, o := range byPID {
		paths[pid] = o.ImagePath
	}
	return paths
}

// liveInfo answers ProcessInfo from the running system
type liveInfo struct {
	k        kernel.Kernel
	services *services.Snapshot
}

func (i *liveInfo) ImagePath(pid kernel.ProcessID) (path string, err error) {
	h, err := i.k.OpenProcess(pid, kernel.ProcessQueryLimitedInformation)
	if err != nil {
		return "", err
	}
	defer func() {
		if cerr := i.k.CloseHandle(h); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return i.k.FullImagePath(h)
}

func (i *liveInfo) Services(pid kernel.ProcessID) ([]services.Service, error) {
	if i.services == nil {
		return nil, nil
	}
	return i.services.Lookup(pid)
}
