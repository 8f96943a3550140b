// Package services maps process ids to the Win32 services they host.
package services

import (
	"sort"
	"sync"

	"zombiefinder/kernel"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"
)

// Service names one active service
type Service struct {
	Name        string
	DisplayName string
}

// Loader produces the pid to services table
type Loader func() (map[kernel.ProcessID][]Service, error)

// Snapshot is loaded on first use and never changes afterwards. A failed load
// is remembered and returned by every lookup.
type Snapshot struct {
	load  Loader
	once  sync.Once
	byPID map[kernel.ProcessID][]Service
	err   error
	log   *logger.Logger
}

func New(load Loader) *Snapshot {
	return &Snapshot{
		load: load,
		log:  logger.NewLogger(coloransi.Color(coloransi.ColorPurple, coloransi.ColorOrange, "services")),
	}
}

// System returns a snapshot of the services active on this machine
func System() *Snapshot {
	return New(loadSystem)
}

// FromMap returns a snapshot over a fixed table
func FromMap(byPID map[kernel.ProcessID][]Service) *Snapshot {
	return New(func() (map[kernel.ProcessID][]Service, error) {
		return byPID, nil
	})
}

func (s *Snapshot) init() {
	s.once.Do(func() {
		s.byPID, s.err = s.load()
		if s.err != nil {
			s.log.Warn("Service lookup unavailable: ", s.err)
			return
		}
		if s.byPID == nil {
			s.byPID = make(map[kernel.ProcessID][]Service)
		}
		s.log.Infoln("Loaded services for", len(s.byPID), "processes")
	})
}

// Lookup returns the services hosted by pid, nil when it hosts none
func (s *Snapshot) Lookup(pid kernel.ProcessID) ([]Service, error) {
	s.init()
	if s.err != nil {
		return nil, s.err
	}
	return s.byPID[pid], nil
}

// PIDs returns every pid hosting a service, ascending
func (s *Snapshot) PIDs() ([]kernel.ProcessID, error) {
	s.init()
	if s.err != nil {
		return nil, s.err
	}
	pids := make([]kernel.ProcessID, 0, len(s.byPID))
	for pid := range s.byPID {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids, nil
}
