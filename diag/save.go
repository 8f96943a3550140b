package diag

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"zombiefinder/kernel"
	"zombiefinder/services"
	"zombiefinder/zombie"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"
	"go.uber.org/multierr"
)

const (
	stampLayout = "20060102_150405"
	timeLayout  = "2006-01-02 15:04:05.000"

	filePrefix = "ZombieFinder_"

	kindZombieHandles = "ZombieHandles"
	kindAllHandles    = "AllHandles"
	kindServices      = "Services"
	kindProcesses     = "Processes"
	kindCounts        = "Counts"

	countTotalProcesses = "TotalProcesses"
)

var log = logger.NewLogger(coloransi.Color(coloransi.ColorPurple, coloransi.ColorOrange, "diag"))

// Stamp formats a capture time the way it appears in file names (UTC)
func Stamp(at kernel.Filetime) string {
	return at.Time().Format(stampLayout)
}

// FileName returns the path of one file of the dump
func FileName(dir, stamp, kind string) string {
	return filepath.Join(dir, filePrefix+stamp+"_"+kind+".txt")
}

// Save writes the capture into dir and returns the stamp naming its files.
// Every file is attempted; the errors are combined.
func Save(dir string, c *Capture) (string, error) {
	stamp := c.Stamp
	if stamp == "" {
		stamp = Stamp(c.At)
	}
	log.Infoln("Saving diagnostic dump to directory:", dir, "stamp:", stamp)

	var err error
	err = multierr.Append(err, writeFile(FileName(dir, stamp, kindZombieHandles), func(w *csv.Writer) error {
		return writeZombies(w, c.Self, c.Zombies)
	}))
	err = multierr.Append(err, writeFile(FileName(dir, stamp, kindAllHandles), func(w *csv.Writer) error {
		return writeTable(w, c.Table)
	}))
	if c.Hosted != nil {
		err = multierr.Append(err, writeFile(FileName(dir, stamp, kindServices), func(w *csv.Writer) error {
			return writeServices(w, c.Hosted)
		}))
	}
	err = multierr.Append(err, writeFile(FileName(dir, stamp, kindProcesses), func(w *csv.Writer) error {
		return writeImagePaths(w, c.ImagePaths)
	}))
	err = multierr.Append(err, writeFile(FileName(dir, stamp, kindCounts), func(w *csv.Writer) error {
		return writeCounts(w, c)
	}))
	return stamp, err
}

func writeFile(path string, fill func(w *csv.Writer) error) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer func() {
		err = multierr.Append(err, f.Close())
	}()

	w := csv.NewWriter(f)
	w.Comma = '\t'
	if err := fill(w); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func formatTime(t kernel.Filetime) string {
	if t.IsZero() {
		return ""
	}
	return t.Time().Format(timeLayout)
}

func writeZombies(w *csv.Writer, self kernel.ProcessID, zombies *zombie.Handles) error {
	err := w.Write([]string{"ThisPID", "HandleValue", "PID", "TID", "nThreads", "ImagePath", "createTime", "exitTime", "PPID", "ParentImagePath"})
	if err != nil {
		return err
	}
	if zombies == nil {
		return nil
	}
	zombies.Each(func(h kernel.Handle, r zombie.Record) {
		if err != nil {
			return
		}
		err = w.Write([]string{
			strconv.FormatUint(uint64(self), 10),
			h.ToString(),
			strconv.FormatUint(uint64(r.PID), 10),
			strconv.FormatUint(uint64(r.TID), 10),
			strconv.Itoa(r.Threads),
			r.ImagePath,
			formatTime(r.Created),
			formatTime(r.Exited),
			strconv.FormatUint(uint64(r.ParentPID), 10),
			r.ParentImagePath,
		})
	})
	return err
}

func writeTable(w *csv.Writer, t Table) error {
	if err := w.Write([]string{"PID", "Handle", "ObjectTypeIndex", "ObjectAddr"}); err != nil {
		return err
	}
	if t == nil {
		return nil
	}
	for i := 0; i < t.Len(); i++ {
		e := t.Entry(i)
		err := w.Write([]string{
			strconv.FormatUint(uint64(e.PID), 10),
			e.Handle.ToString(),
			strconv.FormatUint(uint64(e.ObjectTypeIndex), 10),
			e.Object.ToString(),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func writeServices(w *csv.Writer, hosted *services.Snapshot) error {
	pids, err := hosted.PIDs()
	if err != nil {
		return err
	}
	if err := w.Write([]string{"PID", "ServiceName", "DisplayName"}); err != nil {
		return err
	}
	for _, pid := range pids {
		svcs, err := hosted.Lookup(pid)
		if err != nil {
			return err
		}
		for _, svc := range svcs {
			if err := w.Write([]string{strconv.FormatUint(uint64(pid), 10), svc.Name, svc.DisplayName}); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeCounts(w *csv.Writer, c *Capture) error {
	if err := w.Write([]string{"Name", "Value"}); err != nil {
		return err
	}
	return w.Write([]string{countTotalProcesses, strconv.Itoa(c.TotalProcesses)})
}

func writeImagePaths(w *csv.Writer, paths map[kernel.ProcessID]string) error {
	if err := w.Write([]string{"PID", "ImagePath"}); err != nil {
		return err
	}
	pids := make([]kernel.ProcessID, 0, len(paths))
	for pid := range paths {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	for _, pid := range pids {
		if err := w.Write([]string{strconv.FormatUint(uint64(pid), 10), paths[pid]}); err != nil {
			return err
		}
	}
	return nil
}
