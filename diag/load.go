package diag

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"zombiefinder/kernel"
	"zombiefinder/services"
	"zombiefinder/zombie"
)

var (
	// ErrNoDump is returned when a directory holds no diagnostic dump
	ErrNoDump = errors.New("no diagnostic dump found")

	// ErrMalformed is returned for a dump file that cannot be parsed
	ErrMalformed = errors.New("malformed diagnostic dump")
)

// Latest returns the stamp of the newest dump in dir
func Latest(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, filePrefix+"*_"+kindZombieHandles+".txt"))
	if err != nil {
		return "", err
	}
	var stamps []string
	for _, m := range matches {
		name := strings.TrimPrefix(filepath.Base(m), filePrefix)
		name = strings.TrimSuffix(name, "_"+kindZombieHandles+".txt")
		if _, err := time.Parse(stampLayout, name); err == nil {
			stamps = append(stamps, name)
		}
	}
	if len(stamps) == 0 {
		return "", fmt.Errorf("%w in %s", ErrNoDump, dir)
	}
	sort.Strings(stamps)
	return stamps[len(stamps)-1], nil
}

// Load reads the dump named by stamp. The services, processes and counts
// files are optional.
func Load(dir, stamp string) (*Capture, error) {
	at, err := time.Parse(stampLayout, stamp)
	if err != nil {
		return nil, fmt.Errorf("%w: bad stamp %q", ErrMalformed, stamp)
	}

	atTicks, err := kernel.ToFiletime(at)
	if err != nil {
		return nil, fmt.Errorf("%w: bad stamp %q: %w", ErrMalformed, stamp, err)
	}

	c := &Capture{
		At:         atTicks,
		Stamp:      stamp,
		Zombies:    zombie.NewHandles(),
		ImagePaths: make(map[kernel.ProcessID]string),
	}

	if err := readFile(FileName(dir, stamp, kindZombieHandles), true, c.readZombie); err != nil {
		return nil, err
	}

	var rows Rows
	err = readFile(FileName(dir, stamp, kindAllHandles), true, func(fields []string) error {
		e, err := parseEntry(fields)
		if err != nil {
			return err
		}
		rows = append(rows, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.Table = rows

	hosted := make(map[kernel.ProcessID][]services.Service)
	err = readFile(FileName(dir, stamp, kindServices), false, func(fields []string) error {
		if len(fields) != 3 {
			return fmt.Errorf("%w: %d fields", ErrMalformed, len(fields))
		}
		pid, err := parseUint(fields[0])
		if err != nil {
			return err
		}
		hosted[kernel.ProcessID(pid)] = append(hosted[kernel.ProcessID(pid)], services.Service{Name: fields[1], DisplayName: fields[2]})
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.Hosted = services.FromMap(hosted)

	err = readFile(FileName(dir, stamp, kindProcesses), false, func(fields []string) error {
		if len(fields) != 2 {
			return fmt.Errorf("%w: %d fields", ErrMalformed, len(fields))
		}
		pid, err := parseUint(fields[0])
		if err != nil {
			return err
		}
		c.ImagePaths[kernel.ProcessID(pid)] = fields[1]
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = readFile(FileName(dir, stamp, kindCounts), false, func(fields []string) error {
		if len(fields) != 2 {
			return fmt.Errorf("%w: %d fields", ErrMalformed, len(fields))
		}
		if fields[0] != countTotalProcesses {
			return nil
		}
		n, err := parseUint(fields[1])
		if err != nil {
			return err
		}
		c.TotalProcesses = int(n)
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Infoln("Loaded diagnostic dump", stamp, "with", c.Zombies.Len(), "zombie handles and", rows.Len(), "system handles")
	return c, nil
}

// readFile calls row for every line after the header
func readFile(path string, required bool, row func(fields []string) error) error {
	f, err := os.Open(path)
	if err != nil {
		if !required && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = '\t'
	r.LazyQuotes = true
	r.FieldsPerRecord = -1

	if _, err := r.Read(); err != nil {
		return fmt.Errorf("failed to read header of %s: %w", path, err)
	}
	for line := 2; ; line++ {
		fields, err := r.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		if err := row(fields); err != nil {
			return fmt.Errorf("%s line %d: %w", filepath.Base(path), line, err)
		}
	}
}

func parseUint(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return v, nil
}

func parseTime(s string) (kernel.Filetime, error) {
	if s == "" {
		return 0, nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	f, err := kernel.ToFiletime(t)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return f, nil
}

func (c *Capture) readZombie(fields []string) error {
	if len(fields) != 10 {
		return fmt.Errorf("%w: %d fields", ErrMalformed, len(fields))
	}

	var nums [6]uint64
	for i, idx := range []int{0, 1, 2, 3, 4, 8} {
		v, err := parseUint(fields[idx])
		if err != nil {
			return err
		}
		nums[i] = v
	}
	created, err := parseTime(fields[6])
	if err != nil {
		return err
	}
	exited, err := parseTime(fields[7])
	if err != nil {
		return err
	}

	c.Self = kernel.ProcessID(nums[0])
	return c.Zombies.Add(kernel.Handle(nums[1]), zombie.Record{
		PID:             kernel.ProcessID(nums[2]),
		TID:             kernel.ThreadID(nums[3]),
		Threads:         int(nums[4]),
		ImagePath:       fields[5],
		Created:         created,
		Exited:          exited,
		ParentPID:       kernel.ProcessID(nums[5]),
		ParentImagePath: fields[9],
	})
}

func parseEntry(fields []string) (kernel.HandleTableEntry, error) {
	if len(fields) != 4 {
		return kernel.HandleTableEntry{}, fmt.Errorf("%w: %d fields", ErrMalformed, len(fields))
	}
	var nums [4]uint64
	for i, s := range fields {
		v, err := parseUint(s)
		if err != nil {
			return kernel.HandleTableEntry{}, err
		}
		nums[i] = v
	}
	return kernel.HandleTableEntry{
		PID:             kernel.ProcessID(nums[0]),
		Handle:          kernel.Handle(nums[1]),
		ObjectTypeIndex: kernel.ObjectTypeIndex(nums[2]),
		Object:          kernel.ObjectAddress(nums[3]),
	}, nil
}
