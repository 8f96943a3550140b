// Package report renders the owners of zombie processes as aligned text or
// tab-delimited fields.
package report

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"zombiefinder/kernel"
	"zombiefinder/owners"
	"zombiefinder/services"
	"zombiefinder/zombie"
)

const (
	noProcess    = "(No process)"
	exitedParent = "(exited)"
)

// Ago spells out a number of seconds, e.g. "1 day 3 hrs 46 min 40 secs".
// Larger units are shown once a non-zero one has been.
func Ago(secs uint64) string {
	days := secs / (24 * 3600)
	secs %= 24 * 3600
	hours := secs / 3600
	secs %= 3600
	minutes := secs / 60
	secs %= 60

	var b strings.Builder
	show := false
	if days > 0 {
		if days == 1 {
			b.WriteString("1 day ")
		} else {
			fmt.Fprintf(&b, "%d days ", days)
		}
		show = true
	}
	if show || hours > 0 {
		if hours == 1 {
			b.WriteString("1 hour ")
		} else {
			fmt.Fprintf(&b, "%d hrs ", hours)
		}
		show = true
	}
	if show || minutes > 0 {
		fmt.Fprintf(&b, "%d min ", minutes)
	}
	fmt.Fprintf(&b, "%d secs", secs)
	return b.String()
}

func exitedAgo(r zombie.Record, now kernel.Filetime) string {
	secs, _ := r.Exited.SecondsBefore(now)
	return Ago(secs)
}

func serviceNames(svcs []services.Service) string {
	names := make([]string, len(svcs))
	for i, s := range svcs {
		names[i] = s.Name
	}
	return strings.Join(names, " ")
}

func parentImage(r zombie.Record) string {
	if r.ParentImagePath == "" {
		return exitedParent
	}
	return r.ParentImagePath
}

// Summary writes one line per owner with its holding count and services
func Summary(w io.Writer, r *owners.Result) error {
	t := NewTable(
		ColumnSpec{Header: "Exe name (PID)"},
		ColumnSpec{Header: "Count", AlignRight: true, MinWidth: 6},
		ColumnSpec{Header: "Services"},
	).WithGap("     ")

	for _, o := range r.Owners {
		t.AddRow(fmt.Sprintf("%s (%d)", o.ExeName, o.PID), strconv.Itoa(o.Count()), serviceNames(o.Services))
	}
	if len(r.Unexplained) > 0 {
		t.AddRow(noProcess, strconv.Itoa(len(r.Unexplained)))
	}
	if err := t.Render(w); err != nil {
		return err
	}
	return writeErrors(w, r.Warnings)
}

func writeErrors(w io.Writer, warnings []error) error {
	for _, err := range warnings {
		if _, werr := fmt.Fprintf(w, "ERROR: %v\n", err); werr != nil {
			return werr
		}
	}
	return nil
}

type lineWriter struct {
	w   io.Writer
	err error
}

func (l *lineWriter) printf(format string, args ...any) {
	if l.err != nil {
		return
	}
	_, l.err = fmt.Fprintf(l.w, format, args...)
}

// Details writes every owner with each handle it holds, then the zombies
// nobody holds
func Details(w io.Writer, r *owners.Result) error {
	l := &lineWriter{w: w}
	l.printf("Zombie processes: %d\n", r.ZombieProcesses)
	l.printf("Zombie threads  : %d\n", r.ZombieProcessesAndThreads-r.ZombieProcesses)
	l.printf("\n")

	for _, o := range r.Owners {
		l.printf("%s (%d) | Full path: %s", o.ExeName, o.PID, o.ImagePath)
		if len(o.Services) > 0 {
			l.printf(" | Service(s): %s", serviceNames(o.Services))
		}
		l.printf("\n%d zombie handle(s):\n", o.Count())
		for _, h := range o.Holdings {
			z := h.Zombie
			if z.IsThread() {
				l.printf("    Handle %s  PID:TID %s", h.Handle.ToString(), z.ID())
			} else {
				l.printf("    Handle %s  PID %6d", h.Handle.ToString(), z.PID)
			}
			l.printf("  %s ; exited %s: %s ago\n", z.ImagePath, z.Exited, exitedAgo(z, r.Now))
			l.printf("        Parent: %d %s\n", z.ParentPID, parentImage(z))
		}
		l.printf("\n")
	}

	if len(r.Unexplained) > 0 {
		l.printf("Zombie processes for which no handles were found:\n")
		l.printf("%d process(es):\n", len(r.Unexplained))
		for _, z := range r.Unexplained {
			l.printf("    PID %d  %s\n", z.PID, z.ImagePath)
			l.printf("      Exited %s: %s ago\n", z.Exited, exitedAgo(z, r.Now))
			l.printf("      Threads: %d\n", z.Threads)
			l.printf("      Parent: %d %s\n", z.ParentPID, parentImage(z))
		}
	}
	if l.err != nil {
		return l.err
	}
	return writeErrors(w, r.Warnings)
}

func writeFields(w io.Writer, fields ...string) error {
	_, err := fmt.Fprintln(w, strings.Join(fields, "\t"))
	return err
}

// SummaryTSV is Summary as tab-delimited fields
func SummaryTSV(w io.Writer, r *owners.Result) error {
	if err := writeFields(w, "Exe name", "PID", "Count", "Services"); err != nil {
		return err
	}
	for _, o := range r.Owners {
		err := writeFields(w, o.ExeName, strconv.FormatUint(uint64(o.PID), 10), strconv.Itoa(o.Count()), serviceNames(o.Services))
		if err != nil {
			return err
		}
	}
	if len(r.Unexplained) > 0 {
		if err := writeFields(w, noProcess, "", strconv.Itoa(len(r.Unexplained)), ""); err != nil {
			return err
		}
	}
	for _, warning := range r.Warnings {
		if err := writeFields(w, "ERROR: "+warning.Error(), "", "", ""); err != nil {
			return err
		}
	}
	return nil
}

var detailColumns = []string{
	"Owning process name",
	"Owning PID",
	"Owning process image path",
	"Services",
	"Handle",
	"Z PID",
	"Z TID",
	"Zombie image path",
	"Threads",
	"Started",
	"Exited",
	"Exited ago",
	"PPID",
	"Parent image path",
}

// zombieFields are the last nine detail columns. A thread shows its TID and
// leaves Threads empty; a process does the opposite.
func zombieFields(z zombie.Record, now kernel.Filetime) []string {
	tid, threads := "", strconv.Itoa(z.Threads)
	if z.IsThread() {
		tid, threads = strconv.FormatUint(uint64(z.TID), 10), ""
	}
	return []string{
		strconv.FormatUint(uint64(z.PID), 10),
		tid,
		z.ImagePath,
		threads,
		z.Created.String(),
		z.Exited.String(),
		exitedAgo(z, now),
		strconv.FormatUint(uint64(z.ParentPID), 10),
		parentImage(z),
	}
}

// DetailsTSV is Details as tab-delimited fields, one line per holding
func DetailsTSV(w io.Writer, r *owners.Result) error {
	if err := writeFields(w, detailColumns...); err != nil {
		return err
	}
	for _, o := range r.Owners {
		for _, h := range o.Holdings {
			fields := append([]string{
				o.ExeName,
				strconv.FormatUint(uint64(o.PID), 10),
				o.ImagePath,
				serviceNames(o.Services),
				h.Handle.ToString(),
			}, zombieFields(h.Zombie, r.Now)...)
			if err := writeFields(w, fields...); err != nil {
				return err
			}
		}
	}
	for _, z := range r.Unexplained {
		fields := append(make([]string, 5), zombieFields(z, r.Now)...)
		if err := writeFields(w, fields...); err != nil {
			return err
		}
	}
	for _, warning := range r.Warnings {
		fields := make([]string, len(detailColumns))
		fields[0], fields[1], fields[2] = "ERROR", "ERROR", warning.Error()
		if err := writeFields(w, fields...); err != nil {
			return err
		}
	}
	return nil
}
