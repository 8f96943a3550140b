package report

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"zombiefinder/kernel"
	"zombiefinder/owners"
	"zombiefinder/services"
	"zombiefinder/zombie"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	time.Local = time.UTC
	os.Exit(m.Run())
}

var now = kernel.FiletimeFromTime(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

func ago(secs uint64) kernel.Filetime {
	return now - kernel.Filetime(secs*kernel.TicksPerSecond)
}

func newResult() *owners.Result {
	p := zombie.Record{
		PID:             30,
		ImagePath:       `\Device\HarddiskVolume3\Tools\P.exe`,
		Created:         ago(3600),
		Exited:          ago(90),
		Threads:         1,
		ParentPID:       20,
		ParentImagePath: `C:\Tools\Q.exe`,
	}
	thread := p
	thread.TID = 301
	thread.Threads = 0
	lost := zombie.Record{
		PID:       31,
		ImagePath: `\Device\HarddiskVolume3\Tools\R.exe`,
		Created:   ago(7200),
		Exited:    ago(100000),
		ParentPID: 8,
	}

	svchost := &owners.Owner{
		PID:       900,
		ImagePath: `C:\Windows\System32\svchost.exe`,
		ExeName:   "svchost.exe",
		Services:  []services.Service{{Name: "Dhcp"}, {Name: "EventLog"}},
		Holdings:  []owners.Holding{{Handle: 0x40, Zombie: p}, {Handle: 0x44, Zombie: thread}},
	}
	q := &owners.Owner{
		PID:       20,
		ImagePath: `C:\Tools\Q.exe`,
		ExeName:   "Q.exe",
		Holdings:  []owners.Holding{{Handle: 0x1A4, Zombie: p}},
	}
	return &owners.Result{
		Owners:                    []*owners.Owner{svchost, q},
		Unexplained:               []zombie.Record{lost},
		Warnings:                  []error{errors.New("NtGetNextProcess failed during enumeration 12: access denied")},
		TotalProcesses:            200,
		ZombieProcesses:           2,
		ZombieProcessesAndThreads: 3,
		Now:                       now,
	}
}

func TestAgo(t *testing.T) {
	tests := []struct {
		secs uint64
		want string
	}{
		{0, "0 secs"},
		{59, "59 secs"},
		{90, "1 min 30 secs"},
		{3600, "1 hour 0 min 0 secs"},
		{7322, "2 hrs 2 min 2 secs"},
		{86400, "1 day 0 hrs 0 min 0 secs"},
		{100000, "1 day 3 hrs 46 min 40 secs"},
		{2*86400 + 3600 + 5, "2 days 1 hour 0 min 5 secs"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Ago(tt.secs), "%d", tt.secs)
	}
}

func TestSummary(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Summary(&buf, newResult()))

	want := "" +
		"Exe name (PID)         Count     Services\n" +
		"--------------         -----     --------\n" +
		"svchost.exe (900)          2     Dhcp EventLog\n" +
		"Q.exe (20)                 1\n" +
		"(No process)               1\n" +
		"ERROR: NtGetNextProcess failed during enumeration 12: access denied\n"
	assert.Equal(t, want, buf.String())
}

func TestSummaryEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Summary(&buf, &owners.Result{}))
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	assert.Len(t, lines, 2)
}

func TestSummaryTSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, SummaryTSV(&buf, newResult()))

	want := "" +
		"Exe name\tPID\tCount\tServices\n" +
		"svchost.exe\t900\t2\tDhcp EventLog\n" +
		"Q.exe\t20\t1\t\n" +
		"(No process)\t\t1\t\n" +
		"ERROR: NtGetNextProcess failed during enumeration 12: access denied\t\t\t\n"
	assert.Equal(t, want, buf.String())
}

func TestDetails(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Details(&buf, newResult()))

	want := "" +
		"Zombie processes: 2\n" +
		"Zombie threads  : 1\n" +
		"\n" +
		`svchost.exe (900) | Full path: C:\Windows\System32\svchost.exe | Service(s): Dhcp EventLog` + "\n" +
		"2 zombie handle(s):\n" +
		`    Handle 0x40  PID     30  \Device\HarddiskVolume3\Tools\P.exe ; exited 2024-03-01 11:58:30.000: 1 min 30 secs ago` + "\n" +
		`        Parent: 20 C:\Tools\Q.exe` + "\n" +
		`    Handle 0x44  PID:TID 30:301  \Device\HarddiskVolume3\Tools\P.exe ; exited 2024-03-01 11:58:30.000: 1 min 30 secs ago` + "\n" +
		`        Parent: 20 C:\Tools\Q.exe` + "\n" +
		"\n" +
		`Q.exe (20) | Full path: C:\Tools\Q.exe` + "\n" +
		"1 zombie handle(s):\n" +
		`    Handle 0x1A4  PID     30  \Device\HarddiskVolume3\Tools\P.exe ; exited 2024-03-01 11:58:30.000: 1 min 30 secs ago` + "\n" +
		`        Parent: 20 C:\Tools\Q.exe` + "\n" +
		"\n" +
		"Zombie processes for which no handles were found:\n" +
		"1 process(es):\n" +
		`    PID 31  \Device\HarddiskVolume3\Tools\R.exe` + "\n" +
		"      Exited 2024-02-29 08:13:20.000: 1 day 3 hrs 46 min 40 secs ago\n" +
		"      Threads: 0\n" +
		"      Parent: 8 (exited)\n" +
		"ERROR: NtGetNextProcess failed during enumeration 12: access denied\n"
	assert.Equal(t, want, buf.String())
}

func TestDetailsTSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, DetailsTSV(&buf, newResult()))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 6)
	for i, line := range lines {
		assert.Len(t, strings.Split(line, "\t"), 14, "line %d", i)
	}

	assert.Equal(t, "Owning process name\tOwning PID\tOwning process image path\tServices\tHandle\tZ PID\tZ TID\tZombie image path\tThreads\tStarted\tExited\tExited ago\tPPID\tParent image path", lines[0])

	process := strings.Split(lines[1], "\t")
	assert.Equal(t, []string{
		"svchost.exe", "900", `C:\Windows\System32\svchost.exe`, "Dhcp EventLog", "0x40",
		"30", "", `\Device\HarddiskVolume3\Tools\P.exe`, "1",
		"2024-03-01 11:00:00.000", "2024-03-01 11:58:30.000", "1 min 30 secs", "20", `C:\Tools\Q.exe`,
	}, process)

	thread := strings.Split(lines[2], "\t")
	assert.Equal(t, "301", thread[6])
	assert.Equal(t, "", thread[8])

	unexplained := strings.Split(lines[4], "\t")
	assert.Equal(t, []string{"", "", "", "", ""}, unexplained[:5])
	assert.Equal(t, "31", unexplained[5])
	assert.Equal(t, "(exited)", unexplained[13])

	errLine := strings.Split(lines[5], "\t")
	assert.Equal(t, "ERROR", errLine[0])
	assert.Equal(t, "ERROR", errLine[1])
	assert.Contains(t, errLine[2], "NtGetNextProcess")
}

func TestTableAlignment(t *testing.T) {
	tbl := NewTable(
		ColumnSpec{Header: "Name"},
		ColumnSpec{Header: "N", AlignRight: true},
		ColumnSpec{Header: "Note", BlankValue: "-"},
	)
	tbl.AddRow("long-name", "10", "")
	tbl.AddRow("x", "7", "ok")

	var buf bytes.Buffer
	require.NoError(t, tbl.Render(&buf))
	assert.Equal(t, ""+
		"Name       N Note\n"+
		"----       - ----\n"+
		"long-name 10 -\n"+
		"x          7 ok\n", buf.String())
}
