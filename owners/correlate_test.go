package owners

import (
	"errors"
	"testing"

	"zombiefinder/diag"
	"zombiefinder/kernel"
	"zombiefinder/services"
	"zombiefinder/zombie"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const self kernel.ProcessID = 1000

type fakeInfo struct {
	paths       map[kernel.ProcessID]string
	pathErr     map[kernel.ProcessID]error
	services    map[kernel.ProcessID][]services.Service
	servicesErr error
	calls       map[kernel.ProcessID]int
}

func (f *fakeInfo) ImagePath(pid kernel.ProcessID) (string, error) {
	if f.calls == nil {
		f.calls = make(map[kernel.ProcessID]int)
	}
	f.calls[pid]++
	if err := f.pathErr[pid]; err != nil {
		return "", err
	}
	return f.paths[pid], nil
}

func (f *fakeInfo) Services(pid kernel.ProcessID) ([]services.Service, error) {
	if f.servicesErr != nil {
		return nil, f.servicesErr
	}
	return f.services[pid], nil
}

type world struct {
	refs    *zombie.Handles
	pending map[kernel.ProcessID]zombie.Record
	table   diag.Rows
}

func addr(pid kernel.ProcessID) kernel.ObjectAddress {
	return kernel.ObjectAddress(0xFFFF_A000_0000_0000 + uint64(pid)*0x1000)
}

func newWorld(t *testing.T, zombies ...kernel.ProcessID) *world {
	t.Helper()
	w := &world{
		refs:    zombie.NewHandles(),
		pending: make(map[kernel.ProcessID]zombie.Record),
	}
	for i, pid := range zombies {
		r := zombie.Record{PID: pid, ImagePath: `\Device\HarddiskVolume3\zombie.exe`}
		h := kernel.Handle(0x100 + i*4)
		require.NoError(t, w.refs.Add(h, r))
		w.pending[pid] = r
		w.table = append(w.table, kernel.HandleTableEntry{PID: self, Handle: h, Object: addr(pid)})
	}
	return w
}

func (w *world) hold(owner kernel.ProcessID, h kernel.Handle, target kernel.ProcessID) {
	w.table = append(w.table, kernel.HandleTableEntry{PID: owner, Handle: h, Object: addr(target)})
}

func TestCorrelateAttributesHolders(t *testing.T) {
	w := newWorld(t, 30, 31, 32)
	w.hold(20, 0x40, 30)
	w.hold(20, 0x44, 31)
	w.hold(21, 0x80, 30)
	// unrelated handle
	w.table = append(w.table, kernel.HandleTableEntry{PID: 22, Handle: 0x10, Object: 0xFFFF_C000_0000_0010})
	info := &fakeInfo{paths: map[kernel.ProcessID]string{
		20: `C:\Tools\host.exe`,
		21: `C:\Windows\System32\svchost.exe`,
	}}

	c := Correlate(w.table, w.refs, w.pending, self, info)

	require.Len(t, c.ByPID, 2)
	host := c.ByPID[20]
	assert.Equal(t, `C:\Tools\host.exe`, host.ImagePath)
	assert.Equal(t, "host.exe", host.ExeName)
	require.Equal(t, 2, host.Count())
	assert.Equal(t, kernel.Handle(0x40), host.Holdings[0].Handle)
	assert.Equal(t, kernel.ProcessID(30), host.Holdings[0].Zombie.PID)
	assert.Equal(t, kernel.ProcessID(31), host.Holdings[1].Zombie.PID)

	assert.Equal(t, 1, info.calls[20], "owner is described once")

	require.Len(t, c.Unexplained, 1)
	assert.Equal(t, kernel.ProcessID(32), c.Unexplained[0].PID)
	assert.Empty(t, c.Warnings)

	// input is left untouched
	assert.Len(t, w.pending, 3)
}

func TestCorrelatePartition(t *testing.T) {
	w := newWorld(t, 30, 31, 32, 33, 34)
	w.hold(20, 0x40, 30)
	w.hold(21, 0x40, 30)
	w.hold(21, 0x44, 33)
	w.hold(22, 0x48, 33)

	c := Correlate(w.table, w.refs, w.pending, self, &fakeInfo{})

	attributed := make(map[kernel.ProcessID]int)
	for _, o := range c.Sorted {
		for _, h := range o.Holdings {
			attributed[h.Zombie.PID]++
		}
	}
	seen := make(map[kernel.ProcessID]bool)
	for pid := range attributed {
		seen[pid] = true
	}
	for _, r := range c.Unexplained {
		assert.False(t, seen[r.PID], "PID %d both attributed and unexplained", r.PID)
		seen[r.PID] = true
	}
	assert.Len(t, seen, len(w.pending))
	for pid := range w.pending {
		assert.True(t, seen[pid], "PID %d dropped", pid)
	}

	var unexplained []kernel.ProcessID
	for _, r := range c.Unexplained {
		unexplained = append(unexplained, r.PID)
	}
	assert.Equal(t, []kernel.ProcessID{31, 32, 34}, unexplained)
}

func TestCorrelateSelfExclusion(t *testing.T) {
	w := newWorld(t, 30)
	// a handle in this process that discovery did not open
	w.hold(self, 0x500, 30)

	c := Correlate(w.table, w.refs, w.pending, self, &fakeInfo{})

	require.Contains(t, c.ByPID, self)
	own := c.ByPID[self]
	require.Equal(t, 1, own.Count())
	assert.Equal(t, kernel.Handle(0x500), own.Holdings[0].Handle)
	assert.Empty(t, c.Unexplained)
}

func TestCorrelateOnlyDiscoveryHandlesIsUnexplained(t *testing.T) {
	w := newWorld(t, 30)

	c := Correlate(w.table, w.refs, w.pending, self, &fakeInfo{})

	assert.Empty(t, c.ByPID)
	assert.Empty(t, c.Sorted)
	require.Len(t, c.Unexplained, 1)
	assert.Equal(t, kernel.ProcessID(30), c.Unexplained[0].PID)
}

func TestCorrelateThreadHandles(t *testing.T) {
	w := newWorld(t, 30)
	thread := zombie.Record{PID: 30, TID: 301}
	require.NoError(t, w.refs.Add(0x200, thread))
	threadAddr := kernel.ObjectAddress(0xFFFF_B000_0000_0000 + 301*0x100)
	w.table = append(w.table,
		kernel.HandleTableEntry{PID: self, Handle: 0x200, Object: threadAddr},
		kernel.HandleTableEntry{PID: 20, Handle: 0x60, Object: threadAddr},
	)

	c := Correlate(w.table, w.refs, w.pending, self, &fakeInfo{})

	require.Contains(t, c.ByPID, kernel.ProcessID(20))
	h := c.ByPID[20].Holdings
	require.Len(t, h, 1)
	assert.Equal(t, kernel.ThreadID(301), h[0].Zombie.TID)
	assert.Empty(t, c.Unexplained, "holding a thread explains the process")
}

func TestCorrelateSortOrder(t *testing.T) {
	w := newWorld(t, 30, 31, 32)
	w.hold(50, 0x4, 30)
	w.hold(40, 0x4, 30)
	w.hold(41, 0x4, 30)
	w.hold(60, 0x4, 30)
	w.hold(60, 0x8, 31)
	w.hold(60, 0xC, 32)
	w.hold(70, 0x4, 31)
	w.hold(70, 0x8, 32)
	info := &fakeInfo{paths: map[kernel.ProcessID]string{
		40: `C:\b\Zeta.exe`,
		41: `C:\a\alpha.exe`,
		50: `C:\c\ALPHA.EXE`,
		60: `C:\d\many.exe`,
		70: `C:\e\two.exe`,
	}}

	c := Correlate(w.table, w.refs, w.pending, self, info)

	var pids []kernel.ProcessID
	for _, o := range c.Sorted {
		pids = append(pids, o.PID)
	}
	assert.Equal(t, []kernel.ProcessID{60, 70, 41, 50, 40}, pids)

	for i := 1; i < len(c.Sorted); i++ {
		a, b := c.Sorted[i-1], c.Sorted[i]
		assert.GreaterOrEqual(t, a.Count(), b.Count())
	}
}

func TestCorrelateWarnings(t *testing.T) {
	w := newWorld(t, 30)
	w.hold(4, 0x4, 30)
	w.hold(20, 0x4, 30)
	w.hold(21, 0x4, 30)
	denied := errors.New("access denied")
	scm := errors.New("scm unavailable")
	info := &fakeInfo{
		pathErr:     map[kernel.ProcessID]error{4: denied},
		servicesErr: scm,
	}

	c := Correlate(w.table, w.refs, w.pending, self, info)

	require.Len(t, c.ByPID, 3)
	require.Len(t, c.Warnings, 2)

	var ownerErr *OwnerError
	require.ErrorAs(t, c.Warnings[0], &ownerErr)
	assert.Equal(t, kernel.ProcessID(4), ownerErr.PID)
	assert.ErrorIs(t, c.Warnings[0], denied)

	assert.ErrorIs(t, c.Warnings[1], scm, "service failure is reported once")
	assert.Empty(t, c.ByPID[4].ExeName)
}

func TestCorrelateDanglingAddressIgnored(t *testing.T) {
	w := newWorld(t, 30)
	// discovery handle that never made it into the snapshot
	require.NoError(t, w.refs.Add(0x300, zombie.Record{PID: 31}))
	w.pending[31] = zombie.Record{PID: 31}

	c := Correlate(w.table, w.refs, w.pending, self, &fakeInfo{})
	assert.Len(t, c.Unexplained, 2)
	assert.Empty(t, c.Warnings)
}

func TestExeName(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{`C:\Windows\System32\svchost.exe`, "svchost.exe"},
		{`\Device\HarddiskVolume3\Tools\a.exe`, "a.exe"},
		{`/usr/bin/thing`, "thing"},
		{`plain.exe`, "plain.exe"},
		{``, ``},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExeName(tt.path), tt.path)
	}
}
