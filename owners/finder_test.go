package owners

import (
	"errors"
	"testing"
	"time"

	"zombiefinder/diag"
	"zombiefinder/handles"
	"zombiefinder/kernel"
	"zombiefinder/kernel_blob"
	"zombiefinder/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = kernel.FiletimeFromTime(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

func ago(secs uint64) kernel.Filetime {
	return now - kernel.Filetime(secs*kernel.TicksPerSecond)
}

// newSystem has a zombie P (30) with no threads left that exited
// 10 seconds ago, and a running Q (20). holders lists who holds P.
func newSystem(holders ...kernel.ProcessID) *kernel_blob.Kernel {
	k := kernel_blob.NewKernel(self, now)
	k.AddProcess(&kernel_blob.Process{PID: 20, ImagePath: `C:\Tools\Q.exe`, Created: ago(3600)})
	k.AddProcess(&kernel_blob.Process{PID: 30, ParentPID: 20, ImagePath: `\Device\HarddiskVolume3\Tools\P.exe`, Created: ago(60), Exited: ago(10), Deleting: true})
	for i, pid := range holders {
		k.AddReference(pid, kernel.Handle(0x40+i*4), kernel_blob.ProcessObject(30))
	}
	return k
}

func newFinder(k *kernel_blob.Kernel, e *kernel_blob.Elevator) *Finder {
	return NewFinder(k, e, services.FromMap(map[kernel.ProcessID][]services.Service{
		20: {{Name: "QSvc", DisplayName: "Q Service"}},
	}))
}

func TestUpdateSingleOwner(t *testing.T) {
	k := newSystem(20)
	e := &kernel_blob.Elevator{}

	result, err := newFinder(k, e).Update(Options{MinAge: 3})
	require.NoError(t, err)

	require.Len(t, result.Owners, 1)
	q := result.Owners[0]
	assert.Equal(t, kernel.ProcessID(20), q.PID)
	assert.Equal(t, "Q.exe", q.ExeName)
	assert.Equal(t, []services.Service{{Name: "QSvc", DisplayName: "Q Service"}}, q.Services)
	require.Len(t, q.Holdings, 1)
	assert.Equal(t, kernel.ProcessID(30), q.Holdings[0].Zombie.PID)
	assert.Equal(t, kernel.Handle(0x40), q.Holdings[0].Handle)
	assert.Equal(t, `C:\Tools\Q.exe`, q.Holdings[0].Zombie.ParentImagePath)
	assert.Empty(t, result.Unexplained)

	assert.Equal(t, 2, result.TotalProcesses)
	assert.Equal(t, 1, result.ZombieProcesses)
	assert.Equal(t, 1, result.ZombieProcessesAndThreads)
	assert.Equal(t, now, result.Now)
	assert.Empty(t, result.Warnings)
}

func TestUpdateNoHolder(t *testing.T) {
	k := newSystem()

	result, err := newFinder(k, &kernel_blob.Elevator{}).Update(Options{MinAge: 3})
	require.NoError(t, err)

	assert.Empty(t, result.Owners)
	require.Len(t, result.Unexplained, 1)
	assert.Equal(t, kernel.ProcessID(30), result.Unexplained[0].PID)
}

func TestUpdateZeroThreshold(t *testing.T) {
	k := newSystem()
	k.Processes[1].Exited = ago(1)

	result, err := newFinder(k, &kernel_blob.Elevator{}).Update(Options{MinAge: 0})
	require.NoError(t, err)
	require.Len(t, result.Unexplained, 1)
	assert.Equal(t, kernel.ProcessID(30), result.Unexplained[0].PID)

	k = newSystem()
	k.Processes[1].Exited = ago(1)
	result, err = newFinder(k, &kernel_blob.Elevator{}).Update(Options{MinAge: 3})
	require.NoError(t, err)
	assert.Empty(t, result.Unexplained)
	assert.Equal(t, 0, result.ZombieProcesses)
}

func TestUpdateReleasesHandlesAndReverts(t *testing.T) {
	k := newSystem(20)
	e := &kernel_blob.Elevator{}

	_, err := newFinder(k, e).Update(Options{MinAge: 3})
	require.NoError(t, err)

	assert.Empty(t, k.OpenHandles())
	assert.Equal(t, 1, e.Elevated)
	assert.False(t, e.Active())
}

func TestUpdateRevertsOnFailure(t *testing.T) {
	k := newSystem(20)
	// the sizing probe must not succeed
	k.SystemStatuses = []kernel.NTSTATUS{kernel.StatusSuccess}
	e := &kernel_blob.Elevator{}

	result, err := newFinder(k, e).Update(Options{MinAge: 3})
	require.ErrorIs(t, err, handles.ErrUnexpectedProbe)
	assert.Nil(t, result)

	assert.Empty(t, k.OpenHandles())
	assert.NotEmpty(t, k.ClosedHandles())
	assert.False(t, e.Active())
}

func TestUpdateRevertsOnDiscoveryFailure(t *testing.T) {
	k := newSystem(20)
	k.MissingEntryPoints = true
	e := &kernel_blob.Elevator{}

	_, err := newFinder(k, e).Update(Options{MinAge: 3})
	require.ErrorIs(t, err, kernel.ErrEntryPoint)
	assert.Equal(t, 1, e.Reverted)
}

func TestUpdateElevationFailure(t *testing.T) {
	k := newSystem(20)
	denied := errors.New("privilege not held")
	e := &kernel_blob.Elevator{Fail: denied}

	result, err := newFinder(k, e).Update(Options{MinAge: 3})
	require.ErrorIs(t, err, denied)
	assert.Nil(t, result)
	assert.Empty(t, k.ClosedHandles(), "nothing runs unelevated")
}

func TestUpdateRevertFailureDoesNotFailRun(t *testing.T) {
	k := newSystem(20)
	e := &kernel_blob.Elevator{FailRevert: errors.New("revert failed")}

	result, err := newFinder(k, e).Update(Options{MinAge: 3})
	require.NoError(t, err)
	assert.Len(t, result.Owners, 1)
	assert.Equal(t, 1, e.Reverted)
}

func TestUpdateCombinesWarnings(t *testing.T) {
	k := newSystem(20, 99)
	k.TerminalStatus = kernel.StatusAccessDenied

	result, err := newFinder(k, &kernel_blob.Elevator{}).Update(Options{MinAge: 3})
	require.NoError(t, err)

	// 99 is not a process, so it cannot be described
	require.Len(t, result.Warnings, 2)
	assert.ErrorIs(t, result.Warnings[0], kernel.StatusAccessDenied)
	var ownerErr *OwnerError
	require.ErrorAs(t, result.Warnings[1], &ownerErr)
	assert.Equal(t, kernel.ProcessID(99), ownerErr.PID)
	assert.Len(t, result.Owners, 2)
}

func TestUpdateDiagnosticDumpReplays(t *testing.T) {
	k := newSystem(20)
	k.Processes[1].Threads = []kernel.ThreadID{301}
	k.AddProcess(&kernel_blob.Process{PID: 31, ImagePath: `\Device\HarddiskVolume3\Tools\R.exe`, Created: ago(60), Exited: ago(30), Deleting: true})
	dir := t.TempDir()

	live, err := newFinder(k, &kernel_blob.Elevator{}).Update(Options{MinAge: 3, DiagDir: dir})
	require.NoError(t, err)
	require.Empty(t, live.Warnings)
	require.Equal(t, "20240301_120000", live.DiagStamp)

	stamp, err := diag.Latest(dir)
	require.NoError(t, err)
	capture, err := diag.Load(dir, stamp)
	require.NoError(t, err)

	replayed := Replay(capture)

	assert.Equal(t, 3, replayed.TotalProcesses)
	assert.Equal(t, live.TotalProcesses, replayed.TotalProcesses)
	assert.Equal(t, live.ZombieProcesses, replayed.ZombieProcesses)
	assert.Equal(t, live.ZombieProcessesAndThreads, replayed.ZombieProcessesAndThreads)
	assert.Equal(t, live.Now, replayed.Now)
	require.Len(t, replayed.Owners, len(live.Owners))
	for i := range live.Owners {
		assert.Equal(t, live.Owners[i].PID, replayed.Owners[i].PID)
		assert.Equal(t, live.Owners[i].ImagePath, replayed.Owners[i].ImagePath)
		assert.Equal(t, live.Owners[i].Services, replayed.Owners[i].Services)
		assert.Equal(t, live.Owners[i].Holdings, replayed.Owners[i].Holdings)
	}
	assert.Equal(t, live.Unexplained, replayed.Unexplained)
}
