package kernel_blob

import (
	"fmt"
	"sort"

	"zombiefinder/kernel"
)

// Process is a process as the in-memory kernel sees it.
// A process with a non-zero Exited time is gone from the user's point of view
// but, like a real zombie, can still be enumerated and opened.
type Process struct {
	PID       kernel.ProcessID
	ParentPID kernel.ProcessID
	ImagePath string
	Created   kernel.Filetime
	Exited    kernel.Filetime
	Deleting  bool
	Threads   []kernel.ThreadID

	// FailQuery makes the basic information query fail with StatusAccessDenied
	FailQuery bool

	// FailThreadID lists threads whose id query fails with StatusAccessDenied
	FailThreadID []kernel.ThreadID
}

// Running reports whether the process has not exited
func (p *Process) Running() bool {
	return p.Exited == 0 && !p.Deleting
}

// Reference is a handle held by some process other than the caller,
// or a handle of the caller that the caller did not open through this kernel.
type Reference struct {
	PID       kernel.ProcessID
	Handle    kernel.Handle
	Object    kernel.ObjectAddress
	TypeIndex kernel.ObjectTypeIndex
}

// SystemPID is the System process. Its handles are always in the table.
const SystemPID kernel.ProcessID = 4

// SystemEntry is the one handle the System process always reports, so the
// handle table is never empty
var SystemEntry = kernel.HandleTableEntry{
	Object:          0xFFFF_D000_0000_0040,
	PID:             SystemPID,
	Handle:          0x4,
	ObjectTypeIndex: ProcessTypeIndex,
}

const (
	ProcessTypeIndex kernel.ObjectTypeIndex = 7
	ThreadTypeIndex  kernel.ObjectTypeIndex = 8
	FileTypeIndex    kernel.ObjectTypeIndex = 37
)

// ProcessObject returns the object address the in-memory kernel uses for a process
func ProcessObject(pid kernel.ProcessID) kernel.ObjectAddress {
	return kernel.ObjectAddress(0xFFFF_A000_0000_0000 + uint64(pid)*0x1000)
}

// ThreadObject returns the object address the in-memory kernel uses for a thread
func ThreadObject(tid kernel.ThreadID) kernel.ObjectAddress {
	return kernel.ObjectAddress(0xFFFF_B000_0000_0000 + uint64(tid)*0x100)
}

type openKind int

const (
	openProcess openKind = iota
	openThread
)

type openObject struct {
	kind openKind
	pid  kernel.ProcessID
	tid  kernel.ThreadID
}

func (o openObject) object() kernel.ObjectAddress {
	if o.kind == openThread {
		return ThreadObject(o.tid)
	}
	return ProcessObject(o.pid)
}

func (o openObject) typeIndex() kernel.ObjectTypeIndex {
	if o.kind == openThread {
		return ThreadTypeIndex
	}
	return ProcessTypeIndex
}

// Kernel is a scripted, deterministic kernel. Handles opened through it are
// tracked so tests can check that nothing leaks and nothing is closed twice.
type Kernel struct {
	Self       kernel.ProcessID
	Now        kernel.Filetime
	Processes  []*Process
	References []Reference

	// MissingEntryPoints makes Resolve fail
	MissingEntryPoints bool

	// TerminalStatus ends process enumeration; StatusNoMoreEntries when zero
	TerminalStatus kernel.NTSTATUS

	// SystemStatuses, when non-empty, are returned (in order) by
	// QuerySystemInformation instead of the computed status
	SystemStatuses []kernel.NTSTATUS

	// Growth adds phantom handle table entries before each successive
	// QuerySystemInformation call, as if other processes were opening handles
	Growth []int

	// RequiredOverride, when non-zero, is reported as the required length instead of the computed size
	RequiredOverride []uint32

	// DuplicateOn makes the n-th opened handle (1-based) reuse the value of
	// the most recently opened handle that is still open
	DuplicateOn int

	nextHandle kernel.Handle
	opened     int
	open       map[kernel.Handle]openObject
	closed     []kernel.Handle
	phantoms   int
	queries    int
	queryBufs  []int
}

var _ kernel.Kernel = (*Kernel)(nil)

// NewKernel creates an in-memory kernel whose caller is self
func NewKernel(self kernel.ProcessID, now kernel.Filetime) *Kernel {
	return &Kernel{
		Self:       self,
		Now:        now,
		nextHandle: 0x4,
		open:       make(map[kernel.Handle]openObject),
	}
}

// AddProcess registers a process and returns it for further tweaking
func (k *Kernel) AddProcess(p *Process) *Process {
	k.Processes = append(k.Processes, p)
	return p
}

// AddReference registers a handle held by pid on object
func (k *Kernel) AddReference(pid kernel.ProcessID, h kernel.Handle, object kernel.ObjectAddress) {
	k.References = append(k.References, Reference{PID: pid, Handle: h, Object: object, TypeIndex: ProcessTypeIndex})
}

// OpenHandles returns the handles currently open in the calling process, sorted
func (k *Kernel) OpenHandles() []kernel.Handle {
	result := make([]kernel.Handle, 0, len(k.open))
	for h := range k.open {
		result = append(result, h)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// ClosedHandles returns every handle closed so far, in order
func (k *Kernel) ClosedHandles() []kernel.Handle {
	return append([]kernel.Handle(nil), k.closed...)
}

// QueryBufferSizes returns the buffer length passed to every QuerySystemInformation call
func (k *Kernel) QueryBufferSizes() []int {
	return append([]int(nil), k.queryBufs...)
}

func (k *Kernel) findProcess(pid kernel.ProcessID) (int, *Process) {
	for i, p := range k.Processes {
		if p.PID == pid {
			return i, p
		}
	}
	return -1, nil
}

func (k *Kernel) newHandle(o openObject) kernel.Handle {
	if k.open == nil {
		k.open = make(map[kernel.Handle]openObject)
	}
	if k.nextHandle == 0 {
		k.nextHandle = 0x4
	}
	k.opened++
	if k.opened == k.DuplicateOn && len(k.open) > 0 {
		open := k.OpenHandles()
		h := open[len(open)-1]
		k.open[h] = o
		return h
	}
	h := k.nextHandle
	k.nextHandle += 4
	k.open[h] = o
	return h
}

func (k *Kernel) lookup(h kernel.Handle, kind openKind) (openObject, bool) {
	o, ok := k.open[h]
	if !ok || o.kind != kind {
		return openObject{}, false
	}
	return o, true
}

func (k *Kernel) Resolve() error {
	if k.MissingEntryPoints {
		return fmt.Errorf("NtGetNextProcess: %w", kernel.ErrEntryPoint)
	}
	return nil
}

func (k *Kernel) CurrentProcessID() kernel.ProcessID {
	return k.Self
}

func (k *Kernel) SystemTime() kernel.Filetime {
	return k.Now
}

func (k *Kernel) NextProcess(prev kernel.Handle, access kernel.AccessMask) (kernel.Handle, kernel.NTSTATUS) {
	start := 0
	if prev != 0 {
		o, ok := k.lookup(prev, openProcess)
		if !ok {
			return 0, kernel.StatusInvalidHandle
		}
		i, _ := k.findProcess(o.pid)
		start = i + 1
	}
	if start >= len(k.Processes) {
		if k.TerminalStatus != 0 {
			return 0, k.TerminalStatus
		}
		return 0, kernel.StatusNoMoreEntries
	}
	return k.newHandle(openObject{kind: openProcess, pid: k.Processes[start].PID}), kernel.StatusSuccess
}

func (k *Kernel) NextThread(process kernel.Handle, prev kernel.Handle, access kernel.AccessMask) (kernel.Handle, kernel.NTSTATUS) {
	o, ok := k.lookup(process, openProcess)
	if !ok {
		return 0, kernel.StatusInvalidHandle
	}
	_, p := k.findProcess(o.pid)
	start := 0
	if prev != 0 {
		t, ok := k.lookup(prev, openThread)
		if !ok {
			return 0, kernel.StatusInvalidHandle
		}
		for i, tid := range p.Threads {
			if tid == t.tid {
				start = i + 1
				break
			}
		}
	}
	if start >= len(p.Threads) {
		return 0, kernel.StatusNoMoreEntries
	}
	return k.newHandle(openObject{kind: openThread, pid: p.PID, tid: p.Threads[start]}), kernel.StatusSuccess
}

func (k *Kernel) QueryBasicInformation(process kernel.Handle) (kernel.ProcessBasicInfo, kernel.NTSTATUS) {
	o, ok := k.lookup(process, openProcess)
	if !ok {
		return kernel.ProcessBasicInfo{}, kernel.StatusInvalidHandle
	}
	_, p := k.findProcess(o.pid)
	if p.FailQuery {
		return kernel.ProcessBasicInfo{}, kernel.StatusAccessDenied
	}
	return kernel.NewProcessBasicInfo(p.PID, p.ParentPID, p.Deleting), kernel.StatusSuccess
}

func (k *Kernel) QueryImageFileName(process kernel.Handle) (string, kernel.NTSTATUS) {
	o, ok := k.lookup(process, openProcess)
	if !ok {
		return "", kernel.StatusInvalidHandle
	}
	_, p := k.findProcess(o.pid)
	return p.ImagePath, kernel.StatusSuccess
}

func (k *Kernel) ProcessTimes(process kernel.Handle) (kernel.Filetime, kernel.Filetime, error) {
	o, ok := k.lookup(process, openProcess)
	if !ok {
		return 0, 0, kernel.ErrInvalidHandle
	}
	_, p := k.findProcess(o.pid)
	return p.Created, p.Exited, nil
}

func (k *Kernel) ThreadID(thread kernel.Handle) (kernel.ThreadID, error) {
	o, ok := k.lookup(thread, openThread)
	if !ok {
		return 0, kernel.ErrInvalidHandle
	}
	_, p := k.findProcess(o.pid)
	for _, tid := range p.FailThreadID {
		if tid == o.tid {
			return 0, fmt.Errorf("GetThreadId %s: %w", thread.ToString(), kernel.StatusAccessDenied)
		}
	}
	return o.tid, nil
}

func (k *Kernel) OpenProcess(pid kernel.ProcessID, access kernel.AccessMask) (kernel.Handle, error) {
	_, p := k.findProcess(pid)
	if p == nil {
		return 0, fmt.Errorf("OpenProcess %d: %w", pid, kernel.ErrNoProcess)
	}
	return k.newHandle(openObject{kind: openProcess, pid: pid}), nil
}

func (k *Kernel) FullImagePath(process kernel.Handle) (string, error) {
	o, ok := k.lookup(process, openProcess)
	if !ok {
		return "", kernel.ErrInvalidHandle
	}
	_, p := k.findProcess(o.pid)
	if !p.Running() {
		return "", fmt.Errorf("QueryFullProcessImageName %d: %w", p.PID, kernel.StatusProcessIsTerminating)
	}
	return p.ImagePath, nil
}

func (k *Kernel) CloseHandle(h kernel.Handle) error {
	if _, ok := k.open[h]; !ok {
		return fmt.Errorf("CloseHandle %s: %w", h.ToString(), kernel.ErrInvalidHandle)
	}
	delete(k.open, h)
	k.closed = append(k.closed, h)
	return nil
}

// Entries returns the handle table as it would be reported right now.
// SystemEntry comes last.
func (k *Kernel) Entries() []kernel.HandleTableEntry {
	var entries []kernel.HandleTableEntry
	for _, r := range k.References {
		entries = append(entries, kernel.HandleTableEntry{
			Object:          r.Object,
			PID:             r.PID,
			Handle:          r.Handle,
			ObjectTypeIndex: r.TypeIndex,
		})
	}
	for _, h := range k.OpenHandles() {
		o := k.open[h]
		entries = append(entries, kernel.HandleTableEntry{
			Object:          o.object(),
			PID:             k.Self,
			Handle:          h,
			ObjectTypeIndex: o.typeIndex(),
		})
	}
	for i := 0; i < k.phantoms; i++ {
		entries = append(entries, kernel.HandleTableEntry{
			Object:          kernel.ObjectAddress(0xFFFF_C000_0000_0000 + uint64(i)*0x10),
			PID:             SystemPID,
			Handle:          kernel.Handle(0x10000 + i*4),
			ObjectTypeIndex: FileTypeIndex,
		})
	}
	return append(entries, SystemEntry)
}

func (k *Kernel) QuerySystemInformation(class kernel.SystemInformationClass, buf []byte) (uint32, kernel.NTSTATUS) {
	k.queryBufs = append(k.queryBufs, len(buf))
	if class != kernel.SystemExtendedHandleInformation {
		return 0, kernel.StatusInvalidParameter
	}
	if k.queries < len(k.Growth) {
		k.phantoms += k.Growth[k.queries]
	}
	call := k.queries
	k.queries++

	table := kernel.EncodeHandleTable(k.Entries())
	required := uint32(len(table))
	if call < len(k.RequiredOverride) && k.RequiredOverride[call] != 0 {
		required = k.RequiredOverride[call]
	}

	if len(k.SystemStatuses) > 0 {
		status := k.SystemStatuses[0]
		k.SystemStatuses = k.SystemStatuses[1:]
		if status == kernel.StatusSuccess && len(buf) >= len(table) {
			copy(buf, table)
		}
		return required, status
	}

	if uint32(len(buf)) < required || len(buf) < len(table) {
		return required, kernel.StatusInfoLengthMismatch
	}
	copy(buf, table)
	return required, kernel.StatusSuccess
}
