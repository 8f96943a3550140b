package kernel

// ProcessWalker enumerates process and thread objects, including processes
// that have exited but are still resident. Each successful call opens a new
// handle in the calling process; the caller owns it.
type ProcessWalker interface {
	// NextProcess returns the process after prev (0 starts from the beginning).
	// The walk ends with a non-success status, normally StatusNoMoreEntries.
	NextProcess(prev Handle, access AccessMask) (Handle, NTSTATUS)

	// NextThread returns the thread of process after prev (0 starts from the beginning).
	NextThread(process Handle, prev Handle, access AccessMask) (Handle, NTSTATUS)
}

// ProcessQuerier answers questions about an opened process or thread handle
type ProcessQuerier interface {
	// QueryBasicInformation returns exit status, ids and the deleting flag
	QueryBasicInformation(process Handle) (ProcessBasicInfo, NTSTATUS)

	// QueryImageFileName returns the image path in object manager form.
	// Unlike FullImagePath it still works after the process has exited.
	QueryImageFileName(process Handle) (string, NTSTATUS)

	// ProcessTimes returns creation and exit times. Exit is zero for running processes.
	ProcessTimes(process Handle) (created, exited Filetime, err error)

	// ThreadID returns the id of the thread behind a thread handle
	ThreadID(thread Handle) (ThreadID, error)

	// OpenProcess opens a process by id
	OpenProcess(pid ProcessID, access AccessMask) (Handle, error)

	// FullImagePath returns the Win32 image path of a running process
	FullImagePath(process Handle) (string, error)
}

// HandleCloser releases handles opened through the other interfaces
type HandleCloser interface {
	CloseHandle(h Handle) error
}

// SystemQuerier is the NtQuerySystemInformation boundary. It fills buf and
// returns the number of bytes the complete answer requires.
type SystemQuerier interface {
	QuerySystemInformation(class SystemInformationClass, buf []byte) (returnLength uint32, status NTSTATUS)
}

// Clock returns the current system time as a FILETIME
type Clock interface {
	SystemTime() Filetime
}

// Kernel is everything the engine needs from the operating system
type Kernel interface {
	// Resolve checks that every native entry point is available
	Resolve() error

	// CurrentProcessID returns the id of the calling process
	CurrentProcessID() ProcessID

	ProcessWalker
	ProcessQuerier
	HandleCloser
	SystemQuerier
	Clock
}

// Revert undoes an elevation
type Revert func() error

// Elevator grants the calling thread the privilege needed to query
// protected and other-owner processes. The returned Revert must be called on
// every exit path.
type Elevator interface {
	Elevate() (Revert, error)
}
