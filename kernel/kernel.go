// Package kernel defines the vocabulary shared by zombie discovery, the
// system handle snapshot and the ownership correlation engine, and the
// interfaces a kernel backend has to provide.
package kernel

import "errors"

var (
	// ErrEntryPoint is returned when a required native entry point cannot be resolved.
	ErrEntryPoint = errors.New("kernel entry point not available")

	// ErrUnsupported is returned by backends on platforms without the required facilities.
	ErrUnsupported = errors.New("unsupported platform")

	// ErrInvalidHandle is returned when an operation is attempted with a handle that is not open.
	ErrInvalidHandle = errors.New("invalid handle")

	// ErrNoProcess is returned when a process id cannot be opened.
	ErrNoProcess = errors.New("no such process")
)
