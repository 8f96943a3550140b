package zombie

import (
	"errors"
	"fmt"

	"zombiefinder/kernel"

	"go.uber.org/multierr"
)

// ErrDuplicateReference is returned when the kernel hands out a handle value
// that is already held. Excluding discovery's own handles from attribution
// depends on handle values being unique within a run.
var ErrDuplicateReference = errors.New("handle value acquired twice")

// Handles owns the handles discovery retained, keyed by handle value in the
// order they were acquired. Close releases all of them.
type Handles struct {
	closer  kernel.HandleCloser
	order   []kernel.Handle
	records map[kernel.Handle]Record
	closed  bool
}

func newHandles(closer kernel.HandleCloser) *Handles {
	return &Handles{
		closer:  closer,
		records: make(map[kernel.Handle]Record),
	}
}

// NewHandles builds a lookup that is not backed by open handles, e.g. from a diagnostic dump
func NewHandles() *Handles {
	return newHandles(nil)
}

// Add retains h. Adding a value twice fails with ErrDuplicateReference and leaves the lookup unchanged.
func (h *Handles) Add(handle kernel.Handle, r Record) error {
	if _, ok := h.records[handle]; ok {
		return fmt.Errorf("%w: %s (PID %d)", ErrDuplicateReference, handle.ToString(), r.PID)
	}
	h.order = append(h.order, handle)
	h.records[handle] = r
	return nil
}

// Lookup returns the record behind a handle held by the discovering process
func (h *Handles) Lookup(handle kernel.Handle) (Record, bool) {
	r, ok := h.records[handle]
	return r, ok
}

func (h *Handles) Len() int {
	return len(h.order)
}

// Each visits handles in acquisition order
func (h *Handles) Each(fn func(kernel.Handle, Record)) {
	for _, handle := range h.order {
		fn(handle, h.records[handle])
	}
}

// Close releases every retained handle exactly once. Further calls are no-ops.
func (h *Handles) Close() error {
	if h == nil || h.closed {
		return nil
	}
	h.closed = true

	var err error
	if h.closer != nil {
		for _, handle := range h.order {
			err = multierr.Append(err, h.closer.CloseHandle(handle))
		}
	}
	h.order = nil
	h.records = make(map[kernel.Handle]Record)
	return err
}
