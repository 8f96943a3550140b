// Package handles captures every handle held by every process on the system
// through the SystemExtendedHandleInformation query.
package handles

import (
	"errors"
	"fmt"
	"math"

	"zombiefinder/kernel"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"
)

// MaxAttempts bounds the grow-and-retry loop. The table only needs to be
// re-sized when other processes open handles between two queries.
const MaxAttempts = 64

var (
	// ErrUnexpectedProbe is returned when the sizing probe does not answer with STATUS_INFO_LENGTH_MISMATCH
	ErrUnexpectedProbe = errors.New("unexpected status from handle table size probe")

	// ErrAllocationOverflow is returned when the next buffer size does not fit the query's length argument
	ErrAllocationOverflow = errors.New("handle table buffer size overflow")

	// ErrTooManyAttempts is returned when the table kept growing for MaxAttempts queries
	ErrTooManyAttempts = errors.New("handle table kept growing")
)

// Snapshot is a point-in-time copy of the system handle table. It is not
// consistent with any other query: handles may be opened or closed while it
// is taken.
type Snapshot struct {
	buf          []byte
	count        int
	lastRequired uint32
	log          *logger.Logger
}

func New() *Snapshot {
	return &Snapshot{
		log: logger.NewLogger(coloransi.Color(coloransi.ColorPurple, coloransi.ColorOrange, "handles")),
	}
}

// nextSize is required plus a quarter, so a table that grows a little between
// two queries still fits
func nextSize(required uint32) (uint32, error) {
	if required > math.MaxUint32-required/4 {
		return 0, fmt.Errorf("%w: %d bytes required", ErrAllocationOverflow, required)
	}
	return required + required/4, nil
}

// Update replaces the snapshot with a fresh copy of the handle table.
// On error the previous contents are discarded.
func (s *Snapshot) Update(q kernel.SystemQuerier) error {
	s.buf = nil
	s.count = 0
	s.lastRequired = 0

	probe := make([]byte, kernel.HandleTableHeaderSize)
	required, status := q.QuerySystemInformation(kernel.SystemExtendedHandleInformation, probe)
	if status != kernel.StatusInfoLengthMismatch {
		return fmt.Errorf("%w: %v", ErrUnexpectedProbe, status)
	}
	s.lastRequired = required

	for attempt := 0; attempt < MaxAttempts; attempt++ {
		size, err := nextSize(required)
		if err != nil {
			return err
		}

		buf := make([]byte, size)
		required, status = q.QuerySystemInformation(kernel.SystemExtendedHandleInformation, buf)
		s.lastRequired = required

		switch status {
		case kernel.StatusSuccess:
			count, err := kernel.HandleTableCount(buf)
			if err != nil {
				return err
			}
			s.buf = buf
			s.count = count
			return nil
		case kernel.StatusInfoLengthMismatch:
			s.log.Debugln("handle table grew, allocated", size, "required", required)
			continue
		default:
			return fmt.Errorf("NtQuerySystemInformation: %w (allocated %d bytes, %d required)", status, size, required)
		}
	}

	return fmt.Errorf("%w: %d attempts, %d bytes required", ErrTooManyAttempts, MaxAttempts, required)
}

// Len returns the number of entries
func (s *Snapshot) Len() int {
	return s.count
}

// Entry returns entry i, 0 <= i < Len()
func (s *Snapshot) Entry(i int) kernel.HandleTableEntry {
	if i < 0 || i >= s.count {
		panic(fmt.Sprintf("handle table index %d out of range [0,%d)", i, s.count))
	}
	return kernel.DecodeHandleTableEntry(s.buf, i)
}

// BufferSize is the size of the buffer that held the last successful answer
func (s *Snapshot) BufferSize() int {
	return len(s.buf)
}

// LastRequired is the requirement the kernel reported on the last query
func (s *Snapshot) LastRequired() uint32 {
	return s.lastRequired
}
