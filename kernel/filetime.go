package kernel

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Filetime is a FILETIME value: 100-nanosecond ticks since 1601-01-01 UTC.
// Exit ages are computed on this representation directly so no unit
// conversion happens between the kernel and the age filter.
type Filetime uint64

const (
	TicksPerSecond = 10_000_000

	// seconds between 1601-01-01 and 1970-01-01
	unixEpochSeconds = 11644473600

	// MaxFiletime is the largest value the system time conversions accept
	MaxFiletime Filetime = math.MaxInt64
)

// ErrFiletimeRange is returned for times a FILETIME cannot represent
var ErrFiletimeRange = errors.New("time outside FILETIME range")

// FiletimeFromParts joins the dwLowDateTime/dwHighDateTime halves
func FiletimeFromParts(low, high uint32) Filetime {
	return Filetime(uint64(high)<<32 | uint64(low))
}

// ToFiletime converts a time.Time, failing for times before 1601 or past MaxFiletime
func ToFiletime(t time.Time) (Filetime, error) {
	const maxSeconds = int64(MaxFiletime)/TicksPerSecond - 1
	unix := t.Unix()
	if unix < -unixEpochSeconds || unix > maxSeconds-unixEpochSeconds {
		return 0, fmt.Errorf("%w: %s", ErrFiletimeRange, t.UTC().Format(time.RFC3339))
	}
	secs := unix + unixEpochSeconds
	return Filetime(secs*TicksPerSecond + int64(t.Nanosecond())/100), nil
}

// FiletimeFromTime converts a time.Time. Times before 1601 clamp to zero and
// times past the FILETIME range clamp to MaxFiletime.
func FiletimeFromTime(t time.Time) Filetime {
	f, err := ToFiletime(t)
	if err != nil {
		if t.Unix() < -unixEpochSeconds {
			return 0
		}
		return MaxFiletime
	}
	return f
}

func (f Filetime) IsZero() bool {
	return f == 0
}

// Time converts to UTC time.Time
func (f Filetime) Time() time.Time {
	if f == 0 {
		return time.Time{}
	}
	secs := int64(uint64(f) / TicksPerSecond)
	nanos := int64(uint64(f)%TicksPerSecond) * 100
	return time.Unix(secs-unixEpochSeconds, nanos).UTC()
}

// Add returns f advanced by whole seconds
func (f Filetime) Add(seconds uint64) Filetime {
	return f + Filetime(seconds*TicksPerSecond)
}

// SecondsBefore returns how many whole seconds f lies before now.
// ok is false when f is not strictly earlier than now.
func (f Filetime) SecondsBefore(now Filetime) (secs uint64, ok bool) {
	if now <= f {
		return 0, false
	}
	return uint64(now-f) / TicksPerSecond, true
}

// String formats like "2024-01-02 15:04:05.000" in local time, the format used in reports and dumps
func (f Filetime) String() string {
	if f == 0 {
		return ""
	}
	return f.Time().Local().Format("2006-01-02 15:04:05.000")
}
