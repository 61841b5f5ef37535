package escrow

import (
	"time"

	"github.com/jonboulle/clockwork"
)

type (
	// UnixMilli is a point in time as milliseconds since the UNIX epoch
	UnixMilli int64

	// TimeSource supplies the current time. Successive calls never go
	// backwards
	TimeSource interface {
		Now() UnixMilli
	}

	// ClockSource adapts a clockwork.Clock into a TimeSource
	ClockSource struct {
		clock clockwork.Clock
	}
)

// NewClockSource returns a TimeSource that reads the provided clock
func NewClockSource(clock clockwork.Clock) *ClockSource {
	return &ClockSource{clock: clock}
}

// SystemTime returns a TimeSource backed by the wall clock
func SystemTime() TimeSource {
	return NewClockSource(clockwork.NewRealClock())
}

// Now returns the clock's current time truncated to milliseconds
func (c *ClockSource) Now() UnixMilli {
	return AsUnixMilli(c.clock.Now())
}

// AsUnixMilli converts a time.Time into its millisecond representation
func AsUnixMilli(t time.Time) UnixMilli {
	return UnixMilli(t.UnixMilli())
}

// Time returns the time.Time that represents the same instant
func (t UnixMilli) Time() time.Time {
	return time.UnixMilli(int64(t)).UTC()
}

// After reports whether t is strictly later than other
func (t UnixMilli) After(other UnixMilli) bool {
	return t > other
}

// Add moves t by the given duration, at millisecond precision
func (t UnixMilli) Add(d time.Duration) UnixMilli {
	return t + UnixMilli(d/time.Millisecond)
}

// IsZero returns true if this time was never set
func (t UnixMilli) IsZero() bool {
	return t == 0
}

func (t UnixMilli) String() string {
	return t.Time().Format(time.RFC3339Nano)
}
