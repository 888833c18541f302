package xcp

import "time"

// Clock supplies the monotonic 64-bit nanosecond-ish tick used for DAQ
// timestamps and GET_DAQ_CLOCK. The tick unit is set by the Clock
// implementation (SystemClock counts nanoseconds); this interface only
// promises monotonicity, not a specific resolution.
type Clock interface {
	// NowTicks returns the current tick count. Must be monotonic
	// non-decreasing across calls from any goroutine.
	NowTicks() uint64
}

// SystemClock is the default [Clock], backed by the Go runtime's
// monotonic clock reading.
type SystemClock struct {
	epoch time.Time
}

// NewSystemClock returns a [SystemClock] zeroed at construction time.
func NewSystemClock() *SystemClock {
	return &SystemClock{epoch: time.Now()}
}

func (c *SystemClock) NowTicks() uint64 {
	return uint64(time.Since(c.epoch).Nanoseconds())
}
