package filter

import (
	"math/rand/v2"
	"sync/atomic"
	"time"
)

// Clock is a monotonic nanosecond time source.
type Clock interface {
	Now() uint64
}

// Rand is a uniformly distributed 32-bit pseudo-random source. It must be
// safe for concurrent use; no cryptographic strength is required.
type Rand interface {
	Uint32() uint32
}

// MonotonicClock reports nanoseconds elapsed since its creation, read from
// the runtime's monotonic clock.
type MonotonicClock struct {
	epoch time.Time
}

// NewMonotonicClock returns a clock whose epoch is now.
func NewMonotonicClock() MonotonicClock {
	return MonotonicClock{epoch: time.Now()}
}

// Now implements Clock.
func (c MonotonicClock) Now() uint64 {
	return uint64(time.Since(c.epoch))
}

// ManualClock is a Clock that only moves when told to.
type ManualClock struct {
	now atomic.Uint64
}

// Now implements Clock.
func (c *ManualClock) Now() uint64 { return c.now.Load() }

// Set moves the clock to ns.
func (c *ManualClock) Set(ns uint64) { c.now.Store(ns) }

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) { c.now.Add(uint64(d)) }

// RuntimeRand draws from the math/rand/v2 global generator, which is
// per-thread and lock-free.
type RuntimeRand struct{}

// Uint32 implements Rand.
func (RuntimeRand) Uint32() uint32 { return rand.Uint32() }

// SequenceRand replays a fixed sequence of values, wrapping around.
type SequenceRand struct {
	values []uint32
	next   atomic.Uint64
}

// NewSequenceRand returns a Rand yielding values in order.
func NewSequenceRand(values ...uint32) *SequenceRand {
	if len(values) == 0 {
		values = []uint32{0}
	}
	return &SequenceRand{values: values}
}

// Uint32 implements Rand.
func (r *SequenceRand) Uint32() uint32 {
	i := r.next.Add(1) - 1
	return r.values[i%uint64(len(r.values))]
}
