package filter

import (
	"fmt"
	"math"
	"math/bits"
	"sync/atomic"
	"time"

	"firestige.xyz/twister/internal/core"
	"firestige.xyz/twister/internal/store"
)

// DefaultWindow is the accounting window length.
const DefaultWindow = 5 * time.Second

// BandwidthLimiter caps aggregate throughput to a bits-per-second ceiling
// averaged over a fixed window.
//
// Bytes are counted before the verdict, so rejected packets still consume
// the window budget: a saturated window stays saturated until it rotates.
// Concurrent deciders share the counters without locks; a rotation racing
// with in-flight additions may misattribute a few packets to either window.
type BandwidthLimiter struct {
	store  *store.Store
	clock  Clock
	window uint64 // ns

	budget atomic.Pointer[budget]
}

// budget is the resolved allowed-bytes-per-window for one generation of
// the bandwidth limit table.
type budget struct {
	generation uint64
	allowed    uint64
}

// NewBandwidthLimiter creates a bandwidth stage over s.
func NewBandwidthLimiter(s *store.Store, clock Clock, window time.Duration) (*BandwidthLimiter, error) {
	if window <= 0 {
		return nil, fmt.Errorf("window %s: %w", window, core.ErrInvalidWindow)
	}
	if clock == nil {
		clock = NewMonotonicClock()
	}
	return &BandwidthLimiter{
		store:  s,
		clock:  clock,
		window: uint64(window),
	}, nil
}

// Name implements Stage.
func (b *BandwidthLimiter) Name() string { return "bandwidth" }

// Window returns the accounting window length.
func (b *BandwidthLimiter) Window() time.Duration { return time.Duration(b.window) }

// Decide accounts pkt against the current window and returns Admit, Reject,
// or Abort when no ceiling is configured once the window exists.
func (b *BandwidthLimiter) Decide(pkt core.Packet) core.Verdict {
	v, _ := b.Check(pkt)
	return v
}

// Check is Decide with the cause of an Abort.
func (b *BandwidthLimiter) Check(pkt core.Packet) (core.Verdict, error) {
	now := b.clock.Now()

	// The first packet opens the window and is not counted.
	start, ok := b.store.WindowStart.Lookup(store.AggregateKey)
	if !ok {
		if err := b.store.WindowStart.Update(store.AggregateKey, now); err != nil {
			return core.Abort, fmt.Errorf("open window: %w", err)
		}
		return core.Admit, nil
	}

	size := pkt.Size()
	counter, loaded, err := b.store.Bytes.LookupOrInsert(store.AggregateKey, size)
	if err != nil {
		return core.Abort, fmt.Errorf("account bytes: %w", err)
	}
	accumulated := size
	if loaded {
		accumulated = counter.Add(size)
	}

	// The packet that closes a window opens the next one and is its first
	// contribution.
	if elapsed(now, start.Load()) >= b.window {
		counter.Store(size)
		start.Store(now)
		accumulated = size
	}

	allowed, ok := b.allowedBytes()
	if !ok {
		return core.Abort, core.ErrBandwidthUnresolved
	}
	if accumulated > allowed {
		return core.Reject, nil
	}
	return core.Admit, nil
}

// Invalidate drops the cached budget so the next decision re-reads the
// ceiling.
func (b *BandwidthLimiter) Invalidate() {
	b.budget.Store(nil)
}

// allowedBytes returns the window budget, re-resolving it when the limit
// table has changed since it was cached. An absent limit is never cached.
func (b *BandwidthLimiter) allowedBytes() (uint64, bool) {
	gen := b.store.BandwidthLimit.Generation()
	if cached := b.budget.Load(); cached != nil && cached.generation == gen {
		return cached.allowed, true
	}

	limit, ok := b.store.BandwidthLimit.Lookup(store.AggregateKey)
	if !ok {
		return 0, false
	}
	allowed := AllowedBytes(limit.Load(), time.Duration(b.window))
	b.budget.Store(&budget{generation: gen, allowed: allowed})
	return allowed, true
}

// AllowedBytes converts a bits-per-second ceiling to a byte budget for one
// window: limit/8 * window. The result saturates instead of overflowing.
func AllowedBytes(limitBps uint64, window time.Duration) uint64 {
	if window <= 0 {
		return 0
	}
	hi, lo := bits.Mul64(limitBps/8, uint64(window))
	if hi >= uint64(time.Second) {
		return math.MaxUint64
	}
	q, _ := bits.Div64(hi, lo, uint64(time.Second))
	return q
}

// elapsed treats a clock reading behind start as no time passed.
func elapsed(now, start uint64) uint64 {
	if now < start {
		return 0
	}
	return now - start
}
