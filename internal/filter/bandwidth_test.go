package filter

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/twister/internal/core"
	"firestige.xyz/twister/internal/store"
)

func newLimiter(t *testing.T, limit uint64, configured bool) (*BandwidthLimiter, *store.Store, *ManualClock) {
	t.Helper()
	s, err := store.New(store.DefaultMaxEntries)
	require.NoError(t, err)
	if configured {
		require.NoError(t, s.SetBandwidthLimit(limit))
	}
	clock := &ManualClock{}
	clock.Set(uint64(time.Hour))
	b, err := NewBandwidthLimiter(s, clock, DefaultWindow)
	require.NoError(t, err)
	return b, s, clock
}

func pkt(n uint32) core.Packet {
	return core.Packet{Length: n}
}

func TestAllowedBytes(t *testing.T) {
	tests := []struct {
		name   string
		limit  uint64
		window time.Duration
		want   uint64
	}{
		{"80bps over 5s", 80, 5 * time.Second, 50},
		{"1Mbps over 5s", 1_000_000, 5 * time.Second, 625_000},
		{"zero limit", 0, 5 * time.Second, 0},
		{"sub-byte limit", 7, 5 * time.Second, 0},
		{"sub-second window", 8000, 500 * time.Millisecond, 500},
		{"zero window", 80, 0, 0},
		{"saturates", math.MaxUint64, time.Hour, math.MaxUint64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AllowedBytes(tt.limit, tt.window))
		})
	}
}

func TestNewBandwidthLimiterRejectsBadWindow(t *testing.T) {
	s, err := store.New(store.DefaultMaxEntries)
	require.NoError(t, err)
	_, err = NewBandwidthLimiter(s, nil, 0)
	assert.True(t, errors.Is(err, core.ErrInvalidWindow))
	_, err = NewBandwidthLimiter(s, nil, -time.Second)
	assert.True(t, errors.Is(err, core.ErrInvalidWindow))
}

func TestBandwidthScenario(t *testing.T) {
	b, s, _ := newLimiter(t, 80, true)

	// 50 bytes per window: bootstrap, 20, 40, then 60 > 50.
	want := []core.Verdict{core.Admit, core.Admit, core.Admit, core.Reject}
	for i, w := range want {
		assert.Equal(t, w, b.Decide(pkt(20)), "packet %d", i+1)
	}
	assert.Equal(t, uint64(60), s.Snapshot().Bytes)
}

func TestBandwidthBootstrapCountsNothing(t *testing.T) {
	b, s, clock := newLimiter(t, 80, true)

	assert.Equal(t, core.Admit, b.Decide(pkt(1500)))
	snap := s.Snapshot()
	assert.True(t, snap.WindowActive)
	assert.Equal(t, clock.Now(), snap.WindowStart)
	assert.Equal(t, 0, s.Bytes.Len())
}

func TestBandwidthBootstrapIgnoresMissingConfig(t *testing.T) {
	b, _, _ := newLimiter(t, 0, false)
	assert.Equal(t, core.Admit, b.Decide(pkt(20)))
}

func TestBandwidthAbortsWithoutConfig(t *testing.T) {
	b, s, _ := newLimiter(t, 0, false)
	require.Equal(t, core.Admit, b.Decide(pkt(20)))

	assert.Equal(t, core.Abort, b.Decide(pkt(20)))
	// Accounting still happened.
	assert.Equal(t, uint64(20), s.Snapshot().Bytes)

	// Every packet re-attempts the lookup.
	require.NoError(t, s.SetBandwidthLimit(80))
	assert.Equal(t, core.Admit, b.Decide(pkt(20)))
}

func TestBandwidthAbortsAfterLimitCleared(t *testing.T) {
	b, s, _ := newLimiter(t, 80, true)
	require.Equal(t, core.Admit, b.Decide(pkt(20)))
	require.Equal(t, core.Admit, b.Decide(pkt(20)))

	require.True(t, s.ClearBandwidthLimit())
	assert.Equal(t, core.Abort, b.Decide(pkt(20)))
}

func TestBandwidthRejectedBytesStillCount(t *testing.T) {
	b, s, clock := newLimiter(t, 80, true)
	b.Decide(pkt(20))

	assert.Equal(t, core.Reject, b.Decide(pkt(60)))
	// A small packet cannot sneak into a saturated window.
	for i := 0; i < 5; i++ {
		clock.Advance(100 * time.Millisecond)
		assert.Equal(t, core.Reject, b.Decide(pkt(1)))
	}
	assert.Equal(t, uint64(65), s.Snapshot().Bytes)
}

func TestBandwidthRotation(t *testing.T) {
	b, s, clock := newLimiter(t, 80, true)
	b.Decide(pkt(20))
	start := clock.Now()

	assert.Equal(t, core.Reject, b.Decide(pkt(60)))

	// Just short of the boundary the window is still saturated.
	clock.Set(start + uint64(DefaultWindow) - 1)
	assert.Equal(t, core.Reject, b.Decide(pkt(1)))

	// Exactly at the boundary the window rotates and the rotating packet
	// is the first contribution to the new one.
	clock.Set(start + uint64(DefaultWindow))
	assert.Equal(t, core.Admit, b.Decide(pkt(30)))
	snap := s.Snapshot()
	assert.Equal(t, uint64(30), snap.Bytes)
	assert.Equal(t, start+uint64(DefaultWindow), snap.WindowStart)

	assert.Equal(t, core.Admit, b.Decide(pkt(20)))
	assert.Equal(t, core.Reject, b.Decide(pkt(1)))
}

func TestBandwidthOversizedRotatingPacket(t *testing.T) {
	b, _, clock := newLimiter(t, 80, true)
	b.Decide(pkt(20))

	clock.Advance(DefaultWindow)
	assert.Equal(t, core.Reject, b.Decide(pkt(51)))
}

func TestBandwidthClockBehindStart(t *testing.T) {
	b, s, clock := newLimiter(t, 80, true)
	b.Decide(pkt(20))
	start := clock.Now()

	clock.Set(start - uint64(time.Minute))
	assert.Equal(t, core.Admit, b.Decide(pkt(20)))
	assert.Equal(t, start, s.Snapshot().WindowStart)
}

func TestBandwidthZeroLimit(t *testing.T) {
	b, _, _ := newLimiter(t, 0, true)
	b.Decide(pkt(20))

	assert.Equal(t, core.Reject, b.Decide(pkt(1)))
	// Zero is a resolved budget, not a missing one.
	assert.Equal(t, core.Reject, b.Decide(pkt(1)))
}

func TestBandwidthReResolvesOnChange(t *testing.T) {
	b, s, _ := newLimiter(t, 80, true)
	b.Decide(pkt(20))
	require.Equal(t, core.Reject, b.Decide(pkt(60)))

	require.NoError(t, s.SetBandwidthLimit(8000))
	assert.Equal(t, core.Admit, b.Decide(pkt(60)))

	require.NoError(t, s.SetBandwidthLimit(80))
	assert.Equal(t, core.Reject, b.Decide(pkt(1)))
}

func TestBandwidthInvalidate(t *testing.T) {
	b, _, _ := newLimiter(t, 80, true)
	b.Decide(pkt(20))
	b.Decide(pkt(20))
	require.NotNil(t, b.budget.Load())

	b.Invalidate()
	assert.Nil(t, b.budget.Load())
	assert.Equal(t, core.Admit, b.Decide(pkt(10)))
	assert.Equal(t, uint64(50), b.budget.Load().allowed)
}

func TestBandwidthResetCountersBootstrapsAgain(t *testing.T) {
	b, s, _ := newLimiter(t, 80, true)
	b.Decide(pkt(20))
	require.Equal(t, core.Reject, b.Decide(pkt(60)))

	s.ResetCounters()
	assert.Equal(t, core.Admit, b.Decide(pkt(60)))
	assert.Equal(t, core.Reject, b.Decide(pkt(60)))
}

func TestBandwidthConcurrentDeciders(t *testing.T) {
	b, s, _ := newLimiter(t, math.MaxUint64, true)
	b.Decide(pkt(1))

	const workers, perG = 8, 1000
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perG; j++ {
				if v := b.Decide(pkt(10)); v != core.Admit {
					t.Errorf("verdict = %v, want admit", v)
					return
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(workers*perG*10), s.Snapshot().Bytes)
}
