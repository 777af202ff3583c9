package store

import (
	"fmt"

	"firestige.xyz/twister/internal/core"
)

// DefaultMaxEntries is the per-table capacity. All traffic shares one key.
const DefaultMaxEntries = 1

// Loss rate bounds, in percent.
const (
	MinLossRate int32 = 0
	MaxLossRate int32 = 100
)

// Store groups the tables shared by the hot path and the control plane.
//
// WindowStart and Bytes are owned by the bandwidth limiter; BandwidthLimit
// and LossRate are written by the control plane only.
type Store struct {
	WindowStart    *Table[uint64] // window start, monotonic ns
	Bytes          *Table[uint64] // bytes observed since window start
	BandwidthLimit *Table[uint64] // ceiling in bits per second
	LossRate       *Table[int32]  // drop percentage, 0..100
}

// New creates a Store whose tables hold at most maxEntries keys each.
// maxEntries <= 0 selects DefaultMaxEntries.
func New(maxEntries int) (*Store, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}

	windowStart, err := NewTable[uint64]("window_start", KindHash, maxEntries)
	if err != nil {
		return nil, err
	}
	bytes, err := NewTable[uint64]("byte_counter", KindLRU, maxEntries)
	if err != nil {
		return nil, err
	}
	limit, err := NewTable[uint64]("bandwidth_limit", KindLRU, maxEntries)
	if err != nil {
		return nil, err
	}
	loss, err := NewTable[int32]("loss_rate", KindLRU, maxEntries)
	if err != nil {
		return nil, err
	}

	return &Store{
		WindowStart:    windowStart,
		Bytes:          bytes,
		BandwidthLimit: limit,
		LossRate:       loss,
	}, nil
}

// SetBandwidthLimit configures the ceiling in bits per second. Zero is a
// valid ceiling that rejects every counted packet.
func (s *Store) SetBandwidthLimit(bps uint64) error {
	return s.BandwidthLimit.Update(AggregateKey, bps)
}

// ClearBandwidthLimit removes the ceiling and reports whether one was set.
func (s *Store) ClearBandwidthLimit() bool {
	return s.BandwidthLimit.Delete(AggregateKey)
}

// BandwidthLimitBps returns the configured ceiling.
func (s *Store) BandwidthLimitBps() (uint64, bool) {
	c, ok := s.BandwidthLimit.Lookup(AggregateKey)
	if !ok {
		return 0, false
	}
	return c.Load(), true
}

// SetLossRate configures the drop percentage.
func (s *Store) SetLossRate(percent int32) error {
	if percent < MinLossRate || percent > MaxLossRate {
		return fmt.Errorf("loss rate %d: %w", percent, core.ErrInvalidLossRate)
	}
	return s.LossRate.Update(AggregateKey, percent)
}

// ClearLossRate removes the drop percentage and reports whether one was set.
func (s *Store) ClearLossRate() bool {
	return s.LossRate.Delete(AggregateKey)
}

// LossRatePercent returns the configured drop percentage.
func (s *Store) LossRatePercent() (int32, bool) {
	c, ok := s.LossRate.Lookup(AggregateKey)
	if !ok {
		return 0, false
	}
	return c.Load(), true
}

// ResetCounters drops the window and byte counter so the next packet
// bootstraps a fresh window.
func (s *Store) ResetCounters() {
	s.Bytes.Delete(AggregateKey)
	s.WindowStart.Delete(AggregateKey)
}

// Snapshot is a point-in-time view of the aggregate key. Fields are read
// one by one, so a snapshot taken under traffic need not be consistent.
type Snapshot struct {
	WindowStart         uint64 `json:"window_start_ns"`
	WindowActive        bool   `json:"window_active"`
	Bytes               uint64 `json:"bytes"`
	BandwidthLimit      uint64 `json:"bandwidth_limit_bps"`
	BandwidthConfigured bool   `json:"bandwidth_configured"`
	LossRate            int32  `json:"loss_rate"`
	LossConfigured      bool   `json:"loss_configured"`
}

// Snapshot reads every table for the aggregate key.
func (s *Store) Snapshot() Snapshot {
	var snap Snapshot
	if c, ok := s.WindowStart.Lookup(AggregateKey); ok {
		snap.WindowStart, snap.WindowActive = c.Load(), true
	}
	if c, ok := s.Bytes.Lookup(AggregateKey); ok {
		snap.Bytes = c.Load()
	}
	snap.BandwidthLimit, snap.BandwidthConfigured = s.BandwidthLimitBps()
	snap.LossRate, snap.LossConfigured = s.LossRatePercent()
	return snap
}
