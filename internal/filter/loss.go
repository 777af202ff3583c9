package filter

import (
	"firestige.xyz/twister/internal/core"
	"firestige.xyz/twister/internal/store"
)

// LossSimulator drops a configured percentage of packets at random. Each
// decision is an independent Bernoulli trial with no memory.
type LossSimulator struct {
	rates *store.Table[int32]
	rand  Rand
}

// NewLossSimulator creates a loss stage reading its rate from s.
func NewLossSimulator(s *store.Store, r Rand) *LossSimulator {
	if r == nil {
		r = RuntimeRand{}
	}
	return &LossSimulator{rates: s.LossRate, rand: r}
}

// Name implements Stage.
func (l *LossSimulator) Name() string { return "loss" }

// Decide admits unless a draw in [0,100) falls below the configured rate.
// An absent or non-positive rate means the policy is inactive.
func (l *LossSimulator) Decide(core.Packet) core.Verdict {
	cell, ok := l.rates.Lookup(store.AggregateKey)
	if !ok {
		return core.Admit
	}
	rate := cell.Load()
	if rate <= 0 {
		return core.Admit
	}
	if percentile(l.rand.Uint32()) < uint32(rate) {
		return core.Reject
	}
	return core.Admit
}

// percentile maps r onto [0,100) by multiply-shift.
func percentile(r uint32) uint32 {
	return uint32((uint64(r) * 100) >> 32)
}
