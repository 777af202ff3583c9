// Package filter implements the per-packet admission stages and the chain
// that composes them.
package filter

import (
	"sync/atomic"
	"time"

	"firestige.xyz/twister/internal/core"
	"firestige.xyz/twister/internal/store"
)

// Stage is one admission policy.
type Stage interface {
	Name() string
	Decide(pkt core.Packet) core.Verdict
}

// Checker is a Stage that can report why it did not admit.
type Checker interface {
	Stage
	Check(pkt core.Packet) (core.Verdict, error)
}

// Decision is a verdict plus the stage that produced it. Stage is empty
// when every stage admitted. Err is the cause of an Abort, when the stage
// reports one.
type Decision struct {
	Verdict core.Verdict
	Stage   string
	Err     error
}

// Chain evaluates stages in order and stops at the first one that does not
// admit.
type Chain struct {
	stages []Stage
}

// NewChain creates a chain over stages, evaluated in the given order.
func NewChain(stages ...Stage) *Chain {
	s := make([]Stage, len(stages))
	copy(s, stages)
	return &Chain{stages: s}
}

// Stages returns the stages in evaluation order.
func (c *Chain) Stages() []Stage {
	return c.stages
}

// Evaluate runs the stages and reports which one decided.
func (c *Chain) Evaluate(pkt core.Packet) Decision {
	for _, s := range c.stages {
		if d := evaluate(s, pkt); d.Verdict != core.Admit {
			return d
		}
	}
	return Decision{Verdict: core.Admit}
}

func evaluate(s Stage, pkt core.Packet) Decision {
	if c, ok := s.(Checker); ok {
		v, err := c.Check(pkt)
		if v == core.Admit {
			return Decision{Verdict: v}
		}
		return Decision{Verdict: v, Stage: s.Name(), Err: err}
	}
	if v := s.Decide(pkt); v != core.Admit {
		return Decision{Verdict: v, Stage: s.Name()}
	}
	return Decision{Verdict: core.Admit}
}

// Decide runs the stages and returns the verdict.
func (c *Chain) Decide(pkt core.Packet) core.Verdict {
	return c.Evaluate(pkt).Verdict
}

// Options configures a Dispatcher. Zero values select the defaults.
type Options struct {
	Window time.Duration
	Clock  Clock
	Rand   Rand
}

// Dispatcher is the fixed admission pipeline: loss simulation first, then
// bandwidth limiting. Packets dropped by the loss stage never reach the
// bandwidth accounting.
//
// The bandwidth stage only runs while attached. A detached stage admits
// without accounting; an attached stage with no ceiling aborts.
type Dispatcher struct {
	Loss      *LossSimulator
	Bandwidth *BandwidthLimiter

	bandwidthAttached atomic.Bool
}

// NewDispatcher builds the admission pipeline over s with the bandwidth
// stage detached.
func NewDispatcher(s *store.Store, opts Options) (*Dispatcher, error) {
	if opts.Window == 0 {
		opts.Window = DefaultWindow
	}
	bw, err := NewBandwidthLimiter(s, opts.Clock, opts.Window)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		Loss:      NewLossSimulator(s, opts.Rand),
		Bandwidth: bw,
	}, nil
}

// SetBandwidthAttached attaches or detaches the bandwidth stage.
func (d *Dispatcher) SetBandwidthAttached(on bool) {
	d.bandwidthAttached.Store(on)
}

// BandwidthAttached reports whether the bandwidth stage runs.
func (d *Dispatcher) BandwidthAttached() bool {
	return d.bandwidthAttached.Load()
}

// Stages returns the running stages in evaluation order.
func (d *Dispatcher) Stages() []Stage {
	if d.BandwidthAttached() {
		return []Stage{d.Loss, d.Bandwidth}
	}
	return []Stage{d.Loss}
}

// Evaluate runs the stages and reports which one decided.
func (d *Dispatcher) Evaluate(pkt core.Packet) Decision {
	if v := d.Loss.Decide(pkt); v != core.Admit {
		return Decision{Verdict: v, Stage: d.Loss.Name()}
	}
	if !d.bandwidthAttached.Load() {
		return Decision{Verdict: core.Admit}
	}
	return evaluate(d.Bandwidth, pkt)
}

// Decide runs the stages and returns the verdict.
func (d *Dispatcher) Decide(pkt core.Packet) core.Verdict {
	return d.Evaluate(pkt).Verdict
}

// Invalidate drops cached configuration so the next packet re-reads it.
func (d *Dispatcher) Invalidate() {
	d.Bandwidth.Invalidate()
}
