package pipeline

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
)

// Metrics contains per-pipeline counters.
type Metrics struct {
	Received      atomic.Uint64
	Admitted      atomic.Uint64
	Rejected      atomic.Uint64
	Aborted       atomic.Uint64
	AdmittedBytes atomic.Uint64
	RejectedBytes atomic.Uint64
	CaptureDrops  atomic.Uint64
	SourceErrors  atomic.Uint64
	SinkErrors    atomic.Uint64

	stages *xsync.Map[string, *atomic.Uint64]
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{stages: xsync.NewMap[string, *atomic.Uint64]()}
}

// stage returns the non-admit counter for a stage name.
func (m *Metrics) stage(name string) *atomic.Uint64 {
	if c, ok := m.stages.Load(name); ok {
		return c
	}
	c, _ := m.stages.LoadOrStore(name, new(atomic.Uint64))
	return c
}

// Reset resets all counters to zero.
func (m *Metrics) Reset() {
	m.Received.Store(0)
	m.Admitted.Store(0)
	m.Rejected.Store(0)
	m.Aborted.Store(0)
	m.AdmittedBytes.Store(0)
	m.RejectedBytes.Store(0)
	m.CaptureDrops.Store(0)
	m.SourceErrors.Store(0)
	m.SinkErrors.Store(0)
	m.stages.Range(func(_ string, c *atomic.Uint64) bool {
		c.Store(0)
		return true
	})
}

// Stats represents pipeline statistics.
type Stats struct {
	Received      uint64            `json:"received"`
	Admitted      uint64            `json:"admitted"`
	Rejected      uint64            `json:"rejected"`
	Aborted       uint64            `json:"aborted"`
	AdmittedBytes uint64            `json:"admitted_bytes"`
	RejectedBytes uint64            `json:"rejected_bytes"`
	CaptureDrops  uint64            `json:"capture_drops"`
	SourceErrors  uint64            `json:"source_errors"`
	SinkErrors    uint64            `json:"sink_errors"`
	ByStage       map[string]uint64 `json:"by_stage,omitempty"`
}

// Snapshot reads every counter. Counters are read one by one, so the
// snapshot need not be consistent under traffic.
func (m *Metrics) Snapshot() Stats {
	s := Stats{
		Received:      m.Received.Load(),
		Admitted:      m.Admitted.Load(),
		Rejected:      m.Rejected.Load(),
		Aborted:       m.Aborted.Load(),
		AdmittedBytes: m.AdmittedBytes.Load(),
		RejectedBytes: m.RejectedBytes.Load(),
		CaptureDrops:  m.CaptureDrops.Load(),
		SourceErrors:  m.SourceErrors.Load(),
		SinkErrors:    m.SinkErrors.Load(),
	}
	m.stages.Range(func(name string, c *atomic.Uint64) bool {
		if s.ByStage == nil {
			s.ByStage = make(map[string]uint64)
		}
		s.ByStage[name] = c.Load()
		return true
	})
	return s
}
