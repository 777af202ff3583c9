// Package pipeline hosts the admission chain: it reads frames from a source,
// fans them out to workers that each evaluate the chain, and forwards
// admitted frames to a sink.
package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/prometheus/client_golang/prometheus"

	"firestige.xyz/twister/internal/core"
	"firestige.xyz/twister/internal/filter"
	"firestige.xyz/twister/internal/log"
	"firestige.xyz/twister/internal/metrics"
	"firestige.xyz/twister/internal/sink"
	"firestige.xyz/twister/internal/source"
)

// Evaluator returns the admission decision for one packet. Implementations
// must be safe for concurrent use.
type Evaluator interface {
	Evaluate(pkt core.Packet) filter.Decision
}

// Config contains pipeline configuration.
type Config struct {
	Source     source.Source
	Sink       sink.Sink
	Evaluator  Evaluator
	Workers    int  // 0 = GOMAXPROCS
	BufferSize int  // frame channel capacity
	Lossy      bool // drop frames when workers fall behind instead of blocking the source
	// StopGrace bounds how long Stop waits for a read in progress before
	// closing the source under it. 0 = DefaultStopGrace.
	StopGrace time.Duration
}

// DefaultStopGrace is the default Config.StopGrace.
const DefaultStopGrace = 2 * time.Second

// frame is one captured packet in flight between capture and a worker.
type frame struct {
	data []byte
	ci   gopacket.CaptureInfo
}

// Pipeline runs one capture goroutine and a pool of decision workers.
type Pipeline struct {
	src     source.Source
	dst     sink.Sink
	eval    Evaluator
	workers int
	lossy   bool
	grace   time.Duration

	frames  chan frame
	metrics *Metrics
	aborts  *log.Limited
	errs    *log.Limited

	// Pre-resolved so workers never touch the label maps.
	admitted    prometheus.Counter
	rejected    prometheus.Counter
	aborted     prometheus.Counter
	admitBytes  prometheus.Counter
	rejectBytes prometheus.Counter
	abortBytes  prometheus.Counter

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	captured  chan struct{} // closed when the capture loop returns
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a pipeline. Start must be called to begin processing.
func New(cfg Config) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.Sink == nil {
		cfg.Sink = sink.Discard{}
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	return &Pipeline{
		src:         cfg.Source,
		dst:         cfg.Sink,
		eval:        cfg.Evaluator,
		workers:     cfg.Workers,
		lossy:       cfg.Lossy,
		grace:       cfg.StopGrace,
		frames:      make(chan frame, cfg.BufferSize),
		metrics:     NewMetrics(),
		aborts:      log.NewLimited(nil, time.Second),
		errs:        log.NewLimited(nil, time.Second),
		admitted:    metrics.PacketsTotal.WithLabelValues(core.Admit.String()),
		rejected:    metrics.PacketsTotal.WithLabelValues(core.Reject.String()),
		aborted:     metrics.PacketsTotal.WithLabelValues(core.Abort.String()),
		admitBytes:  metrics.BytesTotal.WithLabelValues(core.Admit.String()),
		rejectBytes: metrics.BytesTotal.WithLabelValues(core.Reject.String()),
		abortBytes:  metrics.BytesTotal.WithLabelValues(core.Abort.String()),
		captured:    make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start launches the capture loop and workers.
func (p *Pipeline) Start(ctx context.Context) error {
	p.startOnce.Do(func() {
		ctx, p.cancel = context.WithCancel(ctx)
		slog.Info("pipeline starting", "workers", p.workers, "buffer", cap(p.frames), "lossy", p.lossy)

		var workers sync.WaitGroup
		for i := 0; i < p.workers; i++ {
			workers.Add(1)
			go func() {
				defer workers.Done()
				p.worker()
			}()
		}

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.captureLoop(ctx)
			close(p.captured)
			close(p.frames)
			workers.Wait()
			close(p.done)
		}()
	})
	return nil
}

// Done is closed once the source is exhausted (or the pipeline stopped) and
// every queued frame has been decided.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Stop cancels capture, drains queued frames and closes source and sink.
// A source still blocked in a read after the grace period is closed first
// to release it.
func (p *Pipeline) Stop() error {
	var err error
	p.stopOnce.Do(func() {
		slog.Info("pipeline stopping")
		var srcErr error
		srcClosed := false
		if p.cancel != nil {
			p.cancel()
			select {
			case <-p.captured:
			case <-time.After(p.grace):
				slog.Warn("capture still blocked in read, closing source", "grace", p.grace)
				srcErr = p.src.Close()
				srcClosed = true
			}
		}
		p.wg.Wait()
		if !srcClosed {
			srcErr = p.src.Close()
		}
		err = errors.Join(srcErr, p.dst.Close())
		s := p.Stats()
		slog.Info("pipeline stopped",
			"received", s.Received,
			"admitted", s.Admitted,
			"rejected", s.Rejected,
			"aborted", s.Aborted,
		)
	})
	return err
}

// captureLoop reads frames until the source ends or ctx is cancelled.
func (p *Pipeline) captureLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		data, ci, err := p.src.ReadPacketData()
		switch {
		case err == nil:
		case errors.Is(err, source.ErrTimeout):
			continue
		case errors.Is(err, io.EOF):
			slog.Info("source exhausted")
			return
		case ctx.Err() != nil:
			return
		default:
			p.metrics.SourceErrors.Add(1)
			metrics.SourceErrorsTotal.Inc()
			p.errs.Log(ctx, slog.LevelError, "source read failed", "error", err)
			continue
		}

		p.metrics.Received.Add(1)
		f := frame{data: data, ci: ci}
		if p.lossy {
			select {
			case p.frames <- f:
			default:
				p.metrics.CaptureDrops.Add(1)
				metrics.CaptureDropsTotal.Inc()
			}
			continue
		}
		select {
		case p.frames <- f:
		case <-ctx.Done():
			return
		}
	}
}

// worker decides queued frames until the channel closes.
func (p *Pipeline) worker() {
	for f := range p.frames {
		p.process(f)
	}
}

func (p *Pipeline) process(f frame) {
	pkt := core.Packet{Length: wireLength(f), Timestamp: f.ci.Timestamp}
	size := float64(pkt.Length)

	d := p.eval.Evaluate(pkt)
	switch d.Verdict {
	case core.Admit:
		p.metrics.Admitted.Add(1)
		p.metrics.AdmittedBytes.Add(pkt.Size())
		p.admitted.Inc()
		p.admitBytes.Add(size)
		if err := p.dst.WritePacketData(f.data, f.ci); err != nil {
			p.metrics.SinkErrors.Add(1)
			metrics.SinkErrorsTotal.Inc()
			p.errs.Log(context.Background(), slog.LevelError, "sink write failed", "error", err)
		}
	case core.Reject:
		p.metrics.Rejected.Add(1)
		p.metrics.RejectedBytes.Add(pkt.Size())
		p.metrics.stage(d.Stage).Add(1)
		p.rejected.Inc()
		p.rejectBytes.Add(size)
		metrics.StageRejectsTotal.WithLabelValues(d.Stage).Inc()
	default:
		p.metrics.Aborted.Add(1)
		p.metrics.stage(d.Stage).Add(1)
		p.aborted.Inc()
		p.abortBytes.Add(size)
		metrics.StageRejectsTotal.WithLabelValues(d.Stage).Inc()
		p.aborts.Log(context.Background(), slog.LevelWarn, "packet aborted",
			"stage", d.Stage,
			"verdict", d.Verdict.String(),
			"error", d.Err,
		)
	}
}

// wireLength is the original frame length, falling back to the captured
// bytes when the source did not record it.
func wireLength(f frame) uint32 {
	if f.ci.Length > 0 {
		return uint32(f.ci.Length)
	}
	return uint32(len(f.data))
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return p.metrics.Snapshot()
}

// ResetStats zeroes the pipeline counters. Prometheus counters are not
// affected.
func (p *Pipeline) ResetStats() {
	p.metrics.Reset()
}
