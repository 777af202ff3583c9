package pipeline

import (
	"fmt"

	"firestige.xyz/twister/internal/config"
	"firestige.xyz/twister/internal/sink"
	"firestige.xyz/twister/internal/source"
)

// Build opens the configured source and sink and wires them around eval.
// Live capture is lossy: a saturated worker pool drops at the queue rather
// than stalling the ring. File replay blocks instead. The stop grace covers
// several poll timeouts so a healthy ring is never closed mid-read.
func Build(cfg *config.GlobalConfig, eval Evaluator) (*Pipeline, error) {
	src, err := source.New(cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to open source: %w", err)
	}
	dst, err := sink.New(cfg.Sink)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("failed to open sink: %w", err)
	}
	grace := DefaultStopGrace
	if g := 4 * cfg.Source.PollTimeout; g > grace {
		grace = g
	}
	return New(Config{
		Source:     src,
		Sink:       dst,
		Evaluator:  eval,
		Workers:    cfg.Pipeline.Workers,
		BufferSize: cfg.Pipeline.BufferSize,
		Lossy:      cfg.Source.Type == "afpacket",
		StopGrace:  grace,
	}), nil
}
