// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PacketsTotal counts admission verdicts.
	PacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "twister_packets_total",
			Help: "Total number of packets by admission verdict",
		},
		[]string{"verdict"},
	)

	// StageRejectsTotal counts non-admit verdicts by the stage that issued them.
	StageRejectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "twister_stage_rejects_total",
			Help: "Total number of packets rejected or aborted per stage",
		},
		[]string{"stage"},
	)

	// BytesTotal counts wire bytes by admission verdict.
	BytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "twister_bytes_total",
			Help: "Total number of packet bytes by admission verdict",
		},
		[]string{"verdict"},
	)

	// CaptureDropsTotal counts packets dropped because the worker queue was full.
	CaptureDropsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "twister_capture_drops_total",
			Help: "Total number of packets dropped before admission due to a full queue",
		},
	)

	// SourceErrorsTotal counts packet source read errors.
	SourceErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "twister_source_errors_total",
			Help: "Total number of packet source read errors",
		},
	)

	// SinkErrorsTotal counts failures to forward admitted packets.
	SinkErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "twister_sink_errors_total",
			Help: "Total number of packet sink write errors",
		},
	)

	// BandwidthLimitBps is the configured ceiling; -1 when unconfigured.
	BandwidthLimitBps = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "twister_bandwidth_limit_bps",
			Help: "Configured bandwidth ceiling in bits per second (-1 = not configured)",
		},
	)

	// LossRatePercent is the configured drop percentage; -1 when unconfigured.
	LossRatePercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "twister_loss_rate_percent",
			Help: "Configured loss rate in percent (-1 = not configured)",
		},
	)
)

// Unconfigured is the gauge value for a policy that is not set.
const Unconfigured = -1

func init() {
	BandwidthLimitBps.Set(Unconfigured)
	LossRatePercent.Set(Unconfigured)
}
