package metrics

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestGaugesStartUnconfigured(t *testing.T) {
	assert.Equal(t, float64(Unconfigured), gaugeValue(t, BandwidthLimitBps))
	assert.Equal(t, float64(Unconfigured), gaugeValue(t, LossRatePercent))
}

func TestServerExposesMetrics(t *testing.T) {
	PacketsTotal.WithLabelValues("admit").Inc()

	s := NewServer("127.0.0.1:0", "")
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `twister_packets_total{verdict="admit"}`))
}

func TestServerStartBindError(t *testing.T) {
	s := NewServer("127.0.0.1:0", "/metrics")
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	other := NewServer(s.Addr(), "/metrics")
	assert.Error(t, other.Start(context.Background()))
}

func TestStopWithoutStart(t *testing.T) {
	assert.NoError(t, NewServer(":0", "").Stop(context.Background()))
}
