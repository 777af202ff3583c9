package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"firestige.xyz/twister/internal/command"
	"firestige.xyz/twister/internal/core"
	"firestige.xyz/twister/internal/pipeline"
	"firestige.xyz/twister/internal/policy"
	"firestige.xyz/twister/internal/store"
)

// MockClient implements Client.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) resp(args mock.Arguments) (*command.Response, error) {
	r, _ := args.Get(0).(*command.Response)
	return r, args.Error(1)
}

func (m *MockClient) SetBandwidth(ctx context.Context, limitBps uint64) (*command.Response, error) {
	return m.resp(m.Called(ctx, limitBps))
}

func (m *MockClient) ClearBandwidth(ctx context.Context) (*command.Response, error) {
	return m.resp(m.Called(ctx))
}

func (m *MockClient) SetLoss(ctx context.Context, rate int32) (*command.Response, error) {
	return m.resp(m.Called(ctx, rate))
}

func (m *MockClient) ClearLoss(ctx context.Context) (*command.Response, error) {
	return m.resp(m.Called(ctx))
}

func (m *MockClient) ResetCounters(ctx context.Context) (*command.Response, error) {
	return m.resp(m.Called(ctx))
}

func (m *MockClient) ConfigReload(ctx context.Context) (*command.Response, error) {
	return m.resp(m.Called(ctx))
}

func (m *MockClient) Shutdown(ctx context.Context) (*command.Response, error) {
	return m.resp(m.Called(ctx))
}

func (m *MockClient) Status(ctx context.Context) (*command.StatusResult, error) {
	args := m.Called(ctx)
	r, _ := args.Get(0).(*command.StatusResult)
	return r, args.Error(1)
}

func (m *MockClient) Stats(ctx context.Context) (*pipeline.Stats, error) {
	args := m.Called(ctx)
	r, _ := args.Get(0).(*pipeline.Stats)
	return r, args.Error(1)
}

func ok(status string) *command.Response {
	return &command.Response{ID: "1", Result: map[string]interface{}{"status": status}}
}

func TestRunReload(t *testing.T) {
	tests := []struct {
		name    string
		resp    *command.Response
		err     error
		wantErr string
		wantOut string
	}{
		{"success", ok("reloaded"), nil, "", "✓ Configuration reloaded successfully"},
		{"transport error", nil, errors.New("network timeout"), "network timeout", ""},
		{"remote error", &command.Response{Error: &command.ErrorInfo{Code: command.ErrCodeInternalError, Message: "bad yaml"}}, nil, "bad yaml", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := new(MockClient)
			m.On("ConfigReload", mock.Anything).Return(tt.resp, tt.err)

			var buf bytes.Buffer
			err := runReload(context.Background(), m, &buf)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "failed to reload")
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Empty(t, buf.String())
			} else {
				require.NoError(t, err)
				assert.Contains(t, buf.String(), tt.wantOut)
			}
			m.AssertExpectations(t)
		})
	}
}

func TestParseBitrate(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"0", 0, false},
		{"1000000", 1_000_000, false},
		{"500k", 500_000, false},
		{"10M", 10_000_000, false},
		{"10Mbit", 10_000_000, false},
		{"1G", 1_000_000_000, false},
		{"2gbps", 2_000_000_000, false},
		{" 64kb ", 64_000, false},
		{"", 0, true},
		{"fast", 0, true},
		{"-1", 0, true},
		{"1.5M", 0, true},
		{"99999999999999999999G", 0, true},
		{"18446744073709551615G", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseBitrate(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatBitrate(t *testing.T) {
	assert.Equal(t, "0 bit/s", formatBitrate(0))
	assert.Equal(t, "1500 bit/s", formatBitrate(1500))
	assert.Equal(t, "500 Kbit/s", formatBitrate(500_000))
	assert.Equal(t, "10 Mbit/s", formatBitrate(10_000_000))
	assert.Equal(t, "1 Gbit/s", formatBitrate(1_000_000_000))
}

func TestRunBandwidthSet(t *testing.T) {
	m := new(MockClient)
	m.On("SetBandwidth", mock.Anything, uint64(10_000_000)).Return(ok("configured"), nil)

	var buf bytes.Buffer
	require.NoError(t, runBandwidthSet(context.Background(), m, &buf, "10M"))
	assert.Contains(t, buf.String(), "10 Mbit/s")
	m.AssertExpectations(t)

	err := runBandwidthSet(context.Background(), m, &buf, "lots")
	assert.Error(t, err)
	m.AssertNumberOfCalls(t, "SetBandwidth", 1)
}

func TestRunLossSet(t *testing.T) {
	m := new(MockClient)
	m.On("SetLoss", mock.Anything, int32(30)).Return(ok("configured"), nil)

	var buf bytes.Buffer
	require.NoError(t, runLossSet(context.Background(), m, &buf, "30%"))
	assert.Contains(t, buf.String(), "30%")

	for _, bad := range []string{"101", "-5", "half"} {
		assert.Error(t, runLossSet(context.Background(), m, &buf, bad), bad)
	}
	m.AssertNumberOfCalls(t, "SetLoss", 1)
}

func TestRunClear(t *testing.T) {
	m := new(MockClient)
	m.On("ClearLoss", mock.Anything).Return(ok("cleared"), nil).Once()
	m.On("ClearLoss", mock.Anything).Return(ok("not_configured"), nil).Once()

	var buf bytes.Buffer
	require.NoError(t, runClear(context.Background(), &buf, "loss", m.ClearLoss))
	assert.Contains(t, buf.String(), "✓ loss policy cleared")

	buf.Reset()
	require.NoError(t, runClear(context.Background(), &buf, "loss", m.ClearLoss))
	assert.Contains(t, buf.String(), "was not configured")
	m.AssertExpectations(t)
}

func TestRunReset(t *testing.T) {
	m := new(MockClient)
	m.On("ResetCounters", mock.Anything).Return(nil, fmt.Errorf("dial: %w", core.ErrDaemonNotRunning))

	err := runReset(context.Background(), m, &bytes.Buffer{})
	assert.True(t, errors.Is(err, core.ErrDaemonNotRunning))
}

func TestRunStatusRendersTables(t *testing.T) {
	m := new(MockClient)
	m.On("Status", mock.Anything).Return(&command.StatusResult{
		Version:   "0.1.0",
		UptimeSec: 90,
		Services: []policy.ServiceStatus{
			{Name: policy.ServicePacketLoss, Ready: true, NetworkInterfaceName: "eth0", Params: map[string]any{"packet_loss_rate": 30}},
			{Name: policy.ServiceBandwidth, Ready: false, NetworkInterfaceName: "eth0", Params: map[string]any{}},
		},
		Limiter: store.Snapshot{LossRate: 30, LossConfigured: true, WindowActive: true, Bytes: 1200},
	}, nil)

	var buf bytes.Buffer
	require.NoError(t, runStatus(context.Background(), m, &buf))
	out := buf.String()
	assert.Contains(t, out, "up 1m30s")
	assert.Contains(t, out, "packetloss")
	assert.Contains(t, out, "packet_loss_rate=30")
	assert.Contains(t, out, "unconfigured")
	assert.Contains(t, out, "30%")
}

func TestRunStatsRendersStages(t *testing.T) {
	m := new(MockClient)
	m.On("Stats", mock.Anything).Return(&pipeline.Stats{
		Received: 10, Admitted: 3, Rejected: 7, AdmittedBytes: 300, RejectedBytes: 700,
		ByStage: map[string]uint64{"loss": 2, "bandwidth": 5},
	}, nil)

	var buf bytes.Buffer
	require.NoError(t, runStats(context.Background(), m, &buf))
	out := buf.String()
	assert.Contains(t, out, "stage bandwidth")
	assert.Contains(t, out, "stage loss")
	assert.Contains(t, out, "700")
}

func TestRunStop(t *testing.T) {
	orig := signalFallback
	defer func() { signalFallback = orig }()

	t.Run("via socket", func(t *testing.T) {
		m := new(MockClient)
		m.On("Shutdown", mock.Anything).Return(ok("shutting_down"), nil)
		signalFallback = func(string, time.Duration) error {
			t.Fatal("fallback must not run")
			return nil
		}
		var buf bytes.Buffer
		require.NoError(t, runStop(context.Background(), m, &buf))
		assert.Contains(t, buf.String(), "shutting down")
	})

	t.Run("falls back to signal", func(t *testing.T) {
		m := new(MockClient)
		m.On("Shutdown", mock.Anything).Return(nil, core.ErrDaemonNotRunning)
		called := false
		signalFallback = func(string, time.Duration) error {
			called = true
			return nil
		}
		var buf bytes.Buffer
		require.NoError(t, runStop(context.Background(), m, &buf))
		assert.True(t, called)
		assert.Contains(t, buf.String(), "SIGTERM")
	})

	t.Run("not running at all", func(t *testing.T) {
		m := new(MockClient)
		m.On("Shutdown", mock.Anything).Return(nil, core.ErrDaemonNotRunning)
		signalFallback = func(string, time.Duration) error { return core.ErrDaemonNotRunning }
		err := runStop(context.Background(), m, &bytes.Buffer{})
		assert.True(t, errors.Is(err, core.ErrDaemonNotRunning))
	})
}

func TestRunValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yml")
	require.NoError(t, os.WriteFile(good, []byte(`
twister:
  source:
    type: afpacket
    interface: eth0
  limiter:
    window: 2s
`), 0644))

	var buf bytes.Buffer
	require.NoError(t, runValidate(good, &buf))
	assert.Contains(t, buf.String(), "VALID: source afpacket (eth0), sink discard, window 2s")

	bad := filepath.Join(dir, "bad.yml")
	require.NoError(t, os.WriteFile(bad, []byte("twister:\n  source:\n    type: afpacket\n"), 0644))
	err := runValidate(bad, &buf)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrConfigInvalid))
}

func TestReloadCmd_Execute(t *testing.T) {
	m := new(MockClient)
	m.On("ConfigReload", mock.Anything).Return(ok("reloaded"), nil)

	orig := newClient
	newClient = func() Client { return m }
	defer func() { newClient = orig }()

	root := &cobra.Command{Use: "twister"}
	root.AddCommand(reloadCmd)

	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs([]string{"reload"})

	require.NoError(t, root.Execute())
	assert.Contains(t, buf.String(), "✓ Configuration reloaded successfully")
	m.AssertExpectations(t)
}
