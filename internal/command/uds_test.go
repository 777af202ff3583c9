package command

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/twister/internal/core"
)

// shortSocketPath keeps the path under the 108-byte sun_path limit.
func shortSocketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "tw")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "t.sock")
}

func startServer(t *testing.T) (*UDSClient, *CommandHandler, *UDSServer) {
	t.Helper()
	h, _, _ := newTestHandler(t)
	path := shortSocketPath(t)
	server := NewUDSServer(path, h)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, server.Listen(ctx))
	t.Cleanup(func() {
		cancel()
		server.Stop()
	})
	return NewUDSClient(path, 2*time.Second), h, server
}

func TestUDSServerSocketPermissions(t *testing.T) {
	client, _, _ := startServer(t)

	info, err := os.Stat(client.socketPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestUDSClientRoundTrip(t *testing.T) {
	client, _, _ := startServer(t)
	ctx := context.Background()

	resp, err := client.SetBandwidth(ctx, 1_000_000)
	require.NoError(t, err)
	require.Nil(t, resp.Error)

	resp, err = client.SetLoss(ctx, 20)
	require.NoError(t, err)
	require.Nil(t, resp.Error)

	status, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, Version, status.Version)
	assert.True(t, status.Limiter.BandwidthConfigured)
	assert.Equal(t, uint64(1_000_000), status.Limiter.BandwidthLimit)
	assert.Equal(t, int32(20), status.Limiter.LossRate)

	stats, err := client.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), stats.Received)

	resp, err = client.ResetCounters(ctx)
	require.NoError(t, err)
	require.Nil(t, resp.Error)

	resp, err = client.ClearBandwidth(ctx)
	require.NoError(t, err)
	require.Nil(t, resp.Error)

	resp, err = client.ClearLoss(ctx)
	require.NoError(t, err)
	require.Nil(t, resp.Error)

	status, err = client.Status(ctx)
	require.NoError(t, err)
	assert.False(t, status.Limiter.BandwidthConfigured)
	assert.False(t, status.Limiter.LossConfigured)

	require.NoError(t, client.Ping(ctx))
}

func TestUDSClientRemoteError(t *testing.T) {
	client, _, _ := startServer(t)

	resp, err := client.SetLoss(context.Background(), 150)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidParams, resp.Error.Code)

	_, err = client.Stats(context.Background())
	require.NoError(t, err)

	resp, err = client.ConfigReload(context.Background())
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
}

func TestUDSClientShutdown(t *testing.T) {
	client, h, _ := startServer(t)
	called := make(chan struct{})
	h.SetShutdownFunc(func() { close(called) })

	resp, err := client.Shutdown(context.Background())
	require.NoError(t, err)
	require.Nil(t, resp.Error)

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("shutdown func not invoked")
	}
}

func TestUDSServerMalformedRequests(t *testing.T) {
	client, _, _ := startServer(t)

	conn, err := net.Dial("unix", client.socketPath)
	require.NoError(t, err)
	defer conn.Close()
	reader := bufio.NewReader(conn)

	tests := []struct {
		name string
		line string
		code int
	}{
		{"parse error", "{not json}\n", ErrCodeParseError},
		{"wrong version", `{"jsonrpc":"1.0","method":"daemon.status","id":1}` + "\n", ErrCodeInvalidRequest},
		{"missing method", `{"jsonrpc":"2.0","id":2}` + "\n", ErrCodeInvalidRequest},
		{"unknown method", `{"jsonrpc":"2.0","method":"latency.set","id":3}` + "\n", ErrCodeMethodNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := conn.Write([]byte(tt.line))
			require.NoError(t, err)

			line, err := reader.ReadBytes('\n')
			require.NoError(t, err)
			var resp JSONRPCResponse
			require.NoError(t, json.Unmarshal(line, &resp))
			assert.Equal(t, "2.0", resp.JSONRPC)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestUDSClientDaemonNotRunning(t *testing.T) {
	client := NewUDSClient(filepath.Join(t.TempDir(), "missing.sock"), time.Second)

	_, err := client.Status(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrDaemonNotRunning))
}

func TestUDSServerStopRemovesSocket(t *testing.T) {
	client, _, server := startServer(t)

	require.NoError(t, server.Stop())
	_, err := os.Stat(client.socketPath)
	assert.True(t, os.IsNotExist(err))

	_, err = client.Status(context.Background())
	assert.True(t, errors.Is(err, core.ErrDaemonNotRunning))

	// second stop is a no-op
	assert.NoError(t, server.Stop())
}
