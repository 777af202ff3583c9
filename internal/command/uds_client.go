package command

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/google/uuid"

	"firestige.xyz/twister/internal/core"
	"firestige.xyz/twister/internal/pipeline"
)

// UDSClient is a JSON-RPC client over Unix Domain Socket.
type UDSClient struct {
	socketPath string
	timeout    time.Duration
}

// NewUDSClient creates a new UDS client.
func NewUDSClient(socketPath string, timeout time.Duration) *UDSClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &UDSClient{
		socketPath: socketPath,
		timeout:    timeout,
	}
}

// Call sends a command and waits for response. A missing or refusing
// socket is reported as core.ErrDaemonNotRunning.
func (c *UDSClient) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	var d net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	conn, err := d.DialContext(dialCtx, "unix", c.socketPath)
	if err != nil {
		if errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED) {
			return nil, fmt.Errorf("%s: %w", c.socketPath, core.ErrDaemonNotRunning)
		}
		return nil, fmt.Errorf("failed to connect to socket %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = conn.SetDeadline(deadline)

	var paramsJSON json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsJSON = data
	}

	reqID := uuid.NewString()
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramsJSON,
		ID:      reqID,
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		return nil, fmt.Errorf("connection closed without response")
	}

	var jsonrpcResp JSONRPCResponse
	if err := json.Unmarshal(scanner.Bytes(), &jsonrpcResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	respID := fmt.Sprintf("%v", jsonrpcResp.ID)
	if respID != reqID {
		return nil, fmt.Errorf("response ID mismatch: expected %v, got %v", reqID, respID)
	}

	return &Response{
		ID:     respID,
		Result: jsonrpcResp.Result,
		Error:  jsonrpcResp.Error,
	}, nil
}

// SetBandwidth calls bandwidth.set.
func (c *UDSClient) SetBandwidth(ctx context.Context, limitBps uint64) (*Response, error) {
	return c.Call(ctx, MethodBandwidthSet, BandwidthSetParams{Limit: &limitBps})
}

// ClearBandwidth calls bandwidth.clear.
func (c *UDSClient) ClearBandwidth(ctx context.Context) (*Response, error) {
	return c.Call(ctx, MethodBandwidthClear, nil)
}

// SetLoss calls loss.set.
func (c *UDSClient) SetLoss(ctx context.Context, rate int32) (*Response, error) {
	return c.Call(ctx, MethodLossSet, LossSetParams{Rate: &rate})
}

// ClearLoss calls loss.clear.
func (c *UDSClient) ClearLoss(ctx context.Context) (*Response, error) {
	return c.Call(ctx, MethodLossClear, nil)
}

// ResetCounters calls counters.reset.
func (c *UDSClient) ResetCounters(ctx context.Context) (*Response, error) {
	return c.Call(ctx, MethodCountersReset, nil)
}

// ConfigReload calls config.reload.
func (c *UDSClient) ConfigReload(ctx context.Context) (*Response, error) {
	return c.Call(ctx, MethodConfigReload, nil)
}

// Shutdown calls daemon.shutdown.
func (c *UDSClient) Shutdown(ctx context.Context) (*Response, error) {
	return c.Call(ctx, MethodDaemonShutdown, nil)
}

// Status calls daemon.status and decodes the result.
func (c *UDSClient) Status(ctx context.Context) (*StatusResult, error) {
	resp, err := c.Call(ctx, MethodDaemonStatus, nil)
	if err != nil {
		return nil, err
	}
	var out StatusResult
	if err := DecodeResult(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stats calls daemon.stats and decodes the result.
func (c *UDSClient) Stats(ctx context.Context) (*pipeline.Stats, error) {
	resp, err := c.Call(ctx, MethodDaemonStats, nil)
	if err != nil {
		return nil, err
	}
	var out pipeline.Stats
	if err := DecodeResult(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ping checks that the daemon answers.
func (c *UDSClient) Ping(ctx context.Context) error {
	_, err := c.Status(ctx)
	return err
}
