// Package command implements control plane command handling.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"firestige.xyz/twister/internal/core"
	"firestige.xyz/twister/internal/pipeline"
	"firestige.xyz/twister/internal/policy"
	"firestige.xyz/twister/internal/store"
)

// Version is reported by daemon.status.
const Version = "0.1.0"

// Method names.
const (
	MethodBandwidthSet   = "bandwidth.set"
	MethodBandwidthClear = "bandwidth.clear"
	MethodLossSet        = "loss.set"
	MethodLossClear      = "loss.clear"
	MethodCountersReset  = "counters.reset"
	MethodDaemonStatus   = "daemon.status"
	MethodDaemonStats    = "daemon.stats"
	MethodConfigReload   = "config.reload"
	MethodDaemonShutdown = "daemon.shutdown"
)

// CommandHandler handles control plane commands.
type CommandHandler struct {
	policy         *policy.Manager
	stats          StatsProvider
	configReloader ConfigReloader
	shutdownFunc   func() // Called by daemon.shutdown to trigger graceful stop
	startTime      time.Time
}

// ConfigReloader is the interface for reloading global configuration.
type ConfigReloader interface {
	Reload() error
}

// StatsProvider exposes the runtime counters.
type StatsProvider interface {
	Stats() pipeline.Stats
	ResetStats()
}

// NewCommandHandler creates a new command handler. stats and reloader may
// be nil.
func NewCommandHandler(pm *policy.Manager, stats StatsProvider, reloader ConfigReloader) *CommandHandler {
	return &CommandHandler{
		policy:         pm,
		stats:          stats,
		configReloader: reloader,
		startTime:      time.Now(),
	}
}

// SetShutdownFunc sets the callback invoked by the daemon.shutdown command.
func (h *CommandHandler) SetShutdownFunc(fn func()) {
	h.shutdownFunc = fn
}

// SetStatsProvider attaches the runtime once it is built.
func (h *CommandHandler) SetStatsProvider(sp StatsProvider) {
	h.stats = sp
}

// Command represents a control plane command.
type Command struct {
	Method string          `json:"method"` // e.g., "bandwidth.set"
	Params json.RawMessage `json:"params"` // command-specific parameters
	ID     string          `json:"id"`     // request ID for tracking
}

// Response represents a command response.
type Response struct {
	ID     string      `json:"id"`               // matches request ID
	Result interface{} `json:"result,omitempty"` // success result
	Error  *ErrorInfo  `json:"error,omitempty"`  // error info if failed
}

// ErrorInfo represents an error in the response.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Error codes
const (
	ErrCodeParseError     = -32700 // Invalid JSON
	ErrCodeInvalidRequest = -32600 // Invalid request object
	ErrCodeMethodNotFound = -32601 // Method not found
	ErrCodeInvalidParams  = -32602 // Invalid method parameters
	ErrCodeInternalError  = -32603 // Internal error
)

// BandwidthSetParams represents parameters for bandwidth.set.
type BandwidthSetParams struct {
	Limit *uint64 `json:"limit"` // bits per second
}

// LossSetParams represents parameters for loss.set.
type LossSetParams struct {
	Rate *int32 `json:"rate"` // percent
}

// StatusResult is the daemon.status result.
type StatusResult struct {
	Version   string                 `json:"version"`
	UptimeSec int64                  `json:"uptime_sec"`
	Services  []policy.ServiceStatus `json:"services"`
	Limiter   store.Snapshot         `json:"limiter"`
}

// Handle processes a command and returns a response.
func (h *CommandHandler) Handle(ctx context.Context, cmd Command) Response {
	slog.Info("handling command", "method", cmd.Method, "id", cmd.ID)

	switch cmd.Method {
	case MethodBandwidthSet:
		return h.handleBandwidthSet(cmd)
	case MethodBandwidthClear:
		return h.handleClear(cmd, h.policy.ClearBandwidth)
	case MethodLossSet:
		return h.handleLossSet(cmd)
	case MethodLossClear:
		return h.handleClear(cmd, h.policy.ClearLoss)
	case MethodCountersReset:
		return h.handleCountersReset(cmd)
	case MethodDaemonStatus:
		return h.handleDaemonStatus(cmd)
	case MethodDaemonStats:
		return h.handleDaemonStats(cmd)
	case MethodConfigReload:
		return h.handleConfigReload(ctx, cmd)
	case MethodDaemonShutdown:
		return h.handleDaemonShutdown(cmd)
	default:
		return errorResponse(cmd.ID, ErrCodeMethodNotFound, fmt.Sprintf("method %q not found", cmd.Method))
	}
}

func (h *CommandHandler) handleBandwidthSet(cmd Command) Response {
	var params BandwidthSetParams
	if err := unmarshalParams(cmd.Params, &params); err != nil {
		return errorResponse(cmd.ID, ErrCodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
	}
	if params.Limit == nil {
		return errorResponse(cmd.ID, ErrCodeInvalidParams, "limit is required")
	}
	if err := h.policy.SetBandwidth(*params.Limit); err != nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, err.Error())
	}
	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"status": "configured",
			"limit":  *params.Limit,
		},
	}
}

func (h *CommandHandler) handleLossSet(cmd Command) Response {
	var params LossSetParams
	if err := unmarshalParams(cmd.Params, &params); err != nil {
		return errorResponse(cmd.ID, ErrCodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
	}
	if params.Rate == nil {
		return errorResponse(cmd.ID, ErrCodeInvalidParams, "rate is required")
	}
	if err := h.policy.SetLoss(*params.Rate); err != nil {
		code := ErrCodeInternalError
		if errors.Is(err, core.ErrInvalidLossRate) {
			code = ErrCodeInvalidParams
		}
		return errorResponse(cmd.ID, code, err.Error())
	}
	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"status": "configured",
			"rate":   *params.Rate,
		},
	}
}

// handleClear is idempotent: clearing an unset policy succeeds.
func (h *CommandHandler) handleClear(cmd Command, clear func() error) Response {
	status := "cleared"
	if err := clear(); err != nil {
		if !errors.Is(err, core.ErrPolicyInactive) {
			return errorResponse(cmd.ID, ErrCodeInternalError, err.Error())
		}
		status = "not_configured"
	}
	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"status": status,
		},
	}
}

func (h *CommandHandler) handleCountersReset(cmd Command) Response {
	h.policy.ResetCounters()
	if h.stats != nil {
		h.stats.ResetStats()
	}
	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"status": "reset",
		},
	}
}

func (h *CommandHandler) handleDaemonStatus(cmd Command) Response {
	return Response{
		ID: cmd.ID,
		Result: StatusResult{
			Version:   Version,
			UptimeSec: int64(time.Since(h.startTime).Seconds()),
			Services:  h.policy.Status(),
			Limiter:   h.policy.Snapshot(),
		},
	}
}

func (h *CommandHandler) handleDaemonStats(cmd Command) Response {
	if h.stats == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "pipeline not running")
	}
	return Response{ID: cmd.ID, Result: h.stats.Stats()}
}

func (h *CommandHandler) handleConfigReload(_ context.Context, cmd Command) Response {
	if h.configReloader == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "config reloader not available")
	}
	if err := h.configReloader.Reload(); err != nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, fmt.Sprintf("reload config failed: %v", err))
	}
	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"status": "reloaded",
		},
	}
}

func (h *CommandHandler) handleDaemonShutdown(cmd Command) Response {
	if h.shutdownFunc == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "shutdown handler not registered")
	}

	slog.Info("daemon.shutdown command received, initiating graceful shutdown")
	go h.shutdownFunc() // let the response be sent first

	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"status": "shutting_down",
		},
	}
}

func errorResponse(id string, code int, msg string) Response {
	return Response{ID: id, Error: &ErrorInfo{Code: code, Message: msg}}
}

// unmarshalParams treats missing params as an empty object.
func unmarshalParams(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// DecodeResult re-decodes a response result into v. Results arrive as
// generic JSON values on the client side.
func DecodeResult(resp *Response, v interface{}) error {
	if resp.Error != nil {
		return resp.Error
	}
	data, err := json.Marshal(resp.Result)
	if err != nil {
		return fmt.Errorf("failed to re-encode result: %w", err)
	}
	return json.Unmarshal(data, v)
}
