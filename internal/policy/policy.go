// Package policy is the control-plane writer of the shared state store: it
// applies bandwidth and loss settings, mirrors them to gauges and persists
// them.
package policy

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"firestige.xyz/twister/internal/config"
	"firestige.xyz/twister/internal/core"
	"firestige.xyz/twister/internal/metrics"
	"firestige.xyz/twister/internal/state"
	"firestige.xyz/twister/internal/store"
)

// Service names as reported by Status.
const (
	ServicePacketLoss = "packetloss"
	ServiceBandwidth  = "bandwidth"
)

// Dataplane is the admission path the manager reconfigures.
type Dataplane interface {
	// Invalidate drops cached configuration.
	Invalidate()
	// SetBandwidthAttached runs or bypasses the bandwidth stage.
	SetBandwidthAttached(on bool)
}

// ServiceStatus describes one policy.
type ServiceStatus struct {
	Name                 string         `json:"name"`
	Ready                bool           `json:"ready"`
	NetworkInterfaceName string         `json:"network_interface_name"`
	Params               map[string]any `json:"params"`
}

// Manager serializes control-plane writes. The data path reads the store
// directly and never takes its lock.
type Manager struct {
	mu    sync.Mutex
	store *store.Store
	dp    Dataplane
	state state.Store // nil disables persistence
	iface string
}

// NewManager creates a Manager. dp and st may be nil.
func NewManager(s *store.Store, dp Dataplane, st state.Store, iface string) *Manager {
	return &Manager{store: s, dp: dp, state: st, iface: iface}
}

// SetBandwidth sets or replaces the ceiling.
func (m *Manager) SetBandwidth(bps uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setBandwidth(bps, true)
}

// StartBandwidth sets the ceiling only if none is configured.
func (m *Manager) StartBandwidth(bps uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.store.BandwidthLimitBps(); ok {
		return fmt.Errorf("%s: %w", ServiceBandwidth, core.ErrPolicyActive)
	}
	return m.setBandwidth(bps, true)
}

// ClearBandwidth detaches the bandwidth stage and removes the ceiling.
// Traffic then passes unthrottled, and the next ceiling opens a fresh
// window.
func (m *Manager) ClearBandwidth() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.store.BandwidthLimitBps(); !ok {
		return fmt.Errorf("%s: %w", ServiceBandwidth, core.ErrPolicyInactive)
	}
	m.attach(false)
	m.store.ClearBandwidthLimit()
	m.store.ResetCounters()
	m.invalidate()
	metrics.BandwidthLimitBps.Set(metrics.Unconfigured)
	slog.Info("bandwidth limit cleared")
	m.persist()
	return nil
}

// SetLoss sets or replaces the drop percentage.
func (m *Manager) SetLoss(percent int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setLoss(percent, true)
}

// StartLoss sets the drop percentage only if none is configured.
func (m *Manager) StartLoss(percent int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.store.LossRatePercent(); ok {
		return fmt.Errorf("%s: %w", ServicePacketLoss, core.ErrPolicyActive)
	}
	return m.setLoss(percent, true)
}

// ClearLoss removes the drop percentage.
func (m *Manager) ClearLoss() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.store.ClearLossRate() {
		return fmt.Errorf("%s: %w", ServicePacketLoss, core.ErrPolicyInactive)
	}
	metrics.LossRatePercent.Set(metrics.Unconfigured)
	slog.Info("loss rate cleared")
	m.persist()
	return nil
}

// ResetCounters drops the window and byte counter.
func (m *Manager) ResetCounters() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store.ResetCounters()
	slog.Info("limiter counters reset")
}

// Apply sets every policy present in cfg. Absent values leave the current
// setting untouched. Config values are not persisted, so a saved runtime
// policy still overrides them on Restore.
func (m *Manager) Apply(cfg config.PolicyConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg.BandwidthLimit != nil {
		if err := m.setBandwidth(*cfg.BandwidthLimit, false); err != nil {
			return err
		}
	}
	if cfg.LossRate != nil {
		if err := m.setLoss(*cfg.LossRate, false); err != nil {
			return err
		}
	}
	return nil
}

// Restore applies the persisted policy, which is authoritative over the
// store: a policy cleared before the restart is cleared again. A missing
// state file is not an error.
func (m *Manager) Restore() error {
	if m.state == nil {
		return nil
	}
	p, err := m.state.Load()
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p.BandwidthLimit != nil {
		if err := m.store.SetBandwidthLimit(*p.BandwidthLimit); err != nil {
			return err
		}
		metrics.BandwidthLimitBps.Set(float64(*p.BandwidthLimit))
	} else {
		m.attach(false)
		if m.store.ClearBandwidthLimit() {
			metrics.BandwidthLimitBps.Set(metrics.Unconfigured)
		}
	}
	if p.LossRate != nil {
		if err := m.store.SetLossRate(*p.LossRate); err != nil {
			return err
		}
		metrics.LossRatePercent.Set(float64(*p.LossRate))
	} else if m.store.ClearLossRate() {
		metrics.LossRatePercent.Set(metrics.Unconfigured)
	}
	m.invalidate()
	if p.BandwidthLimit != nil {
		m.attach(true)
	}
	slog.Info("policy restored", "updated_at", p.UpdatedAt)
	return nil
}

// Status reports both services in a fixed order.
func (m *Manager) Status() []ServiceStatus {
	return []ServiceStatus{m.PacketLoss(), m.Bandwidth()}
}

// Bandwidth reports the bandwidth service.
func (m *Manager) Bandwidth() ServiceStatus {
	bps, ok := m.store.BandwidthLimitBps()
	st := ServiceStatus{Name: ServiceBandwidth, Ready: ok, NetworkInterfaceName: m.iface, Params: map[string]any{}}
	if ok {
		st.Params["limit"] = bps
	}
	return st
}

// PacketLoss reports the loss service. A started service is ready even at
// a zero rate.
func (m *Manager) PacketLoss() ServiceStatus {
	rate, ok := m.store.LossRatePercent()
	st := ServiceStatus{Name: ServicePacketLoss, Ready: ok, NetworkInterfaceName: m.iface, Params: map[string]any{}}
	if ok {
		st.Params["packet_loss_rate"] = rate
	}
	return st
}

// Snapshot returns the raw store view.
func (m *Manager) Snapshot() store.Snapshot {
	return m.store.Snapshot()
}

func (m *Manager) setBandwidth(bps uint64, persist bool) error {
	if err := m.store.SetBandwidthLimit(bps); err != nil {
		return fmt.Errorf("set bandwidth limit: %w", err)
	}
	m.invalidate()
	m.attach(true)
	metrics.BandwidthLimitBps.Set(float64(bps))
	slog.Info("bandwidth limit set", "limit_bps", bps)
	if persist {
		m.persist()
	}
	return nil
}

func (m *Manager) setLoss(percent int32, persist bool) error {
	if err := m.store.SetLossRate(percent); err != nil {
		return err
	}
	metrics.LossRatePercent.Set(float64(percent))
	slog.Info("loss rate set", "percent", percent)
	if persist {
		m.persist()
	}
	return nil
}

func (m *Manager) invalidate() {
	if m.dp != nil {
		m.dp.Invalidate()
	}
}

func (m *Manager) attach(on bool) {
	if m.dp != nil {
		m.dp.SetBandwidthAttached(on)
	}
}

// persist saves the current policy; failures are logged, the in-memory
// policy stays applied.
func (m *Manager) persist() {
	if m.state == nil {
		return
	}
	var p state.Policy
	if bps, ok := m.store.BandwidthLimitBps(); ok {
		p.BandwidthLimit = &bps
	}
	if rate, ok := m.store.LossRatePercent(); ok {
		p.LossRate = &rate
	}
	if err := m.state.Save(p); err != nil {
		slog.Error("failed to persist policy", "error", err)
	}
}
