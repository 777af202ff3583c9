// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/twister/internal/core"
	"firestige.xyz/twister/internal/store"
)

// GlobalConfig represents the top-level static configuration.
// Maps to the `twister:` root key in YAML.
type GlobalConfig struct {
	Node           NodeConfig           `mapstructure:"node"`
	Control        ControlConfig        `mapstructure:"control"`
	API            APIConfig            `mapstructure:"api"`
	CommandChannel CommandChannelConfig `mapstructure:"command_channel"`
	Limiter        LimiterConfig        `mapstructure:"limiter"`
	Policy         PolicyConfig         `mapstructure:"policy"`
	Source         SourceConfig         `mapstructure:"source"`
	Sink           SinkConfig           `mapstructure:"sink"`
	Pipeline       PipelineConfig       `mapstructure:"pipeline"`
	State          StateConfig          `mapstructure:"state"`
	Metrics        MetricsConfig        `mapstructure:"metrics"`
	Log            LogConfig            `mapstructure:"log"`
}

// ─── Node Identity ───

// NodeConfig identifies this node to remote command channels.
type NodeConfig struct {
	Hostname string `mapstructure:"hostname"` // Empty = os.Hostname()
}

// ─── Control Plane ───

// ControlConfig contains local control plane settings.
type ControlConfig struct {
	Socket  string `mapstructure:"socket"`
	PIDFile string `mapstructure:"pid_file"`
}

// APIConfig configures the REST control API.
type APIConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Listen        string `mapstructure:"listen"`
	OriginAllowed string `mapstructure:"origin_allowed"`
}

// CommandChannelConfig configures the remote command channel.
type CommandChannelConfig struct {
	Enabled    bool               `mapstructure:"enabled"`
	Kafka      CommandKafkaConfig `mapstructure:"kafka"`
	CommandTTL time.Duration      `mapstructure:"command_ttl"`
}

// CommandKafkaConfig contains Kafka-specific command channel settings.
type CommandKafkaConfig struct {
	Brokers         []string `mapstructure:"brokers"`
	Topic           string   `mapstructure:"topic"`
	GroupID         string   `mapstructure:"group_id"`
	AutoOffsetReset string   `mapstructure:"auto_offset_reset"` // earliest | latest
}

// ─── Admission ───

// LimiterConfig sizes the shared state store and the accounting window.
type LimiterConfig struct {
	Window     time.Duration `mapstructure:"window"`
	MaxEntries int           `mapstructure:"max_entries"`
}

// PolicyConfig holds the initial policy values. A nil field leaves the
// policy unconfigured.
type PolicyConfig struct {
	BandwidthLimit *uint64 `mapstructure:"bandwidth_limit"` // bits per second
	LossRate       *int32  `mapstructure:"loss_rate"`       // percent
}

// ─── Runtime ───

// SourceConfig selects where packets come from.
type SourceConfig struct {
	Type         string        `mapstructure:"type"` // afpacket | pcap
	Interface    string        `mapstructure:"interface"`
	SnapLen      int           `mapstructure:"snap_len"`
	BufferSizeMB int           `mapstructure:"buffer_size_mb"`
	PollTimeout  time.Duration `mapstructure:"poll_timeout"`
	FanoutID     uint16        `mapstructure:"fanout_id"` // 0 = no fanout
	BPFFilter    string        `mapstructure:"bpf_filter"`
	Path         string        `mapstructure:"path"` // pcap file for type=pcap
}

// SinkConfig selects where admitted packets go.
type SinkConfig struct {
	Type      string `mapstructure:"type"` // discard | pcap | afpacket
	Path      string `mapstructure:"path"`
	Interface string `mapstructure:"interface"`
	SnapLen   int    `mapstructure:"snap_len"`
}

// PipelineConfig sizes the worker pool.
type PipelineConfig struct {
	Workers    int `mapstructure:"workers"` // 0 = auto (GOMAXPROCS)
	BufferSize int `mapstructure:"buffer_size"`
}

// StateConfig controls persistence of the applied policy.
type StateConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`  // debug / info / warn / error
	Format  string           `mapstructure:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `twister: ...`.
type configRoot struct {
	Twister GlobalConfig `mapstructure:"twister"`
}

// Load loads configuration from file.
// The YAML file uses `twister:` as root key; env vars use the TWISTER_ prefix
// (e.g., TWISTER_LOG_LEVEL).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// The `twister.` key prefix maps to TWISTER_ through the replacer.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Twister

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use the "twister." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	v.SetDefault("twister.control.pid_file", "/var/run/twister.pid")
	v.SetDefault("twister.control.socket", "/var/run/twister.sock")

	v.SetDefault("twister.api.enabled", false)
	v.SetDefault("twister.api.listen", ":9090")
	v.SetDefault("twister.api.origin_allowed", "*")

	v.SetDefault("twister.command_channel.enabled", false)
	v.SetDefault("twister.command_channel.kafka.auto_offset_reset", "latest")
	v.SetDefault("twister.command_channel.command_ttl", "5m")

	v.SetDefault("twister.limiter.window", "5s")
	v.SetDefault("twister.limiter.max_entries", store.DefaultMaxEntries)

	v.SetDefault("twister.source.type", "afpacket")
	v.SetDefault("twister.source.snap_len", 65535)
	v.SetDefault("twister.source.buffer_size_mb", 32)
	v.SetDefault("twister.source.poll_timeout", "100ms")

	v.SetDefault("twister.sink.type", "discard")
	v.SetDefault("twister.sink.snap_len", 65535)

	v.SetDefault("twister.pipeline.workers", 0)
	v.SetDefault("twister.pipeline.buffer_size", 4096)

	v.SetDefault("twister.state.enabled", true)
	v.SetDefault("twister.state.path", "/var/lib/twister/policy.yaml")

	v.SetDefault("twister.metrics.enabled", true)
	v.SetDefault("twister.metrics.listen", ":9091")
	v.SetDefault("twister.metrics.path", "/metrics")

	v.SetDefault("twister.log.level", "info")
	v.SetDefault("twister.log.format", "json")
	v.SetDefault("twister.log.outputs.file.enabled", false)
	v.SetDefault("twister.log.outputs.file.path", "/var/log/twister/twister.log")
	v.SetDefault("twister.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("twister.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("twister.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("twister.log.outputs.file.rotation.compress", true)
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return invalid("log level %q (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return invalid("log format %q (must be json/text)", cfg.Log.Format)
	}

	// ── Node hostname auto-detect ──
	if cfg.Node.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to get hostname: %w", err)
		}
		cfg.Node.Hostname = hostname
	}

	// ── Limiter and policy ──
	if cfg.Limiter.Window <= 0 {
		return fmt.Errorf("limiter.window %s: %w", cfg.Limiter.Window, core.ErrInvalidWindow)
	}
	if cfg.Limiter.MaxEntries < 1 {
		return invalid("limiter.max_entries %d (must be >= 1)", cfg.Limiter.MaxEntries)
	}
	if r := cfg.Policy.LossRate; r != nil && (*r < store.MinLossRate || *r > store.MaxLossRate) {
		return fmt.Errorf("policy.loss_rate %d: %w", *r, core.ErrInvalidLossRate)
	}

	// ── Runtime ──
	switch cfg.Source.Type {
	case "afpacket":
		if cfg.Source.Interface == "" {
			return invalid("source.interface is required for source.type=afpacket")
		}
		if cfg.Source.PollTimeout <= 0 {
			return invalid("source.poll_timeout %s (must be > 0 for source.type=afpacket)", cfg.Source.PollTimeout)
		}
	case "pcap":
		if cfg.Source.Path == "" {
			return invalid("source.path is required for source.type=pcap")
		}
	default:
		return invalid("source.type %q (must be afpacket/pcap)", cfg.Source.Type)
	}
	switch cfg.Sink.Type {
	case "discard":
	case "pcap":
		if cfg.Sink.Path == "" {
			return invalid("sink.path is required for sink.type=pcap")
		}
	case "afpacket":
		if cfg.Sink.Interface == "" {
			return invalid("sink.interface is required for sink.type=afpacket")
		}
	default:
		return invalid("sink.type %q (must be discard/pcap/afpacket)", cfg.Sink.Type)
	}
	if cfg.Pipeline.Workers < 0 {
		return invalid("pipeline.workers %d (must be >= 0)", cfg.Pipeline.Workers)
	}
	if cfg.Pipeline.BufferSize < 1 {
		return invalid("pipeline.buffer_size %d (must be >= 1)", cfg.Pipeline.BufferSize)
	}
	if cfg.State.Enabled && cfg.State.Path == "" {
		return invalid("state.path is required when state.enabled=true")
	}

	// ── Command channel ──
	if cfg.CommandChannel.Enabled {
		if len(cfg.CommandChannel.Kafka.Brokers) == 0 {
			return invalid("command_channel.kafka.brokers is required when command_channel.enabled=true")
		}
		if cfg.CommandChannel.Kafka.Topic == "" {
			return invalid("command_channel.kafka.topic is required when command_channel.enabled=true")
		}
		if cfg.CommandChannel.Kafka.GroupID == "" {
			cfg.CommandChannel.Kafka.GroupID = "twister-" + cfg.Node.Hostname
		}
	}

	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), core.ErrConfigInvalid)
}
