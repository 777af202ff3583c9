// Package daemon implements the daemon lifecycle manager.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"firestige.xyz/twister/internal/api"
	"firestige.xyz/twister/internal/command"
	"firestige.xyz/twister/internal/config"
	"firestige.xyz/twister/internal/filter"
	logpkg "firestige.xyz/twister/internal/log"
	"firestige.xyz/twister/internal/metrics"
	"firestige.xyz/twister/internal/pipeline"
	"firestige.xyz/twister/internal/policy"
	"firestige.xyz/twister/internal/state"
	"firestige.xyz/twister/internal/store"
)

// Daemon manages the twister daemon process lifecycle.
type Daemon struct {
	// Configuration
	mu         sync.Mutex // guards config during reload
	config     *config.GlobalConfig
	configPath string
	socketPath string
	pidFile    string

	// Data path
	store      *store.Store
	dispatcher *filter.Dispatcher
	pipeline   *pipeline.Pipeline

	// Control plane
	policy        *policy.Manager
	cmdHandler    *command.CommandHandler
	udsServer     *command.UDSServer
	kafkaConsumer *command.KafkaCommandConsumer // nil if command channel disabled
	apiServer     *api.Server                   // nil if REST API disabled
	metricsServer *metrics.Server               // nil if metrics disabled

	// Lifecycle management
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownChan chan struct{}
	shutdownOnce sync.Once
	stopOnce     sync.Once
	sigChan      chan os.Signal
}

// New creates a new Daemon instance. Empty socketPath or pidFile fall back
// to the control section of the config.
func New(configPath, socketPath, pidFile string) (*Daemon, error) {
	globalConfig, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if socketPath == "" {
		socketPath = globalConfig.Control.Socket
	}
	if pidFile == "" {
		pidFile = globalConfig.Control.PIDFile
	}

	d := &Daemon{
		config:       globalConfig,
		configPath:   configPath,
		socketPath:   socketPath,
		pidFile:      pidFile,
		shutdownChan: make(chan struct{}),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Start initializes and starts all daemon components. On error, components
// already started are torn down by Stop.
func (d *Daemon) Start() error {
	// 1. Initialize logging system
	if err := logpkg.Init(d.config.Log); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	slog.Info("starting twister daemon",
		"version", command.Version,
		"hostname", d.config.Node.Hostname,
		"config", d.configPath,
		"socket", d.socketPath,
	)

	// 2. Write PID file
	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	// 3. Start metrics server
	if err := d.startMetrics(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 4. Shared state and the admission chain
	s, err := store.New(d.config.Limiter.MaxEntries)
	if err != nil {
		return fmt.Errorf("failed to create state store: %w", err)
	}
	d.store = s

	d.dispatcher, err = filter.NewDispatcher(s, filter.Options{Window: d.config.Limiter.Window})
	if err != nil {
		return fmt.Errorf("failed to create filter chain: %w", err)
	}

	// 5. Policy: config first, then whatever was saved at runtime
	var st state.Store
	if d.config.State.Enabled {
		fs, err := state.NewFileStore(d.config.State.Path)
		if err != nil {
			slog.Warn("failed to initialise policy state, persistence disabled",
				"path", d.config.State.Path, "error", err)
		} else {
			st = fs
		}
	}
	d.policy = policy.NewManager(s, d.dispatcher, st, d.config.Source.Interface)
	if err := d.policy.Apply(d.config.Policy); err != nil {
		return fmt.Errorf("failed to apply configured policy: %w", err)
	}
	if err := d.policy.Restore(); err != nil {
		slog.Warn("failed to restore saved policy, using configured policy", "error", err)
	}

	// 6. Pipeline
	d.pipeline, err = pipeline.Build(d.config, d.dispatcher)
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	if err := d.pipeline.Start(d.ctx); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	// 7. Command handler; daemon.shutdown triggers graceful stop
	d.cmdHandler = command.NewCommandHandler(d.policy, d.pipeline, d)
	d.cmdHandler.SetShutdownFunc(func() {
		slog.Info("shutdown triggered via daemon.shutdown command")
		d.TriggerShutdown()
	})

	// 8. UDS server for CLI control
	d.udsServer = command.NewUDSServer(d.socketPath, d.cmdHandler)
	if err := d.udsServer.Listen(d.ctx); err != nil {
		return fmt.Errorf("failed to start uds server: %w", err)
	}

	// 9. Kafka command consumer (if enabled)
	if d.config.CommandChannel.Enabled {
		if err := d.startKafkaConsumer(); err != nil {
			// Non-fatal: daemon can still run with UDS-only control
			slog.Error("failed to start kafka consumer", "error", err)
		}
	}

	// 10. REST API (if enabled)
	if d.config.API.Enabled {
		d.apiServer = api.NewServer(d.config.API, d.policy)
		if err := d.apiServer.Start(d.ctx); err != nil {
			return fmt.Errorf("failed to start api server: %w", err)
		}
	}

	slog.Info("daemon started successfully")
	return nil
}

// Stop performs graceful shutdown of all daemon components. Safe to call
// more than once and after a failed Start.
func (d *Daemon) Stop() {
	d.stopOnce.Do(d.stop)
}

func (d *Daemon) stop() {
	slog.Info("initiating graceful shutdown")

	// 1. Stop command intake first
	if d.kafkaConsumer != nil {
		if err := d.kafkaConsumer.Stop(); err != nil {
			slog.Error("error stopping kafka consumer", "error", err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if d.apiServer != nil {
		if err := d.apiServer.Stop(shutdownCtx); err != nil {
			slog.Error("error stopping api server", "error", err)
		}
	}
	if d.udsServer != nil {
		d.udsServer.Stop()
	}

	// 2. Drain the pipeline
	if d.pipeline != nil {
		if err := d.pipeline.Stop(); err != nil {
			slog.Error("error stopping pipeline", "error", err)
		}
	}

	// 3. Stop metrics server
	if d.metricsServer != nil {
		if err := d.metricsServer.Stop(shutdownCtx); err != nil {
			slog.Error("error stopping metrics server", "error", err)
		}
	}

	// 4. Cancel context to signal all goroutines
	d.cancel()

	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}

	if err := d.removePIDFile(); err != nil {
		slog.Error("error removing PID file", "error", err)
	}

	slog.Info("daemon stopped gracefully")
	_ = logpkg.Close()
}

// Run blocks until shutdown is triggered by SIGTERM/SIGINT, the
// daemon.shutdown command or cancellation. SIGHUP reloads the config.
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	slog.Info("daemon running, waiting for signals or commands")

	var pipelineDone <-chan struct{}
	if d.pipeline != nil {
		pipelineDone = d.pipeline.Done()
	}

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				slog.Info("received shutdown signal", "signal", sig)
				d.Stop()
				return nil

			case syscall.SIGHUP:
				slog.Info("received reload signal")
				if err := d.Reload(); err != nil {
					slog.Error("failed to reload config", "error", err)
				}
			}

		case <-pipelineDone:
			// Replay finished; the control plane stays up for inspection.
			s := d.pipeline.Stats()
			slog.Info("capture source exhausted",
				"received", s.Received,
				"admitted", s.Admitted,
				"rejected", s.Rejected,
				"aborted", s.Aborted,
			)
			pipelineDone = nil

		case <-d.shutdownChan:
			slog.Info("shutdown triggered by command")
			d.Stop()
			return nil

		case <-d.ctx.Done():
			slog.Info("context cancelled", "error", d.ctx.Err())
			d.Stop()
			return d.ctx.Err()
		}
	}
}

// Reload re-reads the config file. The log level and the policy section
// are applied live and the limiter cache is dropped. Capture, limiter
// window and listen addresses need a restart.
func (d *Daemon) Reload() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	slog.Info("reloading configuration", "path", d.configPath)

	newConfig, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}
	old := d.config

	hotReloaded := []string{}
	if err := logpkg.SetLevel(newConfig.Log.Level); err != nil {
		return err
	}
	if newConfig.Log.Level != old.Log.Level {
		hotReloaded = append(hotReloaded, "log.level")
	}

	if d.policy != nil {
		if err := d.policy.Apply(newConfig.Policy); err != nil {
			return fmt.Errorf("failed to apply policy: %w", err)
		}
		hotReloaded = append(hotReloaded, "policy")
	}
	if d.dispatcher != nil {
		d.dispatcher.Invalidate()
	}

	requiresRestart := []string{}
	if newConfig.Log.Format != old.Log.Format {
		requiresRestart = append(requiresRestart, "log.format")
	}
	if newConfig.Limiter != old.Limiter {
		requiresRestart = append(requiresRestart, "limiter")
	}
	if newConfig.Source != old.Source {
		requiresRestart = append(requiresRestart, "source")
	}
	if newConfig.Sink != old.Sink {
		requiresRestart = append(requiresRestart, "sink")
	}
	if newConfig.Metrics != old.Metrics {
		requiresRestart = append(requiresRestart, "metrics")
	}
	if newConfig.API != old.API {
		requiresRestart = append(requiresRestart, "api")
	}

	d.config = newConfig
	slog.Info("configuration reloaded",
		"hot_reloaded", hotReloaded,
		"requires_restart", requiresRestart,
	)
	return nil
}

// TriggerShutdown makes Run return after a graceful stop.
func (d *Daemon) TriggerShutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdownChan) })
}

// Config returns the active configuration.
func (d *Daemon) Config() *config.GlobalConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config
}

// startKafkaConsumer starts the Kafka command consumer in background.
func (d *Daemon) startKafkaConsumer() error {
	consumer, err := command.NewKafkaCommandConsumer(
		d.config.CommandChannel,
		d.config.Node.Hostname,
		d.cmdHandler,
	)
	if err != nil {
		return fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	d.kafkaConsumer = consumer

	go func() {
		if err := consumer.Start(d.ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("kafka consumer stopped with error", "error", err)
		}
	}()
	return nil
}

// startMetrics starts the metrics HTTP server if enabled.
func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		slog.Info("metrics server disabled")
		return nil
	}
	d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
	return d.metricsServer.Start(d.ctx)
}

// writePIDFile writes the current process ID to the PID file.
func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	pid := os.Getpid()
	if err := os.WriteFile(d.pidFile, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.pidFile, err)
	}
	slog.Debug("PID file written", "path", d.pidFile, "pid", pid)
	return nil
}

// removePIDFile removes the PID file.
func (d *Daemon) removePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", d.pidFile, err)
	}
	return nil
}
