// Package daemon wires the socket registry, its multicast lock and the
// control and health servers into one long-running process.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/postalsys/udpturbo/internal/bridge"
	"github.com/postalsys/udpturbo/internal/config"
	"github.com/postalsys/udpturbo/internal/control"
	"github.com/postalsys/udpturbo/internal/health"
	"github.com/postalsys/udpturbo/internal/logging"
	"github.com/postalsys/udpturbo/internal/metrics"
	"github.com/postalsys/udpturbo/internal/registry"
	"github.com/postalsys/udpturbo/internal/wakelock"
)

// Daemon owns every long-lived component.
type Daemon struct {
	cfg     *config.Config
	version string
	logger  *slog.Logger

	promRegistry *prometheus.Registry
	metrics      *metrics.Metrics
	lock         *wakelock.Coordinator
	registry     *registry.Registry
	module       *bridge.Module

	controlServer *control.Server
	healthServer  *health.Server

	running  atomic.Bool
	stopOnce sync.Once
}

// New creates a daemon from cfg, logging as the config requests.
func New(cfg *config.Config, version string) (*Daemon, error) {
	return NewWithLogger(cfg, version, logging.NewLogger(cfg.Daemon.LogLevel, cfg.Daemon.LogFormat))
}

// NewWithLogger creates a daemon that logs to logger.
func NewWithLogger(cfg *config.Config, version string, logger *slog.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:     cfg,
		version: version,
		logger:  logging.ForComponent(logger, "daemon"),
	}

	d.promRegistry = prometheus.NewRegistry()
	d.promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	d.metrics = metrics.NewMetricsWithRegistry(d.promRegistry)

	platform, err := wakelock.PlatformByName(cfg.MulticastLock.Platform, logger)
	if err != nil {
		return nil, err
	}
	d.lock = wakelock.New(platform, logger)
	d.lock.OnChange(d.metrics.SetMulticastLock)

	d.registry = registry.New(registry.Config{
		Defaults:     cfg.SocketOptions(),
		MaxSockets:   cfg.Sockets.MaxSockets,
		ReuseAddress: cfg.Sockets.ReuseAddress,
		Metrics:      d.metrics,
	}, d.lock, logger)
	d.module = bridge.New(d.registry, logger)

	if cfg.Control.Enabled {
		ccfg := control.DefaultServerConfig()
		ccfg.SocketPath = cfg.Control.SocketPath
		ccfg.Version = version
		ccfg.Metrics = d.metrics
		d.controlServer = control.NewServer(ccfg, d.module, logger)
	}

	if cfg.Health.Enabled {
		hcfg := health.ServerConfig{
			Address:      cfg.Health.Address,
			ReadTimeout:  cfg.Health.ReadTimeout,
			WriteTimeout: cfg.Health.WriteTimeout,
			Gatherer:     d.promRegistry,
			EnablePprof:  cfg.Daemon.LogLevel == "debug",
			Username:     cfg.Health.Username,
			PasswordHash: cfg.Health.PasswordHash,
		}
		d.healthServer = health.NewServer(hcfg, d, logger)
	}

	return d, nil
}

// Start starts the control and health servers.
func (d *Daemon) Start() error {
	if d.running.Load() {
		return fmt.Errorf("daemon already running")
	}

	d.running.Store(true)

	d.logger.Info("starting daemon",
		slog.String("version", d.version),
		slog.String(logging.KeyFamily, d.cfg.Sockets.DefaultType))

	if d.controlServer != nil {
		if err := d.controlServer.Start(); err != nil {
			d.logger.Error("failed to start control server",
				slog.String(logging.KeyPath, d.cfg.Control.SocketPath),
				slog.String(logging.KeyError, err.Error()))
			d.running.Store(false)
			return fmt.Errorf("start control server: %w", err)
		}
	}

	if d.healthServer != nil {
		if err := d.healthServer.Start(); err != nil {
			d.logger.Error("failed to start health server",
				slog.String(logging.KeyAddress, d.cfg.Health.Address),
				slog.String(logging.KeyError, err.Error()))
			if d.controlServer != nil {
				d.controlServer.Stop()
			}
			d.running.Store(false)
			return fmt.Errorf("start health server: %w", err)
		}
	}

	return nil
}

// Stop stops the servers and closes every socket.
func (d *Daemon) Stop() error {
	var err error
	d.stopOnce.Do(func() {
		d.logger.Info("stopping daemon")

		d.running.Store(false)

		if d.healthServer != nil {
			d.healthServer.Stop()
		}
		if d.controlServer != nil {
			if stopErr := d.controlServer.Stop(); stopErr != nil {
				d.logger.Warn("control server stop failed", slog.String(logging.KeyError, stopErr.Error()))
			}
		}

		err = d.module.Shutdown()

		d.logger.Info("daemon stopped")
	})

	return err
}

// StopWithContext stops the daemon, giving up when ctx is done.
func (d *Daemon) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- d.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning returns true if the daemon is running.
func (d *Daemon) IsRunning() bool {
	return d.running.Load()
}

// Stats summarises the registry for the health endpoint.
func (d *Daemon) Stats() health.Stats {
	stats := health.Stats{
		MulticastLockHeld: d.lock.IsHeld(),
		ControlRunning:    d.controlServer != nil && d.controlServer.IsRunning(),
	}
	for _, e := range d.registry.List() {
		stats.Sockets++
		if e.Info.LocalPort != 0 {
			stats.BoundSockets++
		}
		if len(e.Info.Memberships) > 0 {
			stats.MulticastSockets++
		}
	}
	return stats
}

// Registry returns the socket registry.
func (d *Daemon) Registry() *registry.Registry {
	return d.registry
}

// Module returns the boundary adapter over the registry.
func (d *Daemon) Module() *bridge.Module {
	return d.module
}

// HealthAddress returns the health server address, or nil if not running.
func (d *Daemon) HealthAddress() net.Addr {
	if d.healthServer == nil {
		return nil
	}
	return d.healthServer.Address()
}

// ControlSocket returns the control socket path, or "" when disabled.
func (d *Daemon) ControlSocket() string {
	if d.controlServer == nil {
		return ""
	}
	return d.controlServer.SocketPath()
}
