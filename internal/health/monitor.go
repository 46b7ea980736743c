// Package health watches the relay node. When the relay stops answering,
// the monitor flags every active connection's heartbeat as stale and issues
// a bounded number of relay restarts. It never moves connections through
// the state machine itself; the orchestrator reacts to the stale heartbeats
// on its own ticks.
package health

import (
	"context"
	"log/slog"
	"os/exec"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/netshare/netshare/internal/metrics"
)

// Pinger checks whether the relay control API is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Restarter kicks the relay process.
type Restarter interface {
	Restart(ctx context.Context) error
}

// StaleMarker invalidates heartbeats on active connections. Implemented by
// the connection registry.
type StaleMarker interface {
	MarkHeartbeatsStale() int
}

type Options struct {
	Pinger    Pinger
	Restarter Restarter
	Registry  StaleMarker
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Clock     clock.Clock

	Interval time.Duration
	// MaxRestarts bounds restart attempts per outage. Once spent, the
	// monitor raises OnFatal exactly once and goes quiet until the relay
	// answers again.
	MaxRestarts int
	OnFatal     func(error)
}

type Monitor struct {
	opts Options

	restarts int
	fatal    bool
}

func New(opts Options) *Monitor {
	return &Monitor{opts: opts}
}

// Run pings the relay on every interval until the context is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := m.opts.Clock.Ticker(m.opts.Interval)
	defer ticker.Stop()
	m.opts.Logger.Info("health monitor started", "interval", m.opts.Interval)
	for {
		select {
		case <-ctx.Done():
			m.opts.Logger.Info("health monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick performs one health check.
func (m *Monitor) Tick(ctx context.Context) {
	err := m.opts.Pinger.Ping(ctx)
	if err == nil {
		if m.restarts > 0 || m.fatal {
			m.opts.Logger.Info("relay recovered", "restarts", m.restarts)
		}
		m.restarts = 0
		m.fatal = false
		return
	}

	marked := m.opts.Registry.MarkHeartbeatsStale()
	m.opts.Logger.Warn("relay unreachable", "stale_connections", marked, "error", err)

	if m.restarts < m.opts.MaxRestarts {
		m.restarts++
		m.opts.Metrics.IncRelayRestarts()
		m.opts.Logger.Warn("restarting relay", "attempt", m.restarts, "max", m.opts.MaxRestarts)
		if rerr := m.opts.Restarter.Restart(ctx); rerr != nil {
			m.opts.Logger.Error("relay restart failed", "attempt", m.restarts, "error", rerr)
		}
		return
	}
	if !m.fatal {
		m.fatal = true
		m.opts.Logger.Error("relay down, restart budget spent", "restarts", m.restarts)
		if m.opts.OnFatal != nil {
			m.opts.OnFatal(err)
		}
	}
}

// CommandRestarter restarts the relay by running a shell command, e.g.
// "systemctl restart relay".
type CommandRestarter struct {
	Command string
	Timeout time.Duration
}

func (r *CommandRestarter) Restart(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()
	return exec.CommandContext(ctx, "sh", "-c", r.Command).Run()
}

// NopRestarter is used when no restart command is configured.
type NopRestarter struct{}

func (NopRestarter) Restart(context.Context) error { return nil }
