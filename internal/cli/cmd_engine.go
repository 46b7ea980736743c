package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/netshare/netshare/internal/api"
	"github.com/netshare/netshare/internal/config"
	"github.com/netshare/netshare/internal/debughttp"
	"github.com/netshare/netshare/internal/domain"
	"github.com/netshare/netshare/internal/health"
	ilog "github.com/netshare/netshare/internal/log"
	"github.com/netshare/netshare/internal/matcher"
	"github.com/netshare/netshare/internal/metrics"
	"github.com/netshare/netshare/internal/orchestrator"
	"github.com/netshare/netshare/internal/quota"
	"github.com/netshare/netshare/internal/registry"
	"github.com/netshare/netshare/internal/relay"
	"github.com/netshare/netshare/internal/store/sqlite"
)

func runEngine(ctx context.Context, args []string) int {
	cfg, err := config.ParseEngineFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "engine config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("netshare engine starting", "version", Version, "relay", cfg.RelayURL)

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	clk := clock.New()
	reg := registry.New()
	ledger := quota.New(clk.Now())
	relayClient := relay.NewClient(relay.Options{
		BaseURL:     cfg.RelayURL,
		PortMin:     cfg.RelayPortMin,
		PortMax:     cfg.RelayPortMax,
		CallTimeout: cfg.RelayCallTimeout,
		Attempts:    cfg.RelayRetries,
		BackoffBase: cfg.RelayBackoffBase,
		BackoffCap:  cfg.RelayBackoffCap,
	})

	if err := restoreState(ctx, store, reg, ledger, clk.Now()); err != nil {
		fmt.Fprintln(os.Stderr, "restore state error:", err)
		return 1
	}

	m := metrics.New()
	hub := api.NewHub(logger)
	orch := orchestrator.New(orchestrator.Options{
		Registry:          reg,
		Ledger:            ledger,
		Matcher:           matcher.New(ledger, reg),
		Relay:             relayClient,
		Store:             store,
		Events:            hub,
		Metrics:           m,
		Logger:            logger,
		Clock:             clk,
		TickInterval:      cfg.TickInterval,
		MatchTimeout:      cfg.MatchTimeout,
		HeartbeatMisses:   cfg.HeartbeatMisses,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		TerminalRetention: cfg.TerminalRetention,
	})

	var restarter health.Restarter = health.NopRestarter{}
	if cfg.RelayRestartCmd != "" {
		restarter = &health.CommandRestarter{Command: cfg.RelayRestartCmd, Timeout: 30 * time.Second}
	}
	monitor := health.New(health.Options{
		Pinger:      relayClient,
		Restarter:   restarter,
		Registry:    reg,
		Metrics:     m,
		Logger:      logger,
		Clock:       clk,
		Interval:    cfg.HealthInterval,
		MaxRestarts: cfg.RelayRestartAttempts,
		OnFatal: func(err error) {
			logger.Error("relay is down and not coming back, operator attention required", "error", err)
		},
	})

	apiServer := api.New(api.Config{
		ListenAddr: cfg.ListenAddr,
		APIToken:   cfg.APIToken,
	}, orch, hub, m, logger)

	if err := debughttp.StartPprofServer(ctx, cfg.PprofAddr, logger, "engine"); err != nil {
		fmt.Fprintln(os.Stderr, "pprof error:", err)
		return 1
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 3)
	go func() { errCh <- orch.Run(runCtx) }()
	go func() { errCh <- monitor.Run(runCtx) }()
	go func() { errCh <- apiServer.Run(runCtx) }()

	err = <-errCh
	cancel()
	// Give the other goroutines a moment to wind down.
	for i := 0; i < 2; i++ {
		select {
		case <-errCh:
		case <-time.After(5 * time.Second):
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "engine error:", err)
		return 1
	}
	logger.Info("netshare engine stopped")
	return 0
}

// restoreState rehydrates the registry and the quota ledger from the
// snapshot store after a restart. Relay mappings are not trusted to survive
// a restart: ports are cleared here and the orchestrator re-registers the
// tunnels fresh on its next tick.
func restoreState(ctx context.Context, store *sqlite.Store, reg *registry.Registry, ledger *quota.Ledger, now time.Time) error {
	midnight := time.Date(now.UTC().Year(), now.UTC().Month(), now.UTC().Day(), 0, 0, 0, 0, time.UTC)

	sharers, err := store.ListSharers(ctx)
	if err != nil {
		return err
	}
	for _, p := range sharers {
		// Usage recorded before today's UTC boundary belongs to a past
		// accounting window.
		if p.UpdatedAt.UTC().Before(midnight) {
			p.UsedBytesToday = 0
		}
		ledger.Restore(p)
	}

	conns, err := store.ListConnections(ctx)
	if err != nil {
		return err
	}
	for _, c := range conns {
		if !c.State.Terminal() && c.RelayPort != 0 {
			c.RelayPort = 0
			c.AccessUser = ""
			c.AccessPasswordHash = ""
		}
		if err := reg.Restore(c); err != nil {
			return err
		}
		if c.State.Terminal() {
			continue
		}
		switch c.State {
		case domain.StateMatched, domain.StateActive, domain.StateThrottled, domain.StateUnhealthy:
			if c.SharerID != "" {
				// Reservation state is implicit in the connection state.
				_ = ledger.Reserve(c.SharerID)
			}
		}
	}
	return nil
}
