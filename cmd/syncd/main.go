// Package main is the entry point for the marketsync worker process.
//
// syncd runs the three background loops (sync scheduler, token refresh,
// stale-run reaper) and serves the admin API. It is the only process that
// runs scheduled cycles; cmd/sync-trigger shares the Worker for on-demand
// runs.
//
// SIGINT/SIGTERM cancels the loops, letting in-flight runs finalize as
// sync_cancelled, and then shuts the HTTP server down gracefully.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"marketsync/internal/api/handlers"
	"marketsync/internal/app"
	"marketsync/internal/config"
	"marketsync/internal/core"
	"marketsync/internal/scheduler"
	"marketsync/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION"), os.Getenv("AWS_ENDPOINT_URL")))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("syncd starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
		"categories", cfg.Marketplace.Categories,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("building application: %w", err)
	}
	defer a.Close()

	srv, err := newAdminServer(a)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	return serve(ctx, a, srv)
}

// newAdminServer mounts the admin handlers on the core chassis.
func newAdminServer(a *app.App) (*core.Server, error) {
	srv, err := core.NewServer(a.Config, a.Logger)
	if err != nil {
		return nil, err
	}
	srv.HealthProbes = []core.HealthProbe{
		core.PingProbe{ProbeName: "database", Ping: a.Pool.Ping},
	}

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		handlers.NewSyncRunHandler(a.Scheduler, srv.Validator, a.Logger).RegisterRoutes,
		handlers.NewLoopHandler(a.Heartbeats, srv.Validator, a.Logger).RegisterRoutes,
		handlers.NewSettingsHandler(a.Settings, srv.Validator, a.Logger).RegisterRoutes,
		handlers.NewAccountSyncHandler(
			a.Accounts,
			a.States,
			a.Credentials,
			a.Ledger,
			a.Clients.Fetchers,
			srv.Validator,
			a.Logger,
		).RegisterRoutes,
	)
	srv.MountRoutes()
	return srv, nil
}

// loopPayloads adapts the three services to loop payloads.
type loopPayloads struct {
	Cycle   func(ctx context.Context) (scheduler.CycleReport, error)
	Refresh func(ctx context.Context) error
	Sweep   func(ctx context.Context) (int, error)
}

// newLoops builds the background loops with their default intervals.
func newLoops(cfg *config.Config, p loopPayloads, heartbeats scheduler.HeartbeatStore, metrics scheduler.MetricsRecorder, logger *slog.Logger) []*scheduler.Loop {
	mk := func(name string, interval time.Duration, payload scheduler.Payload) *scheduler.Loop {
		return scheduler.NewLoop(scheduler.LoopConfig{
			Name:            name,
			DefaultInterval: interval,
			Payload:         payload,
			Heartbeats:      heartbeats,
			Metrics:         metrics,
			Logger:          logger.With("loop", name),
		})
	}

	return []*scheduler.Loop{
		mk(types.LoopSyncScheduler, cfg.Sync.LoopInterval, func(ctx context.Context) error {
			_, err := p.Cycle(ctx)
			return err
		}),
		mk(types.LoopTokenRefresh, cfg.Sync.RefreshInterval, p.Refresh),
		mk(types.LoopStaleReaper, cfg.Sync.ReaperInterval, func(ctx context.Context) error {
			_, err := p.Sweep(ctx)
			return err
		}),
	}
}

// serve runs the loops and the HTTP server until ctx is cancelled or the
// server fails.
func serve(ctx context.Context, a *app.App, srv *core.Server) error {
	cfg := a.Config
	logger := a.Logger

	loops := newLoops(cfg, loopPayloads{
		Cycle: a.Scheduler.RunCycle,
		Refresh: func(ctx context.Context) error {
			_, err := a.Refresher.RefreshDue(ctx)
			return err
		},
		Sweep: a.Reaper.Sweep,
	}, a.Heartbeats, a.Metrics, logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, loop := range loops {
		g.Go(func() error {
			return loop.Run(gctx)
		})
	}

	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("initiating graceful shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("syncd stopped cleanly")
	return nil
}

// newLogger creates a JSON slog.Logger for the given level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
