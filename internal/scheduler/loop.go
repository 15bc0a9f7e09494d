package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"time"

	"marketsync/internal/types"
)

// KnownLoops lists the loops run by the worker process.
var KnownLoops = []string{
	types.LoopSyncScheduler,
	types.LoopTokenRefresh,
	types.LoopStaleReaper,
}

// GetLoopStatus returns the heartbeat row of a known loop.
func GetLoopStatus(ctx context.Context, store HeartbeatReader, name string) (*types.HeartbeatRecord, error) {
	if !slices.Contains(KnownLoops, name) {
		return nil, types.NewAppError(types.ErrCodeNotFoundLoop, fmt.Sprintf("unknown loop %q", name), nil)
	}
	return store.Get(ctx, name)
}

// Payload is the work a Loop performs on each enabled tick.
type Payload func(ctx context.Context) error

// LoopConfig holds the dependencies for creating a Loop.
type LoopConfig struct {
	Name            string
	DefaultInterval time.Duration
	Payload         Payload
	Heartbeats      HeartbeatStore
	Metrics         MetricsRecorder
	// Sleep waits between ticks. Defaults to a context-aware timer.
	Sleep  func(ctx context.Context, d time.Duration) error
	Clock  types.Clock
	Logger *slog.Logger
}

// Loop runs a payload on the cadence stored in its heartbeat row. Operators
// pause a loop or change its interval by editing the row; the loop re-reads
// it every tick.
type Loop struct {
	name            string
	defaultInterval time.Duration
	payload         Payload
	heartbeats      HeartbeatStore
	metrics         MetricsRecorder
	sleep           func(ctx context.Context, d time.Duration) error
	clock           types.Clock
	logger          *slog.Logger
}

// NewLoop creates a Loop. DefaultInterval defaults to one minute.
func NewLoop(cfg LoopConfig) *Loop {
	interval := cfg.DefaultInterval
	if interval <= 0 {
		interval = time.Minute
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	clock := cfg.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		name:            cfg.Name,
		defaultInterval: interval,
		payload:         cfg.Payload,
		heartbeats:      cfg.Heartbeats,
		metrics:         metrics,
		sleep:           sleep,
		clock:           clock,
		logger:          logger.With("loop", cfg.Name),
	}
}

// Name returns the loop's heartbeat name.
func (l *Loop) Name() string { return l.name }

// Run ticks until ctx is cancelled. Payload and heartbeat failures never stop
// the loop.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.InfoContext(ctx, "loop started", "default_interval", l.defaultInterval)
	for {
		wait := l.Tick(ctx)
		if err := l.sleep(ctx, wait); err != nil {
			l.logger.InfoContext(ctx, "loop stopped")
			return nil
		}
	}
}

// Tick performs one iteration and returns how long to wait before the next:
//  1. Ensure the heartbeat row. A store error waits the default interval.
//  2. A disabled loop waits its interval without running.
//  3. MarkStarted, run the payload, MarkFinished with ok or error.
func (l *Loop) Tick(ctx context.Context) time.Duration {
	hb, err := l.heartbeats.Ensure(ctx, l.name, l.defaultInterval)
	if err != nil {
		l.logger.ErrorContext(ctx, "failed to read heartbeat", "error", err)
		return l.defaultInterval
	}

	interval := hb.Interval()
	if interval <= 0 {
		interval = l.defaultInterval
	}
	if !hb.Enabled {
		l.logger.DebugContext(ctx, "loop disabled, skipping tick")
		return interval
	}

	started := l.clock.Now()
	if err := l.heartbeats.MarkStarted(ctx, l.name, started); err != nil {
		l.logger.WarnContext(ctx, "failed to mark tick started", "error", err)
	}

	runErr := l.runPayload(ctx)

	status := types.LoopStatusOK
	message := ""
	switch {
	case runErr == nil:
	case errors.Is(runErr, context.Canceled) && ctx.Err() != nil:
		message = "cancelled during shutdown"
	default:
		status = types.LoopStatusError
		message = runErr.Error()
		l.logger.ErrorContext(ctx, "loop tick failed", "error", runErr)
	}

	finished := l.clock.Now()
	if err := l.heartbeats.MarkFinished(context.WithoutCancel(ctx), l.name, status, message, finished); err != nil {
		l.logger.WarnContext(ctx, "failed to mark tick finished", "error", err)
	}
	l.metrics.RecordLoopTick(context.WithoutCancel(ctx), l.name, status, finished.Sub(started))

	return interval
}

func (l *Loop) runPayload(ctx context.Context) (err error) {
	defer func() {
		if rvr := recover(); rvr != nil {
			l.logger.ErrorContext(ctx, "panic in loop payload",
				"panic", rvr,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("panic: %v", rvr)
		}
	}()
	return l.payload(ctx)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
