package scheduler

import (
	"context"
	"log/slog"
	"time"

	"marketsync/internal/types"
)

// ReaperConfig holds the dependencies for creating a Reaper.
type ReaperConfig struct {
	Ledger StaleRunReaper
	// MaxRunDuration is the age after which a running record is presumed
	// orphaned. It must exceed the run timeout.
	MaxRunDuration time.Duration
	Notifier       types.NotificationEmitter
	Clock          types.Clock
	Logger         *slog.Logger
}

// Reaper fails running records whose worker died before finalizing them, so
// their keys become runnable again.
type Reaper struct {
	ledger   StaleRunReaper
	maxAge   time.Duration
	notifier types.NotificationEmitter
	clock    types.Clock
	logger   *slog.Logger
}

// NewReaper creates a Reaper.
func NewReaper(cfg ReaperConfig) *Reaper {
	clock := cfg.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		ledger:   cfg.Ledger,
		maxAge:   cfg.MaxRunDuration,
		notifier: cfg.Notifier,
		clock:    clock,
		logger:   logger,
	}
}

// Sweep fails every running record older than MaxRunDuration and emits a
// failed event for each. It returns the number of reaped runs.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	now := r.clock.Now()
	reaped, err := r.ledger.ReapStale(ctx, now.Add(-r.maxAge), now)
	if err != nil {
		return 0, err
	}

	for _, run := range reaped {
		r.logger.WarnContext(ctx, "reaped stale sync run",
			"run_id", run.ID,
			"account_id", run.AccountID,
			"api_category", run.Category,
			"worker_id", run.WorkerID,
			"started_at", run.StartedAt,
		)
		if r.notifier == nil {
			continue
		}
		event := types.SyncEvent{
			RunID:      run.ID,
			AccountID:  run.AccountID,
			Category:   run.Category,
			Outcome:    types.OutcomeFailed,
			Trigger:    run.Trigger,
			Summary:    run.Summary,
			OccurredAt: now,
		}
		if err := r.notifier.Notify(ctx, event); err != nil {
			r.logger.WarnContext(ctx, "failed to emit sync event", "run_id", run.ID, "error", err)
		}
	}
	return len(reaped), nil
}
