package scheduler

import (
	"context"
	"time"

	"marketsync/internal/types"
)

// RunLedger records run lifecycles. Implemented by db.RunLedger.
type RunLedger interface {
	// StartRun returns acquired=false, with no side effects, when another run
	// holds the key.
	StartRun(ctx context.Context, key types.SyncKey, trigger types.RunTrigger, workerID string, now time.Time) (*types.RunRecord, bool, error)
	// CompleteRun advances the cursor to summary.WindowTo in the same
	// transaction that closes the run.
	CompleteRun(ctx context.Context, run *types.RunRecord, summary types.RunSummary, finishedAt time.Time) error
	FailRun(ctx context.Context, run *types.RunRecord, kind types.ErrorCode, message string, partial types.RunSummary, finishedAt time.Time) error
}

// StaleRunReaper fails running records abandoned by a crashed worker.
type StaleRunReaper interface {
	ReapStale(ctx context.Context, cutoff, now time.Time) ([]types.RunRecord, error)
}

// SyncStateReader reads cursor rows. Implemented by db.SyncStateRepository.
type SyncStateReader interface {
	// Get returns not_found_sync_state when the key never ran.
	Get(ctx context.Context, key types.SyncKey) (*types.SyncState, error)
	ListForAccount(ctx context.Context, accountID string) ([]types.SyncState, error)
}

// AccountReader reads marketplace accounts. Implemented by
// db.AccountRepository.
type AccountReader interface {
	Get(ctx context.Context, id string) (*types.Account, error)
	ListActive(ctx context.Context) ([]types.Account, error)
}

// SettingsReader reads the global workers switch.
type SettingsReader interface {
	WorkersEnabled(ctx context.Context) (bool, error)
}

// TokenSource resolves a plaintext access token. Implemented by
// tokens.Pipeline.
type TokenSource interface {
	AccessToken(ctx context.Context, accountID string) (string, error)
}

// AccountRunner runs one key. Implemented by Worker.
type AccountRunner interface {
	RunForAccount(ctx context.Context, key types.SyncKey, trigger types.RunTrigger) (types.RunResult, error)
}

// HeartbeatStore persists loop configuration and liveness. Implemented by
// db.HeartbeatRepository.
type HeartbeatStore interface {
	Ensure(ctx context.Context, name string, defaultInterval time.Duration) (*types.HeartbeatRecord, error)
	MarkStarted(ctx context.Context, name string, at time.Time) error
	MarkFinished(ctx context.Context, name string, status types.LoopStatus, message string, at time.Time) error
}

// HeartbeatReader reads one loop row.
type HeartbeatReader interface {
	Get(ctx context.Context, name string) (*types.HeartbeatRecord, error)
}

// MetricsRecorder publishes run and loop metrics. Implementations must not
// block the caller on delivery failures.
type MetricsRecorder interface {
	RecordRun(ctx context.Context, category types.APICategory, outcome types.RunOutcome, duration time.Duration, itemsStored int)
	RecordLoopTick(ctx context.Context, loop string, status types.LoopStatus, duration time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) RecordRun(context.Context, types.APICategory, types.RunOutcome, time.Duration, int) {
}

func (nopMetrics) RecordLoopTick(context.Context, string, types.LoopStatus, time.Duration) {}
