package types

// APICategory names a class of data synchronized per account. Each category
// has its own cursor and run history.
type APICategory string

const (
	CategoryOrders       APICategory = "orders"
	CategoryTransactions APICategory = "transactions"
	CategoryMessages     APICategory = "messages"
)

// RunStatus is the state of a RunRecord. The only transitions are
// running -> completed and running -> failed.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// IsTerminal reports whether the status can no longer change.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// RunOutcome is what a single Worker invocation reports to its caller.
type RunOutcome string

const (
	OutcomeCompleted RunOutcome = "completed"
	OutcomeFailed    RunOutcome = "failed"
	OutcomeSkipped   RunOutcome = "skipped"
)

// RunTrigger records what started a run. It labels the RunRecord only; both
// triggers execute the same code path.
type RunTrigger string

const (
	TriggerScheduled RunTrigger = "scheduled"
	TriggerManual    RunTrigger = "manual"
)

// LoopStatus is the last-status value written to a HeartbeatRecord.
type LoopStatus string

const (
	LoopStatusOK      LoopStatus = "ok"
	LoopStatusError   LoopStatus = "error"
	LoopStatusRunning LoopStatus = "running"
)

// Names of the background loops run by the worker process.
const (
	LoopSyncScheduler = "sync-scheduler"
	LoopTokenRefresh  = "token-refresh"
	LoopStaleReaper   = "stale-run-reaper"
)
