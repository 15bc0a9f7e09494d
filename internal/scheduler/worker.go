package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"marketsync/internal/types"
)

// WorkerConfig holds the dependencies for creating a Worker.
type WorkerConfig struct {
	Ledger   RunLedger
	States   SyncStateReader
	Tokens   TokenSource
	Registry types.FetcherRegistry
	Sink     types.Sink
	Notifier types.NotificationEmitter
	Metrics  MetricsRecorder

	// WorkerID labels run records written by this process.
	WorkerID      string
	BackfillDepth time.Duration
	Overlap       time.Duration
	MaxPages      int
	PageTimeout   time.Duration
	RunTimeout    time.Duration

	// PublishTimeout bounds the metric and notifier calls after a run.
	PublishTimeout time.Duration

	Clock  types.Clock
	Logger *slog.Logger
}

// Worker executes one sync run for one (account, category) key. Scheduled
// cycles and the admin trigger share it; the trigger only labels the record.
type Worker struct {
	ledger   RunLedger
	states   SyncStateReader
	tokens   TokenSource
	registry types.FetcherRegistry
	sink     types.Sink
	notifier types.NotificationEmitter
	metrics  MetricsRecorder

	workerID    string
	backfill    time.Duration
	overlap     time.Duration
	maxPages    int
	pageTimeout time.Duration
	runTimeout  time.Duration
	publishTTL  time.Duration

	clock  types.Clock
	logger *slog.Logger
}

// NewWorker creates a Worker. A nil Notifier disables run events and a nil
// Metrics disables metrics. MaxPages defaults to 200 and PublishTimeout to
// 10s.
func NewWorker(cfg WorkerConfig) *Worker {
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = 200
	}
	publishTTL := cfg.PublishTimeout
	if publishTTL <= 0 {
		publishTTL = 10 * time.Second
	}
	clock := cfg.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		ledger:      cfg.Ledger,
		states:      cfg.States,
		tokens:      cfg.Tokens,
		registry:    cfg.Registry,
		sink:        cfg.Sink,
		notifier:    cfg.Notifier,
		metrics:     metrics,
		workerID:    cfg.WorkerID,
		backfill:    cfg.BackfillDepth,
		overlap:     cfg.Overlap,
		maxPages:    maxPages,
		pageTimeout: cfg.PageTimeout,
		runTimeout:  cfg.RunTimeout,
		publishTTL:  publishTTL,
		clock:       clock,
		logger:      logger,
	}
}

// RunForAccount performs one run of key:
//  1. StartRun. If another run holds the key the outcome is skipped.
//  2. Resolve an access token, compute the window from the stored cursor
//     and page through the category's fetcher into the sink.
//  3. Close the run: CompleteRun advances the cursor, FailRun records the
//     error kind and partial counts and leaves the cursor alone.
//  4. Emit the run event and metric, ignoring failures.
//
// Only ledger failures are returned as errors. Fetch, sink, credential and
// cancellation failures are reported through the outcome. Closing the run
// uses a context detached from ctx so a cancelled run is still recorded.
func (w *Worker) RunForAccount(ctx context.Context, key types.SyncKey, trigger types.RunTrigger) (types.RunResult, error) {
	startedAt := w.clock.Now()
	result := types.RunResult{Key: key}

	run, acquired, err := w.ledger.StartRun(ctx, key, trigger, w.workerID, startedAt)
	if err != nil {
		return result, err
	}
	if !acquired {
		w.logger.InfoContext(ctx, "sync run skipped, key already running",
			"account_id", key.AccountID,
			"api_category", key.Category,
		)
		result.Outcome = types.OutcomeSkipped
		return result, nil
	}
	result.RunID = run.ID

	logger := w.logger.With(
		"run_id", run.ID,
		"account_id", key.AccountID,
		"api_category", key.Category,
		"trigger", trigger,
	)

	runCtx := ctx
	if w.runTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, w.runTimeout)
		defer cancel()
	}

	var summary types.RunSummary
	runErr := w.execute(runCtx, key, startedAt, &summary)

	finalCtx := context.WithoutCancel(ctx)
	finishedAt := w.clock.Now()

	if runErr == nil {
		if err := w.ledger.CompleteRun(finalCtx, run, summary, finishedAt); err != nil {
			logger.ErrorContext(ctx, "failed to complete run", "error", err)
			result, err = w.failAfterStorageError(finalCtx, run, result, summary, err, finishedAt)
			if result.Outcome == types.OutcomeFailed {
				w.publish(finalCtx, run, result, finishedAt.Sub(startedAt))
			}
			return result, err
		}
		result.Outcome = types.OutcomeCompleted
		result.Summary = summary
		logger.InfoContext(ctx, "sync run completed",
			"pages", summary.PagesFetched,
			"items_fetched", summary.ItemsFetched,
			"items_stored", summary.ItemsStored,
			"window_from", summary.WindowFrom,
			"window_to", summary.WindowTo,
		)
	} else {
		kind := failureKind(ctx, runErr)
		summary.ErrorKind = kind
		summary.ErrorMessage = runErr.Error()
		if err := w.ledger.FailRun(finalCtx, run, kind, summary.ErrorMessage, summary, finishedAt); err != nil {
			logger.ErrorContext(ctx, "failed to record run failure", "error", err, "error_kind", kind)
			return result, err
		}
		result.Outcome = types.OutcomeFailed
		result.Summary = summary
		logger.WarnContext(ctx, "sync run failed",
			"error_kind", kind,
			"error", runErr,
			"pages", summary.PagesFetched,
			"items_stored", summary.ItemsStored,
		)
	}

	w.publish(finalCtx, run, result, finishedAt.Sub(startedAt))
	return result, nil
}

// failAfterStorageError tries to fail a run whose CompleteRun failed so the
// record does not stay running until the reaper finds it. The original
// storage error is returned either way.
func (w *Worker) failAfterStorageError(ctx context.Context, run *types.RunRecord, result types.RunResult, summary types.RunSummary, cause error, at time.Time) (types.RunResult, error) {
	summary.ErrorKind = types.CodeOf(cause)
	summary.ErrorMessage = cause.Error()
	if err := w.ledger.FailRun(ctx, run, summary.ErrorKind, summary.ErrorMessage, summary, at); err != nil {
		w.logger.ErrorContext(ctx, "failed to record run failure", "run_id", run.ID, "error", err)
		return result, cause
	}
	result.Outcome = types.OutcomeFailed
	result.Summary = summary
	return result, cause
}

// execute resolves the token, computes the window and pages the fetcher into
// the sink. summary accumulates as pages land so a failure still reports
// partial counts. A panic in a fetcher or sink becomes an error.
func (w *Worker) execute(ctx context.Context, key types.SyncKey, startedAt time.Time, summary *types.RunSummary) (err error) {
	defer func() {
		if rvr := recover(); rvr != nil {
			w.logger.ErrorContext(ctx, "panic during sync run",
				"account_id", key.AccountID,
				"api_category", key.Category,
				"panic", rvr,
				"stack", string(debug.Stack()),
			)
			err = types.NewAppError(types.ErrCodeInternalUnexpected, fmt.Sprintf("panic: %v", rvr), nil)
		}
	}()

	fetcher, ok := w.registry.Lookup(key.Category)
	if !ok {
		return types.NewAppError(types.ErrCodeValidationUnknownCategory, fmt.Sprintf("no fetcher registered for %q", key.Category), nil)
	}

	accessToken, err := w.tokens.AccessToken(ctx, key.AccountID)
	if err != nil {
		return err
	}

	var cursor *time.Time
	state, err := w.states.Get(ctx, key)
	switch {
	case err == nil:
		cursor = state.Cursor
	case types.CodeOf(err) == types.ErrCodeNotFoundSyncState:
	default:
		return err
	}

	window, err := ComputeWindow(cursor, startedAt, w.backfill, w.overlap)
	if err != nil {
		return err
	}
	summary.WindowFrom = window.From
	summary.WindowTo = window.To

	pageToken := ""
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return runContextError(err)
		}
		if page > w.maxPages {
			return types.NewAppError(types.ErrCodeUpstreamPageLimit,
				fmt.Sprintf("result set exceeds SYNC_MAX_PAGES=%d; the cursor cannot advance and every run will fail on this window until SYNC_MAX_PAGES is raised or SYNC_BACKFILL_DEPTH is reduced", w.maxPages), nil)
		}

		result, err := w.fetchPage(ctx, fetcher, accessToken, window, pageToken)
		if err != nil {
			return fmt.Errorf("page %d: %w", page, err)
		}
		summary.PagesFetched++
		summary.ItemsFetched += len(result.Items)

		if len(result.Items) > 0 {
			stored, err := w.sink.Store(ctx, key, result.Items)
			if err != nil {
				return sinkError(page, err)
			}
			summary.ItemsStored += stored
		}

		if result.NextPageToken == "" {
			return nil
		}
		if result.NextPageToken == pageToken {
			return types.NewAppError(types.ErrCodeUpstreamFetchFailed,
				fmt.Sprintf("page %d: page token did not advance", page), nil)
		}
		pageToken = result.NextPageToken
	}
}

func (w *Worker) fetchPage(ctx context.Context, fetcher types.RemoteFetcher, accessToken string, window types.Window, pageToken string) (*types.Page, error) {
	if w.pageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.pageTimeout)
		defer cancel()
	}
	page, err := fetcher.FetchPage(ctx, accessToken, window, pageToken)
	if err != nil {
		return nil, err
	}
	if page == nil {
		return &types.Page{}, nil
	}
	return page, nil
}

// publish emits the run event and metric. Both are best-effort and share
// one publishTTL deadline.
func (w *Worker) publish(ctx context.Context, run *types.RunRecord, result types.RunResult, duration time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, w.publishTTL)
	defer cancel()
	defer func() {
		if rvr := recover(); rvr != nil {
			w.logger.WarnContext(ctx, "panic while publishing sync event",
				"run_id", run.ID,
				"panic", rvr,
			)
		}
	}()

	w.metrics.RecordRun(ctx, run.Category, result.Outcome, duration, result.Summary.ItemsStored)

	if w.notifier == nil {
		return
	}
	event := types.SyncEvent{
		RunID:      run.ID,
		AccountID:  run.AccountID,
		Category:   run.Category,
		Outcome:    result.Outcome,
		Trigger:    run.Trigger,
		Summary:    result.Summary,
		OccurredAt: w.clock.Now(),
	}
	if err := w.notifier.Notify(ctx, event); err != nil {
		w.logger.WarnContext(ctx, "failed to emit sync event",
			"run_id", run.ID,
			"error", err,
		)
	}
}

// failureKind classifies a run failure. Cancellation of the caller's context
// wins over whatever error the cancellation surfaced as.
func failureKind(parent context.Context, err error) types.ErrorCode {
	if parent.Err() != nil || errors.Is(err, context.Canceled) {
		return types.ErrCodeSyncCancelled
	}
	code := types.CodeOf(err)
	if code == types.ErrCodeInternalUnexpected && errors.Is(err, context.DeadlineExceeded) {
		return types.ErrCodeUpstreamFetchFailed
	}
	return code
}

// runContextError maps the run context's error between pages.
func runContextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewAppError(types.ErrCodeUpstreamFetchFailed, "run timeout exceeded", err)
	}
	return types.NewAppError(types.ErrCodeSyncCancelled, "sync run cancelled", err)
}

func sinkError(page int, err error) error {
	if errors.Is(err, context.Canceled) || types.CodeOf(err) == types.ErrCodeInternalSinkFailed {
		return fmt.Errorf("page %d: %w", page, err)
	}
	return types.NewAppError(types.ErrCodeInternalSinkFailed, fmt.Sprintf("page %d: sink failed", page), err)
}
