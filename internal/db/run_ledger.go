package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"marketsync/internal/types"
)

// errAlreadyRunning aborts the StartRun transaction when the key is busy.
var errAlreadyRunning = errors.New("run already in progress")

// RunLedger records run lifecycles and owns the only writes to a SyncState
// cursor. Every mutation that spans a run and its state row goes through one
// transaction.
//
// Mutual exclusion per key comes from the row lock on sync_states taken in
// StartRun, backed by the partial unique index uq_sync_runs_one_running.
type RunLedger struct {
	db DBTX
	tx Transactor
}

// NewRunLedger creates a ledger. Reads go through db; writes open
// transactions with tx.
func NewRunLedger(db DBTX, tx Transactor) *RunLedger {
	return &RunLedger{db: db, tx: tx}
}

const runColumns = `id, account_id, api_category, status, trigger, worker_id, started_at, finished_at,
	items_fetched, items_stored, pages_fetched, window_from, window_to, error_kind, error_message`

func scanRun(row pgx.Row) (*types.RunRecord, error) {
	var (
		r          types.RunRecord
		windowFrom *time.Time
		windowTo   *time.Time
		errorKind  *string
		errorMsg   *string
	)
	err := row.Scan(
		&r.ID,
		&r.AccountID,
		&r.Category,
		&r.Status,
		&r.Trigger,
		&r.WorkerID,
		&r.StartedAt,
		&r.FinishedAt,
		&r.Summary.ItemsFetched,
		&r.Summary.ItemsStored,
		&r.Summary.PagesFetched,
		&windowFrom,
		&windowTo,
		&errorKind,
		&errorMsg,
	)
	if err != nil {
		return nil, err
	}
	if windowFrom != nil {
		r.Summary.WindowFrom = *windowFrom
	}
	if windowTo != nil {
		r.Summary.WindowTo = *windowTo
	}
	r.Summary.ErrorKind = types.ErrorCode(derefString(errorKind))
	r.Summary.ErrorMessage = derefString(errorMsg)
	return &r, nil
}

// StartRun atomically creates the key's state row if needed, locks it, and
// inserts a running record unless one exists. acquired is false, with no
// side effects, when another run holds the key.
func (l *RunLedger) StartRun(ctx context.Context, key types.SyncKey, trigger types.RunTrigger, workerID string, now time.Time) (*types.RunRecord, bool, error) {
	run := &types.RunRecord{
		ID:        "run_" + uuid.NewString(),
		AccountID: key.AccountID,
		Category:  key.Category,
		Status:    types.RunStatusRunning,
		Trigger:   trigger,
		WorkerID:  workerID,
		StartedAt: now.UTC(),
	}

	err := l.tx.InTx(ctx, func(tx DBTX) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO sync_states (account_id, api_category)
			 VALUES ($1, $2)
			 ON CONFLICT (account_id, api_category) DO NOTHING`,
			key.AccountID, string(key.Category),
		); err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to create sync state", err)
		}

		var locked string
		if err := tx.QueryRow(ctx,
			`SELECT account_id FROM sync_states
			 WHERE account_id = $1 AND api_category = $2
			 FOR UPDATE`,
			key.AccountID, string(key.Category),
		).Scan(&locked); err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to lock sync state", err)
		}

		var running bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (
			     SELECT 1 FROM sync_runs
			     WHERE account_id = $1 AND api_category = $2 AND status = 'running'
			 )`,
			key.AccountID, string(key.Category),
		).Scan(&running); err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to check running runs", err)
		}
		if running {
			return errAlreadyRunning
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO sync_runs (id, account_id, api_category, status, trigger, worker_id, started_at)
			 VALUES ($1, $2, $3, 'running', $4, $5, $6)`,
			run.ID, run.AccountID, string(run.Category), string(run.Trigger), run.WorkerID, run.StartedAt,
		); err != nil {
			if isUniqueViolation(err) {
				return errAlreadyRunning
			}
			return types.NewAppError(types.ErrCodeInternalDB, "failed to insert run", err)
		}
		return nil
	})

	if errors.Is(err, errAlreadyRunning) {
		return nil, false, nil
	}
	if err != nil {
		var appErr *types.AppError
		if !errors.As(err, &appErr) {
			err = types.NewAppError(types.ErrCodeInternalDB, "failed to start run", err)
		}
		return nil, false, err
	}
	return run, true, nil
}

// CompleteRun marks run completed and, in the same transaction, advances the
// key's cursor to summary.WindowTo. The cursor never moves backwards.
func (l *RunLedger) CompleteRun(ctx context.Context, run *types.RunRecord, summary types.RunSummary, finishedAt time.Time) error {
	finishedAt = finishedAt.UTC()

	err := l.tx.InTx(ctx, func(tx DBTX) error {
		tag, err := tx.Exec(ctx,
			`UPDATE sync_runs
			 SET status = 'completed', finished_at = $2,
			     items_fetched = $3, items_stored = $4, pages_fetched = $5,
			     window_from = $6, window_to = $7,
			     error_kind = NULL, error_message = NULL
			 WHERE id = $1 AND status = 'running'`,
			run.ID, finishedAt,
			summary.ItemsFetched, summary.ItemsStored, summary.PagesFetched,
			summary.WindowFrom.UTC(), summary.WindowTo.UTC(),
		)
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to complete run", err)
		}
		if tag.RowsAffected() == 0 {
			return types.NewAppError(types.ErrCodeConflictRunNotRunning, "run is no longer running", nil)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE sync_states
			 SET cursor_at = GREATEST(COALESCE(cursor_at, $3), $3),
			     last_run_at = $4,
			     last_error = NULL,
			     last_window_from = $5,
			     last_window_to = $3,
			     updated_at = $4
			 WHERE account_id = $1 AND api_category = $2`,
			run.AccountID, string(run.Category),
			summary.WindowTo.UTC(), finishedAt, summary.WindowFrom.UTC(),
		); err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to advance cursor", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	run.Status = types.RunStatusCompleted
	run.FinishedAt = &finishedAt
	run.Summary = summary
	return nil
}

// FailRun marks run failed with an error kind, message and partial counts,
// and records the error on the state row. The cursor is left untouched so
// the next attempt re-fetches the same window.
func (l *RunLedger) FailRun(ctx context.Context, run *types.RunRecord, kind types.ErrorCode, message string, partial types.RunSummary, finishedAt time.Time) error {
	finishedAt = finishedAt.UTC()
	message = types.SanitizeText(message, types.MaxStoredErrorLen)
	partial.ErrorKind = kind
	partial.ErrorMessage = message

	err := l.tx.InTx(ctx, func(tx DBTX) error {
		tag, err := tx.Exec(ctx,
			`UPDATE sync_runs
			 SET status = 'failed', finished_at = $2,
			     items_fetched = $3, items_stored = $4, pages_fetched = $5,
			     window_from = $6, window_to = $7,
			     error_kind = $8, error_message = $9
			 WHERE id = $1 AND status = 'running'`,
			run.ID, finishedAt,
			partial.ItemsFetched, partial.ItemsStored, partial.PagesFetched,
			nilIfZeroTime(partial.WindowFrom.UTC()), nilIfZeroTime(partial.WindowTo.UTC()),
			string(kind), message,
		)
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to fail run", err)
		}
		if tag.RowsAffected() == 0 {
			return types.NewAppError(types.ErrCodeConflictRunNotRunning, "run is no longer running", nil)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE sync_states
			 SET last_run_at = $3, last_error = $4, updated_at = $3
			 WHERE account_id = $1 AND api_category = $2`,
			run.AccountID, string(run.Category), finishedAt, string(kind)+": "+message,
		); err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to record sync state error", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	run.Status = types.RunStatusFailed
	run.FinishedAt = &finishedAt
	run.Summary = partial
	return nil
}

// ReapStale fails every running record started before cutoff. It returns the
// reaped records.
func (l *RunLedger) ReapStale(ctx context.Context, cutoff, now time.Time) ([]types.RunRecord, error) {
	const message = "run exceeded the maximum run duration and was reaped"

	rows, err := l.db.Query(ctx,
		`WITH reaped AS (
		     UPDATE sync_runs
		     SET status = 'failed', finished_at = $2, error_kind = $3, error_message = $4
		     WHERE status = 'running' AND started_at < $1
		     RETURNING `+runColumns+`
		 ), touched AS (
		     UPDATE sync_states s
		     SET last_error = $3::text || ': ' || $4::text, updated_at = $2
		     FROM reaped
		     WHERE s.account_id = reaped.account_id AND s.api_category = reaped.api_category
		 )
		 SELECT `+runColumns+` FROM reaped ORDER BY started_at`,
		cutoff.UTC(), now.UTC(), string(types.ErrCodeSyncRunReaped), types.SanitizeText(message, types.MaxStoredErrorLen),
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to reap stale runs", err)
	}
	defer rows.Close()

	var reaped []types.RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan reaped run", err)
		}
		reaped = append(reaped, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate reaped runs", err)
	}
	return reaped, nil
}

// GetRun returns one run record.
func (l *RunLedger) GetRun(ctx context.Context, id string) (*types.RunRecord, error) {
	r, err := scanRun(l.db.QueryRow(ctx, `SELECT `+runColumns+` FROM sync_runs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundRun, "run not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get run", err)
	}
	return r, nil
}

// ListRuns returns the most recent runs of an account, newest first. An
// empty category lists every category.
func (l *RunLedger) ListRuns(ctx context.Context, accountID string, category types.APICategory, limit int) ([]types.RunRecord, error) {
	rows, err := l.db.Query(ctx,
		`SELECT `+runColumns+` FROM sync_runs
		 WHERE account_id = $1 AND ($2::text = '' OR api_category = $2::text)
		 ORDER BY started_at DESC
		 LIMIT $3`,
		accountID, string(category), limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list runs", err)
	}
	defer rows.Close()

	var runs []types.RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan run", err)
		}
		runs = append(runs, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate runs", err)
	}
	return runs, nil
}
