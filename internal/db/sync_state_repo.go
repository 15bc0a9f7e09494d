package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"marketsync/internal/types"
)

// SyncStateRepository reads per-key cursor rows. Rows are created lazily by
// the run ledger and the cursor is only ever written by CompleteRun.
type SyncStateRepository struct {
	db DBTX
}

// NewSyncStateRepository creates a new SyncStateRepository.
func NewSyncStateRepository(db DBTX) *SyncStateRepository {
	return &SyncStateRepository{db: db}
}

const syncStateColumns = `account_id, api_category, cursor_at, enabled, last_run_at, last_error,
	last_window_from, last_window_to, updated_at`

func scanSyncState(row pgx.Row) (*types.SyncState, error) {
	var s types.SyncState
	err := row.Scan(
		&s.AccountID,
		&s.Category,
		&s.Cursor,
		&s.Enabled,
		&s.LastRunAt,
		&s.LastError,
		&s.LastWindowFrom,
		&s.LastWindowTo,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Get returns the state for key, or a not_found_sync_state error when the
// key has never run.
func (r *SyncStateRepository) Get(ctx context.Context, key types.SyncKey) (*types.SyncState, error) {
	s, err := scanSyncState(r.db.QueryRow(ctx,
		`SELECT `+syncStateColumns+` FROM sync_states WHERE account_id = $1 AND api_category = $2`,
		key.AccountID, string(key.Category)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSyncState, "sync state not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get sync state", err)
	}
	return s, nil
}

// ListForAccount returns every state row of an account.
func (r *SyncStateRepository) ListForAccount(ctx context.Context, accountID string) ([]types.SyncState, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+syncStateColumns+` FROM sync_states WHERE account_id = $1 ORDER BY api_category`,
		accountID)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list sync states", err)
	}
	defer rows.Close()

	var states []types.SyncState
	for rows.Next() {
		s, err := scanSyncState(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan sync state", err)
		}
		states = append(states, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate sync states", err)
	}
	return states, nil
}

// SetEnabled toggles a key, creating its row when missing.
func (r *SyncStateRepository) SetEnabled(ctx context.Context, key types.SyncKey, enabled bool) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO sync_states (account_id, api_category, enabled)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (account_id, api_category) DO UPDATE
		   SET enabled = EXCLUDED.enabled, updated_at = NOW()`,
		key.AccountID, string(key.Category), enabled)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update sync state", err)
	}
	return nil
}
