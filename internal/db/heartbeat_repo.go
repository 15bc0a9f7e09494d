package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"marketsync/internal/types"
)

// HeartbeatRepository persists background loop configuration and liveness.
// Operators change a loop's cadence or pause it by editing its row; the loop
// re-reads the row every tick.
type HeartbeatRepository struct {
	db DBTX
}

// NewHeartbeatRepository creates a new HeartbeatRepository.
func NewHeartbeatRepository(db DBTX) *HeartbeatRepository {
	return &HeartbeatRepository{db: db}
}

const heartbeatColumns = `name, enabled, interval_seconds, last_started_at, last_finished_at,
	last_status, last_error, consecutive_successes, consecutive_errors, updated_at`

func scanHeartbeat(row pgx.Row) (*types.HeartbeatRecord, error) {
	var (
		h      types.HeartbeatRecord
		status *string
	)
	err := row.Scan(
		&h.Name,
		&h.Enabled,
		&h.IntervalSeconds,
		&h.LastStartedAt,
		&h.LastFinishedAt,
		&status,
		&h.LastError,
		&h.ConsecutiveSuccesses,
		&h.ConsecutiveErrors,
		&h.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	h.LastStatus = types.LoopStatus(derefString(status))
	return &h, nil
}

// Ensure returns the loop's row, creating it enabled with defaultInterval on
// first use. An existing row keeps its operator-set values.
func (r *HeartbeatRepository) Ensure(ctx context.Context, name string, defaultInterval time.Duration) (*types.HeartbeatRecord, error) {
	seconds := int(defaultInterval / time.Second)
	if seconds < 1 {
		seconds = 1
	}

	h, err := scanHeartbeat(r.db.QueryRow(ctx,
		`INSERT INTO loop_heartbeats (name, enabled, interval_seconds)
		 VALUES ($1, TRUE, $2)
		 ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		 RETURNING `+heartbeatColumns,
		name, seconds))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to ensure loop heartbeat", err)
	}
	return h, nil
}

// Get returns the loop's row.
func (r *HeartbeatRepository) Get(ctx context.Context, name string) (*types.HeartbeatRecord, error) {
	h, err := scanHeartbeat(r.db.QueryRow(ctx,
		`SELECT `+heartbeatColumns+` FROM loop_heartbeats WHERE name = $1`, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundLoop, "loop not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get loop heartbeat", err)
	}
	return h, nil
}

// List returns every loop row ordered by name.
func (r *HeartbeatRepository) List(ctx context.Context) ([]types.HeartbeatRecord, error) {
	rows, err := r.db.Query(ctx, `SELECT `+heartbeatColumns+` FROM loop_heartbeats ORDER BY name`)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list loop heartbeats", err)
	}
	defer rows.Close()

	var out []types.HeartbeatRecord
	for rows.Next() {
		h, err := scanHeartbeat(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan loop heartbeat", err)
		}
		out = append(out, *h)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate loop heartbeats", err)
	}
	return out, nil
}

// MarkStarted stamps the start of a tick.
func (r *HeartbeatRepository) MarkStarted(ctx context.Context, name string, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE loop_heartbeats
		 SET last_started_at = $2, last_status = 'running', updated_at = $2
		 WHERE name = $1`,
		name, at.UTC())
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark loop started", err)
	}
	return nil
}

// MarkFinished stamps the end of a tick, increments the counter matching
// status and resets the other one.
func (r *HeartbeatRepository) MarkFinished(ctx context.Context, name string, status types.LoopStatus, message string, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE loop_heartbeats
		 SET last_finished_at = $2,
		     last_status = $3,
		     last_error = $4,
		     consecutive_successes = CASE WHEN $3 = 'ok' THEN consecutive_successes + 1 ELSE 0 END,
		     consecutive_errors    = CASE WHEN $3 = 'ok' THEN 0 ELSE consecutive_errors + 1 END,
		     updated_at = $2
		 WHERE name = $1`,
		name, at.UTC(), string(status), nilIfEmpty(message))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark loop finished", err)
	}
	return nil
}

// Update applies an operator change. Nil fields are left as they are.
func (r *HeartbeatRepository) Update(ctx context.Context, name string, enabled *bool, intervalSeconds *int) (*types.HeartbeatRecord, error) {
	h, err := scanHeartbeat(r.db.QueryRow(ctx,
		`UPDATE loop_heartbeats
		 SET enabled = COALESCE($2, enabled),
		     interval_seconds = COALESCE($3, interval_seconds),
		     updated_at = NOW()
		 WHERE name = $1
		 RETURNING `+heartbeatColumns,
		name, enabled, intervalSeconds))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundLoop, "loop not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to update loop heartbeat", err)
	}
	return h, nil
}
