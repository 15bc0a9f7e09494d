package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"marketsync/internal/types"
)

const settingWorkersEnabled = "workers_enabled"

// SettingsRepository holds process-wide switches in sync_settings. Values are
// read fresh on every call so all replicas observe the same toggle.
type SettingsRepository struct {
	db DBTX
}

// NewSettingsRepository creates a new SettingsRepository.
func NewSettingsRepository(db DBTX) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// WorkersEnabled reports the global workers switch. A missing row means
// enabled.
func (r *SettingsRepository) WorkersEnabled(ctx context.Context) (bool, error) {
	var enabled bool
	err := r.db.QueryRow(ctx,
		`SELECT value::boolean FROM sync_settings WHERE key = $1`,
		settingWorkersEnabled,
	).Scan(&enabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return true, nil
		}
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to read workers switch", err)
	}
	return enabled, nil
}

// SetWorkersEnabled writes the global workers switch.
func (r *SettingsRepository) SetWorkersEnabled(ctx context.Context, enabled bool) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO sync_settings (key, value, updated_at)
		 VALUES ($1, to_jsonb($2::boolean), NOW())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		settingWorkersEnabled, enabled,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to write workers switch", err)
	}
	return nil
}
