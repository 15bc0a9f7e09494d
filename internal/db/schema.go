package db

import (
	"context"

	"marketsync/internal/types"
)

// schemaStatements creates the engine's tables. Every statement is
// idempotent so EnsureSchema can run on each start.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS marketplace_accounts (
		id               TEXT PRIMARY KEY,
		tenant_id        TEXT NOT NULL,
		external_user_id TEXT NOT NULL,
		active           BOOLEAN NOT NULL DEFAULT TRUE,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_marketplace_accounts_active
		ON marketplace_accounts (id) WHERE active`,

	`CREATE TABLE IF NOT EXISTS marketplace_credentials (
		account_id         TEXT PRIMARY KEY REFERENCES marketplace_accounts (id) ON DELETE CASCADE,
		access_token_enc   TEXT NOT NULL CHECK (access_token_enc LIKE 'enc:v1:%'),
		refresh_token_enc  TEXT NOT NULL CHECK (refresh_token_enc LIKE 'enc:v1:%'),
		access_expires_at  TIMESTAMPTZ NOT NULL,
		last_refresh_at    TIMESTAMPTZ,
		last_refresh_error TEXT,
		needs_reconnect    BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_marketplace_credentials_expiry
		ON marketplace_credentials (access_expires_at) WHERE NOT needs_reconnect`,

	`CREATE TABLE IF NOT EXISTS sync_states (
		account_id       TEXT NOT NULL REFERENCES marketplace_accounts (id) ON DELETE CASCADE,
		api_category     TEXT NOT NULL,
		cursor_at        TIMESTAMPTZ,
		enabled          BOOLEAN NOT NULL DEFAULT TRUE,
		last_run_at      TIMESTAMPTZ,
		last_error       TEXT,
		last_window_from TIMESTAMPTZ,
		last_window_to   TIMESTAMPTZ,
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (account_id, api_category)
	)`,

	`CREATE TABLE IF NOT EXISTS sync_runs (
		id            TEXT PRIMARY KEY,
		account_id    TEXT NOT NULL,
		api_category  TEXT NOT NULL,
		status        TEXT NOT NULL CHECK (status IN ('running', 'completed', 'failed')),
		trigger       TEXT NOT NULL,
		worker_id     TEXT NOT NULL,
		started_at    TIMESTAMPTZ NOT NULL,
		finished_at   TIMESTAMPTZ,
		items_fetched INTEGER NOT NULL DEFAULT 0,
		items_stored  INTEGER NOT NULL DEFAULT 0,
		pages_fetched INTEGER NOT NULL DEFAULT 0,
		window_from   TIMESTAMPTZ,
		window_to     TIMESTAMPTZ,
		error_kind    TEXT,
		error_message TEXT,
		FOREIGN KEY (account_id, api_category) REFERENCES sync_states (account_id, api_category)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_sync_runs_one_running
		ON sync_runs (account_id, api_category) WHERE status = 'running'`,
	`CREATE INDEX IF NOT EXISTS idx_sync_runs_history
		ON sync_runs (account_id, api_category, started_at DESC)`,

	`CREATE TABLE IF NOT EXISTS loop_heartbeats (
		name                  TEXT PRIMARY KEY,
		enabled               BOOLEAN NOT NULL DEFAULT TRUE,
		interval_seconds      INTEGER NOT NULL CHECK (interval_seconds > 0),
		last_started_at       TIMESTAMPTZ,
		last_finished_at      TIMESTAMPTZ,
		last_status           TEXT,
		last_error            TEXT,
		consecutive_successes INTEGER NOT NULL DEFAULT 0,
		consecutive_errors    INTEGER NOT NULL DEFAULT 0,
		updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS sync_settings (
		key        TEXT PRIMARY KEY,
		value      JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS synced_items (
		account_id        TEXT NOT NULL,
		api_category      TEXT NOT NULL,
		external_id       TEXT NOT NULL,
		remote_updated_at TIMESTAMPTZ,
		payload           JSONB NOT NULL,
		first_seen_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_seen_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (account_id, api_category, external_id)
	)`,
}

// EnsureSchema creates missing tables and indexes.
func EnsureSchema(ctx context.Context, db DBTX) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to ensure schema", err)
		}
	}
	return nil
}
