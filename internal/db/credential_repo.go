package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"marketsync/internal/security"
	"marketsync/internal/types"
)

// ============================================================
// CredentialRepository
// ============================================================

// CredentialRepository stores encrypted token pairs. It seals on write and
// never decrypts on read: Get hands back envelopes, and the token pipeline
// owns decryption so that a decrypt failure surfaces as a pipeline error.
type CredentialRepository struct {
	db     DBTX
	sealer security.Sealer
}

// NewCredentialRepository creates a CredentialRepository that seals tokens
// with sealer.
func NewCredentialRepository(db DBTX, sealer security.Sealer) *CredentialRepository {
	return &CredentialRepository{db: db, sealer: sealer}
}

const credentialColumns = `account_id, access_token_enc, refresh_token_enc, access_expires_at,
	last_refresh_at, last_refresh_error, needs_reconnect, updated_at`

func scanCredential(row pgx.Row) (*types.Credential, error) {
	var c types.Credential
	err := row.Scan(
		&c.AccountID,
		&c.AccessTokenEnc,
		&c.RefreshTokenEnc,
		&c.AccessExpiresAt,
		&c.LastRefreshAt,
		&c.LastRefreshError,
		&c.NeedsReconnect,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Get returns the stored credential with its token fields still sealed.
func (r *CredentialRepository) Get(ctx context.Context, accountID string) (*types.Credential, error) {
	return r.get(ctx, accountID, `SELECT `+credentialColumns+` FROM marketplace_credentials WHERE account_id = $1`)
}

// GetForUpdate is Get with a row lock. It must run inside a transaction.
func (r *CredentialRepository) GetForUpdate(ctx context.Context, accountID string) (*types.Credential, error) {
	return r.get(ctx, accountID, `SELECT `+credentialColumns+` FROM marketplace_credentials WHERE account_id = $1 FOR UPDATE`)
}

func (r *CredentialRepository) get(ctx context.Context, accountID, query string) (*types.Credential, error) {
	c, err := scanCredential(r.db.QueryRow(ctx, query, accountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundCredential, "credential not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get credential", err)
	}
	return c, nil
}

// Save seals both plaintext tokens and upserts them. A successful save clears
// last_refresh_error and needs_reconnect and stamps last_refresh_at.
//
// Inputs that already look like an envelope are refused: sealing them again
// would store a double envelope that decrypts to ciphertext.
func (r *CredentialRepository) Save(ctx context.Context, accountID, plaintextAccess, plaintextRefresh string, expiry, refreshedAt time.Time) error {
	accessEnc, err := r.seal(plaintextAccess)
	if err != nil {
		return err
	}
	refreshEnc, err := r.seal(plaintextRefresh)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO marketplace_credentials
		     (account_id, access_token_enc, refresh_token_enc, access_expires_at,
		      last_refresh_at, last_refresh_error, needs_reconnect, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NULL, FALSE, $5)
		 ON CONFLICT (account_id) DO UPDATE SET
		     access_token_enc   = EXCLUDED.access_token_enc,
		     refresh_token_enc  = EXCLUDED.refresh_token_enc,
		     access_expires_at  = EXCLUDED.access_expires_at,
		     last_refresh_at    = EXCLUDED.last_refresh_at,
		     last_refresh_error = NULL,
		     needs_reconnect    = FALSE,
		     updated_at         = EXCLUDED.updated_at`,
		accountID,
		accessEnc,
		refreshEnc,
		expiry.UTC(),
		refreshedAt.UTC(),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to save credential", err)
	}
	return nil
}

func (r *CredentialRepository) seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", types.NewAppError(types.ErrCodeValidationMissingField, "token must not be empty", nil)
	}
	if security.LooksLikeCiphertext(plaintext) {
		return "", types.NewAppError(types.ErrCodeValidationTokenShape, "refusing to store a value that is already an envelope", nil)
	}
	sealed, err := r.sealer.Seal(plaintext)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalCrypto, "failed to seal token", err)
	}
	if !security.LooksLikeCiphertext(sealed) || sealed == plaintext {
		return "", types.NewAppError(types.ErrCodeInternalCrypto, "sealer returned a value that is not an envelope", nil)
	}
	return sealed, nil
}

// RecordRefreshError stores a human-readable refresh failure, sanitized for
// the text column. When
// needsReconnect is set the account is excluded from automatic refresh until
// a new token pair is saved.
func (r *CredentialRepository) RecordRefreshError(ctx context.Context, accountID, message string, needsReconnect bool, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE marketplace_credentials
		 SET last_refresh_error = $2,
		     needs_reconnect = needs_reconnect OR $3,
		     updated_at = $4
		 WHERE account_id = $1`,
		accountID,
		types.SanitizeText(message, types.MaxStoredErrorLen),
		needsReconnect,
		at.UTC(),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record refresh error", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundCredential, "credential not found", nil)
	}
	return nil
}

// ListDueForRefresh returns the ids of active accounts whose access token
// expires before the cutoff and that are not waiting for a reconnect,
// soonest expiry first.
func (r *CredentialRepository) ListDueForRefresh(ctx context.Context, before time.Time, limit int) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT c.account_id
		 FROM marketplace_credentials c
		 JOIN marketplace_accounts a ON a.id = c.account_id
		 WHERE a.active
		   AND NOT c.needs_reconnect
		   AND c.access_expires_at < $1
		 ORDER BY c.access_expires_at
		 LIMIT $2`,
		before.UTC(),
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list credentials due for refresh", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan credential id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate credentials", err)
	}
	return ids, nil
}

// ============================================================
// CredentialStore
// ============================================================

// CredentialStore adds per-account serialization to CredentialRepository.
type CredentialStore struct {
	*CredentialRepository
	tx     Transactor
	sealer security.Sealer
}

// NewCredentialStore builds a store whose plain reads and writes go through
// db and whose locked sections run in transactions opened by tx.
func NewCredentialStore(db DBTX, tx Transactor, sealer security.Sealer) *CredentialStore {
	return &CredentialStore{
		CredentialRepository: NewCredentialRepository(db, sealer),
		tx:                   tx,
		sealer:               sealer,
	}
}

// WithAccountLock runs fn in a transaction that holds the credential row lock
// for accountID. Two processes refreshing the same account queue here; the
// second sees the first one's rotated tokens. fn returning an error rolls the
// transaction back.
func (s *CredentialStore) WithAccountLock(ctx context.Context, accountID string, fn func(ctx context.Context, tx types.CredentialTx) error) error {
	return s.tx.InTx(ctx, func(tx DBTX) error {
		repo := NewCredentialRepository(tx, s.sealer)
		if _, err := repo.GetForUpdate(ctx, accountID); err != nil {
			return err
		}
		return fn(ctx, repo)
	})
}
