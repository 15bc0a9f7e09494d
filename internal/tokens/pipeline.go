// Package tokens produces plaintext marketplace access tokens from the
// encrypted credential store, refreshing them through the identity endpoint
// when they are near expiry.
//
// Every value read from the store goes through reveal, which decrypts and
// then checks the result before it can reach a request:
//
//   - check A: the output must not still look like an envelope. Permissive
//     decrypt helpers return their input on failure; that value would be
//     sent upstream verbatim and come back as an unexplained 401.
//   - check B: the output must match the marketplace's plaintext token shape.
//
// Both checks fail with credential_decrypt_failed before any network call.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"marketsync/internal/security"
	"marketsync/internal/types"
)

// CredentialStore is the subset of db.CredentialStore the pipeline needs.
type CredentialStore interface {
	Get(ctx context.Context, accountID string) (*types.Credential, error)
	RecordRefreshError(ctx context.Context, accountID, message string, needsReconnect bool, at time.Time) error
	// WithAccountLock runs fn while holding the per-account credential lock.
	// An error from fn rolls back everything fn wrote.
	WithAccountLock(ctx context.Context, accountID string, fn func(ctx context.Context, tx types.CredentialTx) error) error
}

// IdentityRefresher performs the refresh_token grant.
type IdentityRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*types.TokenGrant, error)
}

// PipelineConfig holds the dependencies for creating a Pipeline.
type PipelineConfig struct {
	Store         CredentialStore
	Sealer        security.Sealer
	Shape         *security.TokenShape
	Identity      IdentityRefresher
	RefreshMargin time.Duration
	Clock         types.Clock
	Logger        *slog.Logger
}

// Pipeline resolves plaintext access tokens. It is safe for concurrent use;
// refreshes of the same account are serialized by the store's account lock.
type Pipeline struct {
	store    CredentialStore
	sealer   security.Sealer
	shape    *security.TokenShape
	identity IdentityRefresher
	margin   time.Duration
	clock    types.Clock
	logger   *slog.Logger
}

// NewPipeline creates a Pipeline. A nil Shape uses security.DefaultTokenPattern.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	shape := cfg.Shape
	if shape == nil {
		shape = security.MustTokenShape(security.DefaultTokenPattern)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:    cfg.Store,
		sealer:   cfg.Sealer,
		shape:    shape,
		identity: cfg.Identity,
		margin:   cfg.RefreshMargin,
		clock:    clock,
		logger:   logger,
	}
}

// AccessToken returns a plaintext access token valid for at least the
// refresh margin:
//  1. Load the credential. An account flagged needs_reconnect fails fast.
//  2. If the stored access token outlives now+margin, reveal and return it.
//  3. Otherwise refresh under the account lock.
func (p *Pipeline) AccessToken(ctx context.Context, accountID string) (string, error) {
	cred, err := p.store.Get(ctx, accountID)
	if err != nil {
		return "", err
	}
	if cred.NeedsReconnect {
		return "", reconnectError(cred)
	}

	now := p.clock.Now()
	if cred.AccessValidAt(now, p.margin) {
		access, err := p.reveal(cred.AccessTokenEnc, "access")
		if err != nil {
			p.recordFailure(ctx, accountID, err)
			return "", err
		}
		return access, nil
	}

	return p.refresh(ctx, accountID, now.Add(p.margin))
}

// Refresh forces the refresh path for accountID unless another caller
// refreshed it past the margin while this one waited for the lock.
func (p *Pipeline) Refresh(ctx context.Context, accountID string) (string, error) {
	return p.refresh(ctx, accountID, p.clock.Now().Add(p.margin))
}

// refresh runs the refresh grant under the account lock unless the locked
// credential already outlives horizon.
func (p *Pipeline) refresh(ctx context.Context, accountID string, horizon time.Time) (string, error) {
	var access string

	err := p.store.WithAccountLock(ctx, accountID, func(ctx context.Context, tx types.CredentialTx) error {
		cred, err := tx.GetForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		if cred.NeedsReconnect {
			return reconnectError(cred)
		}

		if cred.AccessExpiresAt.After(horizon) {
			access, err = p.reveal(cred.AccessTokenEnc, "access")
			return err
		}

		refreshToken, err := p.reveal(cred.RefreshTokenEnc, "refresh")
		if err != nil {
			return err
		}

		grant, err := p.identity.Refresh(ctx, refreshToken)
		if err != nil {
			return err
		}
		if !p.shape.Matches(grant.AccessToken) || !p.shape.Matches(grant.RefreshToken) {
			return types.NewAppError(types.ErrCodeCredentialRefreshRejected, "identity endpoint returned a token of unexpected shape", nil)
		}

		if err := tx.Save(ctx, accountID, grant.AccessToken, grant.RefreshToken, grant.Expiry, p.clock.Now()); err != nil {
			// The old refresh token may already be rotated out upstream.
			p.logger.ErrorContext(ctx, "failed to persist refreshed credential",
				"account_id", accountID,
				"error", err,
			)
			return err
		}

		access = grant.AccessToken
		return nil
	})
	if err != nil {
		p.recordFailure(ctx, accountID, err)
		return "", err
	}

	p.logger.InfoContext(ctx, "access token ready", "account_id", accountID)
	return access, nil
}

// reveal decrypts envelope and applies checks A and B. Neither the input nor
// the output appears in returned errors.
func (p *Pipeline) reveal(envelope, which string) (string, error) {
	plain, err := p.sealer.Open(envelope)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeCredentialDecryptFailed, fmt.Sprintf("%s token did not decrypt", which), err)
	}

	if plain == envelope || security.ContainsCiphertext(plain) {
		return "", types.NewAppError(types.ErrCodeCredentialDecryptFailed, fmt.Sprintf("%s token decrypt returned ciphertext", which), nil)
	}

	if !p.shape.Matches(plain) {
		return "", types.NewAppError(types.ErrCodeCredentialDecryptFailed, fmt.Sprintf("%s token decrypt produced an unexpected shape", which), nil)
	}

	return plain, nil
}

// recordFailure writes last_refresh_error outside the account lock, which
// has already rolled back. Lookups of missing rows and cancellations are not
// credential faults and are not recorded.
func (p *Pipeline) recordFailure(ctx context.Context, accountID string, cause error) {
	code := types.CodeOf(cause)
	switch code {
	case types.ErrCodeNotFoundCredential, types.ErrCodeSyncCancelled, types.ErrCodeCredentialNeedsReconnect:
		return
	}

	message := cause.Error()
	var rejected *types.RefreshRejectedError
	if errors.As(cause, &rejected) {
		message = fmt.Sprintf("%s (%s)", message, rejected.Error())
	}

	p.logger.WarnContext(ctx, "credential refresh failed",
		"account_id", accountID,
		"error_kind", code,
		"needs_reconnect", code.NeedsReconnect(),
	)

	recordCtx := context.WithoutCancel(ctx)
	if err := p.store.RecordRefreshError(recordCtx, accountID, message, code.NeedsReconnect(), p.clock.Now()); err != nil {
		p.logger.ErrorContext(ctx, "failed to record refresh error",
			"account_id", accountID,
			"error", err,
		)
	}
}

func reconnectError(cred *types.Credential) error {
	msg := "account needs reconnect"
	if cred.LastRefreshError != nil {
		msg = fmt.Sprintf("account needs reconnect: %s", *cred.LastRefreshError)
	}
	return types.NewAppError(types.ErrCodeCredentialNeedsReconnect, msg, nil)
}
