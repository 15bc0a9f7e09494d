package external

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"marketsync/internal/security"
	"marketsync/internal/types"

	"golang.org/x/oauth2"
)

// IdentityClientConfig configures the refresh-token grant against the
// marketplace identity endpoint.
type IdentityClientConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	// DefaultLifetime is applied when the response carries no expires_in.
	DefaultLifetime time.Duration
	Logger          *slog.Logger
}

// IdentityClient exchanges refresh tokens for new token pairs.
type IdentityClient struct {
	conf            *oauth2.Config
	httpClient      *http.Client
	defaultLifetime time.Duration
	logger          *slog.Logger
	now             func() time.Time
}

// NewIdentityClient builds an IdentityClient. httpClient should end in a
// guarded transport (see security.NewGuardedHTTPClient); production wraps
// that in a retrying BaseClient. It is handed to oauth2 through the request
// context.
func NewIdentityClient(httpClient *http.Client, cfg IdentityClientConfig) *IdentityClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lifetime := cfg.DefaultLifetime
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	return &IdentityClient{
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient:      httpClient,
		defaultLifetime: lifetime,
		logger:          logger,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// Refresh performs one refresh_token grant. refreshToken must be plaintext.
//
// A non-2xx answer is returned as an AppError wrapping a
// *types.RefreshRejectedError; invalid_grant, 401 and 403 are classified as
// revoked. Transport failures are credential_refresh_rejected without a
// RefreshRejectedError in the chain.
func (c *IdentityClient) Refresh(ctx context.Context, refreshToken string) (*types.TokenGrant, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	tok, err := c.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, c.classify(err)
	}

	grant := &types.TokenGrant{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry.UTC(),
	}
	if grant.RefreshToken == "" {
		// Non-rotating providers omit refresh_token; the old one stays valid.
		grant.RefreshToken = refreshToken
	}
	if tok.Expiry.IsZero() {
		grant.Expiry = c.now().Add(c.defaultLifetime)
	}
	return grant, nil
}

func (c *IdentityClient) classify(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		revoked := retrieveErr.ErrorCode == "invalid_grant" ||
			status == http.StatusUnauthorized ||
			status == http.StatusForbidden

		rejected := types.NewRefreshRejectedError(status, string(retrieveErr.Body), revoked)
		code := types.ErrCodeCredentialRefreshRejected
		if revoked {
			code = types.ErrCodeCredentialRefreshRevoked
		}
		c.logger.Warn("token refresh rejected",
			"status", status,
			"error_code", retrieveErr.ErrorCode,
			"revoked", revoked,
		)
		return types.NewAppErrorWithDetails(code, fmt.Sprintf("identity endpoint rejected refresh (%d)", status), rejected, map[string]any{
			"status": status,
		})
	}

	if errors.Is(err, security.ErrCiphertextOutbound) {
		return types.NewAppError(types.ErrCodeCredentialDecryptFailed, "refused to send an encrypted refresh token", err)
	}
	if errors.Is(err, context.Canceled) {
		return types.NewAppError(types.ErrCodeSyncCancelled, "token refresh cancelled", err)
	}
	return types.NewAppError(types.ErrCodeCredentialRefreshRejected, "token refresh request failed", err)
}
