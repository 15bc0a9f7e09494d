package external

import (
	"context"

	"marketsync/internal/types"
)

// TokenRefresher performs the refresh_token grant against the identity
// endpoint. The refresh token passed in is always plaintext.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*types.TokenGrant, error)
}

var (
	_ TokenRefresher        = (*IdentityClient)(nil)
	_ TokenRefresher        = (*StubIdentityClient)(nil)
	_ types.RemoteFetcher   = (*HTTPFetcher)(nil)
	_ types.RemoteFetcher   = (*StubFetcher)(nil)
	_ types.FetcherRegistry = (*FetcherRegistry)(nil)
)
