package external

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"marketsync/internal/types"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Stub implementations
//
// Used when config.IsTestMode is true or APP_ENV=local, so the worker can run
// without marketplace credentials. They log every call and return
// deterministic data.
// ---------------------------------------------------------------------------

// StubIdentityClient implements TokenRefresher by minting random tokens.
type StubIdentityClient struct {
	lifetime time.Duration
	logger   *slog.Logger
}

// NewStubIdentityClient creates a StubIdentityClient.
func NewStubIdentityClient(lifetime time.Duration, logger *slog.Logger) *StubIdentityClient {
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	return &StubIdentityClient{lifetime: lifetime, logger: logger}
}

func (s *StubIdentityClient) Refresh(ctx context.Context, refreshToken string) (*types.TokenGrant, error) {
	s.logger.InfoContext(ctx, "stub: Refresh called")
	return &types.TokenGrant{
		AccessToken:  "stub-access-" + uuid.NewString(),
		RefreshToken: "stub-refresh-" + uuid.NewString(),
		Expiry:       time.Now().UTC().Add(s.lifetime),
	}, nil
}

// StubFetcher implements types.RemoteFetcher with one synthetic item per
// Step inside the window, aligned to Step. Item ids derive from their
// timestamps, so overlapping windows return the same items again.
type StubFetcher struct {
	Category types.APICategory
	Step     time.Duration
	PageSize int
	logger   *slog.Logger
}

// NewStubFetcher creates a StubFetcher emitting one item per hour.
func NewStubFetcher(category types.APICategory, pageSize int, logger *slog.Logger) *StubFetcher {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &StubFetcher{Category: category, Step: time.Hour, PageSize: pageSize, logger: logger}
}

func (s *StubFetcher) FetchPage(ctx context.Context, accessToken string, window types.Window, pageToken string) (*types.Page, error) {
	offset := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil || n < 0 {
			return nil, types.NewAppError(types.ErrCodeUpstreamFetchFailed, fmt.Sprintf("stub: bad page token %q", pageToken), err)
		}
		offset = n
	}

	first := window.From.Truncate(s.Step)
	if first.Before(window.From) {
		first = first.Add(s.Step)
	}
	first = first.Add(time.Duration(offset) * s.Step)

	page := &types.Page{}
	at := first
	for ; at.Before(window.To) && len(page.Items) < s.PageSize; at = at.Add(s.Step) {
		updated := at.UTC()
		id := fmt.Sprintf("%s-%d", s.Category, updated.Unix())
		payload, _ := json.Marshal(map[string]any{"id": id, "updated_at": updated, "stub": true})
		page.Items = append(page.Items, types.RemoteItem{ExternalID: id, UpdatedAt: &updated, Payload: payload})
	}
	if at.Before(window.To) {
		page.NextPageToken = strconv.Itoa(offset + len(page.Items))
	}

	s.logger.InfoContext(ctx, "stub: FetchPage called",
		"api_category", s.Category,
		"window_from", window.From,
		"window_to", window.To,
		"items", len(page.Items),
		"has_more", page.NextPageToken != "",
	)
	return page, nil
}
