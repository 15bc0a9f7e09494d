package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"marketsync/internal/security"
	"marketsync/internal/types"
)

// maxPageBody caps a single page response.
const maxPageBody = 16 << 20

// HTTPFetcherConfig configures one category's list endpoint.
type HTTPFetcherConfig struct {
	BaseURL  string
	Path     string
	PageSize int
	Logger   *slog.Logger
}

// HTTPFetcher implements types.RemoteFetcher against the marketplace's JSON
// list endpoints:
//
//	GET {base}{path}?updated_from=..&updated_to=..&limit=..&page_token=..
//	-> {"items":[{"id":..,"updated_at":..,...}],"next_page_token":".."}
type HTTPFetcher struct {
	base     *BaseClient
	endpoint string
	pageSize int
	logger   *slog.Logger
}

// NewHTTPFetcher builds a fetcher over base. base should use NoRetryPolicy.
func NewHTTPFetcher(base *BaseClient, cfg HTTPFetcherConfig) *HTTPFetcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPFetcher{
		base:     base,
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + "/" + strings.TrimLeft(cfg.Path, "/"),
		pageSize: cfg.PageSize,
		logger:   logger,
	}
}

type pageResponse struct {
	Items         []json.RawMessage `json:"items"`
	NextPageToken string            `json:"next_page_token"`
}

type itemHeader struct {
	ID        json.RawMessage `json:"id"`
	UpdatedAt *time.Time      `json:"updated_at"`
}

// FetchPage retrieves one page of window. accessToken must be plaintext.
func (f *HTTPFetcher) FetchPage(ctx context.Context, accessToken string, window types.Window, pageToken string) (*types.Page, error) {
	if security.ContainsCiphertext(accessToken) {
		return nil, types.NewAppError(types.ErrCodeCredentialDecryptFailed, "access token is an envelope, refusing to fetch", nil)
	}

	q := url.Values{}
	q.Set("updated_from", window.From.UTC().Format(time.RFC3339Nano))
	q.Set("updated_to", window.To.UTC().Format(time.RFC3339Nano))
	if f.pageSize > 0 {
		q.Set("limit", fmt.Sprintf("%d", f.pageSize))
	}
	if pageToken != "" {
		q.Set("page_token", pageToken)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build page request", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := f.base.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBody))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamFetchFailed, "failed to read page response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamFetchFailed,
			fmt.Sprintf("list endpoint returned %d: %s", resp.StatusCode, truncateBody(body)),
			nil,
			map[string]any{"status": resp.StatusCode},
		)
	}

	var pr pageResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamFetchFailed, "failed to decode page response", err)
	}

	page := &types.Page{
		Items:         make([]types.RemoteItem, 0, len(pr.Items)),
		NextPageToken: pr.NextPageToken,
	}
	for i, raw := range pr.Items {
		item, err := decodeItem(raw)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeUpstreamFetchFailed, fmt.Sprintf("item %d: %v", i, err), err)
		}
		page.Items = append(page.Items, item)
	}

	f.logger.Debug("fetched page",
		"endpoint", f.endpoint,
		"items", len(page.Items),
		"has_more", page.NextPageToken != "",
	)
	return page, nil
}

// decodeItem keeps the whole object as payload and lifts id and updated_at.
// Numeric and string ids are both accepted.
func decodeItem(raw json.RawMessage) (types.RemoteItem, error) {
	var h itemHeader
	if err := json.Unmarshal(raw, &h); err != nil {
		return types.RemoteItem{}, err
	}

	id := string(bytes.TrimSpace(h.ID))
	if strings.HasPrefix(id, `"`) {
		if err := json.Unmarshal(h.ID, &id); err != nil {
			return types.RemoteItem{}, err
		}
	}
	if id == "" || id == "null" {
		return types.RemoteItem{}, fmt.Errorf("missing id")
	}

	return types.RemoteItem{
		ExternalID: id,
		UpdatedAt:  h.UpdatedAt,
		Payload:    raw,
	}, nil
}

func truncateBody(body []byte) string {
	const maxLen = 200
	s := types.SanitizeText(string(body), maxLen)
	if len(body) > maxLen {
		return s + "..."
	}
	return s
}
