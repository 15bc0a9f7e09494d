package external

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"marketsync/internal/security"
	"marketsync/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFetcher(t *testing.T, baseURL string) *HTTPFetcher {
	t.Helper()
	base := NewBaseClient(security.NewGuardedHTTPClient(5*time.Second), "test-fetch", NoRetryPolicy(), UserAgent, WithSleepFunc(noopSleep))
	return NewHTTPFetcher(base, HTTPFetcherConfig{
		BaseURL:  baseURL + "/",
		Path:     "/orders",
		PageSize: 50,
		Logger:   testLogger(),
	})
}

var testWindow = types.Window{
	From: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	To:   time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC),
}

func TestFetchPage_BuildsRequestAndDecodesItems(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/orders", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "2026-04-01T00:00:00Z", q.Get("updated_from"))
		assert.Equal(t, "2026-04-02T00:00:00Z", q.Get("updated_to"))
		assert.Equal(t, "50", q.Get("limit"))
		assert.Equal(t, "cursor-2", q.Get("page_token"))
		assert.Equal(t, "Bearer plain-access-token-123", r.Header.Get("Authorization"))
		assert.Equal(t, UserAgent, r.Header.Get("User-Agent"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"items":[
			{"id":"ord-1","updated_at":"2026-04-01T10:00:00Z","total":12.5},
			{"id":4821,"status":"shipped"}
		],"next_page_token":"cursor-3"}`))
	}))
	defer srv.Close()

	page, err := newTestFetcher(t, srv.URL).FetchPage(context.Background(), "plain-access-token-123", testWindow, "cursor-2")
	require.NoError(t, err)

	require.Len(t, page.Items, 2)
	assert.Equal(t, "cursor-3", page.NextPageToken)

	assert.Equal(t, "ord-1", page.Items[0].ExternalID)
	require.NotNil(t, page.Items[0].UpdatedAt)
	assert.Equal(t, time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC), page.Items[0].UpdatedAt.UTC())
	assert.Contains(t, string(page.Items[0].Payload), `"total":12.5`)

	assert.Equal(t, "4821", page.Items[1].ExternalID)
	assert.Nil(t, page.Items[1].UpdatedAt)
}

func TestFetchPage_LastPageHasNoToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.Query().Get("page_token"))
		w.Write([]byte(`{"items":[]}`))
	}))
	defer srv.Close()

	page, err := newTestFetcher(t, srv.URL).FetchPage(context.Background(), "plain-access-token-123", testWindow, "")
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.Empty(t, page.NextPageToken)
}

func TestFetchPage_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   types.ErrorCode
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":"expired"}`, types.ErrCodeUpstreamFetchFailed},
		{"bad json", http.StatusOK, `{"items":`, types.ErrCodeUpstreamFetchFailed},
		{"item without id", http.StatusOK, `{"items":[{"name":"x"}]}`, types.ErrCodeUpstreamFetchFailed},
		{"server error", http.StatusServiceUnavailable, ``, types.ErrCodeUpstreamUnavailable},
		{"rate limited", http.StatusTooManyRequests, ``, types.ErrCodeUpstreamRateLimited},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			page, err := newTestFetcher(t, srv.URL).FetchPage(context.Background(), "plain-access-token-123", testWindow, "")
			require.Error(t, err)
			assert.Nil(t, page)
			assert.Equal(t, tt.want, types.CodeOf(err))
		})
	}
}

func TestFetchPage_ErrorBodyIsValidText(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"rune straddles cut", strings.Repeat("a", 199) + "é ошибка"},
		{"nul byte", "bad\x00request"},
		{"invalid utf8", "bad\xff\xferequest"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := newTestFetcher(t, srv.URL).FetchPage(context.Background(), "plain-access-token-123", testWindow, "")
			require.Error(t, err)
			assert.Equal(t, types.ErrCodeUpstreamFetchFailed, types.CodeOf(err))
			assert.True(t, utf8.ValidString(err.Error()), "message must be valid UTF-8: %q", err.Error())
			assert.NotContains(t, err.Error(), "\x00")
		})
	}
}

func TestFetchPage_RefusesEnvelopeToken(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	_, err := newTestFetcher(t, srv.URL).FetchPage(context.Background(), "enc:v1:Zm9vYmFy", testWindow, "")
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeCredentialDecryptFailed, types.CodeOf(err))
	assert.Equal(t, int32(0), hits.Load())
}

func TestFetchPage_PageTimeoutFromContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := newTestFetcher(t, srv.URL).FetchPage(ctx, "plain-access-token-123", testWindow, "")
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeUpstreamFetchFailed, types.CodeOf(err))
}

func TestDecodeItem(t *testing.T) {
	item, err := decodeItem([]byte(`{"id":"  a b ","x":1}`))
	require.NoError(t, err)
	assert.Equal(t, "  a b ", item.ExternalID)

	_, err = decodeItem([]byte(`{"id":null}`))
	assert.Error(t, err)

	_, err = decodeItem([]byte(`{"id":""}`))
	assert.Error(t, err)
}
