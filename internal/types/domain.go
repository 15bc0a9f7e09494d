package types

import (
	"encoding/json"
	"time"
)

// Account is one connected external-marketplace identity.
type Account struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	ExternalUserID string    `json:"external_user_id"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Credential is the encrypted token pair bound to one Account. The token
// fields always hold ciphertext envelopes; decryption belongs to the token
// pipeline.
type Credential struct {
	AccountID        string     `json:"account_id"`
	AccessTokenEnc   string     `json:"-"`
	RefreshTokenEnc  string     `json:"-"`
	AccessExpiresAt  time.Time  `json:"access_expires_at"`
	LastRefreshAt    *time.Time `json:"last_refresh_at,omitempty"`
	LastRefreshError *string    `json:"last_refresh_error,omitempty"`
	NeedsReconnect   bool       `json:"needs_reconnect"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// AccessValidAt reports whether the stored access token is still usable at
// the given instant with the given safety margin.
func (c *Credential) AccessValidAt(at time.Time, margin time.Duration) bool {
	return c.AccessExpiresAt.After(at.Add(margin))
}

// SyncKey identifies one (account, api-category) pair.
type SyncKey struct {
	AccountID string      `json:"account_id"`
	Category  APICategory `json:"api_category"`
}

// String renders the key for logs and lock names.
func (k SyncKey) String() string {
	return k.AccountID + "/" + string(k.Category)
}

// SyncState is the per-key cursor row. A nil Cursor means never synced.
type SyncState struct {
	AccountID      string      `json:"account_id"`
	Category       APICategory `json:"api_category"`
	Cursor         *time.Time  `json:"cursor,omitempty"`
	Enabled        bool        `json:"enabled"`
	LastRunAt      *time.Time  `json:"last_run_at,omitempty"`
	LastError      *string     `json:"last_error,omitempty"`
	LastWindowFrom *time.Time  `json:"last_window_from,omitempty"`
	LastWindowTo   *time.Time  `json:"last_window_to,omitempty"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Key returns the state's SyncKey.
func (s SyncState) Key() SyncKey {
	return SyncKey{AccountID: s.AccountID, Category: s.Category}
}

// Window is a half-open fetch interval [From, To).
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Duration returns To - From.
func (w Window) Duration() time.Duration {
	return w.To.Sub(w.From)
}

// RunSummary is the structured summary stored on a RunRecord. On failure the
// counts are partial and informational only.
type RunSummary struct {
	ItemsFetched int       `json:"items_fetched"`
	ItemsStored  int       `json:"items_stored"`
	PagesFetched int       `json:"pages_fetched"`
	WindowFrom   time.Time `json:"window_from"`
	WindowTo     time.Time `json:"window_to"`
	ErrorKind    ErrorCode `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// RunRecord is one execution attempt of a Worker.
type RunRecord struct {
	ID         string      `json:"id"`
	AccountID  string      `json:"account_id"`
	Category   APICategory `json:"api_category"`
	Status     RunStatus   `json:"status"`
	Trigger    RunTrigger  `json:"trigger"`
	WorkerID   string      `json:"worker_id"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Summary    RunSummary  `json:"summary"`
}

// Key returns the run's SyncKey.
func (r *RunRecord) Key() SyncKey {
	return SyncKey{AccountID: r.AccountID, Category: r.Category}
}

// RunResult is what a Worker invocation returns to the Scheduler and the
// admin trigger.
type RunResult struct {
	Key     SyncKey    `json:"key"`
	RunID   string     `json:"run_id,omitempty"`
	Outcome RunOutcome `json:"outcome"`
	Summary RunSummary `json:"summary"`
}

// HeartbeatRecord is the durable liveness and configuration row of a loop.
type HeartbeatRecord struct {
	Name                 string     `json:"name"`
	Enabled              bool       `json:"enabled"`
	IntervalSeconds      int        `json:"interval_seconds"`
	LastStartedAt        *time.Time `json:"last_started_at,omitempty"`
	LastFinishedAt       *time.Time `json:"last_finished_at,omitempty"`
	LastStatus           LoopStatus `json:"last_status,omitempty"`
	LastError            *string    `json:"last_error,omitempty"`
	ConsecutiveSuccesses int        `json:"consecutive_successes"`
	ConsecutiveErrors    int        `json:"consecutive_errors"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// Interval returns the configured tick interval.
func (h *HeartbeatRecord) Interval() time.Duration {
	return time.Duration(h.IntervalSeconds) * time.Second
}

// RemoteItem is one opaque record returned by a remote fetch.
type RemoteItem struct {
	ExternalID string          `json:"id"`
	UpdatedAt  *time.Time      `json:"updated_at,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// Page is one page of a paginated remote fetch. An empty NextPageToken means
// the result set is exhausted.
type Page struct {
	Items         []RemoteItem
	NextPageToken string
}

// SyncEvent is the best-effort notification emitted after every finished run.
type SyncEvent struct {
	RunID      string      `json:"run_id"`
	AccountID  string      `json:"account_id"`
	Category   APICategory `json:"api_category"`
	Outcome    RunOutcome  `json:"outcome"`
	Trigger    RunTrigger  `json:"trigger"`
	Summary    RunSummary  `json:"summary"`
	OccurredAt time.Time   `json:"occurred_at"`
}

// TokenGrant is a fresh token pair returned by the identity endpoint. Values
// are plaintext and must be sealed before they are persisted.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}
