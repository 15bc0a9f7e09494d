package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"marketsync/internal/core"
	"marketsync/internal/types"
)

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 200
)

// --- Service Interfaces ---

// AccountLookup resolves an account. Implemented by db.AccountRepository.
type AccountLookup interface {
	Get(ctx context.Context, id string) (*types.Account, error)
}

// SyncStateStore lists and toggles sync states.
// Implemented by db.SyncStateRepository.
type SyncStateStore interface {
	ListForAccount(ctx context.Context, accountID string) ([]types.SyncState, error)
	SetEnabled(ctx context.Context, key types.SyncKey, enabled bool) error
}

// CredentialLookup reads the stored credential row without decrypting it.
// Implemented by db.CredentialRepository.
type CredentialLookup interface {
	Get(ctx context.Context, accountID string) (*types.Credential, error)
}

// RunHistory lists past runs. Implemented by db.RunLedger.
type RunHistory interface {
	ListRuns(ctx context.Context, accountID string, category types.APICategory, limit int) ([]types.RunRecord, error)
}

// CategorySet lists the categories the process can sync.
// Implemented by external.FetcherRegistry.
type CategorySet interface {
	Categories() []types.APICategory
}

// --- Request/Response Models ---

// CredentialHealth is the operator view of a credential. Token material is
// never included.
type CredentialHealth struct {
	Present          bool       `json:"present"`
	AccessExpiresAt  *time.Time `json:"access_expires_at,omitempty"`
	LastRefreshAt    *time.Time `json:"last_refresh_at,omitempty"`
	LastRefreshError *string    `json:"last_refresh_error,omitempty"`
	NeedsReconnect   bool       `json:"needs_reconnect"`
}

// AccountSyncResponse is returned by GET /v1/admin/accounts/{id}/sync.
type AccountSyncResponse struct {
	Account    types.Account     `json:"account"`
	States     []types.SyncState `json:"sync_states"`
	Credential CredentialHealth  `json:"credential"`
}

// SetSyncEnabledRequest is the body of
// PATCH /v1/admin/accounts/{id}/sync/{category}.
type SetSyncEnabledRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

// --- Handler ---

// AccountSyncHandler serves per-account sync state, credential health and
// run history.
type AccountSyncHandler struct {
	accounts    AccountLookup
	states      SyncStateStore
	credentials CredentialLookup
	runs        RunHistory
	categories  CategorySet
	validator   *core.Validator
	logger      *slog.Logger
}

func NewAccountSyncHandler(
	accounts AccountLookup,
	states SyncStateStore,
	credentials CredentialLookup,
	runs RunHistory,
	categories CategorySet,
	v *core.Validator,
	l *slog.Logger,
) *AccountSyncHandler {
	if l == nil {
		l = slog.Default()
	}
	return &AccountSyncHandler{
		accounts:    accounts,
		states:      states,
		credentials: credentials,
		runs:        runs,
		categories:  categories,
		validator:   v,
		logger:      l,
	}
}

func (h *AccountSyncHandler) RegisterRoutes(r chi.Router) {
	r.Route("/admin/accounts/{id}", func(r chi.Router) {
		r.Get("/sync", h.GetSync)
		r.Patch("/sync/{category}", h.SetSyncEnabled)
		r.Get("/runs", h.ListRuns)
	})
}

// GetSync handles GET /v1/admin/accounts/{id}/sync.
//
// A missing credential row is reported as present=false rather than an
// error: the account exists but was never connected.
func (h *AccountSyncHandler) GetSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := chi.URLParam(r, "id")

	account, err := h.accounts.Get(ctx, accountID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	states, err := h.states.ListForAccount(ctx, accountID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if states == nil {
		states = []types.SyncState{}
	}

	var health CredentialHealth
	cred, err := h.credentials.Get(ctx, accountID)
	switch {
	case types.CodeOf(err) == types.ErrCodeNotFoundCredential:
		health.NeedsReconnect = true
	case err != nil:
		core.Error(w, r, err)
		return
	default:
		expires := cred.AccessExpiresAt
		health = CredentialHealth{
			Present:          true,
			AccessExpiresAt:  &expires,
			LastRefreshAt:    cred.LastRefreshAt,
			LastRefreshError: cred.LastRefreshError,
			NeedsReconnect:   cred.NeedsReconnect,
		}
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: AccountSyncResponse{
		Account:    *account,
		States:     states,
		Credential: health,
	}})
}

// SetSyncEnabled handles PATCH /v1/admin/accounts/{id}/sync/{category}.
// Disabling a key only removes it from scheduled cycles; a manual run that
// names the category still executes.
func (h *AccountSyncHandler) SetSyncEnabled(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := chi.URLParam(r, "id")

	category, err := h.parseCategory(chi.URLParam(r, "category"))
	if err != nil {
		core.Error(w, r, err)
		return
	}

	var req SetSyncEnabledRequest
	if err := core.DecodeJSON(w, r, &req, false); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	if _, err := h.accounts.Get(ctx, accountID); err != nil {
		core.Error(w, r, err)
		return
	}

	key := types.SyncKey{AccountID: accountID, Category: category}
	if err := h.states.SetEnabled(ctx, key, *req.Enabled); err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "sync state toggled",
		"account_id", accountID,
		"api_category", category,
		"enabled", *req.Enabled,
		"operator", types.GetOperator(ctx),
	)
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]any{
		"account_id":   accountID,
		"api_category": category,
		"enabled":      *req.Enabled,
	}})
}

// ListRuns handles GET /v1/admin/accounts/{id}/runs?api_category=&limit=.
func (h *AccountSyncHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := chi.URLParam(r, "id")
	q := r.URL.Query()

	var category types.APICategory
	if raw := q.Get("api_category"); raw != "" {
		c, err := h.parseCategory(raw)
		if err != nil {
			core.Error(w, r, err)
			return
		}
		category = c
	}

	limit := defaultRunsLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxRunsLimit {
			core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidInput,
				fmt.Sprintf("limit must be between 1 and %d", maxRunsLimit), err,
				map[string]any{"field": "limit"}))
			return
		}
		limit = n
	}

	if _, err := h.accounts.Get(ctx, accountID); err != nil {
		core.Error(w, r, err)
		return
	}

	runs, err := h.runs.ListRuns(ctx, accountID, category, limit)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if runs == nil {
		runs = []types.RunRecord{}
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: runs})
}

func (h *AccountSyncHandler) parseCategory(raw string) (types.APICategory, error) {
	category := types.APICategory(raw)
	if !slices.Contains(h.categories.Categories(), category) {
		return "", types.NewAppError(types.ErrCodeValidationUnknownCategory,
			fmt.Sprintf("unknown api category %q", raw), nil)
	}
	return category, nil
}
