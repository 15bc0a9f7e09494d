package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"

	"marketsync/internal/core"
	"marketsync/internal/scheduler"
	"marketsync/internal/types"
)

// LoopStore reads and updates loop heartbeat rows.
// Implemented by db.HeartbeatRepository.
type LoopStore interface {
	Get(ctx context.Context, name string) (*types.HeartbeatRecord, error)
	Update(ctx context.Context, name string, enabled *bool, intervalSeconds *int) (*types.HeartbeatRecord, error)
}

// UpdateLoopRequest is the body of PATCH /v1/admin/loops/{name}. Changes are
// picked up by the loop on its next tick.
type UpdateLoopRequest struct {
	Enabled         *bool `json:"enabled,omitempty"`
	IntervalSeconds *int  `json:"interval_seconds,omitempty" validate:"omitempty,min=1,max=86400"`
}

// LoopHandler exposes the heartbeat of each background loop.
type LoopHandler struct {
	store     LoopStore
	validator *core.Validator
	logger    *slog.Logger
}

func NewLoopHandler(store LoopStore, v *core.Validator, l *slog.Logger) *LoopHandler {
	if l == nil {
		l = slog.Default()
	}
	return &LoopHandler{store: store, validator: v, logger: l}
}

func (h *LoopHandler) RegisterRoutes(r chi.Router) {
	r.Route("/admin/loops/{name}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Patch("/", h.Update)
	})
}

// Get handles GET /v1/admin/loops/{name}.
func (h *LoopHandler) Get(w http.ResponseWriter, r *http.Request) {
	record, err := scheduler.GetLoopStatus(r.Context(), h.store, chi.URLParam(r, "name"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: record})
}

// Update handles PATCH /v1/admin/loops/{name}.
func (h *LoopHandler) Update(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !slices.Contains(scheduler.KnownLoops, name) {
		core.Error(w, r, types.NewAppError(types.ErrCodeNotFoundLoop, "unknown loop "+name, nil))
		return
	}

	var req UpdateLoopRequest
	if err := core.DecodeJSON(w, r, &req, false); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}
	if req.Enabled == nil && req.IntervalSeconds == nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidInput,
			"at least one of enabled or interval_seconds is required", nil))
		return
	}

	record, err := h.store.Update(r.Context(), name, req.Enabled, req.IntervalSeconds)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "loop updated",
		"loop", name,
		"enabled", record.Enabled,
		"interval_seconds", record.IntervalSeconds,
		"operator", types.GetOperator(r.Context()),
	)
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: record})
}
