package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"marketsync/internal/core"
	"marketsync/internal/types"
)

// WorkerSettings is the global workers switch.
// Implemented by db.SettingsRepository.
type WorkerSettings interface {
	WorkersEnabled(ctx context.Context) (bool, error)
	SetWorkersEnabled(ctx context.Context, enabled bool) error
}

// WorkersSetting is the body of GET and PUT /v1/admin/settings/workers.
type WorkersSetting struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

// SettingsHandler serves the workers switch. Turning it off stops scheduled
// cycles; manual runs are not affected.
type SettingsHandler struct {
	store     WorkerSettings
	validator *core.Validator
	logger    *slog.Logger
}

func NewSettingsHandler(store WorkerSettings, v *core.Validator, l *slog.Logger) *SettingsHandler {
	if l == nil {
		l = slog.Default()
	}
	return &SettingsHandler{store: store, validator: v, logger: l}
}

func (h *SettingsHandler) RegisterRoutes(r chi.Router) {
	r.Get("/admin/settings/workers", h.GetWorkers)
	r.Put("/admin/settings/workers", h.PutWorkers)
}

// GetWorkers handles GET /v1/admin/settings/workers.
func (h *SettingsHandler) GetWorkers(w http.ResponseWriter, r *http.Request) {
	enabled, err := h.store.WorkersEnabled(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: WorkersSetting{Enabled: &enabled}})
}

// PutWorkers handles PUT /v1/admin/settings/workers.
func (h *SettingsHandler) PutWorkers(w http.ResponseWriter, r *http.Request) {
	var req WorkersSetting
	if err := core.DecodeJSON(w, r, &req, false); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.store.SetWorkersEnabled(r.Context(), *req.Enabled); err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "workers switch changed",
		"enabled", *req.Enabled,
		"operator", types.GetOperator(r.Context()),
	)
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: req})
}
