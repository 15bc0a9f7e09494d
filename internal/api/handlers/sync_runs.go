// Package handlers contains the admin API handlers. Each handler declares
// the narrow interfaces it consumes and mounts its routes through
// RegisterRoutes; the entry point wires them into core.Server.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"marketsync/internal/core"
	"marketsync/internal/types"
)

// ManualRunner starts immediate sync runs. Implemented by scheduler.Scheduler.
type ManualRunner interface {
	RunOnce(ctx context.Context, accountID string, category types.APICategory) ([]types.RunResult, error)
}

// TriggerSyncRequest is the body of POST /v1/admin/sync/runs. Both fields are
// optional; empty means "all".
type TriggerSyncRequest struct {
	AccountID   string            `json:"account_id,omitempty" validate:"omitempty,max=128"`
	APICategory types.APICategory `json:"api_category,omitempty" validate:"omitempty,max=64"`
}

// TriggerSyncResponse reports every dispatched key. Errors lists storage
// failures that left some keys without a result.
type TriggerSyncResponse struct {
	Results   []types.RunResult `json:"results"`
	Completed int               `json:"completed"`
	Failed    int               `json:"failed"`
	Skipped   int               `json:"skipped"`
	Errors    []string          `json:"errors,omitempty"`
}

// SyncRunHandler serves the manual sync trigger.
type SyncRunHandler struct {
	runner    ManualRunner
	validator *core.Validator
	logger    *slog.Logger
}

func NewSyncRunHandler(runner ManualRunner, v *core.Validator, l *slog.Logger) *SyncRunHandler {
	if l == nil {
		l = slog.Default()
	}
	return &SyncRunHandler{runner: runner, validator: v, logger: l}
}

func (h *SyncRunHandler) RegisterRoutes(r chi.Router) {
	r.Post("/admin/sync/runs", h.Trigger)
}

// Trigger handles POST /v1/admin/sync/runs. The request blocks until every
// selected run has finished.
//
//  1. Decode and validate the optional selection.
//  2. RunOnce with the manual trigger.
//  3. If nothing ran and RunOnce failed, return its error (unknown category,
//     missing or inactive account, listing failure).
//  4. Otherwise return 200 with per-key results and any partial errors.
func (h *SyncRunHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	var req TriggerSyncRequest
	if err := core.DecodeJSON(w, r, &req, true); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "manual sync requested",
		"account_id", req.AccountID,
		"api_category", req.APICategory,
		"operator", types.GetOperator(r.Context()),
	)

	results, err := h.runner.RunOnce(r.Context(), req.AccountID, req.APICategory)
	if err != nil && len(results) == 0 {
		core.Error(w, r, err)
		return
	}

	resp := TriggerSyncResponse{Results: results}
	if resp.Results == nil {
		resp.Results = []types.RunResult{}
	}
	for _, res := range results {
		switch res.Outcome {
		case types.OutcomeCompleted:
			resp.Completed++
		case types.OutcomeFailed:
			resp.Failed++
		case types.OutcomeSkipped:
			resp.Skipped++
		}
	}
	if err != nil {
		h.logger.WarnContext(r.Context(), "manual sync finished with errors", "error", err)
		resp.Errors = []string{err.Error()}
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: resp})
}
