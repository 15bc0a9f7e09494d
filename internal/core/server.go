// Package core provides the HTTP chassis for the marketsync admin API. It
// builds a chi router and applies the cross-cutting middleware (panic
// recovery, request IDs, logging, admin key auth) before requests reach the
// handlers in internal/api/handlers.
package core

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"marketsync/internal/config"
)

// Server holds the router and the dependencies shared by all routes.
type Server struct {
	Config       *config.Config
	Logger       *slog.Logger
	Validator    *Validator
	HealthProbes []HealthProbe

	// V1RouteRegistrars mount domain routes under /v1. They are populated by
	// the entry point so core never imports handler packages.
	V1RouteRegistrars []func(chi.Router)

	router *chi.Mux
}

// NewServer creates a Server. The caller registers routes and then calls
// MountRoutes.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	if cfg.Server.AdminAPIKey.Unmask() == "" {
		return nil, fmt.Errorf("admin api key must not be empty")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux.
func (s *Server) Router() *chi.Mux {
	return s.router
}
