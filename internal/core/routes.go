package core

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"marketsync/internal/types"
)

// defaultRequestTimeout bounds request contexts. Manual sync runs triggered
// over HTTP inherit it, so it must leave room for a full run.
const defaultRequestTimeout = 15 * time.Minute

// defaultRedactedHeaders lists header names whose values are masked in
// request logs.
var defaultRedactedHeaders = []string{
	"Authorization",
	"Cookie",
	adminKeyHeader,
}

// MountRoutes registers the middleware chain, the public health check and
// the admin-key protected /v1 group.
func (s *Server) MountRoutes() {
	s.registerGlobalMiddleware()

	s.router.Get("/health", s.HandleHealth)

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(s.AdminKeyAuth)
		for _, registrar := range s.V1RouteRegistrars {
			registrar(r)
		}
	})
}

// registerGlobalMiddleware applies middleware in order:
//  1. Recoverer       - outermost so every panic becomes a 500.
//  2. ContextTimeout  - bounds request work.
//  3. RequestID       - correlation ID for logs and the response header.
//  4. SecurityHeaders - present on every response, errors included.
//  5. RequestLogger   - structured access log with redacted headers.
func (s *Server) registerGlobalMiddleware() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(defaultRequestTimeout))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(SecurityHeadersMiddleware)
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders))
}

// ContextTimeoutMiddleware sets a deadline on the request context.
func ContextTimeoutMiddleware(duration time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), duration)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestIDMiddleware reuses the caller's X-Request-Id or generates one,
// stores it in the context and echoes it on the response.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		ctx := types.WithRequestID(r.Context(), requestID)
		w.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
