package core

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestHandleHealth_NoProbes(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(srv, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandleHealth_AllHealthy(t *testing.T) {
	srv := newTestServer(t)
	srv.HealthProbes = []HealthProbe{
		PingProbe{ProbeName: "database", Ping: func(context.Context) error { return nil }},
	}

	rec := doRequest(srv, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Components["database"].Status != "healthy" {
		t.Errorf("expected healthy database, got %+v", resp.Components)
	}
}

func TestHandleHealth_FailingProbe(t *testing.T) {
	srv := newTestServer(t)
	srv.HealthProbes = []HealthProbe{
		PingProbe{ProbeName: "database", Ping: func(context.Context) error { return errors.New("connection refused") }},
	}

	rec := doRequest(srv, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}

	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "unhealthy" || resp.Components["database"].Message != "connection refused" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestHandleHealth_PanickingProbe(t *testing.T) {
	srv := newTestServer(t)
	srv.HealthProbes = []HealthProbe{
		PingProbe{ProbeName: "database", Ping: func(context.Context) error { panic("nil pool") }},
	}

	rec := doRequest(srv, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHandleHealth_SlowProbeTimesOut(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the health check deadline")
	}
	release := make(chan struct{})
	defer close(release)

	srv := newTestServer(t)
	srv.HealthProbes = []HealthProbe{
		PingProbe{ProbeName: "database", Ping: func(context.Context) error {
			<-release
			return nil
		}},
	}

	start := time.Now()
	rec := doRequest(srv, http.MethodGet, "/health", "", nil)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if elapsed := time.Since(start); elapsed > healthCheckTimeout+time.Second {
		t.Errorf("health check took %s", elapsed)
	}
}
