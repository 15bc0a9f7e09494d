package core

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// healthCheckTimeout bounds all probes together.
const healthCheckTimeout = 2 * time.Second

// HealthProbe checks one dependency the process cannot work without.
type HealthProbe interface {
	Name() string
	Check(ctx context.Context) error
}

// PingProbe adapts a ping function, such as pgxpool.Pool.Ping, to a
// HealthProbe.
type PingProbe struct {
	ProbeName string
	Ping      func(ctx context.Context) error
}

func (p PingProbe) Name() string { return p.ProbeName }

func (p PingProbe) Check(ctx context.Context) error { return p.Ping(ctx) }

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// HandleHealth runs every probe concurrently under a shared deadline. It
// returns 200 when all pass and 503 when any fails or times out. It is
// public and mounted at GET /health.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{Status: "healthy", Version: s.Config.Build.Version}
	if len(s.HealthProbes) == 0 {
		JSON(w, r, http.StatusOK, resp)
		return
	}

	var (
		mu      sync.Mutex
		results = make(map[string]error, len(s.HealthProbes))
		wg      sync.WaitGroup
	)
	for _, probe := range s.HealthProbes {
		wg.Add(1)
		go func(p HealthProbe) {
			defer wg.Done()

			var err error
			func() {
				defer func() {
					if rvr := recover(); rvr != nil {
						err = fmt.Errorf("probe panicked: %v", rvr)
					}
				}()
				err = p.Check(ctx)
			}()

			mu.Lock()
			results[p.Name()] = err
			mu.Unlock()
		}(probe)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()

	resp.Components = make(map[string]componentStatus, len(s.HealthProbes))
	healthy := true
	for _, probe := range s.HealthProbes {
		name := probe.Name()
		err, finished := results[name]
		switch {
		case !finished:
			healthy = false
			resp.Components[name] = componentStatus{Status: "unhealthy", Message: "health check timed out"}
		case err != nil:
			healthy = false
			resp.Components[name] = componentStatus{Status: "unhealthy", Message: err.Error()}
		default:
			resp.Components[name] = componentStatus{Status: "healthy"}
		}
	}

	if !healthy {
		resp.Status = "unhealthy"
		JSON(w, r, http.StatusServiceUnavailable, resp)
		return
	}
	JSON(w, r, http.StatusOK, resp)
}
