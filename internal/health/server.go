// Package health exposes the daemons' health and counter state over a small
// chi-routed HTTP listener for external polling and alerting.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// probeTimeout is the maximum time allowed for all health probes to complete.
// A probe that exceeds this deadline is reported unhealthy.
const probeTimeout = 2 * time.Second

// Probe is a subsystem health check: the database pool, the broker, or the
// redrive daemon's own counters.
type Probe interface {
	// Name returns a human-readable identifier ("database", "broker", ...).
	Name() string
	// Check returns an error if the subsystem is unhealthy or unreachable.
	// It should respect the context deadline.
	Check(ctx context.Context) error
}

// Server serves GET /health (aggregate probe status) and, when Counters is
// set, GET /health/counters (raw counter snapshot).
type Server struct {
	Probes []Probe
	// Counters returns the value rendered at /health/counters, typically a
	// queue.HealthSnapshot. Optional.
	Counters func() any
	Logger   *slog.Logger
}

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// Router builds the chi router for the health endpoints.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	if s.Counters != nil {
		r.Get("/health/counters", s.handleCounters)
	}
	return r
}

// ListenAndServe runs the health listener until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("health listener: %w", err)
	}
}

// handleHealth executes all registered probes concurrently with a short
// timeout. 200 OK when every probe reports healthy, 503 otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	if len(s.Probes) == 0 {
		writeJSON(w, http.StatusOK, healthResponse{Status: "healthy"})
		return
	}

	type probeResult struct {
		name string
		err  error
	}

	var (
		mu      sync.Mutex
		results = make(map[string]probeResult, len(s.Probes))
		wg      sync.WaitGroup
	)

	for _, probe := range s.Probes {
		wg.Add(1)
		go func(p Probe) {
			defer wg.Done()
			err := p.Check(ctx)
			mu.Lock()
			results[p.Name()] = probeResult{name: p.Name(), err: err}
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
		// Timeout: probes still missing from results are marked unhealthy.
	}

	mu.Lock()
	defer mu.Unlock()

	components := make(map[string]componentStatus, len(s.Probes))
	allHealthy := true
	for _, probe := range s.Probes {
		name := probe.Name()
		result, ok := results[name]
		switch {
		case !ok:
			allHealthy = false
			components[name] = componentStatus{Status: "unhealthy", Message: "health check timed out"}
		case result.err != nil:
			allHealthy = false
			components[name] = componentStatus{Status: "unhealthy", Message: result.err.Error()}
		default:
			components[name] = componentStatus{Status: "healthy"}
		}
	}

	resp := healthResponse{Components: components}
	if allHealthy {
		resp.Status = "healthy"
		writeJSON(w, http.StatusOK, resp)
		return
	}
	resp.Status = "unhealthy"
	writeJSON(w, http.StatusServiceUnavailable, resp)
}

// handleCounters renders the raw counter snapshot.
func (s *Server) handleCounters(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Counters())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
