// Package health provides health check implementations for external
// dependencies, aggregated into the /healthz endpoint.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Checker reports whether one external dependency is reachable.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// DefaultCheckTimeout bounds each individual dependency check.
const DefaultCheckTimeout = 3 * time.Second

// Handler runs all registered checkers concurrently and reports per-check
// status. Any failing check turns the overall response into a 503.
type Handler struct {
	checkers map[string]Checker
	timeout  time.Duration
}

// NewHandler creates a health handler with the default per-check timeout.
func NewHandler() *Handler {
	return &Handler{
		checkers: make(map[string]Checker),
		timeout:  DefaultCheckTimeout,
	}
}

// Register adds a named checker. Nil checkers are ignored so optional
// dependencies can be wired unconditionally.
func (h *Handler) Register(name string, c Checker) {
	if c == nil {
		return
	}
	h.checkers[name] = c
}

type checkResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	results := make(map[string]checkResult, len(h.checkers))
	var mu sync.Mutex
	var wg sync.WaitGroup
	healthy := true

	for name, checker := range h.checkers {
		wg.Add(1)
		go func(name string, checker Checker) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()

			err := checker.HealthCheck(checkCtx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				slog.WarnContext(ctx, "health check failed", "check", name, "error", err)
				results[name] = checkResult{Status: "unhealthy", Error: err.Error()}
				healthy = false
				return
			}
			results[name] = checkResult{Status: "healthy"}
		}(name, checker)
	}
	wg.Wait()

	status := http.StatusOK
	overall := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "unhealthy"
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": overall,
		"checks": results,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
