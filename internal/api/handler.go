// Package api provides shared HTTP helpers and the service health endpoint.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// Checker reports whether a dependency is healthy.
type Checker interface {
	Ping(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) error

// Ping calls f.
func (f CheckerFunc) Ping(ctx context.Context) error { return f(ctx) }

// Health serves GET /api/health.
type Health struct {
	checks  map[string]Checker
	timeout time.Duration
	started time.Time
}

// NewHealth creates a health handler over the named checks.
func NewHealth(checks map[string]Checker) *Health {
	return &Health{checks: checks, timeout: 2 * time.Second, started: time.Now()}
}

// ServeHTTP reports "ok" when every check passes and 503 otherwise.
func (h *Health) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	status := "ok"
	code := http.StatusOK
	results := make(map[string]string, len(h.checks))
	for name, c := range h.checks {
		if err := c.Ping(ctx); err != nil {
			results[name] = err.Error()
			status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	JSON(w, code, map[string]any{
		"status": status,
		"uptime": time.Since(h.started).Round(time.Second).String(),
		"checks": results,
	})
}
