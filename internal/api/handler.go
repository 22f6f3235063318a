// Package api provides the HTTP handlers for the planning service.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/orbitalops/dbagent/internal/config"
	"github.com/orbitalops/dbagent/internal/shared"
	"github.com/orbitalops/dbagent/internal/store"
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

// ErrorFrom maps a service error onto an HTTP status and writes it.
func ErrorFrom(w http.ResponseWriter, err error) {
	code := shared.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case shared.CodeValidation:
		status = http.StatusBadRequest
	case shared.CodeSecurity:
		status = http.StatusForbidden
	case shared.CodeNotFound:
		status = http.StatusNotFound
	case shared.CodeBusy:
		status = http.StatusConflict
	case shared.CodeTimeout:
		status = http.StatusGatewayTimeout
	case shared.CodeUpstream:
		status = http.StatusBadGateway
	}
	JSON(w, status, map[string]string{"error": err.Error(), "code": string(code)})
}

// RateLimiter implements a per-user rate limiter.
// The key is userID only — not userID:sessionID — so clients cannot bypass
// throttling by rotating session IDs.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a new rate limiter and starts the background eviction goroutine.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
	rl.startEviction()
	return rl
}

// Allow checks if a request is allowed for the given key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// startEviction runs a background goroutine that periodically removes expired
// keys from the requests map, preventing unbounded memory growth.
func (r *RateLimiter) startEviction() {
	go func() {
		ticker := time.NewTicker(r.window)
		defer ticker.Stop()
		for range ticker.C {
			r.mu.Lock()
			cutoff := time.Now().Add(-r.window)
			for key, times := range r.requests {
				var fresh []time.Time
				for _, t := range times {
					if t.After(cutoff) {
						fresh = append(fresh, t)
					}
				}
				if len(fresh) == 0 {
					delete(r.requests, key)
				} else {
					r.requests[key] = fresh
				}
			}
			r.mu.Unlock()
		}
	}()
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo store.Repository
	db   interface{ Ping(context.Context) error }
	cfg  *config.Config
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(repo store.Repository, db interface{ Ping(context.Context) error }, cfg *config.Config) *HealthHandler {
	return &HealthHandler{repo: repo, db: db, cfg: cfg}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := map[string]interface{}{
		"status": "healthy",
		"checks": map[string]string{"api": "ok"},
	}
	statusCode := http.StatusOK
	checks := status["checks"].(map[string]string)

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "component", "store", "error", err)
		status["status"] = "degraded"
		checks["store"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["store"] = "ok"
	}

	if err := h.db.Ping(ctx); err != nil {
		slog.Error("Health check failed", "component", "target_db", "error", err)
		status["status"] = "degraded"
		checks["target_db"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["target_db"] = "ok"
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
