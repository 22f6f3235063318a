package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/orbitalops/dbagent/internal/agent"
	"github.com/orbitalops/dbagent/internal/config"
	"github.com/orbitalops/dbagent/internal/identity"
	"github.com/orbitalops/dbagent/internal/shared"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20 // 1MB

// PlanRequest is the body of POST /api/plan.
type PlanRequest struct {
	Question string `json:"question"`
	ThreadID string `json:"thread_id,omitempty"`
	MaxSteps int    `json:"max_steps,omitempty"`
}

// PlanHandler serves the reasoning endpoints.
type PlanHandler struct {
	engine      *agent.Engine
	rateLimiter *RateLimiter
	cfg         *config.Config
}

func NewPlanHandler(engine *agent.Engine, cfg *config.Config) *PlanHandler {
	return &PlanHandler{
		engine:      engine,
		rateLimiter: NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration),
		cfg:         cfg,
	}
}

// RegisterRoutes registers planning routes (requires identity middleware).
func (h *PlanHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/plan", func(r chi.Router) {
		r.Post("/", h.HandlePlan)
		r.Get("/stream", h.HandleStream)
		r.Get("/ws", h.HandleWS)
	})
}

// HandlePlan handles POST /api/plan requests and returns the terminal
// result once the run completes.
func (h *PlanHandler) HandlePlan(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if !h.rateLimiter.Allow(userID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	maxBodySize := int64(defaultMaxRequestBodySize)
	if h.cfg.SSE.MaxRequestBodySize > 0 {
		maxBodySize = h.cfg.SSE.MaxRequestBodySize
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var req PlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Question == "" {
		Error(w, http.StatusBadRequest, "question is required")
		return
	}

	reqID := chiMiddleware.GetReqID(r.Context())
	slog.Info("Plan request",
		"user_id", userID,
		"thread_id", req.ThreadID,
		"question_length", len(req.Question),
		"request_id", reqID,
	)

	result, err := h.engine.Run(r.Context(), agent.PlanRequest{
		ThreadID: req.ThreadID,
		UserID:   userID,
		Question: req.Question,
		MaxSteps: req.MaxSteps,
	})
	if err != nil {
		ErrorFrom(w, err)
		return
	}
	JSON(w, http.StatusOK, result)
}

// HandleStream handles GET /api/plan/stream: the same run, but progress
// is pushed as SSE events while the loop advances.
func (h *PlanHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if !h.rateLimiter.Allow(userID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	question := r.URL.Query().Get("question")
	if question == "" {
		Error(w, http.StatusBadRequest, "question is required")
		return
	}
	threadID := r.URL.Query().Get("thread_id")
	maxSteps := 0
	if raw := r.URL.Query().Get("max_steps"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			maxSteps = parsed
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	retryDelayMs := h.cfg.SSE.RetryDelay.Milliseconds()
	if _, err := io.WriteString(w, fmt.Sprintf("retry: %d\n\n", retryDelayMs)); err != nil {
		slog.Warn("failed to write SSE retry header", "error", err, "user_id", userID)
		return
	}
	flusher.Flush()

	events := make(chan agent.StreamEvent, 16)
	runDone := make(chan error, 1)
	go func() {
		_, err := h.engine.RunStream(r.Context(), agent.PlanRequest{
			ThreadID: threadID,
			UserID:   userID,
			Question: question,
			MaxSteps: maxSteps,
		}, func(ev agent.StreamEvent) {
			select {
			case events <- ev:
			case <-r.Context().Done():
			}
		})
		runDone <- err
		close(events)
	}()

	keepalive := time.NewTicker(h.cfg.SSE.KeepaliveInterval)
	defer keepalive.Stop()

	eventID := int64(0)
	for {
		select {
		case <-r.Context().Done():
			slog.Info("Plan stream disconnected", "user_id", userID, "thread_id", threadID)
			return
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				slog.Warn("failed to write SSE keepalive ping", "error", err, "user_id", userID)
				return
			}
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				if err := <-runDone; err != nil {
					data, _ := json.Marshal(map[string]string{
						"error": err.Error(),
						"code":  string(shared.CodeOf(err)),
					})
					if writeErr := writeSSE(w, "error", string(data)); writeErr != nil {
						slog.Warn("failed to write SSE error event", "error", writeErr)
					}
					flusher.Flush()
				}
				return
			}
			data, err := json.Marshal(ev.Data)
			if err != nil {
				slog.Warn("failed to marshal stream event", "error", err)
				continue
			}
			eventID++
			if err := writeSSEWithID(w, eventID, ev.Event, string(data)); err != nil {
				slog.Warn("failed to write SSE event", "error", err, "user_id", userID)
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
