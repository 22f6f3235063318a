package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/orbitalops/dbagent/internal/agent"
	"github.com/orbitalops/dbagent/internal/identity"
	"github.com/orbitalops/dbagent/internal/shared"
)

// wsPlanRequest is the first message a WebSocket client sends.
type wsPlanRequest struct {
	Question string `json:"question"`
	ThreadID string `json:"thread_id,omitempty"`
	MaxSteps int    `json:"max_steps,omitempty"`
}

// HandleWS handles GET /api/plan/ws: one run per connection, progress
// events pushed as JSON text frames.
func (h *PlanHandler) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if !h.rateLimiter.Allow(userID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "run ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	_, raw, err := ws.Read(ctx)
	if err != nil {
		slog.Warn("WebSocket read error", "error", err, "user_id", userID)
		return
	}
	var req wsPlanRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.Question == "" {
		writeWSEvent(ctx, ws, agent.StreamEvent{
			Event: "error",
			Data:  map[string]any{"error": "question is required"},
		})
		return
	}

	slog.Info("WebSocket plan request", "user_id", userID, "thread_id", req.ThreadID)

	_, runErr := h.engine.RunStream(ctx, agent.PlanRequest{
		ThreadID: req.ThreadID,
		UserID:   userID,
		Question: req.Question,
		MaxSteps: req.MaxSteps,
	}, func(ev agent.StreamEvent) {
		writeWSEvent(ctx, ws, ev)
	})
	if runErr != nil {
		writeWSEvent(ctx, ws, agent.StreamEvent{
			Event: "error",
			Data: map[string]any{
				"error": runErr.Error(),
				"code":  string(shared.CodeOf(runErr)),
			},
		})
	}
}

func writeWSEvent(ctx context.Context, ws *websocket.Conn, ev agent.StreamEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("failed to marshal websocket event", "error", err)
		return
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		if websocket.CloseStatus(err) == -1 {
			slog.Debug("WebSocket write error", "error", err)
		}
	}
}
