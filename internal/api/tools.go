package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/orbitalops/dbagent/internal/config"
	"github.com/orbitalops/dbagent/internal/database"
	"github.com/orbitalops/dbagent/internal/guard"
	"github.com/orbitalops/dbagent/internal/identity"
)

// ToolsHandler exposes the inspection tools directly, bypassing the
// reasoning loop. Every query still goes through the guard.
type ToolsHandler struct {
	db    *database.Inspector
	guard *guard.Validator
	cfg   *config.Config
}

func NewToolsHandler(db *database.Inspector, g *guard.Validator, cfg *config.Config) *ToolsHandler {
	return &ToolsHandler{db: db, guard: g, cfg: cfg}
}

// RegisterRoutes registers tool routes.
func (h *ToolsHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/tools", func(r chi.Router) {
		r.Post("/list_tables", h.ListTables)
		r.Post("/describe_table", h.DescribeTable)
		r.Post("/read_query", h.ReadQuery)
		r.Post("/table_stats", h.TableStats)
	})
}

type tableRequest struct {
	Table string `json:"table"`
}

type queryRequest struct {
	SQL   string `json:"sql"`
	Limit int    `json:"limit,omitempty"`
}

// ListTables returns the names of all user tables.
func (h *ToolsHandler) ListTables(w http.ResponseWriter, r *http.Request) {
	tables, err := h.db.ListTables(r.Context())
	if err != nil {
		ErrorFrom(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"tables": tables, "count": len(tables)})
}

// DescribeTable returns the column layout of one table.
func (h *ToolsHandler) DescribeTable(w http.ResponseWriter, r *http.Request) {
	var req tableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Table == "" {
		Error(w, http.StatusBadRequest, "table is required")
		return
	}
	columns, err := h.db.DescribeTable(r.Context(), req.Table)
	if err != nil {
		ErrorFrom(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"table": req.Table, "columns": columns})
}

// ReadQuery validates and runs a single read-only statement.
func (h *ToolsHandler) ReadQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SQL == "" {
		Error(w, http.StatusBadRequest, "sql is required")
		return
	}

	safe, err := h.guard.Validate(req.SQL, h.cfg.ReadOnly)
	if err != nil {
		slog.Warn("Query rejected",
			"user_id", identity.UserIDFromContext(r.Context()),
			"error", err,
		)
		ErrorFrom(w, err)
		return
	}

	limit := req.Limit
	if limit <= 0 {
		limit = h.cfg.DefaultRowLimit
	}
	result, err := h.db.Query(r.Context(), safe, limit)
	if err != nil {
		ErrorFrom(w, err)
		return
	}
	JSON(w, http.StatusOK, result)
}

// TableStats returns row count and column summary for one table.
func (h *ToolsHandler) TableStats(w http.ResponseWriter, r *http.Request) {
	var req tableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Table == "" {
		Error(w, http.StatusBadRequest, "table is required")
		return
	}
	rowCount, columns, err := h.db.TableStats(r.Context(), req.Table)
	if err != nil {
		ErrorFrom(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"table":        req.Table,
		"row_count":    rowCount,
		"column_count": len(columns),
		"columns":      columns,
	})
}
