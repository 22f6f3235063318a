// Package agent implements the bounded reasoning loop that turns a
// natural-language question into SQL against the inspected database.
package agent

import (
	"github.com/orbitalops/dbagent/internal/database"
	"github.com/orbitalops/dbagent/internal/domain"
)

// Action names the decider may emit.
const (
	ActionListTables    = "list_tables"
	ActionSearchTables  = "search_tables"
	ActionDescribeTable = "describe_table"
	ActionSampleRows    = "sample_rows"
	ActionRunSQL        = "run_sql"
	ActionFinish        = "finish"
)

// Run status values reported in PlanResult.
const (
	StatusDone      = "done"
	StatusFailed    = "failed"
	StatusStepLimit = "step_limit_reached"
)

// Decision is a single step proposal: what the agent thinks, which
// action to take, and the action arguments.
type Decision struct {
	Thought string         `json:"thought"`
	Action  string         `json:"action"`
	Args    map[string]any `json:"args"`
}

// ActionResult carries the raw outcome of an executed action before it
// is normalized into an observation envelope.
type ActionResult struct {
	Tables  []string
	Columns []domain.ColumnInfo
	Table   string
	SQL     string
	Query   *database.QueryResult
	Answer  map[string]any
	Cached  bool
}

// PlanResult is the terminal outcome of one reasoning run.
type PlanResult struct {
	ThreadID string         `json:"thread_id"`
	Status   string         `json:"status"`
	OK       bool           `json:"ok"`
	Answer   map[string]any `json:"answer,omitempty"`
	Message  string         `json:"message,omitempty"`
	Steps    []domain.Step  `json:"steps"`
	// KnownTables reflects the accumulated schema knowledge after
	// the run, not only tables touched this turn.
	KnownTables []string `json:"known_tables"`
}

// StreamEvent is one server-push event emitted while a run progresses.
type StreamEvent struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}
