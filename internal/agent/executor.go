package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/orbitalops/dbagent/internal/database"
	"github.com/orbitalops/dbagent/internal/domain"
	"github.com/orbitalops/dbagent/internal/guard"
	"github.com/orbitalops/dbagent/internal/shared"
)

// Executor runs validated actions against the inspected database. Every
// SQL string passes through the guard before it touches the driver.
type Executor struct {
	db           *database.Inspector
	guard        *guard.Validator
	readOnly     bool
	defaultLimit int
	sampleCap    int
}

func NewExecutor(db *database.Inspector, g *guard.Validator, readOnly bool, defaultLimit, sampleCap int) *Executor {
	return &Executor{
		db:           db,
		guard:        g,
		readOnly:     readOnly,
		defaultLimit: defaultLimit,
		sampleCap:    sampleCap,
	}
}

// Execute dispatches one decided action. The state is consulted for
// cache hits (a table already described is answered from knowledge, not
// re-queried) and for search over known schemas.
func (e *Executor) Execute(ctx context.Context, d *Decision, state *domain.AgentState) (*ActionResult, error) {
	switch d.Action {
	case ActionListTables:
		tables, err := e.db.ListTables(ctx)
		if err != nil {
			return nil, err
		}
		return &ActionResult{Tables: tables}, nil

	case ActionSearchTables:
		return e.searchTables(ctx, argString(d.Args, "keyword"), state)

	case ActionDescribeTable:
		table := argString(d.Args, "table")
		if cols, ok := state.KnownSchemas[table]; ok {
			return &ActionResult{Table: table, Columns: cols, Cached: true}, nil
		}
		cols, err := e.db.DescribeTable(ctx, table)
		if err != nil {
			return nil, err
		}
		return &ActionResult{Table: table, Columns: cols}, nil

	case ActionSampleRows:
		table := argString(d.Args, "table")
		limit := argInt(d.Args, "limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > e.sampleCap {
			limit = e.sampleCap
		}
		res, err := e.db.SampleRows(ctx, table, limit)
		if err != nil {
			return nil, err
		}
		repairRows(res.Rows)
		return &ActionResult{Table: table, Query: res}, nil

	case ActionRunSQL:
		return e.runSQL(ctx, d.Args)

	case ActionFinish:
		return &ActionResult{Answer: finishAnswer(d.Args)}, nil
	}
	return nil, shared.NewError(shared.CodeValidation, "unknown action %q", d.Action)
}

func (e *Executor) runSQL(ctx context.Context, args map[string]any) (*ActionResult, error) {
	safe, err := e.guard.Validate(argString(args, "sql"), e.readOnly)
	if err != nil {
		return nil, err
	}
	limit := argInt(args, "limit", e.defaultLimit)
	if limit <= 0 {
		limit = e.defaultLimit
	}
	res, err := e.db.Query(ctx, safe, limit)
	if err != nil {
		return nil, err
	}
	repairRows(res.Rows)
	return &ActionResult{SQL: safe, Query: res}, nil
}

// searchTables matches the keyword case-insensitively against table
// names and, for already-described tables, column names. It never
// queries table contents.
func (e *Executor) searchTables(ctx context.Context, keyword string, state *domain.AgentState) (*ActionResult, error) {
	needle := strings.ToLower(strings.TrimSpace(keyword))
	tables, err := e.db.ListTables(ctx)
	if err != nil {
		return nil, err
	}
	var hits []string
	for _, t := range tables {
		if strings.Contains(strings.ToLower(t), needle) {
			hits = append(hits, t)
			continue
		}
		for _, col := range state.KnownSchemas[t] {
			if strings.Contains(strings.ToLower(col.Name), needle) {
				hits = append(hits, t)
				break
			}
		}
	}
	return &ActionResult{Tables: hits}, nil
}

// finishAnswer wraps the finish payload into the {ok, data} answer
// envelope. Scalar answers are normalized to a map so the response
// shape stays stable.
func finishAnswer(args map[string]any) map[string]any {
	data := map[string]any{}
	switch v := args["answer"].(type) {
	case map[string]any:
		for k, val := range v {
			data[k] = val
		}
	default:
		data["answer"] = fmt.Sprintf("%v", v)
	}
	if r, ok := args["rationale"].(string); ok && r != "" {
		data["rationale"] = r
	}
	return map[string]any{"ok": true, "data": data}
}

func repairRows(rows []map[string]any) {
	for _, row := range rows {
		RepairRow(row)
	}
}
