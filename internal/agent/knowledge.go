package agent

import (
	"time"

	"github.com/orbitalops/dbagent/internal/domain"
)

// ApplyStep folds a successful observation into the knowledge lattice.
// Knowledge only grows: tables and schemas are unioned, samples are
// replaced by the latest, SQL history is appended. Failed observations
// contribute to error history instead and leave knowledge untouched.
func ApplyStep(state *domain.AgentState, step domain.Step) {
	obs := step.Observation
	if obs == nil {
		return
	}
	if !obs.OK {
		state.RecordError(step.Action, obs.Error.Code, obs.Error.Message, step.Timestamp)
		return
	}

	switch step.Action {
	case ActionListTables, ActionSearchTables:
		state.MergeTables(obs.Tables)

	case ActionDescribeTable:
		table, _ := obs.Data["table"].(string)
		if table != "" {
			state.MergeTables([]string{table})
			state.MergeSchema(table, obs.Columns)
		}

	case ActionSampleRows:
		table, _ := obs.Data["table"].(string)
		if table != "" {
			state.MergeTables([]string{table})
			state.SetSample(table, domain.TableSample{
				Columns: stringSlice(obs.Data["columns"]),
				Rows:    obs.Preview,
				TakenAt: step.Timestamp,
			})
		}

	case ActionRunSQL:
		sql, _ := obs.Data["sql"].(string)
		state.AppendSQL(sql, SummarizeObservation(step.Action, obs), step.Timestamp)
	}
}

// stringSlice tolerates both the in-memory []string and the []any shape
// observations take after a JSON round trip through the store.
func stringSlice(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// NewStep stamps a decided action into a step record ready for the log.
func NewStep(state *domain.AgentState, d *Decision, obs *domain.Observation) domain.Step {
	return domain.Step{
		Index:       state.NextStepIndex(),
		Thought:     d.Thought,
		Action:      d.Action,
		Args:        d.Args,
		Observation: obs,
		Timestamp:   time.Now().UTC(),
	}
}
