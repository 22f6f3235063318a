package agent

import (
	"fmt"
	"strings"

	"github.com/orbitalops/dbagent/internal/domain"
	"github.com/orbitalops/dbagent/internal/shared"
)

const previewRows = 5

// Normalize folds an action outcome, success or failure, into the
// observation envelope recorded on the step. Errors never abort the
// loop here; they become structured observations the decider can react
// to.
func Normalize(action string, res *ActionResult, err error) *domain.Observation {
	if err != nil {
		return &domain.Observation{
			OK: false,
			Error: &domain.ObsError{
				Code:    string(shared.CodeOf(err)),
				Message: err.Error(),
			},
		}
	}

	obs := &domain.Observation{OK: true, Data: map[string]any{}}
	switch action {
	case ActionListTables, ActionSearchTables:
		obs.Tables = res.Tables
		obs.Data["count"] = len(res.Tables)

	case ActionDescribeTable:
		obs.Columns = res.Columns
		obs.Data["table"] = res.Table
		obs.Data["column_count"] = len(res.Columns)
		if res.Cached {
			obs.Data["cached"] = true
		}

	case ActionSampleRows:
		obs.Data["table"] = res.Table
		fillQueryData(obs, res)

	case ActionRunSQL:
		obs.Data["sql"] = res.SQL
		fillQueryData(obs, res)

	case ActionFinish:
		obs.Data = res.Answer
	}
	return obs
}

func fillQueryData(obs *domain.Observation, res *ActionResult) {
	if res.Query == nil {
		return
	}
	obs.Data["columns"] = res.Query.Columns
	obs.Data["row_count"] = res.Query.RowCount
	if res.Query.Truncated {
		obs.Data["truncated"] = true
	}
	n := len(res.Query.Rows)
	if n > previewRows {
		n = previewRows
	}
	obs.Preview = res.Query.Rows[:n]
}

// SummarizeObservation renders a one-line account of a step for history
// and for the compressed context fed back to the decider.
func SummarizeObservation(action string, obs *domain.Observation) string {
	if obs == nil {
		return action
	}
	if !obs.OK {
		return fmt.Sprintf("%s failed: [%s] %s", action, obs.Error.Code, obs.Error.Message)
	}
	switch action {
	case ActionListTables, ActionSearchTables:
		return fmt.Sprintf("%s found %d tables: %s", action, len(obs.Tables), headList(obs.Tables, 8))
	case ActionDescribeTable:
		names := make([]string, 0, len(obs.Columns))
		for _, c := range obs.Columns {
			names = append(names, c.Name)
		}
		return fmt.Sprintf("described %v (%d columns: %s)", obs.Data["table"], len(obs.Columns), headList(names, 8))
	case ActionSampleRows:
		return fmt.Sprintf("sampled %v rows from %v", obs.Data["row_count"], obs.Data["table"])
	case ActionRunSQL:
		if obs.Data["truncated"] == true {
			return fmt.Sprintf("query returned %v rows (truncated)", obs.Data["row_count"])
		}
		return fmt.Sprintf("query returned %v rows", obs.Data["row_count"])
	case ActionFinish:
		return "finished"
	}
	return action
}

func headList(items []string, n int) string {
	if len(items) <= n {
		return strings.Join(items, ", ")
	}
	return strings.Join(items[:n], ", ") + ", ..."
}
