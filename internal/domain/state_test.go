package domain

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeTablesKeepsOrderAndDedupes(t *testing.T) {
	s := NewAgentState(10)
	s.MergeTables([]string{"aircraft_info", "aircraft_team"})
	s.MergeTables([]string{"aircraft_team", "launch_log", ""})

	assert.Equal(t, []string{"aircraft_info", "aircraft_team", "launch_log"}, s.KnownTables)
}

func TestMergeSchemaNeverDropsColumns(t *testing.T) {
	s := NewAgentState(10)
	s.MergeSchema("aircraft_info", []ColumnInfo{
		{Name: "id", Type: "INTEGER"},
		{Name: "name", Type: "TEXT"},
	})
	// A narrower refresh must not remove the column it omits.
	s.MergeSchema("aircraft_info", []ColumnInfo{
		{Name: "id", Type: "INTEGER", Nullable: true},
	})

	cols := s.KnownSchemas["aircraft_info"]
	require.Len(t, cols, 2)
	assert.True(t, cols[0].Nullable, "refreshed column should overwrite in place")
	assert.Equal(t, "name", cols[1].Name)
	assert.Contains(t, s.KnownTables, "aircraft_info")
}

func TestSetSampleLatestWins(t *testing.T) {
	s := NewAgentState(10)
	first := TableSample{Rows: []map[string]any{{"id": 1}}, TakenAt: time.Now()}
	second := TableSample{Rows: []map[string]any{{"id": 2}}, TakenAt: time.Now()}

	s.SetSample("aircraft_info", first)
	s.SetSample("aircraft_info", second)

	assert.Equal(t, second.Rows, s.KnownSamples["aircraft_info"].Rows)
}

func TestRecordErrorBoundsHistory(t *testing.T) {
	s := NewAgentState(10)
	for i := 0; i < maxErrorHistory+7; i++ {
		s.RecordError("run_sql", "EXECUTION_ERROR", fmt.Sprintf("err %d", i), time.Now())
	}

	require.Len(t, s.ErrorHistory, maxErrorHistory)
	// Oldest entries drop first.
	assert.Equal(t, "err 7", s.ErrorHistory[0].Message)
	assert.Equal(t, "EXECUTION_ERROR", s.LastError)
}

func TestNextStepIndexSurvivesGaps(t *testing.T) {
	s := NewAgentState(10)
	assert.Equal(t, 0, s.NextStepIndex())

	s.AppendStep(Step{Index: 4})
	assert.Equal(t, 5, s.NextStepIndex())
}

func TestMergeFromAppendsInsteadOfReplacing(t *testing.T) {
	base := NewAgentState(10)
	base.AppendMessage(RoleUser, "first question")
	base.AppendMessage(RoleAssistant, "first answer")
	base.MergeTables([]string{"aircraft_info"})
	base.AppendSQL("SELECT 1", "returned 1 rows", time.Now())

	// A later turn carries the base history plus its own additions.
	fresh := NewAgentState(10)
	fresh.Messages = append([]Message{}, base.Messages...)
	fresh.AppendMessage(RoleUser, "second question")
	fresh.AppendMessage(RoleAssistant, "second answer")
	fresh.MergeTables([]string{"aircraft_info", "aircraft_team"})
	fresh.SQLHistory = append([]SQLRecord{}, base.SQLHistory...)
	fresh.AppendSQL("SELECT 2", "returned 1 rows", time.Now())
	fresh.Done = true
	fresh.Answer = map[string]any{"answer": "done"}

	base.MergeFrom(fresh)

	assert.Len(t, base.Messages, 4)
	assert.Len(t, base.SQLHistory, 2)
	assert.Equal(t, []string{"aircraft_info", "aircraft_team"}, base.KnownTables)
	assert.True(t, base.Done)
	assert.Equal(t, "done", base.Answer["answer"])
}
