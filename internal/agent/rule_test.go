package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitalops/dbagent/internal/domain"
)

func TestExtractTokens(t *testing.T) {
	code, name := extractTokens("who operates PRSS-1?")
	assert.Equal(t, "PRSS-1", code)
	assert.Empty(t, name)

	// Parenthesized designators are the fallback.
	code, _ = extractTokens("那颗（GF-7）的情况如何")
	assert.Equal(t, "GF-7", code)

	code, name = extractTokens("请告诉我风云三号卫星的负责人电话")
	assert.Empty(t, code)
	assert.Equal(t, "风云三号卫星", name)

	code, name = extractTokens("how many tables are there")
	assert.Empty(t, code)
	assert.Empty(t, name)
}

func TestExtractSatelliteName(t *testing.T) {
	assert.Equal(t, "风云三号卫星", extractSatelliteName("请告诉我风云三号卫星的负责人电话"))
	assert.Equal(t, "", extractSatelliteName("纯粹的中文问题但没有那个词"))
	assert.Equal(t, "", extractSatelliteName("who runs PRSS-1"))
}

func TestRuleDeciderPlansContactQuery(t *testing.T) {
	r := NewRuleDecider()
	state := domain.NewAgentState(12)
	state.Question = "What's the contact number for PRSS-1?"

	d, err := r.Decide(context.Background(), state)
	require.NoError(t, err)
	require.Equal(t, ActionRunSQL, d.Action)

	sql := d.Args["sql"].(string)
	assert.Contains(t, sql, "LEFT JOIN aircraft_team at ON at.aircraft_id = ai.id")
	assert.Contains(t, sql, "ai.aircraft_code = 'PRSS-1'")
	assert.Contains(t, sql, "at.overall_contact_phone")
}

func TestBuildContactQueryEscapesQuotes(t *testing.T) {
	sql := buildContactQuery("O'BRIEN-2", "")
	assert.Contains(t, sql, "O''BRIEN-2")
	assert.NotContains(t, sql, "O'BRIEN-2'")
}

func TestRuleDeciderFinishesAfterQuery(t *testing.T) {
	r := NewRuleDecider()
	state := domain.NewAgentState(12)
	state.Question = "contact for PRSS-1"
	state.AppendStep(domain.Step{
		Index:  0,
		Action: ActionRunSQL,
		Args:   map[string]any{"sql": buildContactQuery("PRSS-1", "")},
		Observation: &domain.Observation{
			OK:      true,
			Data:    map[string]any{"sql": "SELECT ...", "row_count": 1},
			Preview: []map[string]any{{"name": "PRSS-1", "overall_contact": "Li"}},
		},
		Timestamp: time.Now(),
	})

	d, err := r.Decide(context.Background(), state)
	require.NoError(t, err)
	require.Equal(t, ActionFinish, d.Action)

	answer := d.Args["answer"].(map[string]any)
	assert.NotEmpty(t, answer["rows"])
}

func TestRuleDeciderFallsBackToListTables(t *testing.T) {
	r := NewRuleDecider()
	state := domain.NewAgentState(12)
	state.Question = "how many records do we have"

	d, err := r.Decide(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, ActionListTables, d.Action)

	// With tables known and still no rule match, it reports instead of
	// spinning.
	state.MergeTables([]string{"aircraft_info"})
	d, err = r.Decide(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, ActionFinish, d.Action)
}
