package agent

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitalops/dbagent/internal/domain"
	"github.com/orbitalops/dbagent/internal/llm"
	"github.com/orbitalops/dbagent/internal/shared"
)

type fakeClient struct {
	replies []string
	errs    []error
	calls   int
	prompts [][]llm.Message
}

func (c *fakeClient) Complete(_ context.Context, msgs []llm.Message) (string, error) {
	i := c.calls
	c.calls++
	c.prompts = append(c.prompts, msgs)
	if i < len(c.errs) && c.errs[i] != nil {
		return "", c.errs[i]
	}
	if i >= len(c.replies) {
		return c.replies[len(c.replies)-1], nil
	}
	return c.replies[i], nil
}

func newTestLLMDecider(client llm.Client, retries int) *LLMDecider {
	d := NewLLMDecider(client, NewMemoryManager(), nil, retries, slog.New(slog.NewTextHandler(io.Discard, nil)))
	d.backoff = 0
	return d
}

func TestLLMDeciderParsesValidDecision(t *testing.T) {
	client := &fakeClient{replies: []string{
		`{"thought":"explore","action":"list_tables","args":{}}`,
	}}
	d := newTestLLMDecider(client, 0)

	state := domain.NewAgentState(12)
	state.Question = "what is here?"

	decision, err := d.Decide(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, ActionListTables, decision.Action)

	// The prompt carries the system instructions and the question.
	require.NotEmpty(t, client.prompts)
	first := client.prompts[0]
	assert.Equal(t, "system", first[0].Role)
	assert.Contains(t, first[len(first)-1].Content, "what is here?")
}

func TestLLMDeciderIncludesMemorySummary(t *testing.T) {
	client := &fakeClient{replies: []string{
		`{"thought":"t","action":"finish","args":{"answer":"done"}}`,
	}}
	d := newTestLLMDecider(client, 0)

	state := domain.NewAgentState(12)
	state.Question = "q"
	state.AppendMessage(domain.RoleUser, "q")
	state.MergeTables([]string{"aircraft_info"})
	state.AppendSQL("SELECT 1", "returned 1 rows", time.Now())

	_, err := d.Decide(context.Background(), state)
	require.NoError(t, err)

	joined := ""
	for _, m := range client.prompts[0] {
		joined += m.Content + "\n"
	}
	assert.Contains(t, joined, "aircraft_info")
}

func TestLLMDeciderSeesKnowledgeGainedMidRun(t *testing.T) {
	client := &fakeClient{replies: []string{
		`{"thought":"t","action":"list_tables","args":{}}`,
	}}
	d := newTestLLMDecider(client, 0)

	// A prior turn left a warm memoized summary; the message count has
	// not moved since, so Summarize would return it frozen.
	state := domain.NewAgentState(12)
	state.Question = "contacts?"
	state.AppendMessage(domain.RoleUser, "contacts?")
	state.MergeTables([]string{"aircraft_info"})
	_ = NewMemoryManager().Summarize(state)

	// This turn's earlier steps described a new table and hit the guard.
	state.MergeTables([]string{"aircraft_team"})
	state.MergeSchema("aircraft_team", []domain.ColumnInfo{
		{Name: "manage_leader", Type: "TEXT"},
	})
	state.RecordError("run_sql", "SECURITY_ERROR", "write statements are not allowed", time.Now())

	_, err := d.Decide(context.Background(), state)
	require.NoError(t, err)

	joined := ""
	for _, m := range client.prompts[0] {
		joined += m.Content + "\n"
	}
	assert.Contains(t, joined, "aircraft_team")
	assert.Contains(t, joined, "manage_leader")
	assert.Contains(t, joined, "SECURITY_ERROR")
}

func TestLLMDeciderRetriesMalformedOutput(t *testing.T) {
	client := &fakeClient{replies: []string{
		"sorry, I cannot respond in JSON",
		`{"thought":"ok","action":"list_tables","args":{}}`,
	}}
	d := newTestLLMDecider(client, 2)

	decision, err := d.Decide(context.Background(), domain.NewAgentState(12))
	require.NoError(t, err)
	assert.Equal(t, ActionListTables, decision.Action)
	assert.Equal(t, 2, client.calls)
}

func TestLLMDeciderRetriesUpstreamThenFails(t *testing.T) {
	upstream := shared.NewError(shared.CodeUpstream, "model unavailable")
	client := &fakeClient{errs: []error{upstream, upstream, upstream}, replies: []string{""}}
	d := newTestLLMDecider(client, 2)

	_, err := d.Decide(context.Background(), domain.NewAgentState(12))
	require.Error(t, err)
	assert.Equal(t, shared.CodeUpstream, shared.CodeOf(err))
	assert.Equal(t, 3, client.calls)
}

func TestLLMDeciderRewritesUngroundedFinish(t *testing.T) {
	client := &fakeClient{replies: []string{
		`{"thought":"I know this","action":"finish","args":{"answer":"guessed"}}`,
	}}
	d := newTestLLMDecider(client, 0)

	decision, err := d.Decide(context.Background(), domain.NewAgentState(12))
	require.NoError(t, err)
	assert.Equal(t, ActionListTables, decision.Action, "finish without evidence becomes discovery")
}

func TestLLMDeciderAllowsGroundedFinish(t *testing.T) {
	client := &fakeClient{replies: []string{
		`{"thought":"done","action":"finish","args":{"answer":"grounded"}}`,
	}}
	d := newTestLLMDecider(client, 0)

	state := domain.NewAgentState(12)
	state.AppendSQL("SELECT 1", "returned 1 rows", time.Now())

	decision, err := d.Decide(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, ActionFinish, decision.Action)
}
