package agent

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitalops/dbagent/internal/database"
	"github.com/orbitalops/dbagent/internal/domain"
	"github.com/orbitalops/dbagent/internal/guard"
	"github.com/orbitalops/dbagent/internal/shared"
)

// scriptedDecider replays a fixed sequence of decisions.
type scriptedDecider struct {
	decisions []*Decision
	errs      []error
	calls     int
}

func (d *scriptedDecider) Name() string { return "scripted" }

func (d *scriptedDecider) Decide(_ context.Context, _ *domain.AgentState) (*Decision, error) {
	i := d.calls
	d.calls++
	if i < len(d.errs) && d.errs[i] != nil {
		return nil, d.errs[i]
	}
	if i >= len(d.decisions) {
		return d.decisions[len(d.decisions)-1], nil
	}
	return d.decisions[i], nil
}

// blockingDecider parks until released, so a thread lock can be observed.
type blockingDecider struct {
	started  chan struct{}
	release  chan struct{}
	delegate Decider
}

func (d *blockingDecider) Name() string { return "blocking" }

func (d *blockingDecider) Decide(ctx context.Context, s *domain.AgentState) (*Decision, error) {
	close(d.started)
	<-d.release
	return d.delegate.Decide(ctx, s)
}

// memRepo is an in-memory Repository for engine tests.
type memRepo struct {
	convs map[string]*domain.Conversation
}

func newMemRepo() *memRepo { return &memRepo{convs: map[string]*domain.Conversation{}} }

func (r *memRepo) Load(_ context.Context, threadID string) (*domain.Conversation, error) {
	conv, ok := r.convs[threadID]
	if !ok {
		return nil, shared.NewError(shared.CodeNotFound, "conversation %s not found", threadID)
	}
	return conv, nil
}

func (r *memRepo) Save(_ context.Context, conv *domain.Conversation) error {
	r.convs[conv.ThreadID] = conv
	return nil
}

func (r *memRepo) Delete(_ context.Context, threadID string) error {
	delete(r.convs, threadID)
	return nil
}

func (r *memRepo) List(_ context.Context, _ string, _, _ int) ([]domain.ConversationSummary, error) {
	return nil, nil
}

func (r *memRepo) Ping(_ context.Context) error { return nil }
func (r *memRepo) Close() error                 { return nil }

func testExecutor(t *testing.T) *Executor {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "target.db")

	seed, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	_, err = seed.Exec(`
		CREATE TABLE aircraft_info (
			id INTEGER PRIMARY KEY,
			aircraft_code TEXT NOT NULL,
			publicity_name TEXT,
			aircraft_name TEXT
		);
		CREATE TABLE aircraft_team (
			id INTEGER PRIMARY KEY,
			aircraft_id INTEGER NOT NULL,
			manage_leader TEXT,
			manage_leader_phone TEXT,
			overall_contact TEXT,
			overall_contact_phone TEXT,
			center_contact TEXT,
			center_contact_phone TEXT
		);
		INSERT INTO aircraft_info VALUES (1, 'PRSS-1', 'Pathfinder', 'PRSS-1 Pathfinder');
		INSERT INTO aircraft_team VALUES (1, 1, 'Li Wei', '555-0101', 'Chen Jing', '555-0102', 'Zhao Lan', '555-0103');
	`)
	require.NoError(t, err)
	require.NoError(t, seed.Close())

	insp, err := database.Open(dbPath, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = insp.Close() })

	return NewExecutor(insp, guard.New(1000, 5000), true, 1000, 20)
}

func testEngine(t *testing.T, decider Decider, maxSteps int) (*Engine, *memRepo) {
	t.Helper()
	repo := newMemRepo()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(decider, testExecutor(t), NewMemoryManager(), repo, nil, maxSteps, logger), repo
}

func TestRunHappyPath(t *testing.T) {
	decider := &scriptedDecider{decisions: []*Decision{
		{Thought: "discover", Action: ActionListTables, Args: map[string]any{}},
		{Thought: "inspect", Action: ActionDescribeTable, Args: map[string]any{"table": "aircraft_info"}},
		{Thought: "answer", Action: ActionFinish, Args: map[string]any{"answer": map[string]any{"answer": "two tables"}}},
	}}
	engine, repo := testEngine(t, decider, 12)

	result, err := engine.Run(context.Background(), PlanRequest{Question: "what tables exist?", UserID: "u1"})
	require.NoError(t, err)

	assert.Equal(t, StatusDone, result.Status)
	assert.True(t, result.OK)
	assert.Equal(t, true, result.Answer["ok"])
	data, ok := result.Answer["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "two tables", data["answer"])
	require.Len(t, result.Steps, 3)
	assert.NotEmpty(t, result.ThreadID)

	saved := repo.convs[result.ThreadID]
	require.NotNil(t, saved)
	assert.Equal(t, []string{"aircraft_info", "aircraft_team"}, saved.State.KnownTables)
	assert.Equal(t, saved.State.KnownTables, result.KnownTables)
	assert.Contains(t, saved.State.KnownSchemas, "aircraft_info")
	// user question + assistant answer
	assert.Len(t, saved.State.Messages, 2)
}

func TestRunRejectsWriteSQLButRecovers(t *testing.T) {
	decider := &scriptedDecider{decisions: []*Decision{
		{Action: ActionRunSQL, Args: map[string]any{"sql": "DELETE FROM aircraft_info"}},
		{Action: ActionRunSQL, Args: map[string]any{"sql": "SELECT count(*) AS n FROM aircraft_info"}},
		{Action: ActionFinish, Args: map[string]any{"answer": "1 row"}},
	}}
	engine, repo := testEngine(t, decider, 12)

	result, err := engine.Run(context.Background(), PlanRequest{Question: "wipe it", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, StatusDone, result.Status)

	state := repo.convs[result.ThreadID].State
	require.NotEmpty(t, state.ErrorHistory)
	assert.Equal(t, string(shared.CodeSecurity), state.ErrorHistory[0].Code)
	// The rejected statement never reaches sql_history.
	require.Len(t, state.SQLHistory, 1)
	assert.Contains(t, state.SQLHistory[0].SQL, "SELECT count(*)")
}

func TestRunFailsAfterConsecutiveErrors(t *testing.T) {
	decider := &scriptedDecider{decisions: []*Decision{
		{Action: ActionRunSQL, Args: map[string]any{"sql": "DROP TABLE aircraft_info"}},
	}}
	engine, _ := testEngine(t, decider, 12)

	result, err := engine.Run(context.Background(), PlanRequest{Question: "destroy", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.False(t, result.OK)
	assert.Len(t, result.Steps, maxConsecutiveErrors)
}

func TestRunRecoversFromUnknownTable(t *testing.T) {
	decider := &scriptedDecider{decisions: []*Decision{
		{Action: ActionDescribeTable, Args: map[string]any{"table": "aircraft_infoo"}},
		{Action: ActionDescribeTable, Args: map[string]any{"table": "aircraft_info"}},
		{Action: ActionFinish, Args: map[string]any{"answer": "found it"}},
	}}
	engine, repo := testEngine(t, decider, 12)

	result, err := engine.Run(context.Background(), PlanRequest{Question: "typo first", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, StatusDone, result.Status)
	require.Len(t, result.Steps, 3)
	assert.False(t, result.Steps[0].Observation.OK)
	assert.Equal(t, string(shared.CodeNotFound), result.Steps[0].Observation.Error.Code)

	state := repo.convs[result.ThreadID].State
	require.NotEmpty(t, state.ErrorHistory)
	assert.Equal(t, string(shared.CodeNotFound), state.ErrorHistory[0].Code)
	assert.Contains(t, state.KnownSchemas, "aircraft_info")
}

func TestRunStepLimitProducesPartialAnswer(t *testing.T) {
	decider := &scriptedDecider{decisions: []*Decision{
		{Action: ActionListTables, Args: map[string]any{}},
	}}
	engine, _ := testEngine(t, decider, 4)

	result, err := engine.Run(context.Background(), PlanRequest{Question: "loop forever", UserID: "u1"})
	require.NoError(t, err)

	assert.Equal(t, StatusStepLimit, result.Status)
	assert.False(t, result.OK)
	assert.Equal(t, false, result.Answer["ok"])
	data, ok := result.Answer["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, data["partial"])
	assert.Len(t, result.Steps, 4)
}

func TestRunServesRepeatDescribeFromCache(t *testing.T) {
	decider := &scriptedDecider{decisions: []*Decision{
		{Action: ActionDescribeTable, Args: map[string]any{"table": "aircraft_team"}},
		{Action: ActionDescribeTable, Args: map[string]any{"table": "aircraft_team"}},
		{Action: ActionFinish, Args: map[string]any{"answer": "ok"}},
	}}
	engine, _ := testEngine(t, decider, 12)

	result, err := engine.Run(context.Background(), PlanRequest{Question: "describe twice", UserID: "u1"})
	require.NoError(t, err)

	require.Len(t, result.Steps, 3)
	first := result.Steps[0].Observation
	second := result.Steps[1].Observation
	assert.Nil(t, first.Data["cached"])
	assert.Equal(t, true, second.Data["cached"])
}

func TestRunRejectsConcurrentRunsOnSameThread(t *testing.T) {
	blocking := &blockingDecider{
		started: make(chan struct{}),
		release: make(chan struct{}),
		delegate: &scriptedDecider{decisions: []*Decision{
			{Action: ActionFinish, Args: map[string]any{"answer": "done"}},
		}},
	}
	engine, _ := testEngine(t, blocking, 12)

	done := make(chan *PlanResult, 1)
	go func() {
		result, err := engine.Run(context.Background(), PlanRequest{ThreadID: "t1", Question: "slow", UserID: "u1"})
		require.NoError(t, err)
		done <- result
	}()

	<-blocking.started
	_, err := engine.Run(context.Background(), PlanRequest{ThreadID: "t1", Question: "fast", UserID: "u1"})
	require.Error(t, err)
	assert.Equal(t, shared.CodeBusy, shared.CodeOf(err))

	close(blocking.release)
	result := <-done
	assert.Equal(t, StatusDone, result.Status)
}

func TestRunStreamEmitsLifecycleEvents(t *testing.T) {
	decider := &scriptedDecider{decisions: []*Decision{
		{Action: ActionListTables, Args: map[string]any{}},
		{Action: ActionFinish, Args: map[string]any{"answer": "two tables"}},
	}}
	engine, _ := testEngine(t, decider, 12)

	var events []string
	_, err := engine.RunStream(context.Background(), PlanRequest{Question: "stream it", UserID: "u1"},
		func(ev StreamEvent) { events = append(events, ev.Event) })
	require.NoError(t, err)

	assert.Equal(t, "init", events[0])
	assert.Contains(t, events, "thinking")
	assert.Contains(t, events, "step")
	assert.Equal(t, "complete", events[len(events)-1])
	assert.Equal(t, "final", events[len(events)-2])
}

func TestRunSecondTurnReusesKnowledge(t *testing.T) {
	first := &scriptedDecider{decisions: []*Decision{
		{Action: ActionListTables, Args: map[string]any{}},
		{Action: ActionFinish, Args: map[string]any{"answer": "two tables"}},
	}}
	engine, repo := testEngine(t, first, 12)

	result, err := engine.Run(context.Background(), PlanRequest{ThreadID: "t1", Question: "first", UserID: "u1"})
	require.NoError(t, err)
	require.Equal(t, StatusDone, result.Status)

	// Second turn on the same thread sees the accumulated knowledge.
	var seenTables []string
	second := &scriptedDecider{decisions: []*Decision{
		{Action: ActionFinish, Args: map[string]any{"answer": "still two"}},
	}}
	engine2 := NewEngine(deciderFunc(func(ctx context.Context, s *domain.AgentState) (*Decision, error) {
		seenTables = append([]string{}, s.KnownTables...)
		return second.Decide(ctx, s)
	}), testExecutor(t), NewMemoryManager(), repo, nil, 12, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err = engine2.Run(context.Background(), PlanRequest{ThreadID: "t1", Question: "second", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"aircraft_info", "aircraft_team"}, seenTables)
}

// deciderFunc adapts a function to the Decider interface.
type deciderFunc func(context.Context, *domain.AgentState) (*Decision, error)

func (f deciderFunc) Name() string { return "func" }
func (f deciderFunc) Decide(ctx context.Context, s *domain.AgentState) (*Decision, error) {
	return f(ctx, s)
}
