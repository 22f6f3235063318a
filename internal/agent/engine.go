package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orbitalops/dbagent/internal/domain"
	"github.com/orbitalops/dbagent/internal/metrics"
	"github.com/orbitalops/dbagent/internal/shared"
	"github.com/orbitalops/dbagent/internal/store"
)

// maxConsecutiveErrors bounds how many recoverable failures in a row
// the loop tolerates before giving up on the run.
const maxConsecutiveErrors = 3

// PlanRequest describes one reasoning run.
type PlanRequest struct {
	ThreadID string
	UserID   string
	Question string
	MaxSteps int
}

// Engine drives the think-act-observe loop: ask the decider for a step,
// execute it, fold the observation into knowledge, repeat until a
// terminal state or the step budget runs out. A thread admits one run
// at a time.
type Engine struct {
	decider Decider
	exec    *Executor
	memory  *MemoryManager
	repo    store.Repository
	metrics *metrics.Metrics
	logger  *slog.Logger

	maxSteps int

	mu     sync.Mutex
	active map[string]bool
}

func NewEngine(decider Decider, exec *Executor, memory *MemoryManager, repo store.Repository, m *metrics.Metrics, maxSteps int, logger *slog.Logger) *Engine {
	return &Engine{
		decider:  decider,
		exec:     exec,
		memory:   memory,
		repo:     repo,
		metrics:  m,
		logger:   logger,
		maxSteps: maxSteps,
		active:   map[string]bool{},
	}
}

// Run executes a full reasoning run and returns the terminal result.
func (e *Engine) Run(ctx context.Context, req PlanRequest) (*PlanResult, error) {
	return e.run(ctx, req, nil)
}

// RunStream behaves like Run but pushes progress events to emit as the
// run advances. The final result is also delivered as events.
func (e *Engine) RunStream(ctx context.Context, req PlanRequest, emit func(StreamEvent)) (*PlanResult, error) {
	return e.run(ctx, req, emit)
}

func (e *Engine) run(ctx context.Context, req PlanRequest, emit func(StreamEvent)) (*PlanResult, error) {
	threadID := req.ThreadID
	if threadID == "" {
		threadID = uuid.NewString()
	}
	if !e.acquire(threadID) {
		return nil, shared.NewError(shared.CodeBusy, "thread %s already has a run in progress", threadID)
	}
	defer e.release(threadID)

	if e.metrics != nil {
		e.metrics.ActiveRuns.Inc()
		defer e.metrics.ActiveRuns.Dec()
	}
	started := time.Now()

	conv, err := e.loadOrCreate(ctx, threadID, req.UserID, req.Question)
	if err != nil {
		return nil, err
	}
	state := conv.State
	state.Question = req.Question
	state.Done = false
	state.Answer = nil
	state.LastError = ""
	state.AppendMessage(domain.RoleUser, req.Question)

	maxSteps := req.MaxSteps
	if maxSteps <= 0 {
		maxSteps = e.maxSteps
	}
	if state.MaxSteps == 0 {
		state.MaxSteps = maxSteps
	}

	send(emit, StreamEvent{Event: "init", Data: map[string]any{
		"thread_id": threadID,
		"question":  req.Question,
		"max_steps": maxSteps,
	}})

	result := e.loop(ctx, state, threadID, maxSteps, emit)
	result.Steps = state.Steps
	result.KnownTables = state.KnownTables

	// Refresh the compressed context before persisting so the next
	// turn starts from a warm summary.
	e.memory.Summarize(state)

	// Persist even when the caller went away: completed steps stay
	// valid and must survive a client abort.
	if err := e.repo.Save(context.WithoutCancel(ctx), conv); err != nil {
		e.logger.Error("failed to persist conversation", "thread_id", threadID, "error", err)
	}

	e.metrics.ObserveRun(result.Status, time.Since(started))
	e.logger.Info("run finished",
		"thread_id", threadID,
		"status", result.Status,
		"steps", len(state.Steps),
		"elapsed", time.Since(started))

	send(emit, StreamEvent{Event: "final", Data: map[string]any{
		"status":  result.Status,
		"ok":      result.OK,
		"answer":  result.Answer,
		"message": result.Message,
	}})
	send(emit, StreamEvent{Event: "complete", Data: map[string]any{"thread_id": threadID}})

	return result, nil
}

func (e *Engine) loop(ctx context.Context, state *domain.AgentState, threadID string, maxSteps int, emit func(StreamEvent)) *PlanResult {
	consecutive := 0

	for taken := 0; taken < maxSteps; taken++ {
		if err := ctx.Err(); err != nil {
			return e.fail(state, threadID, shared.WrapError(shared.CodeTimeout, err))
		}

		decision, err := e.decider.Decide(ctx, state)
		if err == nil {
			err = ValidateDecision(decision)
		}
		if err != nil {
			state.RecordError("decide", string(shared.CodeOf(err)), err.Error(), time.Now().UTC())
			consecutive++
			e.logger.Warn("decider error", "thread_id", threadID, "error", err, "consecutive", consecutive)
			if !shared.Recoverable(shared.CodeOf(err)) || consecutive >= maxConsecutiveErrors {
				return e.fail(state, threadID, err)
			}
			continue
		}

		send(emit, StreamEvent{Event: "thinking", Data: map[string]any{
			"step":    state.NextStepIndex(),
			"thought": decision.Thought,
			"action":  decision.Action,
		}})

		if decision.Action == ActionFinish {
			answer := finishAnswer(decision.Args)
			step := NewStep(state, decision, Normalize(ActionFinish, &ActionResult{Answer: answer}, nil))
			state.AppendStep(step)
			state.Done = true
			state.Answer = answer
			state.AppendMessage(domain.RoleAssistant, answerText(answer))
			e.metrics.ObserveStep(ActionFinish, true)
			send(emit, stepEvent(step))
			return &PlanResult{
				ThreadID: threadID,
				Status:   StatusDone,
				OK:       true,
				Answer:   answer,
			}
		}

		execStarted := time.Now()
		res, execErr := e.exec.Execute(ctx, decision, state)
		if decision.Action == ActionRunSQL {
			e.metrics.ObserveSQL(time.Since(execStarted))
		}
		obs := Normalize(decision.Action, res, execErr)
		step := NewStep(state, decision, obs)
		state.AppendStep(step)
		ApplyStep(state, step)
		e.metrics.ObserveStep(decision.Action, obs.OK)
		if e.metrics != nil && execErr != nil && shared.CodeOf(execErr) == shared.CodeSecurity {
			e.metrics.GuardRejections.Inc()
		}
		send(emit, stepEvent(step))

		if obs.OK {
			consecutive = 0
			continue
		}

		consecutive++
		state.LastError = obs.Error.Message
		e.logger.Warn("step failed",
			"thread_id", threadID,
			"action", decision.Action,
			"code", obs.Error.Code,
			"consecutive", consecutive)
		if !shared.Recoverable(shared.ErrorCode(obs.Error.Code)) || consecutive >= maxConsecutiveErrors {
			return e.fail(state, threadID, execErr)
		}
	}

	return e.stepLimit(state, threadID)
}

// stepLimit closes an exhausted run with whatever evidence the loop
// managed to gather.
func (e *Engine) stepLimit(state *domain.AgentState, threadID string) *PlanResult {
	data := map[string]any{
		"answer":  "Step limit reached before the question was fully answered.",
		"partial": true,
	}
	if len(state.SQLHistory) > 0 {
		last := state.SQLHistory[len(state.SQLHistory)-1]
		data["answer"] = fmt.Sprintf("Step limit reached; best available evidence: %s", last.Summary)
		data["sql"] = last.SQL
	} else if len(state.KnownTables) > 0 {
		data["known_tables"] = state.KnownTables
	}
	answer := map[string]any{"ok": false, "data": data}
	state.Done = true
	state.Answer = answer
	state.AppendMessage(domain.RoleAssistant, answerText(answer))
	return &PlanResult{
		ThreadID: threadID,
		Status:   StatusStepLimit,
		OK:       false,
		Answer:   answer,
		Message:  "step limit reached",
	}
}

func (e *Engine) fail(state *domain.AgentState, threadID string, err error) *PlanResult {
	msg := "run failed"
	if err != nil {
		msg = err.Error()
	}
	state.LastError = msg
	state.AppendMessage(domain.RoleAssistant, "Unable to answer: "+msg)
	return &PlanResult{
		ThreadID: threadID,
		Status:   StatusFailed,
		OK:       false,
		Message:  msg,
	}
}

func (e *Engine) loadOrCreate(ctx context.Context, threadID, userID, question string) (*domain.Conversation, error) {
	conv, err := e.repo.Load(ctx, threadID)
	if err == nil {
		return conv, nil
	}
	if shared.CodeOf(err) != shared.CodeNotFound {
		return nil, err
	}
	now := time.Now().UTC()
	return &domain.Conversation{
		ThreadID:  threadID,
		UserID:    userID,
		Title:     truncateTitle(question),
		CreatedAt: now,
		UpdatedAt: now,
		State:     domain.NewAgentState(e.maxSteps),
	}, nil
}

func (e *Engine) acquire(threadID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active[threadID] {
		return false
	}
	e.active[threadID] = true
	return true
}

func (e *Engine) release(threadID string) {
	e.mu.Lock()
	delete(e.active, threadID)
	e.mu.Unlock()
}

func send(emit func(StreamEvent), ev StreamEvent) {
	if emit != nil {
		emit(ev)
	}
}

func stepEvent(step domain.Step) StreamEvent {
	data := map[string]any{
		"step":    step.Index,
		"action":  step.Action,
		"summary": SummarizeObservation(step.Action, step.Observation),
	}
	if step.Observation != nil {
		data["ok"] = step.Observation.OK
		if step.Observation.Error != nil {
			data["error"] = step.Observation.Error
		}
	}
	return StreamEvent{Event: "step", Data: data}
}

func answerText(answer map[string]any) string {
	if data, ok := answer["data"].(map[string]any); ok {
		answer = data
	}
	if s, ok := answer["answer"].(string); ok && s != "" {
		return s
	}
	return fmt.Sprintf("%v", answer)
}

func truncateTitle(question string) string {
	const max = 80
	runes := []rune(question)
	if len(runes) <= max {
		return question
	}
	return string(runes[:max]) + "..."
}
