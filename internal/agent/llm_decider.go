package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/orbitalops/dbagent/internal/domain"
	"github.com/orbitalops/dbagent/internal/llm"
	"github.com/orbitalops/dbagent/internal/metrics"
	"github.com/orbitalops/dbagent/internal/shared"
)

const systemPrompt = `You are a careful data analyst working against a read-only SQLite database.
At each turn respond with a single JSON object: {"thought": "...", "action": "...", "args": {...}}.
Available actions:
- list_tables: {} — list all tables
- search_tables: {"keyword": "..."} — find tables by name or known column
- describe_table: {"table": "..."} — get a table's columns
- sample_rows: {"table": "...", "limit": 5} — peek at a few rows
- run_sql: {"sql": "SELECT ..."} — run one read-only SELECT
- finish: {"answer": {...}} — deliver the final answer
Ground every answer in query results. Never guess column names; describe tables first.
Only emit the JSON object, nothing else.`

// LLMDecider asks a chat model for the next step. Model output is
// parsed leniently, validated against the action schemas, and upstream
// failures are retried with backoff before surfacing.
type LLMDecider struct {
	client  llm.Client
	memory  *MemoryManager
	metrics *metrics.Metrics
	retries int
	backoff time.Duration
	logger  *slog.Logger
}

func NewLLMDecider(client llm.Client, memory *MemoryManager, m *metrics.Metrics, retries int, logger *slog.Logger) *LLMDecider {
	if retries < 0 {
		retries = 0
	}
	return &LLMDecider{
		client:  client,
		memory:  memory,
		metrics: m,
		retries: retries,
		backoff: 500 * time.Millisecond,
		logger:  logger,
	}
}

func (d *LLMDecider) Name() string { return "llm" }

func (d *LLMDecider) Decide(ctx context.Context, state *domain.AgentState) (*Decision, error) {
	messages := d.buildMessages(state)

	var lastErr error
	for attempt := 0; attempt <= d.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, shared.WrapError(shared.CodeTimeout, ctx.Err())
			case <-time.After(d.backoff * time.Duration(attempt)):
			}
			d.logger.Warn("retrying model call", "attempt", attempt, "error", lastErr)
		}

		callStarted := time.Now()
		raw, err := d.client.Complete(ctx, messages)
		d.metrics.ObserveModelCall(err == nil, time.Since(callStarted))
		if err != nil {
			lastErr = err
			if shared.CodeOf(err) == shared.CodeUpstream || shared.CodeOf(err) == shared.CodeTimeout {
				continue
			}
			return nil, err
		}

		decision, err := ExtractDecision(raw)
		if err != nil {
			lastErr = err
			continue
		}
		if err := ValidateDecision(decision); err != nil {
			lastErr = err
			continue
		}
		return d.guardPremature(state, decision), nil
	}
	return nil, shared.WrapError(shared.CodeUpstream, lastErr)
}

// guardPremature rewrites a finish that has no evidence behind it.
// Models occasionally answer from the question alone; forcing one round
// of schema discovery keeps answers grounded.
func (d *LLMDecider) guardPremature(state *domain.AgentState, decision *Decision) *Decision {
	if decision.Action != ActionFinish {
		return decision
	}
	if len(state.SQLHistory) > 0 || len(state.KnownSamples) > 0 {
		return decision
	}
	if len(state.KnownTables) == 0 {
		d.logger.Info("rewriting ungrounded finish to list_tables")
		return &Decision{
			Thought: "no evidence gathered yet, discovering schema first",
			Action:  ActionListTables,
			Args:    map[string]any{},
		}
	}
	return decision
}

func (d *LLMDecider) buildMessages(state *domain.AgentState) []llm.Message {
	messages := []llm.Message{{Role: "system", Content: systemPrompt}}
	// Rendered fresh on every decide: the model must see the schemas,
	// observations, and errors produced by this turn's earlier steps,
	// not the memoized cross-turn summary frozen at run start.
	if summary := d.memory.Snapshot(state); summary != "" {
		messages = append(messages, llm.Message{
			Role:    "system",
			Content: "What you have learned so far:\n" + summary,
		})
	}
	messages = append(messages, llm.Message{
		Role:    "user",
		Content: fmt.Sprintf("Question: %s\nDecide the next action.", state.Question),
	})
	return messages
}
