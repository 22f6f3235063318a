package agent

import (
	"crypto/md5"
	"fmt"
	"strings"

	"github.com/orbitalops/dbagent/internal/domain"
)

// MemoryManager compresses accumulated state into a bounded textual
// context for the decider. The summary is memoized on the state itself
// and reused until new messages arrive or the compression caps change.
type MemoryManager struct {
	MaxTables    int
	MaxColumns   int
	MaxTailSteps int
}

func NewMemoryManager() *MemoryManager {
	return &MemoryManager{MaxTables: 10, MaxColumns: 5, MaxTailSteps: 5}
}

// ConfigHash fingerprints the compression caps so a cap change
// invalidates any cached summary.
func (m *MemoryManager) ConfigHash() string {
	return fmt.Sprintf("%x", md5.Sum([]byte(fmt.Sprintf("t=%d c=%d s=%d", m.MaxTables, m.MaxColumns, m.MaxTailSteps))))
}

// Summarize returns the compressed context for the state, recomputing
// only when the conversation grew or the caps changed.
func (m *MemoryManager) Summarize(state *domain.AgentState) string {
	hash := m.ConfigHash()
	if state.CompressedSummary != "" &&
		state.CompressedMessageCount == len(state.Messages) &&
		state.CompressedConfigHash == hash {
		return state.CompressedSummary
	}
	summary := m.build(state)
	state.CompressedSummary = summary
	state.CompressedMessageCount = len(state.Messages)
	state.CompressedConfigHash = hash
	return summary
}

// Snapshot renders the digest fresh from the current state, bypassing
// the memo. The memoized summary only advances when messages do, which
// is once per turn; a decider consulted between steps needs to see the
// observations and errors of the steps already taken this turn.
func (m *MemoryManager) Snapshot(state *domain.AgentState) string {
	return m.build(state)
}

func (m *MemoryManager) build(state *domain.AgentState) string {
	var b strings.Builder

	tables := state.KnownTables
	if len(tables) > 0 {
		extra := 0
		if len(tables) > m.MaxTables {
			extra = len(tables) - m.MaxTables
			tables = tables[:m.MaxTables]
		}
		fmt.Fprintf(&b, "Known tables: %s", strings.Join(tables, ", "))
		if extra > 0 {
			fmt.Fprintf(&b, " (+%d more)", extra)
		}
		b.WriteByte('\n')
	}

	// Schema lines cover the same capped table list, keeping the
	// digest bounded no matter how many tables were described.
	for _, table := range tables {
		cols, ok := state.KnownSchemas[table]
		if !ok {
			continue
		}
		names := make([]string, 0, len(cols))
		for _, c := range cols {
			names = append(names, c.Name+" "+c.Type)
		}
		extra := 0
		if len(names) > m.MaxColumns {
			extra = len(names) - m.MaxColumns
			names = names[:m.MaxColumns]
		}
		fmt.Fprintf(&b, "Schema %s: %s", table, strings.Join(names, ", "))
		if extra > 0 {
			fmt.Fprintf(&b, " (+%d more)", extra)
		}
		b.WriteByte('\n')
	}

	steps := state.Steps
	if len(steps) > m.MaxTailSteps {
		fmt.Fprintf(&b, "(%d earlier steps elided)\n", len(steps)-m.MaxTailSteps)
		steps = steps[len(steps)-m.MaxTailSteps:]
	}
	for _, s := range steps {
		fmt.Fprintf(&b, "Step %d: %s\n", s.Index, SummarizeObservation(s.Action, s.Observation))
	}

	if len(state.ErrorHistory) > 0 {
		last := state.ErrorHistory[len(state.ErrorHistory)-1]
		fmt.Fprintf(&b, "Last error: [%s] %s\n", last.Code, last.Message)
	}

	return strings.TrimRight(b.String(), "\n")
}
