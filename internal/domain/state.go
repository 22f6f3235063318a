// Package domain defines the core data model shared across the service.
package domain

import (
	"time"
)

// Role values for transcript messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// maxErrorHistory bounds error_history so retry accounting stays cheap
// while the loop is still able to count consecutive failures per class.
const maxErrorHistory = 50

// Message is one entry of the durable conversation transcript.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ColumnInfo describes one column of a known table schema.
type ColumnInfo struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// Step records one think→act→observe iteration.
type Step struct {
	Index       int            `json:"index"`
	Thought     string         `json:"thought"`
	Action      string         `json:"action"`
	Args        map[string]any `json:"args,omitempty"`
	Observation *Observation   `json:"observation,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Observation is the normalized result envelope of an executed action.
type Observation struct {
	OK      bool           `json:"ok"`
	Data    map[string]any `json:"data,omitempty"`
	Error   *ObsError      `json:"error,omitempty"`
	Tables  []string       `json:"tables,omitempty"`
	Columns []ColumnInfo   `json:"columns,omitempty"`
	Preview []map[string]any `json:"preview,omitempty"`
}

// ObsError carries the code/message pair of a failed action.
type ObsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SQLRecord is one executed statement in sql_history.
type SQLRecord struct {
	SQL       string    `json:"sql"`
	Summary   string    `json:"summary"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorRecord is one failed attempt in error_history.
type ErrorRecord struct {
	Action    string    `json:"action"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// TableSample is a capped row preview for one table; latest sample wins.
type TableSample struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
	TakenAt time.Time        `json:"taken_at"`
}

// AgentState is the unit of persistence and the loop's working memory for
// one conversation thread. Tables and schemas only ever grow; samples are
// latest-wins; history lists are append-only. All mutation goes through the
// methods below so the monotonicity invariants are enforced in one place.
type AgentState struct {
	Question string    `json:"question"`
	Messages []Message `json:"messages"`
	Steps    []Step    `json:"steps"`

	KnownTables  []string                `json:"known_tables"`
	KnownSchemas map[string][]ColumnInfo `json:"known_schemas"`
	KnownSamples map[string]TableSample  `json:"known_samples"`

	SQLHistory   []SQLRecord   `json:"sql_history"`
	ErrorHistory []ErrorRecord `json:"error_history"`

	Done      bool           `json:"done"`
	LastError string         `json:"last_error,omitempty"`
	Answer    map[string]any `json:"answer,omitempty"`
	MaxSteps  int            `json:"max_steps"`

	CompressedSummary      string `json:"compressed_summary,omitempty"`
	CompressedMessageCount int    `json:"compressed_message_count"`
	CompressedConfigHash   string `json:"compressed_config_hash,omitempty"`
}

// NewAgentState returns an empty state for a fresh thread.
func NewAgentState(maxSteps int) *AgentState {
	return &AgentState{
		KnownSchemas: make(map[string][]ColumnInfo),
		KnownSamples: make(map[string]TableSample),
		MaxSteps:     maxSteps,
	}
}

// NextStepIndex returns the index for the next appended step. Indexes are
// unique and strictly increasing within a thread, surviving reloads.
func (s *AgentState) NextStepIndex() int {
	if len(s.Steps) == 0 {
		return 0
	}
	return s.Steps[len(s.Steps)-1].Index + 1
}

// AppendMessage appends to the durable transcript. The transcript is never
// truncated; compression happens only in the memory summary.
func (s *AgentState) AppendMessage(role, content string) {
	s.Messages = append(s.Messages, Message{Role: role, Content: content})
}

// AppendStep appends a completed step.
func (s *AgentState) AppendStep(step Step) {
	s.Steps = append(s.Steps, step)
}

// MergeTables unions names into known_tables, preserving first-seen order.
// A previously confirmed table is never removed.
func (s *AgentState) MergeTables(names []string) {
	seen := make(map[string]struct{}, len(s.KnownTables))
	for _, t := range s.KnownTables {
		seen[t] = struct{}{}
	}
	for _, n := range names {
		if n == "" {
			continue
		}
		if _, ok := seen[n]; !ok {
			seen[n] = struct{}{}
			s.KnownTables = append(s.KnownTables, n)
		}
	}
}

// MergeSchema refines the known schema for a table: fresher data overwrites
// existing entries for the same column name, columns are never deleted.
func (s *AgentState) MergeSchema(table string, columns []ColumnInfo) {
	if table == "" || len(columns) == 0 {
		return
	}
	if s.KnownSchemas == nil {
		s.KnownSchemas = make(map[string][]ColumnInfo)
	}
	existing := s.KnownSchemas[table]
	index := make(map[string]int, len(existing))
	for i, c := range existing {
		index[c.Name] = i
	}
	for _, c := range columns {
		if i, ok := index[c.Name]; ok {
			existing[i] = c
		} else {
			index[c.Name] = len(existing)
			existing = append(existing, c)
		}
	}
	s.KnownSchemas[table] = existing
	s.MergeTables([]string{table})
}

// SetSample replaces the cached sample for a table; latest wins.
func (s *AgentState) SetSample(table string, sample TableSample) {
	if table == "" {
		return
	}
	if s.KnownSamples == nil {
		s.KnownSamples = make(map[string]TableSample)
	}
	s.KnownSamples[table] = sample
}

// AppendSQL appends to sql_history. Repeated identical statements are kept
// on purpose: the step-limit diagnostics rely on seeing the repetition.
func (s *AgentState) AppendSQL(sql, summary string, at time.Time) {
	s.SQLHistory = append(s.SQLHistory, SQLRecord{SQL: sql, Summary: summary, Timestamp: at})
}

// RecordError appends to error_history, dropping the oldest entries past
// the bound, and updates last_error.
func (s *AgentState) RecordError(action, code, message string, at time.Time) {
	s.ErrorHistory = append(s.ErrorHistory, ErrorRecord{
		Action:    action,
		Code:      code,
		Message:   message,
		Timestamp: at,
	})
	if overflow := len(s.ErrorHistory) - maxErrorHistory; overflow > 0 {
		s.ErrorHistory = append(s.ErrorHistory[:0:0], s.ErrorHistory[overflow:]...)
	}
	s.LastError = code
}

// MergeFrom folds a turn's worth of updates from fresh onto s. Messages,
// steps and histories append; knowledge merges through the lattice methods;
// loop-control and memoization fields take the fresh values. This is the
// single merge used by the store's load-merge-write save.
func (s *AgentState) MergeFrom(fresh *AgentState) {
	if fresh == nil {
		return
	}
	if len(fresh.Messages) > len(s.Messages) {
		s.Messages = append(s.Messages, fresh.Messages[len(s.Messages):]...)
	}
	if len(fresh.Steps) > len(s.Steps) {
		s.Steps = append(s.Steps, fresh.Steps[len(s.Steps):]...)
	}
	if len(fresh.SQLHistory) > len(s.SQLHistory) {
		s.SQLHistory = append(s.SQLHistory, fresh.SQLHistory[len(s.SQLHistory):]...)
	}
	if len(fresh.ErrorHistory) > 0 {
		s.ErrorHistory = fresh.ErrorHistory
	}
	s.MergeTables(fresh.KnownTables)
	for table, cols := range fresh.KnownSchemas {
		s.MergeSchema(table, cols)
	}
	for table, sample := range fresh.KnownSamples {
		s.SetSample(table, sample)
	}

	s.Question = fresh.Question
	s.Done = fresh.Done
	s.LastError = fresh.LastError
	s.Answer = fresh.Answer
	if fresh.MaxSteps > 0 {
		s.MaxSteps = fresh.MaxSteps
	}
	s.CompressedSummary = fresh.CompressedSummary
	s.CompressedMessageCount = fresh.CompressedMessageCount
	s.CompressedConfigHash = fresh.CompressedConfigHash
}
