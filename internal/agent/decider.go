package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/orbitalops/dbagent/internal/domain"
	"github.com/orbitalops/dbagent/internal/shared"
)

// Decider proposes the next step given the accumulated state.
type Decider interface {
	Decide(ctx context.Context, state *domain.AgentState) (*Decision, error)
	Name() string
}

var knownActions = map[string]bool{
	ActionListTables:    true,
	ActionSearchTables:  true,
	ActionDescribeTable: true,
	ActionSampleRows:    true,
	ActionRunSQL:        true,
	ActionFinish:        true,
}

// ValidateDecision checks the action name and its argument shape before
// anything reaches the executor. Unknown actions and malformed args are
// validation errors and count against the recoverable-error budget.
func ValidateDecision(d *Decision) error {
	if d == nil {
		return shared.NewError(shared.CodeValidation, "decider returned no decision")
	}
	if !knownActions[d.Action] {
		return shared.NewError(shared.CodeValidation, "unknown action %q", d.Action)
	}
	switch d.Action {
	case ActionDescribeTable, ActionSampleRows:
		if argString(d.Args, "table") == "" {
			return shared.NewError(shared.CodeValidation, "%s requires a table argument", d.Action)
		}
	case ActionSearchTables:
		if argString(d.Args, "keyword") == "" {
			return shared.NewError(shared.CodeValidation, "search_tables requires a keyword argument")
		}
	case ActionRunSQL:
		if strings.TrimSpace(argString(d.Args, "sql")) == "" {
			return shared.NewError(shared.CodeValidation, "run_sql requires a sql argument")
		}
	case ActionFinish:
		if d.Args == nil || d.Args["answer"] == nil {
			return shared.NewError(shared.CodeValidation, "finish requires an answer argument")
		}
	}
	return nil
}

func argString(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	s, _ := args[key].(string)
	return s
}

func argInt(args map[string]any, key string, fallback int) int {
	if args == nil {
		return fallback
	}
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, err := v.Int64()
		if err == nil {
			return int(n)
		}
	case string:
		var n int
		if _, err := fmt.Sscanf(strings.TrimSpace(v), "%d", &n); err == nil {
			return n
		}
	}
	return fallback
}

// ExtractDecision parses a decision from raw model output. Models wrap
// JSON in prose or code fences often enough that plain Unmarshal is not
// good enough, so this peels fences and falls back to the outermost
// balanced object.
func ExtractDecision(raw string) (*Decision, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, shared.NewError(shared.CodeValidation, "empty decider output")
	}

	candidates := []string{text}
	if fenced := stripFence(text); fenced != "" && fenced != text {
		candidates = append(candidates, fenced)
	}
	if obj := outerObject(text); obj != "" && obj != text {
		candidates = append(candidates, obj)
	}

	var lastErr error
	for _, c := range candidates {
		var d Decision
		if err := json.Unmarshal([]byte(c), &d); err != nil {
			lastErr = err
			continue
		}
		if d.Action == "" {
			lastErr = fmt.Errorf("decision has no action")
			continue
		}
		return &d, nil
	}
	return nil, shared.NewError(shared.CodeValidation, "undecodable decider output: %v", lastErr)
}

func stripFence(text string) string {
	i := strings.Index(text, "```")
	if i < 0 {
		return ""
	}
	rest := text[i+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		// Skip the language tag line, e.g. ```json.
		rest = rest[nl+1:]
	}
	if j := strings.Index(rest, "```"); j >= 0 {
		rest = rest[:j]
	}
	return strings.TrimSpace(rest)
}

// outerObject returns the first balanced {...} region, tracking string
// literals so braces inside values do not confuse the scan.
func outerObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
