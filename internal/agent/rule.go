package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/orbitalops/dbagent/internal/domain"
)

// identifierRe matches fleet designators such as PRSS-1 or GF3: a
// letter prefix followed by a trailing number, hyphens allowed.
var identifierRe = regexp.MustCompile(`[A-Za-z]{2,}[A-Za-z0-9\-]*\d+`)

// parenRe catches a designator written in (half- or full-width)
// parentheses when the free-text scan finds nothing.
var parenRe = regexp.MustCompile(`[（(]([A-Za-z0-9\-]+)[)）]`)

const contactQueryTemplate = `SELECT DISTINCT ai.aircraft_code, ai.publicity_name,
       at.manage_leader, at.manage_leader_phone,
       at.overall_contact, at.overall_contact_phone,
       at.center_contact, at.center_contact_phone
FROM aircraft_info ai
LEFT JOIN aircraft_team at ON at.aircraft_id = ai.id
WHERE %s
LIMIT 1000`

// RuleDecider answers the common fleet-contact questions without a
// model call. It recognizes designators and satellite names in the
// question and drives a fixed lookup against the contact join; anything
// it cannot match falls back to schema exploration and a best-effort
// finish.
type RuleDecider struct{}

func NewRuleDecider() *RuleDecider { return &RuleDecider{} }

func (r *RuleDecider) Name() string { return "rule" }

func (r *RuleDecider) Decide(_ context.Context, state *domain.AgentState) (*Decision, error) {
	if d := finishAfterQuery(state); d != nil {
		return d, nil
	}

	code, name := extractTokens(state.Question)
	if (code != "" || name != "") && !triedContactQuery(state) {
		sql := buildContactQuery(code, name)
		return &Decision{
			Thought: fmt.Sprintf("question names %s, querying the contact join", strings.TrimSpace(code+" "+name)),
			Action:  ActionRunSQL,
			Args:    map[string]any{"sql": sql},
		}, nil
	}

	if len(state.KnownTables) == 0 {
		return &Decision{
			Thought: "no schema knowledge yet, listing tables",
			Action:  ActionListTables,
			Args:    map[string]any{},
		}, nil
	}

	return &Decision{
		Thought: "no rule matches the question, reporting what is known",
		Action:  ActionFinish,
		Args: map[string]any{
			"answer": map[string]any{
				"answer": fmt.Sprintf("No direct match for the question; available tables: %s", headList(state.KnownTables, 10)),
			},
		},
	}, nil
}

// finishAfterQuery closes the run once the contact query has produced
// an observation, successful or not.
func finishAfterQuery(state *domain.AgentState) *Decision {
	if len(state.Steps) == 0 {
		return nil
	}
	last := state.Steps[len(state.Steps)-1]
	if last.Action != ActionRunSQL || last.Observation == nil {
		return nil
	}
	obs := last.Observation
	if !obs.OK {
		return &Decision{
			Thought: "contact query failed, reporting the error",
			Action:  ActionFinish,
			Args: map[string]any{
				"answer": map[string]any{
					"answer": fmt.Sprintf("lookup failed: %s", obs.Error.Message),
				},
			},
		}
	}
	answer := map[string]any{
		"answer": SummarizeObservation(ActionRunSQL, obs),
		"sql":    obs.Data["sql"],
		"rows":   obs.Preview,
	}
	return &Decision{
		Thought: "contact query returned, finishing",
		Action:  ActionFinish,
		Args:    map[string]any{"answer": answer},
	}
}

func triedContactQuery(state *domain.AgentState) bool {
	for _, s := range state.Steps {
		if s.Action == ActionRunSQL && strings.Contains(argString(s.Args, "sql"), "aircraft_team") {
			return true
		}
	}
	return false
}

// extractTokens pulls a fleet designator and a spoken satellite name
// out of free text. Either may be empty.
func extractTokens(question string) (code, name string) {
	code = identifierRe.FindString(question)
	name = extractSatelliteName(question)
	if code == "" {
		if m := parenRe.FindStringSubmatch(question); m != nil {
			code = m[1]
		}
	}
	return code, name
}

// extractSatelliteName returns the CJK phrase containing 卫星, which in
// practice is the spoken satellite name, or "" when absent.
func extractSatelliteName(question string) string {
	runes := []rune(question)
	start := -1
	for i := 0; i <= len(runes); i++ {
		if i < len(runes) && isCJK(runes[i]) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			run := string(runes[start:i])
			if strings.Contains(run, "卫星") {
				return run
			}
			start = -1
		}
	}
	return ""
}

func isCJK(r rune) bool { return r >= 0x4E00 && r <= 0x9FFF }

func buildContactQuery(code, name string) string {
	var conds []string
	if code != "" {
		conds = append(conds, fmt.Sprintf("ai.aircraft_code = '%s'", escapeLike(code)))
	}
	if name != "" {
		esc := escapeLike(name)
		conds = append(conds, fmt.Sprintf("ai.publicity_name LIKE '%%%s%%' OR ai.aircraft_name LIKE '%%%s%%'", esc, esc))
	}
	if len(conds) == 0 {
		conds = append(conds, "1=1")
	}
	return fmt.Sprintf(contactQueryTemplate, strings.Join(conds, " OR "))
}

func escapeLike(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
