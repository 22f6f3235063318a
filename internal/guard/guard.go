// Package guard statically validates candidate SQL before execution.
// It enforces read-only single-statement queries and bounds result size by
// injecting or capping a LIMIT clause. It never rewrites SQL semantically.
package guard

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/orbitalops/dbagent/internal/shared"
)

var (
	writeKeywords  = regexp.MustCompile(`(?i)\b(INSERT|UPDATE|DELETE|MERGE|REPLACE|DROP|TRUNCATE|ALTER|CREATE|GRANT|REVOKE)\b`)
	dangerousFuncs = regexp.MustCompile(`(?i)\b(SLEEP|BENCHMARK|LOAD_FILE)\s*\(`)
	outfileInfile  = regexp.MustCompile(`(?i)\b(INTO\s+OUTFILE|INTO\s+DUMPFILE|LOAD\s+DATA\s+INFILE)\b`)

	lineComment  = regexp.MustCompile(`--[^\n]*`)
	blockComment = regexp.MustCompile(`(?s)/\*.*?\*/`)

	allowedStart = regexp.MustCompile(`(?i)^\s*(SELECT|WITH)\b`)
	limitClause  = regexp.MustCompile(`(?i)\blimit\s+(\d+)`)
)

// Validator applies the read-only and limit policies.
type Validator struct {
	DefaultLimit int
	MaxLimit     int
}

// New creates a Validator with the configured limits.
func New(defaultLimit, maxLimit int) *Validator {
	if defaultLimit <= 0 {
		defaultLimit = 1000
	}
	if maxLimit < defaultLimit {
		maxLimit = defaultLimit
	}
	return &Validator{DefaultLimit: defaultLimit, MaxLimit: maxLimit}
}

// Validate returns the accepted (possibly limit-amended) statement, or a
// typed SECURITY_ERROR rejection. When readOnly is false only the
// single-statement and limit policies apply.
func (v *Validator) Validate(sql string, readOnly bool) (string, error) {
	s := StripComments(sql)
	s, err := SingleStatement(s)
	if err != nil {
		return "", err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", shared.NewError(shared.CodeSecurity, "empty statement")
	}

	if readOnly {
		if err := v.ensureReadOnly(s); err != nil {
			return "", err
		}
	}

	s, _ = v.capLimit(s)
	return s, nil
}

func (v *Validator) ensureReadOnly(sql string) error {
	if m := writeKeywords.FindString(sql); m != "" {
		return shared.NewError(shared.CodeSecurity, "write/DDL keyword %q is not allowed in read-only mode", strings.ToUpper(m))
	}
	if m := dangerousFuncs.FindString(sql); m != "" {
		return shared.NewError(shared.CodeSecurity, "dangerous function call %q is not allowed", strings.TrimSpace(m))
	}
	if m := outfileInfile.FindString(sql); m != "" {
		return shared.NewError(shared.CodeSecurity, "file export/import clause %q is not allowed", strings.ToUpper(m))
	}
	if !allowedStart.MatchString(sql) {
		return shared.NewError(shared.CodeSecurity, "query must start with SELECT or WITH")
	}
	return nil
}

// capLimit injects a LIMIT when missing and caps an existing one at
// MaxLimit. Returns the amended SQL and the effective limit.
func (v *Validator) capLimit(sql string) (string, int) {
	m := limitClause.FindStringSubmatch(sql)
	if m == nil {
		return fmt.Sprintf("%s LIMIT %d", sql, v.DefaultLimit), v.DefaultLimit
	}
	cur, err := strconv.Atoi(m[1])
	if err != nil || cur > v.MaxLimit {
		amended := limitClause.ReplaceAllString(sql, fmt.Sprintf("LIMIT %d", v.MaxLimit))
		return amended, v.MaxLimit
	}
	return sql, cur
}

// StripComments removes line and block comments.
func StripComments(sql string) string {
	s := blockComment.ReplaceAllString(sql, "")
	return lineComment.ReplaceAllString(s, "")
}

// SingleStatement enforces the one-statement policy. A trailing
// separator is tolerated; a separator followed by anything else is a
// chained batch and is rejected.
func SingleStatement(sql string) (string, error) {
	i := strings.IndexByte(sql, ';')
	if i < 0 {
		return sql, nil
	}
	if strings.TrimSpace(sql[i+1:]) != "" {
		return "", shared.NewError(shared.CodeSecurity, "multiple statements are not allowed")
	}
	return sql[:i], nil
}
