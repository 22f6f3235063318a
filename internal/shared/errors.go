// Package shared provides common utilities used across the codebase.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode classifies an agent failure for retry and reporting decisions.
type ErrorCode string

const (
	// CodeValidation indicates a malformed action or argument from a decider.
	CodeValidation ErrorCode = "VALIDATION_ERROR"
	// CodeSecurity indicates a SQL Guard rejection.
	CodeSecurity ErrorCode = "SECURITY_ERROR"
	// CodeExecution indicates a database failure (unknown table, syntax error).
	CodeExecution ErrorCode = "EXECUTION_ERROR"
	// CodeTimeout indicates an external call exceeded its deadline.
	CodeTimeout ErrorCode = "TIMEOUT_ERROR"
	// CodeUpstream indicates the LLM or a collaborator service is unavailable.
	CodeUpstream ErrorCode = "UPSTREAM_ERROR"
	// CodeStepLimit indicates the loop terminated without an explicit finish.
	CodeStepLimit ErrorCode = "STEP_LIMIT_EXCEEDED"
	// CodeBusy indicates the thread is already owned by a running loop.
	CodeBusy ErrorCode = "THREAD_BUSY"
	// CodeNotFound indicates a missing table or conversation.
	CodeNotFound ErrorCode = "NOT_FOUND"
)

// AgentError is the typed error carried through the loop and into
// error_history. Recoverable errors are surfaced to the decider as the next
// observation; the rest escalate.
type AgentError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *AgentError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return string(e.Code)
}

func (e *AgentError) Unwrap() error { return e.Err }

// NewError builds an AgentError with a formatted message.
func NewError(code ErrorCode, format string, args ...any) *AgentError {
	return &AgentError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a code to an underlying error.
func WrapError(code ErrorCode, err error) *AgentError {
	if err == nil {
		return nil
	}
	return &AgentError{Code: code, Message: err.Error(), Err: err}
}

// CodeOf extracts the ErrorCode from err, defaulting to CodeExecution for
// plain errors so unclassified database failures stay recoverable.
func CodeOf(err error) ErrorCode {
	var ae *AgentError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeExecution
}

// Recoverable reports whether the decider should see this error as an
// observation and get another attempt, rather than failing the loop.
// A missing table is recoverable: the decider can pick another one.
func Recoverable(code ErrorCode) bool {
	switch code {
	case CodeValidation, CodeSecurity, CodeExecution, CodeTimeout, CodeUpstream, CodeNotFound:
		return true
	default:
		return false
	}
}

// IsSQLiteBusyError checks if the error is a SQLITE_BUSY error.
// This occurs when the database is locked by another connection.
func IsSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "SQLITE_BUSY")
}

// IsSQLiteLockedError checks if the error is a "database is locked" error.
func IsSQLiteLockedError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "database is locked")
}

// IsSQLiteConflictError reports whether err is a SQLite concurrency error
// that typically warrants retry logic.
func IsSQLiteConflictError(err error) bool {
	if err == nil {
		return false
	}
	return IsSQLiteBusyError(err) || IsSQLiteLockedError(err)
}
