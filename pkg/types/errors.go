package types

import (
	"errors"
	"fmt"
)

// Error taxonomy. Every operation of the database returns one of these
// (possibly wrapped); callers test with errors.Is.
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotFound         = errors.New("not found")
	ErrSchemaViolation  = errors.New("schema violation")
	ErrValidation       = errors.New("validation error")
	ErrQuery            = errors.New("query error")
)

// ErrSessionExpired is reported for unknown, idle, or hijacked sessions.
// It satisfies errors.Is(err, ErrPermissionDenied).
var ErrSessionExpired = fmt.Errorf("session expired: %w", ErrPermissionDenied)

// Lifecycle errors.
var (
	ErrDetached    = errors.New("database is closed")
	ErrStoreFailed = errors.New("store failed; reopen required")
	ErrBulkMode    = errors.New("operation not allowed in bulk mode")
)

// PermissionError identifies the record and operation that was refused.
type PermissionError struct {
	Op       string // read, comment, write, owner, create
	RecordID uint64 // 0 for unsaved records and non-record targets
	Target   string // optional field or entity name
}

func (e *PermissionError) Error() string {
	msg := "permission denied: " + e.Op
	if e.RecordID != 0 {
		msg += fmt.Sprintf(" record %d", e.RecordID)
	}
	if e.Target != "" {
		msg += " (" + e.Target + ")"
	}
	return msg
}

// Is makes PermissionError match ErrPermissionDenied.
func (e *PermissionError) Is(target error) bool {
	return target == ErrPermissionDenied
}

// Query error codes.
const (
	QueryUnknownName     = "unknown_name"
	QueryAmbiguousName   = "ambiguous_name"
	QueryTooManyCommands = "too_many_commands"
	QuerySyntax          = "syntax"
	QueryNotImplemented  = "not_implemented"
)

// QueryError reports an unparseable or ambiguous query. It travels through
// the ordinary error return like every other failure.
type QueryError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Token   string `json:"token,omitempty"`
}

func (e *QueryError) Error() string {
	if e.Token != "" {
		return fmt.Sprintf("query error (%s): %s: %q", e.Code, e.Message, e.Token)
	}
	return fmt.Sprintf("query error (%s): %s", e.Code, e.Message)
}

// Is makes QueryError match ErrQuery.
func (e *QueryError) Is(target error) bool {
	return target == ErrQuery
}
