package engine

import (
	"fmt"
	"strings"

	"followups/internal/domain"
)

// Messages returned to callers. They are part of the HTTP contract.
const (
	MsgMissingFields   = "Missing required fields"
	MsgInvalidDate     = "Invalid date format for due_at"
	MsgDueNotInFuture  = "due_at must be in the future"
	MsgInternal        = "Internal server error"
	msgInvalidTypeHead = "Invalid task_type. Must be one of: "
)

// MsgInvalidType names every accepted task type.
var MsgInvalidType = msgInvalidTypeHead + domain.TaskTypeNames(", ")

// ValidationError is a client-correctable input problem. It is always
// reported before any store write.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// NotFoundError reports a referenced entity that does not exist.
type NotFoundError struct {
	Entity string
	ID     string
	Err    error
}

func (e *NotFoundError) Error() string {
	if e.Entity == "" {
		return "Not found"
	}
	return strings.ToUpper(e.Entity[:1]) + e.Entity[1:] + " not found"
}

func (e *NotFoundError) Unwrap() error { return e.Err }

// InternalError wraps store or unexpected failures. Its message is for logs
// only; callers see MsgInternal.
type InternalError struct {
	Op  string
	Err error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InternalError) Unwrap() error { return e.Err }
