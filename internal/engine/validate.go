package engine

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"followups/internal/domain"
)

var validate = validator.New()

var taskTypeRule = "oneof=" + domain.TaskTypeNames(" ")

// CreateTaskRequest is the raw creation payload.
type CreateTaskRequest struct {
	ApplicationID string `json:"application_id" validate:"required"`
	TaskType      string `json:"task_type" validate:"required"`
	DueAt         string `json:"due_at" validate:"required"`
}

type validTask struct {
	ApplicationID string
	Type          domain.TaskType
	DueAt         time.Time
}

// zoned layouts carry their own offset.
var zonedLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04Z07:00",
}

// naive layouts are read in the engine location.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04",
}

// ParseDueAt accepts ISO-8601 timestamps. Date-only values mean UTC midnight.
func ParseDueAt(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	var lastErr error
	for _, layout := range zonedLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range naiveLayouts {
		t, err := time.ParseInLocation(layout, s, loc)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// validateCreate runs the checks in order and stops at the first failure.
func validateCreate(req CreateTaskRequest, now time.Time, loc *time.Location) (validTask, error) {
	if err := validate.Struct(req); err != nil {
		return validTask{}, &ValidationError{Message: MsgMissingFields}
	}
	if err := validate.Var(req.TaskType, taskTypeRule); err != nil {
		return validTask{}, &ValidationError{Field: "task_type", Message: MsgInvalidType}
	}
	taskType, err := domain.ParseTaskType(req.TaskType)
	if err != nil {
		return validTask{}, &ValidationError{Field: "task_type", Message: MsgInvalidType}
	}
	due, err := ParseDueAt(req.DueAt, loc)
	if err != nil {
		return validTask{}, &ValidationError{Field: "due_at", Message: MsgInvalidDate}
	}
	if !due.After(now) {
		return validTask{}, &ValidationError{Field: "due_at", Message: MsgDueNotInFuture}
	}
	return validTask{
		ApplicationID: req.ApplicationID,
		Type:          taskType,
		DueAt:         due,
	}, nil
}
