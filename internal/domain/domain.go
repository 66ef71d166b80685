package domain

import (
	"fmt"
	"strings"
	"time"
)

// TaskType is the closed set of follow-up kinds.
type TaskType string

const (
	TaskTypeCall   TaskType = "call"
	TaskTypeEmail  TaskType = "email"
	TaskTypeReview TaskType = "review"
)

// TaskTypes lists every valid task type in display order.
var TaskTypes = []TaskType{TaskTypeCall, TaskTypeEmail, TaskTypeReview}

// ParseTaskType converts raw input into a TaskType.
func ParseTaskType(s string) (TaskType, error) {
	for _, t := range TaskTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown task type %q", s)
}

// TaskTypeNames joins the valid types with sep.
func TaskTypeNames(sep string) string {
	names := make([]string, 0, len(TaskTypes))
	for _, t := range TaskTypes {
		names = append(names, string(t))
	}
	return strings.Join(names, sep)
}

// TaskStatus only ever moves from open to completed.
type TaskStatus string

const (
	TaskStatusOpen      TaskStatus = "open"
	TaskStatusCompleted TaskStatus = "completed"
)

func ParseTaskStatus(s string) (TaskStatus, error) {
	switch TaskStatus(s) {
	case TaskStatusOpen, TaskStatusCompleted:
		return TaskStatus(s), nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

type Application struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
}

type Task struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenant_id"`
	ApplicationID string     `json:"application_id"`
	Type          TaskType   `json:"type" enum:"call,email,review"`
	DueAt         string     `json:"due_at" format:"date-time"`
	Status        TaskStatus `json:"status" enum:"open,completed"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	TenantID   string `json:"tenant_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}

// TimeLayout is fixed width so stored timestamps sort lexically in time order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders t in UTC using TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Due parses the stored due timestamp.
func (t Task) Due() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, t.DueAt)
}
