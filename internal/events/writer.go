package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"followups/internal/db"
	"followups/internal/domain"
)

const (
	TaskCreated   = "task.created"
	TaskCompleted = "task.completed"
)

type Writer struct {
	Driver string
	Now    func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, tenantID, entityKind, entityID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := domain.FormatTime(w.Now())
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, db.Rebind(w.Driver, `INSERT INTO events(ts,type,tenant_id,entity_kind,entity_id,payload_json) VALUES (?,?,?,?,?,?)`),
		ts, evtType, nullable(tenantID), entityKind, nullable(entityID), string(data))
	return err
}

// TaskAppend records a task lifecycle event.
func (w Writer) TaskAppend(ctx context.Context, tx *sql.Tx, evtType string, t domain.Task) error {
	return w.Append(ctx, tx, evtType, t.TenantID, "task", t.ID, EventPayload{
		"application_id": t.ApplicationID,
		"type":           string(t.Type),
		"due_at":         t.DueAt,
		"status":         string(t.Status),
	})
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
