package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"followups/internal/domain"
	"followups/internal/events"
	"followups/internal/logging"
	"followups/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Log    *log.Logger
	// Location interprets due_at values that carry no offset.
	Location *time.Location
	Now      func() time.Time
}

func New(conn *sql.DB, driver string, logger *log.Logger) Engine {
	if logger == nil {
		logger = logging.Discard()
	}
	return Engine{
		DB:       conn,
		Repo:     repo.Repo{DB: conn, Driver: driver},
		Events:   events.Writer{Driver: driver},
		Log:      logger,
		Location: time.UTC,
		Now:      time.Now,
	}
}

// Clock returns the current instant from the injected clock.
func (e Engine) Clock() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *log.Logger {
	if e.Log != nil {
		return e.Log
	}
	return logging.Discard()
}

// CreateTask validates req against now, resolves the application's tenant and
// inserts an open task. It returns the store-generated id.
//
// Errors are *ValidationError, *NotFoundError or *InternalError. Nothing is
// written unless validation and the tenant lookup both succeed. Calls are not
// deduplicated.
func (e Engine) CreateTask(ctx context.Context, req CreateTaskRequest, now time.Time) (string, error) {
	v, err := validateCreate(req, now, e.Location)
	if err != nil {
		return "", err
	}
	app, err := e.Repo.GetApplication(ctx, v.ApplicationID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			e.logger().WithError(err).WithField("application_id", v.ApplicationID).Warn("application lookup failed")
		}
		return "", &NotFoundError{Entity: "application", ID: v.ApplicationID, Err: err}
	}
	t := domain.Task{
		TenantID:      app.TenantID,
		ApplicationID: app.ID,
		Type:          v.Type,
		DueAt:         domain.FormatTime(v.DueAt),
		Status:        domain.TaskStatusOpen,
	}
	id, err := e.insertTask(ctx, t)
	if err != nil {
		e.logger().WithError(err).WithFields(log.Fields{
			"application_id": t.ApplicationID,
			"tenant_id":      t.TenantID,
			"task_type":      string(t.Type),
		}).Error("insert task failed")
		return "", &InternalError{Op: "insert task", Err: err}
	}
	e.logger().WithFields(log.Fields{
		"task_id":   id,
		"tenant_id": t.TenantID,
		"task_type": string(t.Type),
	}).Info("task created")
	return id, nil
}

func (e Engine) insertTask(ctx context.Context, t domain.Task) (string, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	id, err := e.Repo.InsertTask(ctx, tx, t)
	if err != nil {
		return "", err
	}
	t.ID = id
	if err := e.Events.TaskAppend(ctx, tx, events.TaskCreated, t); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// DayWindow returns the half-open local calendar day [start, end) holding now.
func DayWindow(now time.Time) (time.Time, time.Time) {
	y, m, d := now.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	return start, start.AddDate(0, 0, 1)
}

// ListToday returns the tasks that are not completed and fall due on now's
// calendar day in now's location, earliest first.
func (e Engine) ListToday(ctx context.Context, now time.Time) ([]domain.Task, error) {
	start, end := DayWindow(now)
	tasks, err := e.Repo.ListDueTasks(ctx, repo.DueFilters{
		From:          domain.FormatTime(start),
		To:            domain.FormatTime(end),
		ExcludeStatus: domain.TaskStatusCompleted,
	})
	if err != nil {
		return nil, fmt.Errorf("list today: %w", err)
	}
	return tasks, nil
}

// MarkComplete moves task id from open to completed. Unknown ids yield a
// *NotFoundError and completed tasks repo.ErrAlreadyCompleted, so callers can
// tell both apart from store failures.
func (e Engine) MarkComplete(ctx context.Context, id string) error {
	if id == "" {
		return &ValidationError{Field: "id", Message: "task id is required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return &InternalError{Op: "complete task", Err: err}
	}
	defer tx.Rollback()

	t, err := e.Repo.CompleteTask(ctx, tx, id)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return &NotFoundError{Entity: "task", ID: id, Err: err}
	case errors.Is(err, repo.ErrAlreadyCompleted):
		return fmt.Errorf("complete task %s: %w", id, err)
	case err != nil:
		e.logger().WithError(err).WithField("task_id", id).Error("complete task failed")
		return &InternalError{Op: "complete task", Err: err}
	}
	if err := e.Events.TaskAppend(ctx, tx, events.TaskCompleted, t); err != nil {
		return &InternalError{Op: "append completion event", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &InternalError{Op: "commit completion", Err: err}
	}
	e.logger().WithField("task_id", id).Info("task completed")
	return nil
}
