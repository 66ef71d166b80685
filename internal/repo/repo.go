package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"followups/internal/db"
	"followups/internal/domain"
)

// Repo is the query interface over the relational store.
type Repo struct {
	DB     *sql.DB
	Driver string
}

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyCompleted = errors.New("task already completed")
)

func (r Repo) q(query string) string {
	return db.Rebind(r.Driver, query)
}

func scanApplication(row *sql.Row) (domain.Application, error) {
	var a domain.Application
	err := row.Scan(&a.ID, &a.TenantID)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// InsertApplication seeds an application record. Applications are owned by an
// external provisioning process; this exists for local setups and tests.
func (r Repo) InsertApplication(ctx context.Context, a domain.Application) error {
	_, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO applications(id,tenant_id) VALUES (?,?)`), a.ID, a.TenantID)
	return err
}

func (r Repo) GetApplication(ctx context.Context, id string) (domain.Application, error) {
	return scanApplication(r.DB.QueryRowContext(ctx, r.q(`SELECT id,tenant_id FROM applications WHERE id=?`), id))
}

func (r Repo) ListApplications(ctx context.Context) ([]domain.Application, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,tenant_id FROM applications ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Application
	for rows.Next() {
		var a domain.Application
		if err := rows.Scan(&a.ID, &a.TenantID); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// InsertTask stores t and returns the identifier the store assigned to it.
// Any ID already set on t is ignored.
func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) (string, error) {
	id := uuid.NewString()
	if t.Status == "" {
		t.Status = domain.TaskStatusOpen
	}
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO tasks(id,tenant_id,application_id,type,due_at,status) VALUES (?,?,?,?,?,?)`),
		id, t.TenantID, t.ApplicationID, string(t.Type), t.DueAt, string(t.Status))
	if err != nil {
		return "", err
	}
	return id, nil
}

const taskColumns = `id,tenant_id,application_id,type,due_at,status`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (domain.Task, error) {
	var t domain.Task
	var taskType, status string
	if err := s.Scan(&t.ID, &t.TenantID, &t.ApplicationID, &taskType, &t.DueAt, &status); err != nil {
		return t, err
	}
	var err error
	if t.Type, err = domain.ParseTaskType(taskType); err != nil {
		return t, fmt.Errorf("task %s: %w", t.ID, err)
	}
	if t.Status, err = domain.ParseTaskStatus(status); err != nil {
		return t, fmt.Errorf("task %s: %w", t.ID, err)
	}
	return t, nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := scanTask(r.DB.QueryRowContext(ctx, r.q(`SELECT `+taskColumns+` FROM tasks WHERE id=?`), id))
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

// DueFilters selects tasks by due window. From is inclusive, To exclusive;
// both use domain.TimeLayout.
type DueFilters struct {
	From          string
	To            string
	ExcludeStatus domain.TaskStatus
	TenantID      string
}

// ListDueTasks returns matching tasks ordered by due_at, then id.
func (r Repo) ListDueTasks(ctx context.Context, f DueFilters) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE due_at >= ? AND due_at < ?`
	args := []any{f.From, f.To}
	if f.ExcludeStatus != "" {
		query += ` AND status <> ?`
		args = append(args, string(f.ExcludeStatus))
	}
	if f.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, f.TenantID)
	}
	query += ` ORDER BY due_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// CompleteTask moves an open task to completed and returns the updated row.
// It reports ErrNotFound for unknown ids and ErrAlreadyCompleted when the
// task was not open.
func (r Repo) CompleteTask(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE tasks SET status=? WHERE id=? AND status=?`),
		string(domain.TaskStatusCompleted), id, string(domain.TaskStatusOpen))
	if err != nil {
		return domain.Task{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Task{}, err
	}
	t, err := scanTask(tx.QueryRowContext(ctx, r.q(`SELECT `+taskColumns+` FROM tasks WHERE id=?`), id))
	if err == sql.ErrNoRows {
		return domain.Task{}, ErrNotFound
	}
	if err != nil {
		return domain.Task{}, err
	}
	if affected == 0 {
		return t, ErrAlreadyCompleted
	}
	return t, nil
}
