package repo

import (
	"context"
	"database/sql"
	"strings"

	"followups/internal/domain"
)

type EventFilters struct {
	Type       string
	EntityKind string
	EntityID   string
	Limit      int
}

// LatestEvents returns events newest first.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	var clauses []string
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	query := `SELECT id,ts,type,tenant_id,entity_kind,entity_id,payload_json FROM events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var tenantID, entityID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &tenantID, &e.EntityKind, &entityID, &e.Payload); err != nil {
			return nil, err
		}
		e.TenantID = tenantID.String
		e.EntityID = entityID.String
		res = append(res, e)
	}
	return res, rows.Err()
}
