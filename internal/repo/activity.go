package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"tracklane/internal/domain"
)

// InsertActivity appends a ledger row. The ledger has no update or delete
// path anywhere in this package.
func (r Repo) InsertActivity(ctx context.Context, e domain.ActivityEntry) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO activity_log(entity_type,entity_id,actor_type,actor_id,action,detail_json,created_at) VALUES (?,?,?,?,?,?,?)`,
		e.EntityType, e.EntityID, e.ActorType, e.ActorID, e.Action, nullable(e.Detail), e.CreatedAt)
	return err
}

type ActivityFilters struct {
	EntityType string
	EntityID   string
	ActorID    string
	Action     string
	Cursor     int64
	Limit      int
}

// ListActivity returns entries newest first.
func (r Repo) ListActivity(ctx context.Context, f ActivityFilters) ([]domain.ActivityEntry, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.EntityType != "" {
		clauses = append(clauses, "entity_type=?")
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.ActorID)
	}
	if f.Action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, f.Action)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,entity_type,entity_id,actor_type,actor_id,action,detail_json,created_at FROM activity_log %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActivityEntry
	for rows.Next() {
		var e domain.ActivityEntry
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.ActorType, &e.ActorID, &e.Action, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Detail = detail.String
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) CountActivity(ctx context.Context, entityType, entityID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM activity_log WHERE entity_type=? AND entity_id=?`,
		entityType, entityID).Scan(&n)
	return n, err
}
