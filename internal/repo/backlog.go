package repo

import (
	"context"
	"database/sql"
	"strings"

	"tracklane/internal/domain"
)

const backlogCols = `id,project_id,title,description,status,priority,size,item_type,data_origin,source_id,promoted_to_task_id,created_at,updated_at`

func scanBacklogItem(scan func(dest ...any) error) (domain.BacklogItem, error) {
	var b domain.BacklogItem
	var description, priority, size, itemType, sourceID, promotedTo sql.NullString
	err := scan(&b.ID, &b.ProjectID, &b.Title, &description, &b.Status, &priority, &size, &itemType,
		&b.DataOrigin, &sourceID, &promotedTo, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	b.Description = description.String
	b.Priority = priority.String
	b.Size = size.String
	b.ItemType = itemType.String
	b.SourceID = strPtr(sourceID)
	b.PromotedToTaskID = strPtr(promotedTo)
	return b, nil
}

func (r Repo) InsertBacklogItem(ctx context.Context, b domain.BacklogItem) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO backlog_items(`+backlogCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.ProjectID, b.Title, nullable(b.Description), b.Status, nullable(b.Priority), nullable(b.Size),
		nullable(b.ItemType), b.DataOrigin, nullableStringPtr(b.SourceID), nullableStringPtr(b.PromotedToTaskID),
		b.CreatedAt, b.UpdatedAt)
	return mapErr(err)
}

func (r Repo) UpdateBacklogItem(ctx context.Context, b domain.BacklogItem) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE backlog_items SET title=?, description=?, status=?, priority=?, size=?, item_type=?, source_id=?, promoted_to_task_id=?, updated_at=? WHERE id=?`,
		b.Title, nullable(b.Description), b.Status, nullable(b.Priority), nullable(b.Size), nullable(b.ItemType),
		nullableStringPtr(b.SourceID), nullableStringPtr(b.PromotedToTaskID), b.UpdatedAt, b.ID)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetBacklogItem(ctx context.Context, id string) (domain.BacklogItem, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+backlogCols+` FROM backlog_items WHERE id=?`, id)
	return scanBacklogItem(row.Scan)
}

func (r Repo) GetBacklogItemBySource(ctx context.Context, projectID, sourceID string) (domain.BacklogItem, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+backlogCols+` FROM backlog_items WHERE project_id=? AND source_id=?`, projectID, sourceID)
	return scanBacklogItem(row.Scan)
}

type BacklogFilters struct {
	ProjectID  string
	Status     string
	DataOrigin string
	Limit      int
}

func (r Repo) ListBacklogItems(ctx context.Context, f BacklogFilters) ([]domain.BacklogItem, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.DataOrigin != "" {
		clauses = append(clauses, "data_origin=?")
		args = append(args, f.DataOrigin)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + backlogCols + ` FROM backlog_items ` + where + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BacklogItem
	for rows.Next() {
		b, err := scanBacklogItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}
