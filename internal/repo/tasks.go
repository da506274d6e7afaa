package repo

import (
	"context"
	"database/sql"
	"strings"

	"tracklane/internal/domain"
)

const taskCols = `id,project_id,plan_id,phase_id,title,description,status,priority,size,deadline_at,data_origin,source_id,validation_status,outcome,completed_at,created_at,updated_at`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var planID, phaseID, description, priority, size, deadlineAt, sourceID, validationStatus, outcome, completedAt sql.NullString
	err := scan(&t.ID, &t.ProjectID, &planID, &phaseID, &t.Title, &description, &t.Status, &priority, &size,
		&deadlineAt, &t.DataOrigin, &sourceID, &validationStatus, &outcome, &completedAt, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.PlanID = strPtr(planID)
	t.PhaseID = strPtr(phaseID)
	t.Description = description.String
	t.Priority = priority.String
	t.Size = size.String
	t.DeadlineAt = strPtr(deadlineAt)
	t.SourceID = strPtr(sourceID)
	t.ValidationStatus = validationStatus.String
	t.Outcome = outcome.String
	t.CompletedAt = strPtr(completedAt)
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, t domain.Task) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO tasks(`+taskCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, nullableStringPtr(t.PlanID), nullableStringPtr(t.PhaseID), t.Title, nullable(t.Description),
		t.Status, nullable(t.Priority), nullable(t.Size), nullableStringPtr(t.DeadlineAt), t.DataOrigin,
		nullableStringPtr(t.SourceID), nullable(t.ValidationStatus), nullable(t.Outcome),
		nullableStringPtr(t.CompletedAt), t.CreatedAt, t.UpdatedAt)
	return mapErr(err)
}

func (r Repo) UpdateTask(ctx context.Context, t domain.Task) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET plan_id=?, phase_id=?, title=?, description=?, status=?, priority=?, size=?, deadline_at=?, source_id=?, validation_status=?, outcome=?, completed_at=?, updated_at=? WHERE id=?`,
		nullableStringPtr(t.PlanID), nullableStringPtr(t.PhaseID), t.Title, nullable(t.Description), t.Status,
		nullable(t.Priority), nullable(t.Size), nullableStringPtr(t.DeadlineAt), nullableStringPtr(t.SourceID),
		nullable(t.ValidationStatus), nullable(t.Outcome), nullableStringPtr(t.CompletedAt), t.UpdatedAt, t.ID)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

// GetTaskBySource looks a task up by its natural key.
func (r Repo) GetTaskBySource(ctx context.Context, projectID, sourceID string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE project_id=? AND source_id=?`, projectID, sourceID)
	return scanTask(row.Scan)
}

type TaskFilters struct {
	ProjectID  string
	ProjectIDs []string
	Status     string
	NotStatus  string
	PlanID     string
	PhaseID    string
	DataOrigin string
	IDs        []string
	Limit      int
}

func (f TaskFilters) clauses() ([]string, []any) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if len(f.ProjectIDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.ProjectIDs)), ",")
		clauses = append(clauses, "project_id IN ("+placeholders+")")
		for _, id := range f.ProjectIDs {
			args = append(args, id)
		}
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.NotStatus != "" {
		clauses = append(clauses, "status != ?")
		args = append(args, f.NotStatus)
	}
	if f.PlanID != "" {
		clauses = append(clauses, "plan_id=?")
		args = append(args, f.PlanID)
	}
	if f.PhaseID != "" {
		clauses = append(clauses, "phase_id=?")
		args = append(args, f.PhaseID)
	}
	if f.DataOrigin != "" {
		clauses = append(clauses, "data_origin=?")
		args = append(args, f.DataOrigin)
	}
	if len(f.IDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.IDs)), ",")
		clauses = append(clauses, "id IN ("+placeholders+")")
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	return clauses, args
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	clauses, args := f.clauses()
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskCols + ` FROM tasks ` + where + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) CountTasks(ctx context.Context, f TaskFilters) (int, error) {
	clauses, args := f.clauses()
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM tasks `+where, args...).Scan(&n)
	return n, err
}

func (r Repo) CountTasksByStatus(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}
