package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"tracklane/internal/domain"
)

// Repo is the typed store adapter. The engine treats it as a reliable,
// strongly-consistent row store; row-level unique constraints are the final
// authority for every cross-request invariant.
type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict wraps store-level uniqueness violations so callers can
	// tell a lost race from a generic store failure.
	ErrConflict = errors.New("conflict")
)

// mapErr converts sqlite constraint violations into ErrConflict.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed") {
		return fmt.Errorf("%w: %s", ErrConflict, err)
	}
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// --- projects ---

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO projects(id,name,status,project_type,workflow_type,current_phase_id,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, p.Status, p.ProjectType, p.WorkflowType, nullableStringPtr(p.CurrentPhaseID), p.CreatedAt, p.UpdatedAt)
	return mapErr(err)
}

const projectCols = `id,name,status,project_type,workflow_type,current_phase_id,created_at,updated_at`

func scanProject(scan func(dest ...any) error) (domain.Project, error) {
	var p domain.Project
	var currentPhase sql.NullString
	err := scan(&p.ID, &p.Name, &p.Status, &p.ProjectType, &p.WorkflowType, &currentPhase, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.CurrentPhaseID = strPtr(currentPhase)
	return p, nil
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE id=?`, id)
	return scanProject(row.Scan)
}

type ProjectFilters struct {
	Status string
	IDs    []string
}

func (r Repo) ListProjects(ctx context.Context, f ProjectFilters) ([]domain.Project, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if len(f.IDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.IDs)), ",")
		clauses = append(clauses, "id IN ("+placeholders+")")
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectCols+` FROM projects `+where+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	projects, err := r.ListProjects(ctx, ProjectFilters{})
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

// UpdateProject writes name/status. workflow_type is deliberately not
// updatable through any path.
func (r Repo) UpdateProject(ctx context.Context, id string, name, status, updatedAt string) error {
	var fields []string
	var args []any
	if name != "" {
		fields = append(fields, "name=?")
		args = append(args, name)
	}
	if status != "" {
		fields = append(fields, "status=?")
		args = append(args, status)
	}
	if len(fields) == 0 {
		return nil
	}
	fields = append(fields, "updated_at=?")
	args = append(args, updatedAt, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE projects SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetCurrentPhase(ctx context.Context, tx *sql.Tx, projectID string, phaseID *string, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE projects SET current_phase_id=?, updated_at=? WHERE id=?`,
		nullableStringPtr(phaseID), updatedAt, projectID)
	return err
}

func (r Repo) DeleteProject(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- plans ---

const planCols = `id,project_id,name,status,approved_by,approved_at,created_at,updated_at`

func scanPlan(scan func(dest ...any) error) (domain.Plan, error) {
	var p domain.Plan
	var approvedBy, approvedAt sql.NullString
	err := scan(&p.ID, &p.ProjectID, &p.Name, &p.Status, &approvedBy, &approvedAt, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.ApprovedBy = strPtr(approvedBy)
	p.ApprovedAt = strPtr(approvedAt)
	return p, nil
}

func (r Repo) InsertPlan(ctx context.Context, p domain.Plan) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO plans(id,project_id,name,status,approved_by,approved_at,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.ProjectID, p.Name, p.Status, nullableStringPtr(p.ApprovedBy), nullableStringPtr(p.ApprovedAt), p.CreatedAt, p.UpdatedAt)
	return mapErr(err)
}

func (r Repo) GetPlan(ctx context.Context, id string) (domain.Plan, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+planCols+` FROM plans WHERE id=?`, id)
	return scanPlan(row.Scan)
}

func (r Repo) UpdatePlan(ctx context.Context, p domain.Plan) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE plans SET name=?, status=?, approved_by=?, approved_at=?, updated_at=? WHERE id=?`,
		p.Name, p.Status, nullableStringPtr(p.ApprovedBy), nullableStringPtr(p.ApprovedAt), p.UpdatedAt, p.ID)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListPlans(ctx context.Context, projectID string) ([]domain.Plan, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+planCols+` FROM plans WHERE project_id=? ORDER BY created_at DESC, id DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Plan
	for rows.Next() {
		p, err := scanPlan(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ActivePlan returns the project's non-completed plan, if any.
func (r Repo) ActivePlan(ctx context.Context, projectID string) (domain.Plan, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+planCols+` FROM plans WHERE project_id=? AND status != ? LIMIT 1`,
		projectID, domain.PlanCompleted)
	return scanPlan(row.Scan)
}

func (r Repo) CountActivePlans(ctx context.Context, projectID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM plans WHERE project_id=? AND status != ?`,
		projectID, domain.PlanCompleted).Scan(&n)
	return n, err
}

// --- phases ---

const phaseCols = `id,plan_id,project_id,name,sort_order,status,started_at,completed_at,created_at,updated_at`

func scanPhase(scan func(dest ...any) error) (domain.Phase, error) {
	var p domain.Phase
	var startedAt, completedAt sql.NullString
	err := scan(&p.ID, &p.PlanID, &p.ProjectID, &p.Name, &p.SortOrder, &p.Status, &startedAt, &completedAt, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.StartedAt = strPtr(startedAt)
	p.CompletedAt = strPtr(completedAt)
	return p, nil
}

func (r Repo) InsertPhase(ctx context.Context, p domain.Phase) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO phases(id,plan_id,project_id,name,sort_order,status,started_at,completed_at,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.PlanID, p.ProjectID, p.Name, p.SortOrder, p.Status, nullableStringPtr(p.StartedAt), nullableStringPtr(p.CompletedAt), p.CreatedAt, p.UpdatedAt)
	return mapErr(err)
}

func (r Repo) GetPhase(ctx context.Context, id string) (domain.Phase, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+phaseCols+` FROM phases WHERE id=?`, id)
	return scanPhase(row.Scan)
}

func (r Repo) UpdatePhase(ctx context.Context, tx *sql.Tx, p domain.Phase) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	res, err := exec(ctx, `UPDATE phases SET name=?, status=?, started_at=?, completed_at=?, updated_at=? WHERE id=?`,
		p.Name, p.Status, nullableStringPtr(p.StartedAt), nullableStringPtr(p.CompletedAt), p.UpdatedAt, p.ID)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListPhases(ctx context.Context, planID string) ([]domain.Phase, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+phaseCols+` FROM phases WHERE plan_id=? ORDER BY sort_order ASC`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Phase
	for rows.Next() {
		p, err := scanPhase(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// MaxPhaseSortOrder returns the highest sort_order in a plan, 0 when empty.
func (r Repo) MaxPhaseSortOrder(ctx context.Context, planID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(sort_order),0) FROM phases WHERE plan_id=?`, planID).Scan(&n)
	return n, err
}
