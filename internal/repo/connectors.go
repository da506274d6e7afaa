package repo

import (
	"context"
	"database/sql"
	"strings"

	"tracklane/internal/domain"
)

const connectorCols = `id,project_id,connector_type,status,config_json,created_at,updated_at`

func scanConnector(scan func(dest ...any) error) (domain.Connector, error) {
	var c domain.Connector
	var config sql.NullString
	err := scan(&c.ID, &c.ProjectID, &c.ConnectorType, &c.Status, &config, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.ConfigJSON = config.String
	return c, nil
}

func (r Repo) InsertConnector(ctx context.Context, c domain.Connector) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO connectors(`+connectorCols+`) VALUES (?,?,?,?,?,?,?)`,
		c.ID, c.ProjectID, c.ConnectorType, c.Status, nullable(c.ConfigJSON), c.CreatedAt, c.UpdatedAt)
	return mapErr(err)
}

func (r Repo) UpdateConnector(ctx context.Context, c domain.Connector) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE connectors SET status=?, config_json=?, updated_at=? WHERE id=?`,
		c.Status, nullable(c.ConfigJSON), c.UpdatedAt, c.ID)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetConnector(ctx context.Context, id string) (domain.Connector, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+connectorCols+` FROM connectors WHERE id=?`, id)
	return scanConnector(row.Scan)
}

func (r Repo) GetConnectorByType(ctx context.Context, projectID, connectorType string) (domain.Connector, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+connectorCols+` FROM connectors WHERE project_id=? AND connector_type=?`,
		projectID, connectorType)
	return scanConnector(row.Scan)
}

type ConnectorFilters struct {
	ProjectID     string
	ProjectIDs    []string
	ConnectorType string
	Status        string
}

func (r Repo) ListConnectors(ctx context.Context, f ConnectorFilters) ([]domain.Connector, error) {
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
	if f.ConnectorType != "" {
		clauses = append(clauses, "connector_type=?")
		args = append(args, f.ConnectorType)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+connectorCols+` FROM connectors `+where+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Connector
	for rows.Next() {
		c, err := scanConnector(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
