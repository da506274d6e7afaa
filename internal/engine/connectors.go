package engine

import (
	"context"
	"encoding/json"

	"tracklane/internal/activity"
	"tracklane/internal/domain"
)

type RegisterConnectorOptions struct {
	ProjectID     string
	ConnectorType string
	ConfigJSON    string
}

// RegisterConnector attaches a connector to a project. One connector per
// (project, type); the unique index settles races.
func (e Engine) RegisterConnector(ctx context.Context, opts RegisterConnectorOptions, actor domain.Actor) (domain.Connector, error) {
	if opts.ConnectorType == "" {
		opts.ConnectorType = e.syncConnectorType()
	}
	if e.Config != nil && len(e.Config.Connectors.Catalog) > 0 {
		if _, ok := e.Config.Connectors.Catalog[opts.ConnectorType]; !ok {
			return domain.Connector{}, validationf("unknown connector type %q", opts.ConnectorType)
		}
	}
	if opts.ConfigJSON != "" && !json.Valid([]byte(opts.ConfigJSON)) {
		return domain.Connector{}, validationf("connector config is not valid JSON")
	}
	project, err := e.Repo.GetProject(ctx, opts.ProjectID)
	if err != nil {
		return domain.Connector{}, err
	}
	now := e.timestamp()
	c := domain.Connector{
		ID:            newID(),
		ProjectID:     project.ID,
		ConnectorType: opts.ConnectorType,
		Status:        domain.ConnectorActive,
		ConfigJSON:    opts.ConfigJSON,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.Repo.InsertConnector(ctx, c); err != nil {
		return domain.Connector{}, storeConflict(err, "connector %s already registered for project %s", c.ConnectorType, project.ID)
	}
	e.Activity.Append(ctx, domain.EntityConnector, c.ID, actor, "connector.registered", activity.Detail{
		"project_id": c.ProjectID, "connector_type": c.ConnectorType,
	})
	return c, nil
}

// SetConnectorStatus flips a connector between active, paused and error.
// Pausing a connected project's sync connector drops the project out of
// the enabled scope on the next resolution.
func (e Engine) SetConnectorStatus(ctx context.Context, id, status string, actor domain.Actor) (domain.Connector, error) {
	if !validStatus(status, domain.ConnectorActive, domain.ConnectorPaused, domain.ConnectorError) {
		return domain.Connector{}, validationf("invalid connector status %q", status)
	}
	c, err := e.Repo.GetConnector(ctx, id)
	if err != nil {
		return domain.Connector{}, err
	}
	c.Status = status
	c.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateConnector(ctx, c); err != nil {
		return domain.Connector{}, err
	}
	e.Activity.Append(ctx, domain.EntityConnector, c.ID, actor, "connector.status_changed", activity.Detail{
		"status": status,
	})
	return c, nil
}
