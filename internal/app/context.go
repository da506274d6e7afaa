package app

import (
	"context"
	"errors"
	"fmt"

	"tracklane/internal/config"
	"tracklane/internal/domain"
	"tracklane/internal/engine"
	"tracklane/internal/repo"
)

// ResolveProjectAndConfig picks the working project and loads the workspace
// config, seeding defaults where either is missing. Preference order for
// the project: explicit override, then config, then the single project in
// the store. A missing project row is created on the fly from the config
// defaults so a fresh workspace is usable without a setup ceremony.
func ResolveProjectAndConfig(ctx context.Context, workspace, projectOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}

	projectID := projectOverride
	if projectID == "" && cfg != nil {
		projectID = cfg.Project.ID
	}
	if projectID == "" {
		p, err := r.SingleProject(ctx)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return "", nil, fmt.Errorf("project not specified; use --project or tracklane.yml")
			}
			return "", nil, err
		}
		projectID = p.ID
	}
	if cfg == nil {
		cfg = config.Default(projectID)
	}
	cfg.Project.ID = projectID

	if _, err := r.GetProject(ctx, projectID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := seedProject(ctx, r, cfg, actorID); err != nil {
			return "", nil, err
		}
	}
	return projectID, cfg, nil
}

// seedProject inserts a project row from the config defaults.
func seedProject(ctx context.Context, r repo.Repo, cfg *config.Config, actorID string) error {
	if actorID == "" {
		actorID = "local-user"
	}
	name := cfg.Project.Name
	if name == "" {
		name = cfg.Project.ID
	}
	e := engine.New(r.DB, cfg)
	_, err := e.CreateProject(ctx, engine.CreateProjectOptions{
		ID:           cfg.Project.ID,
		Name:         name,
		ProjectType:  cfg.Defaults.ProjectType,
		WorkflowType: cfg.Defaults.WorkflowType,
	}, domain.Actor{Type: domain.ActorUser, ID: actorID})
	if err != nil && !engine.IsConflict(err) {
		return fmt.Errorf("seed project: %w", err)
	}
	return nil
}
