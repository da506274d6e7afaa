package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"tracklane/internal/activity"
	"tracklane/internal/config"
	"tracklane/internal/domain"
	"tracklane/internal/repo"
)

// Engine holds the governance layer: provenance enforcement, workflow
// validation, reconciliation, promotion and ranking. Every mutation goes
// through here; transports only translate requests and errors.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Activity activity.Writer
	Config   *config.Config
	// Now is swappable for tests.
	Now func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Activity: activity.Writer{DB: db},
		Config:   cfg,
		Now:      time.Now,
	}
}

func (e Engine) clock() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.clock().UTC().Format(time.RFC3339)
}

func newID() string {
	return uuid.NewString()
}

func validStatus(s string, allowed ...string) bool {
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}

func validPriority(p string) bool {
	switch p {
	case domain.PriorityP1, domain.PriorityP2, domain.PriorityP3:
		return true
	}
	return false
}

// --- projects ---

type CreateProjectOptions struct {
	ID           string
	Name         string
	ProjectType  string
	WorkflowType string
}

func (e Engine) CreateProject(ctx context.Context, opts CreateProjectOptions, actor domain.Actor) (domain.Project, error) {
	if opts.Name == "" {
		return domain.Project{}, validationf("project name is required")
	}
	if opts.ProjectType == "" {
		opts.ProjectType = e.Config.Defaults.ProjectType
	}
	if opts.WorkflowType == "" {
		opts.WorkflowType = e.Config.Defaults.WorkflowType
	}
	if !validStatus(opts.ProjectType, domain.ProjectNative, domain.ProjectConnected) {
		return domain.Project{}, validationf("invalid project_type %q", opts.ProjectType)
	}
	if !validStatus(opts.WorkflowType, domain.WorkflowFlat, domain.WorkflowPlanned) {
		return domain.Project{}, validationf("invalid workflow_type %q", opts.WorkflowType)
	}
	id := opts.ID
	if id == "" {
		id = newID()
	}
	now := e.timestamp()
	p := domain.Project{
		ID:           id,
		Name:         opts.Name,
		Status:       domain.ProjectActive,
		ProjectType:  opts.ProjectType,
		WorkflowType: opts.WorkflowType,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.Repo.InsertProject(ctx, p); err != nil {
		return domain.Project{}, storeConflict(err, "project %s already exists", id)
	}
	e.Activity.Append(ctx, domain.EntityProject, p.ID, actor, "project.created", activity.Detail{
		"name": p.Name, "project_type": p.ProjectType, "workflow_type": p.WorkflowType,
	})
	return p, nil
}

type UpdateProjectOptions struct {
	ID     string
	Name   string
	Status string
}

// UpdateProject changes name and lifecycle status. workflow_type and
// project_type are immutable after creation.
func (e Engine) UpdateProject(ctx context.Context, opts UpdateProjectOptions, actor domain.Actor) (domain.Project, error) {
	if opts.Name == "" && opts.Status == "" {
		return domain.Project{}, validationf("nothing to update")
	}
	if opts.Status != "" && !validStatus(opts.Status, domain.ProjectActive, domain.ProjectPaused, domain.ProjectArchived, domain.ProjectCompleted) {
		return domain.Project{}, validationf("invalid project status %q", opts.Status)
	}
	if err := e.Repo.UpdateProject(ctx, opts.ID, opts.Name, opts.Status, e.timestamp()); err != nil {
		return domain.Project{}, err
	}
	p, err := e.Repo.GetProject(ctx, opts.ID)
	if err != nil {
		return domain.Project{}, err
	}
	detail := activity.Detail{}
	if opts.Name != "" {
		detail["name"] = opts.Name
	}
	if opts.Status != "" {
		detail["status"] = opts.Status
	}
	e.Activity.Append(ctx, domain.EntityProject, p.ID, actor, "project.updated", detail)
	return p, nil
}

// --- activity feed ---

// ActivityView pairs a ledger entry with a best-effort label for its
// referent. The label is empty when the referent no longer exists; the
// entry itself always stands.
type ActivityView struct {
	domain.ActivityEntry
	EntityLabel string `json:"entity_label,omitempty"`
}

func (e Engine) ActivityFeed(ctx context.Context, f repo.ActivityFilters) ([]ActivityView, error) {
	entries, err := e.Repo.ListActivity(ctx, f)
	if err != nil {
		return nil, err
	}
	views := make([]ActivityView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, ActivityView{ActivityEntry: entry, EntityLabel: e.entityLabel(ctx, entry.EntityType, entry.EntityID)})
	}
	return views, nil
}

func (e Engine) entityLabel(ctx context.Context, entityType, entityID string) string {
	var label string
	var err error
	switch entityType {
	case domain.EntityProject:
		var p domain.Project
		p, err = e.Repo.GetProject(ctx, entityID)
		label = p.Name
	case domain.EntityPlan:
		var p domain.Plan
		p, err = e.Repo.GetPlan(ctx, entityID)
		label = p.Name
	case domain.EntityPhase:
		var p domain.Phase
		p, err = e.Repo.GetPhase(ctx, entityID)
		label = p.Name
	case domain.EntityTask:
		var t domain.Task
		t, err = e.Repo.GetTask(ctx, entityID)
		label = t.Title
	case domain.EntityBacklogItem:
		var b domain.BacklogItem
		b, err = e.Repo.GetBacklogItem(ctx, entityID)
		label = b.Title
	case domain.EntityConnector:
		var c domain.Connector
		c, err = e.Repo.GetConnector(ctx, entityID)
		label = c.ConnectorType
	}
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return ""
	}
	return label
}
