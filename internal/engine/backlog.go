package engine

import (
	"context"

	"tracklane/internal/activity"
	"tracklane/internal/domain"
)

// Backlog lifecycle: captured, triaged and prioritized move freely among
// themselves; promoted and archived are terminal. The promoted status is
// only reachable through PromoteBacklogItem.

type CreateBacklogItemOptions struct {
	ProjectID   string
	Title       string
	Description string
	Priority    string
	Size        string
	ItemType    string
}

func (e Engine) CreateBacklogItem(ctx context.Context, opts CreateBacklogItemOptions, actor domain.Actor) (domain.BacklogItem, error) {
	if opts.Title == "" {
		return domain.BacklogItem{}, validationf("backlog item title is required")
	}
	if opts.Priority != "" && !validPriority(opts.Priority) {
		return domain.BacklogItem{}, validationf("invalid priority %q", opts.Priority)
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.BacklogItem{}, err
	}
	now := e.timestamp()
	b := domain.BacklogItem{
		ID:          newID(),
		ProjectID:   opts.ProjectID,
		Title:       opts.Title,
		Description: opts.Description,
		Status:      domain.BacklogCaptured,
		Priority:    opts.Priority,
		Size:        opts.Size,
		ItemType:    opts.ItemType,
		DataOrigin:  domain.OriginNative,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertBacklogItem(ctx, b); err != nil {
		return domain.BacklogItem{}, err
	}
	e.Activity.Append(ctx, domain.EntityBacklogItem, b.ID, actor, "backlog.captured", activity.Detail{
		"project_id": b.ProjectID, "title": b.Title,
	})
	return b, nil
}

type UpdateBacklogItemOptions struct {
	ID          string
	Title       *string
	Description *string
	Status      *string
	Priority    *string
	Size        *string
	ItemType    *string
}

func (o UpdateBacklogItemOptions) requestedFields() []string {
	var fields []string
	add := func(name string, set bool) {
		if set {
			fields = append(fields, name)
		}
	}
	add("title", o.Title != nil)
	add("description", o.Description != nil)
	add("status", o.Status != nil)
	add("priority", o.Priority != nil)
	add("size", o.Size != nil)
	add("item_type", o.ItemType != nil)
	return fields
}

func (e Engine) UpdateBacklogItem(ctx context.Context, opts UpdateBacklogItemOptions, actor domain.Actor) (domain.BacklogItem, error) {
	fields := opts.requestedFields()
	if len(fields) == 0 {
		return domain.BacklogItem{}, validationf("nothing to update")
	}
	if opts.Status != nil {
		switch *opts.Status {
		case domain.BacklogCaptured, domain.BacklogTriaged, domain.BacklogPrioritized:
		case domain.BacklogPromoted:
			return domain.BacklogItem{}, validationf("promoted is set by promotion, not by update")
		case domain.BacklogArchived:
			return domain.BacklogItem{}, validationf("use archive to retire a backlog item")
		default:
			return domain.BacklogItem{}, validationf("invalid backlog status %q", *opts.Status)
		}
	}
	if opts.Priority != nil && *opts.Priority != "" && !validPriority(*opts.Priority) {
		return domain.BacklogItem{}, validationf("invalid priority %q", *opts.Priority)
	}
	b, err := e.Repo.GetBacklogItem(ctx, opts.ID)
	if err != nil {
		return domain.BacklogItem{}, err
	}
	if b.Status == domain.BacklogPromoted || b.Status == domain.BacklogArchived {
		return domain.BacklogItem{}, conflictf("backlog item %s is %s", b.ID, b.Status)
	}
	if err := authorizeBacklogMutation(b, fields); err != nil {
		return domain.BacklogItem{}, err
	}
	if opts.Title != nil {
		b.Title = *opts.Title
	}
	if opts.Description != nil {
		b.Description = *opts.Description
	}
	if opts.Status != nil {
		b.Status = *opts.Status
	}
	if opts.Priority != nil {
		b.Priority = *opts.Priority
	}
	if opts.Size != nil {
		b.Size = *opts.Size
	}
	if opts.ItemType != nil {
		b.ItemType = *opts.ItemType
	}
	b.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateBacklogItem(ctx, b); err != nil {
		return domain.BacklogItem{}, err
	}
	e.Activity.Append(ctx, domain.EntityBacklogItem, b.ID, actor, "backlog.updated", activity.Detail{
		"fields": fields,
	})
	return b, nil
}

// ArchiveBacklogItem retires an item. Promoted and archived items stay as
// they are; synced items are not archivable locally, the source decides.
func (e Engine) ArchiveBacklogItem(ctx context.Context, id string, actor domain.Actor) (domain.BacklogItem, error) {
	b, err := e.Repo.GetBacklogItem(ctx, id)
	if err != nil {
		return domain.BacklogItem{}, err
	}
	if b.Status == domain.BacklogPromoted || b.Status == domain.BacklogArchived {
		return domain.BacklogItem{}, conflictf("backlog item %s is %s", b.ID, b.Status)
	}
	if err := authorizeBacklogMutation(b, []string{"status"}); err != nil {
		return domain.BacklogItem{}, err
	}
	b.Status = domain.BacklogArchived
	b.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateBacklogItem(ctx, b); err != nil {
		return domain.BacklogItem{}, err
	}
	e.Activity.Append(ctx, domain.EntityBacklogItem, b.ID, actor, "backlog.archived", nil)
	return b, nil
}
