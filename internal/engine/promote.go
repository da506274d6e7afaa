package engine

import (
	"context"
	"errors"

	"tracklane/internal/activity"
	"tracklane/internal/domain"
	"tracklane/internal/repo"
)

type PromoteBacklogItemOptions struct {
	ItemID   string
	PlanID   string
	PhaseID  string
	Priority string
}

// PromoteBacklogItem converts a backlog item into a task. The store has no
// multi-row transactions across this path, so the operation runs in two
// recorded steps: create the task, then mark the item promoted with a link
// to it. A crash between the steps leaves promoted_to_task_id unset on a
// non-promoted item; the retry finds the link once the second write lands,
// and until then a repeated call reuses the already-created task instead of
// minting another. Promotion of a promoted item is a conflict, so each item
// yields at most one task.
func (e Engine) PromoteBacklogItem(ctx context.Context, opts PromoteBacklogItemOptions, actor domain.Actor) (domain.Task, error) {
	b, err := e.Repo.GetBacklogItem(ctx, opts.ItemID)
	if err != nil {
		return domain.Task{}, err
	}
	if b.Status == domain.BacklogPromoted {
		return domain.Task{}, conflictf("backlog item %s already promoted", b.ID)
	}
	if b.Status == domain.BacklogArchived {
		return domain.Task{}, conflictf("backlog item %s is archived", b.ID)
	}
	if opts.Priority != "" && !validPriority(opts.Priority) {
		return domain.Task{}, validationf("invalid priority %q", opts.Priority)
	}
	project, err := e.Repo.GetProject(ctx, b.ProjectID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.validatePromotionTarget(ctx, project, opts.PlanID, opts.PhaseID); err != nil {
		return domain.Task{}, err
	}

	now := e.timestamp()
	var t domain.Task
	reused := false
	if b.PromotedToTaskID != nil {
		// Earlier attempt created the task but did not finish marking the
		// item. Reuse it rather than duplicating.
		t, err = e.Repo.GetTask(ctx, *b.PromotedToTaskID)
		switch {
		case err == nil:
			reused = true
		case errors.Is(err, repo.ErrNotFound):
		default:
			return domain.Task{}, err
		}
	}
	if !reused {
		// The item's own priority carries through; a caller-supplied
		// priority only fills the gap when the item never had one.
		priority := b.Priority
		if priority == "" {
			priority = opts.Priority
		}
		t = domain.Task{
			ID:          newID(),
			ProjectID:   b.ProjectID,
			Title:       b.Title,
			Description: b.Description,
			Status:      domain.TaskPending,
			Priority:    priority,
			Size:        b.Size,
			DataOrigin:  b.DataOrigin,
			SourceID:    b.SourceID,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if opts.PlanID != "" {
			t.PlanID = &opts.PlanID
		}
		if opts.PhaseID != "" {
			t.PhaseID = &opts.PhaseID
		}
		if err := e.Repo.InsertTask(ctx, t); err != nil {
			return domain.Task{}, storeConflict(err, "a task for source %s already exists in project %s", derefOr(b.SourceID, b.ID), b.ProjectID)
		}
	}

	b.Status = domain.BacklogPromoted
	b.PromotedToTaskID = &t.ID
	b.UpdatedAt = now
	if err := e.Repo.UpdateBacklogItem(ctx, b); err != nil {
		return domain.Task{}, err
	}

	e.Activity.Append(ctx, domain.EntityTask, t.ID, actor, "task.promoted", activity.Detail{
		"backlog_item_id": b.ID, "project_id": b.ProjectID,
	})
	return t, nil
}

func derefOr(s *string, fallback string) string {
	if s != nil {
		return *s
	}
	return fallback
}
