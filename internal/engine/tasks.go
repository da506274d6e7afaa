package engine

import (
	"context"
	"time"

	"tracklane/internal/activity"
	"tracklane/internal/domain"
)

type CreateTaskOptions struct {
	ProjectID   string
	Title       string
	Description string
	Priority    string
	Size        string
	DeadlineAt  string
	PlanID      string
	PhaseID     string
}

func (e Engine) CreateTask(ctx context.Context, opts CreateTaskOptions, actor domain.Actor) (domain.Task, error) {
	if opts.Title == "" {
		return domain.Task{}, validationf("task title is required")
	}
	if opts.Priority != "" && !validPriority(opts.Priority) {
		return domain.Task{}, validationf("invalid priority %q", opts.Priority)
	}
	if opts.DeadlineAt != "" {
		if _, err := time.Parse(time.RFC3339, opts.DeadlineAt); err != nil {
			return domain.Task{}, validationf("invalid deadline_at: %v", err)
		}
	}
	project, err := e.Repo.GetProject(ctx, opts.ProjectID)
	if err != nil {
		return domain.Task{}, err
	}
	if opts.PlanID != "" || opts.PhaseID != "" {
		if err := e.validatePromotionTarget(ctx, project, opts.PlanID, opts.PhaseID); err != nil {
			return domain.Task{}, err
		}
	}
	now := e.timestamp()
	t := domain.Task{
		ID:          newID(),
		ProjectID:   project.ID,
		Title:       opts.Title,
		Description: opts.Description,
		Status:      domain.TaskPending,
		Priority:    opts.Priority,
		Size:        opts.Size,
		DataOrigin:  domain.OriginNative,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if opts.PlanID != "" {
		t.PlanID = &opts.PlanID
	}
	if opts.PhaseID != "" {
		t.PhaseID = &opts.PhaseID
	}
	if opts.DeadlineAt != "" {
		t.DeadlineAt = &opts.DeadlineAt
	}
	if err := e.Repo.InsertTask(ctx, t); err != nil {
		return domain.Task{}, err
	}
	e.Activity.Append(ctx, domain.EntityTask, t.ID, actor, "task.created", activity.Detail{
		"project_id": t.ProjectID, "title": t.Title,
	})
	return t, nil
}

// UpdateTaskOptions carries the requested changes; nil means "leave alone".
// An empty string in DeadlineAt, PlanID or PhaseID clears the field.
type UpdateTaskOptions struct {
	ID          string
	Title       *string
	Description *string
	Status      *string
	Priority    *string
	Size        *string
	DeadlineAt  *string
	PlanID      *string
	PhaseID     *string
	Outcome     *string
}

// requestedFields lists the field names present in the request; the
// provenance guard judges the whole set at once.
func (o UpdateTaskOptions) requestedFields() []string {
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
	add("deadline_at", o.DeadlineAt != nil)
	add("plan_id", o.PlanID != nil)
	add("phase_id", o.PhaseID != nil)
	add("outcome", o.Outcome != nil)
	return fields
}

func (e Engine) UpdateTask(ctx context.Context, opts UpdateTaskOptions, actor domain.Actor) (domain.Task, error) {
	fields := opts.requestedFields()
	if len(fields) == 0 {
		return domain.Task{}, validationf("nothing to update")
	}
	if opts.Status != nil && !validStatus(*opts.Status, domain.TaskPending, domain.TaskInProgress, domain.TaskBlocked, domain.TaskDone) {
		return domain.Task{}, validationf("invalid task status %q", *opts.Status)
	}
	if opts.Priority != nil && *opts.Priority != "" && !validPriority(*opts.Priority) {
		return domain.Task{}, validationf("invalid priority %q", *opts.Priority)
	}
	if opts.DeadlineAt != nil && *opts.DeadlineAt != "" {
		if _, err := time.Parse(time.RFC3339, *opts.DeadlineAt); err != nil {
			return domain.Task{}, validationf("invalid deadline_at: %v", err)
		}
	}
	t, err := e.Repo.GetTask(ctx, opts.ID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := authorizeTaskMutation(t, fields); err != nil {
		return domain.Task{}, err
	}
	if opts.PlanID != nil || opts.PhaseID != nil {
		project, err := e.Repo.GetProject(ctx, t.ProjectID)
		if err != nil {
			return domain.Task{}, err
		}
		planID := strOrCurrent(opts.PlanID, t.PlanID)
		phaseID := strOrCurrent(opts.PhaseID, t.PhaseID)
		if planID != "" || phaseID != "" {
			if err := e.validatePromotionTarget(ctx, project, planID, phaseID); err != nil {
				return domain.Task{}, err
			}
		}
	}
	now := e.timestamp()
	applyTaskUpdate(&t, opts, now)
	t.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, t); err != nil {
		return domain.Task{}, err
	}
	e.Activity.Append(ctx, domain.EntityTask, t.ID, actor, "task.updated", activity.Detail{
		"fields": fields,
	})
	return t, nil
}

func applyTaskUpdate(t *domain.Task, opts UpdateTaskOptions, now string) {
	if opts.Title != nil {
		t.Title = *opts.Title
	}
	if opts.Description != nil {
		t.Description = *opts.Description
	}
	if opts.Status != nil && *opts.Status != t.Status {
		t.Status = *opts.Status
		if t.Status == domain.TaskDone {
			t.CompletedAt = &now
		} else {
			t.CompletedAt = nil
		}
	}
	if opts.Priority != nil {
		t.Priority = *opts.Priority
	}
	if opts.Size != nil {
		t.Size = *opts.Size
	}
	if opts.DeadlineAt != nil {
		t.DeadlineAt = emptyToNil(*opts.DeadlineAt)
	}
	if opts.PlanID != nil {
		t.PlanID = emptyToNil(*opts.PlanID)
	}
	if opts.PhaseID != nil {
		t.PhaseID = emptyToNil(*opts.PhaseID)
	}
	if opts.Outcome != nil {
		t.Outcome = *opts.Outcome
	}
}

func emptyToNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func strOrCurrent(requested *string, current *string) string {
	if requested != nil {
		return *requested
	}
	if current != nil {
		return *current
	}
	return ""
}

// BulkUpdateResult reports a batch outcome: which tasks changed and which
// were skipped, with a reason per skip.
type BulkUpdateResult struct {
	Updated []string          `json:"updated"`
	Skipped map[string]string `json:"skipped,omitempty"`
}

// BulkUpdateTasks applies one change set to many tasks. Ineligible tasks
// (provenance violations, missing ids) are skipped and reported; eligible
// ones are updated. A skip never aborts the batch.
func (e Engine) BulkUpdateTasks(ctx context.Context, ids []string, opts UpdateTaskOptions, actor domain.Actor) (BulkUpdateResult, error) {
	if len(ids) == 0 {
		return BulkUpdateResult{}, validationf("no task ids given")
	}
	opts.ID = ""
	if len(opts.requestedFields()) == 0 {
		return BulkUpdateResult{}, validationf("nothing to update")
	}
	res := BulkUpdateResult{Skipped: map[string]string{}}
	for _, id := range ids {
		o := opts
		o.ID = id
		if _, err := e.UpdateTask(ctx, o, actor); err != nil {
			if IsValidation(err) {
				return BulkUpdateResult{}, err
			}
			res.Skipped[id] = err.Error()
			continue
		}
		res.Updated = append(res.Updated, id)
	}
	if len(res.Skipped) == 0 {
		res.Skipped = nil
	}
	return res, nil
}
