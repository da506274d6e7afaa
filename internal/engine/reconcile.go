package engine

import (
	"context"
	"errors"
	"time"

	"tracklane/internal/activity"
	"tracklane/internal/domain"
	"tracklane/internal/repo"
)

// TaskObservation is one externally observed task state keyed by
// (project_id, source_id). Nil fields were not observed and leave the
// stored value untouched.
type TaskObservation struct {
	ProjectID   string  `json:"project_id"`
	SourceID    string  `json:"source_id"`
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *string `json:"status,omitempty" enum:"pending,in_progress,blocked,done"`
	Priority    *string `json:"priority,omitempty" enum:"P1,P2,P3"`
	Size        *string `json:"size,omitempty"`
	DeadlineAt  *string `json:"deadline_at,omitempty" format:"date-time"`
}

type ReconcileResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
}

// ReconcileTasks ingests a batch of observations idempotently: replaying
// the same batch converges on the same rows with no duplicates. The whole
// batch is validated before any write. Items are processed independently;
// there is no cross-item transaction. One ledger entry records the batch.
func (e Engine) ReconcileTasks(ctx context.Context, observations []TaskObservation, actor domain.Actor) (ReconcileResult, error) {
	if len(observations) == 0 {
		return ReconcileResult{}, validationf("empty batch")
	}
	if actor.Type == "" {
		actor.Type = domain.ActorConnector
	}
	projects := map[string]bool{}
	for i, obs := range observations {
		if obs.ProjectID == "" || obs.SourceID == "" {
			return ReconcileResult{}, validationf("observation %d: project_id and source_id are required", i)
		}
		if obs.Status != nil && !validStatus(*obs.Status, domain.TaskPending, domain.TaskInProgress, domain.TaskBlocked, domain.TaskDone) {
			return ReconcileResult{}, validationf("observation %d: invalid status %q", i, *obs.Status)
		}
		if obs.Priority != nil && *obs.Priority != "" && !validPriority(*obs.Priority) {
			return ReconcileResult{}, validationf("observation %d: invalid priority %q", i, *obs.Priority)
		}
		if obs.DeadlineAt != nil && *obs.DeadlineAt != "" {
			if _, err := time.Parse(time.RFC3339, *obs.DeadlineAt); err != nil {
				return ReconcileResult{}, validationf("observation %d: invalid deadline_at: %v", i, err)
			}
		}
		if !projects[obs.ProjectID] {
			if _, err := e.Repo.GetProject(ctx, obs.ProjectID); err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					return ReconcileResult{}, validationf("observation %d: project %s not found", i, obs.ProjectID)
				}
				return ReconcileResult{}, err
			}
			projects[obs.ProjectID] = true
		}
	}

	var res ReconcileResult
	now := e.timestamp()
	for _, obs := range observations {
		created, err := e.reconcileOne(ctx, obs, now)
		if err != nil {
			return res, err
		}
		if created {
			res.Created++
		} else {
			res.Updated++
		}
	}

	e.Activity.Append(ctx, domain.EntityConnector, actor.ID, actor, "sync.reconciled", activity.Detail{
		"batch_size": len(observations), "created": res.Created, "updated": res.Updated,
	})
	return res, nil
}

func (e Engine) reconcileOne(ctx context.Context, obs TaskObservation, now string) (created bool, err error) {
	t, err := e.Repo.GetTaskBySource(ctx, obs.ProjectID, obs.SourceID)
	if err == nil {
		mergeObservation(&t, obs, now)
		t.UpdatedAt = now
		return false, e.Repo.UpdateTask(ctx, t)
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return false, err
	}

	sourceID := obs.SourceID
	t = domain.Task{
		ID:         newID(),
		ProjectID:  obs.ProjectID,
		Title:      sourceID,
		Status:     domain.TaskPending,
		DataOrigin: domain.OriginSynced,
		SourceID:   &sourceID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	mergeObservation(&t, obs, now)
	insertErr := e.Repo.InsertTask(ctx, t)
	if insertErr == nil {
		return true, nil
	}
	if !errors.Is(insertErr, repo.ErrConflict) {
		return false, insertErr
	}
	// Lost an insert race on the natural key; fall back to updating the
	// winner's row.
	t, err = e.Repo.GetTaskBySource(ctx, obs.ProjectID, obs.SourceID)
	if err != nil {
		return false, err
	}
	mergeObservation(&t, obs, now)
	t.UpdatedAt = now
	return false, e.Repo.UpdateTask(ctx, t)
}

func mergeObservation(t *domain.Task, obs TaskObservation, now string) {
	if obs.Title != nil && *obs.Title != "" {
		t.Title = *obs.Title
	}
	if obs.Description != nil {
		t.Description = *obs.Description
	}
	if obs.Status != nil && *obs.Status != t.Status {
		t.Status = *obs.Status
		if t.Status == domain.TaskDone {
			t.CompletedAt = &now
		} else {
			t.CompletedAt = nil
		}
	}
	if obs.Priority != nil {
		t.Priority = *obs.Priority
	}
	if obs.Size != nil {
		t.Size = *obs.Size
	}
	if obs.DeadlineAt != nil {
		t.DeadlineAt = emptyToNil(*obs.DeadlineAt)
	}
}
