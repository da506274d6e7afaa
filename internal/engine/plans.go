package engine

import (
	"context"
	"database/sql"

	"tracklane/internal/activity"
	"tracklane/internal/domain"
)

// Plan lifecycle: draft -> approved -> in_progress -> completed, strictly
// forward. A project holds at most one non-completed plan at a time; the
// partial unique index on plans(project_id) backs the advisory pre-check
// in validatePlanCreation.

func ensurePlanTransition(from, to string) error {
	ok := false
	switch from {
	case domain.PlanDraft:
		ok = to == domain.PlanApproved
	case domain.PlanApproved:
		ok = to == domain.PlanInProgress
	case domain.PlanInProgress:
		ok = to == domain.PlanCompleted
	}
	if !ok {
		return conflictf("plan cannot move from %s to %s", from, to)
	}
	return nil
}

type CreatePlanOptions struct {
	ProjectID string
	Name      string
}

func (e Engine) CreatePlan(ctx context.Context, opts CreatePlanOptions, actor domain.Actor) (domain.Plan, error) {
	if opts.Name == "" {
		return domain.Plan{}, validationf("plan name is required")
	}
	project, err := e.Repo.GetProject(ctx, opts.ProjectID)
	if err != nil {
		return domain.Plan{}, err
	}
	if err := e.validatePlanCreation(ctx, project); err != nil {
		return domain.Plan{}, err
	}
	now := e.timestamp()
	p := domain.Plan{
		ID:        newID(),
		ProjectID: project.ID,
		Name:      opts.Name,
		Status:    domain.PlanDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Repo.InsertPlan(ctx, p); err != nil {
		return domain.Plan{}, storeConflict(err, "project %s already has an active plan", project.ID)
	}
	e.Activity.Append(ctx, domain.EntityPlan, p.ID, actor, "plan.created", activity.Detail{
		"project_id": p.ProjectID, "name": p.Name,
	})
	return p, nil
}

func (e Engine) ApprovePlan(ctx context.Context, planID string, actor domain.Actor) (domain.Plan, error) {
	p, err := e.Repo.GetPlan(ctx, planID)
	if err != nil {
		return domain.Plan{}, err
	}
	if err := ensurePlanTransition(p.Status, domain.PlanApproved); err != nil {
		return domain.Plan{}, err
	}
	now := e.timestamp()
	p.Status = domain.PlanApproved
	p.ApprovedBy = &actor.ID
	p.ApprovedAt = &now
	p.UpdatedAt = now
	if err := e.Repo.UpdatePlan(ctx, p); err != nil {
		return domain.Plan{}, err
	}
	e.Activity.Append(ctx, domain.EntityPlan, p.ID, actor, "plan.approved", nil)
	return p, nil
}

func (e Engine) StartPlan(ctx context.Context, planID string, actor domain.Actor) (domain.Plan, error) {
	p, err := e.Repo.GetPlan(ctx, planID)
	if err != nil {
		return domain.Plan{}, err
	}
	if err := ensurePlanTransition(p.Status, domain.PlanInProgress); err != nil {
		return domain.Plan{}, err
	}
	p.Status = domain.PlanInProgress
	p.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdatePlan(ctx, p); err != nil {
		return domain.Plan{}, err
	}
	e.Activity.Append(ctx, domain.EntityPlan, p.ID, actor, "plan.started", nil)
	return p, nil
}

// CompletePlan closes the plan, freeing the project for a new one. If the
// project's current phase belongs to this plan it is cleared.
func (e Engine) CompletePlan(ctx context.Context, planID string, actor domain.Actor) (domain.Plan, error) {
	p, err := e.Repo.GetPlan(ctx, planID)
	if err != nil {
		return domain.Plan{}, err
	}
	if err := ensurePlanTransition(p.Status, domain.PlanCompleted); err != nil {
		return domain.Plan{}, err
	}
	now := e.timestamp()
	p.Status = domain.PlanCompleted
	p.UpdatedAt = now
	if err := e.Repo.UpdatePlan(ctx, p); err != nil {
		return domain.Plan{}, err
	}
	project, err := e.Repo.GetProject(ctx, p.ProjectID)
	if err != nil {
		return domain.Plan{}, err
	}
	if project.CurrentPhaseID != nil {
		phase, err := e.Repo.GetPhase(ctx, *project.CurrentPhaseID)
		if err == nil && phase.PlanID == p.ID {
			if err := e.withTx(ctx, func(tx *sql.Tx) error {
				return e.Repo.SetCurrentPhase(ctx, tx, project.ID, nil, now)
			}); err != nil {
				return domain.Plan{}, err
			}
		}
	}
	e.Activity.Append(ctx, domain.EntityPlan, p.ID, actor, "plan.completed", nil)
	return p, nil
}

type CreatePhaseOptions struct {
	PlanID string
	Name   string
}

// CreatePhase appends a phase at the end of the plan's ordering.
func (e Engine) CreatePhase(ctx context.Context, opts CreatePhaseOptions, actor domain.Actor) (domain.Phase, error) {
	if opts.Name == "" {
		return domain.Phase{}, validationf("phase name is required")
	}
	plan, err := e.Repo.GetPlan(ctx, opts.PlanID)
	if err != nil {
		return domain.Phase{}, err
	}
	if plan.Status == domain.PlanCompleted {
		return domain.Phase{}, conflictf("plan %s is completed", plan.ID)
	}
	max, err := e.Repo.MaxPhaseSortOrder(ctx, plan.ID)
	if err != nil {
		return domain.Phase{}, err
	}
	now := e.timestamp()
	ph := domain.Phase{
		ID:        newID(),
		PlanID:    plan.ID,
		ProjectID: plan.ProjectID,
		Name:      opts.Name,
		SortOrder: max + 1,
		Status:    domain.PhasePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Repo.InsertPhase(ctx, ph); err != nil {
		return domain.Phase{}, storeConflict(err, "phase ordering conflict in plan %s, retry", plan.ID)
	}
	e.Activity.Append(ctx, domain.EntityPhase, ph.ID, actor, "phase.created", activity.Detail{
		"plan_id": ph.PlanID, "name": ph.Name, "sort_order": ph.SortOrder,
	})
	return ph, nil
}

// ActivatePhase makes the phase the project's current one. A previously
// active phase goes back to pending; a project points at most one active
// phase across all its plans.
func (e Engine) ActivatePhase(ctx context.Context, phaseID string, actor domain.Actor) (domain.Phase, error) {
	ph, err := e.Repo.GetPhase(ctx, phaseID)
	if err != nil {
		return domain.Phase{}, err
	}
	if ph.Status == domain.PhaseCompleted {
		return domain.Phase{}, conflictf("phase %s is completed", ph.ID)
	}
	plan, err := e.Repo.GetPlan(ctx, ph.PlanID)
	if err != nil {
		return domain.Phase{}, err
	}
	if plan.Status != domain.PlanInProgress {
		return domain.Phase{}, conflictf("plan %s is not in progress", plan.ID)
	}
	project, err := e.Repo.GetProject(ctx, ph.ProjectID)
	if err != nil {
		return domain.Phase{}, err
	}
	now := e.timestamp()
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		if project.CurrentPhaseID != nil && *project.CurrentPhaseID != ph.ID {
			prev, err := e.Repo.GetPhase(ctx, *project.CurrentPhaseID)
			if err == nil && prev.Status == domain.PhaseActive {
				prev.Status = domain.PhasePending
				prev.UpdatedAt = now
				if err := e.Repo.UpdatePhase(ctx, tx, prev); err != nil {
					return err
				}
			}
		}
		ph.Status = domain.PhaseActive
		if ph.StartedAt == nil {
			ph.StartedAt = &now
		}
		ph.UpdatedAt = now
		if err := e.Repo.UpdatePhase(ctx, tx, ph); err != nil {
			return err
		}
		return e.Repo.SetCurrentPhase(ctx, tx, project.ID, &ph.ID, now)
	})
	if err != nil {
		return domain.Phase{}, err
	}
	e.Activity.Append(ctx, domain.EntityPhase, ph.ID, actor, "phase.activated", activity.Detail{
		"project_id": ph.ProjectID,
	})
	return ph, nil
}

// CompletePhase finishes the phase and clears the project pointer when it
// was the current one.
func (e Engine) CompletePhase(ctx context.Context, phaseID string, actor domain.Actor) (domain.Phase, error) {
	ph, err := e.Repo.GetPhase(ctx, phaseID)
	if err != nil {
		return domain.Phase{}, err
	}
	if ph.Status != domain.PhaseActive {
		return domain.Phase{}, conflictf("phase %s is not active", ph.ID)
	}
	project, err := e.Repo.GetProject(ctx, ph.ProjectID)
	if err != nil {
		return domain.Phase{}, err
	}
	now := e.timestamp()
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		ph.Status = domain.PhaseCompleted
		ph.CompletedAt = &now
		ph.UpdatedAt = now
		if err := e.Repo.UpdatePhase(ctx, tx, ph); err != nil {
			return err
		}
		if project.CurrentPhaseID != nil && *project.CurrentPhaseID == ph.ID {
			return e.Repo.SetCurrentPhase(ctx, tx, project.ID, nil, now)
		}
		return nil
	})
	if err != nil {
		return domain.Phase{}, err
	}
	e.Activity.Append(ctx, domain.EntityPhase, ph.ID, actor, "phase.completed", nil)
	return ph, nil
}

func (e Engine) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
