package engine

import (
	"context"
	"errors"

	"tracklane/internal/domain"
	"tracklane/internal/repo"
)

// The workflow validator. Plans and phases only exist for planned-workflow
// projects; flat projects must never receive plan/phase scope, and planned
// projects require a plan for any plan-scoped placement. The one-active-plan
// pre-check here is advisory; the store's partial unique index is the
// actual guarantee under concurrent creation.

// validatePlanCreation rejects plan creation on flat projects and, as an
// advisory check, on projects that already have a non-completed plan.
func (e Engine) validatePlanCreation(ctx context.Context, project domain.Project) error {
	if project.WorkflowType != domain.WorkflowPlanned {
		return validationf("project %s uses flat workflow, no plan needed", project.ID)
	}
	n, err := e.Repo.CountActivePlans(ctx, project.ID)
	if err != nil {
		return err
	}
	if n > 0 {
		return conflictf("project %s already has an active plan", project.ID)
	}
	return nil
}

// validatePromotionTarget checks the plan/phase scope requested for a
// promotion (or plan-scoped task placement) against the project workflow.
func (e Engine) validatePromotionTarget(ctx context.Context, project domain.Project, planID, phaseID string) error {
	if project.WorkflowType == domain.WorkflowFlat {
		if planID != "" || phaseID != "" {
			return validationf("project %s uses flat workflow, no plan needed; omit plan_id and phase_id", project.ID)
		}
		return nil
	}
	if planID == "" {
		if phaseID != "" {
			return validationf("project %s uses planned workflow, plan_id required; phase_id alone is not enough", project.ID)
		}
		return validationf("project %s uses planned workflow, plan_id required", project.ID)
	}
	plan, err := e.Repo.GetPlan(ctx, planID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return validationf("plan %s not found", planID)
		}
		return err
	}
	if plan.ProjectID != project.ID {
		return validationf("plan %s does not belong to project %s", planID, project.ID)
	}
	if phaseID != "" {
		phase, err := e.Repo.GetPhase(ctx, phaseID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return validationf("phase %s not found", phaseID)
			}
			return err
		}
		if phase.PlanID != planID {
			return validationf("phase %s does not belong to plan %s", phaseID, planID)
		}
	}
	return nil
}
