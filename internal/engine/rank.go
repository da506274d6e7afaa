package engine

import (
	"context"
	"sort"
	"time"

	"tracklane/internal/domain"
)

// The ranking engine. Scoring is a pure function of task, project and
// clock, so the same store state and the same instant always produce the
// same ordering.

const (
	scoreOverdue             = 100
	scoreHighPriority        = 50
	scoreApproachingDeadline = 40
	scoreBlocked             = 35
	scoreActivePhase         = 30
	scoreInProgress          = 20
	scoreActiveProject       = 10

	approachingWindow = 48 * time.Hour

	defaultNextUpLimit = 10
)

var statusRank = map[string]int{
	domain.TaskInProgress: 0,
	domain.TaskPending:    1,
	domain.TaskBlocked:    2,
	domain.TaskDone:       3,
}

func scoreTask(t domain.Task, p domain.Project, now time.Time) (int, []string) {
	score := 0
	var reasons []string
	if t.DeadlineAt != nil {
		if deadline, err := time.Parse(time.RFC3339, *t.DeadlineAt); err == nil {
			if deadline.Before(now) {
				score += scoreOverdue
				reasons = append(reasons, "Overdue")
			} else if deadline.Sub(now) <= approachingWindow {
				score += scoreApproachingDeadline
				reasons = append(reasons, "Approaching Deadline")
			}
		}
	}
	if t.Priority == domain.PriorityP1 {
		score += scoreHighPriority
		reasons = append(reasons, "High Priority")
	}
	if t.Status == domain.TaskBlocked {
		score += scoreBlocked
		reasons = append(reasons, "Blocked")
	}
	if p.Status == domain.ProjectActive {
		if t.PhaseID != nil && p.CurrentPhaseID != nil && *t.PhaseID == *p.CurrentPhaseID {
			score += scoreActivePhase
			reasons = append(reasons, "Active Phase")
		} else if t.PhaseID == nil {
			// Flat or unphased work in an active project gets a small
			// nudge, not a labeled reason.
			score += scoreActiveProject
		}
	}
	if t.Status == domain.TaskInProgress {
		score += scoreInProgress
		reasons = append(reasons, "In Progress")
	}
	return score, reasons
}

// rankTasks scores, orders and truncates. Ties break by status rank, then
// creation time, then id, so the ordering is fully deterministic.
func rankTasks(tasks []domain.Task, projects map[string]domain.Project, now time.Time, limit int) []domain.ScoredTask {
	scored := make([]domain.ScoredTask, 0, len(tasks))
	for _, t := range tasks {
		score, reasons := scoreTask(t, projects[t.ProjectID], now)
		scored = append(scored, domain.ScoredTask{Task: t, Score: score, Reasons: reasons})
	}
	sort.Slice(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if statusRank[a.Task.Status] != statusRank[b.Task.Status] {
			return statusRank[a.Task.Status] < statusRank[b.Task.Status]
		}
		if a.Task.CreatedAt != b.Task.CreatedAt {
			return a.Task.CreatedAt < b.Task.CreatedAt
		}
		return a.Task.ID < b.Task.ID
	})
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}

// NextUp returns the top open tasks across all enabled projects. Done
// tasks never appear; disabled projects contribute nothing.
func (e Engine) NextUp(ctx context.Context, limit int) ([]domain.ScoredTask, error) {
	if limit <= 0 {
		limit = defaultNextUpLimit
	}
	enabled, err := e.EnabledProjectIDs(ctx)
	if err != nil {
		return nil, err
	}
	if len(enabled) == 0 {
		return []domain.ScoredTask{}, nil
	}
	tasks, err := e.Repo.ListTasks(ctx, taskFiltersForRanking(enabled))
	if err != nil {
		return nil, err
	}
	projectRows, err := e.Repo.ListProjects(ctx, projectFiltersByIDs(enabled))
	if err != nil {
		return nil, err
	}
	projects := make(map[string]domain.Project, len(projectRows))
	for _, p := range projectRows {
		projects[p.ID] = p
	}
	return rankTasks(tasks, projects, e.clock(), limit), nil
}
