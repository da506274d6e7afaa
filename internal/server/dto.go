package server

import (
	"tracklane/internal/domain"
	"tracklane/internal/engine"
)

// Request payloads

type CreateProjectRequest struct {
	ID           *string `json:"id,omitempty"`
	Name         string  `json:"name"`
	ProjectType  string  `json:"project_type,omitempty" enum:"native,connected"`
	WorkflowType string  `json:"workflow_type,omitempty" enum:"flat,planned"`
}

type UpdateProjectRequest struct {
	Name   string `json:"name,omitempty"`
	Status string `json:"status,omitempty" enum:"active,paused,archived,completed"`
}

type CreatePlanRequest struct {
	Name string `json:"name"`
}

type CreatePhaseRequest struct {
	Name string `json:"name"`
}

type CreateTaskRequest struct {
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	Priority    string  `json:"priority,omitempty" enum:"P1,P2,P3"`
	Size        string  `json:"size,omitempty"`
	DeadlineAt  *string `json:"deadline_at,omitempty" format:"date-time"`
	PlanID      *string `json:"plan_id,omitempty"`
	PhaseID     *string `json:"phase_id,omitempty"`
}

type UpdateTaskRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *string `json:"status,omitempty" enum:"pending,in_progress,blocked,done"`
	Priority    *string `json:"priority,omitempty" enum:"P1,P2,P3"`
	Size        *string `json:"size,omitempty"`
	DeadlineAt  *string `json:"deadline_at,omitempty"`
	PlanID      *string `json:"plan_id,omitempty"`
	PhaseID     *string `json:"phase_id,omitempty"`
	Outcome     *string `json:"outcome,omitempty"`
}

type BulkUpdateTasksRequest struct {
	IDs    []string          `json:"ids"`
	Update UpdateTaskRequest `json:"update"`
}

type CreateBacklogItemRequest struct {
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	Priority    string  `json:"priority,omitempty" enum:"P1,P2,P3"`
	Size        string  `json:"size,omitempty"`
	ItemType    string  `json:"item_type,omitempty"`
}

type UpdateBacklogItemRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *string `json:"status,omitempty" enum:"captured,triaged,prioritized"`
	Priority    *string `json:"priority,omitempty" enum:"P1,P2,P3"`
	Size        *string `json:"size,omitempty"`
	ItemType    *string `json:"item_type,omitempty"`
}

type PromoteBacklogItemRequest struct {
	PlanID   string `json:"plan_id,omitempty"`
	PhaseID  string `json:"phase_id,omitempty"`
	Priority string `json:"priority,omitempty" enum:"P1,P2,P3"`
}

type ReconcileRequest struct {
	Observations []engine.TaskObservation `json:"observations"`
}

type RegisterConnectorRequest struct {
	ConnectorType string         `json:"connector_type,omitempty"`
	Config        map[string]any `json:"config,omitempty"`
}

type SetConnectorStatusRequest struct {
	Status string `json:"status" enum:"active,paused,error"`
}

type DevLoginRequest struct {
	ActorID   string `json:"actor_id"`
	ActorType string `json:"actor_type,omitempty" enum:"user,connector,system"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Response payloads are the domain structs themselves; their json tags and
// huma enum/format annotations already describe the wire shape.

type paginatedTasks struct {
	Items []domain.Task `json:"items"`
}

type paginatedBacklog struct {
	Items []domain.BacklogItem `json:"items"`
}

type paginatedActivity struct {
	Items      []engine.ActivityView `json:"items"`
	NextCursor int64                 `json:"next_cursor,omitempty"`
}

type nextUpResponse struct {
	Items []domain.ScoredTask `json:"items"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
