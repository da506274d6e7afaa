package domain

// Project statuses.
const (
	ProjectActive    = "active"
	ProjectPaused    = "paused"
	ProjectArchived  = "archived"
	ProjectCompleted = "completed"
)

// Project types.
const (
	ProjectNative    = "native"
	ProjectConnected = "connected"
)

// Workflow types. WorkflowType is set at creation and never updated.
const (
	WorkflowFlat    = "flat"
	WorkflowPlanned = "planned"
)

// Data origins.
const (
	OriginNative = "native"
	OriginSynced = "synced"
)

// Task statuses.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskBlocked    = "blocked"
	TaskDone       = "done"
)

// Task priorities.
const (
	PriorityP1 = "P1"
	PriorityP2 = "P2"
	PriorityP3 = "P3"
)

// Plan statuses.
const (
	PlanDraft      = "draft"
	PlanApproved   = "approved"
	PlanInProgress = "in_progress"
	PlanCompleted  = "completed"
)

// Phase statuses.
const (
	PhasePending   = "pending"
	PhaseActive    = "active"
	PhaseCompleted = "completed"
)

// Backlog item statuses.
const (
	BacklogCaptured    = "captured"
	BacklogTriaged     = "triaged"
	BacklogPrioritized = "prioritized"
	BacklogPromoted    = "promoted"
	BacklogArchived    = "archived"
)

// Connector statuses.
const (
	ConnectorActive = "active"
	ConnectorPaused = "paused"
	ConnectorError  = "error"
)

// ConnectorFileSync is the external-sync connector type checked by the
// enabled-scope resolver. Its config JSON must carry a non-empty "path".
const ConnectorFileSync = "file_sync"

// Actor types recorded on activity entries.
const (
	ActorUser      = "user"
	ActorConnector = "connector"
	ActorSystem    = "system"
)

// Entity kinds used by the activity log's weak references.
const (
	EntityProject     = "project"
	EntityPlan        = "plan"
	EntityPhase       = "phase"
	EntityTask        = "task"
	EntityBacklogItem = "backlog_item"
	EntityConnector   = "connector"
)

type Project struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Status         string  `json:"status" enum:"active,paused,archived,completed"`
	ProjectType    string  `json:"project_type" enum:"native,connected"`
	WorkflowType   string  `json:"workflow_type" enum:"flat,planned"`
	CurrentPhaseID *string `json:"current_phase_id,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

type Plan struct {
	ID         string  `json:"id"`
	ProjectID  string  `json:"project_id"`
	Name       string  `json:"name"`
	Status     string  `json:"status" enum:"draft,approved,in_progress,completed"`
	ApprovedBy *string `json:"approved_by,omitempty"`
	ApprovedAt *string `json:"approved_at,omitempty" format:"date-time"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
}

type Phase struct {
	ID          string  `json:"id"`
	PlanID      string  `json:"plan_id"`
	ProjectID   string  `json:"project_id"`
	Name        string  `json:"name"`
	SortOrder   int     `json:"sort_order"`
	Status      string  `json:"status" enum:"pending,active,completed"`
	StartedAt   *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

type Task struct {
	ID               string  `json:"id"`
	ProjectID        string  `json:"project_id"`
	PlanID           *string `json:"plan_id,omitempty"`
	PhaseID          *string `json:"phase_id,omitempty"`
	Title            string  `json:"title"`
	Description      string  `json:"description,omitempty"`
	Status           string  `json:"status" enum:"pending,in_progress,blocked,done"`
	Priority         string  `json:"priority,omitempty" enum:"P1,P2,P3"`
	Size             string  `json:"size,omitempty"`
	DeadlineAt       *string `json:"deadline_at,omitempty" format:"date-time"`
	DataOrigin       string  `json:"data_origin" enum:"native,synced"`
	SourceID         *string `json:"source_id,omitempty"`
	ValidationStatus string  `json:"validation_status,omitempty"`
	Outcome          string  `json:"outcome,omitempty"`
	CompletedAt      *string `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
}

type BacklogItem struct {
	ID               string  `json:"id"`
	ProjectID        string  `json:"project_id"`
	Title            string  `json:"title"`
	Description      string  `json:"description,omitempty"`
	Status           string  `json:"status" enum:"captured,triaged,prioritized,promoted,archived"`
	Priority         string  `json:"priority,omitempty" enum:"P1,P2,P3"`
	Size             string  `json:"size,omitempty"`
	ItemType         string  `json:"item_type,omitempty"`
	DataOrigin       string  `json:"data_origin" enum:"native,synced"`
	SourceID         *string `json:"source_id,omitempty"`
	PromotedToTaskID *string `json:"promoted_to_task_id,omitempty"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
}

// ActivityEntry is an append-only ledger row. EntityType/EntityID form a
// weak reference: the referent may have been deleted since.
type ActivityEntry struct {
	ID         int64  `json:"id"`
	EntityType string `json:"entity_type" enum:"project,plan,phase,task,backlog_item,connector"`
	EntityID   string `json:"entity_id"`
	ActorType  string `json:"actor_type" enum:"user,connector,system"`
	ActorID    string `json:"actor_id"`
	Action     string `json:"action"`
	Detail     string `json:"detail_json,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type Connector struct {
	ID            string `json:"id"`
	ProjectID     string `json:"project_id"`
	ConnectorType string `json:"connector_type"`
	Status        string `json:"status" enum:"active,paused,error"`
	ConfigJSON    string `json:"config_json,omitempty"`
	CreatedAt     string `json:"created_at" format:"date-time"`
	UpdatedAt     string `json:"updated_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorType string `json:"actor_type" enum:"user,connector,system"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Actor is the resolved identity attached to every mutation. The engine
// never authenticates actors; it receives them already resolved.
type Actor struct {
	Type string `json:"actor_type" enum:"user,connector,system"`
	ID   string `json:"actor_id"`
}

// ScoredTask is a ranking result: the task, its accumulated score and the
// labels explaining which bonuses applied.
type ScoredTask struct {
	Task    Task     `json:"task"`
	Score   int      `json:"score"`
	Reasons []string `json:"reasons,omitempty"`
}
