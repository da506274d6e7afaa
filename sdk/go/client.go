package tracklanesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Tracklane HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID         string  `json:"id"`
	ProjectID  string  `json:"project_id"`
	Title      string  `json:"title"`
	Status     string  `json:"status"`
	Priority   string  `json:"priority"`
	DataOrigin string  `json:"data_origin"`
	SourceID   *string `json:"source_id,omitempty"`
	PlanID     *string `json:"plan_id,omitempty"`
	PhaseID    *string `json:"phase_id,omitempty"`
	DeadlineAt *string `json:"deadline_at,omitempty"`
}

// BacklogItem represents the API backlog model (partial).
type BacklogItem struct {
	ID               string  `json:"id"`
	ProjectID        string  `json:"project_id"`
	Title            string  `json:"title"`
	Status           string  `json:"status"`
	Priority         string  `json:"priority"`
	DataOrigin       string  `json:"data_origin"`
	PromotedToTaskID *string `json:"promoted_to_task_id,omitempty"`
}

// Plan represents the API plan model (partial).
type Plan struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
}

// ScoredTask is a ranked task with the reasons behind its score.
type ScoredTask struct {
	Task    Task     `json:"task"`
	Score   int      `json:"score"`
	Reasons []string `json:"reasons"`
}

// TaskObservation is one external tracker row to reconcile. Nil fields
// leave the stored value alone.
type TaskObservation struct {
	ProjectID   string  `json:"project_id"`
	SourceID    string  `json:"source_id"`
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *string `json:"status,omitempty"`
	Priority    *string `json:"priority,omitempty"`
	Size        *string `json:"size,omitempty"`
	DeadlineAt  *string `json:"deadline_at,omitempty"`
}

// ReconcileResult summarizes a reconcile batch.
type ReconcileResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
}

// ActivityEntry represents a ledger row.
type ActivityEntry struct {
	ID          int64  `json:"id"`
	EntityType  string `json:"entity_type"`
	EntityID    string `json:"entity_id"`
	EntityLabel string `json:"entity_label,omitempty"`
	Action      string `json:"action"`
	ActorType   string `json:"actor_type"`
	ActorID     string `json:"actor_id"`
	Detail      string `json:"detail_json,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// PaginatedActivity wraps ledger listings with a cursor.
type PaginatedActivity struct {
	Items      []ActivityEntry `json:"items"`
	NextCursor int64           `json:"next_cursor,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTask creates a native task in the client's project.
func (c *Client) CreateTask(ctx context.Context, title, priority string) (Task, error) {
	body := map[string]any{"title": title}
	if priority != "" {
		body["priority"] = priority
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, c.projectPath("tasks"), body, &resp)
	return resp, err
}

// Tasks lists tasks in the client's project, optionally filtered by status.
func (c *Client) Tasks(ctx context.Context, status string) ([]Task, error) {
	endpoint := c.projectPath("tasks")
	if status != "" {
		endpoint = fmt.Sprintf("%s?status=%s", endpoint, url.QueryEscape(status))
	}
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// UpdateTaskStatus moves a task to a new status.
func (c *Client) UpdateTaskStatus(ctx context.Context, taskID, status string) (Task, error) {
	body := map[string]any{"status": status}
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp, err
}

// CaptureBacklogItem adds an item to the project backlog.
func (c *Client) CaptureBacklogItem(ctx context.Context, title string) (BacklogItem, error) {
	var resp BacklogItem
	err := c.do(ctx, http.MethodPost, c.projectPath("backlog"), map[string]any{"title": title}, &resp)
	return resp, err
}

// PromoteBacklogItem promotes a backlog item into a task. planID and
// phaseID are optional for flat projects.
func (c *Client) PromoteBacklogItem(ctx context.Context, itemID, planID, phaseID string) (Task, error) {
	body := map[string]any{}
	if planID != "" {
		body["plan_id"] = planID
	}
	if phaseID != "" {
		body["phase_id"] = phaseID
	}
	var resp Task
	endpoint := fmt.Sprintf("v0/backlog/%s/promote", url.PathEscape(itemID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ReconcileTasks submits a batch of observations. Safe to retry with the
// same batch; the server reconciles idempotently.
func (c *Client) ReconcileTasks(ctx context.Context, observations []TaskObservation) (ReconcileResult, error) {
	var resp ReconcileResult
	err := c.do(ctx, http.MethodPost, "v0/sync/tasks", map[string]any{"observations": observations}, &resp)
	return resp, err
}

// NextUp returns ranked open tasks across enabled projects.
func (c *Client) NextUp(ctx context.Context, limit int) ([]ScoredTask, error) {
	endpoint := "v0/next"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []ScoredTask `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Activity returns recent ledger entries.
func (c *Client) Activity(ctx context.Context, limit int) ([]ActivityEntry, error) {
	page, err := c.ActivityPage(ctx, limit, 0)
	return page.Items, err
}

// ActivityPage returns a paginated ledger listing.
func (c *Client) ActivityPage(ctx context.Context, limit int, cursor int64) (PaginatedActivity, error) {
	endpoint := "v0/activity"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor > 0 {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%d", endpoint, sep, cursor)
	}
	var resp PaginatedActivity
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Plans lists plans in the client's project.
func (c *Client) Plans(ctx context.Context) ([]Plan, error) {
	var resp struct {
		Items []Plan `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.projectPath("plans"), nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
