package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"tracklane/internal/config"
	"tracklane/internal/db"
	"tracklane/internal/domain"
	"tracklane/internal/engine"
	"tracklane/internal/migrate"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("proj-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	seed := domain.Actor{Type: domain.ActorUser, ID: "tester"}
	if _, err := e.CreateProject(context.Background(), engine.CreateProjectOptions{ID: "proj-1", Name: "test"}, seed); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testJWTSecret, AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

var asTester = map[string]string{"X-Actor-Id": "tester"}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func parseError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env
}

func TestRequiresAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	env := parseError(t, data)
	if env.Error.Code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %q", env.Error.Code)
	}

	// health stays open
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected open health endpoint, got %d: %s", res.StatusCode, string(data))
	}
}

func TestDevLoginMintsUsableToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "dev-user",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("expected token, got %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("bearer list projects: %d %s", res.StatusCode, string(data))
	}

	// garbage tokens are rejected
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d: %s", res.StatusCode, string(data))
	}
}

func TestSyncedTaskRejectionEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sync/tasks", map[string]any{
		"observations": []map[string]any{
			{"project_id": "proj-1", "source_id": "ext-1", "title": "Mirror"},
		},
	}, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reconcile: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/proj-1/tasks", nil, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list tasks: %d %s", res.StatusCode, string(data))
	}
	var page struct {
		Items []domain.Task `json:"items"`
	}
	if err := json.Unmarshal(data, &page); err != nil || len(page.Items) != 1 {
		t.Fatalf("expected one task, got %s", string(data))
	}
	taskID := page.Items[0].ID

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/tasks/"+taskID, map[string]any{
		"title":    "Renamed",
		"priority": "P1",
		"status":   "in_progress",
	}, asTester)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for synced edit, got %d: %s", res.StatusCode, string(data))
	}
	env := parseError(t, data)
	if env.Error.Code != "forbidden_fields" {
		t.Fatalf("expected forbidden_fields code, got %q", env.Error.Code)
	}
	fields, _ := env.Error.Details["fields"].([]any)
	if len(fields) != 2 {
		t.Fatalf("expected two forbidden fields in details, got %v", env.Error.Details)
	}

	// status alone is allowed
	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/tasks/"+taskID, map[string]any{
		"status": "in_progress",
	}, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status edit: %d %s", res.StatusCode, string(data))
	}
}

func TestPlanLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"id": "proj-p", "name": "planned", "workflow_type": "planned",
	}, asTester)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-p/plans", map[string]any{
		"name": "Q2",
	}, asTester)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create plan: %d %s", res.StatusCode, string(data))
	}
	var plan domain.Plan
	_ = json.Unmarshal(data, &plan)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-p/plans", map[string]any{
		"name": "Q3",
	}, asTester)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for second active plan, got %d: %s", res.StatusCode, string(data))
	}

	for _, step := range []string{"approve", "start", "complete"} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/plans/"+plan.ID+"/"+step, nil, asTester)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s plan: %d %s", step, res.StatusCode, string(data))
		}
	}

	// a flat project rejects plans with a validation error
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/plans", map[string]any{
		"name": "nope",
	}, asTester)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for plan on flat project, got %d: %s", res.StatusCode, string(data))
	}
	env := parseError(t, data)
	if env.Error.Code != "validation_failed" {
		t.Fatalf("expected validation_failed code, got %q", env.Error.Code)
	}
}

func TestPromoteBacklogItemOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/backlog", map[string]any{
		"title": "Good idea",
	}, asTester)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("capture: %d %s", res.StatusCode, string(data))
	}
	var item domain.BacklogItem
	_ = json.Unmarshal(data, &item)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/backlog/"+item.ID+"/promote", map[string]any{}, asTester)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("promote: %d %s", res.StatusCode, string(data))
	}
	var task domain.Task
	if err := json.Unmarshal(data, &task); err != nil || task.Title != "Good idea" {
		t.Fatalf("unexpected promoted task: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/backlog/"+item.ID+"/promote", map[string]any{}, asTester)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on double promotion, got %d: %s", res.StatusCode, string(data))
	}
}

func TestNotFoundEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/ghost", nil, asTester)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	env := parseError(t, data)
	if env.Error.Code != "not_found" {
		t.Fatalf("expected not_found code, got %q", env.Error.Code)
	}
}

func TestNextUpEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/tasks", map[string]any{
		"title": "open work", "priority": "P1",
	}, asTester)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/next", nil, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("next up: %d %s", res.StatusCode, string(data))
	}
	var page struct {
		Items []domain.ScoredTask `json:"items"`
	}
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].Score == 0 {
		t.Fatalf("expected one scored task, got %s", string(data))
	}
}
