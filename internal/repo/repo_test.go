package repo_test

import (
	"context"
	"errors"
	"testing"

	"tracklane/internal/db"
	"tracklane/internal/domain"
	"tracklane/internal/migrate"
	"tracklane/internal/repo"
)

func newTestRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}, context.Background()
}

func seedProject(t *testing.T, r repo.Repo, ctx context.Context, id string) {
	t.Helper()
	err := r.InsertProject(ctx, domain.Project{
		ID: id, Name: id, Status: domain.ProjectActive,
		ProjectType: domain.ProjectNative, WorkflowType: domain.WorkflowFlat,
		CreatedAt: "2025-05-01T12:00:00Z", UpdatedAt: "2025-05-01T12:00:00Z",
	})
	if err != nil {
		t.Fatalf("seed project: %v", err)
	}
}

func TestNotFoundSentinel(t *testing.T) {
	r, ctx := newTestRepo(t)
	if _, err := r.GetTask(ctx, "ghost"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := r.GetProject(ctx, "ghost"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUniqueViolationMapsToConflict(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedProject(t, r, ctx, "proj-1")
	now := "2025-05-01T12:00:00Z"

	sourceID := "ext-1"
	base := domain.Task{
		ProjectID: "proj-1", Title: "one", Status: domain.TaskPending,
		DataOrigin: domain.OriginSynced, SourceID: &sourceID,
		CreatedAt: now, UpdatedAt: now,
	}
	first := base
	first.ID = "t-1"
	if err := r.InsertTask(ctx, first); err != nil {
		t.Fatalf("insert first: %v", err)
	}
	second := base
	second.ID = "t-2"
	if err := r.InsertTask(ctx, second); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate natural key, got %v", err)
	}

	// two native tasks without source ids coexist
	third := domain.Task{
		ID: "t-3", ProjectID: "proj-1", Title: "native", Status: domain.TaskPending,
		DataOrigin: domain.OriginNative, CreatedAt: now, UpdatedAt: now,
	}
	fourth := third
	fourth.ID = "t-4"
	if err := r.InsertTask(ctx, third); err != nil {
		t.Fatal(err)
	}
	if err := r.InsertTask(ctx, fourth); err != nil {
		t.Fatalf("native tasks should not collide: %v", err)
	}
}

func TestOneActivePlanIndex(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedProject(t, r, ctx, "proj-1")
	now := "2025-05-01T12:00:00Z"

	if err := r.InsertPlan(ctx, domain.Plan{
		ID: "p-1", ProjectID: "proj-1", Name: "Q2", Status: domain.PlanDraft,
		CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}
	err := r.InsertPlan(ctx, domain.Plan{
		ID: "p-2", ProjectID: "proj-1", Name: "Q3", Status: domain.PlanDraft,
		CreatedAt: now, UpdatedAt: now,
	})
	if !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected the partial index to reject a second active plan, got %v", err)
	}

	// a completed plan does not occupy the slot
	done := domain.Plan{
		ID: "p-1", ProjectID: "proj-1", Name: "Q2", Status: domain.PlanCompleted,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := r.UpdatePlan(ctx, done); err != nil {
		t.Fatal(err)
	}
	if err := r.InsertPlan(ctx, domain.Plan{
		ID: "p-2", ProjectID: "proj-1", Name: "Q3", Status: domain.PlanDraft,
		CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("insert after completion: %v", err)
	}
}

func TestDeleteProjectCascades(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedProject(t, r, ctx, "proj-1")
	now := "2025-05-01T12:00:00Z"
	if err := r.InsertTask(ctx, domain.Task{
		ID: "t-1", ProjectID: "proj-1", Title: "one", Status: domain.TaskPending,
		DataOrigin: domain.OriginNative, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}

	if err := r.DeleteProject(ctx, "proj-1"); err != nil {
		t.Fatalf("delete project: %v", err)
	}
	if _, err := r.GetProject(ctx, "proj-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("project should be gone, got %v", err)
	}
	if _, err := r.GetTask(ctx, "t-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("child task should cascade away, got %v", err)
	}
	if err := r.DeleteProject(ctx, "proj-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestCountTasksHonorsFilters(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedProject(t, r, ctx, "proj-1")
	seedProject(t, r, ctx, "proj-2")
	now := "2025-05-01T12:00:00Z"
	rows := []domain.Task{
		{ID: "t-1", ProjectID: "proj-1", Title: "a", Status: domain.TaskPending, DataOrigin: domain.OriginNative, CreatedAt: now, UpdatedAt: now},
		{ID: "t-2", ProjectID: "proj-1", Title: "b", Status: domain.TaskDone, DataOrigin: domain.OriginNative, CreatedAt: now, UpdatedAt: now},
		{ID: "t-3", ProjectID: "proj-2", Title: "c", Status: domain.TaskPending, DataOrigin: domain.OriginNative, CreatedAt: now, UpdatedAt: now},
	}
	for _, task := range rows {
		if err := r.InsertTask(ctx, task); err != nil {
			t.Fatal(err)
		}
	}

	n, err := r.CountTasks(ctx, repo.TaskFilters{ProjectID: "proj-1"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 tasks in proj-1, got %d", n)
	}
	n, err = r.CountTasks(ctx, repo.TaskFilters{ProjectID: "proj-1", Status: domain.TaskDone})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 done task, got %d", n)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	r, ctx := newTestRepo(t)
	secret := "super-secret-key"
	key := domain.APIKey{
		ID: "k-1", ActorType: domain.ActorConnector, ActorID: "conn-1",
		Name: "ci", KeyHash: repo.HashAPIKey(secret),
	}
	if err := r.InsertAPIKey(ctx, key); err != nil {
		t.Fatal(err)
	}
	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(secret))
	if err != nil {
		t.Fatalf("lookup by hash: %v", err)
	}
	if got.ActorID != "conn-1" || got.ActorType != domain.ActorConnector {
		t.Fatalf("unexpected key %+v", got)
	}
	if _, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey("wrong")); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown hash, got %v", err)
	}

	if err := r.DeleteAPIKey(ctx, "k-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(secret)); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected deletion, got %v", err)
	}
}

func TestActivityCursorPagination(t *testing.T) {
	r, ctx := newTestRepo(t)
	for i := 0; i < 5; i++ {
		err := r.InsertActivity(ctx, domain.ActivityEntry{
			EntityType: domain.EntityTask, EntityID: "t-1",
			ActorType: domain.ActorUser, ActorID: "tester",
			Action: "task.updated", Detail: "{}",
			CreatedAt: "2025-05-01T12:00:00Z",
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	page1, err := r.ListActivity(ctx, repo.ActivityFilters{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page1) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(page1))
	}
	page2, err := r.ListActivity(ctx, repo.ActivityFilters{Limit: 2, Cursor: page1[len(page1)-1].ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(page2) != 2 {
		t.Fatalf("expected 2 entries on page 2, got %d", len(page2))
	}
	if page2[0].ID >= page1[len(page1)-1].ID {
		t.Fatalf("cursor did not advance: %d then %d", page1[len(page1)-1].ID, page2[0].ID)
	}
}
