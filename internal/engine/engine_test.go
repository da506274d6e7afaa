package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"tracklane/internal/config"
	"tracklane/internal/db"
	"tracklane/internal/domain"
	"tracklane/internal/engine"
	"tracklane/internal/migrate"
	"tracklane/internal/repo"
)

var tester = domain.Actor{Type: domain.ActorUser, ID: "tester"}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
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
	cfg := config.Default("proj-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.CreateProject(ctx, engine.CreateProjectOptions{ID: "proj-1", Name: "test"}, tester); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) createProject(t *testing.T, id, projectType, workflowType string) domain.Project {
	t.Helper()
	p, err := env.Engine.CreateProject(env.Ctx, engine.CreateProjectOptions{
		ID: id, Name: id, ProjectType: projectType, WorkflowType: workflowType,
	}, tester)
	if err != nil {
		t.Fatalf("create project %s: %v", id, err)
	}
	return p
}

func strptr(s string) *string { return &s }

func TestReconcileReplayConverges(t *testing.T) {
	env := newTestEnv(t)
	batch := []engine.TaskObservation{
		{ProjectID: "proj-1", SourceID: "ext-1", Title: strptr("Fix login"), Status: strptr("in_progress")},
		{ProjectID: "proj-1", SourceID: "ext-2", Title: strptr("Write docs")},
	}
	actor := domain.Actor{Type: domain.ActorConnector, ID: "conn-1"}

	res, err := env.Engine.ReconcileTasks(env.Ctx, batch, actor)
	if err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	if res.Created != 2 || res.Updated != 0 {
		t.Fatalf("first pass: created=%d updated=%d", res.Created, res.Updated)
	}

	for i := 0; i < 3; i++ {
		res, err = env.Engine.ReconcileTasks(env.Ctx, batch, actor)
		if err != nil {
			t.Fatalf("replay %d: %v", i, err)
		}
		if res.Created != 0 || res.Updated != 2 {
			t.Fatalf("replay %d: created=%d updated=%d", i, res.Created, res.Updated)
		}
	}

	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{ProjectID: "proj-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks after replays, got %d", len(tasks))
	}
	for _, task := range tasks {
		if task.DataOrigin != domain.OriginSynced || task.SourceID == nil {
			t.Fatalf("task %s not marked synced", task.ID)
		}
	}
}

func TestReconcileStatusSetsCompletedAt(t *testing.T) {
	env := newTestEnv(t)
	actor := domain.Actor{ID: "conn-1"}
	obs := []engine.TaskObservation{{ProjectID: "proj-1", SourceID: "ext-1", Status: strptr("done")}}
	if _, err := env.Engine.ReconcileTasks(env.Ctx, obs, actor); err != nil {
		t.Fatal(err)
	}
	task, err := env.Engine.Repo.GetTaskBySource(env.Ctx, "proj-1", "ext-1")
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != domain.TaskDone || task.CompletedAt == nil {
		t.Fatalf("expected done with completed_at, got %s %v", task.Status, task.CompletedAt)
	}
	// title fell back to the source id
	if task.Title != "ext-1" {
		t.Fatalf("expected title fallback, got %q", task.Title)
	}

	// reopening clears completed_at
	obs[0].Status = strptr("pending")
	if _, err := env.Engine.ReconcileTasks(env.Ctx, obs, actor); err != nil {
		t.Fatal(err)
	}
	task, _ = env.Engine.Repo.GetTaskBySource(env.Ctx, "proj-1", "ext-1")
	if task.Status != domain.TaskPending || task.CompletedAt != nil {
		t.Fatalf("expected reopened task, got %s %v", task.Status, task.CompletedAt)
	}
}

func TestReconcileValidatesBeforeWriting(t *testing.T) {
	env := newTestEnv(t)
	batch := []engine.TaskObservation{
		{ProjectID: "proj-1", SourceID: "ext-1"},
		{ProjectID: "ghost", SourceID: "ext-2"},
	}
	_, err := env.Engine.ReconcileTasks(env.Ctx, batch, domain.Actor{ID: "conn-1"})
	if !engine.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	tasks, _ := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{ProjectID: "proj-1"})
	if len(tasks) != 0 {
		t.Fatalf("expected no writes from a rejected batch, got %d tasks", len(tasks))
	}
}

func TestSyncedTaskFieldGuard(t *testing.T) {
	env := newTestEnv(t)
	obs := []engine.TaskObservation{{ProjectID: "proj-1", SourceID: "ext-1", Title: strptr("Mirror")}}
	if _, err := env.Engine.ReconcileTasks(env.Ctx, obs, domain.Actor{ID: "conn-1"}); err != nil {
		t.Fatal(err)
	}
	task, err := env.Engine.Repo.GetTaskBySource(env.Ctx, "proj-1", "ext-1")
	if err != nil {
		t.Fatal(err)
	}

	_, err = env.Engine.UpdateTask(env.Ctx, engine.UpdateTaskOptions{
		ID:       task.ID,
		Title:    strptr("Renamed"),
		Priority: strptr("P1"),
		Status:   strptr("in_progress"),
	}, tester)
	var fe engine.ForbiddenFieldsError
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden fields error, got %v", err)
	}
	if len(fe.Fields) != 2 {
		t.Fatalf("expected both forbidden fields reported, got %v", fe.Fields)
	}
	got := map[string]bool{}
	for _, f := range fe.Fields {
		got[f] = true
	}
	if !got["title"] || !got["priority"] || got["status"] {
		t.Fatalf("unexpected forbidden set %v", fe.Fields)
	}

	// the store is untouched on rejection
	after, _ := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if after.Title != "Mirror" || after.Status != domain.TaskPending {
		t.Fatalf("store changed despite rejection: %+v", after)
	}

	// a status-only edit goes through
	updated, err := env.Engine.UpdateTask(env.Ctx, engine.UpdateTaskOptions{ID: task.ID, Status: strptr("blocked")}, tester)
	if err != nil {
		t.Fatalf("status edit on synced task: %v", err)
	}
	if updated.Status != domain.TaskBlocked {
		t.Fatalf("expected blocked, got %s", updated.Status)
	}
}

func TestSyncedBacklogItemIsPromoteOnly(t *testing.T) {
	env := newTestEnv(t)
	now := "2025-05-01T12:00:00Z"
	sourceID := "ext-b1"
	item := domain.BacklogItem{
		ID: "bl-1", ProjectID: "proj-1", Title: "Mirror idea",
		Status: domain.BacklogCaptured, DataOrigin: domain.OriginSynced, SourceID: &sourceID,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := env.Engine.Repo.InsertBacklogItem(env.Ctx, item); err != nil {
		t.Fatal(err)
	}

	_, err := env.Engine.UpdateBacklogItem(env.Ctx, engine.UpdateBacklogItemOptions{ID: "bl-1", Status: strptr("triaged")}, tester)
	var fe engine.ForbiddenFieldsError
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden fields error, got %v", err)
	}

	if _, err := env.Engine.ArchiveBacklogItem(env.Ctx, "bl-1", tester); !errors.As(err, &fe) {
		t.Fatalf("expected archive rejection for synced item, got %v", err)
	}

	// promotion is the one allowed path, and it carries provenance
	task, err := env.Engine.PromoteBacklogItem(env.Ctx, engine.PromoteBacklogItemOptions{ItemID: "bl-1"}, tester)
	if err != nil {
		t.Fatalf("promote synced item: %v", err)
	}
	if task.DataOrigin != domain.OriginSynced || task.SourceID == nil || *task.SourceID != sourceID {
		t.Fatalf("promotion dropped provenance: %+v", task)
	}
}

func TestSingleActivePlan(t *testing.T) {
	env := newTestEnv(t)
	env.createProject(t, "proj-p", domain.ProjectNative, domain.WorkflowPlanned)

	plan, err := env.Engine.CreatePlan(env.Ctx, engine.CreatePlanOptions{ProjectID: "proj-p", Name: "Q2"}, tester)
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	_, err = env.Engine.CreatePlan(env.Ctx, engine.CreatePlanOptions{ProjectID: "proj-p", Name: "Q3"}, tester)
	if !engine.IsConflict(err) {
		t.Fatalf("expected conflict for second active plan, got %v", err)
	}

	if _, err := env.Engine.ApprovePlan(env.Ctx, plan.ID, tester); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.StartPlan(env.Ctx, plan.ID, tester); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CompletePlan(env.Ctx, plan.ID, tester); err != nil {
		t.Fatal(err)
	}

	// a completed plan frees the slot
	if _, err := env.Engine.CreatePlan(env.Ctx, engine.CreatePlanOptions{ProjectID: "proj-p", Name: "Q3"}, tester); err != nil {
		t.Fatalf("create plan after completion: %v", err)
	}
}

func TestPlanTransitionsAreStrict(t *testing.T) {
	env := newTestEnv(t)
	env.createProject(t, "proj-p", domain.ProjectNative, domain.WorkflowPlanned)
	plan, err := env.Engine.CreatePlan(env.Ctx, engine.CreatePlanOptions{ProjectID: "proj-p", Name: "Q2"}, tester)
	if err != nil {
		t.Fatal(err)
	}
	// draft cannot jump to in_progress
	if _, err := env.Engine.StartPlan(env.Ctx, plan.ID, tester); !engine.IsConflict(err) {
		t.Fatalf("expected conflict starting a draft plan, got %v", err)
	}
	approved, err := env.Engine.ApprovePlan(env.Ctx, plan.ID, tester)
	if err != nil {
		t.Fatal(err)
	}
	if approved.ApprovedBy == nil || *approved.ApprovedBy != "tester" {
		t.Fatalf("expected approval attribution, got %v", approved.ApprovedBy)
	}
	// approving twice is a conflict
	if _, err := env.Engine.ApprovePlan(env.Ctx, plan.ID, tester); !engine.IsConflict(err) {
		t.Fatalf("expected conflict approving twice, got %v", err)
	}
}

func TestFlatProjectRejectsPlanScope(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.Engine.CreatePlan(env.Ctx, engine.CreatePlanOptions{ProjectID: "proj-1", Name: "nope"}, tester)
	if !engine.IsValidation(err) {
		t.Fatalf("expected validation error for plan on flat project, got %v", err)
	}

	_, err = env.Engine.CreateTask(env.Ctx, engine.CreateTaskOptions{
		ProjectID: "proj-1", Title: "scoped", PlanID: "plan-x",
	}, tester)
	if !engine.IsValidation(err) {
		t.Fatalf("expected validation error for plan scope on flat project, got %v", err)
	}
}

func TestPhaseActivationMovesPointer(t *testing.T) {
	env := newTestEnv(t)
	env.createProject(t, "proj-p", domain.ProjectNative, domain.WorkflowPlanned)
	plan, err := env.Engine.CreatePlan(env.Ctx, engine.CreatePlanOptions{ProjectID: "proj-p", Name: "Q2"}, tester)
	if err != nil {
		t.Fatal(err)
	}
	ph1, err := env.Engine.CreatePhase(env.Ctx, engine.CreatePhaseOptions{PlanID: plan.ID, Name: "Design"}, tester)
	if err != nil {
		t.Fatal(err)
	}
	ph2, err := env.Engine.CreatePhase(env.Ctx, engine.CreatePhaseOptions{PlanID: plan.ID, Name: "Build"}, tester)
	if err != nil {
		t.Fatal(err)
	}
	if ph2.SortOrder <= ph1.SortOrder {
		t.Fatalf("expected appended ordering, got %d then %d", ph1.SortOrder, ph2.SortOrder)
	}

	// activation requires an in_progress plan
	if _, err := env.Engine.ActivatePhase(env.Ctx, ph1.ID, tester); !engine.IsConflict(err) {
		t.Fatalf("expected conflict activating phase of a draft plan, got %v", err)
	}
	if _, err := env.Engine.ApprovePlan(env.Ctx, plan.ID, tester); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.StartPlan(env.Ctx, plan.ID, tester); err != nil {
		t.Fatal(err)
	}

	if _, err := env.Engine.ActivatePhase(env.Ctx, ph1.ID, tester); err != nil {
		t.Fatal(err)
	}
	project, _ := env.Engine.Repo.GetProject(env.Ctx, "proj-p")
	if project.CurrentPhaseID == nil || *project.CurrentPhaseID != ph1.ID {
		t.Fatalf("expected pointer at %s, got %v", ph1.ID, project.CurrentPhaseID)
	}

	// activating the next phase demotes the previous one
	if _, err := env.Engine.ActivatePhase(env.Ctx, ph2.ID, tester); err != nil {
		t.Fatal(err)
	}
	project, _ = env.Engine.Repo.GetProject(env.Ctx, "proj-p")
	if project.CurrentPhaseID == nil || *project.CurrentPhaseID != ph2.ID {
		t.Fatalf("expected pointer at %s, got %v", ph2.ID, project.CurrentPhaseID)
	}
	prev, _ := env.Engine.Repo.GetPhase(env.Ctx, ph1.ID)
	if prev.Status != domain.PhasePending {
		t.Fatalf("expected previous phase demoted, got %s", prev.Status)
	}

	// completing the active phase clears the pointer
	if _, err := env.Engine.CompletePhase(env.Ctx, ph2.ID, tester); err != nil {
		t.Fatal(err)
	}
	project, _ = env.Engine.Repo.GetProject(env.Ctx, "proj-p")
	if project.CurrentPhaseID != nil {
		t.Fatalf("expected cleared pointer, got %v", project.CurrentPhaseID)
	}
}

func TestPromoteCreatesTaskOnce(t *testing.T) {
	env := newTestEnv(t)
	item, err := env.Engine.CreateBacklogItem(env.Ctx, engine.CreateBacklogItemOptions{
		ProjectID: "proj-1", Title: "Good idea", Priority: "P2",
	}, tester)
	if err != nil {
		t.Fatal(err)
	}

	task, err := env.Engine.PromoteBacklogItem(env.Ctx, engine.PromoteBacklogItemOptions{ItemID: item.ID}, tester)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if task.Status != domain.TaskPending || task.Priority != "P2" || task.Title != "Good idea" {
		t.Fatalf("unexpected promoted task %+v", task)
	}

	after, _ := env.Engine.Repo.GetBacklogItem(env.Ctx, item.ID)
	if after.Status != domain.BacklogPromoted || after.PromotedToTaskID == nil || *after.PromotedToTaskID != task.ID {
		t.Fatalf("item not linked: %+v", after)
	}

	if _, err := env.Engine.PromoteBacklogItem(env.Ctx, engine.PromoteBacklogItemOptions{ItemID: item.ID}, tester); !engine.IsConflict(err) {
		t.Fatalf("expected conflict on double promotion, got %v", err)
	}
	tasks, _ := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{ProjectID: "proj-1"})
	if len(tasks) != 1 {
		t.Fatalf("expected one task, got %d", len(tasks))
	}
}

func TestPromoteKeepsItemPriority(t *testing.T) {
	env := newTestEnv(t)

	// an item with its own priority ignores the caller's
	prioritized, err := env.Engine.CreateBacklogItem(env.Ctx, engine.CreateBacklogItemOptions{
		ProjectID: "proj-1", Title: "ranked", Priority: "P3",
	}, tester)
	if err != nil {
		t.Fatal(err)
	}
	task, err := env.Engine.PromoteBacklogItem(env.Ctx, engine.PromoteBacklogItemOptions{ItemID: prioritized.ID, Priority: "P1"}, tester)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if task.Priority != "P3" {
		t.Fatalf("item priority should survive promotion, got %q", task.Priority)
	}

	// an item without one takes the caller's
	blank, err := env.Engine.CreateBacklogItem(env.Ctx, engine.CreateBacklogItemOptions{
		ProjectID: "proj-1", Title: "unranked",
	}, tester)
	if err != nil {
		t.Fatal(err)
	}
	task, err = env.Engine.PromoteBacklogItem(env.Ctx, engine.PromoteBacklogItemOptions{ItemID: blank.ID, Priority: "P1"}, tester)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if task.Priority != "P1" {
		t.Fatalf("expected caller priority to fill the gap, got %q", task.Priority)
	}
}

func TestPromoteRetryReusesTask(t *testing.T) {
	env := newTestEnv(t)
	item, err := env.Engine.CreateBacklogItem(env.Ctx, engine.CreateBacklogItemOptions{ProjectID: "proj-1", Title: "Idea"}, tester)
	if err != nil {
		t.Fatal(err)
	}
	first, err := env.Engine.PromoteBacklogItem(env.Ctx, engine.PromoteBacklogItemOptions{ItemID: item.ID}, tester)
	if err != nil {
		t.Fatal(err)
	}

	// Rewind the item to the state a crash between the two promotion steps
	// leaves behind: task created and linked, status not yet promoted.
	stale, _ := env.Engine.Repo.GetBacklogItem(env.Ctx, item.ID)
	stale.Status = domain.BacklogPrioritized
	if err := env.Engine.Repo.UpdateBacklogItem(env.Ctx, stale); err != nil {
		t.Fatal(err)
	}

	second, err := env.Engine.PromoteBacklogItem(env.Ctx, engine.PromoteBacklogItemOptions{ItemID: item.ID}, tester)
	if err != nil {
		t.Fatalf("retry promote: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("retry minted a new task: %s vs %s", second.ID, first.ID)
	}
	tasks, _ := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{ProjectID: "proj-1"})
	if len(tasks) != 1 {
		t.Fatalf("expected one task after retry, got %d", len(tasks))
	}
}

func TestBulkUpdateSkipsIneligible(t *testing.T) {
	env := newTestEnv(t)
	native, err := env.Engine.CreateTask(env.Ctx, engine.CreateTaskOptions{ProjectID: "proj-1", Title: "native"}, tester)
	if err != nil {
		t.Fatal(err)
	}
	obs := []engine.TaskObservation{{ProjectID: "proj-1", SourceID: "ext-1"}}
	if _, err := env.Engine.ReconcileTasks(env.Ctx, obs, domain.Actor{ID: "conn-1"}); err != nil {
		t.Fatal(err)
	}
	synced, _ := env.Engine.Repo.GetTaskBySource(env.Ctx, "proj-1", "ext-1")

	res, err := env.Engine.BulkUpdateTasks(env.Ctx, []string{native.ID, synced.ID, "ghost"},
		engine.UpdateTaskOptions{Title: strptr("Renamed")}, tester)
	if err != nil {
		t.Fatalf("bulk update: %v", err)
	}
	if len(res.Updated) != 1 || res.Updated[0] != native.ID {
		t.Fatalf("expected only the native task updated, got %v", res.Updated)
	}
	if len(res.Skipped) != 2 {
		t.Fatalf("expected two skips, got %v", res.Skipped)
	}
	if _, ok := res.Skipped[synced.ID]; !ok {
		t.Fatalf("synced task missing from skips: %v", res.Skipped)
	}

	// a bad change set aborts the whole batch
	_, err = env.Engine.BulkUpdateTasks(env.Ctx, []string{native.ID}, engine.UpdateTaskOptions{Status: strptr("bogus")}, tester)
	if !engine.IsValidation(err) {
		t.Fatalf("expected validation abort, got %v", err)
	}
}

func TestEnabledScope(t *testing.T) {
	env := newTestEnv(t)
	env.createProject(t, "proj-c", domain.ProjectConnected, domain.WorkflowFlat)

	// no connector yet: connected project is disabled
	ids, err := env.Engine.EnabledProjectIDs(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "proj-1" {
		t.Fatalf("expected only the native project, got %v", ids)
	}

	// connector without a path does not enable it
	conn, err := env.Engine.RegisterConnector(env.Ctx, engine.RegisterConnectorOptions{
		ProjectID: "proj-c", ConfigJSON: `{}`,
	}, tester)
	if err != nil {
		t.Fatal(err)
	}
	ids, _ = env.Engine.EnabledProjectIDs(env.Ctx)
	if len(ids) != 1 {
		t.Fatalf("expected pathless connector to keep project disabled, got %v", ids)
	}

	// a configured active connector enables it
	conn.ConfigJSON = `{"path":"/tmp/tasks.json"}`
	if err := env.Engine.Repo.UpdateConnector(env.Ctx, conn); err != nil {
		t.Fatal(err)
	}
	ids, _ = env.Engine.EnabledProjectIDs(env.Ctx)
	if len(ids) != 2 {
		t.Fatalf("expected both projects enabled, got %v", ids)
	}

	// pausing the connector disables the project again
	if _, err := env.Engine.SetConnectorStatus(env.Ctx, conn.ID, domain.ConnectorPaused, tester); err != nil {
		t.Fatal(err)
	}
	ids, _ = env.Engine.EnabledProjectIDs(env.Ctx)
	if len(ids) != 1 || ids[0] != "proj-1" {
		t.Fatalf("expected paused connector to disable project, got %v", ids)
	}

	// pausing the project itself removes it regardless of type
	if _, err := env.Engine.UpdateProject(env.Ctx, engine.UpdateProjectOptions{ID: "proj-1", Status: domain.ProjectPaused}, tester); err != nil {
		t.Fatal(err)
	}
	ids, _ = env.Engine.EnabledProjectIDs(env.Ctx)
	if len(ids) != 0 {
		t.Fatalf("expected no enabled projects, got %v", ids)
	}
}

func TestNextUpScoring(t *testing.T) {
	env := newTestEnv(t)
	now := env.Engine.Now()

	overdue := now.Add(-24 * time.Hour).Format(time.RFC3339)
	soon := now.Add(24 * time.Hour).Format(time.RFC3339)

	urgent, err := env.Engine.CreateTask(env.Ctx, engine.CreateTaskOptions{
		ProjectID: "proj-1", Title: "urgent", Priority: "P1", DeadlineAt: overdue,
	}, tester)
	if err != nil {
		t.Fatal(err)
	}
	approaching, err := env.Engine.CreateTask(env.Ctx, engine.CreateTaskOptions{
		ProjectID: "proj-1", Title: "soon", DeadlineAt: soon,
	}, tester)
	if err != nil {
		t.Fatal(err)
	}
	working, err := env.Engine.CreateTask(env.Ctx, engine.CreateTaskOptions{ProjectID: "proj-1", Title: "working"}, tester)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.UpdateTaskOptions{ID: working.ID, Status: strptr("in_progress")}, tester); err != nil {
		t.Fatal(err)
	}
	finished, err := env.Engine.CreateTask(env.Ctx, engine.CreateTaskOptions{ProjectID: "proj-1", Title: "finished"}, tester)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.UpdateTaskOptions{ID: finished.ID, Status: strptr("done")}, tester); err != nil {
		t.Fatal(err)
	}

	ranked, err := env.Engine.NextUp(env.Ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(ranked) != 3 {
		t.Fatalf("expected 3 open tasks, got %d", len(ranked))
	}
	if ranked[0].Task.ID != urgent.ID {
		t.Fatalf("expected the overdue P1 task first, got %s", ranked[0].Task.Title)
	}
	// overdue 100 + P1 50 + active project 10
	if ranked[0].Score != 160 {
		t.Fatalf("expected score 160, got %d", ranked[0].Score)
	}
	reasons := map[string]bool{}
	for _, r := range ranked[0].Reasons {
		reasons[r] = true
	}
	if !reasons["Overdue"] || !reasons["High Priority"] {
		t.Fatalf("unexpected reasons %v", ranked[0].Reasons)
	}
	if ranked[1].Task.ID != approaching.ID {
		t.Fatalf("expected the approaching task second, got %s", ranked[1].Task.Title)
	}
	// approaching 40 + active project 10
	if ranked[1].Score != 50 {
		t.Fatalf("expected score 50, got %d", ranked[1].Score)
	}
	// in_progress 20 + active project 10
	if ranked[2].Task.ID != working.ID || ranked[2].Score != 30 {
		t.Fatalf("expected in_progress task third at 30, got %s %d", ranked[2].Task.Title, ranked[2].Score)
	}
	for _, s := range ranked {
		if s.Task.Status == domain.TaskDone {
			t.Fatalf("done task leaked into ranking: %s", s.Task.ID)
		}
	}
}

func TestNextUpDeterministic(t *testing.T) {
	env := newTestEnv(t)
	for _, title := range []string{"a", "b", "c"} {
		if _, err := env.Engine.CreateTask(env.Ctx, engine.CreateTaskOptions{ProjectID: "proj-1", Title: title}, tester); err != nil {
			t.Fatal(err)
		}
	}
	first, err := env.Engine.NextUp(env.Ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		again, err := env.Engine.NextUp(env.Ctx, 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(again) != len(first) {
			t.Fatalf("run %d: length changed", i)
		}
		for j := range again {
			if again[j].Task.ID != first[j].Task.ID || again[j].Score != first[j].Score {
				t.Fatalf("run %d: ordering changed at %d", i, j)
			}
		}
	}
}

func TestActivePhaseBonus(t *testing.T) {
	env := newTestEnv(t)
	env.createProject(t, "proj-p", domain.ProjectNative, domain.WorkflowPlanned)
	plan, err := env.Engine.CreatePlan(env.Ctx, engine.CreatePlanOptions{ProjectID: "proj-p", Name: "Q2"}, tester)
	if err != nil {
		t.Fatal(err)
	}
	phase, err := env.Engine.CreatePhase(env.Ctx, engine.CreatePhaseOptions{PlanID: plan.ID, Name: "Build"}, tester)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ApprovePlan(env.Ctx, plan.ID, tester); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.StartPlan(env.Ctx, plan.ID, tester); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ActivatePhase(env.Ctx, phase.ID, tester); err != nil {
		t.Fatal(err)
	}

	inPhase, err := env.Engine.CreateTask(env.Ctx, engine.CreateTaskOptions{
		ProjectID: "proj-p", Title: "phased", PlanID: plan.ID, PhaseID: phase.ID,
	}, tester)
	if err != nil {
		t.Fatal(err)
	}

	ranked, err := env.Engine.NextUp(env.Ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, s := range ranked {
		if s.Task.ID == inPhase.ID {
			found = true
			if s.Score != 30 {
				t.Fatalf("expected active phase score 30, got %d", s.Score)
			}
			if len(s.Reasons) != 1 || s.Reasons[0] != "Active Phase" {
				t.Fatalf("unexpected reasons %v", s.Reasons)
			}
		}
	}
	if !found {
		t.Fatalf("phased task missing from ranking")
	}
}

func TestReconcileWritesOneLedgerEntry(t *testing.T) {
	env := newTestEnv(t)
	batch := []engine.TaskObservation{
		{ProjectID: "proj-1", SourceID: "ext-1"},
		{ProjectID: "proj-1", SourceID: "ext-2"},
	}
	actor := domain.Actor{Type: domain.ActorConnector, ID: "conn-1"}
	if _, err := env.Engine.ReconcileTasks(env.Ctx, batch, actor); err != nil {
		t.Fatal(err)
	}
	entries, err := env.Engine.Repo.ListActivity(env.Ctx, repo.ActivityFilters{Action: "sync.reconciled"})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one batch entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.EntityType != domain.EntityConnector || entry.EntityID != "conn-1" || entry.ActorType != domain.ActorConnector {
		t.Fatalf("unexpected ledger attribution %+v", entry)
	}
}

func TestUpdateTaskCompletedAtLifecycle(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.CreateTaskOptions{ProjectID: "proj-1", Title: "work"}, tester)
	if err != nil {
		t.Fatal(err)
	}
	task, err = env.Engine.UpdateTask(env.Ctx, engine.UpdateTaskOptions{ID: task.ID, Status: strptr("done")}, tester)
	if err != nil {
		t.Fatal(err)
	}
	if task.CompletedAt == nil {
		t.Fatalf("expected completed_at on done")
	}
	task, err = env.Engine.UpdateTask(env.Ctx, engine.UpdateTaskOptions{ID: task.ID, Status: strptr("pending")}, tester)
	if err != nil {
		t.Fatal(err)
	}
	if task.CompletedAt != nil {
		t.Fatalf("expected completed_at cleared on reopen")
	}
}

func TestBacklogLifecycle(t *testing.T) {
	env := newTestEnv(t)
	item, err := env.Engine.CreateBacklogItem(env.Ctx, engine.CreateBacklogItemOptions{ProjectID: "proj-1", Title: "idea"}, tester)
	if err != nil {
		t.Fatal(err)
	}
	if item.Status != domain.BacklogCaptured {
		t.Fatalf("expected captured, got %s", item.Status)
	}

	// promoted and archived are not reachable through update
	if _, err := env.Engine.UpdateBacklogItem(env.Ctx, engine.UpdateBacklogItemOptions{ID: item.ID, Status: strptr("promoted")}, tester); !engine.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := env.Engine.UpdateBacklogItem(env.Ctx, engine.UpdateBacklogItemOptions{ID: item.ID, Status: strptr("archived")}, tester); !engine.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}

	if _, err := env.Engine.UpdateBacklogItem(env.Ctx, engine.UpdateBacklogItemOptions{ID: item.ID, Status: strptr("triaged")}, tester); err != nil {
		t.Fatal(err)
	}
	archived, err := env.Engine.ArchiveBacklogItem(env.Ctx, item.ID, tester)
	if err != nil {
		t.Fatal(err)
	}
	if archived.Status != domain.BacklogArchived {
		t.Fatalf("expected archived, got %s", archived.Status)
	}

	// archived items are terminal
	if _, err := env.Engine.UpdateBacklogItem(env.Ctx, engine.UpdateBacklogItemOptions{ID: item.ID, Title: strptr("late")}, tester); !engine.IsConflict(err) {
		t.Fatalf("expected conflict on archived item, got %v", err)
	}
	if _, err := env.Engine.PromoteBacklogItem(env.Ctx, engine.PromoteBacklogItemOptions{ItemID: item.ID}, tester); !engine.IsConflict(err) {
		t.Fatalf("expected conflict promoting archived item, got %v", err)
	}
}
