package engine_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kryptobaseddev/cleo/internal/cleoerr"
	"github.com/kryptobaseddev/cleo/internal/config"
	"github.com/kryptobaseddev/cleo/internal/db"
	"github.com/kryptobaseddev/cleo/internal/domain"
	"github.com/kryptobaseddev/cleo/internal/engine"
	"github.com/kryptobaseddev/cleo/internal/migrate"
)

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
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, "proj-1", "test", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) create(t *testing.T, opts engine.TaskCreateOptions) domain.Task {
	t.Helper()
	opts.ProjectID = "proj-1"
	opts.ActorID = "tester"
	task, err := env.Engine.CreateTask(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func codeOf(err error) string { return cleoerr.CodeOf(err) }

func TestCompleteTaskIdempotent(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, engine.TaskCreateOptions{Title: "do work"})

	done, outcome, err := env.Engine.CompleteTask(env.Ctx, task.ID, "", "tester", "")
	if err != nil || outcome != nil {
		t.Fatalf("first complete: %v %v", err, outcome)
	}
	if done.Status != domain.StatusDone || done.CompletedAt == nil {
		t.Fatalf("expected done with timestamp, got %+v", done)
	}
	first := *done.CompletedAt

	again, outcome, err := env.Engine.CompleteTask(env.Ctx, task.ID, "", "tester", "")
	if err != nil {
		t.Fatalf("repeat complete must not error: %v", err)
	}
	if outcome == nil || outcome.Code != "NO_CHANGE" {
		t.Fatalf("repeat complete is a no-change outcome, got %+v", outcome)
	}
	if again.CompletedAt == nil || *again.CompletedAt != first {
		t.Fatalf("completion timestamp must not move: %v vs %v", again.CompletedAt, first)
	}
}

func TestCompleteBlockedByDependencies(t *testing.T) {
	env := newTestEnv(t)
	dep := env.create(t, engine.TaskCreateOptions{Title: "dep"})
	task := env.create(t, engine.TaskCreateOptions{Title: "main", Depends: []string{dep.ID}})

	_, _, err := env.Engine.CompleteTask(env.Ctx, task.ID, "", "tester", "")
	if codeOf(err) != cleoerr.CodeValidation {
		t.Fatalf("expected dependency blocking, got %v", err)
	}
	if _, _, err := env.Engine.CompleteTask(env.Ctx, dep.ID, "", "tester", ""); err != nil {
		t.Fatalf("complete dep: %v", err)
	}
	if _, _, err := env.Engine.CompleteTask(env.Ctx, task.ID, "", "tester", ""); err != nil {
		t.Fatalf("expected completion after deps: %v", err)
	}
}

func TestUpdateStatusDoneGatedByDependencies(t *testing.T) {
	env := newTestEnv(t)
	dep := env.create(t, engine.TaskCreateOptions{Title: "dep"})
	task := env.create(t, engine.TaskCreateOptions{Title: "main", Depends: []string{dep.ID}})

	_, _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: domain.StatusDone, ActorID: "tester"})
	if codeOf(err) != cleoerr.CodeValidation {
		t.Fatalf("status update to done must hit the dependency gate, got %v", err)
	}
	stored, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("reload task: %v", err)
	}
	if stored.Status != domain.StatusPending || stored.CompletedAt != nil {
		t.Fatalf("refused update must not complete the task: %+v", stored)
	}

	// Removing the dependency in the same update clears the gate.
	done, _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{
		ID: task.ID, Status: domain.StatusDone, RemoveDeps: []string{dep.ID}, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("update with dep removal: %v", err)
	}
	if done.Status != domain.StatusDone || done.CompletedAt == nil {
		t.Fatalf("expected done with timestamp, got %+v", done)
	}
}

func TestCancelledDependencySatisfies(t *testing.T) {
	env := newTestEnv(t)
	dep := env.create(t, engine.TaskCreateOptions{Title: "dep"})
	task := env.create(t, engine.TaskCreateOptions{Title: "main", Depends: []string{dep.ID}})

	if _, _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: dep.ID, Status: domain.StatusCancelled, ActorID: "tester"}); err != nil {
		t.Fatalf("cancel dep: %v", err)
	}
	if _, _, err := env.Engine.CompleteTask(env.Ctx, task.ID, "", "tester", ""); err != nil {
		t.Fatalf("cancelled dependency must satisfy: %v", err)
	}
}

func TestSingleActiveTask(t *testing.T) {
	env := newTestEnv(t)
	t1 := env.create(t, engine.TaskCreateOptions{Title: "first"})
	t2 := env.create(t, engine.TaskCreateOptions{Title: "second"})

	if _, _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: t1.ID, Status: domain.StatusActive, ActorID: "tester"}); err != nil {
		t.Fatalf("activate first: %v", err)
	}
	_, _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: t2.ID, Status: domain.StatusActive, ActorID: "tester"})
	if codeOf(err) != cleoerr.CodeTaskClaimed {
		t.Fatalf("second activation must fail with task-claimed, got %v", err)
	}
	// deactivating the first frees the slot
	if _, _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: t1.ID, Status: domain.StatusPending, ActorID: "tester"}); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: t2.ID, Status: domain.StatusActive, ActorID: "tester"}); err != nil {
		t.Fatalf("activate second after release: %v", err)
	}
}

func TestFingerprintMismatch(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, engine.TaskCreateOptions{Title: "contended"})
	fp := engine.Fingerprint(task)

	if _, _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Title: "renamed", ActorID: "tester", IfFingerprint: fp}); err != nil {
		t.Fatalf("update with fresh fingerprint: %v", err)
	}
	_, _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Title: "renamed again", ActorID: "tester", IfFingerprint: fp})
	if codeOf(err) != cleoerr.CodeFingerprintMismatch {
		t.Fatalf("stale fingerprint must fail, got %v", err)
	}
}

func TestUpdateNoChangeOutcome(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, engine.TaskCreateOptions{Title: "static"})
	_, outcome, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Title: "static", ActorID: "tester"})
	if err != nil || outcome == nil || outcome.Code != "NO_CHANGE" {
		t.Fatalf("identical update is a no-op, got %v %v", outcome, err)
	}
}

func TestBlockedRequiresReason(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, engine.TaskCreateOptions{Title: "stuck"})
	_, _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: domain.StatusBlocked, ActorID: "tester"})
	if codeOf(err) != cleoerr.CodeValidation {
		t.Fatalf("blocked without reason must fail, got %v", err)
	}
	if _, _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: domain.StatusBlocked, BlockedReason: "waiting on API keys", ActorID: "tester"}); err != nil {
		t.Fatalf("blocked with reason: %v", err)
	}
}

func TestHierarchyDepthOnCreate(t *testing.T) {
	env := newTestEnv(t)
	epic := env.create(t, engine.TaskCreateOptions{Title: "epic", Type: domain.TypeEpic})
	task := env.create(t, engine.TaskCreateOptions{Title: "task", ParentID: epic.ID})
	sub := env.create(t, engine.TaskCreateOptions{Title: "sub", Type: domain.TypeSubtask, ParentID: task.ID})

	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: "proj-1", Title: "too deep", ParentID: sub.ID, ActorID: "tester",
	})
	if codeOf(err) != cleoerr.CodeDepthExceeded {
		t.Fatalf("fourth level must violate depth, got %v", err)
	}
}

func TestDependencyCycleRejected(t *testing.T) {
	env := newTestEnv(t)
	t1 := env.create(t, engine.TaskCreateOptions{Title: "one"})
	t2 := env.create(t, engine.TaskCreateOptions{Title: "two", Depends: []string{t1.ID}})

	_, _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: t1.ID, AddDeps: []string{t2.ID}, ActorID: "tester"})
	if codeOf(err) != cleoerr.CodeCircularReference {
		t.Fatalf("closing the loop must fail, got %v", err)
	}
	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: "proj-1", Title: "orphan ref", Depends: []string{"T999"}, ActorID: "tester",
	})
	if codeOf(err) != cleoerr.CodeOrphanedDependency {
		t.Fatalf("missing dependency must fail, got %v", err)
	}
}

func TestSessionScopeConflict(t *testing.T) {
	env := newTestEnv(t)
	epic := env.create(t, engine.TaskCreateOptions{Title: "epic", Type: domain.TypeEpic})
	child := env.create(t, engine.TaskCreateOptions{Title: "child", ParentID: epic.ID})
	outside := env.create(t, engine.TaskCreateOptions{Title: "outside"})

	sess, err := env.Engine.StartSession(env.Ctx, "proj-1", domain.Scope{Type: domain.ScopeEpic, RootID: epic.ID}, "agent-a", "tester")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	_, err = env.Engine.StartSession(env.Ctx, "proj-1", domain.Scope{Type: domain.ScopeTask, RootID: child.ID}, "agent-b", "tester")
	if codeOf(err) != cleoerr.CodeScopeConflict {
		t.Fatalf("overlapping scope must conflict, got %v", err)
	}
	// a disjoint scope coexists
	if _, err := env.Engine.StartSession(env.Ctx, "proj-1", domain.Scope{Type: domain.ScopeTask, RootID: outside.ID}, "agent-c", "tester"); err != nil {
		t.Fatalf("disjoint session: %v", err)
	}
	// suspending releases the claim
	if _, err := env.Engine.SuspendSession(env.Ctx, sess.ID, "tester"); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if _, err := env.Engine.StartSession(env.Ctx, "proj-1", domain.Scope{Type: domain.ScopeTask, RootID: child.ID}, "agent-b", "tester"); err != nil {
		t.Fatalf("suspended scope should be claimable: %v", err)
	}
}

func TestSessionFocusRules(t *testing.T) {
	env := newTestEnv(t)
	epic := env.create(t, engine.TaskCreateOptions{Title: "epic", Type: domain.TypeEpic})
	child := env.create(t, engine.TaskCreateOptions{Title: "child", ParentID: epic.ID})
	outside := env.create(t, engine.TaskCreateOptions{Title: "outside"})

	sess, err := env.Engine.StartSession(env.Ctx, "proj-1", domain.Scope{Type: domain.ScopeEpic, RootID: epic.ID}, "agent-a", "tester")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	_, _, err = env.Engine.SetFocus(env.Ctx, sess.ID, outside.ID, "", "", "tester")
	if codeOf(err) != cleoerr.CodeTaskNotInScope {
		t.Fatalf("focus outside scope must fail, got %v", err)
	}
	sess, _, err = env.Engine.SetFocus(env.Ctx, sess.ID, child.ID, "start here", "", "tester")
	if err != nil {
		t.Fatalf("focus: %v", err)
	}
	if sess.Focus.TaskID != child.ID {
		t.Fatalf("focus not recorded: %+v", sess.Focus)
	}
	got, err := env.Engine.Repo.GetTask(env.Ctx, child.ID)
	if err != nil || got.Status != domain.StatusActive {
		t.Fatalf("focused task should be active, got %v %v", got.Status, err)
	}
	// repeating the identical focus is a no-op
	_, outcome, err := env.Engine.SetFocus(env.Ctx, sess.ID, child.ID, "start here", "", "tester")
	if err != nil || outcome == nil || outcome.Code != "NO_CHANGE" {
		t.Fatalf("repeat focus should be no-change, got %v %v", outcome, err)
	}
	// close is refused while the claimed task is unfinished
	_, err = env.Engine.EndSession(env.Ctx, sess.ID, "", true, "tester")
	if codeOf(err) != cleoerr.CodeSessionCloseBlocked {
		t.Fatalf("require-complete must refuse, got %v", err)
	}
	if _, _, err := env.Engine.CompleteTask(env.Ctx, child.ID, sess.ID, "tester", ""); err != nil {
		t.Fatalf("complete focused: %v", err)
	}
	sess, err = env.Engine.EndSession(env.Ctx, sess.ID, "wrapped up", true, "tester")
	if err != nil {
		t.Fatalf("end after completion: %v", err)
	}
	if sess.TasksDone != 1 {
		t.Fatalf("completion through a session increments tasks_done, got %d", sess.TasksDone)
	}
}

func TestAdvisoryModeStillOrdersStageCompletion(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Lifecycle.Enforcement = "advisory"
	epic := env.create(t, engine.TaskCreateOptions{Title: "epic", Type: domain.TypeEpic})

	// Advisory relaxes dispatch blocking, not the stage record itself.
	check, err := env.Engine.CheckDispatch(env.Ctx, epic.ID, "implementation")
	if err != nil || check.Blocked {
		t.Fatalf("advisory dispatch must not block, got %+v %v", check, err)
	}
	_, _, err = env.Engine.CompleteStage(env.Ctx, epic.ID, domain.StageImplementation, "tester")
	if codeOf(err) != cleoerr.CodeLifecycleGateFailed {
		t.Fatalf("advisory completion with open prerequisites must fail, got %v", err)
	}

	env.Engine.Config.Lifecycle.Enforcement = "off"
	if _, _, err := env.Engine.CompleteStage(env.Ctx, epic.ID, domain.StageImplementation, "tester"); err != nil {
		t.Fatalf("off mode completes out of order: %v", err)
	}
}

func TestLifecycleGateEnforcement(t *testing.T) {
	env := newTestEnv(t)
	epic := env.create(t, engine.TaskCreateOptions{Title: "epic", Type: domain.TypeEpic})

	// implementation cannot complete while earlier stages are open
	_, _, err := env.Engine.CompleteStage(env.Ctx, epic.ID, domain.StageImplementation, "tester")
	if codeOf(err) != cleoerr.CodeLifecycleGateFailed {
		t.Fatalf("expected gate failure, got %v", err)
	}
	ce := err.(*cleoerr.Error)
	if ce.Details["missing"] == nil {
		t.Fatalf("gate error must list the missing stages")
	}

	check, err := env.Engine.CheckDispatch(env.Ctx, epic.ID, "implementation")
	if err != nil {
		t.Fatalf("dispatch check: %v", err)
	}
	if !check.Blocked {
		t.Fatalf("strict mode must block implementation dispatch")
	}
	// stage-agnostic protocol labels bypass gating
	check, err = env.Engine.CheckDispatch(env.Ctx, epic.ID, "general-cleanup")
	if err != nil || check.Blocked {
		t.Fatalf("unmapped label must pass, got %+v %v", check, err)
	}

	for _, st := range []domain.Stage{domain.StageResearch, domain.StageConsensus} {
		if _, _, err := env.Engine.CompleteStage(env.Ctx, epic.ID, st, "tester"); err != nil {
			t.Fatalf("complete %s: %v", st, err)
		}
	}
	if _, _, err := env.Engine.SkipStage(env.Ctx, epic.ID, domain.StageSpecification, "tester"); err != nil {
		t.Fatalf("skip specification: %v", err)
	}
	if _, _, err := env.Engine.SkipStage(env.Ctx, epic.ID, domain.StageDecomposition, "tester"); err != nil {
		t.Fatalf("skip decomposition: %v", err)
	}
	if _, _, err := env.Engine.CompleteStage(env.Ctx, epic.ID, domain.StageImplementation, "tester"); err != nil {
		t.Fatalf("implementation after prerequisites: %v", err)
	}
	// repeat completion is a no-op
	_, outcome, err := env.Engine.CompleteStage(env.Ctx, epic.ID, domain.StageResearch, "tester")
	if err != nil || outcome == nil || outcome.Code != "NO_CHANGE" {
		t.Fatalf("repeat stage completion should be no-change, got %v %v", outcome, err)
	}

	states, err := env.Engine.GateProgress(env.Ctx, epic.ID)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	byStage := map[domain.Stage]domain.StageStatus{}
	for _, g := range states {
		byStage[g.Stage] = g.Status
	}
	if byStage[domain.StageSpecification] != domain.StageSkipped || byStage[domain.StageImplementation] != domain.StageCompleted {
		t.Fatalf("unexpected progress %v", byStage)
	}
}

func TestGateRequiresEpic(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, engine.TaskCreateOptions{Title: "plain task"})
	_, _, err := env.Engine.CompleteStage(env.Ctx, task.ID, domain.StageResearch, "tester")
	if err == nil {
		t.Fatalf("stages attach to epics only")
	}
}

func TestManifestSubmission(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, engine.TaskCreateOptions{Title: "researched"})
	artifact := filepath.Join(t.TempDir(), "T1-research.md")
	if err := os.WriteFile(artifact, []byte("# findings\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	entry := domain.ManifestEntry{
		TaskID:      task.ID,
		File:        artifact,
		Title:       "Research results",
		Status:      domain.ManifestComplete,
		Topics:      []string{"storage"},
		KeyFindings: []string{"a", "b", "c"},
	}
	saved, res, err := env.Engine.SubmitManifest(env.Ctx, "proj-1", entry, "research", "tester")
	if err != nil || !res.Passed {
		t.Fatalf("submit: %v %v", err, res.Violations)
	}
	if saved.ID == "" || saved.Date == "" {
		t.Fatalf("accepted entry gets id and date: %+v", saved)
	}

	// too few findings is rejected and nothing is persisted
	bad := entry
	bad.KeyFindings = []string{"only", "two"}
	_, _, err = env.Engine.SubmitManifest(env.Ctx, "proj-1", bad, "research", "tester")
	if codeOf(err) != cleoerr.CodeProtocolValidation {
		t.Fatalf("expected protocol rejection, got %v", err)
	}
}

func TestReturnMessageFromConfig(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.ValidateReturnMessage("Task complete. Manifest updated."); err != nil {
		t.Fatalf("canonical message rejected: %v", err)
	}
	err := env.Engine.ValidateReturnMessage("here is a summary of what I did")
	if codeOf(err) != cleoerr.CodeProtocolReturn {
		t.Fatalf("free text must be rejected, got %v", err)
	}
}

func TestDecisionAndAssumptionAudit(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, engine.TaskCreateOptions{Title: "choice"})
	d, err := env.Engine.RecordDecision(env.Ctx, domain.Decision{
		ProjectID: "proj-1", TaskID: task.ID, Rationale: "sqlite keeps the deploy simple",
		Alternatives: []string{"postgres"}, ActorID: "tester",
	})
	if err != nil || d.ID == "" {
		t.Fatalf("record decision: %v", err)
	}
	_, err = env.Engine.RecordDecision(env.Ctx, domain.Decision{ProjectID: "proj-1", TaskID: "T999", Rationale: "x", ActorID: "tester"})
	if codeOf(err) != cleoerr.CodeNotFound {
		t.Fatalf("dangling task ref must fail, got %v", err)
	}
	a, err := env.Engine.RecordAssumption(env.Ctx, domain.Assumption{
		ProjectID: "proj-1", Text: "traffic stays under 100 rps", Confidence: "medium", ActorID: "tester",
	})
	if err != nil || a.ID == "" {
		t.Fatalf("record assumption: %v", err)
	}
	_, err = env.Engine.RecordAssumption(env.Ctx, domain.Assumption{ProjectID: "proj-1", Text: "x", Confidence: "certain", ActorID: "tester"})
	if codeOf(err) != cleoerr.CodeInvalidInput {
		t.Fatalf("bad confidence must fail with the typed input error, got %v", err)
	}
}

func TestArchiveRestore(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, engine.TaskCreateOptions{Title: "short lived"})

	_, _, err := env.Engine.ArchiveTask(env.Ctx, task.ID, "tester")
	if codeOf(err) != cleoerr.CodeValidation {
		t.Fatalf("pending tasks do not archive, got %v", err)
	}
	if _, _, err := env.Engine.CompleteTask(env.Ctx, task.ID, "", "tester", ""); err != nil {
		t.Fatal(err)
	}
	archived, outcome, err := env.Engine.ArchiveTask(env.Ctx, task.ID, "tester")
	if err != nil || outcome != nil || !archived.Archived {
		t.Fatalf("archive: %v %v", err, outcome)
	}
	_, outcome, err = env.Engine.ArchiveTask(env.Ctx, task.ID, "tester")
	if err != nil || outcome == nil || outcome.Code != "NO_CHANGE" {
		t.Fatalf("repeat archive is a no-op, got %v %v", outcome, err)
	}
	restored, _, err := env.Engine.RestoreTask(env.Ctx, task.ID, "tester")
	if err != nil || restored.Archived {
		t.Fatalf("restore: %v", err)
	}
}

func TestArchiveRefusesReferencedDependency(t *testing.T) {
	env := newTestEnv(t)
	dep := env.create(t, engine.TaskCreateOptions{Title: "dep"})
	dependent := env.create(t, engine.TaskCreateOptions{Title: "dependent", Depends: []string{dep.ID}})

	if _, _, err := env.Engine.CompleteTask(env.Ctx, dep.ID, "", "tester", ""); err != nil {
		t.Fatal(err)
	}
	_, _, err := env.Engine.ArchiveTask(env.Ctx, dep.ID, "tester")
	if codeOf(err) != cleoerr.CodeValidation {
		t.Fatalf("archiving a referenced dependency must fail, got %v", err)
	}
	if _, _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{
		ID: dependent.ID, RemoveDeps: []string{dep.ID}, ActorID: "tester",
	}); err != nil {
		t.Fatalf("remove dep edge: %v", err)
	}
	if _, _, err := env.Engine.ArchiveTask(env.Ctx, dep.ID, "tester"); err != nil {
		t.Fatalf("archive after edge removal: %v", err)
	}
}

func TestAnalysisOverStore(t *testing.T) {
	env := newTestEnv(t)
	a := env.create(t, engine.TaskCreateOptions{Title: "a"})
	b := env.create(t, engine.TaskCreateOptions{Title: "b", Depends: []string{a.ID}})
	env.create(t, engine.TaskCreateOptions{Title: "c", Depends: []string{b.ID}})

	ready, err := env.Engine.Ready(env.Ctx, "proj-1")
	if err != nil || len(ready) != 1 || ready[0].ID != a.ID {
		t.Fatalf("only the head is ready, got %v %v", ready, err)
	}
	waves, err := env.Engine.Waves(env.Ctx, "proj-1")
	if err != nil || len(waves.Waves) != 3 {
		t.Fatalf("expected 3 waves, got %v %v", waves, err)
	}
	cp, err := env.Engine.CriticalPath(env.Ctx, "proj-1")
	if err != nil || cp.Length != 3 {
		t.Fatalf("expected chain of 3, got %v %v", cp, err)
	}
	opp, err := env.Engine.UnblockOpportunities(env.Ctx, "proj-1")
	if err != nil || len(opp.HighImpact) == 0 || opp.HighImpact[0].TaskID != a.ID {
		t.Fatalf("a unlocks the chain, got %v %v", opp, err)
	}
}

func TestEventAppendOnStateChanges(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, engine.TaskCreateOptions{Title: "evented"})
	_, _, _ = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: domain.StatusActive, ActorID: "tester"})
	_, _, _ = env.Engine.CompleteTask(env.Ctx, task.ID, "", "tester", "")

	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, "proj-1", "", "task", task.ID)
	if err != nil {
		t.Fatalf("latest events: %v", err)
	}
	if len(events) < 3 {
		t.Fatalf("expected create/update/complete events, got %d", len(events))
	}
	filtered, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, "proj-1", "task.completed", "", "")
	if err != nil || len(filtered) != 1 {
		t.Fatalf("type filter broken: %v %v", filtered, err)
	}
}
