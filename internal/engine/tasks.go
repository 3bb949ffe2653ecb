package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/kryptobaseddev/cleo/internal/cleoerr"
	"github.com/kryptobaseddev/cleo/internal/domain"
	"github.com/kryptobaseddev/cleo/internal/events"
	"github.com/kryptobaseddev/cleo/internal/graph"
	"github.com/kryptobaseddev/cleo/internal/hierarchy"
	"github.com/kryptobaseddev/cleo/internal/repo"
)

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ProjectID   string
	ParentID    string
	Type        domain.TaskType
	Title       string
	Description string
	Priority    int
	Size        domain.TaskSize
	Depends     []string
	ActorID     string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if e.Config == nil {
		return domain.Task{}, errors.New("config not loaded")
	}
	if opts.Title == "" {
		return domain.Task{}, cleoerr.New(cleoerr.CodeInvalidInput, "title is required")
	}
	if opts.ProjectID == "" {
		return domain.Task{}, cleoerr.New(cleoerr.CodeInvalidInput, "project is required")
	}
	if !opts.Type.Valid() {
		return domain.Task{}, cleoerr.Newf(cleoerr.CodeInvalidInput, "unknown task type %q", opts.Type)
	}
	if !opts.Size.Valid() {
		return domain.Task{}, cleoerr.Newf(cleoerr.CodeInvalidInput, "unknown task size %q", opts.Size)
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, notFound("project", opts.ProjectID)
		}
		return domain.Task{}, err
	}

	snap, err := e.snapshotWithArchived(ctx, opts.ProjectID)
	if err != nil {
		return domain.Task{}, err
	}

	pol, err := e.policy()
	if err != nil {
		return domain.Task{}, err
	}
	// placement is validated against the pre-insert tree; the new task
	// id is not known yet so an empty child id stands in
	if err := hierarchy.ToError(hierarchy.ValidatePlacement(snap, pol, "", optionalString(opts.ParentID))); err != nil {
		return domain.Task{}, err
	}
	if err := validateDeps(snap, "", opts.Depends); err != nil {
		return domain.Task{}, err
	}

	now := e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	id, err := e.Repo.NextTaskID(ctx, tx, opts.ProjectID)
	if err != nil {
		return domain.Task{}, err
	}
	if _, ok := snap.Tasks[id]; ok {
		return domain.Task{}, cleoerr.Newf(cleoerr.CodeIDCollision, "task id %s already allocated", id).
			WithRemediation("retry; the counter advances on every attempt")
	}
	t := domain.Task{
		ID:          id,
		ProjectID:   opts.ProjectID,
		ParentID:    optionalString(opts.ParentID),
		Type:        opts.Type,
		Title:       opts.Title,
		Description: opts.Description,
		Status:      domain.StatusPending,
		Priority:    opts.Priority,
		Size:        opts.Size,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if len(opts.Depends) > 0 {
		if err := e.Repo.AddDependencies(ctx, tx, t.ID, opts.Depends); err != nil {
			return domain.Task{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "task.created", t.ProjectID, "task", t.ID, opts.ActorID, events.EventPayload{"title": t.Title, "status": t.Status}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	t.Depends = opts.Depends
	return t, nil
}

// validateDeps rejects self-dependencies, orphaned references and
// cycles eagerly, at write time.
func validateDeps(snap *graph.Snapshot, taskID string, deps []string) error {
	for _, d := range deps {
		if d == taskID && taskID != "" {
			return cleoerr.Newf(cleoerr.CodeCircularReference, "task %s cannot depend on itself", taskID).
				WithRemediation("remove the self-dependency")
		}
		if _, ok := snap.Tasks[d]; !ok {
			return cleoerr.Newf(cleoerr.CodeOrphanedDependency, "dependency %s does not exist", d).
				WithRemediation("create the dependency task first or drop the reference")
		}
		if taskID != "" && snap.WouldCycle(taskID, d) {
			return cleoerr.Newf(cleoerr.CodeCircularReference, "dependency %s -> %s would create a cycle", taskID, d).
				WithRemediation("restructure the dependency chain; a task cannot transitively depend on itself")
		}
	}
	return nil
}

// TaskUpdateOptions encapsulates allowed updates. Nil pointer fields
// are left unchanged. IfFingerprint enables the optimistic check.
type TaskUpdateOptions struct {
	ID            string
	Status        domain.TaskStatus
	BlockedReason string
	Title         string
	Description   *string
	Priority      *int
	Size          domain.TaskSize
	SetParent     *string
	AddDeps       []string
	RemoveDeps    []string
	SessionID     string
	ActorID       string
	IfFingerprint string
}

// UpdateTask applies a mutation. When nothing would change it returns
// the dedicated no-change outcome instead of rewriting the row.
func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, *cleoerr.Outcome, error) {
	if e.Config == nil {
		return domain.Task{}, nil, errors.New("config not loaded")
	}
	t, err := e.Repo.GetTask(ctx, opts.ID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return t, nil, notFound("task", opts.ID)
		}
		return t, nil, err
	}
	if err := checkFingerprint(t, opts.IfFingerprint); err != nil {
		return t, nil, err
	}
	snap, err := e.snapshotWithArchived(ctx, t.ProjectID)
	if err != nil {
		return t, nil, err
	}

	original := t
	changed := false

	if opts.SetParent != nil {
		pol, err := e.policy()
		if err != nil {
			return t, nil, err
		}
		if err := hierarchy.ToError(hierarchy.ValidatePlacement(snap, pol, t.ID, opts.SetParent)); err != nil {
			return t, nil, err
		}
		if *opts.SetParent == "" {
			changed = changed || t.ParentID != nil
			t.ParentID = nil
		} else {
			changed = changed || t.ParentID == nil || *t.ParentID != *opts.SetParent
			t.ParentID = opts.SetParent
		}
	}
	if opts.Title != "" && opts.Title != t.Title {
		t.Title = opts.Title
		changed = true
	}
	if opts.Description != nil && *opts.Description != t.Description {
		t.Description = *opts.Description
		changed = true
	}
	if opts.Priority != nil && *opts.Priority != t.Priority {
		t.Priority = *opts.Priority
		changed = true
	}
	if opts.Size != "" && opts.Size != t.Size {
		if !opts.Size.Valid() {
			return t, nil, cleoerr.Newf(cleoerr.CodeInvalidInput, "unknown task size %q", opts.Size)
		}
		t.Size = opts.Size
		changed = true
	}
	if len(opts.AddDeps) > 0 {
		if err := validateDeps(snap, t.ID, opts.AddDeps); err != nil {
			return t, nil, err
		}
		changed = true
	}
	if len(opts.RemoveDeps) > 0 {
		changed = true
	}

	if opts.Status != "" && opts.Status != t.Status {
		if !opts.Status.Valid() {
			return t, nil, cleoerr.Newf(cleoerr.CodeInvalidInput, "unknown status %q", opts.Status)
		}
		if err := ensureTaskTransition(t.Status, opts.Status); err != nil {
			return t, nil, err
		}
		if opts.Status == domain.StatusBlocked && opts.BlockedReason == "" {
			return t, nil, cleoerr.New(cleoerr.CodeValidation, "blocked status requires a reason").
				WithRemediation("pass --reason with a short description of the blocker")
		}
		if opts.Status == domain.StatusActive {
			if err := e.ensureSingleActive(ctx, snap, t, opts.SessionID); err != nil {
				return t, nil, err
			}
		}
		if opts.Status == domain.StatusDone {
			check := t
			check.Depends = mergeDeps(t.Depends, opts.AddDeps, opts.RemoveDeps)
			if err := ensureDepsDone(snap, check); err != nil {
				return t, nil, err
			}
		}
		t.Status = opts.Status
		if opts.Status == domain.StatusBlocked {
			t.BlockedReason = opts.BlockedReason
		} else {
			t.BlockedReason = ""
		}
		if opts.Status == domain.StatusDone {
			now := e.nowStr()
			t.CompletedAt = &now
		}
		changed = true
	}

	if !changed {
		return t, cleoerr.NoChange("update matched the stored record"), nil
	}

	t.UpdatedAt = e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, nil, err
	}
	defer tx.Rollback()

	if len(opts.AddDeps) > 0 {
		if err := e.Repo.AddDependencies(ctx, tx, t.ID, opts.AddDeps); err != nil {
			return t, nil, err
		}
	}
	if len(opts.RemoveDeps) > 0 {
		if err := e.Repo.RemoveDependencies(ctx, tx, t.ID, opts.RemoveDeps); err != nil {
			return t, nil, err
		}
	}
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, nil, err
	}
	if err := e.Events.Append(ctx, tx, "task.updated", t.ProjectID, "task", t.ID, opts.ActorID, events.EventPayload{
		"from_status": original.Status,
		"to_status":   t.Status,
	}); err != nil {
		return t, nil, err
	}
	if err := tx.Commit(); err != nil {
		return t, nil, err
	}
	t.Depends, _ = e.Repo.ListTaskDependencies(ctx, t.ID)
	return t, nil, nil
}

// ensureTaskTransition is the task state machine. Terminal states only
// move via archive/restore; repeat completion is handled as a no-op
// by CompleteTask.
func ensureTaskTransition(oldStatus, newStatus domain.TaskStatus) error {
	ok := false
	switch oldStatus {
	case domain.StatusPending:
		ok = newStatus == domain.StatusActive || newStatus == domain.StatusBlocked ||
			newStatus == domain.StatusDone || newStatus == domain.StatusCancelled
	case domain.StatusActive:
		ok = newStatus == domain.StatusPending || newStatus == domain.StatusBlocked ||
			newStatus == domain.StatusDone || newStatus == domain.StatusCancelled
	case domain.StatusBlocked:
		ok = newStatus == domain.StatusPending || newStatus == domain.StatusActive ||
			newStatus == domain.StatusCancelled
	}
	if !ok {
		return cleoerr.Newf(cleoerr.CodeValidation, "invalid task status transition %s -> %s", oldStatus, newStatus).
			WithRemediation("move through pending/active/blocked before a terminal status")
	}
	return nil
}

// ensureSingleActive enforces the one-active-task invariant. The scope
// of the check is global by default, or the session's closure when the
// deployment is configured per-scope. Ambiguity is surfaced as an
// error, never resolved by last-write-wins.
func (e Engine) ensureSingleActive(ctx context.Context, snap *graph.Snapshot, t domain.Task, sessionID string) error {
	var within []string
	if e.Config.Sessions.SingleActiveScope == "per-scope" && sessionID != "" {
		sess, err := e.Repo.GetSession(ctx, sessionID)
		if err == nil {
			within = sess.Scope.Members
		}
	}
	cur, err := e.Repo.ActiveTask(ctx, t.ProjectID, within)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if cur.ID == t.ID {
		return nil
	}
	return cleoerr.Newf(cleoerr.CodeTaskClaimed, "task %s is already active", cur.ID).
		WithDetail("active_task", cur.ID).
		WithRemediation(fmt.Sprintf("complete, block or deactivate %s before activating %s", cur.ID, t.ID)).
		WithAlternative("task.update", map[string]any{"id": cur.ID, "status": "pending"}).
		WithAlternative("task.complete", map[string]any{"id": cur.ID})
}

// CompleteTask marks a task done. Calling it again is success with the
// no-change outcome and an untouched completion timestamp.
func (e Engine) CompleteTask(ctx context.Context, taskID, sessionID, actorID, ifFingerprint string) (domain.Task, *cleoerr.Outcome, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return t, nil, notFound("task", taskID)
		}
		return t, nil, err
	}
	if t.Status == domain.StatusDone {
		return t, cleoerr.NoChange("task already completed at " + deref(t.CompletedAt)), nil
	}
	if err := checkFingerprint(t, ifFingerprint); err != nil {
		return t, nil, err
	}
	if err := ensureTaskTransition(t.Status, domain.StatusDone); err != nil {
		return t, nil, err
	}
	snap, err := e.snapshotWithArchived(ctx, t.ProjectID)
	if err != nil {
		return t, nil, err
	}
	if err := ensureDepsDone(snap, t); err != nil {
		return t, nil, err
	}

	now := e.nowStr()
	t.Status = domain.StatusDone
	t.BlockedReason = ""
	t.CompletedAt = &now
	t.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, nil, err
	}
	if sessionID != "" {
		if sess, err := e.Repo.GetSession(ctx, sessionID); err == nil && sess.Focus.TaskID == t.ID {
			sess.TasksDone++
			sess.Focus.TaskID = ""
			sess.UpdatedAt = now
			if err := e.Repo.UpdateSession(ctx, tx, sess); err != nil {
				return t, nil, err
			}
		}
	}
	if err := e.Events.Append(ctx, tx, "task.completed", t.ProjectID, "task", t.ID, actorID, events.EventPayload{"completed_at": now}); err != nil {
		return t, nil, err
	}
	if err := tx.Commit(); err != nil {
		return t, nil, err
	}
	return t, nil, nil
}

func unmetDeps(snap *graph.Snapshot, t domain.Task) []string {
	var out []string
	for _, d := range t.Depends {
		dep, ok := snap.Tasks[d]
		if !ok || !dep.Status.Terminal() {
			out = append(out, d)
		}
	}
	return out
}

// mergeDeps yields the dependency set as it will stand after the
// pending additions and removals are applied.
func mergeDeps(current, add, remove []string) []string {
	drop := make(map[string]bool, len(remove))
	for _, d := range remove {
		drop[d] = true
	}
	seen := make(map[string]bool, len(current)+len(add))
	var out []string
	for _, d := range append(append([]string{}, current...), add...) {
		if drop[d] || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}

// ensureDepsDone gates any transition to done, whether it arrives via
// task.complete or a plain status update.
func ensureDepsDone(snap *graph.Snapshot, t domain.Task) error {
	unmet := unmetDeps(snap, t)
	if len(unmet) == 0 {
		return nil
	}
	e2 := cleoerr.Newf(cleoerr.CodeValidation, "task %s has %d incomplete dependencies", t.ID, len(unmet)).
		WithDetail("unmet", unmet).
		WithRemediation("complete the dependencies first, starting with " + unmet[0])
	for _, d := range unmet {
		e2.WithAlternative("task.complete", map[string]any{"id": d})
	}
	return e2
}

// ArchiveTask soft-removes a completed or cancelled task from the
// active set. Tasks still referenced as a dependency or parent are
// never removed.
func (e Engine) ArchiveTask(ctx context.Context, taskID, actorID string) (domain.Task, *cleoerr.Outcome, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return t, nil, notFound("task", taskID)
		}
		return t, nil, err
	}
	if t.Archived {
		return t, cleoerr.NoChange("task already archived"), nil
	}
	if !t.Status.Terminal() {
		return t, nil, cleoerr.Newf(cleoerr.CodeValidation, "task %s is %s; only done or cancelled tasks archive", t.ID, t.Status).
			WithRemediation("complete or cancel the task first")
	}
	if children, err := e.Repo.ListChildren(ctx, t.ID); err != nil {
		return t, nil, err
	} else if len(children) > 0 {
		return t, nil, cleoerr.Newf(cleoerr.CodeValidation, "task %s still has %d children", t.ID, len(children)).
			WithDetail("children", children).
			WithRemediation("archive the children first")
	}
	if n, err := e.Repo.CountDependents(ctx, t.ID); err != nil {
		return t, nil, err
	} else if n > 0 {
		return t, nil, cleoerr.Newf(cleoerr.CodeValidation, "task %s is a dependency of %d task(s)", t.ID, n).
			WithRemediation("remove the dependency edges before archiving")
	}

	t.Archived = true
	t.UpdatedAt = e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, nil, err
	}
	if err := e.Events.Append(ctx, tx, "task.archived", t.ProjectID, "task", t.ID, actorID, nil); err != nil {
		return t, nil, err
	}
	if err := tx.Commit(); err != nil {
		return t, nil, err
	}
	return t, nil, nil
}

// RestoreTask returns an archived task to the active set.
func (e Engine) RestoreTask(ctx context.Context, taskID, actorID string) (domain.Task, *cleoerr.Outcome, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return t, nil, notFound("task", taskID)
		}
		return t, nil, err
	}
	if !t.Archived {
		return t, cleoerr.NoChange("task is not archived"), nil
	}
	t.Archived = false
	t.UpdatedAt = e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, nil, err
	}
	if err := e.Events.Append(ctx, tx, "task.restored", t.ProjectID, "task", t.ID, actorID, nil); err != nil {
		return t, nil, err
	}
	if err := tx.Commit(); err != nil {
		return t, nil, err
	}
	return t, nil, nil
}

// ValidatePlacement answers hierarchy.validatePlacement without
// mutating anything.
func (e Engine) ValidatePlacement(ctx context.Context, projectID, childID string, parentID *string) ([]hierarchy.Violation, error) {
	snap, err := e.snapshotWithArchived(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if childID != "" {
		if _, ok := snap.Tasks[childID]; !ok {
			return nil, notFound("task", childID)
		}
	}
	pol, err := e.policy()
	if err != nil {
		return nil, err
	}
	return hierarchy.ValidatePlacement(snap, pol, childID, parentID), nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
