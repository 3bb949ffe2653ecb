package engine

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/kryptobaseddev/cleo/internal/cleoerr"
	"github.com/kryptobaseddev/cleo/internal/domain"
	"github.com/kryptobaseddev/cleo/internal/events"
	"github.com/kryptobaseddev/cleo/internal/repo"
	"github.com/kryptobaseddev/cleo/internal/scope"
)

// StartSession opens a work session bound to a scope. The scope
// closure is computed once at start and re-checked against every
// other active session for overlap.
func (e Engine) StartSession(ctx context.Context, projectID string, sc domain.Scope, name, actorID string) (domain.Session, error) {
	if e.Config == nil {
		return domain.Session{}, errors.New("config not loaded")
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Session{}, notFound("project", projectID)
		}
		return domain.Session{}, err
	}
	snap, err := e.Snapshot(ctx, projectID)
	if err != nil {
		return domain.Session{}, err
	}
	closure, err := scope.Closure(snap, sc)
	if err != nil {
		return domain.Session{}, err
	}
	sc.Members = closure

	active, err := e.Repo.ListSessions(ctx, repo.SessionFilters{ProjectID: projectID, Status: string(domain.SessionActive)})
	if err != nil {
		return domain.Session{}, err
	}
	closures := make(map[string][]string, len(active))
	for _, s := range active {
		closures[s.ID] = s.Scope.Members
	}
	if err := scope.CheckConflict(closure, active, closures, e.Config.Sessions.AllowOverlap); err != nil {
		return domain.Session{}, err
	}

	now := e.nowStr()
	sess := domain.Session{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Name:      name,
		Status:    domain.SessionActive,
		Scope:     sc,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSession(ctx, tx, sess); err != nil {
		return domain.Session{}, err
	}
	if err := e.Events.Append(ctx, tx, "session.started", projectID, "session", sess.ID, actorID, events.EventPayload{
		"scope_type": sc.Type,
		"scope_root": sc.RootID,
		"members":    len(closure),
	}); err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	return sess, nil
}

// SetFocus claims a task for a session and marks it active. The claim
// fails when the task is outside the session's closure, claimed by
// another session, or when activating it would violate the
// single-active-task invariant.
func (e Engine) SetFocus(ctx context.Context, sessionID, taskID, note, nextAction, actorID string) (domain.Session, *cleoerr.Outcome, error) {
	sess, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return sess, nil, notFound("session", sessionID)
		}
		return sess, nil, err
	}
	if sess.Status != domain.SessionActive {
		return sess, nil, cleoerr.Newf(cleoerr.CodeSessionInvalidState, "session %s is %s; only active sessions take focus", sess.ID, sess.Status).
			WithRemediation("resume the session first").
			WithAlternative("session.resume", map[string]any{"session_id": sess.ID})
	}
	if !scope.InScope(sess.Scope.Members, taskID) {
		return sess, nil, cleoerr.Newf(cleoerr.CodeTaskNotInScope, "task %s is outside the session scope", taskID).
			WithDetail("scope_root", sess.Scope.RootID).
			WithRemediation("focus a task inside the scope, or start a session whose scope covers it").
			WithAlternative("session.start", map[string]any{"scope": map[string]any{"type": "task", "root_id": taskID}})
	}
	if sess.Focus.TaskID == taskID && sess.Focus.Note == note && sess.Focus.NextAction == nextAction {
		return sess, cleoerr.NoChange("focus already set to " + taskID), nil
	}

	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return sess, nil, notFound("task", taskID)
		}
		return sess, nil, err
	}
	if claimer, err := e.Repo.SessionClaiming(ctx, sess.ProjectID, taskID, sess.ID); err == nil {
		return sess, nil, cleoerr.Newf(cleoerr.CodeTaskClaimed, "task %s is claimed by session %s", taskID, claimer.ID).
			WithDetail("session_id", claimer.ID).
			WithRemediation("pick another ready task, or wait for the claiming session to release it")
	} else if !errors.Is(err, repo.ErrNotFound) {
		return sess, nil, err
	}

	now := e.nowStr()
	activate := t.Status == domain.StatusPending || t.Status == domain.StatusBlocked
	if activate || t.Status == domain.StatusActive {
		snap, err := e.snapshotWithArchived(ctx, sess.ProjectID)
		if err != nil {
			return sess, nil, err
		}
		if err := e.ensureSingleActive(ctx, snap, t, sess.ID); err != nil {
			return sess, nil, err
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return sess, nil, err
	}
	defer tx.Rollback()
	if activate {
		if err := ensureTaskTransition(t.Status, domain.StatusActive); err != nil {
			return sess, nil, err
		}
		t.Status = domain.StatusActive
		t.BlockedReason = ""
		t.UpdatedAt = now
		if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
			return sess, nil, err
		}
	}
	sess.Focus = domain.Focus{TaskID: taskID, Note: note, NextAction: nextAction}
	sess.FocusMoves++
	sess.UpdatedAt = now
	if err := e.Repo.UpdateSession(ctx, tx, sess); err != nil {
		return sess, nil, err
	}
	if err := e.Events.Append(ctx, tx, "session.focus", sess.ProjectID, "session", sess.ID, actorID, events.EventPayload{"task_id": taskID}); err != nil {
		return sess, nil, err
	}
	if err := tx.Commit(); err != nil {
		return sess, nil, err
	}
	return sess, nil, nil
}

// SuspendSession pauses an active session without releasing its scope.
func (e Engine) SuspendSession(ctx context.Context, sessionID, actorID string) (domain.Session, error) {
	return e.transitionSession(ctx, sessionID, domain.SessionSuspended, "session.suspended", actorID)
}

// ResumeSession reactivates a suspended session, re-checking scope
// conflicts that may have appeared while it slept.
func (e Engine) ResumeSession(ctx context.Context, sessionID, actorID string) (domain.Session, error) {
	sess, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return sess, notFound("session", sessionID)
		}
		return sess, err
	}
	if err := scope.Transition(sess.Status, domain.SessionActive); err != nil {
		return sess, err
	}
	active, err := e.Repo.ListSessions(ctx, repo.SessionFilters{ProjectID: sess.ProjectID, Status: string(domain.SessionActive)})
	if err != nil {
		return sess, err
	}
	closures := make(map[string][]string, len(active))
	for _, s := range active {
		closures[s.ID] = s.Scope.Members
	}
	if err := scope.CheckConflict(sess.Scope.Members, active, closures, e.Config.Sessions.AllowOverlap); err != nil {
		return sess, err
	}
	return e.applySessionStatus(ctx, sess, domain.SessionActive, "session.resumed", actorID)
}

// EndSession closes a session. With requireComplete the close is
// refused while the session still claims an unfinished task.
func (e Engine) EndSession(ctx context.Context, sessionID, note string, requireComplete bool, actorID string) (domain.Session, error) {
	sess, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return sess, notFound("session", sessionID)
		}
		return sess, err
	}
	if err := scope.Transition(sess.Status, domain.SessionEnded); err != nil {
		return sess, err
	}
	if requireComplete && sess.Focus.TaskID != "" {
		t, err := e.Repo.GetTask(ctx, sess.Focus.TaskID)
		if err == nil && !t.Status.Terminal() {
			return sess, cleoerr.Newf(cleoerr.CodeSessionCloseBlocked, "session still claims incomplete task %s", t.ID).
				WithDetail("task_id", t.ID).
				WithRemediation("complete or release the focused task, or end without --require-complete").
				WithAlternative("task.complete", map[string]any{"id": t.ID}).
				WithAlternative("session.end", map[string]any{"session_id": sess.ID, "require_complete": false})
		}
	}
	now := e.nowStr()
	sess.EndedAt = &now
	sess.EndNote = note
	return e.applySessionStatus(ctx, sess, domain.SessionEnded, "session.ended", actorID)
}

// ArchiveSession is the write-once terminal transition.
func (e Engine) ArchiveSession(ctx context.Context, sessionID, actorID string) (domain.Session, error) {
	return e.transitionSession(ctx, sessionID, domain.SessionArchived, "session.archived", actorID)
}

func (e Engine) transitionSession(ctx context.Context, sessionID string, to domain.SessionStatus, evtType, actorID string) (domain.Session, error) {
	sess, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return sess, notFound("session", sessionID)
		}
		return sess, err
	}
	if err := scope.Transition(sess.Status, to); err != nil {
		return sess, err
	}
	return e.applySessionStatus(ctx, sess, to, evtType, actorID)
}

func (e Engine) applySessionStatus(ctx context.Context, sess domain.Session, to domain.SessionStatus, evtType, actorID string) (domain.Session, error) {
	sess.Status = to
	sess.UpdatedAt = e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return sess, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateSession(ctx, tx, sess); err != nil {
		return sess, err
	}
	if err := e.Events.Append(ctx, tx, evtType, sess.ProjectID, "session", sess.ID, actorID, nil); err != nil {
		return sess, err
	}
	if err := tx.Commit(); err != nil {
		return sess, err
	}
	return sess, nil
}
