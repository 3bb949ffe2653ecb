package engine

import (
	"context"
	"errors"
	"os"

	"github.com/google/uuid"

	"github.com/kryptobaseddev/cleo/internal/cleoerr"
	"github.com/kryptobaseddev/cleo/internal/domain"
	"github.com/kryptobaseddev/cleo/internal/events"
	"github.com/kryptobaseddev/cleo/internal/protocol"
	"github.com/kryptobaseddev/cleo/internal/repo"
)

func (e Engine) validator(ctx context.Context, projectID string) (protocol.Validator, error) {
	snap, err := e.snapshotWithArchived(ctx, projectID)
	if err != nil {
		return protocol.Validator{}, err
	}
	return protocol.Validator{
		TaskExists: func(id string) bool {
			_, ok := snap.Tasks[id]
			return ok
		},
		FileExists: func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		},
	}, nil
}

// ValidateManifest runs the protocol checks without persisting
// anything (protocol.validate as a dry run).
func (e Engine) ValidateManifest(ctx context.Context, projectID string, m domain.ManifestEntry, protocolType string) (protocol.Result, error) {
	v, err := e.validator(ctx, projectID)
	if err != nil {
		return protocol.Result{}, err
	}
	return v.Validate(m, protocolType), nil
}

// SubmitManifest validates and persists a manifest entry. Entries are
// append-only: once accepted they are never mutated. Warning-severity
// violations are recorded in the audit log but do not block.
func (e Engine) SubmitManifest(ctx context.Context, projectID string, m domain.ManifestEntry, protocolType, actorID string) (domain.ManifestEntry, protocol.Result, error) {
	v, err := e.validator(ctx, projectID)
	if err != nil {
		return m, protocol.Result{}, err
	}
	res := v.Validate(m, protocolType)
	if err := res.Err(); err != nil {
		return m, res, err
	}

	now := e.nowStr()
	m.ID = uuid.New().String()
	m.ProjectID = projectID
	m.ProtocolType = protocolType
	m.CreatedAt = now
	if m.Date == "" {
		m.Date = now
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, res, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertManifest(ctx, tx, m); err != nil {
		return m, res, err
	}
	payload := events.EventPayload{"task_id": m.TaskID, "status": m.Status}
	if len(res.Violations) > 0 {
		payload["warnings"] = res.Violations
	}
	if err := e.Events.Append(ctx, tx, "manifest.accepted", projectID, "manifest", m.ID, actorID, payload); err != nil {
		return m, res, err
	}
	if err := tx.Commit(); err != nil {
		return m, res, err
	}
	return m, res, nil
}

// ValidateReturnMessage checks the text an agent returned against the
// canonical acknowledgement set from config.
func (e Engine) ValidateReturnMessage(msg string) error {
	var allowed []string
	if e.Config != nil {
		allowed = e.Config.Protocol.ReturnMessages
	}
	return protocol.ValidateReturnMessage(msg, allowed)
}

// RecordDecision appends a write-once decision record.
func (e Engine) RecordDecision(ctx context.Context, d domain.Decision) (domain.Decision, error) {
	if err := e.requireRefs(ctx, d.ProjectID, d.TaskID, d.SessionID); err != nil {
		return d, err
	}
	d.ID = uuid.New().String()
	d.CreatedAt = e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDecision(ctx, tx, d); err != nil {
		return d, err
	}
	if err := e.Events.Append(ctx, tx, "decision.recorded", d.ProjectID, "decision", d.ID, d.ActorID, events.EventPayload{"task_id": d.TaskID}); err != nil {
		return d, err
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	return d, nil
}

// RecordAssumption appends a write-once assumption record.
func (e Engine) RecordAssumption(ctx context.Context, a domain.Assumption) (domain.Assumption, error) {
	if err := e.requireRefs(ctx, a.ProjectID, a.TaskID, a.SessionID); err != nil {
		return a, err
	}
	switch a.Confidence {
	case "low", "medium", "high":
	default:
		return a, cleoerr.Newf(cleoerr.CodeInvalidInput, "confidence %q is not one of low, medium, high", a.Confidence)
	}
	a.ID = uuid.New().String()
	a.CreatedAt = e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAssumption(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "assumption.recorded", a.ProjectID, "assumption", a.ID, a.ActorID, events.EventPayload{"confidence": a.Confidence}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

func (e Engine) requireRefs(ctx context.Context, projectID, taskID, sessionID string) error {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return notFound("project", projectID)
		}
		return err
	}
	if taskID != "" {
		if _, err := e.Repo.GetTask(ctx, taskID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return notFound("task", taskID)
			}
			return err
		}
	}
	if sessionID != "" {
		if _, err := e.Repo.GetSession(ctx, sessionID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return notFound("session", sessionID)
			}
			return err
		}
	}
	return nil
}
