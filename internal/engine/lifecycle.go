package engine

import (
	"context"
	"errors"

	"github.com/kryptobaseddev/cleo/internal/cleoerr"
	"github.com/kryptobaseddev/cleo/internal/domain"
	"github.com/kryptobaseddev/cleo/internal/events"
	"github.com/kryptobaseddev/cleo/internal/lifecycle"
	"github.com/kryptobaseddev/cleo/internal/repo"
)

func (e Engine) enforcementMode() lifecycle.Mode {
	if e.Config == nil {
		return lifecycle.ModeStrict
	}
	m := lifecycle.Mode(e.Config.Lifecycle.Enforcement)
	if !m.Valid() {
		return lifecycle.ModeStrict
	}
	return m
}

// CheckGate evaluates the lifecycle gate for an epic's target stage.
// It is a pure read; the caller decides whether a blocked result
// prevents dispatch (it does under strict enforcement).
func (e Engine) CheckGate(ctx context.Context, epicID string, target domain.Stage) (lifecycle.GateCheck, error) {
	if !target.Valid() {
		return lifecycle.GateCheck{}, cleoerr.Newf(cleoerr.CodeInvalidInput, "unknown stage %q", target)
	}
	if _, err := e.requireEpic(ctx, epicID); err != nil {
		return lifecycle.GateCheck{}, err
	}
	states, err := e.Repo.ListGateStates(ctx, epicID)
	if err != nil {
		return lifecycle.GateCheck{}, err
	}
	return lifecycle.CheckGate(epicID, target, states, e.enforcementMode()), nil
}

// CheckDispatch gates dispatch of a protocol-typed unit of work under
// an epic. Stage-agnostic protocol labels bypass gating.
func (e Engine) CheckDispatch(ctx context.Context, epicID, protocolType string) (lifecycle.GateCheck, error) {
	stage, ok := lifecycle.StageForProtocol(protocolType)
	if !ok {
		return lifecycle.GateCheck{EpicID: epicID, Mode: e.enforcementMode()}, nil
	}
	return e.CheckGate(ctx, epicID, stage)
}

// CompleteStage marks a stage completed for an epic. Prerequisite
// stages must already be satisfied unless enforcement is off.
func (e Engine) CompleteStage(ctx context.Context, epicID string, stage domain.Stage, actorID string) (domain.GateState, *cleoerr.Outcome, error) {
	return e.setStage(ctx, epicID, stage, domain.StageCompleted, "lifecycle.stage.completed", actorID)
}

// SkipStage marks a stage skipped; skipped stages satisfy successors.
func (e Engine) SkipStage(ctx context.Context, epicID string, stage domain.Stage, actorID string) (domain.GateState, *cleoerr.Outcome, error) {
	return e.setStage(ctx, epicID, stage, domain.StageSkipped, "lifecycle.stage.skipped", actorID)
}

func (e Engine) setStage(ctx context.Context, epicID string, stage domain.Stage, status domain.StageStatus, evtType, actorID string) (domain.GateState, *cleoerr.Outcome, error) {
	if !stage.Valid() {
		return domain.GateState{}, nil, cleoerr.Newf(cleoerr.CodeInvalidInput, "unknown stage %q", stage)
	}
	epic, err := e.requireEpic(ctx, epicID)
	if err != nil {
		return domain.GateState{}, nil, err
	}
	existing, err := e.Repo.GetGateState(ctx, epicID, stage)
	if err == nil && existing.Status == status {
		return existing, cleoerr.NoChange("stage already " + string(status)), nil
	}
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.GateState{}, nil, err
	}

	// Advisory mode relaxes dispatch blocking only. The stage record
	// itself keeps its ordering invariant unless enforcement is off.
	if status == domain.StageCompleted && e.enforcementMode() != lifecycle.ModeOff {
		states, err := e.Repo.ListGateStates(ctx, epicID)
		if err != nil {
			return domain.GateState{}, nil, err
		}
		check := lifecycle.CheckGate(epicID, stage, states, e.enforcementMode())
		if len(check.Missing) > 0 {
			check.Blocked = true
			return domain.GateState{}, nil, check.Err()
		}
	}

	g := domain.GateState{
		EpicID:    epicID,
		Stage:     stage,
		Status:    status,
		ActorID:   actorID,
		UpdatedAt: e.nowStr(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return g, nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertGateState(ctx, tx, g); err != nil {
		return g, nil, err
	}
	if err := e.Events.Append(ctx, tx, evtType, epic.ProjectID, "epic", epicID, actorID, events.EventPayload{"stage": stage, "status": status}); err != nil {
		return g, nil, err
	}
	if err := tx.Commit(); err != nil {
		return g, nil, err
	}
	return g, nil, nil
}

// GateProgress lists every stage with its recorded or implicit
// pending status, in sequence order.
func (e Engine) GateProgress(ctx context.Context, epicID string) ([]domain.GateState, error) {
	epic, err := e.requireEpic(ctx, epicID)
	if err != nil {
		return nil, err
	}
	recorded, err := e.Repo.ListGateStates(ctx, epicID)
	if err != nil {
		return nil, err
	}
	byStage := make(map[domain.Stage]domain.GateState, len(recorded))
	for _, g := range recorded {
		byStage[g.Stage] = g
	}
	stages := append(append([]domain.Stage{}, lifecycle.Order...), domain.StageRelease)
	out := make([]domain.GateState, 0, len(stages))
	for _, s := range stages {
		if g, ok := byStage[s]; ok {
			out = append(out, g)
			continue
		}
		out = append(out, domain.GateState{EpicID: epic.ID, Stage: s, Status: domain.StagePending})
	}
	return out, nil
}

func (e Engine) requireEpic(ctx context.Context, epicID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, epicID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return t, notFound("epic", epicID)
		}
		return t, err
	}
	if t.Type != domain.TypeEpic {
		return t, cleoerr.Newf(cleoerr.CodeInvalidInput, "task %s is not an epic", epicID).
			WithRemediation("lifecycle stages apply to epics; pass the root epic id")
	}
	return t, nil
}
