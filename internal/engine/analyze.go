package engine

import (
	"context"

	"github.com/kryptobaseddev/cleo/internal/domain"
	"github.com/kryptobaseddev/cleo/internal/graph"
)

// The dependency.* operations are side-effect-free reads over a
// momentarily consistent snapshot.

// Ready answers dependency.ready.
func (e Engine) Ready(ctx context.Context, projectID string) ([]domain.Task, error) {
	snap, err := e.Snapshot(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return snap.Ready(), nil
}

// Waves answers dependency.waves.
func (e Engine) Waves(ctx context.Context, projectID string) (graph.WaveResult, error) {
	snap, err := e.Snapshot(ctx, projectID)
	if err != nil {
		return graph.WaveResult{}, err
	}
	return snap.Waves(), nil
}

// CriticalPath answers dependency.criticalPath.
func (e Engine) CriticalPath(ctx context.Context, projectID string) (graph.CriticalPath, error) {
	snap, err := e.Snapshot(ctx, projectID)
	if err != nil {
		return graph.CriticalPath{}, err
	}
	return snap.CriticalPathResult(), nil
}

// UnblockOpportunities answers dependency.unblockOpportunities.
func (e Engine) UnblockOpportunities(ctx context.Context, projectID string) (graph.Opportunities, error) {
	snap, err := e.Snapshot(ctx, projectID)
	if err != nil {
		return graph.Opportunities{}, err
	}
	return snap.UnblockOpportunities(), nil
}
