// Package lifecycle tracks per-epic progression through ordered stages
// and blocks stage entry until every prerequisite is satisfied.
package lifecycle

import (
	"github.com/kryptobaseddev/cleo/internal/cleoerr"
	"github.com/kryptobaseddev/cleo/internal/domain"
)

// Order is the fixed stage sequence. Release is a terminal sibling of
// implementation and gates on the same prerequisites.
var Order = []domain.Stage{
	domain.StageResearch,
	domain.StageConsensus,
	domain.StageSpecification,
	domain.StageDecomposition,
	domain.StageImplementation,
}

// Mode controls gate enforcement.
type Mode string

const (
	ModeStrict   Mode = "strict"
	ModeAdvisory Mode = "advisory"
	ModeOff      Mode = "off"
)

func (m Mode) Valid() bool {
	return m == ModeStrict || m == ModeAdvisory || m == ModeOff
}

// stageForProtocol maps protocol-type labels to stages. Unmapped labels
// are stage-agnostic and bypass gating.
var stageForProtocol = map[string]domain.Stage{
	"research":       domain.StageResearch,
	"consensus":      domain.StageConsensus,
	"specification":  domain.StageSpecification,
	"decomposition":  domain.StageDecomposition,
	"implementation": domain.StageImplementation,
	"release":        domain.StageRelease,
}

// StageForProtocol resolves a protocol-type label; ok is false for
// stage-agnostic labels.
func StageForProtocol(label string) (domain.Stage, bool) {
	s, ok := stageForProtocol[label]
	return s, ok
}

// prerequisites returns all stages strictly before target in the
// sequence. Release requires the full sequence.
func prerequisites(target domain.Stage) []domain.Stage {
	if target == domain.StageRelease {
		return Order
	}
	for i, s := range Order {
		if s == target {
			return Order[:i]
		}
	}
	return nil
}

// GateCheck is the result of a gate evaluation.
type GateCheck struct {
	EpicID  string         `json:"epic_id"`
	Target  domain.Stage   `json:"target"`
	Missing []domain.Stage `json:"missing,omitempty"`
	Mode    Mode           `json:"mode"`
	Blocked bool           `json:"blocked"`
}

// CheckGate computes the prerequisite stages of target that are neither
// completed nor skipped. Dispatch is blocked only when the list is
// non-empty and enforcement is strict; mode off skips the check
// entirely.
func CheckGate(epicID string, target domain.Stage, states []domain.GateState, mode Mode) GateCheck {
	check := GateCheck{EpicID: epicID, Target: target, Mode: mode}
	if mode == ModeOff {
		return check
	}
	byStage := make(map[domain.Stage]domain.StageStatus, len(states))
	for _, st := range states {
		byStage[st.Stage] = st.Status
	}
	for _, pre := range prerequisites(target) {
		if !byStage[pre].Satisfied() {
			check.Missing = append(check.Missing, pre)
		}
	}
	check.Blocked = mode == ModeStrict && len(check.Missing) > 0
	return check
}

// Err converts a blocking gate check into the typed error, carrying
// the full missing-stage list and a ready-to-use fix per stage.
func (c GateCheck) Err() error {
	if !c.Blocked {
		return nil
	}
	e := cleoerr.Newf(cleoerr.CodeLifecycleGateFailed, "epic %s cannot enter stage %s: %d prerequisite stage(s) incomplete", c.EpicID, c.Target, len(c.Missing)).
		WithDetail("missing", c.Missing).
		WithRemediation("complete or skip the missing stages in order, starting with " + string(c.Missing[0]))
	for _, m := range c.Missing {
		e.WithAlternative("lifecycle.completeStage", map[string]any{"epic_id": c.EpicID, "stage": string(m)})
	}
	return e
}
