package hierarchy_test

import (
	"fmt"
	"testing"

	"github.com/kryptobaseddev/cleo/internal/cleoerr"
	"github.com/kryptobaseddev/cleo/internal/config"
	"github.com/kryptobaseddev/cleo/internal/domain"
	"github.com/kryptobaseddev/cleo/internal/graph"
	"github.com/kryptobaseddev/cleo/internal/hierarchy"
)

func child(id, parentID string, status domain.TaskStatus) domain.Task {
	t := domain.Task{ID: id, Title: id, Status: status}
	if parentID != "" {
		t.ParentID = &parentID
	}
	return t
}

func mustResolve(t *testing.T, profile string, o config.PolicyOverride) hierarchy.Policy {
	t.Helper()
	pol, err := hierarchy.Resolve(profile, o)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return pol
}

func hasCode(violations []hierarchy.Violation, code string) bool {
	for _, v := range violations {
		if v.Code == code {
			return true
		}
	}
	return false
}

func TestResolveOverridesWin(t *testing.T) {
	d := 5
	pol := mustResolve(t, "llm-agent-first", config.PolicyOverride{MaxDepth: &d})
	if pol.MaxDepth != 5 {
		t.Fatalf("override should win, got %d", pol.MaxDepth)
	}
	if pol.MaxActiveSiblings != 32 {
		t.Fatalf("unoverridden fields keep profile defaults, got %d", pol.MaxActiveSiblings)
	}
}

func TestResolveUnknownProfile(t *testing.T) {
	_, err := hierarchy.Resolve("agile-extreme", config.PolicyOverride{})
	if cleoerr.CodeOf(err) != cleoerr.CodeInvalidInput {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestRootPlacementAlwaysValid(t *testing.T) {
	pol := mustResolve(t, "llm-agent-first", config.PolicyOverride{})
	s := graph.Build(nil)
	if v := hierarchy.ValidatePlacement(s, pol, "T1", nil); len(v) != 0 {
		t.Fatalf("root placement should pass, got %v", v)
	}
}

func TestDepthLimit(t *testing.T) {
	pol := mustResolve(t, "llm-agent-first", config.PolicyOverride{})
	// epic(depth 0) -> task(1) -> subtask(2); a child of the subtask
	// would sit at depth 3 which is >= MaxDepth 3
	s := graph.Build([]domain.Task{
		child("E1", "", domain.StatusPending),
		child("T1", "E1", domain.StatusPending),
		child("S1", "T1", domain.StatusPending),
	})
	v := hierarchy.ValidatePlacement(s, pol, "X1", ptr("S1"))
	if !hasCode(v, cleoerr.CodeDepthExceeded) {
		t.Fatalf("expected depth violation, got %v", v)
	}
	if v2 := hierarchy.ValidatePlacement(s, pol, "X1", ptr("T1")); len(v2) != 0 {
		t.Fatalf("depth 2 placement is allowed, got %v", v2)
	}
}

func TestSiblingLimitHumanCognitive(t *testing.T) {
	pol := mustResolve(t, "human-cognitive", config.PolicyOverride{})
	tasks := []domain.Task{child("E1", "", domain.StatusPending)}
	for i := 1; i <= 7; i++ {
		tasks = append(tasks, child(fmt.Sprintf("T%d", i), "E1", domain.StatusPending))
	}
	s := graph.Build(tasks)
	v := hierarchy.ValidatePlacement(s, pol, "T8", ptr("E1"))
	if !hasCode(v, cleoerr.CodeSiblingLimit) {
		t.Fatalf("8th child should violate the sibling limit, got %v", v)
	}
}

func TestSiblingLimitIgnoresDoneByDefault(t *testing.T) {
	pol := mustResolve(t, "human-cognitive", config.PolicyOverride{})
	tasks := []domain.Task{child("E1", "", domain.StatusPending)}
	for i := 1; i <= 7; i++ {
		tasks = append(tasks, child(fmt.Sprintf("T%d", i), "E1", domain.StatusDone))
	}
	s := graph.Build(tasks)
	// finished siblings free up the limit unless count_done_in_limit is set
	if v := hierarchy.ValidatePlacement(s, pol, "T8", ptr("E1")); len(v) != 0 {
		t.Fatalf("done siblings should not count, got %v", v)
	}
	yes := true
	strict := mustResolve(t, "human-cognitive", config.PolicyOverride{CountDoneInLimit: &yes})
	v := hierarchy.ValidatePlacement(s, strict, "T8", ptr("E1"))
	if !hasCode(v, cleoerr.CodeSiblingLimit) {
		t.Fatalf("count_done_in_limit should make done siblings count, got %v", v)
	}
	if hasCode(v, cleoerr.CodeActiveSiblingLimit) {
		t.Fatalf("done siblings never trip the active limit: %v", v)
	}
}

func TestActiveSiblingLimit(t *testing.T) {
	pol := mustResolve(t, "human-cognitive", config.PolicyOverride{})
	tasks := []domain.Task{child("E1", "", domain.StatusPending)}
	for i := 1; i <= 3; i++ {
		tasks = append(tasks, child(fmt.Sprintf("T%d", i), "E1", domain.StatusPending))
	}
	s := graph.Build(tasks)
	v := hierarchy.ValidatePlacement(s, pol, "T4", ptr("E1"))
	if !hasCode(v, cleoerr.CodeActiveSiblingLimit) {
		t.Fatalf("4th unfinished child should violate the active limit, got %v", v)
	}
}

func TestNoSiblingLimitForAgentProfile(t *testing.T) {
	pol := mustResolve(t, "llm-agent-first", config.PolicyOverride{})
	tasks := []domain.Task{child("E1", "", domain.StatusPending)}
	for i := 1; i <= 20; i++ {
		tasks = append(tasks, child(fmt.Sprintf("T%d", i), "E1", domain.StatusDone))
	}
	s := graph.Build(tasks)
	if v := hierarchy.ValidatePlacement(s, pol, "T21", ptr("E1")); len(v) != 0 {
		t.Fatalf("llm-agent-first has no total sibling cap, got %v", v)
	}
}

func TestParentNotFound(t *testing.T) {
	pol := mustResolve(t, "llm-agent-first", config.PolicyOverride{})
	s := graph.Build(nil)
	v := hierarchy.ValidatePlacement(s, pol, "T1", ptr("ghost"))
	if !hasCode(v, cleoerr.CodeParentNotFound) {
		t.Fatalf("expected parent-not-found, got %v", v)
	}
}

func TestCircularPlacement(t *testing.T) {
	pol := mustResolve(t, "llm-agent-first", config.PolicyOverride{})
	s := graph.Build([]domain.Task{
		child("A", "", domain.StatusPending),
		child("B", "A", domain.StatusPending),
	})
	v := hierarchy.ValidatePlacement(s, pol, "A", ptr("B"))
	if !hasCode(v, cleoerr.CodeCircularReference) {
		t.Fatalf("reparenting A under its own child must fail, got %v", v)
	}
}

func TestAllViolationsReported(t *testing.T) {
	one := 1
	pol := mustResolve(t, "human-cognitive", config.PolicyOverride{MaxDepth: &one, MaxSiblings: &one, MaxActiveSiblings: &one})
	s := graph.Build([]domain.Task{
		child("A", "", domain.StatusPending),
		child("B", "A", domain.StatusPending),
	})
	v := hierarchy.ValidatePlacement(s, pol, "A", ptr("B"))
	if !hasCode(v, cleoerr.CodeDepthExceeded) || !hasCode(v, cleoerr.CodeCircularReference) {
		t.Fatalf("checks must run independently, got %v", v)
	}
}

func TestToErrorCarriesViolations(t *testing.T) {
	pol := mustResolve(t, "llm-agent-first", config.PolicyOverride{})
	s := graph.Build(nil)
	err := hierarchy.ToError(hierarchy.ValidatePlacement(s, pol, "T1", ptr("ghost")))
	if cleoerr.CodeOf(err) != cleoerr.CodeParentNotFound {
		t.Fatalf("first violation sets the code, got %v", err)
	}
	if hierarchy.ToError(nil) != nil {
		t.Fatalf("no violations means no error")
	}
}

func ptr(s string) *string { return &s }
