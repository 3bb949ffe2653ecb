package scope_test

import (
	"sort"
	"testing"

	"github.com/kryptobaseddev/cleo/internal/cleoerr"
	"github.com/kryptobaseddev/cleo/internal/domain"
	"github.com/kryptobaseddev/cleo/internal/graph"
	"github.com/kryptobaseddev/cleo/internal/scope"
)

func buildTree() *graph.Snapshot {
	e1 := "E1"
	t1 := "T1"
	return graph.Build([]domain.Task{
		{ID: "E1", Title: "epic", Type: domain.TypeEpic, Status: domain.StatusPending},
		{ID: "T1", ParentID: &e1, Title: "t1", Status: domain.StatusPending},
		{ID: "T2", ParentID: &e1, Title: "t2", Status: domain.StatusPending},
		{ID: "S1", ParentID: &t1, Title: "s1", Status: domain.StatusPending},
		{ID: "X1", Title: "outside", Status: domain.StatusPending},
	})
}

func TestClosureEpic(t *testing.T) {
	got, err := scope.Closure(buildTree(), domain.Scope{Type: domain.ScopeEpic, RootID: "E1"})
	if err != nil {
		t.Fatalf("closure: %v", err)
	}
	sort.Strings(got)
	want := []string{"E1", "S1", "T1", "T2"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestClosureEpicRequiresEpicRoot(t *testing.T) {
	_, err := scope.Closure(buildTree(), domain.Scope{Type: domain.ScopeEpic, RootID: "T1"})
	if cleoerr.CodeOf(err) != cleoerr.CodeScopeInvalid {
		t.Fatalf("epic scope on a non-epic root must fail, got %v", err)
	}
	// subtree is the escape hatch for the same root
	got, err := scope.Closure(buildTree(), domain.Scope{Type: domain.ScopeSubtree, RootID: "T1"})
	if err != nil || len(got) != 2 {
		t.Fatalf("subtree of T1 should be T1+S1, got %v %v", got, err)
	}
}

func TestClosureTaskAndCustom(t *testing.T) {
	got, err := scope.Closure(buildTree(), domain.Scope{Type: domain.ScopeTask, RootID: "T2"})
	if err != nil || len(got) != 1 || got[0] != "T2" {
		t.Fatalf("task scope is just the root, got %v %v", got, err)
	}
	got, err = scope.Closure(buildTree(), domain.Scope{Type: domain.ScopeCustom, Members: []string{"T2", "X1"}})
	if err != nil || len(got) != 2 {
		t.Fatalf("custom scope is the member list, got %v %v", got, err)
	}
	_, err = scope.Closure(buildTree(), domain.Scope{Type: domain.ScopeCustom, Members: []string{"ghost"}})
	if cleoerr.CodeOf(err) != cleoerr.CodeScopeInvalid {
		t.Fatalf("missing member must fail, got %v", err)
	}
	_, err = scope.Closure(buildTree(), domain.Scope{Type: domain.ScopeCustom})
	if cleoerr.CodeOf(err) != cleoerr.CodeScopeInvalid {
		t.Fatalf("empty custom scope must fail, got %v", err)
	}
}

func TestClosureMissingRoot(t *testing.T) {
	_, err := scope.Closure(buildTree(), domain.Scope{Type: domain.ScopeSubtree, RootID: "ghost"})
	if cleoerr.CodeOf(err) != cleoerr.CodeScopeInvalid {
		t.Fatalf("missing root must fail, got %v", err)
	}
}

func TestOverlap(t *testing.T) {
	ov := scope.Overlap([]string{"A", "B", "C"}, []string{"B", "C", "D"})
	if len(ov) != 2 {
		t.Fatalf("expected 2 overlapping ids, got %v", ov)
	}
	if len(scope.Overlap([]string{"A"}, []string{"B"})) != 0 {
		t.Fatalf("disjoint closures do not overlap")
	}
}

func TestCheckConflict(t *testing.T) {
	active := []domain.Session{{ID: "S1", Status: domain.SessionActive}}
	closures := map[string][]string{"S1": {"T1", "T2"}}
	err := scope.CheckConflict([]string{"T2", "T3"}, active, closures, false)
	ce, ok := err.(*cleoerr.Error)
	if !ok || ce.Code != cleoerr.CodeScopeConflict {
		t.Fatalf("expected scope conflict, got %v", err)
	}
	if len(ce.Alternatives) == 0 {
		t.Fatalf("conflict should offer a way out")
	}
	// disjoint proposal passes
	if err := scope.CheckConflict([]string{"T3"}, active, closures, false); err != nil {
		t.Fatalf("disjoint scope should pass: %v", err)
	}
	// suspended sessions do not hold their claim
	suspended := []domain.Session{{ID: "S1", Status: domain.SessionSuspended}}
	if err := scope.CheckConflict([]string{"T1"}, suspended, closures, false); err != nil {
		t.Fatalf("suspended session should not conflict: %v", err)
	}
	// allow_overlap disables the check entirely
	if err := scope.CheckConflict([]string{"T1"}, active, closures, true); err != nil {
		t.Fatalf("allow_overlap should bypass: %v", err)
	}
}

func TestSessionTransitions(t *testing.T) {
	valid := []struct{ from, to domain.SessionStatus }{
		{domain.SessionActive, domain.SessionSuspended},
		{domain.SessionActive, domain.SessionEnded},
		{domain.SessionSuspended, domain.SessionActive},
		{domain.SessionSuspended, domain.SessionEnded},
		{domain.SessionEnded, domain.SessionArchived},
	}
	for _, tr := range valid {
		if err := scope.Transition(tr.from, tr.to); err != nil {
			t.Fatalf("%s -> %s should be valid: %v", tr.from, tr.to, err)
		}
	}
	invalid := []struct{ from, to domain.SessionStatus }{
		{domain.SessionEnded, domain.SessionActive},
		{domain.SessionArchived, domain.SessionActive},
		{domain.SessionActive, domain.SessionArchived},
	}
	for _, tr := range invalid {
		err := scope.Transition(tr.from, tr.to)
		if cleoerr.CodeOf(err) != cleoerr.CodeSessionInvalidState {
			t.Fatalf("%s -> %s should be rejected, got %v", tr.from, tr.to, err)
		}
	}
}

func TestInScope(t *testing.T) {
	cl := []string{"T1", "T2"}
	if !scope.InScope(cl, "T1") || scope.InScope(cl, "T3") {
		t.Fatalf("closure membership broken")
	}
}
