package graph_test

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/kryptobaseddev/cleo/internal/domain"
	"github.com/kryptobaseddev/cleo/internal/graph"
)

func task(id string, status domain.TaskStatus, deps ...string) domain.Task {
	return domain.Task{ID: id, Title: id, Status: status, Depends: deps, CreatedAt: id}
}

func TestReadyFrontier(t *testing.T) {
	s := graph.Build([]domain.Task{
		task("T1", domain.StatusDone),
		task("T2", domain.StatusPending, "T1"),
		task("T3", domain.StatusPending, "T2"),
		task("T4", domain.StatusPending),
	})
	ready := s.Ready()
	ids := map[string]bool{}
	for _, r := range ready {
		ids[r.ID] = true
	}
	if !ids["T2"] || !ids["T4"] || ids["T3"] || ids["T1"] {
		t.Fatalf("unexpected ready set: %v", ids)
	}
}

func TestReadyCancelledSatisfiesDependency(t *testing.T) {
	s := graph.Build([]domain.Task{
		task("T1", domain.StatusCancelled),
		task("T2", domain.StatusPending, "T1"),
	})
	ready := s.Ready()
	if len(ready) != 1 || ready[0].ID != "T2" {
		t.Fatalf("expected T2 ready behind cancelled dep, got %v", ready)
	}
}

func TestReadyPriorityOrdering(t *testing.T) {
	low := task("T1", domain.StatusPending)
	low.Priority = 1
	high := task("T2", domain.StatusPending)
	high.Priority = 9
	s := graph.Build([]domain.Task{low, high})
	ready := s.Ready()
	if len(ready) != 2 || ready[0].ID != "T2" {
		t.Fatalf("expected priority order, got %v", ready)
	}
}

func TestReadyBlockedAncestorHidesDescendants(t *testing.T) {
	parent := task("T1", domain.StatusBlocked)
	child := task("T2", domain.StatusPending)
	pid := "T1"
	child.ParentID = &pid
	s := graph.Build([]domain.Task{parent, child})
	if ready := s.Ready(); len(ready) != 0 {
		t.Fatalf("expected no ready tasks under blocked parent, got %v", ready)
	}
}

func TestWavesLayering(t *testing.T) {
	s := graph.Build([]domain.Task{
		task("T101", domain.StatusDone),
		task("T102", domain.StatusPending, "T101"),
		task("T103", domain.StatusPending, "T101"),
		task("T104", domain.StatusPending, "T102", "T103"),
	})
	res := s.Waves()
	if len(res.Waves) != 3 {
		t.Fatalf("expected 3 waves, got %d", len(res.Waves))
	}
	if len(res.Waves[0].Tasks) != 1 || res.Waves[0].Tasks[0] != "T101" {
		t.Fatalf("wave 0 should hold the done root: %v", res.Waves[0])
	}
	if len(res.Waves[1].Tasks) != 2 {
		t.Fatalf("wave 1 should hold both parallel tasks: %v", res.Waves[1])
	}
	if res.Waves[2].Tasks[0] != "T104" {
		t.Fatalf("wave 2 should hold the join task: %v", res.Waves[2])
	}
	if len(res.Unplaceable) != 0 {
		t.Fatalf("acyclic graph should place every task")
	}
}

func TestWavesCycleUnplaceable(t *testing.T) {
	s := graph.Build([]domain.Task{
		task("T1", domain.StatusPending, "T2"),
		task("T2", domain.StatusPending, "T1"),
		task("T3", domain.StatusPending),
	})
	res := s.Waves()
	if len(res.Unplaceable) != 2 {
		t.Fatalf("cycle members should be unplaceable, got %v", res.Unplaceable)
	}
	if len(res.Waves) != 1 || res.Waves[0].Tasks[0] != "T3" {
		t.Fatalf("acyclic remainder should still layer: %v", res.Waves)
	}
}

func TestWavesOrphanedDepsReported(t *testing.T) {
	s := graph.Build([]domain.Task{
		task("T1", domain.StatusPending, "T999"),
	})
	res := s.Waves()
	if len(res.OrphanedDeps) != 1 || res.OrphanedDeps[0].DependsOn != "T999" {
		t.Fatalf("expected orphaned dep defect, got %v", res.OrphanedDeps)
	}
}

func TestCriticalPathLengthAndCompletion(t *testing.T) {
	s := graph.Build([]domain.Task{
		task("T1", domain.StatusDone),
		task("T2", domain.StatusPending, "T1"),
		task("T3", domain.StatusPending, "T2"),
		task("T4", domain.StatusPending, "T3"),
		task("T5", domain.StatusPending),
	})
	cp := s.CriticalPathResult()
	if cp.Length != 4 {
		t.Fatalf("expected chain length 4, got %d", cp.Length)
	}
	if cp.CompletedInPath != 1 {
		t.Fatalf("expected exactly the done head counted, got %d", cp.CompletedInPath)
	}
	if cp.Nodes[0].ID != "T1" || cp.Nodes[3].ID != "T4" {
		t.Fatalf("path should run T1..T4, got %v", cp.Nodes)
	}
}

func TestCriticalPathEmptyGraph(t *testing.T) {
	cp := graph.Build(nil).CriticalPathResult()
	if cp.Length != 0 || len(cp.Nodes) != 0 {
		t.Fatalf("empty graph should yield a zero path, got %+v", cp)
	}
}

// longestChain enumerates every dependency chain ending at id, no
// memoization, so it is an independent oracle for the DP result.
func longestChain(tasks map[string][]string, id string) int {
	best := 1
	for _, d := range tasks[id] {
		if l := 1 + longestChain(tasks, d); l > best {
			best = l
		}
	}
	return best
}

func TestCriticalPathMatchesExhaustiveSearch(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 50; trial++ {
		n := 2 + rng.Intn(19) // up to 20 nodes
		edges := map[string][]string{}
		var tasks []domain.Task
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("T%d", i+1)
			var deps []string
			for j := 0; j < i; j++ {
				if rng.Float64() < 0.3 { // edges point at earlier ids only, so acyclic
					deps = append(deps, fmt.Sprintf("T%d", j+1))
				}
			}
			edges[id] = deps
			tasks = append(tasks, task(id, domain.StatusPending, deps...))
		}

		want := 0
		for id := range edges {
			if l := longestChain(edges, id); l > want {
				want = l
			}
		}

		cp := graph.Build(tasks).CriticalPathResult()
		if cp.Length != want {
			t.Fatalf("trial %d (%d nodes): length %d, exhaustive search found %d", trial, n, cp.Length, want)
		}
		if len(cp.Nodes) != cp.Length {
			t.Fatalf("trial %d: %d nodes reported for length %d", trial, len(cp.Nodes), cp.Length)
		}
		// every consecutive pair must be a real dependency edge
		for i := 1; i < len(cp.Nodes); i++ {
			dep, cur := cp.Nodes[i-1].ID, cp.Nodes[i].ID
			found := false
			for _, d := range edges[cur] {
				if d == dep {
					found = true
					break
				}
			}
			if !found {
				t.Fatalf("trial %d: path step %s -> %s is not a dependency edge", trial, dep, cur)
			}
		}
	}
}

func TestHasCycleReportsPath(t *testing.T) {
	s := graph.Build([]domain.Task{
		task("T1", domain.StatusPending, "T2"),
		task("T2", domain.StatusPending, "T3"),
		task("T3", domain.StatusPending, "T1"),
	})
	has, path := s.HasCycle()
	if !has {
		t.Fatalf("expected cycle")
	}
	if len(path) != 3 {
		t.Fatalf("expected the full 3-cycle, got %v", path)
	}
}

func TestWouldCycle(t *testing.T) {
	s := graph.Build([]domain.Task{
		task("T1", domain.StatusPending),
		task("T2", domain.StatusPending, "T1"),
		task("T3", domain.StatusPending, "T2"),
	})
	if !s.WouldCycle("T1", "T3") {
		t.Fatalf("T1 depending on T3 closes a loop")
	}
	if s.WouldCycle("T3", "T1") {
		t.Fatalf("T3 already depends transitively on T1, no new cycle")
	}
	if !s.WouldCycle("T1", "T1") {
		t.Fatalf("self-dependency is a cycle")
	}
}

func TestUnblockOpportunities(t *testing.T) {
	s := graph.Build([]domain.Task{
		task("T1", domain.StatusPending),
		task("T2", domain.StatusPending, "T1"),
		task("T3", domain.StatusPending, "T1"),
		task("T4", domain.StatusPending, "T2", "T3"),
	})
	opp := s.UnblockOpportunities()
	// T2 and T3 each wait on exactly T1; T4 waits on two.
	if len(opp.SingleBlockers) != 2 {
		t.Fatalf("expected two single-blocker entries, got %v", opp.SingleBlockers)
	}
	for _, sb := range opp.SingleBlockers {
		if sb.Blocker != "T1" {
			t.Fatalf("expected T1 as sole blocker, got %v", sb)
		}
	}
	if len(opp.HighImpact) == 0 || opp.HighImpact[0].TaskID != "T1" {
		t.Fatalf("T1 should rank first by transitive unlocks, got %v", opp.HighImpact)
	}
	if opp.HighImpact[0].Unlocks != 3 {
		t.Fatalf("T1 transitively unlocks 3 tasks, got %d", opp.HighImpact[0].Unlocks)
	}
}

func TestUnblockSkipsTerminalTasks(t *testing.T) {
	s := graph.Build([]domain.Task{
		task("T1", domain.StatusPending),
		task("T2", domain.StatusDone, "T1"),
	})
	opp := s.UnblockOpportunities()
	for _, sb := range opp.SingleBlockers {
		if sb.TaskID == "T2" {
			t.Fatalf("done tasks are not waiting on anything")
		}
	}
	if len(opp.HighImpact) != 0 {
		t.Fatalf("completing T1 unlocks nothing unfinished, got %v", opp.HighImpact)
	}
}
