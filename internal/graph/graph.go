// Package graph computes execution order over the task dependency
// graph: the ready frontier, parallel waves, the critical path, and
// unblock opportunities. All functions operate on an immutable
// Snapshot and perform no I/O.
package graph

import (
	"sort"

	"github.com/kryptobaseddev/cleo/internal/domain"
)

// Snapshot is a read model over all task records reachable from a
// project at one moment. Staleness is acceptable for reads; writes
// re-validate against current state at commit time.
type Snapshot struct {
	Tasks    map[string]domain.Task
	Children map[string][]string
	// Dependents maps a task id to the ids that depend on it.
	Dependents map[string][]string
	// Orphans lists dependency references to ids that do not exist,
	// keyed by the referencing task. Reported, never silently dropped.
	Orphans map[string][]string

	order []string // insertion order for deterministic iteration
}

// Build indexes the task set. Archived tasks are excluded from
// scheduling but remain resolvable as dependency targets.
func Build(tasks []domain.Task) *Snapshot {
	s := &Snapshot{
		Tasks:      make(map[string]domain.Task, len(tasks)),
		Children:   map[string][]string{},
		Dependents: map[string][]string{},
		Orphans:    map[string][]string{},
	}
	for _, t := range tasks {
		s.Tasks[t.ID] = t
		s.order = append(s.order, t.ID)
	}
	for _, t := range tasks {
		if t.ParentID != nil {
			s.Children[*t.ParentID] = append(s.Children[*t.ParentID], t.ID)
		}
		for _, dep := range t.Depends {
			if _, ok := s.Tasks[dep]; !ok {
				s.Orphans[t.ID] = append(s.Orphans[t.ID], dep)
				continue
			}
			s.Dependents[dep] = append(s.Dependents[dep], t.ID)
		}
	}
	return s
}

// ids returns task ids in insertion order.
func (s *Snapshot) ids() []string {
	return s.order
}

// deps returns the resolvable dependencies of a task.
func (s *Snapshot) deps(id string) []string {
	t, ok := s.Tasks[id]
	if !ok {
		return nil
	}
	var out []string
	for _, d := range t.Depends {
		if _, ok := s.Tasks[d]; ok {
			out = append(out, d)
		}
	}
	return out
}

// depsSatisfied reports whether every dependency of id is terminal.
func (s *Snapshot) depsSatisfied(id string) bool {
	for _, d := range s.deps(id) {
		if !s.Tasks[d].Status.Terminal() {
			return false
		}
	}
	return true
}

// ancestorBlocked reports whether any hierarchy ancestor of id is in
// status blocked or cancelled.
func (s *Snapshot) ancestorBlocked(id string) bool {
	seen := map[string]bool{}
	t := s.Tasks[id]
	for t.ParentID != nil {
		pid := *t.ParentID
		if seen[pid] {
			return false // broken parent chain; cycle guarded at write time
		}
		seen[pid] = true
		p, ok := s.Tasks[pid]
		if !ok {
			return false
		}
		if p.Status == domain.StatusBlocked || p.Status == domain.StatusCancelled {
			return true
		}
		t = p
	}
	return false
}

// Ready returns pending tasks whose dependencies are all satisfied and
// whose ancestors do not block them, ordered by priority descending
// then creation time ascending.
func (s *Snapshot) Ready() []domain.Task {
	var out []domain.Task
	for _, id := range s.ids() {
		t := s.Tasks[id]
		if t.Archived || t.Status != domain.StatusPending {
			continue
		}
		if !s.depsSatisfied(id) || s.ancestorBlocked(id) {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt < out[j].CreatedAt
	})
	return out
}

// HasCycle reports whether the dependency relation contains a cycle,
// returning one offending path when it does. Orphaned edges are
// ignored here; they are a separate defect.
func (s *Snapshot) HasCycle() (bool, []string) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var stack []string
	var cyclePath []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		for _, d := range s.deps(id) {
			switch color[d] {
			case gray:
				// unwind the stack to the start of the cycle
				for i, v := range stack {
					if v == d {
						cyclePath = append([]string{}, stack[i:]...)
						break
					}
				}
				return true
			case white:
				if visit(d) {
					return true
				}
			}
		}
		color[id] = black
		stack = stack[:len(stack)-1]
		return false
	}

	for _, id := range s.ids() {
		if color[id] == white {
			if visit(id) {
				return true, cyclePath
			}
		}
	}
	return false, nil
}

// WouldCycle reports whether adding a dependency from taskID on depID
// would create a cycle. Used for eager checks on every dependency edit.
func (s *Snapshot) WouldCycle(taskID, depID string) bool {
	if taskID == depID {
		return true
	}
	// a cycle forms iff taskID is reachable from depID via deps edges
	seen := map[string]bool{}
	queue := []string{depID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == taskID {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		queue = append(queue, s.deps(cur)...)
	}
	return false
}
