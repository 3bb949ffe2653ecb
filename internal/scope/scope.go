// Package scope models session work scopes: closure computation over
// the task tree, overlap detection between concurrent sessions, and
// the focus-claim rules.
package scope

import (
	"fmt"

	"github.com/kryptobaseddev/cleo/internal/cleoerr"
	"github.com/kryptobaseddev/cleo/internal/domain"
	"github.com/kryptobaseddev/cleo/internal/graph"
)

// Closure computes the member task-id set of a scope. For epic and
// subtree scopes that is the root plus all descendants; a task scope is
// just its root; a custom scope is the explicit member list.
func Closure(s *graph.Snapshot, sc domain.Scope) ([]string, error) {
	switch sc.Type {
	case domain.ScopeTask:
		if err := requireRoot(s, sc); err != nil {
			return nil, err
		}
		return []string{sc.RootID}, nil
	case domain.ScopeEpic, domain.ScopeSubtree:
		if err := requireRoot(s, sc); err != nil {
			return nil, err
		}
		if sc.Type == domain.ScopeEpic {
			if t := s.Tasks[sc.RootID]; t.Type != domain.TypeEpic {
				return nil, cleoerr.Newf(cleoerr.CodeScopeInvalid, "task %s is not an epic", sc.RootID).
					WithRemediation("use scope type 'subtree' for non-epic roots").
					WithAlternative("session.start", map[string]any{"scope": map[string]any{"type": "subtree", "root_id": sc.RootID}})
			}
		}
		return descendants(s, sc.RootID), nil
	case domain.ScopeCustom:
		if len(sc.Members) == 0 {
			return nil, cleoerr.New(cleoerr.CodeScopeInvalid, "custom scope requires at least one member").
				WithRemediation("pass the member task ids explicitly")
		}
		for _, id := range sc.Members {
			if _, ok := s.Tasks[id]; !ok {
				return nil, cleoerr.Newf(cleoerr.CodeScopeInvalid, "scope member %s does not exist", id).
					WithRemediation("remove the missing id from the member list")
			}
		}
		return append([]string{}, sc.Members...), nil
	default:
		return nil, cleoerr.Newf(cleoerr.CodeScopeInvalid, "unknown scope type %q", sc.Type).
			WithRemediation("use one of epic, subtree, task, custom")
	}
}

func requireRoot(s *graph.Snapshot, sc domain.Scope) error {
	if sc.RootID == "" {
		return cleoerr.Newf(cleoerr.CodeScopeInvalid, "scope type %s requires a root task", sc.Type).
			WithRemediation("set root_id to an existing task")
	}
	if _, ok := s.Tasks[sc.RootID]; !ok {
		return cleoerr.Newf(cleoerr.CodeScopeInvalid, "scope root %s does not exist", sc.RootID).
			WithRemediation("create the root task first or pick an existing one")
	}
	return nil
}

func descendants(s *graph.Snapshot, rootID string) []string {
	out := []string{rootID}
	seen := map[string]bool{rootID: true}
	queue := append([]string{}, s.Children[rootID]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
		queue = append(queue, s.Children[id]...)
	}
	return out
}

// Overlap returns the intersection of two closures.
func Overlap(a, b []string) []string {
	set := make(map[string]bool, len(a))
	for _, id := range a {
		set[id] = true
	}
	var out []string
	for _, id := range b {
		if set[id] {
			out = append(out, id)
		}
	}
	return out
}

// CheckConflict rejects a proposed closure that intersects any active
// session's closure, unless overlapping scopes are allowed.
func CheckConflict(proposed []string, active []domain.Session, closures map[string][]string, allowOverlap bool) error {
	if allowOverlap {
		return nil
	}
	for _, sess := range active {
		if sess.Status != domain.SessionActive {
			continue
		}
		if ov := Overlap(proposed, closures[sess.ID]); len(ov) > 0 {
			return cleoerr.Newf(cleoerr.CodeScopeConflict, "scope overlaps active session %s on %d task(s)", sess.ID, len(ov)).
				WithDetail("session_id", sess.ID).
				WithDetail("overlap", ov).
				WithRemediation("pick a disjoint scope, or end the conflicting session first").
				WithAlternative("session.end", map[string]any{"session_id": sess.ID}).
				WithAlternative("session.start", map[string]any{"scope": "a scope excluding " + fmt.Sprint(ov)})
		}
	}
	return nil
}

// Transition validates the session state machine:
// active -> {suspended, ended}; suspended -> {active, ended};
// ended -> archived. Archived is write-once.
func Transition(from, to domain.SessionStatus) error {
	ok := false
	switch from {
	case domain.SessionActive:
		ok = to == domain.SessionSuspended || to == domain.SessionEnded
	case domain.SessionSuspended:
		ok = to == domain.SessionActive || to == domain.SessionEnded
	case domain.SessionEnded:
		ok = to == domain.SessionArchived
	}
	if !ok {
		return cleoerr.Newf(cleoerr.CodeSessionInvalidState, "invalid session transition %s -> %s", from, to).
			WithRemediation("resume, end or archive in order; archived sessions are final")
	}
	return nil
}

// InScope reports whether taskID belongs to the closure.
func InScope(closure []string, taskID string) bool {
	for _, id := range closure {
		if id == taskID {
			return true
		}
	}
	return false
}
