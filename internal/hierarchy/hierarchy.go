// Package hierarchy validates parent/child placement in the task tree
// under a resolved enforcement policy.
package hierarchy

import (
	"fmt"

	"github.com/kryptobaseddev/cleo/internal/cleoerr"
	"github.com/kryptobaseddev/cleo/internal/config"
	"github.com/kryptobaseddev/cleo/internal/domain"
	"github.com/kryptobaseddev/cleo/internal/graph"
)

// Policy is a resolved bundle of placement limits. MaxSiblings == 0
// means unlimited.
type Policy struct {
	Profile           string `json:"profile"`
	MaxDepth          int    `json:"max_depth"`
	MaxSiblings       int    `json:"max_siblings"`
	MaxActiveSiblings int    `json:"max_active_siblings"`
	CountDoneInLimit  bool   `json:"count_done_in_limit"`
}

// Built-in profiles. llm-agent-first tolerates high task-creation
// rates; human-cognitive tracks working-memory limits.
var profiles = map[string]Policy{
	"llm-agent-first": {Profile: "llm-agent-first", MaxDepth: 3, MaxSiblings: 0, MaxActiveSiblings: 32},
	"human-cognitive": {Profile: "human-cognitive", MaxDepth: 3, MaxSiblings: 7, MaxActiveSiblings: 3},
}

// Resolve builds the active policy: profile defaults first, explicit
// per-field overrides winning.
func Resolve(profile string, o config.PolicyOverride) (Policy, error) {
	p, ok := profiles[profile]
	if !ok {
		return Policy{}, cleoerr.Newf(cleoerr.CodeInvalidInput, "unknown hierarchy profile %q", profile).
			WithRemediation("use profile 'llm-agent-first' or 'human-cognitive'")
	}
	if o.MaxDepth != nil {
		p.MaxDepth = *o.MaxDepth
	}
	if o.MaxSiblings != nil {
		p.MaxSiblings = *o.MaxSiblings
	}
	if o.MaxActiveSiblings != nil {
		p.MaxActiveSiblings = *o.MaxActiveSiblings
	}
	if o.CountDoneInLimit != nil {
		p.CountDoneInLimit = *o.CountDoneInLimit
	}
	return p, nil
}

// Profiles lists the built-in profile names.
func Profiles() []string {
	return []string{"llm-agent-first", "human-cognitive"}
}

// Violation is one failed placement check.
type Violation struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidatePlacement answers whether childID may be placed under
// parentID. All checks run independently so the caller sees every
// violated rule, not just the first. A nil parent (root placement)
// always passes.
func ValidatePlacement(s *graph.Snapshot, pol Policy, childID string, parentID *string) []Violation {
	if parentID == nil || *parentID == "" {
		return nil
	}
	pid := *parentID
	var out []Violation

	parent, parentExists := s.Tasks[pid]
	if !parentExists {
		out = append(out, Violation{
			Code:    cleoerr.CodeParentNotFound,
			Message: fmt.Sprintf("proposed parent %s does not exist", pid),
		})
	}

	if parentExists {
		// depth: the child sits at parent depth + 1 and must stay
		// strictly below MaxDepth
		depth := depthOf(s, pid) + 1
		if depth >= pol.MaxDepth {
			out = append(out, Violation{
				Code:    cleoerr.CodeDepthExceeded,
				Message: fmt.Sprintf("placement at depth %d violates max depth %d", depth, pol.MaxDepth),
			})
		}

		siblings, activeSiblings := countChildren(s, pid, pol.CountDoneInLimit, childID)
		if pol.MaxSiblings > 0 && siblings >= pol.MaxSiblings {
			out = append(out, Violation{
				Code:    cleoerr.CodeSiblingLimit,
				Message: fmt.Sprintf("parent %s already has %d of %d allowed children", pid, siblings, pol.MaxSiblings),
			})
		}
		if pol.MaxActiveSiblings > 0 && activeSiblings >= pol.MaxActiveSiblings {
			out = append(out, Violation{
				Code:    cleoerr.CodeActiveSiblingLimit,
				Message: fmt.Sprintf("parent %s already has %d of %d allowed unfinished children", pid, activeSiblings, pol.MaxActiveSiblings),
			})
		}

		// acyclicity: walking up from the proposed parent must never
		// reach the child
		if reachesUpward(s, parent, childID) {
			out = append(out, Violation{
				Code:    cleoerr.CodeCircularReference,
				Message: fmt.Sprintf("placing %s under %s would create a parent cycle", childID, pid),
			})
		}
	}
	return out
}

// ToError converts a violation list into the typed error for the first
// (most severe) violation, carrying the full list in details.
func ToError(violations []Violation) error {
	if len(violations) == 0 {
		return nil
	}
	first := violations[0]
	e := cleoerr.New(first.Code, first.Message).WithDetail("violations", violations)
	switch first.Code {
	case cleoerr.CodeDepthExceeded:
		e.WithRemediation("place the task under a shallower parent or at the root").
			WithAlternative("hierarchy.validatePlacement", map[string]any{"parent_id": nil})
	case cleoerr.CodeSiblingLimit, cleoerr.CodeActiveSiblingLimit:
		e.WithRemediation("complete or reparent existing children before adding more")
	case cleoerr.CodeParentNotFound:
		e.WithRemediation("create the parent task first or pass an existing parent id")
	case cleoerr.CodeCircularReference:
		e.WithRemediation("choose a parent outside the task's own subtree")
	}
	return e
}

// depthOf returns the ancestor-chain length of id from its root
// (root = 0). Broken or cyclic chains stop counting.
func depthOf(s *graph.Snapshot, id string) int {
	depth := 0
	seen := map[string]bool{id: true}
	t, ok := s.Tasks[id]
	if !ok {
		return 0
	}
	for t.ParentID != nil {
		pid := *t.ParentID
		if seen[pid] {
			break
		}
		seen[pid] = true
		p, ok := s.Tasks[pid]
		if !ok {
			break
		}
		depth++
		t = p
	}
	return depth
}

func countChildren(s *graph.Snapshot, parentID string, countDone bool, excludeID string) (total, active int) {
	for _, cid := range s.Children[parentID] {
		if cid == excludeID {
			continue // reparenting a task under its current parent is not a new sibling
		}
		c := s.Tasks[cid]
		if c.Archived {
			continue
		}
		if countDone || !c.Status.Terminal() {
			total++
		}
		if !c.Status.Terminal() {
			active++
		}
	}
	return total, active
}

func reachesUpward(s *graph.Snapshot, from domain.Task, target string) bool {
	if from.ID == target {
		return true
	}
	seen := map[string]bool{from.ID: true}
	t := from
	for t.ParentID != nil {
		pid := *t.ParentID
		if pid == target {
			return true
		}
		if seen[pid] {
			return false
		}
		seen[pid] = true
		p, ok := s.Tasks[pid]
		if !ok {
			return false
		}
		t = p
	}
	return false
}
