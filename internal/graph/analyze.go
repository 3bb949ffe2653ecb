package graph

import (
	"sort"

	"github.com/kryptobaseddev/cleo/internal/domain"
)

// Wave is a maximal set of mutually independent tasks. Tasks in one
// wave may be dispatched to different agents simultaneously.
type Wave struct {
	Index int      `json:"index"`
	Tasks []string `json:"tasks"`
}

// WaveResult is the full layering. Unplaceable holds tasks that could
// not be assigned a wave (members of a dependency cycle).
type WaveResult struct {
	Waves        []Wave   `json:"waves"`
	Unplaceable  []string `json:"unplaceable,omitempty"`
	OrphanedDeps []Defect `json:"orphaned_deps,omitempty"`
}

// Defect reports a dependency reference that does not resolve.
type Defect struct {
	TaskID    string `json:"task_id"`
	DependsOn string `json:"depends_on"`
}

// Waves peels the ready frontier repeatedly (Kahn layering): wave 0 is
// every task with no unmet dependencies, wave k every task whose
// dependencies all sit in waves < k. Every acyclic task lands in
// exactly one wave.
func (s *Snapshot) Waves() WaveResult {
	indegree := map[string]int{}
	for _, id := range s.ids() {
		indegree[id] = len(s.deps(id))
	}

	var res WaveResult
	frontier := make([]string, 0)
	for _, id := range s.ids() {
		if indegree[id] == 0 {
			frontier = append(frontier, id)
		}
	}
	placed := 0
	for len(frontier) > 0 {
		sort.Strings(frontier)
		res.Waves = append(res.Waves, Wave{Index: len(res.Waves), Tasks: frontier})
		placed += len(frontier)
		var next []string
		for _, id := range frontier {
			for _, dep := range s.Dependents[id] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		frontier = next
	}
	if placed < len(s.ids()) {
		for _, id := range s.ids() {
			if indegree[id] > 0 {
				res.Unplaceable = append(res.Unplaceable, id)
			}
		}
		sort.Strings(res.Unplaceable)
	}
	res.OrphanedDeps = s.orphanDefects()
	return res
}

func (s *Snapshot) orphanDefects() []Defect {
	var out []Defect
	for _, id := range s.ids() {
		for _, dep := range s.Orphans[id] {
			out = append(out, Defect{TaskID: id, DependsOn: dep})
		}
	}
	return out
}

// PathNode annotates one node on the critical path.
type PathNode struct {
	ID       string            `json:"id"`
	Title    string            `json:"title"`
	Status   domain.TaskStatus `json:"status"`
	Size     domain.TaskSize   `json:"size,omitempty"`
	Blockers int               `json:"blockers"`
}

// CriticalPath is the longest dependency chain; its length lower-bounds
// total completion time.
type CriticalPath struct {
	Length          int        `json:"length"`
	CompletedInPath int        `json:"completed_in_path"`
	Nodes           []PathNode `json:"nodes"`
}

// CriticalPathResult computes the longest chain via dynamic programming
// over a topological order. An empty graph yields a zero-length path; a
// cyclic graph yields only the acyclic portion reachable in topo order.
func (s *Snapshot) CriticalPathResult() CriticalPath {
	order := s.topoOrder()
	longest := map[string]int{} // chain length ending at id, inclusive
	prev := map[string]string{}
	best := ""
	for _, id := range order {
		longest[id] = 1
		for _, d := range s.deps(id) {
			if l, ok := longest[d]; ok && l+1 > longest[id] {
				longest[id] = l + 1
				prev[id] = d
			}
		}
		if best == "" || longest[id] > longest[best] {
			best = id
		}
	}
	var cp CriticalPath
	if best == "" {
		return cp
	}
	// walk back from the chain tail
	var chain []string
	for cur := best; ; {
		chain = append(chain, cur)
		p, ok := prev[cur]
		if !ok {
			break
		}
		cur = p
	}
	// reverse into dependency order
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	cp.Length = len(chain)
	for _, id := range chain {
		t := s.Tasks[id]
		if t.Status == domain.StatusDone {
			cp.CompletedInPath++
		}
		cp.Nodes = append(cp.Nodes, PathNode{
			ID:       t.ID,
			Title:    t.Title,
			Status:   t.Status,
			Size:     t.Size,
			Blockers: s.unmetDepCount(id),
		})
	}
	return cp
}

// topoOrder returns tasks in dependency order (dependencies first).
// Tasks on a cycle are omitted.
func (s *Snapshot) topoOrder() []string {
	indegree := map[string]int{}
	for _, id := range s.ids() {
		indegree[id] = len(s.deps(id))
	}
	var queue []string
	for _, id := range s.ids() {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)
	var order []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		var ready []string
		for _, dep := range s.Dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
		sort.Strings(ready)
		queue = append(queue, ready...)
	}
	return order
}

func (s *Snapshot) unmetDepCount(id string) int {
	n := 0
	for _, d := range s.deps(id) {
		if !s.Tasks[d].Status.Terminal() {
			n++
		}
	}
	return n
}

// SingleBlocker is a task one completion away from becoming ready.
type SingleBlocker struct {
	TaskID  string `json:"task_id"`
	Blocker string `json:"blocker"`
}

// Impact ranks a task by how many other tasks its completion would
// transitively unlock.
type Impact struct {
	TaskID  string `json:"task_id"`
	Unlocks int    `json:"unlocks"`
}

// Opportunities groups both unblock views.
type Opportunities struct {
	SingleBlockers []SingleBlocker `json:"single_blockers,omitempty"`
	HighImpact     []Impact        `json:"high_impact,omitempty"`
}

// UnblockOpportunities finds tasks with exactly one remaining unmet
// dependency, and ranks unfinished tasks by transitive unlock count
// descending with ties broken by higher priority then earlier creation.
func (s *Snapshot) UnblockOpportunities() Opportunities {
	var opp Opportunities
	for _, id := range s.ids() {
		t := s.Tasks[id]
		if t.Archived || t.Status.Terminal() {
			continue
		}
		var unmet []string
		for _, d := range s.deps(id) {
			if !s.Tasks[d].Status.Terminal() {
				unmet = append(unmet, d)
			}
		}
		if len(unmet) == 1 {
			opp.SingleBlockers = append(opp.SingleBlockers, SingleBlocker{TaskID: id, Blocker: unmet[0]})
		}
	}

	for _, id := range s.ids() {
		t := s.Tasks[id]
		if t.Archived || t.Status.Terminal() {
			continue
		}
		n := s.transitiveUnlocks(id)
		if n > 0 {
			opp.HighImpact = append(opp.HighImpact, Impact{TaskID: id, Unlocks: n})
		}
	}
	sort.SliceStable(opp.HighImpact, func(i, j int) bool {
		a, b := opp.HighImpact[i], opp.HighImpact[j]
		if a.Unlocks != b.Unlocks {
			return a.Unlocks > b.Unlocks
		}
		ta, tb := s.Tasks[a.TaskID], s.Tasks[b.TaskID]
		if ta.Priority != tb.Priority {
			return ta.Priority > tb.Priority
		}
		return ta.CreatedAt < tb.CreatedAt
	})
	sort.SliceStable(opp.SingleBlockers, func(i, j int) bool {
		return opp.SingleBlockers[i].TaskID < opp.SingleBlockers[j].TaskID
	})
	return opp
}

// transitiveUnlocks counts distinct unfinished tasks downstream of id.
func (s *Snapshot) transitiveUnlocks(id string) int {
	seen := map[string]bool{}
	queue := append([]string{}, s.Dependents[id]...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		queue = append(queue, s.Dependents[cur]...)
	}
	n := 0
	for t := range seen {
		if !s.Tasks[t].Status.Terminal() {
			n++
		}
	}
	return n
}
