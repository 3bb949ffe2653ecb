package domain

// TaskStatus is the closed set of task states.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusActive    TaskStatus = "active"
	StatusBlocked   TaskStatus = "blocked"
	StatusDone      TaskStatus = "done"
	StatusCancelled TaskStatus = "cancelled"
)

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusBlocked, StatusDone, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether a task in this status counts as finished.
// Cancelled tasks satisfy dependencies the same way done tasks do.
func (s TaskStatus) Terminal() bool {
	return s == StatusDone || s == StatusCancelled
}

type TaskType string

const (
	TypeEpic    TaskType = "epic"
	TypeTask    TaskType = "task"
	TypeSubtask TaskType = "subtask"
)

func (t TaskType) Valid() bool {
	switch t {
	case TypeEpic, TypeTask, TypeSubtask, "":
		return true
	}
	return false
}

type TaskSize string

const (
	SizeSmall  TaskSize = "small"
	SizeMedium TaskSize = "medium"
	SizeLarge  TaskSize = "large"
)

func (s TaskSize) Valid() bool {
	switch s {
	case SizeSmall, SizeMedium, SizeLarge, "":
		return true
	}
	return false
}

// Task is a unit of work. IDs are stable strings of the form T<int>.
type Task struct {
	ID            string     `json:"id"`
	ProjectID     string     `json:"project_id"`
	ParentID      *string    `json:"parent_id,omitempty"`
	Type          TaskType   `json:"type,omitempty" enum:"epic,task,subtask"`
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	Status        TaskStatus `json:"status" enum:"pending,active,blocked,done,cancelled"`
	BlockedReason string     `json:"blocked_reason,omitempty"`
	Priority      int        `json:"priority,omitempty"`
	Size          TaskSize   `json:"size,omitempty" enum:"small,medium,large"`
	Depends       []string   `json:"depends,omitempty"`
	Archived      bool       `json:"archived,omitempty"`
	CreatedAt     string     `json:"created_at" format:"date-time"`
	UpdatedAt     string     `json:"updated_at" format:"date-time"`
	CompletedAt   *string    `json:"completed_at,omitempty" format:"date-time"`
}

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionSuspended SessionStatus = "suspended"
	SessionEnded     SessionStatus = "ended"
	SessionArchived  SessionStatus = "archived"
)

func (s SessionStatus) Valid() bool {
	switch s {
	case SessionActive, SessionSuspended, SessionEnded, SessionArchived:
		return true
	}
	return false
}

type ScopeType string

const (
	ScopeEpic    ScopeType = "epic"
	ScopeSubtree ScopeType = "subtree"
	ScopeTask    ScopeType = "task"
	ScopeCustom  ScopeType = "custom"
)

func (s ScopeType) Valid() bool {
	switch s {
	case ScopeEpic, ScopeSubtree, ScopeTask, ScopeCustom:
		return true
	}
	return false
}

// Scope is the set of tasks a session may claim focus within.
// Members is the computed closure; for custom scopes it is the
// caller-supplied member list and RootID may be empty.
type Scope struct {
	Type    ScopeType `json:"type" enum:"epic,subtree,task,custom"`
	RootID  string    `json:"root_id,omitempty"`
	Members []string  `json:"members,omitempty"`
}

// Focus is the task a session is currently claiming.
type Focus struct {
	TaskID     string `json:"task_id,omitempty"`
	Note       string `json:"note,omitempty"`
	NextAction string `json:"next_action,omitempty"`
}

// Session binds an agent's work to a scope. At most one active session
// may hold an overlapping scope.
type Session struct {
	ID         string        `json:"id"`
	ProjectID  string        `json:"project_id"`
	Name       string        `json:"name,omitempty"`
	Status     SessionStatus `json:"status" enum:"active,suspended,ended,archived"`
	Scope      Scope         `json:"scope"`
	Focus      Focus         `json:"focus"`
	TasksDone  int           `json:"tasks_done"`
	FocusMoves int           `json:"focus_moves"`
	CreatedAt  string        `json:"created_at" format:"date-time"`
	UpdatedAt  string        `json:"updated_at" format:"date-time"`
	EndedAt    *string       `json:"ended_at,omitempty" format:"date-time"`
	EndNote    string        `json:"end_note,omitempty"`
}

type Stage string

const (
	StageResearch       Stage = "research"
	StageConsensus      Stage = "consensus"
	StageSpecification  Stage = "specification"
	StageDecomposition  Stage = "decomposition"
	StageImplementation Stage = "implementation"
	StageRelease        Stage = "release"
)

func (s Stage) Valid() bool {
	switch s {
	case StageResearch, StageConsensus, StageSpecification, StageDecomposition, StageImplementation, StageRelease:
		return true
	}
	return false
}

type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageCompleted StageStatus = "completed"
	StageSkipped   StageStatus = "skipped"
)

func (s StageStatus) Valid() bool {
	switch s {
	case StagePending, StageCompleted, StageSkipped:
		return true
	}
	return false
}

// Satisfied reports whether the stage no longer blocks its successors.
func (s StageStatus) Satisfied() bool {
	return s == StageCompleted || s == StageSkipped
}

// GateState records one stage's progress for one epic.
type GateState struct {
	EpicID    string      `json:"epic_id"`
	Stage     Stage       `json:"stage"`
	Status    StageStatus `json:"status" enum:"pending,completed,skipped"`
	ActorID   string      `json:"actor_id,omitempty"`
	UpdatedAt string      `json:"updated_at" format:"date-time"`
}

type ManifestStatus string

const (
	ManifestComplete ManifestStatus = "complete"
	ManifestPartial  ManifestStatus = "partial"
	ManifestBlocked  ManifestStatus = "blocked"
)

func (s ManifestStatus) Valid() bool {
	switch s {
	case ManifestComplete, ManifestPartial, ManifestBlocked:
		return true
	}
	return false
}

// ManifestEntry is the artifact an agent must produce to prove a
// dispatched unit of work completed. Immutable once accepted.
type ManifestEntry struct {
	ID            string         `json:"id"`
	ProjectID     string         `json:"project_id"`
	TaskID        string         `json:"task_id"`
	File          string         `json:"file"`
	Title         string         `json:"title"`
	Date          string         `json:"date" format:"date-time"`
	Status        ManifestStatus `json:"status" enum:"complete,partial,blocked"`
	Topics        []string       `json:"topics"`
	KeyFindings   []string       `json:"key_findings"`
	Actionable    bool           `json:"actionable"`
	NeedsFollowup []string       `json:"needs_followup,omitempty"`
	LinkedTasks   []string       `json:"linked_tasks,omitempty"`
	BlockerNote   string         `json:"blocker_note,omitempty"`
	ProtocolType  string         `json:"protocol_type,omitempty"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
}

// Decision is a write-once audit record of a choice made during a session.
type Decision struct {
	ID           string   `json:"id"`
	ProjectID    string   `json:"project_id"`
	SessionID    string   `json:"session_id,omitempty"`
	TaskID       string   `json:"task_id,omitempty"`
	Rationale    string   `json:"rationale"`
	Alternatives []string `json:"alternatives,omitempty"`
	ActorID      string   `json:"actor_id"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
}

// Assumption is a write-once audit record; Confidence is one of
// low, medium, high.
type Assumption struct {
	ID         string `json:"id"`
	ProjectID  string `json:"project_id"`
	SessionID  string `json:"session_id,omitempty"`
	TaskID     string `json:"task_id,omitempty"`
	Text       string `json:"text"`
	Confidence string `json:"confidence" enum:"low,medium,high"`
	ActorID    string `json:"actor_id"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type Project struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Event is one entry in the append-only audit log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
