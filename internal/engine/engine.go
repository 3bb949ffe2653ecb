// Package engine wires the coordination core to storage: every
// mutation runs in one transaction with invariants re-validated
// against current state, an optimistic fingerprint check, and an
// audit event appended before commit.
package engine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kryptobaseddev/cleo/internal/cleoerr"
	"github.com/kryptobaseddev/cleo/internal/config"
	"github.com/kryptobaseddev/cleo/internal/domain"
	"github.com/kryptobaseddev/cleo/internal/events"
	"github.com/kryptobaseddev/cleo/internal/graph"
	"github.com/kryptobaseddev/cleo/internal/hierarchy"
	"github.com/kryptobaseddev/cleo/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// InitProject initializes a new project with migrations already run.
func (e Engine) InitProject(ctx context.Context, projectID, description, actorID string) (domain.Project, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p := domain.Project{
		ID:          projectID,
		Kind:        "agent-project",
		Status:      "active",
		Description: description,
		CreatedAt:   e.nowStr(),
	}
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, config.Default(p.ID)); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "project.init", p.ID, "project", p.ID, actorID, events.EventPayload{"status": p.Status}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// Snapshot loads the full task set of a project into a graph read
// model. Reads are lock-free; writes re-check at commit time.
func (e Engine) Snapshot(ctx context.Context, projectID string) (*graph.Snapshot, error) {
	tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: projectID})
	if err != nil {
		return nil, err
	}
	return graph.Build(tasks), nil
}

// snapshotWithArchived includes archived tasks so dependency targets
// stay resolvable.
func (e Engine) snapshotWithArchived(ctx context.Context, projectID string) (*graph.Snapshot, error) {
	tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: projectID, IncludeArchived: true})
	if err != nil {
		return nil, err
	}
	return graph.Build(tasks), nil
}

// Fingerprint is the optimistic-concurrency content hash of a task
// record. Callers capture it before editing and pass it back via
// IfFingerprint; a mismatch means someone else committed in between.
func Fingerprint(t domain.Task) string {
	parent := ""
	if t.ParentID != nil {
		parent = *t.ParentID
	}
	completed := ""
	if t.CompletedAt != nil {
		completed = *t.CompletedAt
	}
	payload := strings.Join([]string{
		t.ID, string(t.Status), t.Title, parent, strings.Join(t.Depends, ","),
		t.BlockedReason, fmt.Sprint(t.Priority), t.UpdatedAt, completed, fmt.Sprint(t.Archived),
	}, "|")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:8])
}

func checkFingerprint(t domain.Task, expected string) error {
	if expected == "" {
		return nil
	}
	if got := Fingerprint(t); got != expected {
		return cleoerr.Newf(cleoerr.CodeFingerprintMismatch, "task %s changed since it was read", t.ID).
			WithDetail("expected", expected).
			WithDetail("current", got).
			WithRemediation("re-read the task and retry with the current fingerprint")
	}
	return nil
}

// policy resolves the active hierarchy policy from config.
func (e Engine) policy() (hierarchy.Policy, error) {
	if e.Config == nil {
		return hierarchy.Policy{}, errors.New("config not loaded")
	}
	return hierarchy.Resolve(e.Config.Hierarchy.Profile, e.Config.Hierarchy.Overrides)
}

// epicOf walks the parent chain to the root ancestor.
func epicOf(s *graph.Snapshot, taskID string) string {
	seen := map[string]bool{}
	cur := taskID
	for {
		if seen[cur] {
			return cur
		}
		seen[cur] = true
		t, ok := s.Tasks[cur]
		if !ok || t.ParentID == nil {
			return cur
		}
		cur = *t.ParentID
	}
}

func notFound(kind, id string) error {
	return cleoerr.Newf(cleoerr.CodeNotFound, "%s %s not found", kind, id).
		WithRemediation(fmt.Sprintf("check the %s id or list existing ones", kind))
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
