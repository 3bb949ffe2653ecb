package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/kryptobaseddev/cleo/internal/domain"
)

const sessionColumns = `id,project_id,name,status,scope_type,scope_root,scope_json,focus_task,focus_note,focus_next,tasks_done,focus_moves,created_at,updated_at,ended_at,end_note`

func (r Repo) InsertSession(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	scopeJSON, err := json.Marshal(s.Scope.Members)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO sessions(`+sessionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.ProjectID, nullable(s.Name), string(s.Status), string(s.Scope.Type), nullable(s.Scope.RootID), string(scopeJSON),
		nullable(s.Focus.TaskID), nullable(s.Focus.Note), nullable(s.Focus.NextAction),
		s.TasksDone, s.FocusMoves, s.CreatedAt, s.UpdatedAt, nullableStringPtr(s.EndedAt), nullable(s.EndNote))
	return err
}

func (r Repo) UpdateSession(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	scopeJSON, err := json.Marshal(s.Scope.Members)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE sessions SET name=?,status=?,scope_type=?,scope_root=?,scope_json=?,focus_task=?,focus_note=?,focus_next=?,tasks_done=?,focus_moves=?,updated_at=?,ended_at=?,end_note=? WHERE id=?`,
		nullable(s.Name), string(s.Status), string(s.Scope.Type), nullable(s.Scope.RootID), string(scopeJSON),
		nullable(s.Focus.TaskID), nullable(s.Focus.Note), nullable(s.Focus.NextAction),
		s.TasksDone, s.FocusMoves, s.UpdatedAt, nullableStringPtr(s.EndedAt), nullable(s.EndNote), s.ID)
	return err
}

func scanSession(row rowScanner) (domain.Session, error) {
	var s domain.Session
	var name, scopeRoot, scopeJSON, focusTask, focusNote, focusNext, endedAt, endNote sql.NullString
	err := row.Scan(&s.ID, &s.ProjectID, &name, (*string)(&s.Status), (*string)(&s.Scope.Type), &scopeRoot, &scopeJSON,
		&focusTask, &focusNote, &focusNext, &s.TasksDone, &s.FocusMoves, &s.CreatedAt, &s.UpdatedAt, &endedAt, &endNote)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if name.Valid {
		s.Name = name.String
	}
	if scopeRoot.Valid {
		s.Scope.RootID = scopeRoot.String
	}
	if scopeJSON.Valid && scopeJSON.String != "" {
		_ = json.Unmarshal([]byte(scopeJSON.String), &s.Scope.Members)
	}
	if focusTask.Valid {
		s.Focus.TaskID = focusTask.String
	}
	if focusNote.Valid {
		s.Focus.Note = focusNote.String
	}
	if focusNext.Valid {
		s.Focus.NextAction = focusNext.String
	}
	if endedAt.Valid {
		s.EndedAt = &endedAt.String
	}
	if endNote.Valid {
		s.EndNote = endNote.String
	}
	return s, nil
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	return scanSession(r.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=?`, id))
}

type SessionFilters struct {
	ProjectID string
	Status    string
}

func (r Repo) ListSessions(ctx context.Context, f SessionFilters) ([]domain.Session, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions `+where+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// SessionClaiming returns the active session currently focusing
// taskID, excluding exceptID. ErrNotFound when no one claims it.
func (r Repo) SessionClaiming(ctx context.Context, projectID, taskID, exceptID string) (domain.Session, error) {
	return scanSession(r.DB.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE project_id=? AND status='active' AND focus_task=? AND id!=? LIMIT 1`,
		projectID, taskID, exceptID))
}
