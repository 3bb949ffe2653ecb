package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kryptobaseddev/cleo/internal/domain"
)

// Manifest entries, decisions and assumptions are append-only: there
// are insert and read operations only, no update or delete.

func (r Repo) InsertManifest(ctx context.Context, tx *sql.Tx, m domain.ManifestEntry) error {
	topics, err := json.Marshal(m.Topics)
	if err != nil {
		return err
	}
	findings, err := json.Marshal(m.KeyFindings)
	if err != nil {
		return err
	}
	followups, err := marshalOrNil(m.NeedsFollowup)
	if err != nil {
		return err
	}
	linked, err := marshalOrNil(m.LinkedTasks)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO manifests(id,project_id,task_id,file,title,date,status,topics_json,findings_json,actionable,followups_json,linked_json,blocker_note,protocol_type,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.ProjectID, m.TaskID, m.File, m.Title, m.Date, string(m.Status), string(topics), string(findings),
		boolInt(m.Actionable), followups, linked, nullable(m.BlockerNote), nullable(m.ProtocolType), m.CreatedAt)
	return err
}

func marshalOrNil(in []string) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

const manifestColumns = `id,project_id,task_id,file,title,date,status,topics_json,findings_json,actionable,followups_json,linked_json,blocker_note,protocol_type,created_at`

func scanManifest(row rowScanner) (domain.ManifestEntry, error) {
	var m domain.ManifestEntry
	var topics, findings string
	var followups, linked, blocker, protoType sql.NullString
	var actionable int
	err := row.Scan(&m.ID, &m.ProjectID, &m.TaskID, &m.File, &m.Title, &m.Date, (*string)(&m.Status),
		&topics, &findings, &actionable, &followups, &linked, &blocker, &protoType, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal([]byte(topics), &m.Topics); err != nil {
		return m, fmt.Errorf("manifest %s topics: %w", m.ID, err)
	}
	if err := json.Unmarshal([]byte(findings), &m.KeyFindings); err != nil {
		return m, fmt.Errorf("manifest %s findings: %w", m.ID, err)
	}
	if followups.Valid {
		_ = json.Unmarshal([]byte(followups.String), &m.NeedsFollowup)
	}
	if linked.Valid {
		_ = json.Unmarshal([]byte(linked.String), &m.LinkedTasks)
	}
	if blocker.Valid {
		m.BlockerNote = blocker.String
	}
	if protoType.Valid {
		m.ProtocolType = protoType.String
	}
	m.Actionable = actionable != 0
	return m, nil
}

func (r Repo) GetManifest(ctx context.Context, id string) (domain.ManifestEntry, error) {
	return scanManifest(r.DB.QueryRowContext(ctx, `SELECT `+manifestColumns+` FROM manifests WHERE id=?`, id))
}

type ManifestFilters struct {
	ProjectID string
	TaskID    string
	Status    string
	Limit     int
}

func (r Repo) ListManifests(ctx context.Context, f ManifestFilters) ([]domain.ManifestEntry, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + manifestColumns + ` FROM manifests ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ManifestEntry
	for rows.Next() {
		m, err := scanManifest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) InsertDecision(ctx context.Context, tx *sql.Tx, d domain.Decision) error {
	alts, err := marshalOrNil(d.Alternatives)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO decisions(id,project_id,session_id,task_id,rationale,alternatives_json,actor_id,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		d.ID, d.ProjectID, nullable(d.SessionID), nullable(d.TaskID), d.Rationale, alts, d.ActorID, d.CreatedAt)
	return err
}

func (r Repo) ListDecisions(ctx context.Context, projectID, taskID string, limit int) ([]domain.Decision, error) {
	clauses := []string{"project_id=?"}
	args := []any{projectID}
	if taskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, taskID)
	}
	query := `SELECT id,project_id,session_id,task_id,rationale,alternatives_json,actor_id,created_at FROM decisions WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Decision
	for rows.Next() {
		var d domain.Decision
		var sessionID, taskIDCol, alts sql.NullString
		if err := rows.Scan(&d.ID, &d.ProjectID, &sessionID, &taskIDCol, &d.Rationale, &alts, &d.ActorID, &d.CreatedAt); err != nil {
			return nil, err
		}
		if sessionID.Valid {
			d.SessionID = sessionID.String
		}
		if taskIDCol.Valid {
			d.TaskID = taskIDCol.String
		}
		if alts.Valid {
			_ = json.Unmarshal([]byte(alts.String), &d.Alternatives)
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) InsertAssumption(ctx context.Context, tx *sql.Tx, a domain.Assumption) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO assumptions(id,project_id,session_id,task_id,text,confidence,actor_id,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.ProjectID, nullable(a.SessionID), nullable(a.TaskID), a.Text, a.Confidence, a.ActorID, a.CreatedAt)
	return err
}

func (r Repo) ListAssumptions(ctx context.Context, projectID, taskID string, limit int) ([]domain.Assumption, error) {
	clauses := []string{"project_id=?"}
	args := []any{projectID}
	if taskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, taskID)
	}
	query := `SELECT id,project_id,session_id,task_id,text,confidence,actor_id,created_at FROM assumptions WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assumption
	for rows.Next() {
		var a domain.Assumption
		var sessionID, taskIDCol sql.NullString
		if err := rows.Scan(&a.ID, &a.ProjectID, &sessionID, &taskIDCol, &a.Text, &a.Confidence, &a.ActorID, &a.CreatedAt); err != nil {
			return nil, err
		}
		if sessionID.Valid {
			a.SessionID = sessionID.String
		}
		if taskIDCol.Valid {
			a.TaskID = taskIDCol.String
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// LatestEvents returns recent audit entries, newest first.
func (r Repo) LatestEvents(ctx context.Context, limit int, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,project_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var projID, entID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &projID, &e.EntityKind, &entID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if projID.Valid {
			e.ProjectID = projID.String
		}
		if entID.Valid {
			e.EntityID = entID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
