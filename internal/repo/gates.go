package repo

import (
	"context"
	"database/sql"

	"github.com/kryptobaseddev/cleo/internal/domain"
)

func (r Repo) UpsertGateState(ctx context.Context, tx *sql.Tx, g domain.GateState) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO gate_states(epic_id,stage,status,actor_id,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(epic_id,stage) DO UPDATE SET status=excluded.status, actor_id=excluded.actor_id, updated_at=excluded.updated_at`,
		g.EpicID, string(g.Stage), string(g.Status), nullable(g.ActorID), g.UpdatedAt)
	return err
}

func (r Repo) GetGateState(ctx context.Context, epicID string, stage domain.Stage) (domain.GateState, error) {
	var g domain.GateState
	var actor sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT epic_id,stage,status,actor_id,updated_at FROM gate_states WHERE epic_id=? AND stage=?`,
		epicID, string(stage)).Scan(&g.EpicID, (*string)(&g.Stage), (*string)(&g.Status), &actor, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	if actor.Valid {
		g.ActorID = actor.String
	}
	return g, err
}

// ListGateStates returns the recorded stage states for an epic.
// Unrecorded stages are implicitly pending.
func (r Repo) ListGateStates(ctx context.Context, epicID string) ([]domain.GateState, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT epic_id,stage,status,actor_id,updated_at FROM gate_states WHERE epic_id=? ORDER BY stage`, epicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GateState
	for rows.Next() {
		var g domain.GateState
		var actor sql.NullString
		if err := rows.Scan(&g.EpicID, (*string)(&g.Stage), (*string)(&g.Status), &actor, &g.UpdatedAt); err != nil {
			return nil, err
		}
		if actor.Valid {
			g.ActorID = actor.String
		}
		res = append(res, g)
	}
	return res, rows.Err()
}
