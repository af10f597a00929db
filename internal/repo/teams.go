package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"huntboard/internal/domain"
)

func (r Repo) InsertTeam(ctx context.Context, tx *sql.Tx, t domain.Team) error {
	var membersJSON any
	if len(t.Members) > 0 {
		data, err := json.Marshal(t.Members)
		if err != nil {
			return fmt.Errorf("marshal members: %w", err)
		}
		membersJSON = string(data)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO teams(id,event_id,name,members_json,pot,created_at) VALUES (?,?,?,?,?,?)`,
		t.ID, t.EventID, t.Name, membersJSON, t.Pot, t.CreatedAt)
	return err
}

func scanTeam(scan func(dest ...any) error) (domain.Team, error) {
	var t domain.Team
	var members sql.NullString
	err := scan(&t.ID, &t.EventID, &t.Name, &members, &t.Pot, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if members.Valid && members.String != "" {
		if err := json.Unmarshal([]byte(members.String), &t.Members); err != nil {
			return t, fmt.Errorf("team %s members: %w", t.ID, err)
		}
	}
	return t, nil
}

const teamCols = `id,event_id,name,members_json,pot,created_at`

func (r Repo) GetTeam(ctx context.Context, id string) (domain.Team, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+teamCols+` FROM teams WHERE id=?`, id)
	return scanTeam(row.Scan)
}

func (r Repo) ListTeams(ctx context.Context, eventID string) ([]domain.Team, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+teamCols+` FROM teams WHERE event_id=? ORDER BY created_at, id`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Team
	for rows.Next() {
		t, err := scanTeam(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) UpdateTeamPot(ctx context.Context, tx *sql.Tx, teamID string, pot int) error {
	_, err := tx.ExecContext(ctx, `UPDATE teams SET pot=? WHERE id=?`, pot, teamID)
	return err
}

// SetProgress records a node as available or completed for a team,
// replacing any previous state for that node.
func (r Repo) SetProgress(ctx context.Context, tx *sql.Tx, teamID, nodeID, status, ts string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO team_progress(team_id,node_id,status,updated_at) VALUES (?,?,?,?)
ON CONFLICT(team_id,node_id) DO UPDATE SET status=excluded.status, updated_at=excluded.updated_at`, teamID, nodeID, status, ts)
	return err
}

func (r Repo) DeleteProgress(ctx context.Context, tx *sql.Tx, teamID, nodeID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM team_progress WHERE team_id=? AND node_id=?`, teamID, nodeID)
	return err
}

func (r Repo) listProgress(ctx context.Context, q queryer, teamID, status string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT node_id FROM team_progress WHERE team_id=? AND status=? ORDER BY node_id`, teamID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (r Repo) UpsertKey(ctx context.Context, tx *sql.Tx, teamID, keyType string, qty int) error {
	if qty <= 0 {
		_, err := tx.ExecContext(ctx, `DELETE FROM team_keys WHERE team_id=? AND key_type=?`, teamID, keyType)
		return err
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO team_keys(team_id,key_type,qty) VALUES (?,?,?)
ON CONFLICT(team_id,key_type) DO UPDATE SET qty=excluded.qty`, teamID, keyType, qty)
	return err
}

func (r Repo) InsertBuff(ctx context.Context, tx *sql.Tx, b domain.Buff) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO team_buffs(id,team_id,kind,magnitude,granted_at,expires_at) VALUES (?,?,?,?,?,?)`,
		b.ID, b.TeamID, b.Kind, b.Magnitude, b.GrantedAt, nullableStringPtr(b.ExpiresAt))
	return err
}

func (r Repo) DeleteBuff(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM team_buffs WHERE id=?`, id)
	return err
}

func (r Repo) InsertBuffUse(ctx context.Context, tx *sql.Tx, teamID, kind, action, ts string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO buff_uses(team_id,kind,action,ts) VALUES (?,?,?,?)`, teamID, kind, action, ts)
	return err
}

func (r Repo) ListBuffUses(ctx context.Context, teamID string) ([]domain.BuffUse, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,team_id,kind,action,ts FROM buff_uses WHERE team_id=? ORDER BY id`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BuffUse
	for rows.Next() {
		var u domain.BuffUse
		if err := rows.Scan(&u.ID, &u.TeamID, &u.Kind, &u.Action, &u.TS); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) InsertPurchase(ctx context.Context, tx *sql.Tx, p domain.InnPurchase) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO inn_purchases(id,team_id,node_id,offer_index,cost_json,reward_json,created_at) VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.TeamID, p.NodeID, p.OfferIndex, nullable(p.CostJSON), nullable(p.RewardJSON), p.CreatedAt)
	return err
}

func (r Repo) UpsertNote(ctx context.Context, tx *sql.Tx, teamID, nodeID, note, ts string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO team_notes(team_id,node_id,note,updated_at) VALUES (?,?,?,?)
ON CONFLICT(team_id,node_id) DO UPDATE SET note=excluded.note, updated_at=excluded.updated_at`, teamID, nodeID, note, ts)
	return err
}

// GetTeamState assembles the full team aggregate: sets, keys, buffs,
// purchases and notes.
func (r Repo) GetTeamState(ctx context.Context, teamID string) (domain.TeamState, error) {
	return r.getTeamState(ctx, r.DB, teamID)
}

// GetTeamStateTx is GetTeamState inside a transaction, used by workflow
// operations so the read and the mutation share one critical section.
func (r Repo) GetTeamStateTx(ctx context.Context, tx *sql.Tx, teamID string) (domain.TeamState, error) {
	return r.getTeamState(ctx, tx, teamID)
}

type dbtx interface {
	queryer
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) getTeamState(ctx context.Context, q dbtx, teamID string) (domain.TeamState, error) {
	var ts domain.TeamState
	team, err := scanTeam(q.QueryRowContext(ctx, `SELECT `+teamCols+` FROM teams WHERE id=?`, teamID).Scan)
	if err != nil {
		return ts, err
	}
	ts.Team = team
	if ts.Completed, err = r.listProgress(ctx, q, teamID, domain.ProgressCompleted); err != nil {
		return ts, err
	}
	if ts.Available, err = r.listProgress(ctx, q, teamID, domain.ProgressAvailable); err != nil {
		return ts, err
	}

	rows, err := q.QueryContext(ctx, `SELECT key_type,qty FROM team_keys WHERE team_id=?`, teamID)
	if err != nil {
		return ts, err
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var qty int
		if err := rows.Scan(&kind, &qty); err != nil {
			return ts, err
		}
		if ts.Keys == nil {
			ts.Keys = make(map[string]int)
		}
		ts.Keys[kind] = qty
	}
	if err := rows.Err(); err != nil {
		return ts, err
	}

	buffRows, err := q.QueryContext(ctx, `SELECT id,team_id,kind,magnitude,granted_at,expires_at FROM team_buffs WHERE team_id=? ORDER BY granted_at, id`, teamID)
	if err != nil {
		return ts, err
	}
	defer buffRows.Close()
	for buffRows.Next() {
		var b domain.Buff
		var expires sql.NullString
		if err := buffRows.Scan(&b.ID, &b.TeamID, &b.Kind, &b.Magnitude, &b.GrantedAt, &expires); err != nil {
			return ts, err
		}
		if expires.Valid {
			b.ExpiresAt = &expires.String
		}
		ts.Buffs = append(ts.Buffs, b)
	}
	if err := buffRows.Err(); err != nil {
		return ts, err
	}

	purchaseRows, err := q.QueryContext(ctx, `SELECT id,team_id,node_id,offer_index,cost_json,reward_json,created_at FROM inn_purchases WHERE team_id=? ORDER BY created_at, id`, teamID)
	if err != nil {
		return ts, err
	}
	defer purchaseRows.Close()
	for purchaseRows.Next() {
		var p domain.InnPurchase
		var cost, reward sql.NullString
		if err := purchaseRows.Scan(&p.ID, &p.TeamID, &p.NodeID, &p.OfferIndex, &cost, &reward, &p.CreatedAt); err != nil {
			return ts, err
		}
		if cost.Valid {
			p.CostJSON = cost.String
		}
		if reward.Valid {
			p.RewardJSON = reward.String
		}
		ts.Purchases = append(ts.Purchases, p)
	}
	if err := purchaseRows.Err(); err != nil {
		return ts, err
	}

	noteRows, err := q.QueryContext(ctx, `SELECT node_id,note FROM team_notes WHERE team_id=?`, teamID)
	if err != nil {
		return ts, err
	}
	defer noteRows.Close()
	for noteRows.Next() {
		var nodeID, note string
		if err := noteRows.Scan(&nodeID, &note); err != nil {
			return ts, err
		}
		if ts.Notes == nil {
			ts.Notes = make(map[string]string)
		}
		ts.Notes[nodeID] = note
	}
	return ts, noteRows.Err()
}
