package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"huntboard/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrStoreUnavailable marks transient storage contention. Callers may
// retry; the transport maps it to 503 so clients back off.
var ErrStoreUnavailable = errors.New("store unavailable")

// Unavailable reports whether err is worth retrying later. sqlite busy
// errors past the busy_timeout surface here.
func Unavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}

func (r Repo) InsertEvent(ctx context.Context, tx *sql.Tx, e domain.Event) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO events(id,name,status,starts_at,ends_at,config_json,derived_json,map_generated_at,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		e.ID, e.Name, e.Status, e.StartsAt, e.EndsAt, nullable(e.ConfigJSON), nullableStringPtr(e.DerivedJSON), nullableStringPtr(e.MapGeneratedAt), e.CreatedAt)
	return err
}

func scanEvent(scan func(dest ...any) error) (domain.Event, error) {
	var e domain.Event
	var cfg, derived, mapGen sql.NullString
	err := scan(&e.ID, &e.Name, &e.Status, &e.StartsAt, &e.EndsAt, &cfg, &derived, &mapGen, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if cfg.Valid {
		e.ConfigJSON = cfg.String
	}
	if derived.Valid {
		e.DerivedJSON = &derived.String
	}
	if mapGen.Valid {
		e.MapGeneratedAt = &mapGen.String
	}
	return e, nil
}

const eventCols = `id,name,status,starts_at,ends_at,config_json,derived_json,map_generated_at,created_at`

func (r Repo) GetEvent(ctx context.Context, id string) (domain.Event, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+eventCols+` FROM events WHERE id=?`, id)
	return scanEvent(row.Scan)
}

func (r Repo) GetEventTx(ctx context.Context, tx *sql.Tx, id string) (domain.Event, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+eventCols+` FROM events WHERE id=?`, id)
	return scanEvent(row.Scan)
}

func (r Repo) ListEvents(ctx context.Context) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventCols+` FROM events ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) UpdateEventStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE events SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetEventDerived(ctx context.Context, tx *sql.Tx, id string, derived domain.Derived) error {
	data, err := json.Marshal(derived)
	if err != nil {
		return fmt.Errorf("marshal derived values: %w", err)
	}
	_, err = tx.ExecContext(ctx, `UPDATE events SET derived_json=? WHERE id=?`, string(data), id)
	return err
}

func (r Repo) SetMapGeneratedAt(ctx context.Context, tx *sql.Tx, id, ts string) error {
	_, err := tx.ExecContext(ctx, `UPDATE events SET map_generated_at=? WHERE id=?`, ts, id)
	return err
}

// DeleteEvent removes an event. Nodes, teams, submissions and their
// bookkeeping cascade through foreign keys; activity has no FK and is
// cleared explicitly so archival is the single bulk-delete path.
func (r Repo) DeleteEvent(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM activity WHERE event_id=?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM events WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceNodes swaps the whole node set of an event. Edits are never
// applied in place; callers re-derive the graph and call this.
func (r Repo) ReplaceNodes(ctx context.Context, tx *sql.Tx, eventID string, nodes []domain.Node) error {
	for _, table := range []string{"node_prereqs", "node_unlocks", "node_paths", "nodes"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE event_id=?`, eventID); err != nil {
			return err
		}
	}
	for _, n := range nodes {
		rewardJSON, err := json.Marshal(n.Reward)
		if err != nil {
			return fmt.Errorf("marshal reward for node %s: %w", n.ID, err)
		}
		var catalogJSON any
		if len(n.Catalog) > 0 {
			data, err := json.Marshal(n.Catalog)
			if err != nil {
				return fmt.Errorf("marshal catalog for node %s: %w", n.ID, err)
			}
			catalogJSON = string(data)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO nodes(id,event_id,kind,title,description,x,y,objective,reward_json,tier,inn_tier,catalog_json) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
			n.ID, eventID, n.Kind, n.Title, nullable(n.Description), n.X, n.Y, nullable(n.Objective), string(rewardJSON), n.Tier, nullableIntPtr(n.InnTier), catalogJSON); err != nil {
			return fmt.Errorf("insert node %s: %w", n.ID, err)
		}
		for _, p := range n.Prereqs {
			if _, err := tx.ExecContext(ctx, `INSERT INTO node_prereqs(event_id,node_id,prereq_node_id) VALUES (?,?,?)`, eventID, n.ID, p); err != nil {
				return err
			}
		}
		for _, u := range n.Unlocks {
			if _, err := tx.ExecContext(ctx, `INSERT INTO node_unlocks(event_id,node_id,unlocks_node_id) VALUES (?,?,?)`, eventID, n.ID, u); err != nil {
				return err
			}
		}
		for _, pe := range n.Paths {
			if _, err := tx.ExecContext(ctx, `INSERT INTO node_paths(event_id,node_id,peer_node_id) VALUES (?,?,?)`, eventID, n.ID, pe); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r Repo) UpdateNodeCoords(ctx context.Context, tx *sql.Tx, eventID, nodeID string, x, y int) error {
	_, err := tx.ExecContext(ctx, `UPDATE nodes SET x=?, y=? WHERE event_id=? AND id=?`, x, y, eventID, nodeID)
	return err
}

func (r Repo) ListNodes(ctx context.Context, eventID string) ([]domain.Node, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,event_id,kind,title,description,x,y,objective,reward_json,tier,inn_tier,catalog_json FROM nodes WHERE event_id=? ORDER BY id`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Node
	for rows.Next() {
		var n domain.Node
		var description, objective, rewardJSON, catalogJSON sql.NullString
		var innTier sql.NullInt64
		if err := rows.Scan(&n.ID, &n.EventID, &n.Kind, &n.Title, &description, &n.X, &n.Y, &objective, &rewardJSON, &n.Tier, &innTier, &catalogJSON); err != nil {
			return nil, err
		}
		if description.Valid {
			n.Description = description.String
		}
		if objective.Valid {
			n.Objective = objective.String
		}
		if rewardJSON.Valid && rewardJSON.String != "" {
			if err := json.Unmarshal([]byte(rewardJSON.String), &n.Reward); err != nil {
				return nil, fmt.Errorf("node %s reward: %w", n.ID, err)
			}
		}
		if innTier.Valid {
			v := int(innTier.Int64)
			n.InnTier = &v
		}
		if catalogJSON.Valid && catalogJSON.String != "" {
			if err := json.Unmarshal([]byte(catalogJSON.String), &n.Catalog); err != nil {
				return nil, fmt.Errorf("node %s catalog: %w", n.ID, err)
			}
		}
		res = append(res, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		if res[i].Prereqs, err = r.listEdges(ctx, `SELECT prereq_node_id FROM node_prereqs WHERE event_id=? AND node_id=?`, eventID, res[i].ID); err != nil {
			return nil, err
		}
		if res[i].Unlocks, err = r.listEdges(ctx, `SELECT unlocks_node_id FROM node_unlocks WHERE event_id=? AND node_id=?`, eventID, res[i].ID); err != nil {
			return nil, err
		}
		if res[i].Paths, err = r.listEdges(ctx, `SELECT peer_node_id FROM node_paths WHERE event_id=? AND node_id=?`, eventID, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (r Repo) GetNode(ctx context.Context, eventID, nodeID string) (domain.Node, error) {
	nodes, err := r.ListNodes(ctx, eventID)
	if err != nil {
		return domain.Node{}, err
	}
	for _, n := range nodes {
		if n.ID == nodeID {
			return n, nil
		}
	}
	return domain.Node{}, ErrNotFound
}

func (r Repo) listEdges(ctx context.Context, query, eventID, nodeID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, query, eventID, nodeID)
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

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func joinClauses(clauses []string) string {
	if len(clauses) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(clauses, " AND ")
}
