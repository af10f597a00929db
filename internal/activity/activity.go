// Package activity is the append-only audit record of state-changing
// actions. Entries are written inside the workflow operation's transaction
// so they commit or roll back with the state change they describe; they
// are never updated or deleted individually, only bulk-removed when an
// event is archived.
package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"huntboard/internal/domain"
)

// Entry type tags.
const (
	TypeNodeCompleted    = "node-completed"
	TypeSubmissionAdded  = "submission-added"
	TypeSubmissionDenied = "submission-denied"
	TypeInnPurchase      = "inn-purchase"
	TypeTeamCreated      = "team-created"
	TypeNodesImported    = "nodes-imported"
	TypeEventStatus      = "event-status"
	TypeMapRegenerated   = "map-regenerated"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Payload map[string]any

// Append inserts one entry inside the caller's transaction. Failures are
// surfaced, not retried; the caller's transaction boundary decides.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, entryType, eventID, teamID string, payload Payload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal activity payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO activity(event_id,team_id,type,payload_json,ts) VALUES (?,?,?,?,?)`,
		eventID, nullable(teamID), entryType, string(data), ts)
	return err
}

type Filters struct {
	TeamID   string
	Type     string
	Limit    int
	CursorID int64
	Desc     bool
}

// Query returns entries for an event, chronological by default. Cursor on
// the row id makes the sequence restartable.
func (w Writer) Query(ctx context.Context, eventID string, f Filters) ([]domain.ActivityEntry, error) {
	clauses := []string{"event_id=?"}
	args := []any{eventID}
	if f.TeamID != "" {
		clauses = append(clauses, "team_id=?")
		args = append(args, f.TeamID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	order := "ASC"
	if f.Desc {
		order = "DESC"
	}
	if f.CursorID > 0 {
		if f.Desc {
			clauses = append(clauses, "id<?")
		} else {
			clauses = append(clauses, "id>?")
		}
		args = append(args, f.CursorID)
	}
	query := `SELECT id,event_id,team_id,type,payload_json,ts FROM activity WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id ` + order
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := w.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActivityEntry
	for rows.Next() {
		var e domain.ActivityEntry
		var teamID sql.NullString
		if err := rows.Scan(&e.ID, &e.EventID, &teamID, &e.Type, &e.Payload, &e.TS); err != nil {
			return nil, err
		}
		if teamID.Valid {
			e.TeamID = teamID.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
