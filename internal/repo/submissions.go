package repo

import (
	"context"
	"database/sql"

	"huntboard/internal/domain"
)

const submissionCols = `id,event_id,team_id,node_id,submitter_id,submitter_name,channel_id,proof_url,status,reviewer_id,reason,submitted_at,reviewed_at`

func scanSubmission(scan func(dest ...any) error) (domain.Submission, error) {
	var s domain.Submission
	var name, channel, reviewer, reason, reviewedAt sql.NullString
	err := scan(&s.ID, &s.EventID, &s.TeamID, &s.NodeID, &s.SubmitterID, &name, &channel, &s.ProofURL, &s.Status, &reviewer, &reason, &s.SubmittedAt, &reviewedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if name.Valid {
		s.SubmitterName = name.String
	}
	if channel.Valid {
		s.ChannelID = channel.String
	}
	if reviewer.Valid {
		s.ReviewerID = &reviewer.String
	}
	if reason.Valid {
		s.Reason = &reason.String
	}
	if reviewedAt.Valid {
		s.ReviewedAt = &reviewedAt.String
	}
	return s, nil
}

func (r Repo) InsertSubmission(ctx context.Context, tx *sql.Tx, s domain.Submission) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO submissions(`+submissionCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.EventID, s.TeamID, s.NodeID, s.SubmitterID, nullable(s.SubmitterName), nullable(s.ChannelID),
		s.ProofURL, s.Status, nullableStringPtr(s.ReviewerID), nullableStringPtr(s.Reason), s.SubmittedAt, nullableStringPtr(s.ReviewedAt))
	return err
}

func (r Repo) GetSubmission(ctx context.Context, id string) (domain.Submission, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+submissionCols+` FROM submissions WHERE id=?`, id)
	return scanSubmission(row.Scan)
}

func (r Repo) GetSubmissionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Submission, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+submissionCols+` FROM submissions WHERE id=?`, id)
	return scanSubmission(row.Scan)
}

// PendingSubmission returns the open submission for a (team, node) pair,
// or ErrNotFound. At most one can exist; the partial unique index on the
// submissions table backstops that invariant.
func (r Repo) PendingSubmission(ctx context.Context, tx *sql.Tx, teamID, nodeID string) (domain.Submission, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+submissionCols+` FROM submissions WHERE team_id=? AND node_id=? AND status=?`,
		teamID, nodeID, domain.SubmissionPending)
	return scanSubmission(row.Scan)
}

// MarkReviewed moves a pending submission to a terminal status. The WHERE
// clause on the current status makes the transition race-safe: zero rows
// affected means another reviewer got there first.
func (r Repo) MarkReviewed(ctx context.Context, tx *sql.Tx, id, status, reviewerID string, reason *string, reviewedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE submissions SET status=?, reviewer_id=?, reason=?, reviewed_at=? WHERE id=? AND status=?`,
		status, reviewerID, nullableStringPtr(reason), reviewedAt, id, domain.SubmissionPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type SubmissionFilters struct {
	EventID         string
	TeamID          string
	NodeID          string
	Status          string
	Limit           int
	CursorSubmitted string
	CursorID        string
}

func (r Repo) ListSubmissions(ctx context.Context, f SubmissionFilters) ([]domain.Submission, error) {
	var clauses []string
	var args []any
	if f.EventID != "" {
		clauses = append(clauses, "event_id=?")
		args = append(args, f.EventID)
	}
	if f.TeamID != "" {
		clauses = append(clauses, "team_id=?")
		args = append(args, f.TeamID)
	}
	if f.NodeID != "" {
		clauses = append(clauses, "node_id=?")
		args = append(args, f.NodeID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorSubmitted != "" && f.CursorID != "" {
		clauses = append(clauses, "(submitted_at < ? OR (submitted_at = ? AND id < ?))")
		args = append(args, f.CursorSubmitted, f.CursorSubmitted, f.CursorID)
	}
	query := `SELECT ` + submissionCols + ` FROM submissions ` + joinClauses(clauses) + ` ORDER BY submitted_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Submission
	for rows.Next() {
		s, err := scanSubmission(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
