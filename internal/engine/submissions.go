package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"huntboard/internal/activity"
	"huntboard/internal/domain"
	"huntboard/internal/economy"
	"huntboard/internal/pubsub"
	"huntboard/internal/repo"
)

// SubmitOptions are parameters for filing a proof submission.
type SubmitOptions struct {
	TeamID        string
	NodeID        string
	SubmitterID   string
	SubmitterName string
	ChannelID     string
	ProofURL      string
}

// SubmitProof files a pending submission for a node the team can currently
// attempt. At most one pending submission may exist per team and node.
func (e Engine) SubmitProof(ctx context.Context, opts SubmitOptions) (domain.Submission, error) {
	if opts.ProofURL == "" {
		return domain.Submission{}, errors.New("proof url is required")
	}
	t, err := e.Repo.GetTeam(ctx, opts.TeamID)
	if err != nil {
		return domain.Submission{}, err
	}
	ev, err := e.Repo.GetEvent(ctx, t.EventID)
	if err != nil {
		return domain.Submission{}, err
	}
	if ev.Status != domain.EventPublic {
		return domain.Submission{}, ErrEventNotOpen
	}
	g, err := e.graphFor(ctx, t.EventID)
	if err != nil {
		return domain.Submission{}, err
	}
	if _, ok := g.Node(opts.NodeID); !ok {
		return domain.Submission{}, repo.ErrNotFound
	}

	unlock := e.locks.lock(opts.TeamID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Submission{}, err
	}
	defer tx.Rollback()

	// Recheck under the lock: the event may have closed since the first read.
	if ev, err = e.Repo.GetEventTx(ctx, tx, t.EventID); err != nil {
		return domain.Submission{}, err
	}
	if ev.Status != domain.EventPublic {
		return domain.Submission{}, ErrEventNotOpen
	}

	if _, err := e.Repo.PendingSubmission(ctx, tx, opts.TeamID, opts.NodeID); err == nil {
		return domain.Submission{}, ErrDuplicatePending
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Submission{}, err
	}

	state, err := e.Repo.GetTeamStateTx(ctx, tx, opts.TeamID)
	if err != nil {
		return domain.Submission{}, err
	}
	available := false
	for _, id := range state.Available {
		if id == opts.NodeID {
			available = true
			break
		}
	}
	if !available {
		return domain.Submission{}, ErrNodeNotAvailable
	}

	s := domain.Submission{
		ID:            uuid.New().String(),
		EventID:       t.EventID,
		TeamID:        opts.TeamID,
		NodeID:        opts.NodeID,
		SubmitterID:   opts.SubmitterID,
		SubmitterName: opts.SubmitterName,
		ChannelID:     opts.ChannelID,
		ProofURL:      opts.ProofURL,
		Status:        domain.SubmissionPending,
		SubmittedAt:   e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertSubmission(ctx, tx, s); err != nil {
		return domain.Submission{}, fmt.Errorf("insert submission: %w", err)
	}
	if err := e.appendActivity(ctx, tx, activity.TypeSubmissionAdded, t.EventID, opts.TeamID, activity.Payload{
		"submission_id": s.ID,
		"node_id":       s.NodeID,
		"submitter_id":  s.SubmitterID,
	}); err != nil {
		return domain.Submission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Submission{}, err
	}

	e.publish(pubsub.Message{Type: MsgSubmissionAdded, EventID: t.EventID, TeamID: opts.TeamID, Payload: map[string]any{
		"submission_id": s.ID,
		"node_id":       s.NodeID,
	}})
	return s, nil
}

// ReviewOptions are parameters for deciding a pending submission.
type ReviewOptions struct {
	SubmissionID string
	ReviewerID   string
	Approve      bool
	Reason       string
}

// ReviewSubmission decides a pending submission. Approval completes the
// node, applies its reward exactly once and recomputes the team's
// available set; denial records the reason and changes nothing else.
// Concurrent reviews of the same submission resolve to a single winner,
// the rest get ErrAlreadyReviewed.
func (e Engine) ReviewSubmission(ctx context.Context, opts ReviewOptions) (domain.Submission, error) {
	if opts.ReviewerID == "" {
		return domain.Submission{}, errors.New("reviewer id is required")
	}
	sub, err := e.Repo.GetSubmission(ctx, opts.SubmissionID)
	if err != nil {
		return domain.Submission{}, err
	}
	if sub.Status != domain.SubmissionPending {
		return domain.Submission{}, ErrAlreadyReviewed
	}

	unlock := e.locks.lock(sub.TeamID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Submission{}, err
	}
	defer tx.Rollback()

	status := domain.SubmissionDenied
	if opts.Approve {
		status = domain.SubmissionApproved
	}
	var reason *string
	if opts.Reason != "" {
		reason = &opts.Reason
	}
	reviewedAt := e.now().UTC().Format(time.RFC3339)
	won, err := e.Repo.MarkReviewed(ctx, tx, sub.ID, status, opts.ReviewerID, reason, reviewedAt)
	if err != nil {
		return domain.Submission{}, err
	}
	if !won {
		return domain.Submission{}, ErrAlreadyReviewed
	}
	sub, err = e.Repo.GetSubmissionTx(ctx, tx, sub.ID)
	if err != nil {
		return domain.Submission{}, err
	}

	if !opts.Approve {
		if err := e.appendActivity(ctx, tx, activity.TypeSubmissionDenied, sub.EventID, sub.TeamID, activity.Payload{
			"submission_id": sub.ID,
			"node_id":       sub.NodeID,
			"reason":        opts.Reason,
		}); err != nil {
			return domain.Submission{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.Submission{}, err
		}
		e.publish(pubsub.Message{Type: MsgSubmissionReviewed, EventID: sub.EventID, TeamID: sub.TeamID, Payload: map[string]any{
			"submission_id": sub.ID,
			"node_id":       sub.NodeID,
			"status":        sub.Status,
			"reason":        opts.Reason,
		}})
		return sub, nil
	}

	g, err := e.graphFor(ctx, sub.EventID)
	if err != nil {
		return domain.Submission{}, err
	}
	node, ok := g.Node(sub.NodeID)
	if !ok {
		return domain.Submission{}, repo.ErrNotFound
	}
	granted, err := e.completeNode(ctx, tx, sub.TeamID, node)
	if err != nil {
		return domain.Submission{}, err
	}
	if err := e.appendActivity(ctx, tx, activity.TypeNodeCompleted, sub.EventID, sub.TeamID, activity.Payload{
		"submission_id": sub.ID,
		"node_id":       sub.NodeID,
		"coins":         node.Reward.Coins,
		"buffs":         len(granted),
	}); err != nil {
		return domain.Submission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Submission{}, err
	}

	e.publish(pubsub.Message{Type: MsgSubmissionReviewed, EventID: sub.EventID, TeamID: sub.TeamID, Payload: map[string]any{
		"submission_id": sub.ID,
		"node_id":       sub.NodeID,
		"status":        sub.Status,
	}})
	e.publish(pubsub.Message{Type: MsgNodeCompleted, EventID: sub.EventID, TeamID: sub.TeamID, Payload: map[string]any{
		"node_id": sub.NodeID,
		"kind":    node.Kind,
	}})
	return sub, nil
}

// completeNode marks a node completed for the team, credits its reward and
// rewrites the available set. Runs inside the caller's transaction and
// team lock.
func (e Engine) completeNode(ctx context.Context, tx *sql.Tx, teamID string, node domain.Node) ([]domain.Buff, error) {
	state, err := e.Repo.GetTeamStateTx(ctx, tx, teamID)
	if err != nil {
		return nil, err
	}
	if err := e.purgeExpiredBuffs(ctx, tx, &state); err != nil {
		return nil, err
	}

	now := e.now()
	granted := economy.Apply(&state, node.Reward, now)
	if err := e.persistEconomy(ctx, tx, state, granted); err != nil {
		return nil, err
	}

	ts := now.UTC().Format(time.RFC3339)
	if err := e.Repo.SetProgress(ctx, tx, teamID, node.ID, domain.ProgressCompleted, ts); err != nil {
		return nil, err
	}
	state.Completed = append(state.Completed, node.ID)
	for i, id := range state.Available {
		if id == node.ID {
			state.Available = append(state.Available[:i], state.Available[i+1:]...)
			break
		}
	}
	g, err := e.graphFor(ctx, node.EventID)
	if err != nil {
		return nil, err
	}
	if _, err := e.syncAvailability(ctx, tx, g, state); err != nil {
		return nil, err
	}
	return granted, nil
}
