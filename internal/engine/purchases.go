package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"huntboard/internal/activity"
	"huntboard/internal/domain"
	"huntboard/internal/economy"
	"huntboard/internal/pubsub"
	"huntboard/internal/repo"
)

// PurchaseInnReward buys one catalogue entry from an inn the team has
// completed, debiting the cost and crediting the reward in the same
// transaction. Expired buff rows are purged before the balance check.
func (e Engine) PurchaseInnReward(ctx context.Context, teamID, nodeID string, offerIndex int) (domain.InnPurchase, error) {
	t, err := e.Repo.GetTeam(ctx, teamID)
	if err != nil {
		return domain.InnPurchase{}, err
	}
	ev, err := e.Repo.GetEvent(ctx, t.EventID)
	if err != nil {
		return domain.InnPurchase{}, err
	}
	if ev.Status != domain.EventPublic {
		return domain.InnPurchase{}, ErrEventNotOpen
	}
	g, err := e.graphFor(ctx, t.EventID)
	if err != nil {
		return domain.InnPurchase{}, err
	}
	node, ok := g.Node(nodeID)
	if !ok {
		return domain.InnPurchase{}, repo.ErrNotFound
	}

	unlock := e.locks.lock(teamID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.InnPurchase{}, err
	}
	defer tx.Rollback()

	state, err := e.Repo.GetTeamStateTx(ctx, tx, teamID)
	if err != nil {
		return domain.InnPurchase{}, err
	}
	if err := e.purgeExpiredBuffs(ctx, tx, &state); err != nil {
		return domain.InnPurchase{}, err
	}

	now := e.now()
	res, err := economy.ResolvePurchase(&state, node, offerIndex, now)
	if err != nil {
		return domain.InnPurchase{}, err
	}
	if err := e.persistEconomy(ctx, tx, state, res.GrantedBuffs); err != nil {
		return domain.InnPurchase{}, err
	}

	costJSON, err := json.Marshal(res.Offer.Cost)
	if err != nil {
		return domain.InnPurchase{}, err
	}
	rewardJSON, err := json.Marshal(res.Offer.Reward)
	if err != nil {
		return domain.InnPurchase{}, err
	}
	p := domain.InnPurchase{
		ID:         uuid.New().String(),
		TeamID:     teamID,
		NodeID:     nodeID,
		OfferIndex: offerIndex,
		CostJSON:   string(costJSON),
		RewardJSON: string(rewardJSON),
		CreatedAt:  now.UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertPurchase(ctx, tx, p); err != nil {
		return domain.InnPurchase{}, err
	}
	if err := e.appendActivity(ctx, tx, activity.TypeInnPurchase, t.EventID, teamID, activity.Payload{
		"node_id":     nodeID,
		"offer_index": offerIndex,
		"offer":       res.Offer.Title,
	}); err != nil {
		return domain.InnPurchase{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.InnPurchase{}, err
	}

	e.publish(pubsub.Message{Type: MsgInnPurchase, EventID: t.EventID, TeamID: teamID, Payload: map[string]any{
		"node_id":     nodeID,
		"offer_index": offerIndex,
	}})
	return p, nil
}

// purgeExpiredBuffs deletes buff rows whose expiry has passed and records
// the expiry in the buff history. The in-memory state keeps only live
// buffs afterwards.
func (e Engine) purgeExpiredBuffs(ctx context.Context, tx *sql.Tx, state *domain.TeamState) error {
	live, dead := economy.SplitExpired(state.Buffs, e.now())
	if len(dead) == 0 {
		return nil
	}
	ts := e.now().UTC().Format(time.RFC3339)
	for _, b := range dead {
		if err := e.Repo.DeleteBuff(ctx, tx, b.ID); err != nil {
			return err
		}
		if err := e.Repo.InsertBuffUse(ctx, tx, state.ID, b.Kind, "expired", ts); err != nil {
			return err
		}
	}
	state.Buffs = live
	return nil
}

// persistEconomy writes the mutated pot, key balances and newly granted
// buffs back to storage.
func (e Engine) persistEconomy(ctx context.Context, tx *sql.Tx, state domain.TeamState, granted []domain.Buff) error {
	if state.Pot < 0 {
		return errors.New("pot cannot go negative")
	}
	if err := e.Repo.UpdateTeamPot(ctx, tx, state.ID, state.Pot); err != nil {
		return err
	}
	for kind, qty := range state.Keys {
		if err := e.Repo.UpsertKey(ctx, tx, state.ID, kind, qty); err != nil {
			return err
		}
	}
	for _, b := range granted {
		if err := e.Repo.InsertBuff(ctx, tx, b); err != nil {
			return err
		}
		if err := e.Repo.InsertBuffUse(ctx, tx, state.ID, b.Kind, "granted", b.GrantedAt); err != nil {
			return err
		}
	}
	return nil
}
