// Package economy applies reward payloads to a team's in-memory state and
// resolves inn purchases against an inn node's catalogue. It never touches
// storage; the engine persists the mutated state inside its transaction.
package economy

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"huntboard/internal/domain"
)

var (
	ErrInnNotCompleted       = errors.New("inn not completed by team")
	ErrInvalidSelection      = errors.New("invalid catalogue selection")
	ErrInsufficientResources = errors.New("insufficient resources")
)

// Apply credits a reward to the team state: coins into the pot, keys by
// type, and buffs with expiry computed from now plus the declared duration.
// Returns the buffs that were installed.
func Apply(ts *domain.TeamState, r domain.Reward, now time.Time) []domain.Buff {
	ts.Pot += r.Coins
	if len(r.Keys) > 0 && ts.Keys == nil {
		ts.Keys = make(map[string]int)
	}
	for kind, qty := range r.Keys {
		ts.Keys[kind] += qty
	}
	granted := make([]domain.Buff, 0, len(r.Buffs))
	for _, g := range r.Buffs {
		b := domain.Buff{
			ID:        uuid.New().String(),
			TeamID:    ts.ID,
			Kind:      g.Kind,
			Magnitude: g.Magnitude,
			GrantedAt: now.UTC().Format(time.RFC3339),
		}
		if g.DurationSeconds > 0 {
			exp := now.UTC().Add(time.Duration(g.DurationSeconds) * time.Second).Format(time.RFC3339)
			b.ExpiresAt = &exp
		}
		granted = append(granted, b)
	}
	ts.Buffs = append(ts.Buffs, granted...)
	return granted
}

// expired reports whether a buff is past its expiry at the given instant.
func expired(b domain.Buff, now time.Time) bool {
	if b.ExpiresAt == nil {
		return false
	}
	exp, err := time.Parse(time.RFC3339, *b.ExpiresAt)
	if err != nil {
		return false
	}
	return now.After(exp)
}

// ActiveBuffs returns the buffs still in effect. Expiry is evaluated here,
// at read time, so a buff past its expiry is inactive even before it has
// been purged from storage.
func ActiveBuffs(buffs []domain.Buff, now time.Time) []domain.Buff {
	var out []domain.Buff
	for _, b := range buffs {
		if !expired(b, now) {
			out = append(out, b)
		}
	}
	return out
}

// SplitExpired partitions buffs into live and expired. The engine purges
// the expired half on the next successful economy mutation for the team.
func SplitExpired(buffs []domain.Buff, now time.Time) (live, dead []domain.Buff) {
	for _, b := range buffs {
		if expired(b, now) {
			dead = append(dead, b)
		} else {
			live = append(live, b)
		}
	}
	return live, dead
}

// PurchaseResult describes a resolved inn transaction.
type PurchaseResult struct {
	Offer        domain.InnOffer
	GrantedBuffs []domain.Buff
}

// ResolvePurchase debits an inn offer's cost from the team state and
// credits its reward. The node must be an inn the team has completed, the
// index must address a catalogue entry, the entry must not already be
// bought unless repeatable, and the team must afford the cost. On any
// failure the state is left untouched.
func ResolvePurchase(ts *domain.TeamState, n domain.Node, index int, now time.Time) (PurchaseResult, error) {
	if n.Kind != domain.NodeInn {
		return PurchaseResult{}, ErrInnNotCompleted
	}
	completed := false
	for _, id := range ts.Completed {
		if id == n.ID {
			completed = true
			break
		}
	}
	if !completed {
		return PurchaseResult{}, ErrInnNotCompleted
	}
	if index < 0 || index >= len(n.Catalog) {
		return PurchaseResult{}, ErrInvalidSelection
	}
	offer := n.Catalog[index]
	if !offer.Repeatable {
		for _, p := range ts.Purchases {
			if p.NodeID == n.ID && p.OfferIndex == index {
				return PurchaseResult{}, ErrInvalidSelection
			}
		}
	}
	if ts.Pot < offer.Cost.Coins {
		return PurchaseResult{}, ErrInsufficientResources
	}
	for kind, qty := range offer.Cost.Keys {
		if ts.Keys[kind] < qty {
			return PurchaseResult{}, ErrInsufficientResources
		}
	}
	ts.Pot -= offer.Cost.Coins
	for kind, qty := range offer.Cost.Keys {
		ts.Keys[kind] -= qty
	}
	granted := Apply(ts, offer.Reward, now)
	return PurchaseResult{Offer: offer, GrantedBuffs: granted}, nil
}
