package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"huntboard/internal/activity"
	"huntboard/internal/config"
	"huntboard/internal/db"
	"huntboard/internal/domain"
	"huntboard/internal/economy"
	"huntboard/internal/engine"
	"huntboard/internal/pubsub"
)

type testEnv struct {
	Engine engine.Engine
	Bus    *pubsub.Bus
	Ctx    context.Context
	Team   domain.Team
	clock  *time.Time
}

func (env *testEnv) advance(d time.Duration) {
	*env.clock = env.clock.Add(d)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("hunt-1")
	bus := pubsub.New(pubsub.Options{})
	eng := engine.New(conn, cfg, bus)
	clock := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return clock }
	ctx := context.Background()

	if _, err := eng.CreateEvent(ctx, engine.EventCreateOptions{ID: "hunt-1"}); err != nil {
		t.Fatalf("create event: %v", err)
	}
	if err := eng.ImportNodes(ctx, "hunt-1", testNodes()); err != nil {
		t.Fatalf("import nodes: %v", err)
	}
	if _, err := eng.SetEventStatus(ctx, "hunt-1", domain.EventPublic); err != nil {
		t.Fatalf("publish event: %v", err)
	}
	team, err := eng.CreateTeam(ctx, "hunt-1", "crew", []string{"alice", "bob"})
	if err != nil {
		t.Fatalf("create team: %v", err)
	}
	return &testEnv{Engine: eng, Bus: bus, Ctx: ctx, Team: team, clock: &clock}
}

func testNodes() []domain.Node {
	return []domain.Node{
		{ID: "start", EventID: "hunt-1", Kind: domain.NodeStart, Title: "Set sail", Unlocks: []string{"a", "b"}},
		{ID: "a", EventID: "hunt-1", Kind: domain.NodeStandard, Title: "First boss", Prereqs: []string{"start"},
			Reward: domain.Reward{
				Coins: 10,
				Keys:  map[string]int{"bronze": 1},
				Buffs: []domain.BuffGrant{{Kind: "torch", Magnitude: 1, DurationSeconds: 60}},
			}},
		{ID: "b", EventID: "hunt-1", Kind: domain.NodeStandard, Title: "Side path", Prereqs: []string{"start"}},
		{ID: "inn1", EventID: "hunt-1", Kind: domain.NodeInn, Title: "The Rusty Anchor", Prereqs: []string{"a"},
			Catalog: []domain.InnOffer{
				{Title: "Lantern", Cost: domain.Cost{Coins: 5},
					Reward: domain.Reward{Buffs: []domain.BuffGrant{{Kind: "lantern", Magnitude: 1}}}},
				{Title: "Pocket change", Cost: domain.Cost{Keys: map[string]int{"bronze": 1}},
					Reward: domain.Reward{Coins: 2}, Repeatable: true},
			}},
		{ID: "t", EventID: "hunt-1", Kind: domain.NodeTreasure, Title: "Treasure", Prereqs: []string{"a", "b"}},
	}
}

func (env *testEnv) submit(t *testing.T, nodeID string) domain.Submission {
	t.Helper()
	s, err := env.Engine.SubmitProof(env.Ctx, engine.SubmitOptions{
		TeamID:      env.Team.ID,
		NodeID:      nodeID,
		SubmitterID: "alice",
		ProofURL:    "https://proof.example/" + nodeID,
	})
	if err != nil {
		t.Fatalf("submit %s: %v", nodeID, err)
	}
	return s
}

func (env *testEnv) approve(t *testing.T, nodeID string) {
	t.Helper()
	s := env.submit(t, nodeID)
	if _, err := env.Engine.ReviewSubmission(env.Ctx, engine.ReviewOptions{
		SubmissionID: s.ID, ReviewerID: "gm", Approve: true,
	}); err != nil {
		t.Fatalf("approve %s: %v", nodeID, err)
	}
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func TestProgressionStartToInn(t *testing.T) {
	env := newTestEnv(t)

	state, err := env.Engine.GetTeamState(env.Ctx, env.Team.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !contains(state.Available, "start") || len(state.Available) != 1 {
		t.Fatalf("fresh team should only have start available, got %v", state.Available)
	}

	env.approve(t, "start")
	state, _ = env.Engine.GetTeamState(env.Ctx, env.Team.ID)
	if !contains(state.Completed, "start") {
		t.Fatalf("start not completed: %v", state.Completed)
	}
	if !contains(state.Available, "a") || !contains(state.Available, "b") {
		t.Fatalf("a and b should unlock after start, got %v", state.Available)
	}
	if contains(state.Available, "t") {
		t.Fatalf("treasure needs both a and b, got %v", state.Available)
	}

	env.approve(t, "a")
	state, _ = env.Engine.GetTeamState(env.Ctx, env.Team.ID)
	if state.Pot != 10 {
		t.Fatalf("pot = %d, want 10", state.Pot)
	}
	if state.Keys["bronze"] != 1 {
		t.Fatalf("bronze keys = %d, want 1", state.Keys["bronze"])
	}
	if len(state.Buffs) != 1 || state.Buffs[0].Kind != "torch" {
		t.Fatalf("buffs = %v", state.Buffs)
	}
	if !contains(state.Available, "inn1") {
		t.Fatalf("inn1 should unlock after a, got %v", state.Available)
	}
}

func TestCompletedAndAvailableDisjoint(t *testing.T) {
	env := newTestEnv(t)
	env.approve(t, "start")
	env.approve(t, "a")
	env.approve(t, "b")

	state, err := env.Engine.GetTeamState(env.Ctx, env.Team.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range state.Completed {
		if contains(state.Available, id) {
			t.Fatalf("%s is both completed and available", id)
		}
	}
	if !contains(state.Available, "t") {
		t.Fatalf("treasure should unlock after a and b, got %v", state.Available)
	}
}

func TestDuplicatePendingSubmission(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, "start")
	_, err := env.Engine.SubmitProof(env.Ctx, engine.SubmitOptions{
		TeamID: env.Team.ID, NodeID: "start", SubmitterID: "bob", ProofURL: "https://proof.example/again",
	})
	if !errors.Is(err, engine.ErrDuplicatePending) {
		t.Fatalf("err = %v, want ErrDuplicatePending", err)
	}
}

func TestSubmitUnavailableNode(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.SubmitProof(env.Ctx, engine.SubmitOptions{
		TeamID: env.Team.ID, NodeID: "a", SubmitterID: "alice", ProofURL: "https://proof.example/a",
	})
	if !errors.Is(err, engine.ErrNodeNotAvailable) {
		t.Fatalf("err = %v, want ErrNodeNotAvailable", err)
	}
}

func TestDenyLeavesStateUnchanged(t *testing.T) {
	env := newTestEnv(t)
	s := env.submit(t, "start")
	sub, err := env.Engine.ReviewSubmission(env.Ctx, engine.ReviewOptions{
		SubmissionID: s.ID, ReviewerID: "gm", Reason: "wrong boss",
	})
	if err != nil {
		t.Fatalf("deny: %v", err)
	}
	if sub.Status != domain.SubmissionDenied || sub.Reason == nil || *sub.Reason != "wrong boss" {
		t.Fatalf("sub = %+v", sub)
	}

	state, _ := env.Engine.GetTeamState(env.Ctx, env.Team.ID)
	if len(state.Completed) != 0 || state.Pot != 0 {
		t.Fatalf("denial mutated state: %+v", state)
	}
	if !contains(state.Available, "start") {
		t.Fatalf("start should stay available, got %v", state.Available)
	}

	entries, err := env.Engine.Activity.Query(env.Ctx, "hunt-1", activity.Filters{Type: activity.TypeSubmissionDenied})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("denied entries = %d, want 1", len(entries))
	}

	// the pending slot is free again
	env.submit(t, "start")
}

func TestConcurrentReviewSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	env.approve(t, "start")
	s := env.submit(t, "a")

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.ReviewSubmission(env.Ctx, engine.ReviewOptions{
				SubmissionID: s.ID, ReviewerID: "gm", Approve: true,
			})
		}(i)
	}
	wg.Wait()

	var wins, losses int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, engine.ErrAlreadyReviewed):
			losses++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || losses != 1 {
		t.Fatalf("wins=%d losses=%d, want exactly one of each", wins, losses)
	}

	state, _ := env.Engine.GetTeamState(env.Ctx, env.Team.ID)
	if state.Pot != 10 {
		t.Fatalf("pot = %d, reward applied more than once", state.Pot)
	}
	var completions int
	for _, id := range state.Completed {
		if id == "a" {
			completions++
		}
	}
	if completions != 1 {
		t.Fatalf("a completed %d times", completions)
	}
}

func TestPurchaseRequiresCompletedInn(t *testing.T) {
	env := newTestEnv(t)
	env.approve(t, "start")
	env.approve(t, "a")

	_, err := env.Engine.PurchaseInnReward(env.Ctx, env.Team.ID, "inn1", 0)
	if !errors.Is(err, economy.ErrInnNotCompleted) {
		t.Fatalf("err = %v, want ErrInnNotCompleted", err)
	}
}

func TestInnPurchases(t *testing.T) {
	env := newTestEnv(t)
	env.approve(t, "start")
	env.approve(t, "a")
	env.approve(t, "inn1")

	p, err := env.Engine.PurchaseInnReward(env.Ctx, env.Team.ID, "inn1", 0)
	if err != nil {
		t.Fatalf("buy lantern: %v", err)
	}
	if p.OfferIndex != 0 {
		t.Fatalf("purchase = %+v", p)
	}
	state, _ := env.Engine.GetTeamState(env.Ctx, env.Team.ID)
	if state.Pot != 5 {
		t.Fatalf("pot = %d, want 5", state.Pot)
	}

	// one-shot offers cannot be bought twice
	_, err = env.Engine.PurchaseInnReward(env.Ctx, env.Team.ID, "inn1", 0)
	if !errors.Is(err, economy.ErrInvalidSelection) {
		t.Fatalf("err = %v, want ErrInvalidSelection", err)
	}

	// repeatable offer, paid with a key
	if _, err := env.Engine.PurchaseInnReward(env.Ctx, env.Team.ID, "inn1", 1); err != nil {
		t.Fatalf("buy pocket change: %v", err)
	}
	state, _ = env.Engine.GetTeamState(env.Ctx, env.Team.ID)
	if state.Keys["bronze"] != 0 {
		t.Fatalf("bronze keys = %d, want 0", state.Keys["bronze"])
	}
	if state.Pot != 7 {
		t.Fatalf("pot = %d, want 7", state.Pot)
	}

	_, err = env.Engine.PurchaseInnReward(env.Ctx, env.Team.ID, "inn1", 1)
	if !errors.Is(err, economy.ErrInsufficientResources) {
		t.Fatalf("err = %v, want ErrInsufficientResources", err)
	}
}

func TestBuffExpiry(t *testing.T) {
	env := newTestEnv(t)
	env.approve(t, "start")
	env.approve(t, "a")

	state, _ := env.Engine.GetTeamState(env.Ctx, env.Team.ID)
	if len(state.Buffs) != 1 {
		t.Fatalf("buffs = %v", state.Buffs)
	}

	env.advance(2 * time.Minute)
	state, _ = env.Engine.GetTeamState(env.Ctx, env.Team.ID)
	if len(state.Buffs) != 0 {
		t.Fatalf("expired buff still reported: %v", state.Buffs)
	}

	// next economy mutation purges the row and records the expiry
	env.approve(t, "inn1")
	uses, err := env.Engine.Repo.ListBuffUses(env.Ctx, env.Team.ID)
	if err != nil {
		t.Fatal(err)
	}
	var expired int
	for _, u := range uses {
		if u.Kind == "torch" && u.Action == "expired" {
			expired++
		}
	}
	if expired != 1 {
		t.Fatalf("expired history rows = %d, want 1", expired)
	}
}

func TestEventLifecycle(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.Engine.SetEventStatus(env.Ctx, "hunt-1", domain.EventArchived); err == nil {
		t.Fatal("public -> archived should be rejected")
	}
	if _, err := env.Engine.SetEventStatus(env.Ctx, "hunt-1", domain.EventCompleted); err != nil {
		t.Fatalf("complete: %v", err)
	}

	_, err := env.Engine.SubmitProof(env.Ctx, engine.SubmitOptions{
		TeamID: env.Team.ID, NodeID: "start", SubmitterID: "alice", ProofURL: "https://proof.example/late",
	})
	if !errors.Is(err, engine.ErrEventNotOpen) {
		t.Fatalf("err = %v, want ErrEventNotOpen", err)
	}

	if _, err := env.Engine.SetEventStatus(env.Ctx, "hunt-1", domain.EventArchived); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if err := env.Engine.PurgeEvent(env.Ctx, "hunt-1"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if _, err := env.Engine.Repo.GetEvent(env.Ctx, "hunt-1"); err == nil {
		t.Fatal("event should be gone after purge")
	}
}

func TestPublishSeedsDraftTeams(t *testing.T) {
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	eng := engine.New(conn, config.Default("hunt-2"), pubsub.New(pubsub.Options{}))
	eng.Now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	if _, err := eng.CreateEvent(ctx, engine.EventCreateOptions{ID: "hunt-2"}); err != nil {
		t.Fatal(err)
	}
	nodes := testNodes()
	for i := range nodes {
		nodes[i].EventID = "hunt-2"
	}
	if err := eng.ImportNodes(ctx, "hunt-2", nodes); err != nil {
		t.Fatal(err)
	}
	team, err := eng.CreateTeam(ctx, "hunt-2", "early birds", nil)
	if err != nil {
		t.Fatal(err)
	}
	state, _ := eng.GetTeamState(ctx, team.ID)
	if len(state.Available) != 0 {
		t.Fatalf("draft team should have no availability, got %v", state.Available)
	}

	if _, err := eng.SetEventStatus(ctx, "hunt-2", domain.EventPublic); err != nil {
		t.Fatal(err)
	}
	state, _ = eng.GetTeamState(ctx, team.ID)
	if !contains(state.Available, "start") {
		t.Fatalf("publish should seed start availability, got %v", state.Available)
	}
}

func TestRegenerateMapDeterministic(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.RegenerateMap(env.Ctx, "hunt-1"); err != nil {
		t.Fatalf("regen: %v", err)
	}
	first, err := env.Engine.Repo.ListNodes(env.Ctx, "hunt-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.RegenerateMap(env.Ctx, "hunt-1"); err != nil {
		t.Fatalf("regen again: %v", err)
	}
	second, _ := env.Engine.Repo.ListNodes(env.Ctx, "hunt-1")

	coords := make(map[string][2]int)
	for _, n := range first {
		coords[n.ID] = [2]int{n.X, n.Y}
	}
	for _, n := range second {
		if c := coords[n.ID]; c != [2]int{n.X, n.Y} {
			t.Fatalf("node %s moved between runs: %v vs %v", n.ID, c, [2]int{n.X, n.Y})
		}
	}

	ev, _ := env.Engine.Repo.GetEvent(env.Ctx, "hunt-1")
	if ev.MapGeneratedAt == nil {
		t.Fatal("map_generated_at not stamped")
	}
}

func TestChangeStreamOrder(t *testing.T) {
	env := newTestEnv(t)
	sub := env.Bus.Subscribe(engine.Topic("hunt-1"), nil)
	defer sub.Cancel()

	env.approve(t, "start")

	first := <-sub.C()
	if first.Type != engine.MsgSubmissionAdded {
		t.Fatalf("first message = %s, want %s", first.Type, engine.MsgSubmissionAdded)
	}
	reviewed := <-sub.C()
	if reviewed.Type != engine.MsgSubmissionReviewed {
		t.Fatalf("second message = %s, want %s", reviewed.Type, engine.MsgSubmissionReviewed)
	}
	completed := <-sub.C()
	if completed.Type != engine.MsgNodeCompleted {
		t.Fatalf("third message = %s, want %s", completed.Type, engine.MsgNodeCompleted)
	}
	if completed.Payload["node_id"] != "start" {
		t.Fatalf("payload = %v", completed.Payload)
	}
}

func TestActivityOnEngineClock(t *testing.T) {
	env := newTestEnv(t)
	s := env.submit(t, "start")

	entries, err := env.Engine.Activity.Query(env.Ctx, "hunt-1", activity.Filters{Type: activity.TypeSubmissionAdded})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0].TS != "2024-06-01T12:00:00Z" {
		t.Fatalf("entry ts = %s, want the engine clock", entries[0].TS)
	}

	env.advance(90 * time.Minute)
	if _, err := env.Engine.ReviewSubmission(env.Ctx, engine.ReviewOptions{
		SubmissionID: s.ID, ReviewerID: "gm", Approve: true,
	}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	completed, err := env.Engine.Activity.Query(env.Ctx, "hunt-1", activity.Filters{Type: activity.TypeNodeCompleted})
	if err != nil {
		t.Fatal(err)
	}
	if len(completed) != 1 || completed[0].TS != "2024-06-01T13:30:00Z" {
		t.Fatalf("completed entries = %+v, want one at 13:30", completed)
	}
}
