// Package engine orchestrates the progression workflow: event lifecycle,
// team membership, proof review, and the inn economy. Every mutating
// operation runs inside one SQL transaction with its activity entry, takes
// the owning team's lock when team state is involved, and publishes change
// notifications only after the transaction commits.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"huntboard/internal/activity"
	"huntboard/internal/config"
	"huntboard/internal/domain"
	"huntboard/internal/economy"
	"huntboard/internal/graph"
	"huntboard/internal/pubsub"
	"huntboard/internal/repo"
)

var (
	ErrDuplicatePending = errors.New("a submission for this node is already pending review")
	ErrNodeNotAvailable = errors.New("node is not available to this team")
	ErrAlreadyReviewed  = errors.New("submission was already reviewed")
	ErrEventNotOpen     = errors.New("event is not open")
)

// Bus message types published on an event's topic.
const (
	MsgSubmissionAdded    = "submission-added"
	MsgSubmissionReviewed = "submission-reviewed"
	MsgNodeCompleted      = "node-completed"
	MsgInnPurchase        = "inn-purchase"
	MsgEventStatus        = "event-status"
	MsgMapRegenerated     = "map-regenerated"
)

// Topic returns the bus topic for one event's change stream.
func Topic(eventID string) string {
	return "event:" + eventID
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Activity activity.Writer
	Bus      *pubsub.Bus
	Config   *config.Config
	Now      func() time.Time

	locks  *teamLocks
	graphs *graphCache
}

func New(db *sql.DB, cfg *config.Config, bus *pubsub.Bus) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Activity: activity.Writer{DB: db},
		Bus:      bus,
		Config:   cfg,
		Now:      time.Now,
		locks:    &teamLocks{m: make(map[string]*sync.Mutex)},
		graphs:   &graphCache{byEvent: make(map[string]*graph.Graph)},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// appendActivity writes a log entry on the engine's clock, so entries in
// a transaction carry the same timestamp as the state they describe.
func (e Engine) appendActivity(ctx context.Context, tx *sql.Tx, entryType, eventID, teamID string, payload activity.Payload) error {
	w := e.Activity
	if w.Now == nil {
		w.Now = e.now
	}
	return w.Append(ctx, tx, entryType, eventID, teamID, payload)
}

func (e Engine) publish(msg pubsub.Message) {
	if e.Bus == nil {
		return
	}
	msg.Topic = Topic(msg.EventID)
	e.Bus.Publish(msg.Topic, msg)
}

// teamLocks serializes mutating operations per team. Mutexes are created
// on first use and retained; the map is bounded by the number of teams.
type teamLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (l *teamLocks) lock(teamID string) func() {
	l.mu.Lock()
	mu, ok := l.m[teamID]
	if !ok {
		mu = &sync.Mutex{}
		l.m[teamID] = mu
	}
	l.mu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// graphCache holds one validated graph per event. Node edits replace the
// node set wholesale, so the cache is dropped for the event and rebuilt on
// next use instead of patched.
type graphCache struct {
	mu      sync.Mutex
	byEvent map[string]*graph.Graph
}

func (c *graphCache) get(eventID string) (*graph.Graph, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.byEvent[eventID]
	return g, ok
}

func (c *graphCache) put(eventID string, g *graph.Graph) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byEvent[eventID] = g
}

func (c *graphCache) invalidate(eventID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byEvent, eventID)
}

func (e Engine) graphFor(ctx context.Context, eventID string) (*graph.Graph, error) {
	if g, ok := e.graphs.get(eventID); ok {
		return g, nil
	}
	nodes, err := e.Repo.ListNodes(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("event %s has no nodes", eventID)
	}
	g, err := graph.Load(eventID, nodes)
	if err != nil {
		return nil, err
	}
	e.graphs.put(eventID, g)
	return g, nil
}

// EventCreateOptions are parameters for creating an event.
type EventCreateOptions struct {
	ID       string
	Name     string
	StartsAt string
	EndsAt   string
}

// eventConfig is the per-event slice of huntboard.yml snapshotted into the
// events row so later config edits do not rewrite a running event.
type eventConfig struct {
	Difficulty   string      `json:"difficulty,omitempty"`
	Content      []string    `json:"content,omitempty"`
	MapSeed      int64       `json:"map_seed,omitempty"`
	CoinsPerTier map[int]int `json:"coins_per_tier,omitempty"`
	KeyTypes     []string    `json:"key_types,omitempty"`
}

func (e Engine) CreateEvent(ctx context.Context, opts EventCreateOptions) (domain.Event, error) {
	if e.Config == nil {
		return domain.Event{}, errors.New("config not loaded")
	}
	if opts.ID == "" {
		opts.ID = e.Config.Event.ID
	}
	if opts.ID == "" {
		return domain.Event{}, errors.New("event id is required")
	}
	if opts.Name == "" {
		opts.Name = e.Config.Event.Name
	}
	snapshot := eventConfig{
		Difficulty:   e.Config.Event.Difficulty,
		Content:      e.Config.Event.Content,
		MapSeed:      e.Config.Event.MapSeed,
		CoinsPerTier: e.Config.Rewards.CoinsPerTier,
		KeyTypes:     e.Config.Rewards.KeyTypes,
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return domain.Event{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Event{}, err
	}
	defer tx.Rollback()

	ev := domain.Event{
		ID:         opts.ID,
		Name:       opts.Name,
		Status:     domain.EventDraft,
		StartsAt:   opts.StartsAt,
		EndsAt:     opts.EndsAt,
		ConfigJSON: string(raw),
		CreatedAt:  e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertEvent(ctx, tx, ev); err != nil {
		return domain.Event{}, fmt.Errorf("insert event: %w", err)
	}
	if err := e.appendActivity(ctx, tx, activity.TypeEventStatus, ev.ID, "", activity.Payload{"status": ev.Status}); err != nil {
		return domain.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Event{}, err
	}
	return ev, nil
}

// ImportNodes replaces an event's node set wholesale. The event must still
// be a draft and the new set must form a valid progression graph.
func (e Engine) ImportNodes(ctx context.Context, eventID string, nodes []domain.Node) error {
	ev, err := e.Repo.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if ev.Status != domain.EventDraft {
		return fmt.Errorf("event %s is %s; nodes can only be imported while draft", eventID, ev.Status)
	}
	g, err := graph.Load(eventID, nodes)
	if err != nil {
		return err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.ReplaceNodes(ctx, tx, eventID, nodes); err != nil {
		return fmt.Errorf("replace nodes: %w", err)
	}
	if err := e.Repo.SetEventDerived(ctx, tx, eventID, e.deriveValues(g)); err != nil {
		return err
	}
	if err := e.appendActivity(ctx, tx, activity.TypeNodesImported, eventID, "", activity.Payload{"nodes": len(nodes)}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.graphs.invalidate(eventID)
	return nil
}

func (e Engine) deriveValues(g *graph.Graph) domain.Derived {
	d := domain.Derived{
		NodeCounts:  make(map[string]int),
		StartNodeID: g.Start(),
	}
	for _, n := range g.Nodes() {
		d.NodeCounts[n.Kind]++
		d.TotalCoins += n.Reward.Coins
	}
	if e.Config != nil {
		d.KeyTypes = e.Config.Rewards.KeyTypes
	}
	return d
}

var eventTransitions = map[string]string{
	domain.EventDraft:     domain.EventPublic,
	domain.EventPublic:    domain.EventCompleted,
	domain.EventCompleted: domain.EventArchived,
}

// SetEventStatus advances an event along the draft, public, completed,
// archived chain. Transitions only move forward and one step at a time.
func (e Engine) SetEventStatus(ctx context.Context, eventID, status string) (domain.Event, error) {
	ev, err := e.Repo.GetEvent(ctx, eventID)
	if err != nil {
		return domain.Event{}, err
	}
	if eventTransitions[ev.Status] != status {
		return domain.Event{}, fmt.Errorf("event %s cannot go from %s to %s", eventID, ev.Status, status)
	}

	var g *graph.Graph
	if status == domain.EventPublic {
		g, err = e.graphFor(ctx, eventID)
		if err != nil {
			return domain.Event{}, fmt.Errorf("event %s is not publishable: %w", eventID, err)
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Event{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateEventStatus(ctx, tx, eventID, status); err != nil {
		return domain.Event{}, err
	}
	if status == domain.EventPublic {
		if err := e.Repo.SetEventDerived(ctx, tx, eventID, e.deriveValues(g)); err != nil {
			return domain.Event{}, err
		}
		if err := e.seedStartAvailability(ctx, tx, g); err != nil {
			return domain.Event{}, err
		}
	}
	if err := e.appendActivity(ctx, tx, activity.TypeEventStatus, eventID, "", activity.Payload{"status": status}); err != nil {
		return domain.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Event{}, err
	}
	ev.Status = status
	e.publish(pubsub.Message{Type: MsgEventStatus, EventID: eventID, Payload: map[string]any{"status": status}})
	return ev, nil
}

// seedStartAvailability marks the start node available for every team that
// has no progress yet, so teams registered during the draft phase can
// submit as soon as the event opens.
func (e Engine) seedStartAvailability(ctx context.Context, tx *sql.Tx, g *graph.Graph) error {
	teams, err := e.Repo.ListTeams(ctx, g.EventID())
	if err != nil {
		return err
	}
	ts := e.now().UTC().Format(time.RFC3339)
	for _, t := range teams {
		state, err := e.Repo.GetTeamStateTx(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		if len(state.Completed) > 0 || len(state.Available) > 0 {
			continue
		}
		if err := e.Repo.SetProgress(ctx, tx, t.ID, g.Start(), domain.ProgressAvailable, ts); err != nil {
			return err
		}
	}
	return nil
}

// PurgeEvent removes an archived event and every dependent row, including
// its activity log. This is the only path that deletes activity entries.
func (e Engine) PurgeEvent(ctx context.Context, eventID string) error {
	ev, err := e.Repo.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if ev.Status != domain.EventArchived {
		return fmt.Errorf("event %s is %s; only archived events can be purged", eventID, ev.Status)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteEvent(ctx, tx, eventID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.graphs.invalidate(eventID)
	return nil
}

// RegenerateMap recomputes node coordinates from the event's map seed. The
// layout is a pure function of the seed and the node ids, so repeated runs
// land every node on the same spot.
func (e Engine) RegenerateMap(ctx context.Context, eventID string) error {
	ev, err := e.Repo.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}
	var snapshot eventConfig
	if ev.ConfigJSON != "" {
		if err := json.Unmarshal([]byte(ev.ConfigJSON), &snapshot); err != nil {
			return fmt.Errorf("event %s config: %w", eventID, err)
		}
	}
	nodes, err := e.Repo.ListNodes(ctx, eventID)
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		return fmt.Errorf("event %s has no nodes", eventID)
	}
	coords := layoutNodes(snapshot.MapSeed, nodes)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for id, c := range coords {
		if err := e.Repo.UpdateNodeCoords(ctx, tx, eventID, id, c[0], c[1]); err != nil {
			return err
		}
	}
	ts := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.SetMapGeneratedAt(ctx, tx, eventID, ts); err != nil {
		return err
	}
	if err := e.appendActivity(ctx, tx, activity.TypeMapRegenerated, eventID, "", activity.Payload{"nodes": len(nodes)}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.graphs.invalidate(eventID)
	e.publish(pubsub.Message{Type: MsgMapRegenerated, EventID: eventID})
	return nil
}

// layoutNodes places nodes on a jittered grid. Node ids are walked in
// sorted order so a given seed always produces the same layout.
func layoutNodes(seed int64, nodes []domain.Node) map[string][2]int {
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}
	sort.Strings(ids)

	side := 1
	for side*side < len(ids) {
		side++
	}
	r := rand.New(rand.NewSource(seed))
	cells := r.Perm(side * side)
	coords := make(map[string][2]int, len(ids))
	for i, id := range ids {
		cell := cells[i]
		x := (cell%side)*120 + r.Intn(40)
		y := (cell/side)*120 + r.Intn(40)
		coords[id] = [2]int{x, y}
	}
	return coords
}

func (e Engine) CreateTeam(ctx context.Context, eventID, name string, members []string) (domain.Team, error) {
	if name == "" {
		return domain.Team{}, errors.New("team name is required")
	}
	ev, err := e.Repo.GetEvent(ctx, eventID)
	if err != nil {
		return domain.Team{}, err
	}
	if ev.Status != domain.EventDraft && ev.Status != domain.EventPublic {
		return domain.Team{}, fmt.Errorf("event %s is %s; teams cannot register", eventID, ev.Status)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Team{}, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	t := domain.Team{
		ID:        uuid.New().String(),
		EventID:   eventID,
		Name:      name,
		Members:   members,
		CreatedAt: now,
	}
	if err := e.Repo.InsertTeam(ctx, tx, t); err != nil {
		return domain.Team{}, fmt.Errorf("insert team: %w", err)
	}
	if ev.Status == domain.EventPublic {
		g, err := e.graphFor(ctx, eventID)
		if err != nil {
			return domain.Team{}, err
		}
		if err := e.Repo.SetProgress(ctx, tx, t.ID, g.Start(), domain.ProgressAvailable, now); err != nil {
			return domain.Team{}, err
		}
	}
	if err := e.appendActivity(ctx, tx, activity.TypeTeamCreated, eventID, t.ID, activity.Payload{"name": name}); err != nil {
		return domain.Team{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Team{}, err
	}
	return t, nil
}

// SetTeamNote records a free-form note against a node for the team. Notes
// are scratch space and carry no workflow meaning.
func (e Engine) SetTeamNote(ctx context.Context, teamID, nodeID, note string) error {
	t, err := e.Repo.GetTeam(ctx, teamID)
	if err != nil {
		return err
	}
	g, err := e.graphFor(ctx, t.EventID)
	if err != nil {
		return err
	}
	if _, ok := g.Node(nodeID); !ok {
		return repo.ErrNotFound
	}

	unlock := e.locks.lock(teamID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertNote(ctx, tx, teamID, nodeID, note, e.now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return tx.Commit()
}

// RecomputeAvailability rebuilds a team's available set from its completed
// set and the graph, repairing any drift. Completed nodes are never
// touched.
func (e Engine) RecomputeAvailability(ctx context.Context, teamID string) ([]string, error) {
	t, err := e.Repo.GetTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}
	g, err := e.graphFor(ctx, t.EventID)
	if err != nil {
		return nil, err
	}

	unlock := e.locks.lock(teamID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	state, err := e.Repo.GetTeamStateTx(ctx, tx, teamID)
	if err != nil {
		return nil, err
	}
	avail, err := e.syncAvailability(ctx, tx, g, state)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return avail, nil
}

// syncAvailability writes the graph-derived available set for a team,
// adding missing rows and dropping stale ones. Returns the sorted set.
func (e Engine) syncAvailability(ctx context.Context, tx *sql.Tx, g *graph.Graph, state domain.TeamState) ([]string, error) {
	completed := make(map[string]bool, len(state.Completed))
	for _, id := range state.Completed {
		completed[id] = true
	}
	want := g.Available(completed)

	have := make(map[string]bool, len(state.Available))
	ts := e.now().UTC().Format(time.RFC3339)
	for _, id := range state.Available {
		have[id] = true
		if !want[id] {
			if err := e.Repo.DeleteProgress(ctx, tx, state.ID, id); err != nil {
				return nil, err
			}
		}
	}
	for id := range want {
		if have[id] {
			continue
		}
		if err := e.Repo.SetProgress(ctx, tx, state.ID, id, domain.ProgressAvailable, ts); err != nil {
			return nil, err
		}
	}

	avail := make([]string, 0, len(want))
	for id := range want {
		avail = append(avail, id)
	}
	sort.Strings(avail)
	return avail, nil
}

// GetTeamState returns the team's full resource picture. Buffs past their
// expiry are filtered out of the response; rows are purged on the next
// economy mutation.
func (e Engine) GetTeamState(ctx context.Context, teamID string) (domain.TeamState, error) {
	state, err := e.Repo.GetTeamState(ctx, teamID)
	if err != nil {
		return domain.TeamState{}, err
	}
	state.Buffs = economy.ActiveBuffs(state.Buffs, e.now())
	return state, nil
}
