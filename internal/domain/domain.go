package domain

// Event lifecycle statuses.
const (
	EventDraft     = "draft"
	EventPublic    = "public"
	EventCompleted = "completed"
	EventArchived  = "archived"
)

// Node kinds.
const (
	NodeStart    = "start"
	NodeStandard = "standard"
	NodeInn      = "inn"
	NodeTreasure = "treasure"
)

// Submission statuses.
const (
	SubmissionPending  = "pending_review"
	SubmissionApproved = "approved"
	SubmissionDenied   = "denied"
)

// Team progress states for a node.
const (
	ProgressAvailable = "available"
	ProgressCompleted = "completed"
)

type Event struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Status         string  `json:"status" enum:"draft,public,completed,archived"`
	StartsAt       string  `json:"starts_at" format:"date-time"`
	EndsAt         string  `json:"ends_at" format:"date-time"`
	ConfigJSON     string  `json:"config_json,omitempty"`
	DerivedJSON    *string `json:"derived_json,omitempty"`
	MapGeneratedAt *string `json:"map_generated_at,omitempty" format:"date-time"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

// Derived holds values computed from an event's configuration when it is
// created or republished. Cached in the events table as derived_json.
type Derived struct {
	NodeCounts  map[string]int `json:"node_counts"`
	StartNodeID string         `json:"start_node_id,omitempty"`
	TotalCoins  int            `json:"total_coins"`
	KeyTypes    []string       `json:"key_types,omitempty"`
}

type Node struct {
	ID          string     `json:"id"`
	EventID     string     `json:"event_id"`
	Kind        string     `json:"kind" enum:"start,standard,inn,treasure"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	X           int        `json:"x"`
	Y           int        `json:"y"`
	Prereqs     []string   `json:"prereqs,omitempty"`
	Unlocks     []string   `json:"unlocks,omitempty"`
	Paths       []string   `json:"paths,omitempty"`
	Objective   string     `json:"objective,omitempty"`
	Reward      Reward     `json:"reward"`
	Tier        int        `json:"tier"`
	InnTier     *int       `json:"inn_tier,omitempty"`
	Catalog     []InnOffer `json:"catalog,omitempty"`
}

// Reward is the payload granted when a node is completed or an inn offer
// is purchased.
type Reward struct {
	Coins int            `json:"coins,omitempty"`
	Keys  map[string]int `json:"keys,omitempty"`
	Buffs []BuffGrant    `json:"buffs,omitempty"`
}

// BuffGrant declares a buff inside a reward. DurationSeconds zero means
// the buff never expires.
type BuffGrant struct {
	Kind            string `json:"kind"`
	Magnitude       int    `json:"magnitude"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

// Cost is what an inn offer charges.
type Cost struct {
	Coins int            `json:"coins,omitempty"`
	Keys  map[string]int `json:"keys,omitempty"`
}

type InnOffer struct {
	Title      string `json:"title"`
	Cost       Cost   `json:"cost"`
	Reward     Reward `json:"reward"`
	Repeatable bool   `json:"repeatable,omitempty"`
}

type Team struct {
	ID        string   `json:"id"`
	EventID   string   `json:"event_id"`
	Name      string   `json:"name"`
	Members   []string `json:"members,omitempty"`
	Pot       int      `json:"pot"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

// TeamState is the full resource picture for one team: the tracked node
// sets, the pot, keys, buffs and bookkeeping history.
type TeamState struct {
	Team
	Completed []string          `json:"completed"`
	Available []string          `json:"available"`
	Keys      map[string]int    `json:"keys,omitempty"`
	Buffs     []Buff            `json:"buffs,omitempty"`
	Purchases []InnPurchase     `json:"purchases,omitempty"`
	Notes     map[string]string `json:"notes,omitempty"`
}

type Buff struct {
	ID        string  `json:"id"`
	TeamID    string  `json:"team_id"`
	Kind      string  `json:"kind"`
	Magnitude int     `json:"magnitude"`
	GrantedAt string  `json:"granted_at" format:"date-time"`
	ExpiresAt *string `json:"expires_at,omitempty" format:"date-time"`
}

// BuffUse is one append-only row of buff history (granted, expired).
type BuffUse struct {
	ID     int64  `json:"id"`
	TeamID string `json:"team_id"`
	Kind   string `json:"kind"`
	Action string `json:"action"`
	TS     string `json:"ts" format:"date-time"`
}

type InnPurchase struct {
	ID         string `json:"id"`
	TeamID     string `json:"team_id"`
	NodeID     string `json:"node_id"`
	OfferIndex int    `json:"offer_index"`
	CostJSON   string `json:"cost_json,omitempty"`
	RewardJSON string `json:"reward_json,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type Submission struct {
	ID            string  `json:"id"`
	EventID       string  `json:"event_id"`
	TeamID        string  `json:"team_id"`
	NodeID        string  `json:"node_id"`
	SubmitterID   string  `json:"submitter_id"`
	SubmitterName string  `json:"submitter_name,omitempty"`
	ChannelID     string  `json:"channel_id,omitempty"`
	ProofURL      string  `json:"proof_url"`
	Status        string  `json:"status" enum:"pending_review,approved,denied"`
	ReviewerID    *string `json:"reviewer_id,omitempty"`
	Reason        *string `json:"reason,omitempty"`
	SubmittedAt   string  `json:"submitted_at" format:"date-time"`
	ReviewedAt    *string `json:"reviewed_at,omitempty" format:"date-time"`
}

type ActivityEntry struct {
	ID      int64  `json:"id"`
	EventID string `json:"event_id"`
	TeamID  string `json:"team_id,omitempty"`
	Type    string `json:"type"`
	Payload string `json:"payload_json"`
	TS      string `json:"ts" format:"date-time"`
}
