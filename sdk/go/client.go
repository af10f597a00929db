package huntboardsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Huntboard HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Event represents the API event model (partial).
type Event struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Status   string `json:"status"`
	StartsAt string `json:"starts_at"`
	EndsAt   string `json:"ends_at"`
}

// Team represents a playing crew.
type Team struct {
	ID      string   `json:"id"`
	EventID string   `json:"event_id"`
	Name    string   `json:"name"`
	Members []string `json:"members,omitempty"`
	Pot     int      `json:"pot"`
}

// Buff is a granted effect on a team.
type Buff struct {
	ID        string  `json:"id"`
	Kind      string  `json:"kind"`
	Magnitude int     `json:"magnitude"`
	ExpiresAt *string `json:"expires_at,omitempty"`
}

// TeamState is a team's full progression snapshot.
type TeamState struct {
	Team
	Completed []string          `json:"completed"`
	Available []string          `json:"available"`
	Keys      map[string]int    `json:"keys,omitempty"`
	Buffs     []Buff            `json:"buffs,omitempty"`
	Notes     map[string]string `json:"notes,omitempty"`
}

// Submission represents a proof submission.
type Submission struct {
	ID          string `json:"id"`
	EventID     string `json:"event_id"`
	TeamID      string `json:"team_id"`
	NodeID      string `json:"node_id"`
	SubmitterID string `json:"submitter_id"`
	ProofURL    string `json:"proof_url"`
	Status      string `json:"status"`
	SubmittedAt string `json:"submitted_at"`
}

// InnPurchase records a catalog trade.
type InnPurchase struct {
	ID         string `json:"id"`
	TeamID     string `json:"team_id"`
	NodeID     string `json:"node_id"`
	OfferIndex int    `json:"offer_index"`
	CreatedAt  string `json:"created_at"`
}

// ActivityEntry is one log line.
type ActivityEntry struct {
	ID      int64  `json:"id"`
	EventID string `json:"event_id"`
	TeamID  string `json:"team_id,omitempty"`
	Type    string `json:"type"`
	Payload string `json:"payload_json"`
	TS      string `json:"ts"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedSubmissions wraps list responses with cursors.
type PaginatedSubmissions struct {
	Items      []Submission `json:"items"`
	NextCursor string       `json:"next_cursor"`
}

// DevLogin exchanges an actor id and roles for a bearer token and
// stores it on the client.
func (c *Client) DevLogin(ctx context.Context, actorID string, roles []string) (string, error) {
	body := map[string]any{
		"actor_id": actorID,
		"roles":    roles,
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "v0/auth/dev/login", body, &resp); err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

// GetEvent fetches an event by id.
func (c *Client) GetEvent(ctx context.Context, eventID string) (Event, error) {
	var resp Event
	endpoint := fmt.Sprintf("v0/events/%s", url.PathEscape(eventID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ListTeams returns the teams registered for an event.
func (c *Client) ListTeams(ctx context.Context, eventID string) ([]Team, error) {
	var resp []Team
	endpoint := fmt.Sprintf("v0/events/%s/teams", url.PathEscape(eventID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetTeamState returns a team's progression snapshot.
func (c *Client) GetTeamState(ctx context.Context, teamID string) (TeamState, error) {
	var resp TeamState
	endpoint := fmt.Sprintf("v0/teams/%s/state", url.PathEscape(teamID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SubmitProof files a proof for a node on behalf of the authenticated actor.
func (c *Client) SubmitProof(ctx context.Context, teamID, nodeID, proofURL string) (Submission, error) {
	body := map[string]any{
		"node_id":   nodeID,
		"proof_url": proofURL,
	}
	var resp Submission
	endpoint := fmt.Sprintf("v0/teams/%s/submissions", url.PathEscape(teamID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ReviewSubmission approves or denies a pending submission.
func (c *Client) ReviewSubmission(ctx context.Context, submissionID, decision, reason string) (Submission, error) {
	body := map[string]any{
		"decision": decision,
		"reason":   reason,
	}
	var resp Submission
	endpoint := fmt.Sprintf("v0/submissions/%s/review", url.PathEscape(submissionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Submissions returns recent submissions for an event.
func (c *Client) Submissions(ctx context.Context, eventID string, limit int) ([]Submission, error) {
	page, err := c.SubmissionsPage(ctx, eventID, limit, "")
	return page.Items, err
}

// SubmissionsPage returns a paginated submission listing.
func (c *Client) SubmissionsPage(ctx context.Context, eventID string, limit int, cursor string) (PaginatedSubmissions, error) {
	endpoint := fmt.Sprintf("v0/events/%s/submissions", url.PathEscape(eventID))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedSubmissions
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// PurchaseInnReward buys a catalog offer at an inn node.
func (c *Client) PurchaseInnReward(ctx context.Context, teamID, nodeID string, offerIndex int) (InnPurchase, error) {
	body := map[string]any{
		"node_id":     nodeID,
		"offer_index": offerIndex,
	}
	var resp InnPurchase
	endpoint := fmt.Sprintf("v0/teams/%s/purchases", url.PathEscape(teamID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ListActivity returns recent activity log entries for an event.
func (c *Client) ListActivity(ctx context.Context, eventID string, limit int) ([]ActivityEntry, error) {
	endpoint := fmt.Sprintf("v0/events/%s/activity", url.PathEscape(eventID))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []ActivityEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
