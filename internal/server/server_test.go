package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"

	"huntboard/internal/config"
	"huntboard/internal/db"
	"huntboard/internal/domain"
	"huntboard/internal/engine"
	"huntboard/internal/pubsub"
	"huntboard/internal/repo"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("hunt-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg, pubsub.New(pubsub.Options{}))
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func adminHeaders(t *testing.T) map[string]string {
	t.Helper()
	token, err := signDevToken(testSecret, "gm", []string{"admin"})
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func playerHeaders() map[string]string {
	return map[string]string{"X-Actor-Id": "alice"}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func seedEvent(t *testing.T, srv *testServer) domain.Team {
	t.Helper()
	client := srv.Client()
	admin := adminHeaders(t)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/events", map[string]any{"id": "hunt-1"}, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create event status %d: %s", res.StatusCode, string(data))
	}
	nodes := []map[string]any{
		{"id": "start", "kind": "start", "title": "Set sail", "unlocks": []string{"a"}},
		{"id": "a", "kind": "standard", "title": "First boss", "prereqs": []string{"start"},
			"reward": map[string]any{"coins": 10}},
	}
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/events/hunt-1/nodes", map[string]any{"nodes": nodes}, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("import nodes status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/events/hunt-1/status", map[string]any{"status": "public"}, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("publish status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/events/hunt-1/teams", map[string]any{"name": "crew"}, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create team status %d: %s", res.StatusCode, string(data))
	}
	var team domain.Team
	if err := json.Unmarshal(data, &team); err != nil {
		t.Fatalf("unmarshal team: %v", err)
	}
	return team
}

func TestSubmissionWorkflow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	team := seedEvent(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/teams/"+team.ID+"/submissions", map[string]any{
		"node_id":   "start",
		"proof_url": "https://proof.example/start",
	}, playerHeaders())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var sub domain.Submission
	if err := json.Unmarshal(data, &sub); err != nil {
		t.Fatalf("unmarshal submission: %v", err)
	}
	if sub.Status != domain.SubmissionPending || sub.SubmitterID != "alice" {
		t.Fatalf("submission = %+v", sub)
	}

	// second pending submission for the same node is rejected
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/teams/"+team.ID+"/submissions", map[string]any{
		"node_id":   "start",
		"proof_url": "https://proof.example/again",
	}, playerHeaders())
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate submit status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "duplicate_pending" {
		t.Fatalf("error code = %q", envelope.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/submissions/"+sub.ID+"/review", map[string]any{
		"decision": "approve",
	}, adminHeaders(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("review status %d: %s", res.StatusCode, string(data))
	}

	// reviewing a decided submission conflicts
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/submissions/"+sub.ID+"/review", map[string]any{
		"decision": "deny",
	}, adminHeaders(t))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("re-review status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/teams/"+team.ID+"/state", nil, playerHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("state status %d: %s", res.StatusCode, string(data))
	}
	var state domain.TeamState
	if err := json.Unmarshal(data, &state); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if len(state.Completed) != 1 || state.Completed[0] != "start" {
		t.Fatalf("completed = %v", state.Completed)
	}
	if len(state.Available) != 1 || state.Available[0] != "a" {
		t.Fatalf("available = %v", state.Available)
	}
}

func TestSubmitUnavailableNodeCode(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	team := seedEvent(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/teams/"+team.ID+"/submissions", map[string]any{
		"node_id":   "a",
		"proof_url": "https://proof.example/a",
	}, playerHeaders())
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "node_not_available" {
		t.Fatalf("error code = %q", envelope.Error.Code)
	}
}

func TestAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	// health is open
	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}

	// everything else requires credentials
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated list status %d", res.StatusCode)
	}

	// admin endpoints reject plain actors
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/events", map[string]any{"id": "hunt-1"}, playerHeaders())
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin create status %d", res.StatusCode)
	}
}

func TestHandleErrorStoreUnavailable(t *testing.T) {
	cases := []error{
		fmt.Errorf("update pot: %w", repo.ErrStoreUnavailable),
		errors.New("database is locked (5) (SQLITE_BUSY)"),
	}
	for _, err := range cases {
		statusErr := handleError(err)
		if statusErr.GetStatus() != http.StatusServiceUnavailable {
			t.Fatalf("%v -> status %d, want 503", err, statusErr.GetStatus())
		}
		envelope, ok := statusErr.(*apiError)
		if !ok {
			t.Fatalf("%v -> %T, want *apiError", err, statusErr)
		}
		if envelope.Body.Code != "store_unavailable" {
			t.Fatalf("%v -> code %s, want store_unavailable", err, envelope.Body.Code)
		}
	}
}
