package notify_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"huntboard/internal/config"
	"huntboard/internal/engine"
	"huntboard/internal/notify"
	"huntboard/internal/pubsub"
)

func TestDeliversMatchingMessages(t *testing.T) {
	got := make(chan pubsub.Message, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Huntboard-Secret") != "hunter2" {
			t.Errorf("secret header missing")
		}
		var msg pubsub.Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			t.Errorf("decode: %v", err)
		}
		got <- msg
	}))
	defer srv.Close()

	cfg := config.Default("hunt-1")
	cfg.Notifier.Webhooks = []config.WebhookConfig{{
		URL:    srv.URL,
		Secret: "hunter2",
		Events: []string{engine.MsgNodeCompleted},
	}}

	bus := pubsub.New(pubsub.Options{})
	n := notify.Start(bus, cfg, "hunt-1")
	if n == nil {
		t.Fatal("notifier did not start")
	}
	defer n.Stop()

	topic := engine.Topic("hunt-1")
	bus.Publish(topic, pubsub.Message{Type: engine.MsgSubmissionAdded, EventID: "hunt-1"})
	bus.Publish(topic, pubsub.Message{Type: engine.MsgNodeCompleted, EventID: "hunt-1", Payload: map[string]any{"node_id": "a"}})

	select {
	case msg := <-got:
		if msg.Type != engine.MsgNodeCompleted {
			t.Fatalf("delivered %s, want %s", msg.Type, engine.MsgNodeCompleted)
		}
		if msg.Payload["node_id"] != "a" {
			t.Fatalf("payload = %v", msg.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
	}
	select {
	case msg := <-got:
		t.Fatalf("unexpected extra delivery: %s", msg.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDisabledHooksDoNotStart(t *testing.T) {
	off := false
	cfg := config.Default("hunt-1")
	cfg.Notifier.Webhooks = []config.WebhookConfig{{URL: "http://example.invalid", Enabled: &off}}
	if n := notify.Start(pubsub.New(pubsub.Options{}), cfg, "hunt-1"); n != nil {
		t.Fatal("notifier should not start with only disabled hooks")
	}
}
