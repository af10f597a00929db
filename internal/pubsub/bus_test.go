package pubsub_test

import (
	"bytes"
	"log"
	"strings"
	"testing"
	"time"

	"huntboard/internal/pubsub"
)

func recv(t *testing.T, sub *pubsub.Subscription) pubsub.Message {
	t.Helper()
	select {
	case msg, ok := <-sub.C():
		if !ok {
			t.Fatalf("subscription closed")
		}
		return msg
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for message")
	}
	return pubsub.Message{}
}

func TestPublishReachesSubscribers(t *testing.T) {
	bus := pubsub.New(pubsub.Options{})
	sub := bus.Subscribe("event:evt-1", nil)
	defer sub.Cancel()

	bus.Publish("event:evt-1", pubsub.Message{Type: "node-completed", EventID: "evt-1", TeamID: "team-1"})
	msg := recv(t, sub)
	if msg.Type != "node-completed" || msg.Topic != "event:evt-1" {
		t.Fatalf("msg = %+v", msg)
	}
}

func TestTopicIsolation(t *testing.T) {
	bus := pubsub.New(pubsub.Options{})
	other := bus.Subscribe("event:evt-2", nil)
	defer other.Cancel()

	bus.Publish("event:evt-1", pubsub.Message{Type: "submission-added"})
	select {
	case msg := <-other.C():
		t.Fatalf("unexpected delivery: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFilterEvaluatedPerDelivery(t *testing.T) {
	bus := pubsub.New(pubsub.Options{})
	admin := false
	sub := bus.Subscribe("event:evt-1", func(pubsub.Message) bool { return admin })
	defer sub.Cancel()

	// not an admin yet: zero deliveries
	bus.Publish("event:evt-1", pubsub.Message{Type: "submission-added"})
	select {
	case msg := <-sub.C():
		t.Fatalf("non-admin received %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}

	// authorization change applies to the next publish, no re-subscribe
	admin = true
	bus.Publish("event:evt-1", pubsub.Message{Type: "submission-reviewed"})
	if msg := recv(t, sub); msg.Type != "submission-reviewed" {
		t.Fatalf("msg = %+v", msg)
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	bus := pubsub.New(pubsub.Options{})
	sub := bus.Subscribe("event:evt-1", nil)
	sub.Cancel()
	sub.Cancel() // idempotent

	if n := bus.SubscriberCount("event:evt-1"); n != 0 {
		t.Fatalf("count after cancel = %d", n)
	}
	bus.Publish("event:evt-1", pubsub.Message{Type: "node-completed"})
	if _, ok := <-sub.C(); ok {
		t.Fatalf("expected closed channel")
	}
}

func TestSlowSubscriberDropped(t *testing.T) {
	bus := pubsub.New(pubsub.Options{BufferSize: 2})
	slow := bus.Subscribe("event:evt-1", nil)
	fast := bus.Subscribe("event:evt-1", nil)
	defer fast.Cancel()

	for i := 0; i < 5; i++ {
		bus.Publish("event:evt-1", pubsub.Message{Type: "submission-added"})
		recv(t, fast)
	}
	if n := bus.SubscriberCount("event:evt-1"); n != 1 {
		t.Fatalf("expected slow subscriber dropped, count = %d", n)
	}
	// drained messages up to the buffer size, then closed
	got := 0
	for range slow.C() {
		got++
	}
	if got != 2 {
		t.Fatalf("slow subscriber drained %d messages", got)
	}
}

func TestListenerLimitWarning(t *testing.T) {
	var buf bytes.Buffer
	bus := pubsub.New(pubsub.Options{
		MaxListenersPerTopic: 2,
		Logger:               log.New(&buf, "", 0),
	})
	for i := 0; i < 3; i++ {
		defer bus.Subscribe("event:evt-1", nil).Cancel()
	}
	if !strings.Contains(buf.String(), "subscription leak") {
		t.Fatalf("expected leak warning, log: %q", buf.String())
	}
}

func TestClose(t *testing.T) {
	bus := pubsub.New(pubsub.Options{})
	sub := bus.Subscribe("event:evt-1", nil)
	bus.Close()
	if _, ok := <-sub.C(); ok {
		t.Fatalf("expected closed channel")
	}
	if n := bus.SubscriberCount("event:evt-1"); n != 0 {
		t.Fatalf("count = %d", n)
	}
}
