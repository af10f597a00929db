// Package notify delivers change-stream messages to configured chat
// webhooks. Delivery is best effort: failures are logged and the message
// is dropped, never retried, so a dead hook cannot stall the event.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"huntboard/internal/config"
	"huntboard/internal/engine"
	"huntboard/internal/pubsub"
)

const defaultTimeout = 5 * time.Second

type Notifier struct {
	hooks  []config.WebhookConfig
	client *http.Client
	logger *log.Logger
	sub    *pubsub.Subscription
}

// Start subscribes the notifier to an event's change stream and begins
// delivering in the background. Returns nil when no hooks are configured.
func Start(bus *pubsub.Bus, cfg *config.Config, eventID string) *Notifier {
	if cfg == nil || len(cfg.Notifier.Webhooks) == 0 {
		return nil
	}
	hooks := make([]config.WebhookConfig, 0, len(cfg.Notifier.Webhooks))
	for _, h := range cfg.Notifier.Webhooks {
		if h.Enabled != nil && !*h.Enabled {
			continue
		}
		if strings.TrimSpace(h.URL) == "" {
			continue
		}
		hooks = append(hooks, h)
	}
	if len(hooks) == 0 {
		return nil
	}
	n := &Notifier{
		hooks:  hooks,
		client: &http.Client{Timeout: defaultTimeout},
		logger: log.Default(),
		sub:    bus.Subscribe(engine.Topic(eventID), nil),
	}
	go n.run()
	return n
}

// Stop cancels the underlying subscription; the delivery goroutine drains
// and exits.
func (n *Notifier) Stop() {
	n.sub.Cancel()
}

func (n *Notifier) run() {
	for msg := range n.sub.C() {
		for _, hook := range n.hooks {
			if !typeFilter(hook.Events).match(msg.Type) {
				continue
			}
			if err := n.post(context.Background(), hook, msg); err != nil {
				n.logger.Printf("notify: deliver %s to %s failed: %v", msg.Type, hook.URL, err)
			}
		}
	}
}

func (n *Notifier) post(ctx context.Context, hook config.WebhookConfig, msg pubsub.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	client := n.client
	if hook.TimeoutSeconds > 0 {
		timeout := time.Duration(hook.TimeoutSeconds) * time.Second
		if timeout != n.client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Huntboard-Event", msg.Type)
	req.Header.Set("X-Huntboard-Topic", msg.Topic)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Huntboard-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type filter struct {
	all bool
	set map[string]struct{}
}

func typeFilter(types []string) filter {
	if len(types) == 0 {
		return filter{all: true}
	}
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		key := strings.TrimSpace(t)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return filter{all: true}
	}
	return filter{set: set}
}

func (f filter) match(t string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[t]
	return ok
}
