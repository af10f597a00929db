package config_test

import (
	"strings"
	"testing"

	"huntboard/internal/config"
)

func TestDefaultValidates(t *testing.T) {
	cfg := config.Default("evt-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Event.ID != "evt-1" {
		t.Fatalf("event id = %s", cfg.Event.ID)
	}
	if cfg.Publisher.MaxListenersPerTopic != 50 {
		t.Fatalf("max listeners = %d", cfg.Publisher.MaxListenersPerTopic)
	}
}

func TestFromYAMLRejectsBadDifficulty(t *testing.T) {
	_, err := config.FromYAML([]byte("event:\n  id: evt-1\n  difficulty: impossible\n"))
	if err == nil || !strings.Contains(err.Error(), "difficulty") {
		t.Fatalf("expected difficulty error, got %v", err)
	}
}

func TestFromYAMLRequiresEventID(t *testing.T) {
	_, err := config.FromYAML([]byte("event:\n  name: nameless\n"))
	if err == nil {
		t.Fatalf("expected missing id error")
	}
}

func TestWebhookRequiresURL(t *testing.T) {
	_, err := config.FromYAML([]byte("event:\n  id: evt-1\nnotifier:\n  webhooks:\n    - secret: s\n"))
	if err == nil || !strings.Contains(err.Error(), "url") {
		t.Fatalf("expected webhook url error, got %v", err)
	}
	// disabled hooks may omit the url
	_, err = config.FromYAML([]byte("event:\n  id: evt-1\nnotifier:\n  webhooks:\n    - enabled: false\n"))
	if err != nil {
		t.Fatalf("disabled hook should pass: %v", err)
	}
}
