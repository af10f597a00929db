package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models huntboard.yml.
type Config struct {
	Event struct {
		ID         string   `yaml:"id"`
		Name       string   `yaml:"name"`
		Difficulty string   `yaml:"difficulty"`
		Content    []string `yaml:"content"`
		MapSeed    int64    `yaml:"map_seed"`
	} `yaml:"event"`
	Rewards struct {
		CoinsPerTier map[int]int `yaml:"coins_per_tier"`
		KeyTypes     []string    `yaml:"key_types"`
	} `yaml:"rewards"`
	Publisher struct {
		MaxListenersPerTopic int `yaml:"max_listeners_per_topic"`
		BufferSize           int `yaml:"buffer_size"`
	} `yaml:"publisher"`
	Notifier struct {
		Webhooks []WebhookConfig `yaml:"webhooks"`
	} `yaml:"notifier"`
}

// WebhookConfig is one outbound chat-platform hook.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

var difficulties = map[string]bool{"easy": true, "medium": true, "hard": true}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with hunt event init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Event.ID == "" {
		return fmt.Errorf("config.event.id is required")
	}
	if c.Event.Difficulty != "" && !difficulties[c.Event.Difficulty] {
		return fmt.Errorf("config.event.difficulty must be easy, medium or hard")
	}
	for tier, coins := range c.Rewards.CoinsPerTier {
		if tier < 0 {
			return fmt.Errorf("rewards.coins_per_tier has negative tier %d", tier)
		}
		if coins < 0 {
			return fmt.Errorf("rewards.coins_per_tier[%d] is negative", tier)
		}
	}
	for _, kt := range c.Rewards.KeyTypes {
		if kt == "" {
			return fmt.Errorf("rewards.key_types contains an empty type")
		}
	}
	if c.Publisher.MaxListenersPerTopic < 0 {
		return fmt.Errorf("publisher.max_listeners_per_topic is negative")
	}
	for i, hook := range c.Notifier.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if hook.URL == "" {
			return fmt.Errorf("notifier.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "huntboard.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(eventID string) string {
	return fmt.Sprintf(defaultTemplate, eventID)
}

// Default returns the default Config struct for an event.
func Default(eventID string) *Config {
	var cfg Config
	cfg.Event.ID = eventID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, eventID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `event:
  id: %s
  name: Treasure Hunt
  difficulty: medium
  content: [overworld]
  map_seed: 1

rewards:
  coins_per_tier:
    1: 10
    2: 25
    3: 50
  key_types: [bronze, silver, gold]

publisher:
  max_listeners_per_topic: 50
  buffer_size: 16

notifier:
  webhooks: []
`
