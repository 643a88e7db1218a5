package outbox

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.jetify.com/typeid"
	"gopkg.in/yaml.v3"
)

// Config is the outbox processor configuration.
type Config struct {
	Enabled        bool                   `yaml:"enabled"`
	LockStrategy   LockStrategy           `yaml:"lock_strategy"`
	BatchSize      int                    `yaml:"batch_size"`
	MaxRetries     int                    `yaml:"max_retries"`
	PollIntervalMs int                    `yaml:"poll_interval_ms"`
	InstanceID     string                 `yaml:"instance_id"`
	Topics         map[string]TopicConfig `yaml:"topics"`
}

// DefaultConfig returns the defaults applied by Normalize.
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		LockStrategy:   LockStrategyGlobal,
		BatchSize:      100,
		MaxRetries:     5,
		PollIntervalMs: 1000,
	}
}

// PollInterval returns the poll interval as a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// Normalize fills zero-valued fields with defaults, stamps topic names into
// their configs, and generates an instance id when none is set.
func (c Config) Normalize() Config {
	defaults := DefaultConfig()
	if c.LockStrategy == "" {
		c.LockStrategy = defaults.LockStrategy
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.PollIntervalMs <= 0 {
		c.PollIntervalMs = defaults.PollIntervalMs
	}
	if c.InstanceID == "" {
		c.InstanceID = newInstanceID()
	}
	for name, tc := range c.Topics {
		tc.Name = name
		c.Topics[name] = tc
	}
	return c
}

// Validate checks the configuration for mistakes Normalize cannot fix.
func (c Config) Validate() error {
	switch c.LockStrategy {
	case LockStrategyGlobal, LockStrategyPerTopicPublisher:
	default:
		return fmt.Errorf("invalid lock strategy %q", c.LockStrategy)
	}
	for name, tc := range c.Topics {
		if name == "" {
			return fmt.Errorf("topic with empty name")
		}
		if len(tc.Publishers) == 0 {
			return fmt.Errorf("topic %q has no publishers", name)
		}
		seen := make(map[string]struct{}, len(tc.Publishers))
		for _, pub := range tc.Publishers {
			if pub == "" {
				return fmt.Errorf("topic %q has an empty publisher name", name)
			}
			if _, dup := seen[pub]; dup {
				return fmt.Errorf("topic %q lists publisher %q twice", name, pub)
			}
			seen[pub] = struct{}{}
		}
	}
	return nil
}

// LoadConfig reads, normalizes, and validates a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// newInstanceID generates a sortable process identity like
// "outbox_01jzqv9...", falling back to a UUID when generation fails.
func newInstanceID() string {
	id, err := typeid.WithPrefix("outbox")
	if err != nil {
		return "outbox_" + uuid.NewString()
	}
	return id.String()
}
