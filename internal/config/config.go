package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models fieldaudit.yml.
type Config struct {
	Escalation EscalationConfig `yaml:"escalation"`
	Conflict   ConflictConfig   `yaml:"conflict"`
	Server     struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type EscalationConfig struct {
	// RejectionThreshold is the rejection count that queues an escalation.
	RejectionThreshold int `yaml:"rejection_threshold"`
	// ExpiryHours bounds how long an escalation may stay unresolved.
	ExpiryHours      int           `yaml:"expiry_hours"`
	ReminderInterval time.Duration `yaml:"reminder_interval"`
	TickInterval     time.Duration `yaml:"tick_interval"`
}

// Expiry returns ExpiryHours as a duration.
func (c EscalationConfig) Expiry() time.Duration {
	return time.Duration(c.ExpiryHours) * time.Hour
}

type ConflictConfig struct {
	Window         time.Duration `yaml:"window"`
	DistanceMeters float64       `yaml:"distance_meters"`
	// FlagUnclassifiedOverlap reports in-window submissions with no type or
	// location difference as EVIDENCE_DISPUTE.
	FlagUnclassifiedOverlap *bool `yaml:"flag_unclassified_overlap"`
}

// FlagsUnclassified resolves FlagUnclassifiedOverlap, defaulting to true.
func (c ConflictConfig) FlagsUnclassified() bool {
	return c.FlagUnclassifiedOverlap == nil || *c.FlagUnclassifiedOverlap
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	RatePerSecond  float64  `yaml:"rate_per_second"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with fa config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Escalation.RejectionThreshold < 1 {
		return fmt.Errorf("config.escalation.rejection_threshold must be at least 1")
	}
	if c.Escalation.ExpiryHours <= 0 {
		return fmt.Errorf("config.escalation.expiry_hours must be positive")
	}
	if c.Escalation.ReminderInterval <= 0 {
		return fmt.Errorf("config.escalation.reminder_interval must be positive")
	}
	if c.Escalation.TickInterval <= 0 {
		return fmt.Errorf("config.escalation.tick_interval must be positive")
	}
	if c.Conflict.Window <= 0 {
		return fmt.Errorf("config.conflict.window must be positive")
	}
	if c.Conflict.DistanceMeters <= 0 {
		return fmt.Errorf("config.conflict.distance_meters must be positive")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
		if hook.RatePerSecond < 0 {
			return fmt.Errorf("config.webhooks[%d].rate_per_second must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "fieldaudit.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config from raw YAML bytes over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `escalation:
  # rejections before an inspection is queued for reassignment
  rejection_threshold: 2
  expiry_hours: 72
  reminder_interval: 4h
  tick_interval: 1m

conflict:
  window: 5m
  distance_meters: 100
  flag_unclassified_overlap: true

server:
  addr: 127.0.0.1:8080
  base_path: /v1

webhooks: []
`
