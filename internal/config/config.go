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

// Config models opsline.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
		// CORSOrigins lists browser origins allowed to call the API.
		CORSOrigins []string `yaml:"cors_origins"`
	} `yaml:"server"`
	Automation struct {
		Enabled bool   `yaml:"enabled"`
		ActorID string `yaml:"actor_id"`
		// PollInterval overrides automationPollSeconds when set.
		PollInterval string `yaml:"poll_interval"`
	} `yaml:"automation"`
	Roles struct {
		Privileged []string `yaml:"privileged"`
	} `yaml:"roles"`
	Device struct {
		RemoteURL string `yaml:"remote_url"`
		ActorID   string `yaml:"actor_id"`
		Timeout   string `yaml:"timeout"`
	} `yaml:"device"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig forwards audit events to an external URL.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	// RatePerSecond caps deliveries to the hook. Zero means unlimited.
	RatePerSecond float64 `yaml:"rate_per_second"`
	Enabled       *bool   `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with opsline init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
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
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Automation.Enabled && strings.TrimSpace(c.Automation.ActorID) == "" {
		return fmt.Errorf("config.automation.actor_id is required when automation is enabled")
	}
	if c.Automation.PollInterval != "" {
		d, err := time.ParseDuration(c.Automation.PollInterval)
		if err != nil {
			return fmt.Errorf("config.automation.poll_interval: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("config.automation.poll_interval must be positive")
		}
	}
	for _, role := range c.Roles.Privileged {
		if strings.TrimSpace(role) == "" {
			return fmt.Errorf("config.roles.privileged contains empty role")
		}
	}
	for i, hook := range c.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
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
	if c.Device.Timeout != "" {
		if _, err := time.ParseDuration(c.Device.Timeout); err != nil {
			return fmt.Errorf("config.device.timeout: %w", err)
		}
	}
	return nil
}

// PollOverride returns the configured poll interval, or zero when unset.
func (c *Config) PollOverride() time.Duration {
	if c.Automation.PollInterval == "" {
		return 0
	}
	d, _ := time.ParseDuration(c.Automation.PollInterval)
	return d
}

// DeviceTimeout returns the HTTP timeout for the field-device client.
func (c *Config) DeviceTimeout() time.Duration {
	d, err := time.ParseDuration(c.Device.Timeout)
	if err != nil || d <= 0 {
		return 15 * time.Second
	}
	return d
}

// IsPrivileged reports whether any of the roles is configured as privileged.
func (c *Config) IsPrivileged(roles []string) bool {
	for _, r := range roles {
		for _, p := range c.Roles.Privileged {
			if r == p {
				return true
			}
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "opsline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
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

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0
  # cors_origins: ["http://localhost:5173"]

automation:
  enabled: true
  actor_id: automation

roles:
  privileged: [admin, manager]

device:
  remote_url: http://127.0.0.1:8080/v0
  actor_id: field-device
  timeout: 15s

# webhooks:
#   - url: https://example.com/hooks/opsline
#     events: [automation.task_created, task.status]
#     secret: change-me
#     rate_per_second: 5
`
