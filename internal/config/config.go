package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

const stateDir = ".taskflow"

// Config models .taskflow/config.yml.
type Config struct {
	// Timezone is the canonical zone used to compare due dates.
	Timezone string `yaml:"timezone"`

	Concurrency struct {
		MaxInFlight int `yaml:"max_in_flight"`
	} `yaml:"concurrency"`

	Reminders struct {
		Interval        time.Duration `yaml:"interval"`
		BeforeDueWindow time.Duration `yaml:"before_due_window"`
	} `yaml:"reminders"`

	Escalation struct {
		Interval time.Duration `yaml:"interval"`
	} `yaml:"escalation"`

	Metrics struct {
		DueSoonWindow time.Duration `yaml:"due_soon_window"`
	} `yaml:"metrics"`

	Identity struct {
		DirectoryFile string `yaml:"directory_file"`
		Watch         bool   `yaml:"watch"`
	} `yaml:"identity"`

	Notify Notify `yaml:"notify"`

	// Watchers receive task and completion approvals.
	Watchers []string `yaml:"watchers"`

	Server struct {
		Addr             string `yaml:"addr"`
		BasePath         string `yaml:"base_path"`
		TrustActorHeader bool   `yaml:"trust_actor_header"`
	} `yaml:"server"`

	CredentialsFile string `yaml:"credentials_file"`
}

type Notify struct {
	Log      bool          `yaml:"log"`
	Slack    SlackConfig   `yaml:"slack"`
	NATS     NATSConfig    `yaml:"nats"`
	Webhooks []WebhookHook `yaml:"webhooks"`
}

type SlackConfig struct {
	Enabled         bool          `yaml:"enabled"`
	APIURL          string        `yaml:"api_url"`
	ChannelFallback string        `yaml:"channel_fallback"`
	Timeout         time.Duration `yaml:"timeout"`
}

type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type WebhookHook struct {
	URL     string        `yaml:"url"`
	Events  []string      `yaml:"events"`
	Timeout time.Duration `yaml:"timeout"`
	Enabled *bool         `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with tf init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
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

// Validate ensures the config is usable.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Timezone) == "" {
		return fmt.Errorf("config.timezone is required")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("config.timezone %q: %w", c.Timezone, err)
	}
	if c.Concurrency.MaxInFlight < 1 {
		return fmt.Errorf("config.concurrency.max_in_flight must be at least 1")
	}
	for name, d := range map[string]time.Duration{
		"reminders.interval":          c.Reminders.Interval,
		"reminders.before_due_window": c.Reminders.BeforeDueWindow,
		"escalation.interval":         c.Escalation.Interval,
		"metrics.due_soon_window":     c.Metrics.DueSoonWindow,
	} {
		if d <= 0 {
			return fmt.Errorf("config.%s must be positive", name)
		}
	}
	if c.Identity.Watch && c.Identity.DirectoryFile == "" {
		return fmt.Errorf("config.identity.watch needs identity.directory_file")
	}
	for i, hook := range c.Notify.Webhooks {
		u, err := url.Parse(hook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config.notify.webhooks[%d].url must be an http(s) url", i)
		}
	}
	for i, w := range c.Watchers {
		if !strings.Contains(w, "@") {
			return fmt.Errorf("config.watchers[%d] %q is not an email address", i, w)
		}
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	return nil
}

// Location returns the canonical zone, falling back to UTC.
func (c *Config) Location() *time.Location {
	if c == nil {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ResolvePath makes p relative to workspace unless it is absolute.
func ResolvePath(workspace, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, p)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, stateDir, "config.yml")
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

// FromYAML parses and validates config from raw YAML bytes. Fields left out
// keep their default values.
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

const defaultTemplate = `timezone: Asia/Tokyo

concurrency:
  max_in_flight: 6

reminders:
  interval: 5m
  before_due_window: 24h

escalation:
  interval: 6h

metrics:
  due_soon_window: 72h

identity:
  directory_file: .taskflow/directory.yml
  watch: false

notify:
  log: true
  slack:
    enabled: false
    api_url: https://slack.com/api
    channel_fallback: ""
    timeout: 10s
  nats:
    enabled: false
    url: nats://127.0.0.1:4222
    subject_prefix: taskflow
  webhooks: []

watchers: []

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  trust_actor_header: false

credentials_file: .taskflow/credentials.toml
`
