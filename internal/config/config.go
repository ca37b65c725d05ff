package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "agentline.yml"

// Config models agentline.yml.
type Config struct {
	LogDir string `yaml:"log_dir"`
	Events struct {
		JSONL  bool `yaml:"jsonl"`
		SQLite bool `yaml:"sqlite"`
	} `yaml:"events"`
	Bus struct {
		QueueSize   int    `yaml:"queue_size"`
		HistorySize int    `yaml:"history_size"`
		Dispatcher  string `yaml:"dispatcher"`
	} `yaml:"bus"`
	Agents struct {
		MaxAgents          int `yaml:"max_agents"`
		DefaultTokenBudget int `yaml:"default_token_budget"`
	} `yaml:"agents"`
	Missions struct {
		PhasePolicy         string `yaml:"phase_policy"`
		RetrospectivePolicy string `yaml:"retrospective_policy"`
	} `yaml:"missions"`
	Pipeline struct {
		ReportInterval string `yaml:"report_interval"`
		ParallelLimit  int    `yaml:"parallel_limit"`
	} `yaml:"pipeline"`
	Notify struct {
		MinLevel string          `yaml:"min_level"`
		Webhooks []WebhookConfig `yaml:"webhooks"`
	} `yaml:"notify"`
}

type WebhookConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
	// Events filters stored events forwarded by the dispatcher, by type or
	// "stream.TYPE".
	Events []string `yaml:"events"`
	// Statuses filters pipeline notifications by status.
	Statuses       []string `yaml:"statuses"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Active reports whether the hook should receive deliveries.
func (w WebhookConfig) Active() bool {
	if w.Enabled != nil && !*w.Enabled {
		return false
	}
	return strings.TrimSpace(w.URL) != ""
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with al config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.LogDir) == "" {
		return fmt.Errorf("config.log_dir is required")
	}
	if c.Bus.QueueSize <= 0 {
		return fmt.Errorf("config.bus.queue_size must be positive")
	}
	if c.Bus.HistorySize < 0 {
		return fmt.Errorf("config.bus.history_size must not be negative")
	}
	if strings.TrimSpace(c.Bus.Dispatcher) == "" {
		return fmt.Errorf("config.bus.dispatcher is required")
	}
	if c.Agents.MaxAgents <= 0 {
		return fmt.Errorf("config.agents.max_agents must be positive")
	}
	if c.Agents.DefaultTokenBudget <= 0 {
		return fmt.Errorf("config.agents.default_token_budget must be positive")
	}
	switch c.Missions.PhasePolicy {
	case "any", "forward":
	default:
		return fmt.Errorf("config.missions.phase_policy must be 'any' or 'forward'")
	}
	switch c.Missions.RetrospectivePolicy {
	case "reject", "overwrite":
	default:
		return fmt.Errorf("config.missions.retrospective_policy must be 'reject' or 'overwrite'")
	}
	if _, err := c.ReportInterval(); err != nil {
		return err
	}
	if c.Pipeline.ParallelLimit <= 0 {
		return fmt.Errorf("config.pipeline.parallel_limit must be positive")
	}
	switch strings.ToUpper(c.Notify.MinLevel) {
	case "ALL", "IMPORTANT", "CRITICAL":
	default:
		return fmt.Errorf("config.notify.min_level must be ALL, IMPORTANT or CRITICAL")
	}
	for i, hook := range c.Notify.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.notify.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.notify.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// ReportInterval parses pipeline.report_interval.
func (c *Config) ReportInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.Pipeline.ReportInterval)
	if err != nil {
		return 0, fmt.Errorf("config.pipeline.report_interval: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config.pipeline.report_interval must be positive")
	}
	return d, nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// LogPath resolves log_dir against the workspace.
func (c *Config) LogPath(workspace string) string {
	if filepath.IsAbs(c.LogDir) {
		return c.LogDir
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, c.LogDir)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
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

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
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

// YAML renders the config back to YAML.
func (c *Config) YAML() (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

const defaultTemplate = `log_dir: logs

events:
  jsonl: true
  sqlite: false

bus:
  queue_size: 1000
  history_size: 500
  dispatcher: 01/Chief-Dispatcher

agents:
  max_agents: 20
  default_token_budget: 5000

missions:
  # any: phases may be set in any order (a rewind is logged)
  # forward: a rewind is rejected
  phase_policy: any
  # reject: a second retrospective fails; overwrite: it replaces the first
  retrospective_policy: reject

pipeline:
  report_interval: 10m
  parallel_limit: 4

notify:
  # ALL, IMPORTANT or CRITICAL
  min_level: ALL
  # url, secret, events (stored event types), statuses (notification
  # statuses), timeout_seconds, enabled
  webhooks: []
`
