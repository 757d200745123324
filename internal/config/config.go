// Package config provides configuration loading with hot-reload support.
// It uses fsnotify to watch for file changes and atomic pointer swaps so
// in-flight requests keep the snapshot they started with.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete balancer configuration document.
type Config struct {
	Settings    Settings         `yaml:"settings"`
	Providers   []ProviderConfig `yaml:"providers"`
	ModelRoutes ModelRoutes      `yaml:"model_routes"`
}

// ModelRoutes is the model_routes mapping with its document order
// preserved. Routes matching a model at equal priority resolve by
// declaration order, so a plain Go map would not do.
type ModelRoutes struct {
	groups []ModelRouteGroup
}

// ModelRouteGroup is one pattern entry of the model_routes mapping.
type ModelRouteGroup struct {
	Pattern string
	Routes  []RouteConfig
}

// UnmarshalYAML decodes the mapping node pairwise to keep document order.
func (m *ModelRoutes) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("model_routes must be a mapping")
	}
	m.groups = nil
	for i := 0; i+1 < len(node.Content); i += 2 {
		var pattern string
		if err := node.Content[i].Decode(&pattern); err != nil {
			return fmt.Errorf("model_routes key: %w", err)
		}
		var routes []RouteConfig
		if err := node.Content[i+1].Decode(&routes); err != nil {
			return fmt.Errorf("model_routes %q: %w", pattern, err)
		}
		m.groups = append(m.groups, ModelRouteGroup{Pattern: pattern, Routes: routes})
	}
	return nil
}

// MarshalYAML re-emits the mapping in declaration order so the config
// checksum is deterministic.
func (m ModelRoutes) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, g := range m.groups {
		var key, value yaml.Node
		if err := key.Encode(g.Pattern); err != nil {
			return nil, err
		}
		if err := value.Encode(g.Routes); err != nil {
			return nil, err
		}
		node.Content = append(node.Content, &key, &value)
	}
	return node, nil
}

// Groups returns the pattern entries in declaration order.
func (m *ModelRoutes) Groups() []ModelRouteGroup {
	return m.groups
}

// Get returns the routes declared for an exact pattern key.
func (m *ModelRoutes) Get(pattern string) []RouteConfig {
	for _, g := range m.groups {
		if g.Pattern == pattern {
			return g.Routes
		}
	}
	return nil
}

// Settings contains global service settings.
type Settings struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	TimeoutSeconds               int `yaml:"timeout_seconds"`
	CooldownSeconds              int `yaml:"cooldown_seconds"`
	UnhealthyThreshold           int `yaml:"unhealthy_threshold"`
	UnhealthyWindowSeconds       int `yaml:"unhealthy_window"`
	UnhealthyResetTimeoutSeconds int `yaml:"unhealthy_reset_timeout"`
	StuckRequestTTLSeconds       int `yaml:"stuck_request_ttl"`
	StickyWindowSeconds          int `yaml:"sticky_window_seconds"`
	MaxBacklogChunks             int `yaml:"max_backlog_chunks"`

	// TestingDelayMS inserts a sleep between dedup claim and upstream
	// dispatch so concurrency tests can reliably produce joiners.
	TestingDelayMS int `yaml:"testing_delay_ms"`

	OAuthAutoRefreshEnabled bool `yaml:"oauth_auto_refresh_enabled"`

	Auth AuthConfig `yaml:"auth"`
}

// AuthConfig gates inbound requests.
type AuthConfig struct {
	Enabled     bool     `yaml:"enabled"`
	APIKey      string   `yaml:"api_key"`
	ExemptPaths []string `yaml:"exempt_paths"`
}

// ProviderConfig describes one upstream provider.
type ProviderConfig struct {
	Name           string `yaml:"name"`
	Type           string `yaml:"type"`      // anthropic | openai
	BaseURL        string `yaml:"base_url"`
	AuthType       string `yaml:"auth_type"` // api_key | bearer | oauth
	AuthValue      string `yaml:"auth_value"`
	Enabled        bool   `yaml:"enabled"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty"`
}

// RouteConfig maps a model pattern entry to a provider.
type RouteConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"` // "passthrough" keeps the client model name
	Priority int    `yaml:"priority"`
	Enabled  bool   `yaml:"enabled"`
}

// Timeout returns the global request timeout.
func (s Settings) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// Cooldown returns the unhealthy-provider cooldown period.
func (s Settings) Cooldown() time.Duration {
	return time.Duration(s.CooldownSeconds) * time.Second
}

// UnhealthyWindow returns the rolling error window.
func (s Settings) UnhealthyWindow() time.Duration {
	return time.Duration(s.UnhealthyWindowSeconds) * time.Second
}

// UnhealthyResetTimeout returns the idle period after which rolling error
// counts are swept back to zero.
func (s Settings) UnhealthyResetTimeout() time.Duration {
	return time.Duration(s.UnhealthyResetTimeoutSeconds) * time.Second
}

// StuckRequestTTL returns the age at which an in-flight entry is considered
// stuck and eligible for forced cleanup.
func (s Settings) StuckRequestTTL() time.Duration {
	return time.Duration(s.StuckRequestTTLSeconds) * time.Second
}

// StickyWindow returns the sticky-provider promotion window.
func (s Settings) StickyWindow() time.Duration {
	return time.Duration(s.StickyWindowSeconds) * time.Second
}

// TestingDelay returns the injected claim-to-dispatch delay.
func (s Settings) TestingDelay() time.Duration {
	return time.Duration(s.TestingDelayMS) * time.Millisecond
}

// LoadFromFile reads, env-expands, parses, and validates a config file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Load(data)
}

// Load parses a config document from bytes.
func Load(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	s := &c.Settings
	if s.Host == "" {
		s.Host = "127.0.0.1"
	}
	if s.Port == 0 {
		s.Port = 9090
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if s.TimeoutSeconds == 0 {
		s.TimeoutSeconds = 120
	}
	if s.CooldownSeconds == 0 {
		s.CooldownSeconds = 60
	}
	if s.UnhealthyThreshold == 0 {
		s.UnhealthyThreshold = 2
	}
	if s.UnhealthyWindowSeconds == 0 {
		s.UnhealthyWindowSeconds = 60
	}
	if s.UnhealthyResetTimeoutSeconds == 0 {
		s.UnhealthyResetTimeoutSeconds = 300
	}
	if s.StuckRequestTTLSeconds == 0 {
		s.StuckRequestTTLSeconds = 300
	}
	if s.StickyWindowSeconds == 0 {
		s.StickyWindowSeconds = 300
	}
	if s.MaxBacklogChunks == 0 {
		s.MaxBacklogChunks = 4096
	}
	if len(s.Auth.ExemptPaths) == 0 {
		s.Auth.ExemptPaths = []string{"/health", "/docs", "/redoc", "/openapi.json"}
	}
}

// Validate checks cross-field invariants.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Providers))
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Name == "" {
			return fmt.Errorf("provider %d: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("provider %q: duplicate name", p.Name)
		}
		seen[p.Name] = true

		switch p.Type {
		case "anthropic", "openai":
		default:
			return fmt.Errorf("provider %q: unknown type %q", p.Name, p.Type)
		}
		if p.BaseURL == "" {
			return fmt.Errorf("provider %q: base_url is required", p.Name)
		}
		switch p.AuthType {
		case "", "api_key", "bearer", "oauth":
		default:
			return fmt.Errorf("provider %q: unknown auth_type %q", p.Name, p.AuthType)
		}
	}

	for _, group := range c.ModelRoutes.Groups() {
		for i := range group.Routes {
			r := &group.Routes[i]
			if r.Provider == "" {
				return fmt.Errorf("route %q[%d]: provider is required", group.Pattern, i)
			}
			if !seen[r.Provider] {
				return fmt.Errorf("route %q[%d]: unknown provider %q", group.Pattern, i, r.Provider)
			}
			if r.Model == "" {
				return fmt.Errorf("route %q[%d]: model is required (use \"passthrough\" to keep the client model)", group.Pattern, i)
			}
		}
	}

	if c.Settings.Auth.Enabled && c.Settings.Auth.APIKey == "" {
		return fmt.Errorf("auth enabled but api_key is empty")
	}

	return nil
}
