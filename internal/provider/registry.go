// Package provider holds the upstream provider registry.
// Descriptors are immutable within one config generation; reload builds a
// fresh snapshot and swaps it in, so requests already in flight keep the
// descriptors they captured.
package provider

import (
	"sync/atomic"
	"time"

	"github.com/zkytech/claude-code-provider-balancer/internal/config"
)

// Kind identifies the upstream wire protocol.
type Kind string

const (
	KindAnthropic Kind = "anthropic"
	KindOpenAI    Kind = "openai"
)

// AuthType identifies how the proxy authenticates to an upstream.
type AuthType string

const (
	AuthAPIKey AuthType = "api_key"
	AuthBearer AuthType = "bearer"
	AuthOAuth  AuthType = "oauth"
)

// Descriptor describes one upstream provider for one config generation.
type Descriptor struct {
	Name      string
	Type      Kind
	BaseURL   string
	AuthType  AuthType
	AuthValue string
	Enabled   bool
	Timeout   time.Duration
}

// Route is one resolved model-route entry.
type Route struct {
	Pattern  string
	Provider string
	Model    string // "passthrough" keeps the client model name
	Priority int
	Order    int // global config declaration order, equal-priority tie-breaker
	Enabled  bool
}

type snapshot struct {
	providers []*Descriptor
	byName    map[string]*Descriptor
	routes    []Route
	settings  config.Settings
}

// Registry exposes the current provider generation.
// Readers get a consistent view; Swap installs a new generation atomically.
type Registry struct {
	current atomic.Pointer[snapshot]
}

// NewRegistry builds a registry from the initial config.
func NewRegistry(cfg *config.Config) *Registry {
	r := &Registry{}
	r.Swap(cfg)
	return r
}

// Swap installs a new provider generation built from cfg.
func (r *Registry) Swap(cfg *config.Config) {
	snap := &snapshot{
		byName:   make(map[string]*Descriptor, len(cfg.Providers)),
		settings: cfg.Settings,
	}

	for i := range cfg.Providers {
		pc := cfg.Providers[i]
		timeout := cfg.Settings.Timeout()
		if pc.TimeoutSeconds > 0 {
			timeout = time.Duration(pc.TimeoutSeconds) * time.Second
		}
		authType := AuthType(pc.AuthType)
		if authType == "" {
			authType = AuthAPIKey
		}
		d := &Descriptor{
			Name:      pc.Name,
			Type:      Kind(pc.Type),
			BaseURL:   pc.BaseURL,
			AuthType:  authType,
			AuthValue: pc.AuthValue,
			Enabled:   pc.Enabled,
			Timeout:   timeout,
		}
		snap.providers = append(snap.providers, d)
		snap.byName[d.Name] = d
	}

	order := 0
	for _, group := range cfg.ModelRoutes.Groups() {
		for _, rc := range group.Routes {
			snap.routes = append(snap.routes, Route{
				Pattern:  group.Pattern,
				Provider: rc.Provider,
				Model:    rc.Model,
				Priority: rc.Priority,
				Order:    order,
				Enabled:  rc.Enabled,
			})
			order++
		}
	}

	r.current.Store(snap)
}

// ListAll returns every registered descriptor in config order.
func (r *Registry) ListAll() []*Descriptor {
	return r.current.Load().providers
}

// GetByName looks up a descriptor.
func (r *Registry) GetByName(name string) (*Descriptor, bool) {
	d, ok := r.current.Load().byName[name]
	return d, ok
}

// Routes returns every route entry of the current generation.
func (r *Registry) Routes() []Route {
	return r.current.Load().routes
}

// Settings returns the settings captured with the current generation.
func (r *Registry) Settings() config.Settings {
	return r.current.Load().settings
}

// Names returns the provider names of the current generation.
func (r *Registry) Names() []string {
	providers := r.current.Load().providers
	names := make([]string, 0, len(providers))
	for _, d := range providers {
		names = append(names, d.Name)
	}
	return names
}
