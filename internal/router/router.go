// Package router resolves a model name to an ordered list of candidate
// providers using glob patterns, priorities, health, and a sticky
// last-success preference.
package router

import (
	"sort"

	gocache "github.com/patrickmn/go-cache"
	"github.com/ryanuber/go-glob"

	"github.com/zkytech/claude-code-provider-balancer/internal/health"
	"github.com/zkytech/claude-code-provider-balancer/internal/provider"
)

// PassthroughModel is the route model value that keeps the client model name.
const PassthroughModel = "passthrough"

// Candidate is one resolved (provider, upstream model) attempt target.
type Candidate struct {
	Provider      *provider.Descriptor
	UpstreamModel string
	Healthy       bool
}

// Router orders candidates for a model name.
type Router struct {
	registry *provider.Registry
	tracker  *health.Tracker
	sticky   *gocache.Cache
}

// New creates a router. The sticky cache TTL is taken from settings at
// construction and refreshed on config swap via ResetSticky.
func New(registry *provider.Registry, tracker *health.Tracker) *Router {
	settings := registry.Settings()
	return &Router{
		registry: registry,
		tracker:  tracker,
		sticky:   gocache.New(settings.StickyWindow(), settings.StickyWindow()),
	}
}

// Resolve returns the ordered candidate list for a model name.
// fingerprint selects the sticky preference; pass "" to skip it.
func (r *Router) Resolve(modelName, fingerprint string) []Candidate {
	type scored struct {
		route provider.Route
		cand  Candidate
	}

	var matches []scored
	for _, route := range r.registry.Routes() {
		if !route.Enabled {
			continue
		}
		if !glob.Glob(route.Pattern, modelName) {
			continue
		}
		desc, ok := r.registry.GetByName(route.Provider)
		if !ok || !desc.Enabled {
			continue
		}
		upstreamModel := route.Model
		if upstreamModel == PassthroughModel {
			upstreamModel = modelName
		}
		matches = append(matches, scored{
			route: route,
			cand: Candidate{
				Provider:      desc,
				UpstreamModel: upstreamModel,
				Healthy:       r.tracker.Healthy(desc.Name),
			},
		})
	}

	// Ascending priority, declaration order breaking ties.
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].route.Priority != matches[j].route.Priority {
			return matches[i].route.Priority < matches[j].route.Priority
		}
		return matches[i].route.Order < matches[j].route.Order
	})

	// Unhealthy providers go last but are still returned: if everything is
	// unhealthy one of them gets probed.
	candidates := make([]Candidate, 0, len(matches))
	var unhealthy []Candidate
	for _, m := range matches {
		if m.cand.Healthy {
			candidates = append(candidates, m.cand)
		} else {
			unhealthy = append(unhealthy, m.cand)
		}
	}
	candidates = append(candidates, unhealthy...)

	if fingerprint != "" {
		if v, ok := r.sticky.Get(fingerprint); ok {
			candidates = promote(candidates, v.(string))
		}
	}

	return candidates
}

// promote moves the candidate for the named provider to the front.
func promote(candidates []Candidate, providerName string) []Candidate {
	for i, c := range candidates {
		if c.Provider.Name == providerName {
			if i == 0 {
				return candidates
			}
			promoted := candidates[i]
			copy(candidates[1:i+1], candidates[:i])
			candidates[0] = promoted
			return candidates
		}
	}
	return candidates
}

// RecordSuccess remembers the provider that served a fingerprint so the next
// identical request within the sticky window is tried there first.
func (r *Router) RecordSuccess(fingerprint, providerName string) {
	if fingerprint == "" {
		return
	}
	r.sticky.SetDefault(fingerprint, providerName)
}

// ResetSticky drops all sticky preferences and applies a new TTL.
// Called after config reload.
func (r *Router) ResetSticky() {
	settings := r.registry.Settings()
	r.sticky = gocache.New(settings.StickyWindow(), settings.StickyWindow())
}
