package router_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkytech/claude-code-provider-balancer/internal/config"
	"github.com/zkytech/claude-code-provider-balancer/internal/health"
	"github.com/zkytech/claude-code-provider-balancer/internal/provider"
	"github.com/zkytech/claude-code-provider-balancer/internal/router"
)

func testConfig() *config.Config {
	cfg, err := config.Load([]byte(`
settings:
  unhealthy_threshold: 2
  cooldown_seconds: 60
providers:
  - name: primary
    type: anthropic
    base_url: https://primary.example
    enabled: true
  - name: secondary
    type: openai
    base_url: https://secondary.example
    enabled: true
  - name: disabled
    type: anthropic
    base_url: https://disabled.example
    enabled: false
model_routes:
  "claude-*":
    - provider: primary
      model: passthrough
      priority: 1
      enabled: true
    - provider: secondary
      model: gpt-4o
      priority: 2
      enabled: true
    - provider: disabled
      model: passthrough
      priority: 0
      enabled: true
  "*-haiku-*":
    - provider: secondary
      model: gpt-4o-mini
      priority: 5
      enabled: true
`))
	if err != nil {
		panic(err)
	}
	return cfg
}

func newTestRouter(t *testing.T) (*router.Router, *provider.Registry, *health.Tracker) {
	t.Helper()
	cfg := testConfig()
	registry := provider.NewRegistry(cfg)
	tracker := health.NewTracker(health.Config{
		UnhealthyThreshold: 2,
		UnhealthyWindow:    time.Minute,
		Cooldown:           time.Minute,
	}, slog.Default())
	return router.New(registry, tracker), registry, tracker
}

func names(candidates []router.Candidate) []string {
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.Provider.Name)
	}
	return out
}

func TestRouter_GlobMatchAndPriorityOrder(t *testing.T) {
	rt, _, _ := newTestRouter(t)

	got := rt.Resolve("claude-3-5-sonnet-20241022", "")
	// "disabled" has the lowest priority but its provider is disabled.
	assert.Equal(t, []string{"primary", "secondary"}, names(got))
}

func TestRouter_MultiplePatternsMatch(t *testing.T) {
	rt, _, _ := newTestRouter(t)

	got := rt.Resolve("claude-3-5-haiku-20241022", "")
	// Both patterns match; priority 1 < 2 < 5.
	assert.Equal(t, []string{"primary", "secondary", "secondary"}, names(got))
}

func TestRouter_EqualPriorityTiesFollowDeclarationOrder(t *testing.T) {
	// Two distinct patterns match the same model at the same priority; the
	// tie must resolve by config declaration order, not map iteration.
	cfg, err := config.Load([]byte(`
providers:
  - name: first
    type: anthropic
    base_url: https://first.example
    enabled: true
  - name: second
    type: openai
    base_url: https://second.example
    enabled: true
model_routes:
  "claude-*":
    - provider: first
      model: passthrough
      priority: 1
      enabled: true
  "*-sonnet-*":
    - provider: second
      model: gpt-4o
      priority: 1
      enabled: true
`))
	require.NoError(t, err)

	registry := provider.NewRegistry(cfg)
	tracker := health.NewTracker(health.Config{
		UnhealthyThreshold: 2,
		UnhealthyWindow:    time.Minute,
		Cooldown:           time.Minute,
	}, slog.Default())
	rt := router.New(registry, tracker)

	for i := 0; i < 10; i++ {
		got := rt.Resolve("claude-3-5-sonnet-20241022", "")
		require.Equal(t, []string{"first", "second"}, names(got),
			"equal-priority cross-pattern order must be stable")
	}
}

func TestRouter_PassthroughSubstitution(t *testing.T) {
	rt, _, _ := newTestRouter(t)

	got := rt.Resolve("claude-3-opus-20240229", "")
	require.NotEmpty(t, got)
	assert.Equal(t, "claude-3-opus-20240229", got[0].UpstreamModel)
	assert.Equal(t, "gpt-4o", got[1].UpstreamModel)
}

func TestRouter_NoMatch(t *testing.T) {
	rt, _, _ := newTestRouter(t)
	assert.Empty(t, rt.Resolve("gemini-pro", ""))
}

func TestRouter_UnhealthyProvidersOrderedLast(t *testing.T) {
	rt, _, tracker := newTestRouter(t)

	tracker.Report("primary", health.FatalError)

	got := rt.Resolve("claude-3-5-sonnet-20241022", "")
	require.Len(t, got, 2)
	assert.Equal(t, []string{"secondary", "primary"}, names(got),
		"unhealthy provider demoted but still probed last")
	assert.False(t, got[1].Healthy)
}

func TestRouter_AllUnhealthyStillReturned(t *testing.T) {
	rt, _, tracker := newTestRouter(t)

	tracker.Report("primary", health.FatalError)
	tracker.Report("secondary", health.FatalError)

	got := rt.Resolve("claude-3-5-sonnet-20241022", "")
	assert.Len(t, got, 2, "at least one unhealthy provider gets probed")
}

func TestRouter_StickyPromotion(t *testing.T) {
	rt, _, _ := newTestRouter(t)

	const fp = "fingerprint-1"
	rt.RecordSuccess(fp, "secondary")

	got := rt.Resolve("claude-3-5-sonnet-20241022", fp)
	assert.Equal(t, []string{"secondary", "primary"}, names(got),
		"sticky provider promoted regardless of priority")

	// Other fingerprints are unaffected.
	got = rt.Resolve("claude-3-5-sonnet-20241022", "other")
	assert.Equal(t, []string{"primary", "secondary"}, names(got))
}

func TestRouter_ResetStickyDropsPreference(t *testing.T) {
	rt, _, _ := newTestRouter(t)

	const fp = "fingerprint-2"
	rt.RecordSuccess(fp, "secondary")
	rt.ResetSticky()

	got := rt.Resolve("claude-3-5-sonnet-20241022", fp)
	assert.Equal(t, []string{"primary", "secondary"}, names(got))
}
