package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkytech/claude-code-provider-balancer/internal/config"
)

const sampleConfig = `
settings:
  host: 0.0.0.0
  port: 8080
  log_level: debug
  timeout_seconds: 90
  cooldown_seconds: 120
  unhealthy_threshold: 3
  unhealthy_window: 30
  stuck_request_ttl: 600
  auth:
    enabled: true
    api_key: secret-key
providers:
  - name: official
    type: anthropic
    base_url: https://api.anthropic.com
    auth_type: api_key
    auth_value: ${TEST_ANTHROPIC_KEY}
    enabled: true
  - name: compat
    type: openai
    base_url: https://compat.example/v1
    auth_type: bearer
    auth_value: tok
    enabled: true
    timeout_seconds: 30
model_routes:
  "claude-*":
    - provider: official
      model: passthrough
      priority: 1
      enabled: true
    - provider: compat
      model: gpt-4o
      priority: 2
      enabled: true
`

func TestLoad_ParsesAndExpandsEnv(t *testing.T) {
	t.Setenv("TEST_ANTHROPIC_KEY", "sk-expanded")

	cfg, err := config.Load([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Settings.Host)
	assert.Equal(t, 8080, cfg.Settings.Port)
	assert.Equal(t, 90*time.Second, cfg.Settings.Timeout())
	assert.Equal(t, 120*time.Second, cfg.Settings.Cooldown())
	assert.Equal(t, 3, cfg.Settings.UnhealthyThreshold)
	assert.Equal(t, 10*time.Minute, cfg.Settings.StuckRequestTTL())
	assert.True(t, cfg.Settings.Auth.Enabled)

	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, "sk-expanded", cfg.Providers[0].AuthValue)
	assert.Equal(t, 30, cfg.Providers[1].TimeoutSeconds)

	routes := cfg.ModelRoutes.Get("claude-*")
	require.Len(t, routes, 2)
	assert.Equal(t, "passthrough", routes[0].Model)
}

func TestLoad_ModelRoutesPreserveDeclarationOrder(t *testing.T) {
	cfg, err := config.Load([]byte(`
providers:
  - name: a
    type: anthropic
    base_url: https://a
    enabled: true
  - name: b
    type: openai
    base_url: https://b
    enabled: true
model_routes:
  "zz-*":
    - provider: a
      model: passthrough
      priority: 1
      enabled: true
  "aa-*":
    - provider: b
      model: gpt-4o
      priority: 1
      enabled: true
  "mm-*":
    - provider: a
      model: passthrough
      priority: 1
      enabled: true
`))
	require.NoError(t, err)

	groups := cfg.ModelRoutes.Groups()
	require.Len(t, groups, 3)
	assert.Equal(t, "zz-*", groups[0].Pattern)
	assert.Equal(t, "aa-*", groups[1].Pattern)
	assert.Equal(t, "mm-*", groups[2].Pattern)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load([]byte(`
providers:
  - name: p
    type: anthropic
    base_url: https://x
    enabled: true
`))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Settings.Host)
	assert.Equal(t, 9090, cfg.Settings.Port)
	assert.Equal(t, 2, cfg.Settings.UnhealthyThreshold)
	assert.Equal(t, 4096, cfg.Settings.MaxBacklogChunks)
	assert.Contains(t, cfg.Settings.Auth.ExemptPaths, "/health")
}

func TestLoad_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown provider type": `
providers:
  - name: p
    type: gemini
    base_url: https://x
`,
		"duplicate provider name": `
providers:
  - name: p
    type: anthropic
    base_url: https://x
  - name: p
    type: openai
    base_url: https://y
`,
		"route to unknown provider": `
providers:
  - name: p
    type: anthropic
    base_url: https://x
model_routes:
  "claude-*":
    - provider: ghost
      model: passthrough
`,
		"auth enabled without key": `
settings:
  auth:
    enabled: true
providers:
  - name: p
    type: anthropic
    base_url: https://x
`,
	}

	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.Load([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestManager_ReloadSwapsAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))
	t.Setenv("TEST_ANTHROPIC_KEY", "sk-1")

	m, err := config.NewManager(path, slog.Default())
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	before := m.Get()
	assert.Equal(t, 8080, before.Settings.Port)

	var notified *config.Config
	m.OnChange(func(c *config.Config) { notified = c })

	updated := []byte(`
settings:
  port: 9999
providers:
  - name: official
    type: anthropic
    base_url: https://api.anthropic.com
    enabled: true
`)
	require.NoError(t, os.WriteFile(path, updated, 0o644))
	require.NoError(t, m.Reload())

	after := m.Get()
	assert.Equal(t, 9999, after.Settings.Port)
	assert.Same(t, after, notified)
	// The pre-reload snapshot is untouched for requests still holding it.
	assert.Equal(t, 8080, before.Settings.Port)

	status := m.Status()
	assert.Equal(t, uint64(2), status.ReloadCount)
	assert.NotEmpty(t, status.Checksum)
}

func TestManager_ReloadKeepsCurrentOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))
	t.Setenv("TEST_ANTHROPIC_KEY", "sk-1")

	m, err := config.NewManager(path, slog.Default())
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	require.NoError(t, os.WriteFile(path, []byte("providers: [{name: bad, type: nope}]"), 0o644))
	assert.Error(t, m.Reload())
	assert.Equal(t, 8080, m.Get().Settings.Port)
}
