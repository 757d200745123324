package api_test

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkytech/claude-code-provider-balancer/internal/api"
	"github.com/zkytech/claude-code-provider-balancer/internal/auth"
	"github.com/zkytech/claude-code-provider-balancer/internal/broadcast"
	"github.com/zkytech/claude-code-provider-balancer/internal/config"
	"github.com/zkytech/claude-code-provider-balancer/internal/dedup"
	"github.com/zkytech/claude-code-provider-balancer/internal/health"
	"github.com/zkytech/claude-code-provider-balancer/internal/provider"
	"github.com/zkytech/claude-code-provider-balancer/internal/router"
)

const apiTestConfig = `
settings:
  unhealthy_threshold: 2
  cooldown_seconds: 60
providers:
  - name: primary
    type: anthropic
    base_url: https://primary.example
    enabled: true
  - name: backup
    type: openai
    base_url: https://backup.example
    enabled: true
model_routes:
  "claude-*":
    - provider: primary
      model: passthrough
      priority: 1
      enabled: true
    - provider: backup
      model: gpt-4o
      priority: 2
      enabled: true
`

type noopProxy struct{}

func (noopProxy) ServeMessages(w http.ResponseWriter, r *http.Request)    { w.WriteHeader(200) }
func (noopProxy) ServeCountTokens(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) }

type apiFixture struct {
	server   *httptest.Server
	path     string
	registry *provider.Registry
	tracker  *health.Tracker
	dedup    *dedup.Registry
}

func startAPI(t *testing.T) *apiFixture {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(apiTestConfig), 0o644))

	logger := slog.Default()
	cfgManager, err := config.NewManager(path, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cfgManager.Close() })

	cfg := cfgManager.Get()
	registry := provider.NewRegistry(cfg)
	tracker := health.NewTracker(health.Config{
		UnhealthyThreshold: cfg.Settings.UnhealthyThreshold,
		UnhealthyWindow:    cfg.Settings.UnhealthyWindow(),
		Cooldown:           cfg.Settings.Cooldown(),
	}, logger)
	rt := router.New(registry, tracker)
	dd := dedup.NewRegistry(dedup.Options{StuckTTL: time.Minute}, logger)
	oauthManager := auth.NewOAuthManager(logger)

	cfgManager.OnChange(func(newCfg *config.Config) {
		registry.Swap(newCfg)
		tracker.Migrate(registry.Names())
	})

	h := api.NewHandler("balancer-test", "0.0.1", cfgManager, registry, tracker, rt, dd, oauthManager, logger)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux, noopProxy{})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &apiFixture{server: server, path: path, registry: registry, tracker: tracker, dedup: dd}
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, out))
	return resp.StatusCode
}

func TestRoot_HealthSummary(t *testing.T) {
	f := startAPI(t)

	var out map[string]any
	code := getJSON(t, f.server.URL+"/", &out)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "balancer-test", out["service"])
	assert.Equal(t, "healthy", out["status"])
	assert.Equal(t, float64(2), out["providers_available"])
}

func TestProviders_StatusAndModels(t *testing.T) {
	f := startAPI(t)
	f.tracker.Report("backup", health.FatalError)

	var out struct {
		Providers []struct {
			Name              string `json:"name"`
			Status            string `json:"status"`
			RollingErrorCount int    `json:"rolling_error_count"`
			Models            []struct {
				Pattern  string `json:"pattern"`
				Model    string `json:"model"`
				Priority int    `json:"priority"`
			} `json:"models"`
		} `json:"providers"`
		HealthyProviders int `json:"healthy_providers"`
	}
	code := getJSON(t, f.server.URL+"/providers", &out)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, out.Providers, 2)
	assert.Equal(t, 1, out.HealthyProviders)

	byName := map[string]string{}
	for _, p := range out.Providers {
		byName[p.Name] = p.Status
	}
	assert.Equal(t, "healthy", byName["primary"])
	assert.Equal(t, "unhealthy", byName["backup"])

	for _, p := range out.Providers {
		if p.Name == "primary" {
			require.Len(t, p.Models, 1)
			assert.Equal(t, "claude-*", p.Models[0].Pattern)
			assert.Equal(t, "passthrough", p.Models[0].Model)
		}
	}
}

func TestReload_SwapsProviders(t *testing.T) {
	f := startAPI(t)

	updated := strings.Replace(apiTestConfig, "name: backup", "name: replacement", 1)
	updated = strings.Replace(updated, "provider: backup", "provider: replacement", 1)
	require.NoError(t, os.WriteFile(f.path, []byte(updated), 0o644))

	resp, err := http.Post(f.server.URL+"/providers/reload", "application/json", nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "success", out["status"])
	assert.Equal(t, float64(2), out["providers_count"])

	_, ok := f.registry.GetByName("replacement")
	assert.True(t, ok)
	_, ok = f.registry.GetByName("backup")
	assert.False(t, ok)
}

func TestReload_BadConfigKeepsServing(t *testing.T) {
	f := startAPI(t)

	require.NoError(t, os.WriteFile(f.path, []byte("settings: ["), 0o644))

	resp, err := http.Post(f.server.URL+"/providers/reload", "application/json", nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	_, ok := f.registry.GetByName("primary")
	assert.True(t, ok, "previous generation still active")
}

func TestCleanup_Endpoint(t *testing.T) {
	f := startAPI(t)

	f.dedup.ClaimOrJoin("fp", "req", func() *broadcast.Broadcaster {
		return broadcast.New(true, 0)
	})
	require.Equal(t, 1, f.dedup.Size())

	resp, err := http.Post(f.server.URL+"/cleanup?force=true", "application/json", nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, float64(1), out["cleaned"])
	assert.Equal(t, 0, f.dedup.Size())
}

func TestOAuth_GenerateURLAndStatus(t *testing.T) {
	f := startAPI(t)

	var gen map[string]any
	code := getJSON(t, f.server.URL+"/oauth/generate-url", &gen)
	require.Equal(t, http.StatusOK, code)
	loginURL, _ := gen["login_url"].(string)
	assert.Contains(t, loginURL, "code_challenge=")
	assert.Contains(t, loginURL, "state=")

	var status map[string]any
	code = getJSON(t, f.server.URL+"/oauth/status", &status)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(0), status["count"])
}

func TestMetricsEndpointExposed(t *testing.T) {
	f := startAPI(t)

	resp, err := http.Get(f.server.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
