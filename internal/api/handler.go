// Package api provides the management, health, and OAuth HTTP endpoints.
package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/zkytech/claude-code-provider-balancer/internal/auth"
	"github.com/zkytech/claude-code-provider-balancer/internal/config"
	"github.com/zkytech/claude-code-provider-balancer/internal/dedup"
	"github.com/zkytech/claude-code-provider-balancer/internal/health"
	"github.com/zkytech/claude-code-provider-balancer/internal/metrics"
	"github.com/zkytech/claude-code-provider-balancer/internal/provider"
	"github.com/zkytech/claude-code-provider-balancer/internal/router"
)

// Handler serves the non-proxy endpoints.
type Handler struct {
	appName    string
	appVersion string

	cfgManager *config.Manager
	registry   *provider.Registry
	tracker    *health.Tracker
	router     *router.Router
	dedup      *dedup.Registry
	oauth      *auth.OAuthManager
	logger     *slog.Logger
}

// NewHandler wires the management surface.
func NewHandler(appName, appVersion string, cfgManager *config.Manager, registry *provider.Registry, tracker *health.Tracker, rt *router.Router, dd *dedup.Registry, oauth *auth.OAuthManager, logger *slog.Logger) *Handler {
	return &Handler{
		appName:    appName,
		appVersion: appVersion,
		cfgManager: cfgManager,
		registry:   registry,
		tracker:    tracker,
		router:     rt,
		dedup:      dd,
		oauth:      oauth,
		logger:     logger,
	}
}

func (h *Handler) healthyProviderCount() int {
	n := 0
	for _, d := range h.registry.ListAll() {
		if d.Enabled && h.tracker.Healthy(d.Name) {
			n++
		}
	}
	return n
}

// Root handles GET / and GET /health.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":             h.appName,
		"version":             h.appVersion,
		"status":              "healthy",
		"providers_available": h.healthyProviderCount(),
	})
}

type providerStatus struct {
	Name              string          `json:"name"`
	Type              string          `json:"type"`
	Enabled           bool            `json:"enabled"`
	Healthy           bool            `json:"healthy"`
	Status            string          `json:"status"`
	FailureCount      int             `json:"failure_count"`
	RollingErrorCount int             `json:"rolling_error_count"`
	LastErrorTime     *time.Time      `json:"last_error_time,omitempty"`
	LastSuccessTime   *time.Time      `json:"last_success_time,omitempty"`
	CooldownUntil     *time.Time      `json:"cooldown_until,omitempty"`
	Models            []providerModel `json:"models"`
}

type providerModel struct {
	Pattern  string `json:"pattern"`
	Model    string `json:"model"`
	Priority int    `json:"priority"`
}

// Providers handles GET /providers.
func (h *Handler) Providers(w http.ResponseWriter, r *http.Request) {
	routes := h.registry.Routes()

	var out []providerStatus
	for _, d := range h.registry.ListAll() {
		state := h.tracker.Get(d.Name)
		healthy := h.tracker.Healthy(d.Name)

		ps := providerStatus{
			Name:              d.Name,
			Type:              string(d.Type),
			Enabled:           d.Enabled,
			Healthy:           healthy,
			FailureCount:      state.FailureCount,
			RollingErrorCount: state.RollingErrorCount,
			Models:            []providerModel{},
		}
		if !state.LastErrorTime.IsZero() {
			t := state.LastErrorTime
			ps.LastErrorTime = &t
		}
		if !state.LastSuccessTime.IsZero() {
			t := state.LastSuccessTime
			ps.LastSuccessTime = &t
		}
		if !state.CooldownUntil.IsZero() {
			t := state.CooldownUntil
			ps.CooldownUntil = &t
		}

		switch {
		case d.Enabled && healthy:
			ps.Status = "healthy"
		case d.Enabled:
			ps.Status = "unhealthy"
		default:
			ps.Status = "disabled"
		}

		for _, route := range routes {
			if route.Provider == d.Name && route.Enabled {
				ps.Models = append(ps.Models, providerModel{
					Pattern:  route.Pattern,
					Model:    route.Model,
					Priority: route.Priority,
				})
			}
		}

		out = append(out, ps)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"providers":         out,
		"inflight_requests": h.dedup.Size(),
		"config":            h.cfgManager.Status(),
		"healthy_providers": h.healthyProviderCount(),
	})
}

// ReloadProviders handles POST /providers/reload.
func (h *Handler) ReloadProviders(w http.ResponseWriter, r *http.Request) {
	if err := h.cfgManager.Reload(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"status":  "error",
			"message": "failed to reload configuration: " + err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "success",
		"message":           "provider configuration reloaded",
		"providers_count":   len(h.registry.ListAll()),
		"healthy_providers": h.healthyProviderCount(),
	})
}

// Cleanup handles POST /cleanup?force=<bool>.
func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	force := strings.EqualFold(r.URL.Query().Get("force"), "true")
	cleaned := h.dedup.CleanupStuck(force)
	metrics.StuckCleanupsTotal.Add(float64(cleaned))

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "cleanup completed",
		"cleaned": cleaned,
		"force":   force,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
