package api

import (
	"fmt"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MessagesHandler is the proxy surface mounted alongside management routes.
type MessagesHandler interface {
	ServeMessages(w http.ResponseWriter, r *http.Request)
	ServeCountTokens(w http.ResponseWriter, r *http.Request)
}

// RegisterRoutes mounts every endpoint on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux, proxy MessagesHandler) {
	// Proxy surface
	mux.HandleFunc("POST /v1/messages", proxy.ServeMessages)
	mux.HandleFunc("POST /v1/messages/count_tokens", proxy.ServeCountTokens)

	// Health
	mux.HandleFunc("GET /{$}", h.Root)
	mux.HandleFunc("GET /health", h.Root)
	mux.HandleFunc("GET /providers", h.Providers)

	// Management
	mux.HandleFunc("POST /providers/reload", h.ReloadProviders)
	mux.HandleFunc("POST /cleanup", h.Cleanup)

	// OAuth administration
	mux.HandleFunc("GET /oauth/generate-url", h.OAuthGenerateURL)
	mux.HandleFunc("POST /oauth/exchange-code", h.OAuthExchangeCode)
	mux.HandleFunc("GET /oauth/status", h.OAuthStatus)
	mux.HandleFunc("POST /oauth/refresh/{email}", h.OAuthRefresh)
	mux.HandleFunc("DELETE /oauth/tokens", h.OAuthDeleteTokens)
	mux.HandleFunc("DELETE /oauth/tokens/{email}", h.OAuthDeleteTokens)

	// Metrics
	mux.Handle("GET /metrics", promhttp.Handler())
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return fmt.Errorf("empty body")
	}
	return json.NewDecoder(r.Body).Decode(v)
}
