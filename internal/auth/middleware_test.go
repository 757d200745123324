package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkytech/claude-code-provider-balancer/internal/auth"
	"github.com/zkytech/claude-code-provider-balancer/internal/config"
)

func newProtected(cfg config.AuthConfig) http.Handler {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return auth.Middleware(next, func() config.AuthConfig { return cfg })
}

func TestMiddleware_APIKeyHeader(t *testing.T) {
	h := newProtected(config.AuthConfig{Enabled: true, APIKey: "secret"})

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req.Header.Set("x-api-key", "secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddleware_BearerFallback(t *testing.T) {
	h := newProtected(config.AuthConfig{Enabled: true, APIKey: "secret"})

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddleware_RejectsWithAnthropicEnvelope(t *testing.T) {
	h := newProtected(config.AuthConfig{Enabled: true, APIKey: "secret"})

	for _, setup := range []func(*http.Request){
		func(r *http.Request) {},
		func(r *http.Request) { r.Header.Set("x-api-key", "wrong") },
		func(r *http.Request) { r.Header.Set("Authorization", "Bearer wrong") },
	} {
		req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
		setup(req)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		require.Equal(t, http.StatusUnauthorized, rec.Code)
		var envelope struct {
			Type  string `json:"type"`
			Error struct {
				Type    string `json:"type"`
				Message string `json:"message"`
			} `json:"error"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
		assert.Equal(t, "error", envelope.Type)
		assert.Equal(t, "authentication_error", envelope.Error.Type)
	}
}

func TestMiddleware_ExemptPaths(t *testing.T) {
	h := newProtected(config.AuthConfig{
		Enabled:     true,
		APIKey:      "secret",
		ExemptPaths: []string{"/health", "/metrics"},
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddleware_DisabledPassesThrough(t *testing.T) {
	h := newProtected(config.AuthConfig{Enabled: false})

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
