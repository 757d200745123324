// Package auth gates inbound requests and manages OAuth credentials for
// oauth-authenticated upstream providers.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/zkytech/claude-code-provider-balancer/internal/config"
	proxyerrors "github.com/zkytech/claude-code-provider-balancer/pkg/errors"
)

// Middleware enforces the inbound API key. The token is read from
// x-api-key (preferred) or Authorization: Bearer. Exempt paths pass
// through; failures get a 401 with an Anthropic-shaped envelope.
func Middleware(next http.Handler, settings func() config.AuthConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := settings()
		if !cfg.Enabled || exempt(cfg.ExemptPaths, r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("x-api-key")
		if token == "" {
			if bearer := r.Header.Get("Authorization"); strings.HasPrefix(bearer, "Bearer ") {
				token = strings.TrimPrefix(bearer, "Bearer ")
			}
		}

		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(cfg.APIKey)) != 1 {
			writeUnauthorized(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func exempt(paths []string, path string) bool {
	for _, p := range paths {
		if p == path {
			return true
		}
	}
	return false
}

func writeUnauthorized(w http.ResponseWriter) {
	perr := proxyerrors.NewAuthenticationError("", "", "invalid or missing API key")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(perr.Envelope())
}
