// Package proxy implements the dispatch loop: parse, fingerprint, dedup
// gate, route, issue upstream, broadcast, record outcome, fail over.
package proxy

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/zkytech/claude-code-provider-balancer/internal/auth"
	"github.com/zkytech/claude-code-provider-balancer/internal/broadcast"
	"github.com/zkytech/claude-code-provider-balancer/internal/dedup"
	"github.com/zkytech/claude-code-provider-balancer/internal/health"
	"github.com/zkytech/claude-code-provider-balancer/internal/httputil"
	"github.com/zkytech/claude-code-provider-balancer/internal/metrics"
	"github.com/zkytech/claude-code-provider-balancer/internal/provider"
	"github.com/zkytech/claude-code-provider-balancer/internal/router"
	proxyerrors "github.com/zkytech/claude-code-provider-balancer/pkg/errors"
	"github.com/zkytech/claude-code-provider-balancer/pkg/types"
)

// Handler serves /v1/messages and /v1/messages/count_tokens.
type Handler struct {
	registry *provider.Registry
	tracker  *health.Tracker
	router   *router.Router
	dedup    *dedup.Registry
	oauth    *auth.OAuthManager
	logger   *slog.Logger

	httpClient   *http.Client
	streamClient *http.Client
}

// NewHandler wires the dispatch loop.
func NewHandler(
	registry *provider.Registry,
	tracker *health.Tracker,
	rt *router.Router,
	dd *dedup.Registry,
	oauth *auth.OAuthManager,
	logger *slog.Logger,
) *Handler {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	timeout := registry.Settings().Timeout()

	// Streams are bounded per-attempt by context deadlines; a global client
	// timeout would kill long responses mid-flight, so only the response
	// headers get one.
	streamTransport := transport.Clone()
	streamTransport.ResponseHeaderTimeout = timeout

	return &Handler{
		registry:     registry,
		tracker:      tracker,
		router:       rt,
		dedup:        dd,
		oauth:        oauth,
		logger:       logger,
		httpClient:   &http.Client{Transport: transport},
		streamClient: &http.Client{Transport: streamTransport},
	}
}

// ServeMessages handles POST /v1/messages.
func (h *Handler) ServeMessages(w http.ResponseWriter, r *http.Request) {
	body, err := httputil.ReadLimitedBody(r.Body, httputil.DefaultMaxBodyBytes)
	if err != nil {
		writeError(w, proxyerrors.NewInvalidRequestError("", "", "request body unreadable or too large"))
		return
	}

	var req types.MessagesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, proxyerrors.NewInvalidRequestError("", "", "invalid JSON body"))
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, proxyerrors.NewInvalidRequestError("", req.Model, err.Error()))
		return
	}

	requestID := uuid.NewString()
	fingerprint := dedup.Fingerprint(&req)
	logger := h.logger.With("request_id", requestID, "model", req.Model)

	// Attachment can race a cancellation decision; the loser of that race
	// retries and becomes a fresh originator.
	for attempt := 0; attempt < 3; attempt++ {
		settings := h.registry.Settings()
		role, entry := h.dedup.ClaimOrJoin(fingerprint, requestID, func() *broadcast.Broadcaster {
			return broadcast.New(req.Stream, settings.MaxBacklogChunks)
		})

		if role == dedup.Originator {
			metrics.InflightRequests.Inc()
			go func() {
				defer metrics.InflightRequests.Dec()
				h.produce(entry, &req, logger)
			}()
		} else {
			metrics.DedupJoinsTotal.Inc()
			logger.Info("joining in-flight duplicate", "originator_request_id", entry.RequestID)
		}

		sub, err := entry.Broadcaster.Attach(role == dedup.Originator)
		if err != nil {
			continue
		}
		h.serveSubscription(w, r, entry.Broadcaster, sub, &req, logger)
		return
	}

	writeError(w, proxyerrors.NewInternalError("", req.Model, "request superseded by cancellation"))
}

// ServeCountTokens handles POST /v1/messages/count_tokens by forwarding to
// the first Anthropic-protocol candidate in router order (healthy providers
// are ordered ahead of unhealthy ones). Count requests are cheap
// and idempotent, so they bypass the dedup registry.
func (h *Handler) ServeCountTokens(w http.ResponseWriter, r *http.Request) {
	body, err := httputil.ReadLimitedBody(r.Body, httputil.DefaultMaxBodyBytes)
	if err != nil {
		writeError(w, proxyerrors.NewInvalidRequestError("", "", "request body unreadable or too large"))
		return
	}

	var req types.CountTokensRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Model == "" {
		writeError(w, proxyerrors.NewInvalidRequestError("", "", "invalid count_tokens body"))
		return
	}

	candidates := h.router.Resolve(req.Model, "")
	var target *router.Candidate
	for i := range candidates {
		if candidates[i].Provider.Type == provider.KindAnthropic {
			target = &candidates[i]
			break
		}
	}
	if target == nil {
		writeError(w, proxyerrors.NewNotFoundError("", req.Model, "no anthropic-protocol provider routes this model"))
		return
	}

	status, respBody, err := h.forwardCountTokens(r, target, body)
	if err != nil {
		writeError(w, proxyerrors.AsProxyError(target.Provider.Name, req.Model, err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(respBody)
}

func (h *Handler) credentialFor(desc *provider.Descriptor) string {
	if desc.AuthType == provider.AuthOAuth {
		if token, ok := h.oauth.AccessToken(); ok {
			return token
		}
		return desc.AuthValue
	}
	return desc.AuthValue
}

func writeError(w http.ResponseWriter, perr *proxyerrors.ProxyError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(perr.HTTPStatusCode())
	_ = json.NewEncoder(w).Encode(perr.Envelope())
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
