package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/zkytech/claude-code-provider-balancer/internal/broadcast"
	"github.com/zkytech/claude-code-provider-balancer/internal/httputil"
	"github.com/zkytech/claude-code-provider-balancer/internal/metrics"
	"github.com/zkytech/claude-code-provider-balancer/internal/provider"
	"github.com/zkytech/claude-code-provider-balancer/internal/router"
	"github.com/zkytech/claude-code-provider-balancer/internal/streaming"
	proxyerrors "github.com/zkytech/claude-code-provider-balancer/pkg/errors"
	"github.com/zkytech/claude-code-provider-balancer/pkg/types"
)

// serveSubscription delivers a broadcaster's output to one client,
// adapting between the client's requested mode and the producer's mode.
func (h *Handler) serveSubscription(w http.ResponseWriter, r *http.Request, b *broadcast.Broadcaster, sub *broadcast.Subscription, req *types.MessagesRequest, logger *slog.Logger) {
	defer sub.Close()
	metrics.BroadcastSubscribers.Inc()
	defer metrics.BroadcastSubscribers.Dec()

	ctx := r.Context()

	switch {
	case req.Stream && b.Streaming():
		h.streamLive(w, ctx, sub, logger)
	case req.Stream && !b.Streaming():
		h.streamFromBody(w, ctx, b, logger)
	case !req.Stream && b.Streaming():
		h.bodyFromStream(w, ctx, sub, req.Model, logger)
	default:
		h.bodyDirect(w, ctx, b)
	}
}

// streamLive forwards chunks to an SSE client as the producer emits them.
func (h *Handler) streamLive(w http.ResponseWriter, ctx context.Context, sub *broadcast.Subscription, logger *slog.Logger) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, proxyerrors.NewInternalError("", "", "response writer does not support streaming"))
		return
	}

	// Hold the SSE headers until the first chunk: a failure before any bytes
	// surfaces as a plain error envelope with the right status instead.
	first, err := sub.Next(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			streaming.SetHeaders(w)
			w.WriteHeader(http.StatusOK)
			return
		}
		if ctx.Err() != nil {
			return
		}
		writeError(w, subscriptionError(err))
		return
	}

	streaming.SetHeaders(w)
	w.WriteHeader(http.StatusOK)
	if err := streaming.WriteEvent(w, flusher, first); err != nil {
		return
	}

	for {
		chunk, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			if ctx.Err() != nil {
				logger.Debug("client disconnected mid-stream")
				return
			}
			// Mid-stream failure after partial bytes: deliver an SSE error
			// frame and close.
			perr := subscriptionError(err)
			_ = streaming.WriteEvent(w, flusher, streaming.ErrorEvent(perr.Type, perr.Message))
			return
		}
		if err := streaming.WriteEvent(w, flusher, chunk); err != nil {
			logger.Debug("client write failed", "error", err)
			return
		}
	}
}

// streamFromBody serves an SSE client attached to a non-streaming
// producer: the single body is rendered as a synthesized event sequence.
func (h *Handler) streamFromBody(w http.ResponseWriter, ctx context.Context, b *broadcast.Broadcaster, logger *slog.Logger) {
	body, err := b.Body(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		writeError(w, subscriptionError(err))
		return
	}

	var resp types.MessagesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		writeError(w, proxyerrors.NewInternalError("", "", "buffered response unparseable"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, proxyerrors.NewInternalError("", "", "response writer does not support streaming"))
		return
	}

	streaming.SetHeaders(w)
	w.WriteHeader(http.StatusOK)
	for _, event := range streaming.SynthesizeEvents(&resp) {
		if err := streaming.WriteEvent(w, flusher, event); err != nil {
			logger.Debug("client write failed", "error", err)
			return
		}
	}
}

// bodyFromStream serves a non-streaming client attached to a streaming
// producer: chunks are drained through the subscription cursor and folded
// into one Messages response.
func (h *Handler) bodyFromStream(w http.ResponseWriter, ctx context.Context, sub *broadcast.Subscription, model string, logger *slog.Logger) {
	var chunks [][]byte
	for {
		chunk, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if ctx.Err() != nil {
				return
			}
			writeError(w, subscriptionError(err))
			return
		}
		chunks = append(chunks, chunk)
	}

	resp, err := streaming.AssembleResponse(chunks)
	if err != nil {
		writeError(w, proxyerrors.NewInternalError("", model, "could not assemble streamed response"))
		return
	}
	if resp.Model == "" {
		resp.Model = model
	}

	out, err := json.Marshal(resp)
	if err != nil {
		writeError(w, proxyerrors.NewInternalError("", model, err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// bodyDirect serves a non-streaming client from the single-body slot.
func (h *Handler) bodyDirect(w http.ResponseWriter, ctx context.Context, b *broadcast.Broadcaster) {
	body, err := b.Body(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		writeError(w, subscriptionError(err))
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func subscriptionError(err error) *proxyerrors.ProxyError {
	var perr *proxyerrors.ProxyError
	if errors.As(err, &perr) {
		return perr
	}
	switch {
	case errors.Is(err, broadcast.ErrCancelled):
		return proxyerrors.NewInternalError("", "", "request cancelled before completion")
	case errors.Is(err, broadcast.ErrSlowConsumer):
		return proxyerrors.NewInternalError("", "", "client fell too far behind the stream")
	default:
		return proxyerrors.NewInternalError("", "", err.Error())
	}
}

func (h *Handler) forwardCountTokens(r *http.Request, cand *router.Candidate, body []byte) (int, []byte, error) {
	desc := cand.Provider
	url := strings.TrimSuffix(desc.BaseURL, "/") + "/v1/messages/count_tokens"

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-version", "2023-06-01")
	credential := h.credentialFor(desc)
	switch desc.AuthType {
	case provider.AuthBearer, provider.AuthOAuth:
		req.Header.Set("Authorization", "Bearer "+credential)
	default:
		req.Header.Set("x-api-key", credential)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := httputil.ReadLimitedBody(resp.Body, httputil.DefaultMaxBodyBytes)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}
