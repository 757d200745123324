package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/zkytech/claude-code-provider-balancer/internal/adapter"
	"github.com/zkytech/claude-code-provider-balancer/internal/broadcast"
	"github.com/zkytech/claude-code-provider-balancer/internal/dedup"
	"github.com/zkytech/claude-code-provider-balancer/internal/health"
	"github.com/zkytech/claude-code-provider-balancer/internal/httputil"
	"github.com/zkytech/claude-code-provider-balancer/internal/metrics"
	"github.com/zkytech/claude-code-provider-balancer/internal/router"
	"github.com/zkytech/claude-code-provider-balancer/internal/streaming"
	proxyerrors "github.com/zkytech/claude-code-provider-balancer/pkg/errors"
	"github.com/zkytech/claude-code-provider-balancer/pkg/types"
)

// produce is the originator's side of a request: resolve candidates, try
// each in order, feed the broadcaster, and record outcomes. It runs
// detached from the originating client's context so joiners survive an
// originator disconnect.
func (h *Handler) produce(entry *dedup.Entry, req *types.MessagesRequest, logger *slog.Logger) {
	b := entry.Broadcaster
	defer h.dedup.Finalize(entry)

	ctx := context.Background()
	h.dedup.SimulateTestingDelay(ctx)

	candidates := h.router.Resolve(req.Model, entry.Fingerprint)
	if len(candidates) == 0 {
		perr := proxyerrors.NewNotFoundError("", req.Model, "no provider routes model "+req.Model)
		b.Fail(perr)
		metrics.RequestsTotal.WithLabelValues("no_route").Inc()
		return
	}

	var lastErr *proxyerrors.ProxyError
	for i := range candidates {
		cand := &candidates[i]
		err := h.attempt(ctx, b, cand, req, logger)

		if err == nil {
			h.tracker.Report(cand.Provider.Name, health.Success)
			h.router.RecordSuccess(entry.Fingerprint, cand.Provider.Name)
			metrics.UpstreamAttempts.WithLabelValues(cand.Provider.Name, "success").Inc()
			metrics.ProviderUnhealthy.WithLabelValues(cand.Provider.Name).Set(0)
			metrics.RequestsTotal.WithLabelValues("success").Inc()
			return
		}

		// Cancellation by the originator disconnecting with no joiners is
		// not a provider failure; stop without touching health state.
		if errors.Is(err, broadcast.ErrCancelled) || b.Outcome() == broadcast.Cancelled {
			logger.Info("request cancelled, originator disconnected with no joiners", "provider", cand.Provider.Name)
			metrics.RequestsTotal.WithLabelValues("cancelled").Inc()
			return
		}

		lastErr = proxyerrors.AsProxyError(cand.Provider.Name, req.Model, err)
		outcome := health.ClassifyError(lastErr)
		// A failure after bytes reached a client cannot be retried and the
		// stream terminates mid-flight; cool the provider down immediately.
		if outcome == health.RecoverableError && b.HasDelivered() {
			outcome = health.FatalError
		}
		h.tracker.Report(cand.Provider.Name, outcome)
		metrics.UpstreamAttempts.WithLabelValues(cand.Provider.Name, "error").Inc()
		if !h.tracker.Healthy(cand.Provider.Name) {
			metrics.ProviderUnhealthy.WithLabelValues(cand.Provider.Name).Set(1)
		}

		logger.Warn("upstream attempt failed",
			"provider", cand.Provider.Name,
			"error", lastErr.Message,
			"retryable", lastErr.Retryable,
			"committed", b.HasDelivered(),
		)

		// Once bytes have reached a client the attempt is committed:
		// further failures terminate the request instead of failing over.
		// Otherwise the backlog of the failed attempt is discarded so the
		// next candidate starts clean. Fatal errors cool the provider down
		// but failover still proceeds.
		if !b.TryResetForRetry() {
			b.Fail(lastErr)
			metrics.RequestsTotal.WithLabelValues("error").Inc()
			return
		}
		if i < len(candidates)-1 {
			metrics.FailoversTotal.Inc()
		}
	}

	if lastErr == nil {
		lastErr = proxyerrors.NewOverloadedError("", req.Model, "all providers exhausted")
	}
	b.Fail(lastErr)
	metrics.RequestsTotal.WithLabelValues("exhausted").Inc()
}

// attempt issues one upstream call and feeds the broadcaster. A nil return
// means the broadcaster reached closed-ok.
func (h *Handler) attempt(ctx context.Context, b *broadcast.Broadcaster, cand *router.Candidate, req *types.MessagesRequest, logger *slog.Logger) error {
	desc := cand.Provider
	attemptCtx, cancel := context.WithTimeout(ctx, desc.Timeout)
	defer cancel()
	b.SetCancel(cancel)

	adp := adapter.ForKind(desc.Type)
	httpReq, err := adp.BuildRequest(attemptCtx, desc, req, cand.UpstreamModel, req.Stream, h.credentialFor(desc))
	if err != nil {
		return proxyerrors.NewInternalError(desc.Name, req.Model, err.Error())
	}

	client := h.httpClient
	if req.Stream {
		client = h.streamClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		if b.Outcome() == broadcast.Cancelled {
			return broadcast.ErrCancelled
		}
		return proxyerrors.AsProxyError(desc.Name, req.Model, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		body, _ := httputil.ReadLimitedBody(resp.Body, httputil.DefaultMaxBodyBytes)
		return adp.MapError(desc, resp.StatusCode, body)
	}

	if req.Stream {
		return h.consumeStream(b, adp, resp, req.Model, desc.Name)
	}
	return h.consumeBody(b, adp, resp, req.Model, desc.Name)
}

// consumeStream reads upstream SSE events, transcodes them to the Anthropic
// format, and publishes each to the broadcaster. Quality validation runs
// over the full accumulated stream before closed-ok is declared.
func (h *Handler) consumeStream(b *broadcast.Broadcaster, adp adapter.Adapter, resp *http.Response, clientModel, providerName string) error {
	transcoder := adp.NewStreamTranscoder(clientModel)
	scanner := streaming.NewEventScanner(resp.Body)

	var accum bytes.Buffer
	publish := func(blocks [][]byte) {
		for _, out := range blocks {
			accum.Write(out)
			b.Publish(out)
		}
	}

	for {
		block, err := scanner.Next()
		if block != nil {
			publish(transcoder.Transcode(block))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if b.Outcome() == broadcast.Cancelled {
				return broadcast.ErrCancelled
			}
			return proxyerrors.AsProxyError(providerName, clientModel, err)
		}
	}

	publish(transcoder.Finish())

	if err := streaming.ValidateResponseQuality(accum.Bytes(), resp.StatusCode); err != nil {
		return proxyerrors.NewOverloadedError(providerName, clientModel, "response quality validation failed: "+err.Error())
	}
	b.FinishOK()
	return nil
}

// consumeBody handles a non-streaming upstream: buffer, validate, translate
// to the Anthropic shape, and populate the single-body slot.
func (h *Handler) consumeBody(b *broadcast.Broadcaster, adp adapter.Adapter, resp *http.Response, clientModel, providerName string) error {
	body, err := httputil.ReadLimitedBody(resp.Body, httputil.DefaultMaxUpstreamBodyBytes)
	if err != nil {
		return proxyerrors.AsProxyError(providerName, clientModel, err)
	}

	if err := streaming.ValidateResponseQuality(body, resp.StatusCode); err != nil {
		return proxyerrors.NewOverloadedError(providerName, clientModel, "response quality validation failed: "+err.Error())
	}

	translated, err := adp.TranslateResponse(body, clientModel)
	if err != nil {
		return proxyerrors.NewUpstreamError(providerName, clientModel, http.StatusBadGateway, err.Error())
	}

	b.SetBody(translated)
	b.FinishOK()
	return nil
}
