package adapter

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/zkytech/claude-code-provider-balancer/internal/provider"
	"github.com/zkytech/claude-code-provider-balancer/pkg/errors"
	"github.com/zkytech/claude-code-provider-balancer/pkg/types"
)

const anthropicAPIVersion = "2023-06-01"

// AnthropicAdapter forwards requests unchanged to Anthropic-protocol
// upstreams, rewriting only the model name when the route names a concrete
// upstream model.
type AnthropicAdapter struct{}

// Kind implements Adapter.
func (a *AnthropicAdapter) Kind() provider.Kind { return provider.KindAnthropic }

// BuildRequest implements Adapter.
func (a *AnthropicAdapter) BuildRequest(ctx context.Context, desc *provider.Descriptor, req *types.MessagesRequest, upstreamModel string, stream bool, credential string) (*http.Request, error) {
	forwarded := *req
	forwarded.Model = upstreamModel
	forwarded.Stream = stream

	body, err := json.Marshal(&forwarded)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimSuffix(desc.BaseURL, "/") + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)
	switch desc.AuthType {
	case provider.AuthBearer, provider.AuthOAuth:
		httpReq.Header.Set("Authorization", "Bearer "+credential)
	default:
		httpReq.Header.Set("x-api-key", credential)
	}
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	return httpReq, nil
}

// TranslateResponse implements Adapter. The body is already
// Anthropic-shaped; only the model name is rewritten back to what the
// client asked for.
func (a *AnthropicAdapter) TranslateResponse(body []byte, clientModel string) ([]byte, error) {
	var resp map[string]any
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse upstream response: %w", err)
	}
	if _, ok := resp["model"]; ok && clientModel != "" {
		resp["model"] = clientModel
		return json.Marshal(resp)
	}
	return body, nil
}

// NewStreamTranscoder implements Adapter; the stream passes through as-is.
func (a *AnthropicAdapter) NewStreamTranscoder(clientModel string) StreamTranscoder {
	return passthroughTranscoder{}
}

type passthroughTranscoder struct{}

func (passthroughTranscoder) Transcode(block []byte) [][]byte { return [][]byte{block} }
func (passthroughTranscoder) Finish() [][]byte                { return nil }

// MapError implements Adapter.
func (a *AnthropicAdapter) MapError(desc *provider.Descriptor, statusCode int, body []byte) *errors.ProxyError {
	var errResp struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	message := "upstream error"
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}
	return errors.NewModelEndpointError(desc.Name, "", statusCode, message)
}
