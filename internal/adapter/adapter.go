// Package adapter transcodes between the client-facing Anthropic Messages
// protocol and the upstream wire protocols. One adapter per protocol kind;
// selection is by provider descriptor.
package adapter

import (
	"context"
	"net/http"

	"github.com/zkytech/claude-code-provider-balancer/internal/provider"
	"github.com/zkytech/claude-code-provider-balancer/pkg/errors"
	"github.com/zkytech/claude-code-provider-balancer/pkg/types"
)

// StreamTranscoder rewrites one upstream SSE event block at a time into
// Anthropic-format event blocks. Implementations are stateful and used for
// a single stream.
type StreamTranscoder interface {
	// Transcode converts one upstream event block; it may emit zero or more
	// Anthropic event blocks.
	Transcode(block []byte) [][]byte
	// Finish emits any trailing events once the upstream ends.
	Finish() [][]byte
}

// Adapter issues upstream requests and converts responses for one protocol.
type Adapter interface {
	Kind() provider.Kind

	// BuildRequest creates the upstream HTTP request. credential is the
	// resolved auth material (API key or OAuth access token).
	BuildRequest(ctx context.Context, desc *provider.Descriptor, req *types.MessagesRequest, upstreamModel string, stream bool, credential string) (*http.Request, error)

	// TranslateResponse converts a non-streaming upstream body to the
	// Anthropic Messages response shape.
	TranslateResponse(body []byte, clientModel string) ([]byte, error)

	// NewStreamTranscoder returns a transcoder for one streaming response.
	NewStreamTranscoder(clientModel string) StreamTranscoder

	// MapError converts an upstream error response to a ProxyError.
	MapError(desc *provider.Descriptor, statusCode int, body []byte) *errors.ProxyError
}

// ForKind returns the adapter for a protocol kind.
func ForKind(kind provider.Kind) Adapter {
	if kind == provider.KindOpenAI {
		return &OpenAIAdapter{}
	}
	return &AnthropicAdapter{}
}
