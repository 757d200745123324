// Package dedup detects concurrent identical requests and joins them onto
// one in-flight upstream call.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/goccy/go-json"

	"github.com/zkytech/claude-code-provider-balancer/pkg/types"
)

// fingerprintMessage is the normalized view of one conversation turn.
type fingerprintMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// fingerprintPayload is the canonical form hashed into a fingerprint.
// Request ids, auth headers, trace ids, and the stream flag are excluded:
// a streaming and a non-streaming arrival of the same body deduplicate, and
// the joiner adapts to the producer's mode.
type fingerprintPayload struct {
	Model       string               `json:"model"`
	Messages    []fingerprintMessage `json:"messages"`
	System      string               `json:"system,omitempty"`
	Tools       any                  `json:"tools,omitempty"`
	MaxTokens   int                  `json:"max_tokens"`
	Temperature *float64             `json:"temperature,omitempty"`
	TopP        *float64             `json:"top_p,omitempty"`
}

// Fingerprint derives the stable hash identifying semantically identical
// requests. The canonical form is key-sorted, whitespace-free JSON; the
// hash is not a security boundary.
func Fingerprint(req *types.MessagesRequest) string {
	payload := fingerprintPayload{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}

	payload.Messages = make([]fingerprintMessage, 0, len(req.Messages))
	for i := range req.Messages {
		m := &req.Messages[i]
		payload.Messages = append(payload.Messages, fingerprintMessage{
			Role:    m.Role,
			Content: m.ContentText(),
		})
	}

	if len(req.System) > 0 {
		payload.System = systemText(req.System)
	}

	if len(req.Tools) > 0 {
		// Round-trip through any so equivalent tool JSON with different key
		// order or whitespace hashes identically.
		raw, err := json.Marshal(req.Tools)
		if err == nil {
			var canonical any
			if err := json.Unmarshal(raw, &canonical); err == nil {
				payload.Tools = canonical
			}
		}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(req.Model)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func systemText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []types.ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}
	var out string
	for _, b := range blocks {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}
