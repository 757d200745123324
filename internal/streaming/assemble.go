package streaming

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/zkytech/claude-code-provider-balancer/pkg/types"
)

// AssembleResponse folds a completed Anthropic SSE chunk sequence into a
// single Messages response. Used when a non-streaming joiner is attached to
// a streaming producer.
func AssembleResponse(blocks [][]byte) (*types.MessagesResponse, error) {
	resp := &types.MessagesResponse{
		Type: "message",
		Role: "assistant",
	}
	// Partial tool-use JSON accumulates per block index.
	partialJSON := make(map[int]*strings.Builder)

	for _, payload := range DataPayloads(blocks) {
		var event struct {
			Type    string `json:"type"`
			Index   int    `json:"index"`
			Message *struct {
				ID    string      `json:"id"`
				Model string      `json:"model"`
				Usage types.Usage `json:"usage"`
			} `json:"message"`
			ContentBlock *types.ContentBlock `json:"content_block"`
			Delta        *struct {
				Type        string `json:"type"`
				Text        string `json:"text"`
				PartialJSON string `json:"partial_json"`
				StopReason  string `json:"stop_reason"`
			} `json:"delta"`
			Usage *types.Usage `json:"usage"`
		}
		if err := json.Unmarshal(payload, &event); err != nil {
			continue
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				resp.ID = event.Message.ID
				resp.Model = event.Message.Model
				resp.Usage.InputTokens = event.Message.Usage.InputTokens
			}

		case "content_block_start":
			if event.ContentBlock != nil {
				for len(resp.Content) <= event.Index {
					resp.Content = append(resp.Content, types.ContentBlock{})
				}
				resp.Content[event.Index] = *event.ContentBlock
			}

		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			for len(resp.Content) <= event.Index {
				resp.Content = append(resp.Content, types.ContentBlock{Type: "text"})
			}
			switch event.Delta.Type {
			case "text_delta":
				resp.Content[event.Index].Text += event.Delta.Text
			case "input_json_delta":
				sb, ok := partialJSON[event.Index]
				if !ok {
					sb = &strings.Builder{}
					partialJSON[event.Index] = sb
				}
				sb.WriteString(event.Delta.PartialJSON)
			}

		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				resp.StopReason = event.Delta.StopReason
			}
			if event.Usage != nil {
				resp.Usage.OutputTokens = event.Usage.OutputTokens
			}
		}
	}

	for idx, sb := range partialJSON {
		if idx < len(resp.Content) && sb.Len() > 0 {
			resp.Content[idx].Input = json.RawMessage(sb.String())
		}
	}

	if resp.ID == "" && len(resp.Content) == 0 {
		return nil, fmt.Errorf("no message events in stream")
	}
	return resp, nil
}

// SynthesizeEvents renders a complete Messages response as the Anthropic
// event sequence a streaming client expects. Used when a streaming joiner
// is attached to a non-streaming producer.
func SynthesizeEvents(resp *types.MessagesResponse) [][]byte {
	var events [][]byte

	events = append(events, FormatEvent("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            resp.ID,
			"type":          "message",
			"role":          "assistant",
			"content":       []any{},
			"model":         resp.Model,
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": resp.Usage.InputTokens, "output_tokens": 0},
		},
	}))

	for i, block := range resp.Content {
		switch block.Type {
		case "tool_use":
			events = append(events, FormatEvent("content_block_start", map[string]any{
				"type":  "content_block_start",
				"index": i,
				"content_block": map[string]any{
					"type":  "tool_use",
					"id":    block.ID,
					"name":  block.Name,
					"input": map[string]any{},
				},
			}))
			input := block.Input
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			events = append(events, FormatEvent("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": i,
				"delta": map[string]any{"type": "input_json_delta", "partial_json": string(input)},
			}))
		default:
			events = append(events, FormatEvent("content_block_start", map[string]any{
				"type":          "content_block_start",
				"index":         i,
				"content_block": map[string]any{"type": "text", "text": ""},
			}))
			events = append(events, FormatEvent("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": i,
				"delta": map[string]any{"type": "text_delta", "text": block.Text},
			}))
		}
		events = append(events, FormatEvent("content_block_stop", map[string]any{
			"type":  "content_block_stop",
			"index": i,
		}))
	}

	stopReason := resp.StopReason
	if stopReason == "" {
		stopReason = "end_turn"
	}
	events = append(events, FormatEvent("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": stopReason, "stop_sequence": nil},
		"usage": map[string]any{"output_tokens": resp.Usage.OutputTokens},
	}))
	events = append(events, FormatEvent("message_stop", map[string]any{
		"type": "message_stop",
	}))

	return events
}
