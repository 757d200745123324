package adapter

import (
	"bytes"

	"github.com/goccy/go-json"

	"github.com/zkytech/claude-code-provider-balancer/internal/streaming"
	"github.com/zkytech/claude-code-provider-balancer/pkg/types"
)

// openAIStreamTranscoder rewrites OpenAI streaming deltas into the
// Anthropic event sequence (message_start, content_block_start/delta/stop,
// message_delta, message_stop) with the same ordering semantics.
//
// Anthropic streams keep at most one content block open at a time, so a
// switch between text and tool-call deltas closes the previous block.
type openAIStreamTranscoder struct {
	clientModel string

	started  bool
	finished bool

	nextIndex    int
	currentIndex int  // anthropic index of the open block
	currentOpen  bool
	currentTool  int // openai tool-call index of the open tool block, -1 for text

	stopReason   string
	outputTokens int
}

// NewStreamTranscoder implements Adapter.
func (a *OpenAIAdapter) NewStreamTranscoder(clientModel string) StreamTranscoder {
	return &openAIStreamTranscoder{
		clientModel: clientModel,
		currentTool: -1,
	}
}

// Transcode implements StreamTranscoder.
func (t *openAIStreamTranscoder) Transcode(block []byte) [][]byte {
	var out [][]byte
	for _, payload := range streaming.DataPayloads([][]byte{block}) {
		out = append(out, t.transcodePayload(payload)...)
	}

	// [DONE] is stripped by DataPayloads; detect it on the raw block.
	if bytes.Contains(block, []byte(streaming.DataPrefix+streaming.Done)) {
		out = append(out, t.closeMessage()...)
	}
	return out
}

// Finish implements StreamTranscoder; streams ending without [DONE] are
// closed here so joiners still observe a terminal event.
func (t *openAIStreamTranscoder) Finish() [][]byte {
	return t.closeMessage()
}

func (t *openAIStreamTranscoder) transcodePayload(payload []byte) [][]byte {
	var chunk types.ChatStreamChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return nil
	}

	var out [][]byte

	if !t.started {
		t.started = true
		id := chunk.ID
		if id == "" {
			id = "msg_stream"
		}
		out = append(out, streaming.FormatEvent("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            id,
				"type":          "message",
				"role":          "assistant",
				"content":       []any{},
				"model":         t.clientModel,
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         map[string]any{"input_tokens": 0, "output_tokens": 0},
			},
		}))
	}

	if chunk.Usage != nil {
		t.outputTokens = chunk.Usage.CompletionTokens
	}
	if len(chunk.Choices) == 0 {
		return out
	}
	choice := chunk.Choices[0]

	if choice.Delta.Content != "" {
		out = append(out, t.ensureTextBlock()...)
		out = append(out, streaming.FormatEvent("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": t.currentIndex,
			"delta": map[string]any{"type": "text_delta", "text": choice.Delta.Content},
		}))
	}

	for _, tc := range choice.Delta.ToolCalls {
		toolIdx := 0
		if tc.Index != nil {
			toolIdx = *tc.Index
		}
		if !t.currentOpen || t.currentTool != toolIdx {
			out = append(out, t.closeBlock()...)
			t.currentIndex = t.nextIndex
			t.nextIndex++
			t.currentOpen = true
			t.currentTool = toolIdx
			out = append(out, streaming.FormatEvent("content_block_start", map[string]any{
				"type":  "content_block_start",
				"index": t.currentIndex,
				"content_block": map[string]any{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Function.Name,
					"input": map[string]any{},
				},
			}))
		}
		if tc.Function.Arguments != "" {
			out = append(out, streaming.FormatEvent("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": t.currentIndex,
				"delta": map[string]any{"type": "input_json_delta", "partial_json": tc.Function.Arguments},
			}))
		}
	}

	if choice.FinishReason != "" {
		t.stopReason = mapFinishReason(choice.FinishReason)
	}

	return out
}

func (t *openAIStreamTranscoder) ensureTextBlock() [][]byte {
	if t.currentOpen && t.currentTool == -1 {
		return nil
	}
	out := t.closeBlock()
	t.currentIndex = t.nextIndex
	t.nextIndex++
	t.currentOpen = true
	t.currentTool = -1
	out = append(out, streaming.FormatEvent("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         t.currentIndex,
		"content_block": map[string]any{"type": "text", "text": ""},
	}))
	return out
}

func (t *openAIStreamTranscoder) closeBlock() [][]byte {
	if !t.currentOpen {
		return nil
	}
	t.currentOpen = false
	return [][]byte{streaming.FormatEvent("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": t.currentIndex,
	})}
}

func (t *openAIStreamTranscoder) closeMessage() [][]byte {
	if t.finished || !t.started {
		t.finished = true
		return nil
	}
	t.finished = true

	out := t.closeBlock()
	stopReason := t.stopReason
	if stopReason == "" {
		stopReason = "end_turn"
	}
	out = append(out, streaming.FormatEvent("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": stopReason, "stop_sequence": nil},
		"usage": map[string]any{"output_tokens": t.outputTokens},
	}))
	out = append(out, streaming.FormatEvent("message_stop", map[string]any{
		"type": "message_stop",
	}))
	return out
}
