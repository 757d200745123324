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

// OpenAIAdapter bridges Anthropic-format requests onto OpenAI Chat
// Completions upstreams and converts responses back, so clients always see
// Anthropic-shaped messages.
type OpenAIAdapter struct{}

// Kind implements Adapter.
func (a *OpenAIAdapter) Kind() provider.Kind { return provider.KindOpenAI }

// BuildRequest implements Adapter.
func (a *OpenAIAdapter) BuildRequest(ctx context.Context, desc *provider.Descriptor, req *types.MessagesRequest, upstreamModel string, stream bool, credential string) (*http.Request, error) {
	chatReq, err := a.transformRequest(req, upstreamModel, stream)
	if err != nil {
		return nil, fmt.Errorf("transform request: %w", err)
	}

	body, err := json.Marshal(chatReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimSuffix(desc.BaseURL, "/") + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+credential)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	return httpReq, nil
}

func (a *OpenAIAdapter) transformRequest(req *types.MessagesRequest, upstreamModel string, stream bool) (*types.ChatRequest, error) {
	chatReq := &types.ChatRequest{
		Model:       upstreamModel,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSequences,
		Stream:      stream,
	}

	if len(req.System) > 0 {
		if text := systemPromptText(req.System); text != "" {
			chatReq.Messages = append(chatReq.Messages, types.ChatMessage{
				Role:    "system",
				Content: text,
			})
		}
	}

	for i := range req.Messages {
		converted, err := convertMessage(&req.Messages[i])
		if err != nil {
			return nil, err
		}
		chatReq.Messages = append(chatReq.Messages, converted...)
	}

	for _, tool := range req.Tools {
		chatReq.Tools = append(chatReq.Tools, types.ChatTool{
			Type: "function",
			Function: types.ChatFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  ScrubToolSchema(tool.InputSchema),
			},
		})
	}

	if len(req.ToolChoice) > 0 {
		chatReq.ToolChoice = convertToolChoice(req.ToolChoice)
	}

	return chatReq, nil
}

// convertMessage maps one Anthropic message to one or more OpenAI messages.
// tool_result blocks become standalone "tool" role messages.
func convertMessage(msg *types.Message) ([]types.ChatMessage, error) {
	var asString string
	if err := json.Unmarshal(msg.Content, &asString); err == nil {
		return []types.ChatMessage{{Role: msg.Role, Content: asString}}, nil
	}

	var blocks []types.ContentBlock
	if err := json.Unmarshal(msg.Content, &blocks); err != nil {
		return nil, fmt.Errorf("invalid message content")
	}

	var out []types.ChatMessage
	var text string
	var toolCalls []types.ToolCall

	for _, block := range blocks {
		switch block.Type {
		case "text":
			text += block.Text
		case "tool_use":
			args := string(block.Input)
			if args == "" {
				args = "{}"
			}
			toolCalls = append(toolCalls, types.ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: types.ToolCallFunction{
					Name:      block.Name,
					Arguments: args,
				},
			})
		case "tool_result":
			var content string
			if err := json.Unmarshal(block.Content, &content); err != nil {
				content = string(block.Content)
			}
			out = append(out, types.ChatMessage{
				Role:       "tool",
				Content:    content,
				ToolCallID: block.ToolUseID,
			})
		}
	}

	if text != "" || len(toolCalls) > 0 || len(out) == 0 {
		out = append([]types.ChatMessage{{
			Role:      msg.Role,
			Content:   text,
			ToolCalls: toolCalls,
		}}, out...)
	}

	return out, nil
}

func systemPromptText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []types.ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var out string
	for _, b := range blocks {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}

func convertToolChoice(raw json.RawMessage) json.RawMessage {
	var tc struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &tc); err != nil {
		return nil
	}
	switch tc.Type {
	case "auto":
		return json.RawMessage(`"auto"`)
	case "any":
		return json.RawMessage(`"required"`)
	case "none":
		return json.RawMessage(`"none"`)
	case "tool":
		out, _ := json.Marshal(map[string]any{
			"type":     "function",
			"function": map[string]any{"name": tc.Name},
		})
		return out
	}
	return nil
}

// TranslateResponse implements Adapter.
func (a *OpenAIAdapter) TranslateResponse(body []byte, clientModel string) ([]byte, error) {
	var chatResp types.ChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, fmt.Errorf("parse upstream response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("upstream response has no choices")
	}

	choice := chatResp.Choices[0]
	resp := types.MessagesResponse{
		ID:         chatResp.ID,
		Type:       "message",
		Role:       "assistant",
		Model:      clientModel,
		StopReason: mapFinishReason(choice.FinishReason),
	}
	if resp.ID == "" {
		resp.ID = "msg_" + chatResp.ID
	}

	if choice.Message.Content != "" {
		resp.Content = append(resp.Content, types.ContentBlock{
			Type: "text",
			Text: choice.Message.Content,
		})
	}
	for _, tc := range choice.Message.ToolCalls {
		input := json.RawMessage(tc.Function.Arguments)
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		resp.Content = append(resp.Content, types.ContentBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}

	if chatResp.Usage != nil {
		resp.Usage = types.Usage{
			InputTokens:  chatResp.Usage.PromptTokens,
			OutputTokens: chatResp.Usage.CompletionTokens,
		}
	}

	return json.Marshal(&resp)
}

func mapFinishReason(reason string) string {
	switch reason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls", "function_call":
		return "tool_use"
	case "":
		return ""
	default:
		return "end_turn"
	}
}

// MapError implements Adapter. OpenAI error envelopes are converted so
// clients always receive an Anthropic-shaped error.
func (a *OpenAIAdapter) MapError(desc *provider.Descriptor, statusCode int, body []byte) *errors.ProxyError {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	message := "upstream error"
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}
	return errors.NewModelEndpointError(desc.Name, "", statusCode, message)
}
