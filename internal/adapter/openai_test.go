package adapter_test

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkytech/claude-code-provider-balancer/internal/adapter"
	"github.com/zkytech/claude-code-provider-balancer/internal/provider"
	"github.com/zkytech/claude-code-provider-balancer/pkg/types"
)

func openAIDescriptor() *provider.Descriptor {
	return &provider.Descriptor{
		Name:      "openai-compat",
		Type:      provider.KindOpenAI,
		BaseURL:   "https://upstream.example",
		AuthType:  provider.AuthAPIKey,
		AuthValue: "sk-test",
		Enabled:   true,
		Timeout:   30 * time.Second,
	}
}

func decodeBody(t *testing.T, req *http.Request) map[string]any {
	t.Helper()
	raw, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestOpenAI_BuildRequest_SystemAndMessages(t *testing.T) {
	adp := adapter.ForKind(provider.KindOpenAI)
	req := &types.MessagesRequest{
		Model:     "claude-3-5-sonnet-20241022",
		MaxTokens: 100,
		System:    json.RawMessage(`"be concise"`),
		Messages: []types.Message{
			{Role: "user", Content: json.RawMessage(`"hello"`)},
		},
	}

	httpReq, err := adp.BuildRequest(context.Background(), openAIDescriptor(), req, "gpt-4o", false, "sk-test")
	require.NoError(t, err)

	assert.Equal(t, "https://upstream.example/v1/chat/completions", httpReq.URL.String())
	assert.Equal(t, "Bearer sk-test", httpReq.Header.Get("Authorization"))

	body := decodeBody(t, httpReq)
	assert.Equal(t, "gpt-4o", body["model"])

	messages := body["messages"].([]any)
	require.Len(t, messages, 2)
	first := messages[0].(map[string]any)
	assert.Equal(t, "system", first["role"])
	assert.Equal(t, "be concise", first["content"])
	second := messages[1].(map[string]any)
	assert.Equal(t, "user", second["role"])
	assert.Equal(t, "hello", second["content"])
}

func TestOpenAI_BuildRequest_ToolSchemaScrubbed(t *testing.T) {
	adp := adapter.ForKind(provider.KindOpenAI)
	req := &types.MessagesRequest{
		Model:     "claude-3-5-sonnet-20241022",
		MaxTokens: 100,
		Messages:  []types.Message{{Role: "user", Content: json.RawMessage(`"x"`)}},
		Tools: []types.Tool{{
			Name:        "fetch",
			Description: "fetch a url",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","format":"uri"},"extra":{"type":"object","additionalProperties":true,"properties":{}}}}`),
		}},
	}

	httpReq, err := adp.BuildRequest(context.Background(), openAIDescriptor(), req, "gpt-4o", false, "sk")
	require.NoError(t, err)

	body := decodeBody(t, httpReq)
	tools := body["tools"].([]any)
	require.Len(t, tools, 1)
	fn := tools[0].(map[string]any)["function"].(map[string]any)
	assert.Equal(t, "fetch", fn["name"])

	params := fn["parameters"].(map[string]any)
	props := params["properties"].(map[string]any)
	urlProp := props["url"].(map[string]any)
	_, hasFormat := urlProp["format"]
	assert.False(t, hasFormat, "format: uri must be stripped")

	extraProp := props["extra"].(map[string]any)
	_, hasProps := extraProp["properties"]
	assert.False(t, hasProps, "empty properties on additionalProperties objects must be collapsed")
}

func TestOpenAI_BuildRequest_ToolUseHistory(t *testing.T) {
	adp := adapter.ForKind(provider.KindOpenAI)
	req := &types.MessagesRequest{
		Model:     "m",
		MaxTokens: 10,
		Messages: []types.Message{
			{Role: "user", Content: json.RawMessage(`"weather?"`)},
			{Role: "assistant", Content: json.RawMessage(`[{"type":"tool_use","id":"tu_1","name":"get_weather","input":{"city":"Paris"}}]`)},
			{Role: "user", Content: json.RawMessage(`[{"type":"tool_result","tool_use_id":"tu_1","content":"sunny"}]`)},
		},
	}

	httpReq, err := adp.BuildRequest(context.Background(), openAIDescriptor(), req, "gpt-4o", false, "sk")
	require.NoError(t, err)

	body := decodeBody(t, httpReq)
	messages := body["messages"].([]any)
	require.Len(t, messages, 3)

	assistant := messages[1].(map[string]any)
	toolCalls := assistant["tool_calls"].([]any)
	require.Len(t, toolCalls, 1)
	call := toolCalls[0].(map[string]any)
	assert.Equal(t, "tu_1", call["id"])
	fn := call["function"].(map[string]any)
	assert.Equal(t, "get_weather", fn["name"])
	assert.JSONEq(t, `{"city":"Paris"}`, fn["arguments"].(string))

	toolMsg := messages[2].(map[string]any)
	assert.Equal(t, "tool", toolMsg["role"])
	assert.Equal(t, "tu_1", toolMsg["tool_call_id"])
	assert.Equal(t, "sunny", toolMsg["content"])
}

func TestOpenAI_TranslateResponse_Text(t *testing.T) {
	adp := adapter.ForKind(provider.KindOpenAI)
	upstream := `{"id":"chatcmpl-1","object":"chat.completion","model":"gpt-4o","choices":[{"index":0,"message":{"role":"assistant","content":"pong"},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`

	out, err := adp.TranslateResponse([]byte(upstream), "claude-3-5-haiku-20241022")
	require.NoError(t, err)

	var resp types.MessagesResponse
	require.NoError(t, json.Unmarshal(out, &resp))
	assert.Equal(t, "message", resp.Type)
	assert.Equal(t, "assistant", resp.Role)
	assert.Equal(t, "claude-3-5-haiku-20241022", resp.Model)
	require.Len(t, resp.Content, 1)
	assert.Equal(t, "text", resp.Content[0].Type)
	assert.Equal(t, "pong", resp.Content[0].Text)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, 5, resp.Usage.InputTokens)
	assert.Equal(t, 2, resp.Usage.OutputTokens)
}

func TestOpenAI_TranslateResponse_ToolCalls(t *testing.T) {
	adp := adapter.ForKind(provider.KindOpenAI)
	upstream := `{"id":"chatcmpl-2","choices":[{"index":0,"message":{"role":"assistant","content":"","tool_calls":[{"id":"call_1","type":"function","function":{"name":"get_weather","arguments":"{\"city\":\"Paris\"}"}}]},"finish_reason":"tool_calls"}]}`

	out, err := adp.TranslateResponse([]byte(upstream), "claude-3-5-sonnet-20241022")
	require.NoError(t, err)

	var resp types.MessagesResponse
	require.NoError(t, json.Unmarshal(out, &resp))
	require.Len(t, resp.Content, 1)
	assert.Equal(t, "tool_use", resp.Content[0].Type)
	assert.Equal(t, "call_1", resp.Content[0].ID)
	assert.Equal(t, "get_weather", resp.Content[0].Name)
	assert.JSONEq(t, `{"city":"Paris"}`, string(resp.Content[0].Input))
	assert.Equal(t, "tool_use", resp.StopReason)
}

func TestOpenAI_StreamTranscoder_TextDeltas(t *testing.T) {
	adp := adapter.ForKind(provider.KindOpenAI)
	tr := adp.NewStreamTranscoder("claude-3-5-haiku-20241022")

	var out []byte
	feed := func(line string) {
		for _, block := range tr.Transcode([]byte(line)) {
			out = append(out, block...)
		}
	}

	feed("data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\"}}]}\n\n")
	feed("data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"po\"}}]}\n\n")
	feed("data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"ng\"}}]}\n\n")
	feed("data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
	feed("data: [DONE]\n\n")

	s := string(out)
	assert.Contains(t, s, "event: message_start")
	assert.Contains(t, s, "event: content_block_start")
	assert.Contains(t, s, `"text":"po"`)
	assert.Contains(t, s, `"text":"ng"`)
	assert.Contains(t, s, `"stop_reason":"end_turn"`)
	assert.Contains(t, s, "event: message_stop")

	// The produced stream is itself a valid, complete Anthropic stream.
	assert.Less(t, strings.Index(s, "event: message_start"), strings.Index(s, "event: message_stop"))
}

func TestOpenAI_StreamTranscoder_ToolCallDeltas(t *testing.T) {
	adp := adapter.ForKind(provider.KindOpenAI)
	tr := adp.NewStreamTranscoder("m")

	var out []byte
	feed := func(line string) {
		for _, block := range tr.Transcode([]byte(line)) {
			out = append(out, block...)
		}
	}

	feed("data: {\"id\":\"c2\",\"choices\":[{\"index\":0,\"delta\":{\"tool_calls\":[{\"index\":0,\"id\":\"call_9\",\"type\":\"function\",\"function\":{\"name\":\"lookup\",\"arguments\":\"\"}}]}}]}\n\n")
	feed("data: {\"id\":\"c2\",\"choices\":[{\"index\":0,\"delta\":{\"tool_calls\":[{\"index\":0,\"function\":{\"arguments\":\"{\\\"q\\\":\"}}]}}]}\n\n")
	feed("data: {\"id\":\"c2\",\"choices\":[{\"index\":0,\"delta\":{\"tool_calls\":[{\"index\":0,\"function\":{\"arguments\":\"\\\"go\\\"}\"}}]}}]}\n\n")
	feed("data: {\"id\":\"c2\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"tool_calls\"}]}\n\n")
	feed("data: [DONE]\n\n")

	s := string(out)
	assert.Contains(t, s, `"type":"tool_use"`)
	assert.Contains(t, s, `"name":"lookup"`)
	assert.Contains(t, s, "input_json_delta")
	assert.Contains(t, s, `"stop_reason":"tool_use"`)
	assert.Contains(t, s, "event: message_stop")
}

func TestOpenAI_StreamTranscoder_FinishWithoutDone(t *testing.T) {
	adp := adapter.ForKind(provider.KindOpenAI)
	tr := adp.NewStreamTranscoder("m")

	var out []byte
	for _, block := range tr.Transcode([]byte("data: {\"id\":\"c3\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"x\"}}]}\n\n")) {
		out = append(out, block...)
	}
	for _, block := range tr.Finish() {
		out = append(out, block...)
	}

	assert.Contains(t, string(out), "event: message_stop",
		"a stream ending without [DONE] still closes the message")
}
