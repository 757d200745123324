package streaming_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zkytech/claude-code-provider-balancer/internal/streaming"
)

func TestValidateResponseQuality(t *testing.T) {
	completeAnthropic := "event: message_start\ndata: {\"type\":\"message_start\"}\n\n" +
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\"}\n\n" +
		"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"

	completeOpenAI := "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\ndata: [DONE]\n\n"

	tests := []struct {
		name   string
		body   string
		status int
		ok     bool
	}{
		{"complete anthropic stream", completeAnthropic, 200, true},
		{"complete openai stream", completeOpenAI, 200, true},
		{"http error status", completeAnthropic, 503, false},
		{"empty body", "", 200, false},
		{"error phrase in body", "data: oops 503 Service Unavailable\n\nevent: message_stop\n\n", 200, false},
		{"sse error event", "event: error\ndata: {\"type\":\"error\"}\n\n", 200, false},
		{"unterminated stream", "event: message_start\ndata: {\"type\":\"message_start\"}\n\ndata: {\"delta\":{\"text\":\"x\"}}\n\n", 200, false},
		{"json error body", `{"error":{"type":"overloaded_error","message":"busy"}}`, 200, false},
		{"plain json messages response", `{"id":"msg_1","type":"message","content":[{"type":"text","text":"hi"}],"stop_reason":"end_turn"}`, 200, true},
		{"plain json openai response", `{"id":"c1","choices":[{"message":{"content":"hi"},"finish_reason":"stop"}]}`, 200, true},
		{"neither sse nor json", "<html>bad gateway</html>", 200, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := streaming.ValidateResponseQuality([]byte(tc.body), tc.status)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
