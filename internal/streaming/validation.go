package streaming

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// errorIndicators are HTTP error phrases that occasionally show up inside a
// 200 response body when an intermediary failed. Substring matching runs
// right after the HTTP status and empty-body checks, before the SSE
// error-event and JSON structure checks; any match rejects the response and
// there is no setting that turns it off.
var errorIndicators = []string{
	"503 Service Unavailable",
	"502 Bad Gateway",
	"500 Internal Server Error",
	"504 Gateway Timeout",
	"404 Not Found",
	"401 Unauthorized",
	"403 Forbidden",
}

// completionMarkers are the markers that prove a stream ran to completion,
// covering both Anthropic and OpenAI formats.
var completionMarkers = []string{
	"event: message_stop",
	"event: content_block_stop",
	"stop_reason",
	`"type":"message_stop"`,
	`"type": "message_stop"`,
	`"finish_reason"`,
	"data: [DONE]",
}

// ValidateResponseQuality checks the full accumulated response before the
// broadcaster is declared closed-ok. A nil return means the response is
// acceptable; otherwise the reason is returned and the dispatch loop reports
// a recoverable error to the health tracker, or a fatal one when bytes of the
// attempt have already reached a client.
func ValidateResponseQuality(body []byte, statusCode int) error {
	if statusCode >= 400 {
		return fmt.Errorf("upstream returned HTTP %d", statusCode)
	}
	if len(body) == 0 {
		return fmt.Errorf("empty response")
	}

	content := string(body)

	for _, indicator := range errorIndicators {
		if strings.Contains(content, indicator) {
			return fmt.Errorf("http error phrase in body: %s", indicator)
		}
	}

	if strings.Contains(content, "event: error") {
		return fmt.Errorf("sse error event in stream")
	}

	hasDataLine := false
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(line, "data:") {
			hasDataLine = true
			break
		}
	}

	if !hasDataLine {
		// No SSE structure: the body must be a valid non-error JSON response.
		var parsed map[string]any
		if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &parsed); err != nil {
			return fmt.Errorf("response is neither sse nor valid json")
		}
		if _, ok := parsed["error"]; ok {
			return fmt.Errorf("json error object in response body")
		}
		// A plain JSON response carries its own completion semantics.
		if _, ok := parsed["stop_reason"]; ok {
			return nil
		}
		if _, ok := parsed["choices"]; ok {
			return nil
		}
		if _, ok := parsed["content"]; ok {
			return nil
		}
		return fmt.Errorf("json response missing completion fields")
	}

	for _, marker := range completionMarkers {
		if strings.Contains(content, marker) {
			return nil
		}
	}
	return fmt.Errorf("stream ended without completion marker")
}
