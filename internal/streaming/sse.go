// Package streaming provides SSE framing utilities and the response-quality
// validation applied before a stream is declared complete.
package streaming

import (
	"bufio"
	"bytes"
	"io"
	"net/http"

	"github.com/goccy/go-json"
)

const (
	// DataPrefix is the prefix of SSE data lines.
	DataPrefix = "data: "

	// Done is the OpenAI stream completion marker.
	Done = "[DONE]"

	// maxLineBytes bounds a single SSE line; large tool-use payloads can
	// produce long data lines.
	maxLineBytes = 1024 * 1024
)

// EventScanner reads an SSE stream as whole event blocks (all lines up to
// and including the blank separator). Blocks are returned with normalized
// "\n" endings so downstream framing is uniform.
type EventScanner struct {
	scanner *bufio.Scanner
	err     error
}

// NewEventScanner wraps an upstream body.
func NewEventScanner(r io.Reader) *EventScanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	return &EventScanner{scanner: sc}
}

// Next returns the next event block. io.EOF signals a clean end of input; a
// partial block before EOF is returned first.
func (s *EventScanner) Next() ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}

	var block bytes.Buffer
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			if block.Len() == 0 {
				continue // leading keep-alive blank
			}
			block.WriteByte('\n')
			return block.Bytes(), nil
		}
		block.Write(line)
		block.WriteByte('\n')
	}

	if err := s.scanner.Err(); err != nil {
		s.err = err
	} else {
		s.err = io.EOF
	}

	if block.Len() > 0 {
		block.WriteByte('\n')
		return block.Bytes(), nil
	}
	return nil, s.err
}

// SetHeaders writes the SSE response headers.
func SetHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// WriteEvent writes one event block and flushes.
func WriteEvent(w http.ResponseWriter, flusher http.Flusher, block []byte) error {
	if _, err := w.Write(block); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// FormatEvent renders "event: <name>\ndata: <json>\n\n".
func FormatEvent(name string, data any) []byte {
	payload, err := json.Marshal(data)
	if err != nil {
		payload = []byte("{}")
	}
	var buf bytes.Buffer
	buf.WriteString("event: ")
	buf.WriteString(name)
	buf.WriteByte('\n')
	buf.WriteString(DataPrefix)
	buf.Write(payload)
	buf.WriteString("\n\n")
	return buf.Bytes()
}

// ErrorEvent renders the mid-stream SSE error frame delivered when a stream
// fails after bytes were already forwarded.
func ErrorEvent(errType, message string) []byte {
	return FormatEvent("error", map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    errType,
			"message": message,
		},
	})
}

// DataPayloads extracts the JSON payload of every data: line in a block
// sequence, skipping [DONE].
func DataPayloads(blocks [][]byte) [][]byte {
	var out [][]byte
	for _, block := range blocks {
		for _, line := range bytes.Split(block, []byte("\n")) {
			trimmed := bytes.TrimSpace(line)
			if !bytes.HasPrefix(trimmed, []byte(DataPrefix)) {
				continue
			}
			payload := bytes.TrimPrefix(trimmed, []byte(DataPrefix))
			if bytes.Equal(payload, []byte(Done)) {
				continue
			}
			out = append(out, payload)
		}
	}
	return out
}
