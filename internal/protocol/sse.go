package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// WriteEvent writes one unified event as an event-stream frame and flushes, so
// the client observes it as soon as the upstream produced it.
func WriteEvent(w io.Writer, ev StreamEvent) error {
	b, err := ev.Encode()
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// ScanEvents reads event-stream frames and invokes fn per decoded event.
// Comment lines and non-JSON payloads (provider diagnostics) are skipped.
// Returns when the stream ends, fn fails, or a message_stop frame is seen.
func ScanEvents(r io.Reader, fn func(StreamEvent) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 8<<20)

	dataLines := make([]string, 0, 1)

	flushEvent := func() (bool, error) {
		if len(dataLines) == 0 {
			return false, nil
		}
		data := strings.TrimSpace(strings.Join(dataLines, "\n"))
		dataLines = dataLines[:0]
		if data == "" || data == "[DONE]" {
			return data == "[DONE]", nil
		}

		var ev StreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return false, nil
		}
		if ev.Type == "" {
			return false, nil
		}
		if err := fn(ev); err != nil {
			return false, err
		}
		return ev.Type == EventMessageStop, nil
	}

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			done, err := flushEvent()
			if err != nil {
				return err
			}
			if done {
				return nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			payload := strings.TrimPrefix(line, "data:")
			if strings.HasPrefix(payload, " ") {
				payload = payload[1:]
			}
			dataLines = append(dataLines, payload)
		}
		// Other SSE fields (event:, id:, retry:) are ignored; the type tag
		// inside the payload is authoritative.
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream read failed: %w", err)
	}

	if len(dataLines) > 0 {
		if _, err := flushEvent(); err != nil {
			return err
		}
	}
	return nil
}
