package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"jobrelay/internal/events"
)

// SSEWriter writes events to an HTTP response as text/event-stream frames.
// Headers are sent with the first frame. It must only be used from one goroutine.
type SSEWriter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
}

var errEventType = errors.New("sse: event type must be non-empty and single-line")

func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	return &SSEWriter{w: w, rc: http.NewResponseController(w)}
}

func (s *SSEWriter) start() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
}

func (s *SSEWriter) WriteEvent(evt events.Event) error {
	if evt.Type == "" || strings.ContainsAny(evt.Type, "\r\n") {
		return fmt.Errorf("%w: %q", errEventType, evt.Type)
	}
	data := evt.Data
	if data == nil {
		data = map[string]any{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	s.start()
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", evt.Type, payload); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *SSEWriter) WriteComment(text string) error {
	s.start()
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	return s.rc.Flush()
}
