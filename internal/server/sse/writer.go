// Package sse writes server-sent events to HTTP clients.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Writer flushes each event as it is written so clients see tokens live.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter prepares w for event streaming and writes the SSE headers.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	return &Writer{w: w, flusher: flusher}, nil
}

// Emit serializes data and writes one named event.
func (sw *Writer) Emit(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return sw.EmitRaw(event, payload)
}

// EmitRaw writes one named event with a pre-serialized payload.
func (sw *Writer) EmitRaw(event string, payload []byte) error {
	if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// WriteData writes a bare data event with no event name, the shape the
// Google surface streams.
func (sw *Writer) WriteData(payload []byte) error {
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}
