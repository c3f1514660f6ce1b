package output

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/PentesterFlow/SpecWatch/internal/model"
)

// JSONWriter writes output in JSON format. Stream events are written one per line unless
// pretty printing is on.
type JSONWriter struct {
	mu     sync.Mutex
	writer io.Writer
	pretty bool
	stream bool
	closed bool
}

// NewJSONWriter creates a new JSON writer.
func NewJSONWriter(w io.Writer, pretty, stream bool) *JSONWriter {
	return &JSONWriter{
		writer: w,
		pretty: pretty,
		stream: stream,
	}
}

// WriteResult writes a complete document.
func (j *JSONWriter) WriteResult(v interface{}) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	return j.write(v)
}

// WriteEndpoint writes a single endpoint in streaming mode.
func (j *JSONWriter) WriteEndpoint(endpoint *model.Endpoint) error {
	return j.writeStreamEvent(StreamEvent{Type: EventEndpoint, Data: endpoint})
}

// WriteAlert writes a single alert in streaming mode.
func (j *JSONWriter) WriteAlert(alert *model.Alert) error {
	return j.writeStreamEvent(StreamEvent{Type: EventAlert, Data: alert})
}

// WriteError writes an error in streaming mode.
func (j *JSONWriter) WriteError(err *ErrorRecord) error {
	return j.writeStreamEvent(StreamEvent{Type: EventError, Data: err})
}

func (j *JSONWriter) writeStreamEvent(event StreamEvent) error {
	if !j.stream {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	return j.write(event)
}

func (j *JSONWriter) write(v interface{}) error {
	enc := json.NewEncoder(j.writer)
	if j.pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

// Flush flushes the underlying writer if it buffers.
func (j *JSONWriter) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if flusher, ok := j.writer.(interface{ Flush() error }); ok {
		return flusher.Flush()
	}
	return nil
}

// Close marks the writer closed and closes the underlying writer if it can be closed.
func (j *JSONWriter) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.closed = true

	if closer, ok := j.writer.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
