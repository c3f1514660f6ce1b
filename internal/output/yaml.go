package output

import (
	"encoding/json"
	"io"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/PentesterFlow/SpecWatch/internal/model"
)

// YAMLWriter writes output as YAML. Stream events are separate documents.
type YAMLWriter struct {
	mu      sync.Mutex
	writer  io.Writer
	encoder *yaml.Encoder
	stream  bool
	closed  bool
}

// NewYAMLWriter creates a new YAML writer.
func NewYAMLWriter(w io.Writer, stream bool) *YAMLWriter {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	return &YAMLWriter{writer: w, encoder: enc, stream: stream}
}

// WriteResult writes a complete document.
func (y *YAMLWriter) WriteResult(v interface{}) error {
	y.mu.Lock()
	defer y.mu.Unlock()

	if y.closed {
		return nil
	}
	return y.write(v)
}

// WriteEndpoint writes a single endpoint in streaming mode.
func (y *YAMLWriter) WriteEndpoint(endpoint *model.Endpoint) error {
	return y.writeStreamEvent(StreamEvent{Type: EventEndpoint, Data: endpoint})
}

// WriteAlert writes a single alert in streaming mode.
func (y *YAMLWriter) WriteAlert(alert *model.Alert) error {
	return y.writeStreamEvent(StreamEvent{Type: EventAlert, Data: alert})
}

// WriteError writes an error in streaming mode.
func (y *YAMLWriter) WriteError(err *ErrorRecord) error {
	return y.writeStreamEvent(StreamEvent{Type: EventError, Data: err})
}

func (y *YAMLWriter) writeStreamEvent(event StreamEvent) error {
	if !y.stream {
		return nil
	}

	y.mu.Lock()
	defer y.mu.Unlock()

	if y.closed {
		return nil
	}
	return y.write(event)
}

// write goes through JSON first so field names follow the json tags.
func (y *YAMLWriter) write(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return err
	}
	return y.encoder.Encode(generic)
}

// Flush flushes the underlying writer if it buffers.
func (y *YAMLWriter) Flush() error {
	y.mu.Lock()
	defer y.mu.Unlock()

	if flusher, ok := y.writer.(interface{ Flush() error }); ok {
		return flusher.Flush()
	}
	return nil
}

// Close finishes the YAML stream and closes the underlying writer if it can be closed.
func (y *YAMLWriter) Close() error {
	y.mu.Lock()
	defer y.mu.Unlock()

	if y.closed {
		return nil
	}
	y.closed = true

	if err := y.encoder.Close(); err != nil {
		return err
	}
	if closer, ok := y.writer.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
