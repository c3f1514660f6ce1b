// Package output renders CLI results as JSON or YAML, either as one document or as a stream
// of typed events.
package output

import (
	"io"
	"strings"

	"github.com/PentesterFlow/SpecWatch/internal/model"
)

// Writer defines the interface for output writers.
type Writer interface {
	// WriteResult writes one complete document
	WriteResult(v interface{}) error

	// WriteEndpoint writes a single endpoint (for streaming)
	WriteEndpoint(endpoint *model.Endpoint) error

	// WriteAlert writes a single alert (for streaming)
	WriteAlert(alert *model.Alert) error

	// WriteError writes an error (for streaming)
	WriteError(err *ErrorRecord) error

	// Flush flushes any buffered output
	Flush() error

	// Close closes the writer
	Close() error
}

// Format names.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Config holds output configuration.
type Config struct {
	Format string `yaml:"format" json:"format"`
	Pretty bool   `yaml:"pretty" json:"pretty"`
	Stream bool   `yaml:"stream" json:"stream"`
}

// NewWriter creates a writer for config.Format. Unknown formats fall back to JSON.
func NewWriter(w io.Writer, config Config) Writer {
	switch strings.ToLower(config.Format) {
	case FormatYAML, "yml":
		return NewYAMLWriter(w, config.Stream)
	default:
		return NewJSONWriter(w, config.Pretty, config.Stream)
	}
}
