// Package logger provides structured logging for the drift engine and its workers.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level represents log levels.
type Level = zerolog.Level

// Log levels.
const (
	DebugLevel = zerolog.DebugLevel
	InfoLevel  = zerolog.InfoLevel
	WarnLevel  = zerolog.WarnLevel
	ErrorLevel = zerolog.ErrorLevel
)

// Logger wraps zerolog with the fields the engine attaches to its records.
type Logger struct {
	zl zerolog.Logger
}

// Config holds logger configuration.
type Config struct {
	Level      Level
	Pretty     bool // console writer instead of JSON lines
	Output     io.Writer
	TimeFormat string
	Component  string // e.g. "engine", "ingest", "queue"
}

// DefaultConfig returns the CLI defaults: info level, console output on stderr.
func DefaultConfig() Config {
	return Config{
		Level:      InfoLevel,
		Pretty:     true,
		Output:     os.Stderr,
		TimeFormat: time.RFC3339,
	}
}

// New creates a logger.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	if cfg.TimeFormat == "" {
		cfg.TimeFormat = time.RFC3339
	}
	zerolog.TimeFieldFormat = cfg.TimeFormat

	out := cfg.Output
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: cfg.Output, TimeFormat: "15:04:05"}
	}

	ctx := zerolog.New(out).Level(cfg.Level).With().Timestamp()
	if cfg.Component != "" {
		ctx = ctx.Str("component", cfg.Component)
	}
	return &Logger{zl: ctx.Logger()}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// ParseLevel parses a level name such as "debug" or "warn".
func ParseLevel(name string) (Level, error) {
	return zerolog.ParseLevel(name)
}

func (l *Logger) with(fn func(zerolog.Context) zerolog.Context) *Logger {
	return &Logger{zl: fn(l.zl.With()).Logger()}
}

// WithComponent returns a logger tagged with a component name.
func (l *Logger) WithComponent(component string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("component", component) })
}

// WithEndpoint returns a logger tagged with an endpoint uuid.
func (l *Logger) WithEndpoint(endpointID string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("endpoint_id", endpointID) })
}

// WithSpec returns a logger tagged with a spec document name.
func (l *Logger) WithSpec(name string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("spec", name) })
}

// WithTrace returns a logger tagged with a trace uuid.
func (l *Logger) WithTrace(traceID string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("trace_id", traceID) })
}

// WithOperation returns a logger describing one (host, method, path) operation.
func (l *Logger) WithOperation(host, method, path string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context {
		return c.Str("host", host).Str("method", method).Str("path", path)
	})
}

// WithWorker returns a logger tagged with an ingestion worker index.
func (l *Logger) WithWorker(workerID int) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Int("worker_id", workerID) })
}

// WithError returns a logger carrying err.
func (l *Logger) WithError(err error) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Err(err) })
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) { l.zl.Debug().Msg(msg) }

// Info logs an info message.
func (l *Logger) Info(msg string) { l.zl.Info().Msg(msg) }

// Infof logs a formatted info message.
func (l *Logger) Infof(format string, args ...interface{}) { l.zl.Info().Msgf(format, args...) }

// Warn logs a warning message.
func (l *Logger) Warn(msg string) { l.zl.Warn().Msg(msg) }

// Error logs an error message.
func (l *Logger) Error(msg string) { l.zl.Error().Msg(msg) }

// Event starts a record at level for callers that attach their own fields.
// The record is dropped when level is below the configured one.
func (l *Logger) Event(level Level) *zerolog.Event {
	return l.zl.WithLevel(level)
}

// MergeEvent logs an applied merge.
func (l *Logger) MergeEvent(survivorID, path string, superseded, tracesMoved int) {
	l.zl.Info().
		Str("survivor_id", survivorID).
		Str("path", path).
		Int("superseded", superseded).
		Int("traces_repointed", tracesMoved).
		Msg("Merged endpoints")
}

// ResolveEvent logs the outcome of resolving one declared operation.
func (l *Logger) ResolveEvent(host, method, path, endpointID string, created bool) {
	l.zl.Debug().
		Str("host", host).
		Str("method", method).
		Str("path", path).
		Str("endpoint_id", endpointID).
		Bool("created", created).
		Msg("Resolved endpoint")
}

// DiffEvent logs the outcome of diffing one trace. A failed diff is a warning and counts
// as producing no alerts.
func (l *Logger) DiffEvent(endpointID, traceID string, alerts int, err error) {
	ev := l.zl.Debug()
	msg := "Spec diff complete"
	if err != nil {
		ev = l.zl.Warn().Err(err)
		msg = "Spec diff failed"
	} else {
		ev = ev.Int("alerts", alerts)
	}
	ev.Str("endpoint_id", endpointID).Str("trace_id", traceID).Msg(msg)
}

// DropEvent logs a trace dropped by backpressure.
func (l *Logger) DropEvent(host, path string, backlog int) {
	l.zl.Debug().
		Str("host", host).
		Str("path", path).
		Int("backlog", backlog).
		Msg("Trace dropped")
}

// ErrorEvent logs a failed operation on subject.
func (l *Logger) ErrorEvent(err error, subject string, operation string) {
	l.zl.Error().
		Err(err).
		Str("subject", subject).
		Str("operation", operation).
		Msg("Operation failed")
}

// StatsEvent logs a statistics map as one record.
func (l *Logger) StatsEvent(stats map[string]interface{}) {
	l.zl.Info().Fields(stats).Msg("Engine statistics")
}
