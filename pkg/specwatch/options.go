package specwatch

import (
	"time"

	"github.com/PentesterFlow/SpecWatch/internal/logger"
	"github.com/PentesterFlow/SpecWatch/internal/metrics"
	"github.com/PentesterFlow/SpecWatch/internal/queue"
	"github.com/PentesterFlow/SpecWatch/internal/redact"
	"github.com/PentesterFlow/SpecWatch/internal/store"
)

// Option is a functional option for configuring the Engine.
type Option func(*Engine) error

// WithConfig replaces the whole configuration.
func WithConfig(config *Config) Option {
	return func(e *Engine) error {
		if config != nil {
			e.config = config
		}
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(e *Engine) error {
		e.logger = l
		return nil
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) error {
		e.metrics = m
		return nil
	}
}

// WithBus sets the trace bus. The caller keeps ownership and closes it.
func WithBus(bus queue.Bus) Option {
	return func(e *Engine) error {
		e.bus = bus
		e.ownsBus = false
		return nil
	}
}

// WithStore sets an already open store. The caller keeps ownership and closes it.
func WithStore(s *store.Store) Option {
	return func(e *Engine) error {
		e.store = s
		e.ownsStore = false
		return nil
	}
}

// WithStorePath sets the database file.
func WithStorePath(path string) Option {
	return func(e *Engine) error {
		e.config.Store.Path = path
		return nil
	}
}

// WithQueueDriver selects the trace bus implementation.
func WithQueueDriver(driver queue.Driver) Option {
	return func(e *Engine) error {
		e.config.Queue.Driver = driver
		return nil
	}
}

// WithRedisBus selects the Redis bus at addr.
func WithRedisBus(addr string, db int) Option {
	return func(e *Engine) error {
		e.config.Queue.Driver = queue.DriverRedis
		e.config.Queue.Redis.Addr = addr
		e.config.Queue.Redis.DB = db
		return nil
	}
}

// WithRedactions adds redaction rules.
func WithRedactions(rules ...redact.Rule) Option {
	return func(e *Engine) error {
		e.config.Redactions = append(e.config.Redactions, rules...)
		return nil
	}
}

// WithWorkers sets the number of ingestion workers.
func WithWorkers(n int) Option {
	return func(e *Engine) error {
		if n < 1 {
			n = 1
		}
		e.config.Ingest.Workers = n
		return nil
	}
}

// WithBacklogThreshold sets the bus length above which traces are dropped.
func WithBacklogThreshold(n int) Option {
	return func(e *Engine) error {
		e.config.Ingest.BacklogThreshold = n
		return nil
	}
}

// WithHostRate sets the per-host processing rate and burst.
func WithHostRate(perSecond float64, burst int) Option {
	return func(e *Engine) error {
		e.config.Ingest.HostRate = perSecond
		e.config.Ingest.HostBurst = burst
		return nil
	}
}

// WithSampleSize sets how many recent traces the generalizer considers.
func WithSampleSize(n int) Option {
	return func(e *Engine) error {
		e.config.Generalizer.SampleSize = n
		return nil
	}
}

// WithClock replaces the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) error {
		if now != nil {
			e.now = now
		}
		return nil
	}
}
