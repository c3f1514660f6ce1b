package specwatch

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/PentesterFlow/SpecWatch/internal/fetch"
	"github.com/PentesterFlow/SpecWatch/internal/generalize"
	"github.com/PentesterFlow/SpecWatch/internal/ingest"
	"github.com/PentesterFlow/SpecWatch/internal/logger"
	"github.com/PentesterFlow/SpecWatch/internal/queue"
	"github.com/PentesterFlow/SpecWatch/internal/reconcile"
	"github.com/PentesterFlow/SpecWatch/internal/redact"
)

// Config holds all engine configuration.
type Config struct {
	// Persistence layer
	Store StoreConfig `json:"store" yaml:"store"`

	// Trace bus between ingestion and the workers
	Queue QueueConfig `json:"queue" yaml:"queue"`

	// Trace ingestion and worker pool
	Ingest ingest.Config `json:"ingest" yaml:"ingest"`

	// Path template suggestions
	Generalizer generalize.Config `json:"generalizer" yaml:"generalizer"`

	// Spec reconciliation
	Reconcile ReconcileConfig `json:"reconcile" yaml:"reconcile"`

	// Remote spec downloads
	Fetch fetch.Config `json:"fetch" yaml:"fetch"`

	// Field paths excluded from diffing and alerting
	Redactions []redact.Rule `json:"redactions,omitempty" yaml:"redactions,omitempty"`

	// Logging
	Log LogConfig `json:"log" yaml:"log"`

	// CLI output
	Output OutputConfig `json:"output" yaml:"output"`

	// Prometheus exposition for the worker process
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`

	// Grace period for the worker process to drain on shutdown
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// StoreConfig configures the bbolt database.
type StoreConfig struct {
	Path    string        `json:"path" yaml:"path"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
	NoSync  bool          `json:"no_sync,omitempty" yaml:"no_sync,omitempty"`
}

// QueueConfig selects and configures the trace bus.
type QueueConfig struct {
	Driver queue.Driver `json:"driver" yaml:"driver"`

	// Capacity bounds the memory bus. 0 is unbounded.
	Capacity int `json:"capacity,omitempty" yaml:"capacity,omitempty"`

	// BoltPath is the database file of the bolt bus. It must differ from Store.Path.
	BoltPath string `json:"bolt_path,omitempty" yaml:"bolt_path,omitempty"`

	Redis queue.RedisOptions `json:"redis" yaml:"redis"`
}

// ReconcileConfig configures the reconciliation engine.
type ReconcileConfig struct {
	CacheSize int `json:"cache_size" yaml:"cache_size"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Pretty bool   `json:"pretty" yaml:"pretty"`
}

// OutputConfig configures how CLI results are written.
type OutputConfig struct {
	Format   string `json:"format" yaml:"format"`
	FilePath string `json:"file_path,omitempty" yaml:"file_path,omitempty"`
	Pretty   bool   `json:"pretty" yaml:"pretty"`
	Stream   bool   `json:"stream" yaml:"stream"`
}

// MetricsConfig configures the metrics listener. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Path:    "specwatch.db",
			Timeout: 5 * time.Second,
		},
		Queue: QueueConfig{
			Driver:   queue.DriverMemory,
			BoltPath: "specwatch-queue.db",
			Redis: queue.RedisOptions{
				Addr:         "localhost:6379",
				Key:          queue.DefaultRedisKey,
				DialTimeout:  5 * time.Second,
				ReadTimeout:  3 * time.Second,
				WriteTimeout: 3 * time.Second,
			},
		},
		Ingest:      ingest.DefaultConfig(),
		Generalizer: generalize.DefaultConfig(),
		Reconcile: ReconcileConfig{
			CacheSize: reconcile.DefaultCacheSize,
		},
		Fetch: fetch.DefaultConfig(),
		Log: LogConfig{
			Level:  "info",
			Pretty: true,
		},
		Output: OutputConfig{
			Format: "json",
			Pretty: true,
		},
		ShutdownTimeout: 30 * time.Second,
	}
}

// LoadFromFile loads configuration from a file (JSON or YAML) on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()

	// Try YAML first, then JSON
	if err := yaml.Unmarshal(data, config); err != nil {
		config = DefaultConfig()
		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	return config, nil
}

// SaveToFile saves configuration to a file. A .json extension writes JSON, anything else YAML.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	if strings.HasSuffix(path, ".json") {
		data, err = json.MarshalIndent(c, "", "  ")
	} else {
		data, err = yaml.Marshal(c)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store path is required")
	}

	switch c.Queue.Driver {
	case queue.DriverMemory:
		if c.Queue.Capacity < 0 {
			return fmt.Errorf("queue capacity must not be negative")
		}
	case queue.DriverBolt:
		if c.Queue.BoltPath == "" {
			return fmt.Errorf("bolt queue requires a bolt_path")
		}
		if c.Queue.BoltPath == c.Store.Path {
			return fmt.Errorf("bolt queue path must differ from the store path")
		}
	case queue.DriverRedis:
		if c.Queue.Redis.Addr == "" {
			return fmt.Errorf("redis queue requires an addr")
		}
	default:
		return fmt.Errorf("unknown queue driver %q", c.Queue.Driver)
	}

	if c.Ingest.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}

	if c.Ingest.BacklogThreshold < 1 {
		return fmt.Errorf("backlog threshold must be at least 1")
	}

	if c.Ingest.HostRate < 0 {
		return fmt.Errorf("host rate must not be negative")
	}

	if c.Generalizer.Threshold <= 0 || c.Generalizer.Threshold > 1 {
		return fmt.Errorf("generalizer threshold must be in (0, 1]")
	}

	if c.Generalizer.SampleSize < 1 {
		return fmt.Errorf("generalizer sample size must be at least 1")
	}

	if c.Fetch.MaxBytes < 0 {
		return fmt.Errorf("fetch max_bytes must not be negative")
	}

	if c.Log.Level != "" {
		if _, err := logger.ParseLevel(c.Log.Level); err != nil {
			return fmt.Errorf("invalid log level %q", c.Log.Level)
		}
	}

	for i, rule := range c.Redactions {
		if len(rule.Fields) == 0 && len(rule.Patterns) == 0 {
			return fmt.Errorf("redaction %d names no fields or patterns", i)
		}
	}

	return nil
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	data, _ := json.Marshal(c)
	clone := &Config{}
	json.Unmarshal(data, clone)
	return clone
}
