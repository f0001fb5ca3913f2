// Package config loads and validates batchrelay's runtime configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultMaxRequestsPerBatch is the hard cap on Requests per Batch.
	DefaultMaxRequestsPerBatch = 50_000
	// DefaultMaxBatchSizeBytes is the hard cap on a Batch's serialized size (the provider's documented limit).
	DefaultMaxBatchSizeBytes = 200 * 1024 * 1024
	// SoftBatchSizeWarnBytes is a safety-margin threshold logged once per Batch, never enforced.
	SoftBatchSizeWarnBytes = 100 * 1024 * 1024
	// DefaultDeliveryMaxAttempts is the per-Request delivery attempt budget.
	DefaultDeliveryMaxAttempts = 3
	// DefaultQueueFailureTTL is how long a failed queue destination is cached before re-check.
	DefaultQueueFailureTTL = 5 * time.Minute
	// DefaultQueuePublisherPoolSize is the number of destination-partitioned publisher workers.
	DefaultQueuePublisherPoolSize = 4
	// DefaultBuildingAgeLimit is how long a Batch may sit in `building` before the sweeper force-closes it.
	DefaultBuildingAgeLimit = time.Hour
)

// Config is the root configuration for batchrelay.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Batch     BatchConfig     `yaml:"batch"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Queue     QueueConfig     `yaml:"queue"`
	Provider  ProviderConfig  `yaml:"provider"`
	JobRunner JobRunnerConfig `yaml:"job_runner"`
}

// ServerConfig controls process-wide ambient concerns: logging and metrics.
type ServerConfig struct {
	LoggingLevel string `yaml:"logging_level"` // debug|info|error
	LogFormat    string `yaml:"log_format"`    // pretty|json
	MetricsAddr  string `yaml:"metrics_addr"`
	Maintenance  bool   `yaml:"maintenance"` // initial state of the maintenance gate
}

// StoreConfig configures the Postgres-backed Store.
type StoreConfig struct {
	DatabaseURL         string        `yaml:"database_url"`
	MaxConns            int32         `yaml:"max_conns"`
	MinConns            int32         `yaml:"min_conns"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
}

// BatchConfig configures Aggregator capacity and sweep behavior.
type BatchConfig struct {
	MaxRequestsPerBatch int           `yaml:"max_requests_per_batch"`
	MaxBatchSizeBytes   int64         `yaml:"max_batch_size_bytes"`
	StorageBase         string        `yaml:"storage_base"`
	BuildingAgeLimit    time.Duration `yaml:"building_age_limit"`
}

// DeliveryConfig configures the Delivery Engine's retry and cache policy.
// (Not to be confused with the per-Request delivery.Config tagged union.)
type DeliveryConfig struct {
	MaxAttempts         int           `yaml:"max_attempts"`
	DisableRetry        bool          `yaml:"disable_retry"`
	QueueFailureTTL     time.Duration `yaml:"queue_failure_ttl"`
	PublisherPoolSize   int           `yaml:"publisher_pool_size"`
	Concurrency         int           `yaml:"concurrency"`
	WebhookTimeout      time.Duration `yaml:"webhook_timeout"`
	PublisherConfirmTTL time.Duration `yaml:"publisher_confirm_timeout"`
}

// QueueConfig configures the AMQP broker connection used by the queue sink.
type QueueConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// ProviderConfig configures the HTTP-based ProviderClient adapter.
type ProviderConfig struct {
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReceiveTimeout time.Duration `yaml:"receive_timeout"` // uploads/downloads: generous, bodies may be large
	PollInterval   time.Duration `yaml:"poll_interval"`
	RPM            int           `yaml:"rpm"` // 0 = unlimited
}

// JobRunnerConfig sets per-queue concurrency for the Lifecycle/Delivery actions (spec.md §4.4).
type JobRunnerConfig struct {
	UploadsConcurrency         int `yaml:"uploads_concurrency"`          // batch_uploads: 1 per node
	BatchProcessingConcurrency int `yaml:"batch_processing_concurrency"` // batch_processing: 1, serializes downloads/delivery accounting
	DeliveryConcurrency        int `yaml:"delivery_concurrency"`         // delivery: default 50
	DefaultConcurrency         int `yaml:"default_concurrency"`          // default queue: n
}

// Load reads and validates a YAML config file, applying defaults for anything unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return &cfg, nil
}

// ApplyDefaults fills in zero-valued fields with the documented defaults (spec.md §6)
// and resolves any os.environ/VAR_NAME indirections.
func (c *Config) ApplyDefaults() {
	applyEnvOverrides(c)

	if c.Server.LoggingLevel == "" {
		c.Server.LoggingLevel = "info"
	}
	if c.Server.LogFormat == "" {
		c.Server.LogFormat = "pretty"
	}
	if c.Server.MetricsAddr == "" {
		c.Server.MetricsAddr = ":9090"
	}

	if c.Store.MaxConns == 0 {
		c.Store.MaxConns = 10
	}
	if c.Store.MinConns == 0 {
		c.Store.MinConns = 2
	}
	if c.Store.HealthCheckInterval == 0 {
		c.Store.HealthCheckInterval = 30 * time.Second
	}
	if c.Store.ConnectTimeout == 0 {
		c.Store.ConnectTimeout = 10 * time.Second
	}

	if c.Batch.MaxRequestsPerBatch == 0 {
		c.Batch.MaxRequestsPerBatch = DefaultMaxRequestsPerBatch
	}
	if c.Batch.MaxBatchSizeBytes == 0 {
		c.Batch.MaxBatchSizeBytes = DefaultMaxBatchSizeBytes
	}
	if c.Batch.StorageBase == "" {
		c.Batch.StorageBase = "/var/lib/batchrelay/batches"
	}
	if c.Batch.BuildingAgeLimit == 0 {
		c.Batch.BuildingAgeLimit = DefaultBuildingAgeLimit
	}

	if c.Delivery.MaxAttempts == 0 {
		c.Delivery.MaxAttempts = DefaultDeliveryMaxAttempts
	}
	if c.Delivery.DisableRetry {
		c.Delivery.MaxAttempts = 1
	}
	if c.Delivery.QueueFailureTTL == 0 {
		c.Delivery.QueueFailureTTL = DefaultQueueFailureTTL
	}
	if c.Delivery.PublisherPoolSize == 0 {
		c.Delivery.PublisherPoolSize = DefaultQueuePublisherPoolSize
	}
	if c.Delivery.Concurrency == 0 {
		c.Delivery.Concurrency = 50
	}
	if c.Delivery.WebhookTimeout == 0 {
		c.Delivery.WebhookTimeout = 10 * time.Second
	}
	if c.Delivery.PublisherConfirmTTL == 0 {
		c.Delivery.PublisherConfirmTTL = 5 * time.Second
	}

	if c.Provider.ConnectTimeout == 0 {
		c.Provider.ConnectTimeout = 10 * time.Second
	}
	if c.Provider.ReceiveTimeout == 0 {
		c.Provider.ReceiveTimeout = 120 * time.Second
	}
	if c.Provider.PollInterval == 0 {
		c.Provider.PollInterval = 30 * time.Second
	}

	if c.JobRunner.UploadsConcurrency == 0 {
		c.JobRunner.UploadsConcurrency = 1
	}
	if c.JobRunner.BatchProcessingConcurrency == 0 {
		c.JobRunner.BatchProcessingConcurrency = 1
	}
	if c.JobRunner.DeliveryConcurrency == 0 {
		c.JobRunner.DeliveryConcurrency = c.Delivery.Concurrency
	}
	if c.JobRunner.DefaultConcurrency == 0 {
		c.JobRunner.DefaultConcurrency = 4
	}
}

// Validate returns an error describing the first invalid field found.
func (c *Config) Validate() error {
	if c.Store.DatabaseURL == "" {
		return fmt.Errorf("store.database_url is required")
	}
	if c.Batch.MaxRequestsPerBatch <= 0 {
		return fmt.Errorf("batch.max_requests_per_batch must be positive")
	}
	if c.Batch.MaxBatchSizeBytes <= 0 {
		return fmt.Errorf("batch.max_batch_size_bytes must be positive")
	}
	if c.Queue.Enabled && c.Queue.URL == "" {
		return fmt.Errorf("queue.url is required when queue.enabled is true")
	}
	if c.Provider.BaseURL == "" {
		return fmt.Errorf("provider.base_url is required")
	}
	return nil
}
