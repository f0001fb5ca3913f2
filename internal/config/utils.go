package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/batchrelay/batchrelay/internal/security"
)

// resolveEnvString resolves environment variable indirection if value is in
// the form "os.environ/VAR_NAME". Otherwise the value is returned unchanged.
func resolveEnvString(value string) string {
	const prefix = "os.environ/"
	if strings.HasPrefix(value, prefix) {
		envVar := strings.TrimPrefix(value, prefix)
		if envValue := os.Getenv(envVar); envValue != "" {
			return envValue
		}
		slog.Warn("environment variable not set, returning empty string",
			"env_var", envVar,
			"pattern", value,
		)
		return ""
	}
	return value
}

// applyEnvOverrides applies the environment-variable overrides recognized by
// spec.md §6, taking precedence over values already present from YAML.
func applyEnvOverrides(c *Config) {
	c.Store.DatabaseURL = resolveEnvString(c.Store.DatabaseURL)
	c.Provider.APIKey = resolveEnvString(c.Provider.APIKey)
	c.Queue.URL = resolveEnvString(c.Queue.URL)

	if v := os.Getenv("MAX_REQUESTS_PER_BATCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Batch.MaxRequestsPerBatch = n
		}
	}
	if v := os.Getenv("MAX_BATCH_SIZE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Batch.MaxBatchSizeBytes = n
		}
	}
	if v := os.Getenv("BATCH_STORAGE_BASE"); v != "" {
		c.Batch.StorageBase = v
	}
	if v := os.Getenv("DELIVERY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Delivery.MaxAttempts = n
		}
	}
	if v := os.Getenv("DISABLE_DELIVERY_RETRY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Delivery.DisableRetry = b
		}
	}
	if v := os.Getenv("QUEUE_FAILURE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Delivery.QueueFailureTTL = d
		}
	}
	if v := os.Getenv("QUEUE_PUBLISHER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Delivery.PublisherPoolSize = n
		}
	}
}

// PrintConfig logs the effective configuration at INFO level, redacting secrets.
func PrintConfig(logger *slog.Logger, cfg *Config) {
	logger.Info("=== Configuration Loaded ===")
	logger.Info("server",
		"logging_level", cfg.Server.LoggingLevel,
		"log_format", cfg.Server.LogFormat,
		"metrics_addr", cfg.Server.MetricsAddr,
		"maintenance", cfg.Server.Maintenance,
	)
	logger.Info("store",
		"database", security.MaskDatabaseURL(cfg.Store.DatabaseURL),
		"max_conns", cfg.Store.MaxConns,
		"min_conns", cfg.Store.MinConns,
		"health_check_interval", cfg.Store.HealthCheckInterval.String(),
	)
	logger.Info("batch",
		"max_requests_per_batch", cfg.Batch.MaxRequestsPerBatch,
		"max_batch_size_bytes", cfg.Batch.MaxBatchSizeBytes,
		"storage_base", cfg.Batch.StorageBase,
		"building_age_limit", cfg.Batch.BuildingAgeLimit.String(),
	)
	logger.Info("delivery",
		"max_attempts", cfg.Delivery.MaxAttempts,
		"disable_retry", cfg.Delivery.DisableRetry,
		"queue_failure_ttl", cfg.Delivery.QueueFailureTTL.String(),
		"publisher_pool_size", cfg.Delivery.PublisherPoolSize,
		"concurrency", cfg.Delivery.Concurrency,
	)
	logger.Info("queue", "enabled", cfg.Queue.Enabled)
	logger.Info("provider", "base_url", cfg.Provider.BaseURL, "api_key", security.MaskAPIKey(cfg.Provider.APIKey))
	logger.Info("=== Configuration Ready ===")
}
