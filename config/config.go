package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the full runtime configuration. Values come from
// defaults, then PULSE_* environment variables, then command line
// flags, in increasing order of precedence.
type Config struct {
	ListenAddr  string
	MetricsAddr string

	Storage    StorageConfig
	Retry      RetryConfig
	Registry   RegistryConfig
	Checkpoint CheckpointConfig
	Logging    LoggingConfig
}

type StorageConfig struct {
	// Backend selects the object store implementation: "s3" or "redis".
	Backend string

	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	PathPrefix      string
	ForcePathStyle  bool

	// Objects at or above this size are written with multipart upload.
	MultipartThresholdBytes int64
	PartSizeBytes           int64

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

type RetryConfig struct {
	MaxAttempts    int
	InitialDelayMs int
	MaxDelayMs     int
	Multiplier     float64
	JitterFraction float64
}

type RegistryConfig struct {
	HeartbeatTimeoutSeconds int
	EvictionGraceSeconds    int
	SweepIntervalSeconds    int
}

type CheckpointConfig struct {
	MaxPayloadSizeBytes    int64
	MaxConcurrentUploads   int
	UploadQueueDepth       int
	ShutdownTimeoutSeconds int
}

type LoggingConfig struct {
	Level  string
	Format string
}

func Default() *Config {
	return &Config{
		ListenAddr:  "0.0.0.0:8080",
		MetricsAddr: "0.0.0.0:9090",
		Storage: StorageConfig{
			Backend:                 "s3",
			Endpoint:                "",
			Bucket:                  "checkpoints",
			Region:                  "us-east-1",
			ForcePathStyle:          false,
			MultipartThresholdBytes: 64 * 1024 * 1024,
			PartSizeBytes:           16 * 1024 * 1024,
			RedisAddr:               "localhost:6379",
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			InitialDelayMs: 100,
			MaxDelayMs:     5000,
			Multiplier:     2.0,
			JitterFraction: 0.2,
		},
		Registry: RegistryConfig{
			HeartbeatTimeoutSeconds: 90,
			EvictionGraceSeconds:    300,
			SweepIntervalSeconds:    30,
		},
		Checkpoint: CheckpointConfig{
			MaxPayloadSizeBytes:    1024 * 1024 * 1024,
			MaxConcurrentUploads:   8,
			UploadQueueDepth:       64,
			ShutdownTimeoutSeconds: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// FromEnv returns the default configuration overridden with any
// recognised PULSE_* environment variables.
func FromEnv() (*Config, error) {
	cfg := Default()

	envString(&cfg.ListenAddr, "PULSE_LISTEN_ADDR")
	envString(&cfg.MetricsAddr, "PULSE_METRICS_ADDR")

	envString(&cfg.Storage.Backend, "PULSE_STORAGE_BACKEND")
	envString(&cfg.Storage.Endpoint, "PULSE_S3_ENDPOINT")
	envString(&cfg.Storage.Bucket, "PULSE_S3_BUCKET")
	envString(&cfg.Storage.Region, "PULSE_S3_REGION")
	envString(&cfg.Storage.AccessKeyID, "AWS_ACCESS_KEY_ID")
	envString(&cfg.Storage.SecretAccessKey, "AWS_SECRET_ACCESS_KEY")
	envString(&cfg.Storage.PathPrefix, "PULSE_S3_PATH_PREFIX")
	envBool(&cfg.Storage.ForcePathStyle, "PULSE_S3_FORCE_PATH_STYLE")
	envInt64(&cfg.Storage.MultipartThresholdBytes, "PULSE_S3_MULTIPART_THRESHOLD_BYTES")
	envInt64(&cfg.Storage.PartSizeBytes, "PULSE_S3_PART_SIZE_BYTES")
	envString(&cfg.Storage.RedisAddr, "PULSE_REDIS_ADDR")
	envString(&cfg.Storage.RedisPassword, "PULSE_REDIS_PASSWORD")
	envInt(&cfg.Storage.RedisDB, "PULSE_REDIS_DB")

	envInt(&cfg.Retry.MaxAttempts, "PULSE_MAX_RETRIES")
	envInt(&cfg.Retry.InitialDelayMs, "PULSE_RETRY_DELAY_MS")
	envInt(&cfg.Retry.MaxDelayMs, "PULSE_RETRY_MAX_DELAY_MS")
	envFloat(&cfg.Retry.Multiplier, "PULSE_RETRY_MULTIPLIER")

	envInt(&cfg.Registry.HeartbeatTimeoutSeconds, "PULSE_HEARTBEAT_TIMEOUT_SECS")
	envInt(&cfg.Registry.EvictionGraceSeconds, "PULSE_EVICTION_GRACE_SECS")
	envInt(&cfg.Registry.SweepIntervalSeconds, "PULSE_SWEEP_INTERVAL_SECS")

	envInt64(&cfg.Checkpoint.MaxPayloadSizeBytes, "PULSE_MAX_PAYLOAD_BYTES")
	envInt(&cfg.Checkpoint.MaxConcurrentUploads, "PULSE_MAX_CONCURRENT_UPLOADS")
	envInt(&cfg.Checkpoint.UploadQueueDepth, "PULSE_UPLOAD_QUEUE_DEPTH")
	envInt(&cfg.Checkpoint.ShutdownTimeoutSeconds, "PULSE_SHUTDOWN_TIMEOUT_SECS")

	envString(&cfg.Logging.Level, "PULSE_LOG_LEVEL")
	envString(&cfg.Logging.Format, "PULSE_LOG_FORMAT")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Storage.Backend != "s3" && c.Storage.Backend != "redis" {
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "s3" && c.Storage.Bucket == "" {
		return fmt.Errorf("config: bucket name cannot be empty")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config: retry max attempts must be at least 1")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("config: retry multiplier must be at least 1")
	}
	if c.Checkpoint.MaxPayloadSizeBytes <= 0 {
		return fmt.Errorf("config: max payload size must be positive")
	}
	if c.Checkpoint.MaxConcurrentUploads < 1 {
		return fmt.Errorf("config: max concurrent uploads must be at least 1")
	}
	if c.Checkpoint.UploadQueueDepth < 0 {
		return fmt.Errorf("config: upload queue depth cannot be negative")
	}
	if c.Registry.HeartbeatTimeoutSeconds < 1 {
		return fmt.Errorf("config: heartbeat timeout must be at least 1s")
	}
	if c.Registry.EvictionGraceSeconds < 1 {
		return fmt.Errorf("config: eviction grace must be at least 1s")
	}
	if c.Storage.PartSizeBytes < 5*1024*1024 {
		return fmt.Errorf("config: part size must be at least 5MiB")
	}
	return nil
}

func (c *RetryConfig) InitialDelay() time.Duration {
	return time.Duration(c.InitialDelayMs) * time.Millisecond
}

func (c *RetryConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMs) * time.Millisecond
}

func (c *RegistryConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSeconds) * time.Second
}

func (c *RegistryConfig) EvictionGrace() time.Duration {
	return time.Duration(c.EvictionGraceSeconds) * time.Second
}

func (c *RegistryConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (c *CheckpointConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

func envString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(dst *int64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
