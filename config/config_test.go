package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "0.0.0.0:8080", cfg.ListenAddr)
	assert.Equal(t, "0.0.0.0:9090", cfg.MetricsAddr)
	assert.Equal(t, "checkpoints", cfg.Storage.Bucket)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Retry.InitialDelay())
	assert.Equal(t, 5*time.Second, cfg.Retry.MaxDelay())
	assert.NoError(t, cfg.Validate())
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("PULSE_S3_BUCKET", "training-artifacts")
	t.Setenv("PULSE_MAX_RETRIES", "5")
	t.Setenv("PULSE_HEARTBEAT_TIMEOUT_SECS", "10")
	t.Setenv("PULSE_S3_FORCE_PATH_STYLE", "true")
	t.Setenv("PULSE_LOG_LEVEL", "debug")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "training-artifacts", cfg.Storage.Bucket)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Registry.HeartbeatTimeout())
	assert.True(t, cfg.Storage.ForcePathStyle)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestFromEnvIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("PULSE_MAX_RETRIES", "not-a-number")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty bucket", func(c *Config) { c.Storage.Bucket = "" }},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "ftp" }},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }},
		{"multiplier below one", func(c *Config) { c.Retry.Multiplier = 0.5 }},
		{"zero payload size", func(c *Config) { c.Checkpoint.MaxPayloadSizeBytes = 0 }},
		{"zero upload slots", func(c *Config) { c.Checkpoint.MaxConcurrentUploads = 0 }},
		{"negative queue depth", func(c *Config) { c.Checkpoint.UploadQueueDepth = -1 }},
		{"tiny part size", func(c *Config) { c.Storage.PartSizeBytes = 1024 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestRedisBackendDoesNotRequireBucket(t *testing.T) {
	cfg := Default()
	cfg.Storage.Backend = "redis"
	cfg.Storage.Bucket = ""
	assert.NoError(t, cfg.Validate())
}
