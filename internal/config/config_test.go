package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "usage-ingest", cfg.ServiceName)
	assert.Equal(t, ":8081", cfg.HTTPAddr)
	assert.Equal(t, 5*time.Second, cfg.FlushInterval)
	assert.Equal(t, 1000, cfg.BufferMaxRecords)
	assert.Equal(t, "open", cfg.QuotaFailPolicy)
	assert.Equal(t, "drop-oldest", cfg.FlushQueuePolicy)
	assert.Equal(t, "gzip", cfg.Compression)
	assert.NotEmpty(t, cfg.InstanceID)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("FLUSH_INTERVAL", "250ms")
	t.Setenv("BUFFER_MAX_RECORDS", "2")
	t.Setenv("QUOTA_FAIL_POLICY", "closed")
	t.Setenv("COMPRESSION", "zstd")
	t.Setenv("INSTANCE_ID", "ingest-7")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.FlushInterval)
	assert.Equal(t, 2, cfg.BufferMaxRecords)
	assert.Equal(t, "closed", cfg.QuotaFailPolicy)
	assert.Equal(t, "zstd", cfg.Compression)
	assert.Equal(t, "ingest-7", cfg.InstanceID)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ingest.yaml")
	content := []byte(`
http_addr: ":9000"
partitions: 3
quota_backend: redis
redis_url: redis://cache:6379/1
quota_limit: 500
quota_window: 1h
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, 3, cfg.Partitions)
	assert.Equal(t, "redis", cfg.QuotaBackend)
	assert.Equal(t, int64(500), cfg.QuotaLimit)
	assert.Equal(t, time.Hour, cfg.QuotaWindow)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown quota backend", func(c *Config) { c.QuotaBackend = "memcached" }},
		{"unknown fail policy", func(c *Config) { c.QuotaFailPolicy = "maybe" }},
		{"no flush interval", func(c *Config) { c.FlushInterval = 0 }},
		{"no thresholds", func(c *Config) { c.BufferMaxRecords = 0; c.BufferMaxBytes = 0 }},
		{"bad compression", func(c *Config) { c.Compression = "lz4" }},
		{"bad queue policy", func(c *Config) { c.FlushQueuePolicy = "block" }},
		{"negative retries", func(c *Config) { c.PublishRetries = -1 }},
		{"archive without region", func(c *Config) { c.SpoolDir = "/tmp/x"; c.ArchiveBucket = "b" }},
		{"bad partition key", func(c *Config) { c.PartitionKey = "random" }},
		{"estimator alpha out of range", func(c *Config) { c.EstimatorAlpha = 1.5 }},
		{"estimator alpha zero", func(c *Config) { c.EstimatorAlpha = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_ByteOnlyThreshold(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.BufferMaxRecords = 0
	cfg.BufferMaxBytes = 1 << 20
	assert.NoError(t, cfg.Validate())
}
