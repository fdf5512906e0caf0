package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("SHELLCACHE_UPSTREAM_URL", "http://origin.internal")
	t.Setenv("SHELLCACHE_CACHE_VERSION", "datespark-v2")
	t.Setenv("SHELLCACHE_STORE", "memory")
}

func TestParseDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Parse()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "datespark-v2", cfg.CacheVersion)
	assert.Equal(t, []string{"/"}, cfg.SeedPaths)
	assert.True(t, cfg.SkipWaiting)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, 1024, cfg.HotCacheSize)
	assert.Equal(t, 45*time.Second, cfg.LockTTL())
	assert.Equal(t, 10*time.Second, cfg.UpstreamTimeout())
	assert.Equal(t, int64(32<<20), cfg.MaxBodyBytes)
	assert.True(t, cfg.MetricsEnabled)
}

func TestParseSeedPaths(t *testing.T) {
	setRequired(t)
	t.Setenv("SHELLCACHE_SEED_PATHS", "/, app.js ,/, /style.css")

	cfg, err := Parse()
	require.NoError(t, err)
	assert.Equal(t, []string{"/", "/app.js", "/style.css"}, cfg.SeedPaths)
}

func TestParseRequiresVersion(t *testing.T) {
	setRequired(t)
	t.Setenv("SHELLCACHE_CACHE_VERSION", "  ")

	_, err := Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CACHE_VERSION")
}

func TestParseRejectsSlashInVersion(t *testing.T) {
	setRequired(t)
	t.Setenv("SHELLCACHE_CACHE_VERSION", "v1/evil")

	_, err := Parse()
	require.Error(t, err)
}

func TestParseRequiresUpstream(t *testing.T) {
	setRequired(t)
	t.Setenv("SHELLCACHE_UPSTREAM_URL", "")

	_, err := Parse()
	require.Error(t, err)
}

func TestParseS3RequiresCredentials(t *testing.T) {
	setRequired(t)
	t.Setenv("SHELLCACHE_STORE", "s3")

	_, err := Parse()
	require.Error(t, err)

	t.Setenv("SHELLCACHE_S3_ENDPOINT", "http://minio:9000")
	t.Setenv("SHELLCACHE_S3_BUCKET", "shell")
	t.Setenv("SHELLCACHE_S3_ACCESS_KEY", "ak")
	t.Setenv("SHELLCACHE_S3_SECRET_KEY", "sk")
	cfg, err := Parse()
	require.NoError(t, err)
	assert.Equal(t, StoreS3, cfg.Store)
}

func TestParseUnknownStore(t *testing.T) {
	setRequired(t)
	t.Setenv("SHELLCACHE_STORE", "floppy")

	_, err := Parse()
	require.Error(t, err)
}

func TestParseInvalidInt(t *testing.T) {
	setRequired(t)
	t.Setenv("SHELLCACHE_LOCK_TTL_SECONDS", "soon")

	_, err := Parse()
	require.Error(t, err)
}
