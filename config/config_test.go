package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cadp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, ":8470", cfg.Server.Addr)
	assert.Equal(t, int64(3600), cfg.Registry.DefaultTTLSeconds)
	assert.Equal(t, 10000, cfg.Registry.MaxRecords)
	assert.Equal(t, 60*time.Second, cfg.Registry.CleanupInterval)
	assert.Equal(t, 5*time.Second, cfg.Registry.ProbeTimeout)
	assert.Equal(t, 16, cfg.Registry.ProbeConcurrency)
	assert.Equal(t, 365*24*time.Hour, cfg.Trust.CertificateValidity)
	assert.Equal(t, 60*time.Second, cfg.Trust.IssuedAtTolerance)
	assert.Empty(t, cfg.Redis.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
server:
  addr: ":9000"
registry:
  default_ttl_seconds: 120
  max_records: 50
redis:
  addr: "localhost:6379"
  db: 2
log:
  level: debug
  development: true
`)

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, int64(120), cfg.Registry.DefaultTTLSeconds)
	assert.Equal(t, 50, cfg.Registry.MaxRecords)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.Development)

	// Fields the file is silent on keep their defaults.
	assert.Equal(t, 60*time.Second, cfg.Registry.CleanupInterval)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
server:
  addr: ":9000"
`)
	t.Setenv("CADPTEST_SERVER_ADDR", ":9100")
	t.Setenv("CADPTEST_REGISTRY_DEFAULT_TTL_SECONDS", "45")
	t.Setenv("CADPTEST_REGISTRY_PROBE_TIMEOUT", "2s")
	t.Setenv("CADPTEST_LOG_DEVELOPMENT", "true")

	cfg, err := NewLoader().WithConfigPath(path).WithEnvPrefix("CADPTEST").Load()
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.Server.Addr)
	assert.Equal(t, int64(45), cfg.Registry.DefaultTTLSeconds)
	assert.Equal(t, 2*time.Second, cfg.Registry.ProbeTimeout)
	assert.True(t, cfg.Log.Development)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := NewLoader().WithConfigPath("/nonexistent/cadp.yaml").Load()
	assert.Error(t, err)
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeConfigFile(t, "server: [not a mapping")
	_, err := NewLoader().WithConfigPath(path).Load()
	assert.Error(t, err)
}

func TestLoad_BadEnvValue(t *testing.T) {
	t.Setenv("CADPBAD_REGISTRY_MAX_RECORDS", "lots")
	_, err := NewLoader().WithEnvPrefix("CADPBAD").Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CADPBAD_REGISTRY_MAX_RECORDS")
}
