package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	t.Setenv(BackendEnv, "")
	t.Setenv(PathEnv, "")
	t.Setenv(CloudPathEnv, "")
	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, "host", cfg.Backend)
	require.Equal(t, 7077, cfg.Cloud.Spark.Port)
	require.Equal(t, "anonymous", cfg.Cloud.Spark.User)
	require.True(t, cfg.Cloud.Compression)
	require.Equal(t, 51717, cfg.Smartnic.Port)
	require.Equal(t, 1, cfg.Verbosity())
}

func TestLoad(t *testing.T) {
	t.Setenv(BackendEnv, "")
	t.Setenv(SparkHostnameEnv, "")
	path := filepath.Join(t.TempDir(), "omptarget.yaml")
	contents := `
backend: cloud
verbose_mode: debug
max_inflight_transfers: 4
cloud:
  compression: false
  compression_format: snappy
  spark:
    host_name: spark.example.com
    mode: cluster
  provider: local
  providers:
    local:
      dir: /tmp/storage
smartnic:
  port: 6000
  dial_timeout: 250ms
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	t.Setenv(PathEnv, path)
	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, "cloud", cfg.Backend)
	require.Equal(t, 2, cfg.Verbosity())
	require.Equal(t, 4, cfg.MaxInflightTransfers)
	require.False(t, cfg.Cloud.Compression)
	require.Equal(t, "snappy", cfg.Cloud.CompressionFormat)
	require.Equal(t, "spark.example.com", cfg.Cloud.Spark.HostName)
	require.Equal(t, 7077, cfg.Cloud.Spark.Port, "default must survive partial sections")
	require.Equal(t, "cluster", cfg.Cloud.Spark.Mode)
	require.Contains(t, cfg.Cloud.Providers, "local")
	require.Equal(t, 6000, cfg.Smartnic.Port)
	require.Equal(t, 250*time.Millisecond, cfg.Smartnic.DialTimeout)

	// Environment overrides.
	t.Setenv(BackendEnv, "smartnic")
	t.Setenv(SparkHostnameEnv, "driver")
	cfg, err = Load(path)
	require.NoError(t, err)
	require.Equal(t, "smartnic", cfg.Backend)
	require.Equal(t, "driver", cfg.Cloud.Spark.HostName)
}

func TestValidate(t *testing.T) {
	t.Setenv(BackendEnv, "")
	for _, contents := range []string{
		"verbose_mode: loud",
		"cloud: {compression_format: lz4}",
		"cloud: {spark: {mode: local}}",
		"smartnic: {port: 0}",
		"max_inflight_transfers: -1",
		"backend: [not, a, string]",
	} {
		_, err := Parse([]byte(contents))
		require.Error(t, err, "configuration %q should have failed", contents)
	}
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
