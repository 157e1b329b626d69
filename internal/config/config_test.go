package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.Equal(t, 30*time.Second, cfg.TaskQueue.DefaultVisibility)
	require.Equal(t, "woc", cfg.Metrics.Prefix)
	require.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadOverlaysPartialFileOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
postgres:
  dsn: "postgres://localhost/woc"
logging:
  level: debug
  development: true
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "postgres://localhost/woc", cfg.Postgres.DSN)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.True(t, cfg.Logging.Development)
	// Fields the file didn't mention keep Default()'s values.
	require.Equal(t, 10, cfg.Postgres.MaxOpenConns)
	require.Equal(t, "woc", cfg.Metrics.Prefix)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}

func TestLoadMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("postgres: [this is not a map"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}
