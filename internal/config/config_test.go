package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManager(t *testing.T) {
	t.Run("with_existing_file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "syncd.yaml")

		configContent := `
logging:
  level: debug
  format: console
redis:
  addr: "redis:6380"
  db: 2
database:
  path: "/tmp/syncd-test.db"
storage:
  backend: local
  base_path: "/tmp/syncd-data"
worker:
  activity_slots: 4
  metrics_port: 9191
  graceful_shutdown_timeout: 5m
pipeline:
  workers: 8
  stream_depth: 32
embedding:
  max_in_flight: 5
  requests_per_second: 2
`
		err := os.WriteFile(configPath, []byte(configContent), 0644)
		require.NoError(t, err)

		manager, err := NewManager(configPath)
		require.NoError(t, err)
		require.NotNil(t, manager)
		defer manager.Stop()

		config := manager.Get()
		assert.Equal(t, "debug", config.Logging.Level)
		assert.Equal(t, "console", config.Logging.Format)
		assert.Equal(t, "redis:6380", config.Redis.Addr)
		assert.Equal(t, 2, config.Redis.DB)
		assert.Equal(t, "/tmp/syncd-test.db", config.Database.Path)
		assert.Equal(t, "local", config.Storage.Backend)
		assert.Equal(t, 4, config.Worker.ActivitySlots)
		assert.Equal(t, 9191, config.Worker.MetricsPort)
		assert.Equal(t, 5*time.Minute, config.Worker.GracefulShutdownTimeout)
		assert.Equal(t, 8, config.Pipeline.Workers)
		assert.Equal(t, 32, config.Pipeline.StreamDepth)
		assert.Equal(t, 5, config.Embedding.MaxInFlight)
	})

	t.Run("missing_file_uses_defaults", func(t *testing.T) {
		manager, err := NewManager(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		defer manager.Stop()

		config := manager.Get()
		assert.Equal(t, "info", config.Logging.Level)
		assert.Equal(t, "localhost:6379", config.Redis.Addr)
		assert.Equal(t, 16, config.Worker.ActivitySlots)
		assert.Equal(t, 24, config.Pipeline.Workers)
		assert.Equal(t, "syncd:activities", config.Worker.QueueName)
		assert.NotEmpty(t, config.Worker.ID)
	})

	t.Run("invalid_yaml_fails", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "bad.yaml")
		require.NoError(t, os.WriteFile(configPath, []byte("logging: [not a map"), 0644))

		_, err := NewManager(configPath)
		assert.Error(t, err)
	})

	t.Run("invalid_values_fail_validation", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "bad-values.yaml")
		require.NoError(t, os.WriteFile(configPath, []byte("logging:\n  level: loud\n"), 0644))

		_, err := NewManager(configPath)
		assert.Error(t, err)
	})
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("REDIS_ADDR", "override:6379")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("WORKER_METRICS_PORT", "9999")
	t.Setenv("WORKER_GRACEFUL_SHUTDOWN_TIMEOUT", "90s")
	t.Setenv("STORAGE_BACKEND", "azure")
	t.Setenv("AZURE_STORAGE_ACCOUNT", "acct")
	t.Setenv("AZURE_STORAGE_CONTAINER", "raw")

	manager, err := NewManager(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	defer manager.Stop()

	config := manager.Get()
	assert.Equal(t, "override:6379", config.Redis.Addr)
	assert.Equal(t, "sk-test", config.Embedding.OpenAIAPIKey)
	assert.Equal(t, 9999, config.Worker.MetricsPort)
	assert.Equal(t, 90*time.Second, config.Worker.GracefulShutdownTimeout)
	assert.Equal(t, "azure", config.Storage.Backend)
	assert.Equal(t, "acct", config.Storage.AzureAccount)
	assert.Equal(t, "raw", config.Storage.AzureContainer)
}

func TestOnChangeCallback(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "syncd.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("logging:\n  level: info\n"), 0644))

	manager, err := NewManager(configPath)
	require.NoError(t, err)
	defer manager.Stop()

	changed := make(chan *Config, 1)
	manager.OnChange(func(c *Config) {
		select {
		case changed <- c:
		default:
		}
	})

	require.NoError(t, os.WriteFile(configPath, []byte("logging:\n  level: warn\n"), 0644))

	select {
	case c := <-changed:
		assert.Equal(t, "warn", c.Logging.Level)
	case <-time.After(3 * time.Second):
		t.Skip("fsnotify event not delivered on this filesystem")
	}
}
