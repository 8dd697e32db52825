// Package config loads and watches the engine configuration. Configuration
// comes from a YAML file layered with defaults and environment overrides;
// the manager supports hot reload through fsnotify with registered change
// callbacks.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the complete engine configuration.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Redis     RedisConfig     `yaml:"redis"`
	Database  DatabaseConfig  `yaml:"database"`
	Storage   StorageConfig   `yaml:"storage"`
	Worker    WorkerConfig    `yaml:"worker"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	OCR       OCRConfig       `yaml:"ocr"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// LoggingConfig configures structured logging output.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
	Output string `yaml:"output"`
}

// RedisConfig configures the shared KV store used by the rate limiters,
// caches, and the activity queue.
type RedisConfig struct {
	Addr     string `yaml:"addr" validate:"required"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
	PoolSize int    `yaml:"pool_size" validate:"gte=1"`
}

// DatabaseConfig configures the relational store for syncs, jobs, slots, and
// the entity index.
type DatabaseConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// StorageConfig selects and configures the raw artifact backend.
type StorageConfig struct {
	Backend        string `yaml:"backend" validate:"oneof=local azure"`
	BasePath       string `yaml:"base_path"`
	AzureAccount   string `yaml:"azure_account"`
	AzureContainer string `yaml:"azure_container"`
}

// WorkerConfig configures the long-lived worker runtime.
type WorkerConfig struct {
	ID                      string        `yaml:"id"`
	ActivitySlots           int           `yaml:"activity_slots" validate:"gte=1,lte=256"`
	QueueName               string        `yaml:"queue_name"`
	MetricsPort             int           `yaml:"metrics_port" validate:"gte=0,lte=65535"`
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
	LeaseTTL                time.Duration `yaml:"lease_ttl"`
}

// PipelineConfig configures the per-job entity pipeline.
type PipelineConfig struct {
	Workers     int    `yaml:"workers" validate:"gte=1,lte=256"`
	StreamDepth int    `yaml:"stream_depth" validate:"gte=1"`
	TempDir     string `yaml:"temp_dir"`
}

// EmbeddingConfig configures the dense embedding client.
type EmbeddingConfig struct {
	OpenAIAPIKey      string  `yaml:"openai_api_key"`
	MaxInFlight       int     `yaml:"max_in_flight" validate:"gte=1,lte=64"`
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gt=0"`
}

// OCRConfig configures the OCR adapter used for PDF/DOCX/PPTX and images.
type OCRConfig struct {
	MistralAPIKey string `yaml:"mistral_api_key"`
	Endpoint      string `yaml:"endpoint"`
}

// SchedulerConfig configures the cron scheduler loop.
type SchedulerConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// Manager manages configuration with hot reload capability.
type Manager struct {
	config     *Config
	configPath string
	mu         sync.RWMutex
	watcher    *fsnotify.Watcher
	callbacks  []func(*Config)
	stopCh     chan struct{}
	validate   *validator.Validate
}

// NewManager creates a configuration manager rooted at configPath. A missing
// file yields the defaults; a malformed file is an error.
func NewManager(configPath string) (*Manager, error) {
	m := &Manager{
		configPath: expandPath(configPath),
		callbacks:  []func(*Config){},
		stopCh:     make(chan struct{}),
		validate:   validator.New(),
	}

	if err := m.Load(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return m, nil // run without hot reload
	}
	m.watcher = watcher

	if err := watcher.Add(m.configPath); err != nil {
		watcher.Close()
		m.watcher = nil
		return m, nil
	}

	go m.watchChanges()

	return m, nil
}

// Load loads or reloads the configuration from file.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	config := Default()

	if _, err := os.Stat(m.configPath); err == nil {
		data, err := os.ReadFile(m.configPath)
		if err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyDefaults(config)
	applyEnvironmentOverrides(config)

	if err := m.validate.Struct(config); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	m.config = config
	return nil
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// OnChange registers a callback invoked after a successful hot reload.
func (m *Manager) OnChange(callback func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

// Stop stops the configuration watcher.
func (m *Manager) Stop() {
	close(m.stopCh)
	if m.watcher != nil {
		m.watcher.Close()
	}
}

func (m *Manager) watchChanges() {
	if m.watcher == nil {
		return
	}
	defer m.watcher.Close()

	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Write == fsnotify.Write {
				if err := m.Load(); err != nil {
					continue
				}
				m.mu.RLock()
				config := m.config
				callbacks := append([]func(*Config){}, m.callbacks...)
				m.mu.RUnlock()
				for _, callback := range callbacks {
					callback(config)
				}
			}
		case _, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
		case <-m.stopCh:
			return
		}
	}
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			DB:       0,
			PoolSize: 10,
		},
		Database: DatabaseConfig{
			Path: defaultDatabasePath(),
		},
		Storage: StorageConfig{
			Backend:  "local",
			BasePath: defaultStoragePath(),
		},
		Worker: WorkerConfig{
			ActivitySlots:           16,
			QueueName:               "syncd:activities",
			MetricsPort:             9090,
			GracefulShutdownTimeout: 10 * time.Minute,
			LeaseTTL:                60 * time.Second,
		},
		Pipeline: PipelineConfig{
			Workers:     24,
			StreamDepth: 128,
			TempDir:     os.TempDir(),
		},
		Embedding: EmbeddingConfig{
			MaxInFlight:       10,
			RequestsPerSecond: 8,
		},
		OCR: OCRConfig{
			Endpoint: "https://api.mistral.ai/v1/ocr",
		},
		Scheduler: SchedulerConfig{
			Enabled:  true,
			Interval: 30 * time.Second,
		},
	}
}

func applyDefaults(config *Config) {
	defaults := Default()

	if config.Logging.Level == "" {
		config.Logging.Level = defaults.Logging.Level
	}
	if config.Logging.Format == "" {
		config.Logging.Format = defaults.Logging.Format
	}
	if config.Logging.Output == "" {
		config.Logging.Output = defaults.Logging.Output
	}
	if config.Redis.Addr == "" {
		config.Redis.Addr = defaults.Redis.Addr
	}
	if config.Redis.PoolSize == 0 {
		config.Redis.PoolSize = defaults.Redis.PoolSize
	}
	if config.Database.Path == "" {
		config.Database.Path = defaults.Database.Path
	}
	if config.Storage.Backend == "" {
		config.Storage.Backend = defaults.Storage.Backend
	}
	if config.Storage.BasePath == "" {
		config.Storage.BasePath = defaults.Storage.BasePath
	}
	if config.Worker.ActivitySlots == 0 {
		config.Worker.ActivitySlots = defaults.Worker.ActivitySlots
	}
	if config.Worker.QueueName == "" {
		config.Worker.QueueName = defaults.Worker.QueueName
	}
	if config.Worker.MetricsPort == 0 {
		config.Worker.MetricsPort = defaults.Worker.MetricsPort
	}
	if config.Worker.GracefulShutdownTimeout == 0 {
		config.Worker.GracefulShutdownTimeout = defaults.Worker.GracefulShutdownTimeout
	}
	if config.Worker.LeaseTTL == 0 {
		config.Worker.LeaseTTL = defaults.Worker.LeaseTTL
	}
	if config.Worker.ID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker"
		}
		config.Worker.ID = host
	}
	if config.Pipeline.Workers == 0 {
		config.Pipeline.Workers = defaults.Pipeline.Workers
	}
	if config.Pipeline.StreamDepth == 0 {
		config.Pipeline.StreamDepth = defaults.Pipeline.StreamDepth
	}
	if config.Pipeline.TempDir == "" {
		config.Pipeline.TempDir = defaults.Pipeline.TempDir
	}
	if config.Embedding.MaxInFlight == 0 {
		config.Embedding.MaxInFlight = defaults.Embedding.MaxInFlight
	}
	if config.Embedding.RequestsPerSecond == 0 {
		config.Embedding.RequestsPerSecond = defaults.Embedding.RequestsPerSecond
	}
	if config.OCR.Endpoint == "" {
		config.OCR.Endpoint = defaults.OCR.Endpoint
	}
	if config.Scheduler.Interval == 0 {
		config.Scheduler.Interval = defaults.Scheduler.Interval
	}
}

func applyEnvironmentOverrides(config *Config) {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		config.Embedding.OpenAIAPIKey = key
	}
	if key := os.Getenv("MISTRAL_API_KEY"); key != "" {
		config.OCR.MistralAPIKey = key
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		config.Redis.Addr = addr
	}
	if path := os.Getenv("DATABASE_PATH"); path != "" {
		config.Database.Path = path
	}
	if backend := os.Getenv("STORAGE_BACKEND"); backend != "" {
		config.Storage.Backend = backend
	}
	if account := os.Getenv("AZURE_STORAGE_ACCOUNT"); account != "" {
		config.Storage.AzureAccount = account
	}
	if container := os.Getenv("AZURE_STORAGE_CONTAINER"); container != "" {
		config.Storage.AzureContainer = container
	}
	if port := os.Getenv("WORKER_METRICS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Worker.MetricsPort = p
		}
	}
	if timeout := os.Getenv("WORKER_GRACEFUL_SHUTDOWN_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.Worker.GracefulShutdownTimeout = d
		}
	}
	if level := os.Getenv("SYNCD_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if id := os.Getenv("SYNCD_WORKER_ID"); id != "" {
		config.Worker.ID = id
	}
}

func defaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "syncd.db"
	}
	return filepath.Join(home, ".syncd", "syncd.db")
}

func defaultStoragePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "syncd-data"
	}
	return filepath.Join(home, ".syncd", "data")
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
