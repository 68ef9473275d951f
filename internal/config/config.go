package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/raphaelgruber/vecsync/internal/parser"
	"github.com/raphaelgruber/vecsync/internal/resilience"
	"gopkg.in/yaml.v3"
)

// Embedding providers.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// Config holds all configuration values.
type Config struct {
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Retry     RetryConfig     `yaml:"retry"`
	Circuit   CircuitConfig   `yaml:"circuit"`
	Rate      RateConfig      `yaml:"rate"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Sync      SyncConfig      `yaml:"sync"`
	SurrealDB SurrealDBConfig `yaml:"surrealdb"`
	Store     StoreConfig     `yaml:"store"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Source    SourceConfig    `yaml:"source"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ChunkingConfig struct {
	ChunkSize    int `yaml:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap"`
}

type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialDelay      time.Duration `yaml:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

type CircuitConfig struct {
	Threshold    int           `yaml:"circuit_threshold"`
	OpenDuration time.Duration `yaml:"open_duration"`
}

type RateConfig struct {
	MaxConcurrent int           `yaml:"rate_max_concurrent"`
	MinInterval   time.Duration `yaml:"rate_min_interval"`
}

type JobsConfig struct {
	MaxConcurrent   int           `yaml:"max_concurrent_jobs"`
	MaxAttempts     int           `yaml:"job_max_attempts"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	PollMaxAttempts int           `yaml:"poll_max_attempts"`
}

type SyncConfig struct {
	IncludeBlocks      bool   `yaml:"include_blocks"`
	IncludeProperties  bool   `yaml:"include_properties"`
	Namespace          string `yaml:"namespace"`
	MinBlockTextLength int    `yaml:"min_block_text_length"`
}

type SurrealDBConfig struct {
	URL       string `yaml:"url"`
	Namespace string `yaml:"namespace"`
	Database  string `yaml:"database"`
	User      string `yaml:"user"`
	Pass      string `yaml:"pass"`
	AuthLevel string `yaml:"auth_level"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type EmbeddingConfig struct {
	Provider     string `yaml:"provider"`
	Model        string `yaml:"model"`
	Dimension    int    `yaml:"dimension"`
	OllamaHost   string `yaml:"ollama_host"`
	OpenAIAPIKey string `yaml:"openai_api_key"`
	CacheSize    int    `yaml:"cache_size"`
}

type SourceConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// ArchiveConfig configures the raw document archive. An empty endpoint
// disables it.
type ArchiveConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// TelemetryConfig selects the OpenTelemetry exporter. An empty exporter or
// "none" leaves the global no-op providers in place.
type TelemetryConfig struct {
	Exporter    string  `yaml:"exporter"` // none, stdout or otlp
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

type LogConfig struct {
	File  string     `yaml:"log_file"`
	Level slog.Level `yaml:"-"`
	Raw   string     `yaml:"log_level"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Chunking: ChunkingConfig{ChunkSize: 1000, ChunkOverlap: 200},
		Retry: RetryConfig{
			MaxAttempts:       3,
			InitialDelay:      time.Second,
			MaxDelay:          30 * time.Second,
			BackoffMultiplier: 2,
		},
		Circuit: CircuitConfig{Threshold: 5, OpenDuration: time.Minute},
		Rate:    RateConfig{MaxConcurrent: 4, MinInterval: 100 * time.Millisecond},
		Jobs: JobsConfig{
			MaxConcurrent:   4,
			MaxAttempts:     3,
			PollInterval:    2 * time.Second,
			PollMaxAttempts: 150,
		},
		Sync: SyncConfig{
			IncludeBlocks:      true,
			IncludeProperties:  true,
			Namespace:          "default",
			MinBlockTextLength: 20,
		},
		SurrealDB: SurrealDBConfig{
			URL:       "ws://localhost:8000/rpc",
			Namespace: "vecsync",
			Database:  "vectors",
			User:      "root",
			Pass:      "root",
			AuthLevel: "root",
		},
		Store: StoreConfig{Driver: "sqlite", DSN: "vecsync.db"},
		Embedding: EmbeddingConfig{
			Provider:   ProviderOllama,
			Model:      "all-minilm:l6-v2",
			Dimension:  384,
			OllamaHost: "http://localhost:11434",
			CacheSize:  1024,
		},
		Source:    SourceConfig{Timeout: 30 * time.Second},
		Archive:   ArchiveConfig{Bucket: "vecsync-documents"},
		Log:       LogConfig{File: "/tmp/vecsync.log", Level: slog.LevelInfo, Raw: "INFO"},
		Telemetry: TelemetryConfig{Exporter: "none", SampleRatio: 1},
	}
}

// Load builds the configuration from defaults, the YAML file named by
// VECSYNC_CONFIG, a .env file in the working directory, and the environment.
// File errors are logged and skipped.
func Load() Config {
	cfg, err := LoadFile(os.Getenv("VECSYNC_CONFIG"))
	if err != nil {
		slog.Warn("failed to load config file, using defaults and environment", "error", err)
		cfg = Defaults()
		applyEnv(&cfg)
	}
	return cfg
}

// LoadFile is Load with an explicit YAML path. An empty path skips the file.
func LoadFile(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	// godotenv never overrides variables that are already set.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load .env", "error", err)
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Chunking.ChunkSize = getEnvInt("VECSYNC_CHUNK_SIZE", cfg.Chunking.ChunkSize)
	cfg.Chunking.ChunkOverlap = getEnvInt("VECSYNC_CHUNK_OVERLAP", cfg.Chunking.ChunkOverlap)
	cfg.Jobs.MaxConcurrent = getEnvInt("VECSYNC_MAX_CONCURRENT_JOBS", cfg.Jobs.MaxConcurrent)

	cfg.SurrealDB.URL = getEnv("SURREALDB_URL", cfg.SurrealDB.URL)
	cfg.SurrealDB.Namespace = getEnv("SURREALDB_NAMESPACE", cfg.SurrealDB.Namespace)
	cfg.SurrealDB.Database = getEnv("SURREALDB_DATABASE", cfg.SurrealDB.Database)
	cfg.SurrealDB.User = getEnv("SURREALDB_USER", cfg.SurrealDB.User)
	cfg.SurrealDB.Pass = getEnv("SURREALDB_PASS", cfg.SurrealDB.Pass)
	cfg.SurrealDB.AuthLevel = getEnv("SURREALDB_AUTH_LEVEL", cfg.SurrealDB.AuthLevel)

	cfg.Store.Driver = getEnv("VECSYNC_STORE_DRIVER", cfg.Store.Driver)
	cfg.Store.DSN = getEnv("VECSYNC_STORE_DSN", cfg.Store.DSN)

	cfg.Embedding.Provider = getEnv("VECSYNC_EMBED_PROVIDER", cfg.Embedding.Provider)
	cfg.Embedding.Model = getEnv("VECSYNC_EMBED_MODEL", cfg.Embedding.Model)
	cfg.Embedding.Dimension = getEnvInt("VECSYNC_EMBED_DIMENSION", cfg.Embedding.Dimension)
	cfg.Embedding.OllamaHost = getEnv("OLLAMA_HOST", cfg.Embedding.OllamaHost)
	cfg.Embedding.OpenAIAPIKey = getEnv("OPENAI_API_KEY", cfg.Embedding.OpenAIAPIKey)

	cfg.Source.BaseURL = getEnv("VECSYNC_SOURCE_URL", cfg.Source.BaseURL)
	cfg.Source.Token = getEnv("VECSYNC_SOURCE_TOKEN", cfg.Source.Token)

	cfg.Archive.Endpoint = getEnv("VECSYNC_ARCHIVE_ENDPOINT", cfg.Archive.Endpoint)
	cfg.Archive.AccessKey = getEnv("VECSYNC_ARCHIVE_ACCESS_KEY", cfg.Archive.AccessKey)
	cfg.Archive.SecretKey = getEnv("VECSYNC_ARCHIVE_SECRET_KEY", cfg.Archive.SecretKey)
	cfg.Archive.Bucket = getEnv("VECSYNC_ARCHIVE_BUCKET", cfg.Archive.Bucket)

	cfg.Log.File = getEnv("VECSYNC_LOG_FILE", cfg.Log.File)
	cfg.Log.Raw = getEnv("VECSYNC_LOG_LEVEL", cfg.Log.Raw)
	cfg.Log.Level = parseLogLevel(cfg.Log.Raw)

	cfg.Telemetry.Exporter = getEnv("VECSYNC_OTEL_EXPORTER", cfg.Telemetry.Exporter)
	cfg.Telemetry.Endpoint = getEnv("VECSYNC_OTEL_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.Insecure = getEnvBool("VECSYNC_OTEL_INSECURE", cfg.Telemetry.Insecure)
}

// RetryConfig converts the retry section for the resilience package.
func (c Config) RetryConfig() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:       c.Retry.MaxAttempts,
		InitialDelay:      c.Retry.InitialDelay,
		MaxDelay:          c.Retry.MaxDelay,
		BackoffMultiplier: c.Retry.BackoffMultiplier,
	}
}

// ChunkOptions converts the chunking section for the parser.
func (c Config) ChunkOptions() parser.ChunkOptions {
	return parser.ChunkOptions{
		ChunkSize:    c.Chunking.ChunkSize,
		ChunkOverlap: c.Chunking.ChunkOverlap,
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		slog.Warn("invalid integer in environment, using default", "key", key, "value", val, "default", defaultVal)
		return defaultVal
	}
	return n
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnvBool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		slog.Warn("invalid boolean in environment, using default", "key", key, "value", val, "default", defaultVal)
		return defaultVal
	}
	return b
}
