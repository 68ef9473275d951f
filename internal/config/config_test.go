package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdirTemp moves into an empty directory so no stray .env is picked up.
func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func TestLoadFileDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := LoadFile("")
	require.NoError(t, err)

	assert.Equal(t, 1000, cfg.Chunking.ChunkSize)
	assert.Equal(t, 200, cfg.Chunking.ChunkOverlap)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Retry.InitialDelay)
	assert.Equal(t, 5, cfg.Circuit.Threshold)
	assert.Equal(t, 150, cfg.Jobs.PollMaxAttempts)
	assert.True(t, cfg.Sync.IncludeBlocks)
	assert.Equal(t, 20, cfg.Sync.MinBlockTextLength)
	assert.Equal(t, 384, cfg.Embedding.Dimension)
	assert.Equal(t, ProviderOllama, cfg.Embedding.Provider)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, slog.LevelInfo, cfg.Log.Level)
}

func TestLoadFileLayers(t *testing.T) {
	dir := chdirTemp(t)

	yamlPath := filepath.Join(dir, "vecsync.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
chunking:
  chunk_size: 500
retry:
  initial_delay: 250ms
  max_attempts: 5
sync:
  include_blocks: false
  namespace: wiki
embedding:
  provider: openai
log:
  log_level: debug
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("VECSYNC_CHUNK_OVERLAP=50\nVECSYNC_SOURCE_TOKEN=from-dotenv\n"), 0o644))

	t.Setenv("VECSYNC_CHUNK_SIZE", "800")
	t.Setenv("VECSYNC_SOURCE_TOKEN", "from-env")
	// godotenv sets the variables it loads; register them for restore.
	t.Setenv("VECSYNC_CHUNK_OVERLAP", "")
	require.NoError(t, os.Unsetenv("VECSYNC_CHUNK_OVERLAP"))

	cfg, err := LoadFile(yamlPath)
	require.NoError(t, err)

	assert.Equal(t, 800, cfg.Chunking.ChunkSize, "env overrides yaml")
	assert.Equal(t, 50, cfg.Chunking.ChunkOverlap, ".env fills unset variables")
	assert.Equal(t, "from-env", cfg.Source.Token, ".env never overrides env")
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.InitialDelay)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Retry.MaxDelay, "unset yaml keys keep defaults")
	assert.False(t, cfg.Sync.IncludeBlocks)
	assert.True(t, cfg.Sync.IncludeProperties)
	assert.Equal(t, "wiki", cfg.Sync.Namespace)
	assert.Equal(t, ProviderOpenAI, cfg.Embedding.Provider)
	assert.Equal(t, slog.LevelDebug, cfg.Log.Level)
}

func TestLoadFileErrors(t *testing.T) {
	dir := chdirTemp(t)

	_, err := LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "read config")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("chunking: [1, 2"), 0o644))
	_, err = LoadFile(bad)
	assert.ErrorContains(t, err, "parse config")
}

func TestLoadFallsBackOnBadFile(t *testing.T) {
	dir := chdirTemp(t)
	t.Setenv("VECSYNC_CONFIG", filepath.Join(dir, "missing.yaml"))
	t.Setenv("VECSYNC_CHUNK_SIZE", "640")

	cfg := Load()
	assert.Equal(t, 640, cfg.Chunking.ChunkSize)
	assert.Equal(t, 200, cfg.Chunking.ChunkOverlap)
}

func TestInvalidIntegerUsesDefault(t *testing.T) {
	chdirTemp(t)
	t.Setenv("VECSYNC_CHUNK_SIZE", "lots")
	t.Setenv("VECSYNC_EMBED_DIMENSION", "1536")

	cfg, err := LoadFile("")
	require.NoError(t, err)
	assert.Equal(t, 1000, cfg.Chunking.ChunkSize)
	assert.Equal(t, 1536, cfg.Embedding.Dimension)
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"Error", slog.LevelError},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLogLevel(tt.in))
		})
	}
}

func TestConversions(t *testing.T) {
	cfg := Defaults()

	rc := cfg.RetryConfig()
	assert.Equal(t, 3, rc.MaxAttempts)
	assert.Equal(t, 30*time.Second, rc.MaxDelay)
	assert.InDelta(t, 2.0, rc.BackoffMultiplier, 0)

	opts := cfg.ChunkOptions()
	assert.Equal(t, 1000, opts.ChunkSize)
	assert.Equal(t, 200, opts.ChunkOverlap)
}

func TestSetupLoggerWithWriters(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := SetupLoggerWithWriters(&stderr, &file, slog.LevelInfo)

	logger.Debug("hidden")
	logger.Info("job completed", "job_id", "abc12345")

	assert.NotContains(t, stderr.String(), "hidden")
	assert.Contains(t, stderr.String(), "job_id=abc12345")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(file.Bytes(), &entry))
	assert.Equal(t, "job completed", entry["msg"])
}

func TestSetupLoggerWithoutFile(t *testing.T) {
	logger, cleanup := SetupLogger(LogConfig{Level: slog.LevelWarn})
	require.NotNil(t, logger)
	assert.NoError(t, cleanup())
}

func TestLoadFileTelemetry(t *testing.T) {
	dir := chdirTemp(t)

	cfg, err := LoadFile("")
	require.NoError(t, err)
	assert.Equal(t, "none", cfg.Telemetry.Exporter)

	yamlPath := filepath.Join(dir, "vecsync.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
telemetry:
  exporter: stdout
  sample_ratio: 0.25
`), 0o644))
	t.Setenv("VECSYNC_OTEL_EXPORTER", "otlp")
	t.Setenv("VECSYNC_OTEL_ENDPOINT", "http://collector:4318")
	t.Setenv("VECSYNC_OTEL_INSECURE", "yes-please")

	cfg, err = LoadFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "otlp", cfg.Telemetry.Exporter)
	assert.Equal(t, "http://collector:4318", cfg.Telemetry.Endpoint)
	assert.InDelta(t, 0.25, cfg.Telemetry.SampleRatio, 1e-9)
	assert.False(t, cfg.Telemetry.Insecure, "invalid boolean keeps the default")

	t.Setenv("VECSYNC_OTEL_INSECURE", "true")
	cfg, err = LoadFile(yamlPath)
	require.NoError(t, err)
	assert.True(t, cfg.Telemetry.Insecure)
}
