package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/raphaelgruber/vecsync/internal/blob"
	"github.com/raphaelgruber/vecsync/internal/config"
	"github.com/raphaelgruber/vecsync/internal/db"
	"github.com/raphaelgruber/vecsync/internal/llm"
	"github.com/raphaelgruber/vecsync/internal/metastore"
	"github.com/raphaelgruber/vecsync/internal/metrics"
	"github.com/raphaelgruber/vecsync/internal/observability"
	"github.com/raphaelgruber/vecsync/internal/service"
	"github.com/raphaelgruber/vecsync/internal/source"
	"github.com/raphaelgruber/vecsync/internal/workflow"
)

// app lazily builds the components a command needs from the loaded config.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	collector *metrics.Collector

	telemetry   *observability.Providers
	instruments *observability.Instruments

	store    *metastore.Store
	index    *db.Client
	vectors  *service.VectorService
	pipeline *service.SyncPipeline
	runtime  *workflow.Runtime
	manager  *service.JobManager
}

func newApp(cfg config.Config, logger *slog.Logger) *app {
	return &app{cfg: cfg, logger: logger, collector: metrics.NewCollector()}
}

// Instruments installs the configured telemetry exporter on first use and
// returns metric instruments bound to it.
func (a *app) Instruments(ctx context.Context) (*observability.Instruments, error) {
	if a.instruments != nil {
		return a.instruments, nil
	}
	p, err := observability.Setup(ctx, observability.Config{
		Exporter:    a.cfg.Telemetry.Exporter,
		Endpoint:    a.cfg.Telemetry.Endpoint,
		Insecure:    a.cfg.Telemetry.Insecure,
		SampleRatio: a.cfg.Telemetry.SampleRatio,
		ServiceName: "vecsync",
		Version:     Version,
		Writer:      os.Stderr,
	})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	if p.Enabled() {
		a.logger.Info("telemetry enabled", "exporter", a.cfg.Telemetry.Exporter)
	}
	a.telemetry = p
	a.instruments = observability.NewInstruments(p.MeterProvider)
	return a.instruments, nil
}

// Store opens the metadata store and migrates it.
func (a *app) Store() (*metastore.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	s, err := metastore.Open(metastore.Config{
		Driver: a.cfg.Store.Driver,
		DSN:    a.cfg.Store.DSN,
		Debug:  verbose,
	})
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}
	a.store = s
	return s, nil
}

// Index connects to the vector index.
func (a *app) Index(ctx context.Context) (*db.Client, error) {
	if a.index != nil {
		return a.index, nil
	}
	c, err := db.NewClient(ctx, db.Config{
		URL:       a.cfg.SurrealDB.URL,
		Namespace: a.cfg.SurrealDB.Namespace,
		Database:  a.cfg.SurrealDB.Database,
		Username:  a.cfg.SurrealDB.User,
		Password:  a.cfg.SurrealDB.Pass,
		AuthLevel: a.cfg.SurrealDB.AuthLevel,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("connect to vector index: %w", err)
	}
	if err := c.InitSchema(ctx, a.cfg.Embedding.Dimension); err != nil {
		_ = c.Close(ctx)
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	a.index = c
	return c, nil
}

// Vectors builds the vector service on a cached embedder.
func (a *app) Vectors(ctx context.Context) (*service.VectorService, error) {
	if a.vectors != nil {
		return a.vectors, nil
	}
	store, err := a.Store()
	if err != nil {
		return nil, err
	}
	index, err := a.Index(ctx)
	if err != nil {
		return nil, err
	}
	embedder, err := llm.NewEmbedder(a.cfg.Embedding)
	if err != nil {
		return nil, fmt.Errorf("init embedder: %w", err)
	}
	cached, err := llm.NewCachedEmbedder(embedder, embedder.Model(), a.cfg.Embedding.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("init embedding cache: %w", err)
	}
	instruments, err := a.Instruments(ctx)
	if err != nil {
		return nil, err
	}

	a.vectors = service.NewVectorService(cached, index, store, service.VectorServiceConfig{
		Retry:             a.cfg.RetryConfig(),
		CircuitThreshold:  a.cfg.Circuit.Threshold,
		OpenDuration:      a.cfg.Circuit.OpenDuration,
		RateMaxConcurrent: a.cfg.Rate.MaxConcurrent,
		RateMinInterval:   a.cfg.Rate.MinInterval,
		Instruments:       instruments,
	}, a.collector)
	return a.vectors, nil
}

// Pipeline builds the synchronization pipeline.
func (a *app) Pipeline(ctx context.Context) (*service.SyncPipeline, error) {
	if a.pipeline != nil {
		return a.pipeline, nil
	}
	vectors, err := a.Vectors(ctx)
	if err != nil {
		return nil, err
	}
	store, err := a.Store()
	if err != nil {
		return nil, err
	}
	src, err := source.New(a.cfg.Source.BaseURL, a.cfg.Source.Token, a.cfg.Source.Timeout)
	if err != nil {
		return nil, fmt.Errorf("init source client: %w", err)
	}

	deps := service.SyncDeps{
		Source:  src,
		Vectors: vectors,
		Runs:    store,
		Raw:     store,
		Steps:   store,
		Metrics: a.collector,
		Retry:   a.cfg.RetryConfig(),
		Chunk:   a.cfg.ChunkOptions(),
		Defaults: &service.SyncOptions{
			Namespace:          a.cfg.Sync.Namespace,
			IncludeBlocks:      a.cfg.Sync.IncludeBlocks,
			IncludeProperties:  a.cfg.Sync.IncludeProperties,
			MinBlockTextLength: a.cfg.Sync.MinBlockTextLength,
		},
	}
	if a.cfg.Archive.Endpoint != "" {
		archive, err := blob.New(blob.Config{
			Endpoint:  a.cfg.Archive.Endpoint,
			AccessKey: a.cfg.Archive.AccessKey,
			SecretKey: a.cfg.Archive.SecretKey,
			Bucket:    a.cfg.Archive.Bucket,
			UseSSL:    a.cfg.Archive.UseSSL,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("init archive: %w", err)
		}
		if err := archive.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("ensure archive bucket: %w", err)
		}
		deps.Archive = archive
	}

	a.pipeline = service.NewSyncPipeline(deps)
	return a.pipeline, nil
}

// Manager builds the job manager with every handler registered.
func (a *app) Manager(ctx context.Context) (*service.JobManager, error) {
	if a.manager != nil {
		return a.manager, nil
	}
	pipeline, err := a.Pipeline(ctx)
	if err != nil {
		return nil, err
	}
	store, err := a.Store()
	if err != nil {
		return nil, err
	}

	instruments, err := a.Instruments(ctx)
	if err != nil {
		return nil, err
	}

	// Steps run once: the calls inside them retry on their own and the job
	// manager retries whole attempts.
	a.runtime = workflow.NewRuntime(store, a.logger, workflow.WithLogger(a.logger), workflow.WithInstruments(instruments))
	m := service.NewJobManager(service.JobManagerConfig{
		Concurrency: a.cfg.Jobs.MaxConcurrent,
		MaxAttempts: a.cfg.Jobs.MaxAttempts,
		Retry:       a.cfg.RetryConfig(),
		Instruments: instruments,
	}, store)

	handlers := &service.Handlers{
		Vectors: a.vectors,
		Sync:    pipeline,
		Runtime: a.runtime,
		Poll: workflow.PollConfig{
			MaxPolls:   a.cfg.Jobs.PollMaxAttempts,
			Interval:   a.cfg.Jobs.PollInterval,
			Multiplier: 1,
		},
		Chunking: a.cfg.ChunkOptions(),
	}
	handlers.Register(m)

	a.manager = m
	return m, nil
}

// Close releases everything that was built.
func (a *app) Close() error {
	var errs []error
	if a.manager != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		errs = append(errs, a.manager.Close(ctx))
		cancel()
	}
	if a.runtime != nil {
		a.runtime.Close()
	}
	if a.index != nil {
		errs = append(errs, a.index.Close(context.Background()))
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, a.telemetry.Shutdown(ctx))
		cancel()
	}
	return errors.Join(errs...)
}
