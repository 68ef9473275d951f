package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/vecsync/internal/metrics"
	"github.com/raphaelgruber/vecsync/internal/models"
	"github.com/raphaelgruber/vecsync/internal/observability"
	"github.com/raphaelgruber/vecsync/internal/resilience"
	"github.com/samber/lo"
)

// DefaultNamespace is used when a caller leaves the namespace empty.
const DefaultNamespace = "default"

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// BatchEmbedder is implemented by embedders that embed many texts in one
// request. CreateChunkVectors uses it when available.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorIndex stores vectors partitioned by namespace.
type VectorIndex interface {
	UpsertVectors(ctx context.Context, records []models.VectorRecord) error
	QueryVectors(ctx context.Context, namespace string, embedding []float32, topK int) ([]models.VectorMatch, error)
	DeleteVectors(ctx context.Context, namespace string, ids []string) (int, error)
}

// RelationStore persists vector provenance.
type RelationStore interface {
	CreateRelations(ctx context.Context, rels []models.VectorRelation) error
	RelationsBySource(ctx context.Context, namespace, sourceItemID string) ([]models.VectorRelation, error)
	DeleteRelations(ctx context.Context, namespace string, vectorIDs []string) error
}

// VectorServiceConfig tunes the protection around the embedder and index.
type VectorServiceConfig struct {
	Retry             resilience.RetryConfig
	CircuitThreshold  int
	OpenDuration      time.Duration
	RateMaxConcurrent int
	RateMinInterval   time.Duration

	// BulkConcurrency bounds parallel chunk embeddings (default 4).
	BulkConcurrency int

	// Instruments defaults to observability.Default().
	Instruments *observability.Instruments
}

// VectorInput describes one vector to create.
type VectorInput struct {
	// ID is derived from the provenance fields when empty.
	ID           string
	Namespace    string
	Text         string
	SourceItemID string
	SubItemID    string
	ContentType  models.ContentType
	ChunkIndex   int
	Metadata     map[string]any
}

// ChunkFailure reports a chunk whose embedding exhausted its retries.
type ChunkFailure struct {
	ChunkID    string `json:"chunk_id"`
	ChunkIndex int    `json:"chunk_index"`
	Error      string `json:"error"`
}

// ChunkVectorsResult is the partial outcome of CreateChunkVectors.
type ChunkVectorsResult struct {
	VectorIDs []string       `json:"vector_ids"`
	Failed    []ChunkFailure `json:"failed,omitempty"`
}

// VectorService embeds text and writes vectors and their relations. Every
// embedder call goes through retry, a circuit breaker and a rate limiter;
// index calls through retry and a circuit breaker.
type VectorService struct {
	embedder     Embedder
	index        VectorIndex
	relations    RelationStore
	retry        resilience.RetryConfig
	bulkWorkers  int
	embedBreaker *resilience.CircuitBreaker
	indexBreaker *resilience.CircuitBreaker
	limiter      *resilience.RateLimiter
	metrics      *metrics.Collector
	instruments  *observability.Instruments
}

// NewVectorService creates a vector service. collector may be nil.
func NewVectorService(embedder Embedder, index VectorIndex, relations RelationStore, cfg VectorServiceConfig, collector *metrics.Collector) *VectorService {
	if cfg.RateMaxConcurrent <= 0 {
		cfg.RateMaxConcurrent = 4
	}
	if cfg.BulkConcurrency <= 0 {
		cfg.BulkConcurrency = 4
	}
	if cfg.Instruments == nil {
		cfg.Instruments = observability.Default()
	}
	return &VectorService{
		embedder:     embedder,
		index:        index,
		relations:    relations,
		retry:        cfg.Retry,
		bulkWorkers:  cfg.BulkConcurrency,
		embedBreaker: resilience.NewCircuitBreaker("embedder", cfg.CircuitThreshold, cfg.OpenDuration),
		indexBreaker: resilience.NewCircuitBreaker("vector-index", cfg.CircuitThreshold, cfg.OpenDuration),
		limiter:      resilience.NewRateLimiter(cfg.RateMaxConcurrent, cfg.RateMinInterval),
		metrics:      collector,
		instruments:  cfg.Instruments,
	}
}

// Breakers returns the state of the embedder and index circuit breakers.
func (s *VectorService) Breakers() []resilience.CircuitStats {
	return []resilience.CircuitStats{s.embedBreaker.Stats(), s.indexBreaker.Stats()}
}

// protect wraps fn in retry, then the breaker, then the limiter when one is
// given, and records its timing under op.
func protect[T any](ctx context.Context, s *VectorService, retry resilience.RetryConfig, cb *resilience.CircuitBreaker, limiter *resilience.RateLimiter, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	retry.Op = op
	return resilience.Retry(ctx, retry, func(ctx context.Context) (T, error) {
		return resilience.CallWithBreaker(ctx, cb, func(ctx context.Context) (T, error) {
			call := func(ctx context.Context) (T, error) {
				done := s.metrics.Track(op)
				v, err := fn(ctx)
				done(err)
				return v, err
			}
			if limiter == nil {
				return call(ctx)
			}
			return resilience.Limit(ctx, limiter, call)
		})
	})
}

// Embed returns the embedding of text.
func (s *VectorService) Embed(ctx context.Context, text string) ([]float32, error) {
	return s.embed(ctx, s.retry, text)
}

func (s *VectorService) embed(ctx context.Context, retry resilience.RetryConfig, text string) ([]float32, error) {
	return protect(ctx, s, retry, s.embedBreaker, s.limiter, metrics.OpEmbedding, func(ctx context.Context) ([]float32, error) {
		return s.embedder.Embed(ctx, text)
	})
}

// CreateVector embeds the input text, upserts one vector and records its
// relation when the input names a source item. It returns the vector id.
func (s *VectorService) CreateVector(ctx context.Context, in VectorInput) (string, error) {
	rel, err := s.createVector(ctx, s.retry, in, nil)
	if err != nil {
		return "", err
	}
	if rel.SourceItemID != "" {
		if err := s.relations.CreateRelations(ctx, []models.VectorRelation{rel}); err != nil {
			return "", fmt.Errorf("record relation: %w", err)
		}
	}
	s.instruments.VectorsCreated(ctx, string(rel.ContentType), 1)
	return rel.VectorID, nil
}

// createVector embeds and upserts without recording the relation. A non-nil
// embedding is used as is.
func (s *VectorService) createVector(ctx context.Context, retry resilience.RetryConfig, in VectorInput, embedding []float32) (models.VectorRelation, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return models.VectorRelation{}, resilience.ValidationError("text is required")
	}
	in.Namespace = namespaceOrDefault(in.Namespace)
	if in.ContentType == "" {
		in.ContentType = models.ContentText
	}

	if embedding == nil {
		var err error
		if embedding, err = s.embed(ctx, retry, text); err != nil {
			return models.VectorRelation{}, fmt.Errorf("embed: %w", err)
		}
	}

	id := in.ID
	if id == "" {
		id = vectorIDFor(in)
	}

	meta := make(map[string]any, len(in.Metadata)+4)
	for k, v := range in.Metadata {
		meta[k] = v
	}
	meta["content_type"] = string(in.ContentType)
	if in.SourceItemID != "" {
		meta["source_item_id"] = in.SourceItemID
	}
	if in.SubItemID != "" {
		meta["sub_item_id"] = in.SubItemID
	}

	record := models.VectorRecord{
		ID:        id,
		Namespace: in.Namespace,
		Text:      text,
		Embedding: embedding,
		Metadata:  meta,
	}
	_, err := protect(ctx, s, retry, s.indexBreaker, nil, metrics.OpIndexInsert, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.index.UpsertVectors(ctx, []models.VectorRecord{record})
	})
	if err != nil {
		return models.VectorRelation{}, fmt.Errorf("upsert vector: %w", err)
	}

	return models.VectorRelation{
		VectorID:     id,
		SourceItemID: in.SourceItemID,
		SubItemID:    in.SubItemID,
		Namespace:    in.Namespace,
		ContentType:  in.ContentType,
		CreatedAt:    time.Now(),
	}, nil
}

// CreateChunkVectors creates one vector per chunk. With a BatchEmbedder the
// chunks are embedded in one request first; if that fails they are embedded
// one by one. Chunks are retried independently; failed chunks are reported,
// not returned as an error. Relations for the successful chunks are recorded
// in one batch.
func (s *VectorService) CreateChunkVectors(ctx context.Context, base VectorInput, chunks []models.TextChunk) (*ChunkVectorsResult, error) {
	single := s.retry
	single.MaxAttempts = 1
	embedded := s.embedChunks(ctx, chunks)

	res := resilience.RetryBulk(ctx, chunks, func(ctx context.Context, chunk models.TextChunk) (models.VectorRelation, error) {
		in := base
		in.ID = ""
		in.Text = chunk.Text
		in.ChunkIndex = chunk.Index
		in.Metadata = mergeMetadata(base.Metadata, chunk.Metadata)
		in.Metadata["chunk_id"] = chunk.ID
		return s.createVector(ctx, single, in, embedded[chunk.ID])
	}, resilience.RetryBulkConfig{Retry: s.retry, Concurrency: s.bulkWorkers})

	rels := lo.Map(res.Successful, func(r resilience.BulkSuccess[models.TextChunk, models.VectorRelation], _ int) models.VectorRelation {
		return r.Result
	})
	out := &ChunkVectorsResult{
		VectorIDs: lo.Map(rels, func(r models.VectorRelation, _ int) string { return r.VectorID }),
		Failed: lo.Map(res.Failed, func(f resilience.BulkFailure[models.TextChunk], _ int) ChunkFailure {
			return ChunkFailure{ChunkID: f.Item.ID, ChunkIndex: f.Item.Index, Error: f.Err.Error()}
		}),
	}

	if base.SourceItemID != "" && len(rels) > 0 {
		if err := s.relations.CreateRelations(ctx, rels); err != nil {
			return out, fmt.Errorf("record relations: %w", err)
		}
	}
	if len(rels) > 0 {
		s.instruments.VectorsCreated(ctx, string(rels[0].ContentType), len(rels))
	}
	if len(out.Failed) > 0 {
		slog.Warn("some chunks failed to embed", "source_item_id", base.SourceItemID, "failed", len(out.Failed), "created", len(rels))
	}
	return out, nil
}

// embedChunks embeds the non-empty chunks in one protected batch call when
// the embedder supports it. It returns nil when batching is unavailable,
// chunk ids are not unique, or the batch fails.
func (s *VectorService) embedChunks(ctx context.Context, chunks []models.TextChunk) map[string][]float32 {
	batcher, ok := s.embedder.(BatchEmbedder)
	if !ok {
		return nil
	}
	pending := lo.Filter(chunks, func(c models.TextChunk, _ int) bool {
		return strings.TrimSpace(c.Text) != ""
	})
	if len(pending) < 2 || len(lo.UniqBy(pending, func(c models.TextChunk) string { return c.ID })) != len(pending) {
		return nil
	}
	texts := lo.Map(pending, func(c models.TextChunk, _ int) string { return strings.TrimSpace(c.Text) })

	vectors, err := protect(ctx, s, s.retry, s.embedBreaker, s.limiter, metrics.OpEmbedding, func(ctx context.Context) ([][]float32, error) {
		return batcher.EmbedBatch(ctx, texts)
	})
	if err == nil && len(vectors) != len(pending) {
		err = fmt.Errorf("batch returned %d embeddings for %d texts", len(vectors), len(pending))
	}
	if err != nil {
		slog.Warn("batch embedding failed, embedding chunks one by one", "chunks", len(pending), "error", err)
		return nil
	}

	out := make(map[string][]float32, len(pending))
	for i, c := range pending {
		out[c.ID] = vectors[i]
	}
	return out
}

// DeleteVectors deletes vectors by id along with their relations.
func (s *VectorService) DeleteVectors(ctx context.Context, namespace string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	namespace = namespaceOrDefault(namespace)

	deleted, err := protect(ctx, s, s.retry, s.indexBreaker, nil, metrics.OpIndexDelete, func(ctx context.Context) (int, error) {
		return s.index.DeleteVectors(ctx, namespace, ids)
	})
	if err != nil {
		return 0, fmt.Errorf("delete vectors: %w", err)
	}
	if err := s.relations.DeleteRelations(ctx, namespace, ids); err != nil {
		return deleted, fmt.Errorf("delete relations: %w", err)
	}
	return deleted, nil
}

// DeleteBySource deletes every vector recorded for a source item.
func (s *VectorService) DeleteBySource(ctx context.Context, namespace, sourceItemID string) (int, error) {
	if strings.TrimSpace(sourceItemID) == "" {
		return 0, resilience.ValidationError("source_item_id is required")
	}
	namespace = namespaceOrDefault(namespace)

	rels, err := s.relations.RelationsBySource(ctx, namespace, sourceItemID)
	if err != nil {
		return 0, fmt.Errorf("load relations: %w", err)
	}
	ids := lo.Uniq(lo.Map(rels, func(r models.VectorRelation, _ int) string { return r.VectorID }))
	return s.DeleteVectors(ctx, namespace, ids)
}

// Search returns the topK vectors closest to query.
func (s *VectorService) Search(ctx context.Context, namespace, query string, topK int) ([]models.VectorMatch, error) {
	if strings.TrimSpace(query) == "" {
		return nil, resilience.ValidationError("query is required")
	}
	if topK <= 0 {
		topK = 10
	}

	embedding, err := s.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return protect(ctx, s, s.retry, s.indexBreaker, nil, metrics.OpIndexQuery, func(ctx context.Context) ([]models.VectorMatch, error) {
		return s.index.QueryVectors(ctx, namespaceOrDefault(namespace), embedding, topK)
	})
}

var vectorIDSpace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/raphaelgruber/vecsync/vectors"))

// VectorID derives a stable vector id from provenance, so writing the same
// content twice upserts one vector.
func VectorID(namespace, sourceItemID, subItemID string, contentType models.ContentType, chunkIndex int) string {
	key := strings.Join([]string{namespace, sourceItemID, subItemID, string(contentType), strconv.Itoa(chunkIndex)}, "\x00")
	return uuid.NewSHA1(vectorIDSpace, []byte(key)).String()
}

func vectorIDFor(in VectorInput) string {
	if in.SourceItemID == "" {
		// No provenance: derive from the text instead.
		return uuid.NewSHA1(vectorIDSpace, []byte(in.Namespace+"\x00"+in.Text)).String()
	}
	return VectorID(in.Namespace, in.SourceItemID, in.SubItemID, in.ContentType, in.ChunkIndex)
}

func namespaceOrDefault(ns string) string {
	if ns = strings.TrimSpace(ns); ns == "" {
		return DefaultNamespace
	}
	return ns
}

func mergeMetadata(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra)+1)
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
