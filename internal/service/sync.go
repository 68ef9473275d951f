package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/raphaelgruber/vecsync/internal/metrics"
	"github.com/raphaelgruber/vecsync/internal/models"
	"github.com/raphaelgruber/vecsync/internal/parser"
	"github.com/raphaelgruber/vecsync/internal/resilience"
	"github.com/raphaelgruber/vecsync/internal/workflow"
)

// SyncWorkflow is the workflow name the pipeline registers under.
const SyncWorkflow = "sync-source"

// SyncState is a stage of the synchronization state machine.
type SyncState string

const (
	SyncFetchSource       SyncState = "FETCH_SOURCE"
	SyncVectorizeTitle    SyncState = "VECTORIZE_TITLE"
	SyncProcessProperties SyncState = "PROCESS_PROPERTIES"
	SyncProcessBlocks     SyncState = "PROCESS_BLOCKS"
	SyncComplete          SyncState = "COMPLETE"
	SyncError             SyncState = "ERROR"
)

// DocumentSource fetches documents and their blocks from the external source.
type DocumentSource interface {
	GetDocument(ctx context.Context, id string) (*models.SourceDocument, error)
	ListBlocks(ctx context.Context, documentID string) ([]models.SourceBlock, error)
}

// SyncRunStore persists sync run outcomes.
type SyncRunStore interface {
	SaveSyncRun(ctx context.Context, run *models.SyncRun) error
}

// RawStore keeps the raw fetched documents and blocks.
type RawStore interface {
	SaveDocument(ctx context.Context, doc *models.SourceDocument) error
	SaveBlocks(ctx context.Context, documentID string, blocks []models.SourceBlock) error
}

// DocumentArchive copies fetched documents to long-term storage.
type DocumentArchive interface {
	PutDocument(ctx context.Context, doc *models.SourceDocument) error
}

// SyncDeps are the collaborators of a SyncPipeline. Raw, Archive and
// Metrics are optional.
type SyncDeps struct {
	Source  DocumentSource
	Vectors *VectorService
	Runs    SyncRunStore
	Raw     RawStore
	Archive DocumentArchive
	Steps   workflow.StepStore
	Metrics *metrics.Collector

	// Retry protects calls to the document source.
	Retry resilience.RetryConfig

	// Chunk configures block chunking.
	Chunk parser.ChunkOptions

	// Defaults fill options a caller leaves unset. Nil means DefaultSyncOptions.
	Defaults *SyncOptions
}

// SyncOptions configures one pipeline run.
type SyncOptions struct {
	RunID              string `mapstructure:"run_id"`
	Namespace          string `mapstructure:"namespace"`
	IncludeBlocks      bool   `mapstructure:"include_blocks"`
	IncludeProperties  bool   `mapstructure:"include_properties"`
	MinBlockTextLength int    `mapstructure:"min_block_text_length"`
}

// DefaultSyncOptions includes blocks and properties in the default namespace.
func DefaultSyncOptions() SyncOptions {
	return SyncOptions{
		Namespace:          DefaultNamespace,
		IncludeBlocks:      true,
		IncludeProperties:  true,
		MinBlockTextLength: 20,
	}
}

// SyncResult is the outcome of one pipeline run. On failure the counters
// only include stages that completed.
type SyncResult struct {
	Success             bool      `json:"success"`
	SourceItemID        string    `json:"source_item_id"`
	RunID               string    `json:"run_id"`
	State               SyncState `json:"state"`
	BlocksProcessed     int       `json:"blocks_processed"`
	PropertiesProcessed int       `json:"properties_processed"`
	VectorsCreated      int       `json:"vectors_created"`
	Error               string    `json:"error,omitempty"`
	Warnings            []string  `json:"warnings,omitempty"`
	CompletedAt         time.Time `json:"completed_at"`
}

// Map returns the result as a workflow output.
func (r *SyncResult) Map() map[string]any {
	out := map[string]any{
		"success":              r.Success,
		"source_item_id":       r.SourceItemID,
		"run_id":               r.RunID,
		"state":                string(r.State),
		"blocks_processed":     r.BlocksProcessed,
		"properties_processed": r.PropertiesProcessed,
		"vectors_created":      r.VectorsCreated,
		"completed_at":         r.CompletedAt,
	}
	if r.Error != "" {
		out["error"] = r.Error
	}
	if len(r.Warnings) > 0 {
		out["warnings"] = r.Warnings
	}
	return out
}

type titleOutput struct {
	Vectors int `json:"vectors"`
}

type propertiesOutput struct {
	Processed int `json:"processed"`
	Vectors   int `json:"vectors"`
}

type blocksOutput struct {
	Processed int      `json:"processed"`
	Embedded  int      `json:"embedded"`
	Vectors   int      `json:"vectors"`
	Warnings  []string `json:"warnings,omitempty"`
}

// SyncPipeline synchronizes one source item into the vector index:
// FETCH_SOURCE, VECTORIZE_TITLE, PROCESS_PROPERTIES, PROCESS_BLOCKS, then
// COMPLETE or ERROR. Every stage is a critical memoized step; the run row is
// created at start and updated with each attempt's outcome.
type SyncPipeline struct {
	deps          SyncDeps
	sourceBreaker *resilience.CircuitBreaker
}

// NewSyncPipeline creates a pipeline. A nil step store keeps step records
// in memory.
func NewSyncPipeline(deps SyncDeps) *SyncPipeline {
	if deps.Steps == nil {
		deps.Steps = workflow.NewMemoryStore()
	}
	if deps.Defaults == nil {
		defaults := DefaultSyncOptions()
		deps.Defaults = &defaults
	}
	return &SyncPipeline{
		deps:          deps,
		sourceBreaker: resilience.NewCircuitBreaker("document-source", 0, 0),
	}
}

// Run synchronizes sourceItemID. Pipeline failures are reported in the
// result; the error is only set for invalid input.
func (p *SyncPipeline) Run(ctx context.Context, sourceItemID string, opts SyncOptions) (*SyncResult, error) {
	if strings.TrimSpace(sourceItemID) == "" {
		return nil, resilience.ValidationError("source_item_id is required")
	}
	if opts.RunID == "" {
		opts.RunID = "sync-" + uuid.New().String()[:8]
	}
	ex := workflow.NewExecutor(opts.RunID, p.deps.Steps)
	result, _ := p.run(ctx, ex, sourceItemID, opts)
	return result, nil
}

// Workflow returns the pipeline as a durable workflow. The input carries
// source_item_id plus any SyncOptions keys; the output is the SyncResult.
// A failed run returns its root cause so callers can classify it.
func (p *SyncPipeline) Workflow() workflow.WorkflowFunc {
	return func(ctx context.Context, ex *workflow.Executor, input map[string]any) (map[string]any, error) {
		var params struct {
			SourceItemID string `mapstructure:"source_item_id"`
		}
		if err := decodeParams(input, &params); err != nil {
			return nil, resilience.ValidationError("decode sync input: %v", err)
		}
		if strings.TrimSpace(params.SourceItemID) == "" {
			return nil, resilience.ValidationError("source_item_id is required")
		}

		opts := *p.deps.Defaults
		if err := decodeParams(input, &opts); err != nil {
			return nil, resilience.ValidationError("decode sync options: %v", err)
		}
		opts.RunID = ex.RunID()

		result, cause := p.run(ctx, ex, params.SourceItemID, opts)
		return result.Map(), cause
	}
}

// run executes the state machine. The returned error is the root cause of
// a failed run, or nil.
func (p *SyncPipeline) run(ctx context.Context, ex *workflow.Executor, sourceItemID string, opts SyncOptions) (*SyncResult, error) {
	opts = p.withDefaults(opts)
	done := p.deps.Metrics.Track(metrics.OpPipelineRun)
	started := time.Now()

	result := &SyncResult{SourceItemID: sourceItemID, RunID: opts.RunID}
	logger := slog.With("source_item_id", sourceItemID, "run_id", opts.RunID, "namespace", opts.Namespace)
	logger.Info("sync started", "include_blocks", opts.IncludeBlocks, "include_properties", opts.IncludeProperties)

	startedAt, cause := workflow.ExecuteStep(ctx, ex, "record-start", func(ctx context.Context) (time.Time, error) {
		return started, p.deps.Runs.SaveSyncRun(ctx, &models.SyncRun{
			RunID:        opts.RunID,
			SourceItemID: sourceItemID,
			Namespace:    opts.Namespace,
			Status:       models.SyncRunRunning,
			StartedAt:    started,
		})
	}, workflow.StepOptions{Critical: true})
	if startedAt.IsZero() {
		startedAt = started
	}
	if cause == nil {
		cause = p.stages(ctx, ex, sourceItemID, opts, result)
	}
	result.CompletedAt = time.Now()

	syncRun := &models.SyncRun{
		RunID:               opts.RunID,
		SourceItemID:        sourceItemID,
		Namespace:           opts.Namespace,
		BlocksProcessed:     result.BlocksProcessed,
		PropertiesProcessed: result.PropertiesProcessed,
		VectorsCreated:      result.VectorsCreated,
		StartedAt:           startedAt,
		CompletedAt:         result.CompletedAt,
	}

	if cause != nil {
		result.State = SyncError
		result.Error = rootMessage(cause)
		syncRun.Status = models.SyncRunFailed
		syncRun.Error = result.Error

		if err := p.recordRun(ctx, syncRun); err != nil {
			logger.Error("failed to record sync error", "error", err)
		}
		done(cause)
		logger.Error("sync failed", "error", result.Error)
		return result, cause
	}

	syncRun.Status = models.SyncRunCompleted
	if err := p.recordRun(ctx, syncRun); err != nil {
		result.State = SyncError
		result.Error = rootMessage(err)
		done(err)
		logger.Error("failed to record sync completion", "error", err)
		return result, err
	}

	result.Success = true
	result.State = SyncComplete
	done(nil)
	logger.Info("sync completed",
		"blocks", result.BlocksProcessed,
		"properties", result.PropertiesProcessed,
		"vectors", result.VectorsCreated,
		"warnings", len(result.Warnings))
	return result, nil
}

// recordRun stores the outcome of an attempt. It is not memoized: a resumed
// run overwrites the row with its latest counters and error.
func (p *SyncPipeline) recordRun(ctx context.Context, run *models.SyncRun) error {
	retry := p.deps.Retry
	retry.Op = "record-sync-run"
	return resilience.RetryDo(ctx, retry, func(ctx context.Context) error {
		return p.deps.Runs.SaveSyncRun(ctx, run)
	})
}

// stages runs the stage steps, adding each stage's counters to result as it
// completes.
func (p *SyncPipeline) stages(ctx context.Context, ex *workflow.Executor, sourceItemID string, opts SyncOptions, result *SyncResult) error {
	critical := workflow.StepOptions{Critical: true}

	result.State = SyncFetchSource
	doc, err := workflow.ExecuteStep(ctx, ex, "fetch-source", func(ctx context.Context) (*models.SourceDocument, error) {
		return p.fetchDocument(ctx, sourceItemID)
	}, critical)
	if err != nil {
		return err
	}

	// Archiving is best effort. The archive client has no retry of its own, so
	// this is the one step that retries at step level.
	archiveRetry := p.deps.Retry
	archiveRetry.Op = "archive-source"
	_, _, _ = workflow.ExecuteIf(ctx, ex, "archive-source", p.deps.Archive != nil, func(ctx context.Context) (bool, error) {
		return true, p.deps.Archive.PutDocument(ctx, doc)
	}, workflow.StepOptions{Retry: &archiveRetry})

	if _, err := workflow.ExecuteStep(ctx, ex, "clear-previous", func(ctx context.Context) (int, error) {
		return p.deps.Vectors.DeleteBySource(ctx, opts.Namespace, sourceItemID)
	}, critical); err != nil {
		return err
	}

	result.State = SyncVectorizeTitle
	title, err := workflow.ExecuteStep(ctx, ex, "vectorize-title", func(ctx context.Context) (titleOutput, error) {
		return p.vectorizeTitle(ctx, doc, opts)
	}, critical)
	if err != nil {
		return err
	}
	result.VectorsCreated += title.Vectors

	result.State = SyncProcessProperties
	props, _, err := workflow.ExecuteIf(ctx, ex, "process-properties", opts.IncludeProperties, func(ctx context.Context) (propertiesOutput, error) {
		return p.processProperties(ctx, doc, opts)
	}, critical)
	if err != nil {
		return err
	}
	result.PropertiesProcessed = props.Processed
	result.VectorsCreated += props.Vectors

	result.State = SyncProcessBlocks
	blocks, _, err := workflow.ExecuteIf(ctx, ex, "process-blocks", opts.IncludeBlocks, func(ctx context.Context) (blocksOutput, error) {
		return p.processBlocks(ctx, doc, opts)
	}, critical)
	if err != nil {
		return err
	}
	result.BlocksProcessed = blocks.Processed
	result.VectorsCreated += blocks.Vectors
	result.Warnings = append(result.Warnings, blocks.Warnings...)
	return nil
}

func (p *SyncPipeline) fetchDocument(ctx context.Context, id string) (*models.SourceDocument, error) {
	doc, err := callSource(ctx, p, "get_document", func(ctx context.Context) (*models.SourceDocument, error) {
		return p.deps.Source.GetDocument(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	if p.deps.Raw != nil {
		if err := p.deps.Raw.SaveDocument(ctx, doc); err != nil {
			return nil, fmt.Errorf("save raw document: %w", err)
		}
	}
	return doc, nil
}

// callSource protects a document source call with retry and a breaker.
func callSource[T any](ctx context.Context, p *SyncPipeline, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	retry := p.deps.Retry
	retry.Op = "source." + op
	return resilience.Retry(ctx, retry, func(ctx context.Context) (T, error) {
		return resilience.CallWithBreaker(ctx, p.sourceBreaker, func(ctx context.Context) (T, error) {
			done := p.deps.Metrics.Track(metrics.OpSourceFetch)
			v, err := fn(ctx)
			done(err)
			return v, err
		})
	})
}

func (p *SyncPipeline) vectorizeTitle(ctx context.Context, doc *models.SourceDocument, opts SyncOptions) (titleOutput, error) {
	title := parser.DocumentTitle(doc)
	if title == "" {
		return titleOutput{}, nil
	}
	_, err := p.deps.Vectors.CreateVector(ctx, VectorInput{
		Namespace:    opts.Namespace,
		Text:         title,
		SourceItemID: doc.ID,
		SubItemID:    "title",
		ContentType:  models.ContentTitle,
		Metadata:     documentMetadata(doc),
	})
	if err != nil {
		return titleOutput{}, err
	}
	return titleOutput{Vectors: 1}, nil
}

func (p *SyncPipeline) processProperties(ctx context.Context, doc *models.SourceDocument, opts SyncOptions) (propertiesOutput, error) {
	var out propertiesOutput
	title := parser.DocumentTitle(doc)
	for _, name := range slices.Sorted(maps.Keys(doc.Properties)) {
		prop := doc.Properties[name]
		out.Processed++

		text := parser.PropertyText(prop)
		if text == "" {
			continue
		}
		// A title property repeating the document title is already vectorized.
		if strings.EqualFold(prop.Type, "title") && strings.EqualFold(text, title) {
			continue
		}

		meta := documentMetadata(doc)
		meta["property"] = name
		meta["property_type"] = prop.Type
		if _, err := p.deps.Vectors.CreateVector(ctx, VectorInput{
			Namespace:    opts.Namespace,
			Text:         name + ": " + text,
			SourceItemID: doc.ID,
			SubItemID:    name,
			ContentType:  models.ContentProperty,
			Metadata:     meta,
		}); err != nil {
			return propertiesOutput{}, err
		}
		out.Vectors++
	}
	return out, nil
}

func (p *SyncPipeline) processBlocks(ctx context.Context, doc *models.SourceDocument, opts SyncOptions) (blocksOutput, error) {
	blocks, err := callSource(ctx, p, "list_blocks", func(ctx context.Context) ([]models.SourceBlock, error) {
		return p.deps.Source.ListBlocks(ctx, doc.ID)
	})
	if err != nil {
		return blocksOutput{}, err
	}

	if p.deps.Raw != nil {
		if err := p.deps.Raw.SaveBlocks(ctx, doc.ID, blocks); err != nil {
			return blocksOutput{}, fmt.Errorf("save raw blocks: %w", err)
		}
	}

	out := blocksOutput{Processed: len(blocks)}
	for _, block := range blocks {
		text := parser.BlockText(block)
		if utf8.RuneCountInString(text) <= opts.MinBlockTextLength {
			continue
		}

		chunkOpts := p.deps.Chunk
		chunkOpts.Metadata = map[string]any{"source_id": doc.ID + "/" + block.ID, "block_type": block.Type}
		chunks := parser.Chunk(text, chunkOpts)

		meta := documentMetadata(doc)
		meta["block_id"] = block.ID
		res, err := p.deps.Vectors.CreateChunkVectors(ctx, VectorInput{
			Namespace:    opts.Namespace,
			SourceItemID: doc.ID,
			SubItemID:    block.ID,
			ContentType:  models.ContentBlock,
			Metadata:     meta,
		}, chunks)
		if err != nil {
			return blocksOutput{}, err
		}

		out.Embedded++
		out.Vectors += len(res.VectorIDs)
		for _, f := range res.Failed {
			out.Warnings = append(out.Warnings, fmt.Sprintf("block %s chunk %d: %s", block.ID, f.ChunkIndex, f.Error))
		}
	}
	return out, nil
}

func (p *SyncPipeline) withDefaults(opts SyncOptions) SyncOptions {
	if strings.TrimSpace(opts.Namespace) == "" {
		opts.Namespace = p.deps.Defaults.Namespace
	}
	opts.Namespace = namespaceOrDefault(opts.Namespace)
	if opts.MinBlockTextLength <= 0 {
		opts.MinBlockTextLength = p.deps.Defaults.MinBlockTextLength
	}
	return opts
}

func documentMetadata(doc *models.SourceDocument) map[string]any {
	meta := map[string]any{"source_item_id": doc.ID}
	if doc.URL != "" {
		meta["url"] = doc.URL
	}
	return meta
}

// rootMessage strips step wrapping so callers see the originating error.
func rootMessage(err error) string {
	var stepErr *workflow.StepError
	if errors.As(err, &stepErr) {
		return stepErr.Err.Error()
	}
	return err.Error()
}
