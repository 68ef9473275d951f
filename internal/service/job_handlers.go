package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/raphaelgruber/vecsync/internal/models"
	"github.com/raphaelgruber/vecsync/internal/parser"
	"github.com/raphaelgruber/vecsync/internal/resilience"
	"github.com/raphaelgruber/vecsync/internal/workflow"
)

// FileWorkflow is the workflow name of the file processing pipeline.
const FileWorkflow = "file-process"

// requiredParams lists, per job type, groups of alternative keys. Every
// group needs at least one present key.
var requiredParams = map[models.JobType][][]string{
	models.JobCreateVector:  {{"text"}},
	models.JobDeleteVectors: {{"ids", "source_item_id"}},
	models.JobFileProcess:   {{"file_path", "content"}},
	models.JobSyncSource:    {{"source_item_id"}},
}

// ValidateJobParams checks that params carry the fields the job type needs.
func ValidateJobParams(jobType models.JobType, params map[string]any) error {
	for _, group := range requiredParams[jobType] {
		found := false
		for _, key := range group {
			if hasParam(params[key]) {
				found = true
				break
			}
		}
		if !found {
			return resilience.ValidationError("%s requires %s", jobType, strings.Join(group, " or "))
		}
	}
	return nil
}

func hasParam(v any) bool {
	switch v := v.(type) {
	case nil:
		return false
	case string:
		return v != ""
	case []string:
		return len(v) > 0
	case []any:
		return len(v) > 0
	default:
		return true
	}
}

// decodeParams decodes a job or workflow params map into out, accepting
// string forms of numbers and booleans.
func decodeParams(params map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(params)
}

// Handlers bundles what the job handlers need.
type Handlers struct {
	Vectors  *VectorService
	Sync     *SyncPipeline
	Runtime  *workflow.Runtime
	Poll     workflow.PollConfig
	Chunking parser.ChunkOptions
}

// Register registers the workflows on the runtime and the job handlers on
// the manager.
func (h *Handlers) Register(m *JobManager) {
	h.Runtime.Register(SyncWorkflow, h.Sync.Workflow())
	h.Runtime.Register(FileWorkflow, h.fileWorkflow)

	m.RegisterHandler(models.JobCreateVector, h.createVector)
	m.RegisterHandler(models.JobDeleteVectors, h.deleteVectors)
	m.RegisterHandler(models.JobFileProcess, h.delegate(FileWorkflow))
	m.RegisterHandler(models.JobSyncSource, h.delegate(SyncWorkflow))
}

type createVectorParams struct {
	Text         string         `mapstructure:"text"`
	Namespace    string         `mapstructure:"namespace"`
	SourceItemID string         `mapstructure:"source_item_id"`
	SubItemID    string         `mapstructure:"sub_item_id"`
	ContentType  string         `mapstructure:"content_type"`
	Metadata     map[string]any `mapstructure:"metadata"`
}

func (h *Handlers) createVector(ctx context.Context, job *models.Job) (map[string]any, error) {
	var p createVectorParams
	if err := decodeParams(job.Params, &p); err != nil {
		return nil, resilience.ValidationError("decode params: %v", err)
	}
	if strings.TrimSpace(p.Text) == "" {
		return nil, resilience.ValidationError("text is required")
	}

	id, err := h.Vectors.CreateVector(ctx, VectorInput{
		Namespace:    p.Namespace,
		Text:         p.Text,
		SourceItemID: p.SourceItemID,
		SubItemID:    p.SubItemID,
		ContentType:  models.ContentType(p.ContentType),
		Metadata:     p.Metadata,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"vector_id": id, "namespace": namespaceOrDefault(p.Namespace)}, nil
}

type deleteVectorsParams struct {
	IDs          []string `mapstructure:"ids"`
	SourceItemID string   `mapstructure:"source_item_id"`
	Namespace    string   `mapstructure:"namespace"`
}

func (h *Handlers) deleteVectors(ctx context.Context, job *models.Job) (map[string]any, error) {
	var p deleteVectorsParams
	if err := decodeParams(job.Params, &p); err != nil {
		return nil, resilience.ValidationError("decode params: %v", err)
	}

	var (
		deleted int
		err     error
	)
	switch {
	case len(p.IDs) > 0:
		deleted, err = h.Vectors.DeleteVectors(ctx, p.Namespace, p.IDs)
	case p.SourceItemID != "":
		deleted, err = h.Vectors.DeleteBySource(ctx, p.Namespace, p.SourceItemID)
	default:
		return nil, resilience.ValidationError("ids or source_item_id is required")
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"deleted": deleted}, nil
}

// delegate returns a handler that runs a durable workflow and polls it.
// The run id is derived from the job, so a retried attempt resumes the same
// run and skips its memoized steps.
func (h *Handlers) delegate(name string) JobHandler {
	return func(ctx context.Context, job *models.Job) (map[string]any, error) {
		runID := fmt.Sprintf("%s-%s", job.Type, job.ID)
		if err := h.Runtime.Start(ctx, name, runID, job.Params); err != nil {
			return nil, err
		}
		return workflow.AwaitRun(ctx, h.Runtime, runID, h.Poll)
	}
}

type fileParams struct {
	FilePath     string `mapstructure:"file_path"`
	Content      string `mapstructure:"content"`
	FileName     string `mapstructure:"file_name"`
	SourceItemID string `mapstructure:"source_item_id"`
	Namespace    string `mapstructure:"namespace"`
	ChunkSize    int    `mapstructure:"chunk_size"`
	ChunkOverlap int    `mapstructure:"chunk_overlap"`
}

type loadedFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// fileWorkflow loads a file, parses it, chunks the text and embeds every
// chunk. Chunk failures are partial unless every chunk fails.
func (h *Handlers) fileWorkflow(ctx context.Context, ex *workflow.Executor, input map[string]any) (map[string]any, error) {
	var p fileParams
	if err := decodeParams(input, &p); err != nil {
		return nil, resilience.ValidationError("decode params: %v", err)
	}
	if p.FilePath == "" && p.Content == "" {
		return nil, resilience.ValidationError("file_path or content is required")
	}
	critical := workflow.StepOptions{Critical: true}

	file, err := workflow.ExecuteStep(ctx, ex, "load", func(ctx context.Context) (loadedFile, error) {
		if p.Content != "" {
			return loadedFile{Name: p.FileName, Content: p.Content}, nil
		}
		data, err := os.ReadFile(p.FilePath)
		if err != nil {
			return loadedFile{}, resilience.ValidationError("read file: %v", err)
		}
		return loadedFile{Name: filepath.Base(p.FilePath), Content: string(data)}, nil
	}, critical)
	if err != nil {
		return nil, err
	}

	sourceID := p.SourceItemID
	if sourceID == "" {
		sourceID = p.FilePath
	}
	if sourceID == "" {
		sourceID = file.Name
	}
	if sourceID == "" {
		sourceID = "file:" + ex.RunID()
	}

	doc, err := workflow.ExecuteStep(ctx, ex, "parse", func(ctx context.Context) (*parser.Document, error) {
		return parser.ParseDocument(file.Name, file.Content), nil
	}, critical)
	if err != nil {
		return nil, err
	}

	chunks, err := workflow.ExecuteStep(ctx, ex, "chunk", func(ctx context.Context) ([]models.TextChunk, error) {
		opts := h.Chunking
		if p.ChunkSize > 0 {
			opts.ChunkSize = p.ChunkSize
		}
		if p.ChunkOverlap > 0 {
			opts.ChunkOverlap = p.ChunkOverlap
		}
		opts.Metadata = map[string]any{"source_id": sourceID, "title": doc.Title}
		if tags := doc.FrontmatterStrings("tags"); len(tags) > 0 {
			opts.Metadata["tags"] = tags
		}
		return parser.Chunk(doc.PlainText(), opts), nil
	}, critical)
	if err != nil {
		return nil, err
	}

	if _, err := workflow.ExecuteStep(ctx, ex, "clear-previous", func(ctx context.Context) (int, error) {
		return h.Vectors.DeleteBySource(ctx, p.Namespace, sourceID)
	}, critical); err != nil {
		return nil, err
	}

	embedded, err := workflow.ExecuteStep(ctx, ex, "embed", func(ctx context.Context) (*ChunkVectorsResult, error) {
		res, err := h.Vectors.CreateChunkVectors(ctx, VectorInput{
			Namespace:    p.Namespace,
			SourceItemID: sourceID,
			ContentType:  models.ContentFile,
			Metadata:     map[string]any{"file_name": file.Name, "title": doc.Title},
		}, chunks)
		if err != nil {
			return nil, err
		}
		if len(chunks) > 0 && len(res.VectorIDs) == 0 {
			return nil, fmt.Errorf("all %d chunks failed: %s", len(chunks), res.Failed[0].Error)
		}
		return res, nil
	}, critical)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"source_item_id":  sourceID,
		"title":           doc.Title,
		"chunks":          len(chunks),
		"vectors_created": len(embedded.VectorIDs),
		"failed_chunks":   len(embedded.Failed),
	}, nil
}
