// Package llm provides embedding services using langchaingo.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/raphaelgruber/vecsync/internal/config"
	"github.com/raphaelgruber/vecsync/internal/resilience"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// ErrFatalAPI marks provider errors that no retry can fix, such as an
// exhausted quota or a rejected key. It is also ErrPermanent.
var ErrFatalAPI = fmt.Errorf("fatal embedding API error: %w", resilience.ErrPermanent)

var fatalHints = []string{
	"quota",
	"billing",
	"insufficient_quota",
	"invalid api key",
	"incorrect api key",
	"unauthorized",
	"status code: 401",
	"status code: 403",
}

// Embedder wraps langchaingo embeddings with dimension validation.
type Embedder struct {
	model     embeddings.Embedder
	dimension int
	modelName string
}

// NewEmbedder creates an embedder based on configuration.
func NewEmbedder(cfg config.EmbeddingConfig) (*Embedder, error) {
	var model embeddings.Embedder
	var err error

	switch cfg.Provider {
	case config.ProviderOllama:
		llm, ollamaErr := ollama.New(
			ollama.WithModel(cfg.Model),
			ollama.WithServerURL(cfg.OllamaHost),
		)
		if ollamaErr != nil {
			return nil, fmt.Errorf("create ollama client: %w", ollamaErr)
		}
		model, err = embeddings.NewEmbedder(llm)
		if err != nil {
			return nil, fmt.Errorf("create ollama embedder: %w", err)
		}

	case config.ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, resilience.ValidationError("OpenAI API key required")
		}
		llm, openaiErr := openai.New(
			openai.WithToken(cfg.OpenAIAPIKey),
			openai.WithEmbeddingModel(cfg.Model),
		)
		if openaiErr != nil {
			return nil, fmt.Errorf("create openai client: %w", openaiErr)
		}
		model, err = embeddings.NewEmbedder(llm)
		if err != nil {
			return nil, fmt.Errorf("create openai embedder: %w", err)
		}

	default:
		return nil, resilience.ValidationError("unsupported embedding provider: %s", cfg.Provider)
	}

	return NewEmbedderWith(model, cfg.Model, cfg.Dimension), nil
}

// NewEmbedderWith wraps an existing langchaingo embedder.
func NewEmbedderWith(model embeddings.Embedder, modelName string, dimension int) *Embedder {
	return &Embedder{model: model, dimension: dimension, modelName: modelName}
}

// Embed generates an embedding vector for text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	textLen := len(text)
	slog.Debug("embedding text", "model", e.modelName, "text_len", textLen)

	start := time.Now()
	vectors, err := e.model.EmbedDocuments(ctx, []string{text})
	duration := time.Since(start)

	if err != nil {
		slog.Warn("embedding failed", "model", e.modelName, "text_len", textLen, "duration_ms", duration.Milliseconds(), "error", err)
		return nil, classify(err)
	}

	if len(vectors) == 0 {
		return nil, &resilience.ServiceError{Service: "embedder", Op: "embed", Err: errors.New("no embedding returned")}
	}

	embedding := vectors[0]
	if e.dimension > 0 && len(embedding) != e.dimension {
		return nil, fmt.Errorf("%w: dimension mismatch: got %d, want %d", resilience.ErrPermanent, len(embedding), e.dimension)
	}

	slog.Debug("embedding complete", "model", e.modelName, "text_len", textLen, "duration_ms", duration.Milliseconds())
	return embedding, nil
}

// EmbedBatch generates embeddings for multiple texts.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	vectors, err := e.model.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, classify(err)
	}

	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("count mismatch: got %d, want %d", len(vectors), len(texts))
	}

	for i, v := range vectors {
		if e.dimension > 0 && len(v) != e.dimension {
			return nil, fmt.Errorf("%w: embedding %d dimension mismatch: got %d, want %d", resilience.ErrPermanent, i, len(v), e.dimension)
		}
	}

	return vectors, nil
}

// Model returns the embedding model name.
func (e *Embedder) Model() string {
	return e.modelName
}

// Dimension returns the expected embedding dimension.
func (e *Embedder) Dimension() int {
	return e.dimension
}

// classify maps provider failures onto the resilience taxonomy. langchaingo
// only exposes messages, so fatal errors are recognised by text.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("embed: %w", err)
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range fatalHints {
		if strings.Contains(msg, hint) {
			return fmt.Errorf("%w: %v", ErrFatalAPI, err)
		}
	}
	return fmt.Errorf("embed: %w", err)
}
