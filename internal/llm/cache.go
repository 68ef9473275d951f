package llm

import (
	"context"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// TextEmbedder is anything that embeds a single text.
type TextEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// CachedEmbedder memoizes embeddings of identical texts. Concurrent requests
// for the same text share one upstream call. Errors are never cached.
type CachedEmbedder struct {
	next  TextEmbedder
	model string
	cache *lru.Cache[uint64, []float32]
	group singleflight.Group
}

// NewCachedEmbedder wraps next with an LRU cache holding up to size entries.
// The model name is part of the cache key.
func NewCachedEmbedder(next TextEmbedder, model string, size int) (*CachedEmbedder, error) {
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[uint64, []float32](size)
	if err != nil {
		return nil, err
	}
	return &CachedEmbedder{next: next, model: model, cache: cache}, nil
}

// Embed returns the cached embedding or computes it.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.key(text)
	if v, ok := c.cache.Get(key); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(strconv.FormatUint(key, 16), func() (any, error) {
		emb, err := c.next.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		c.cache.Add(key, emb)
		return emb, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

// EmbedBatch serves cached texts from the cache and embeds the rest. When
// the wrapped embedder can batch, the misses go upstream in one request.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []int
	for i, text := range texts {
		if v, ok := c.cache.Get(c.key(text)); ok {
			out[i] = v
			continue
		}
		missing = append(missing, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	batcher, ok := c.next.(interface {
		EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	})
	if !ok {
		for _, i := range missing {
			v, err := c.Embed(ctx, texts[i])
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}

	pending := make([]string, len(missing))
	for j, i := range missing {
		pending[j] = texts[i]
	}
	vectors, err := batcher.EmbedBatch(ctx, pending)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(pending) {
		return nil, fmt.Errorf("batch returned %d embeddings for %d texts", len(vectors), len(pending))
	}
	for j, i := range missing {
		out[i] = vectors[j]
		c.cache.Add(c.key(texts[i]), vectors[j])
	}
	return out, nil
}

// Len returns the number of cached embeddings.
func (c *CachedEmbedder) Len() int {
	return c.cache.Len()
}

func (c *CachedEmbedder) key(text string) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(c.model)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(text)
	return d.Sum64()
}
