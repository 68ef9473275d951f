package db

import (
	"context"
	"fmt"

	"github.com/raphaelgruber/vecsync/internal/models"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// NamespaceCount is the number of vectors stored under a namespace.
type NamespaceCount struct {
	Namespace string `json:"namespace"`
	Count     int    `json:"count"`
}

// UpsertVectors writes records keyed by their id. Existing records keep
// their created timestamp.
func (c *Client) UpsertVectors(ctx context.Context, records []models.VectorRecord) error {
	if len(records) == 0 {
		return nil
	}

	rows := make([]map[string]any, len(records))
	for i, r := range records {
		meta := r.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		rows[i] = map[string]any{
			"id":        r.ID,
			"namespace": r.Namespace,
			"text":      r.Text,
			"embedding": r.Embedding,
			"metadata":  meta,
		}
	}

	sql := `
		FOR $v IN $rows {
			UPSERT type::record("vector", $v.id) SET
				namespace = $v.namespace,
				text = $v.text,
				embedding = $v.embedding,
				metadata = $v.metadata,
				updated = time::now();
		};
	`
	if _, err := surrealdb.Query[any](ctx, c.db, sql, map[string]any{"rows": rows}); err != nil {
		return fmt.Errorf("upsert vectors: %w", wrapQueryError(err))
	}
	return nil
}

// QueryVectors returns the topK nearest vectors in a namespace by cosine
// similarity, best first.
func (c *Client) QueryVectors(ctx context.Context, namespace string, embedding []float32, topK int) ([]models.VectorMatch, error) {
	if topK <= 0 {
		topK = 10
	}

	// HNSW with ef=40; the namespace filter is applied to the candidates.
	sql := fmt.Sprintf(`
		SELECT id, namespace, text, metadata, created AS created_at,
			vector::similarity::cosine(embedding, $emb) AS score
		FROM vector
		WHERE embedding <|%d,40|> $emb AND namespace = $ns
		ORDER BY score DESC
		LIMIT $limit
	`, topK)

	results, err := surrealdb.Query[[]models.VectorMatch](ctx, c.db, sql, map[string]any{
		"emb":   embedding,
		"ns":    namespace,
		"limit": topK,
	})
	if err != nil {
		return nil, fmt.Errorf("query vectors: %w", wrapQueryError(err))
	}

	if results == nil || len(*results) == 0 {
		return []models.VectorMatch{}, nil
	}
	return (*results)[0].Result, nil
}

// DeleteVectors deletes vectors by id within a namespace.
// Returns count of deleted vectors (0 if none found - idempotent).
func (c *Client) DeleteVectors(ctx context.Context, namespace string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	recordIDs := make([]surrealmodels.RecordID, len(ids))
	for i, id := range ids {
		recordIDs[i] = surrealmodels.RecordID{Table: "vector", ID: id}
	}

	sql := `DELETE vector WHERE id IN $ids AND namespace = $ns RETURN BEFORE`
	results, err := surrealdb.Query[[]models.VectorMatch](ctx, c.db, sql, map[string]any{
		"ids": recordIDs,
		"ns":  namespace,
	})
	if err != nil {
		return 0, fmt.Errorf("delete vectors: %w", wrapQueryError(err))
	}

	if results == nil || len(*results) == 0 {
		return 0, nil
	}
	return len((*results)[0].Result), nil
}

// CountVectors returns vector counts per namespace, largest first.
func (c *Client) CountVectors(ctx context.Context) ([]NamespaceCount, error) {
	results, err := surrealdb.Query[[]NamespaceCount](ctx, c.db, `
		SELECT namespace, count() AS count FROM vector GROUP BY namespace ORDER BY count DESC
	`, nil)
	if err != nil {
		return nil, fmt.Errorf("count vectors: %w", wrapQueryError(err))
	}

	if results == nil || len(*results) == 0 {
		return []NamespaceCount{}, nil
	}
	return (*results)[0].Result, nil
}
