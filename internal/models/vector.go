package models

import (
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// VectorRecord is a single embedding stored in the vector index.
type VectorRecord struct {
	ID        string         `json:"id"`
	Namespace string         `json:"namespace"`
	Text      string         `json:"text"`
	Embedding []float32      `json:"embedding"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// VectorMatch is a query hit from the vector index.
type VectorMatch struct {
	ID        surrealmodels.RecordID `json:"id"`
	Namespace string                 `json:"namespace"`
	Text      string                 `json:"text"`
	Metadata  map[string]any         `json:"metadata,omitempty"`
	Score     float64                `json:"score"`
	CreatedAt time.Time              `json:"created_at"`
}

// VectorID returns the bare record key of the match.
func (m VectorMatch) VectorID() string {
	id, err := RecordIDString(m.ID)
	if err != nil {
		return ""
	}
	return id
}
