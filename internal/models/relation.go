package models

import "time"

// ContentType tags what part of a source a vector was derived from.
type ContentType string

const (
	ContentTitle    ContentType = "title"
	ContentProperty ContentType = "property"
	ContentBlock    ContentType = "block"
	ContentFile     ContentType = "file"
	ContentText     ContentType = "text"
)

// VectorRelation links a vector back to the source item it was derived from.
// One relation exists per vector; re-creating a vector replaces it.
type VectorRelation struct {
	VectorID     string      `json:"vector_id"`
	SourceItemID string      `json:"source_item_id"`
	SubItemID    string      `json:"sub_item_id,omitempty"` // block id, property name, chunk id
	Namespace    string      `json:"namespace"`
	ContentType  ContentType `json:"content_type"`
	CreatedAt    time.Time   `json:"created_at"`
}
