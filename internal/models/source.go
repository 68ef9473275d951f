package models

import (
	"encoding/json"
	"time"
)

// SourceDocument is a document fetched from the external document source,
// normalized to the fields the sync pipeline understands.
type SourceDocument struct {
	ID           string                    `json:"id"`
	Title        string                    `json:"title,omitempty"`
	URL          string                    `json:"url,omitempty"`
	Properties   map[string]SourceProperty `json:"properties,omitempty"`
	Archived     bool                      `json:"archived,omitempty"`
	LastEditedAt time.Time                 `json:"last_edited_at"`
	Raw          json.RawMessage           `json:"raw,omitempty"`
}

// SourceProperty is one typed field of a source document.
type SourceProperty struct {
	Name   string   `json:"name"`
	Type   string   `json:"type"` // title, rich_text, select, multi_select, number, date, ...
	Text   string   `json:"text,omitempty"`
	Values []string `json:"values,omitempty"`
}

// SourceBlock is one content block of a source document.
type SourceBlock struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Text        string          `json:"text,omitempty"`
	HasChildren bool            `json:"has_children,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}
