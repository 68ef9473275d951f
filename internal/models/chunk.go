package models

// TextChunk is a boundary-aligned slice of a larger text, ready for embedding.
// Offsets are rune offsets into the normalized source text.
type TextChunk struct {
	ID          string         `json:"id"`
	Text        string         `json:"text"`
	Index       int            `json:"index"`
	StartOffset int            `json:"start_offset"`
	EndOffset   int            `json:"end_offset"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Len returns the raw span length in runes.
func (c TextChunk) Len() int {
	return c.EndOffset - c.StartOffset
}
