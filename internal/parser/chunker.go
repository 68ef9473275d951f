package parser

import (
	"fmt"
	"log/slog"
	"maps"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/cespare/xxhash/v2"
	"github.com/raphaelgruber/vecsync/internal/models"
)

// Chunk size bounds. Out-of-range sizes are clamped, not rejected.
const (
	MinChunkSize = 10
	MaxChunkSize = 8000

	// sentenceLookBack is how far a cut may move back to land after a sentence end.
	sentenceLookBack = 50
	// spaceLookBack is how far a cut may move back to land on whitespace.
	spaceLookBack = 20
)

// now is swapped in tests.
var now = time.Now

// ChunkOptions defines chunking parameters.
type ChunkOptions struct {
	// ChunkSize is the maximum chunk length in characters.
	ChunkSize int
	// ChunkOverlap is the number of characters shared by adjacent chunks.
	ChunkOverlap int
	// Metadata is merged into every chunk's metadata.
	Metadata map[string]any
}

// DefaultChunkOptions returns 1000 character chunks with 200 characters of overlap.
func DefaultChunkOptions() ChunkOptions {
	return ChunkOptions{
		ChunkSize:    1000,
		ChunkOverlap: 200,
	}
}

// ChunkStats summarizes a chunking result.
type ChunkStats struct {
	TotalChunks      int     `json:"total_chunks"`
	TotalCharacters  int     `json:"total_characters"`
	AverageChunkSize float64 `json:"average_chunk_size"`
	MinChunkSize     int     `json:"min_chunk_size"`
	MaxChunkSize     int     `json:"max_chunk_size"`
}

// normalizeOptions clamps size and overlap into their valid ranges.
func normalizeOptions(opts ChunkOptions) ChunkOptions {
	defaults := DefaultChunkOptions()
	if opts.ChunkSize == 0 {
		opts.ChunkSize = defaults.ChunkSize
		if opts.ChunkOverlap == 0 {
			opts.ChunkOverlap = defaults.ChunkOverlap
		}
	}

	switch {
	case opts.ChunkSize < MinChunkSize:
		slog.Warn("chunk size below minimum, clamping", "requested", opts.ChunkSize, "min", MinChunkSize)
		opts.ChunkSize = MinChunkSize
	case opts.ChunkSize > MaxChunkSize:
		slog.Warn("chunk size above maximum, clamping", "requested", opts.ChunkSize, "max", MaxChunkSize)
		opts.ChunkSize = MaxChunkSize
	}

	maxOverlap := opts.ChunkSize / 2
	switch {
	case opts.ChunkOverlap < 0:
		slog.Warn("negative chunk overlap, clamping to 0", "requested", opts.ChunkOverlap)
		opts.ChunkOverlap = 0
	case opts.ChunkOverlap > maxOverlap:
		slog.Warn("chunk overlap too large, clamping", "requested", opts.ChunkOverlap, "max", maxOverlap)
		opts.ChunkOverlap = maxOverlap
	}
	return opts
}

var blankLinesRegex = regexp.MustCompile(`\n[ \t]*\n(?:[ \t]*\n)+`)

// NormalizeText unifies line endings and collapses runs of blank lines.
func NormalizeText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = blankLinesRegex.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

type span struct {
	start, end int
}

// Chunk splits text into overlapping chunks whose cuts prefer sentence ends,
// then whitespace. Empty or whitespace-only text yields no chunks.
func Chunk(text string, opts ChunkOptions) []models.TextChunk {
	opts = normalizeOptions(opts)
	runes := []rune(NormalizeText(text))
	n := len(runes)
	if n == 0 {
		return nil
	}

	var spans []span
	start := 0
	for start < n {
		end := min(start+opts.ChunkSize, n)
		if end < n {
			end = realignCut(runes, start, end)
		}
		if strings.TrimSpace(string(runes[start:end])) != "" {
			spans = append(spans, span{start: start, end: end})
		}
		if end >= n {
			break
		}

		next := end - opts.ChunkOverlap
		if next <= start {
			next = start + 1
		}
		start = next
		if start >= n-1 {
			break
		}
	}

	processedAt := now().UTC().Format(time.RFC3339)
	sourceID, _ := opts.Metadata["source_id"].(string)

	chunks := make([]models.TextChunk, 0, len(spans))
	for i, sp := range spans {
		content := strings.TrimSpace(string(runes[sp.start:sp.end]))

		meta := make(map[string]any, len(opts.Metadata)+4)
		maps.Copy(meta, opts.Metadata)
		meta["position"] = fmt.Sprintf("%d/%d", i+1, len(spans))
		meta["chunk_index"] = i
		meta["total_chunks"] = len(spans)
		meta["processed_at"] = processedAt

		chunks = append(chunks, models.TextChunk{
			ID:          chunkID(sourceID, i, content),
			Text:        content,
			Index:       i,
			StartOffset: sp.start,
			EndOffset:   sp.end,
			Metadata:    meta,
		})
	}
	return chunks
}

// realignCut moves a cut back to just after a sentence terminator within the
// look-back window, else onto whitespace, else leaves it. The result is
// always greater than start.
func realignCut(runes []rune, start, end int) int {
	floor := max(start+1, end-sentenceLookBack)
	for i := end - 1; i >= floor; i-- {
		if isSentenceEnd(runes[i]) {
			return i + 1
		}
	}

	floor = max(start+1, end-spaceLookBack)
	for i := end - 1; i >= floor; i-- {
		if unicode.IsSpace(runes[i]) {
			return i
		}
	}
	return end
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？', '\n':
		return true
	}
	return false
}

func chunkID(sourceID string, index int, content string) string {
	prefix := sourceID
	if prefix == "" {
		prefix = "chunk"
	}
	return fmt.Sprintf("%s:%d:%016x", prefix, index, xxhash.Sum64String(content))
}

// ComputeStats summarizes chunk lengths. Empty input yields all zeros.
func ComputeStats(chunks []models.TextChunk) ChunkStats {
	if len(chunks) == 0 {
		return ChunkStats{}
	}

	stats := ChunkStats{TotalChunks: len(chunks), MinChunkSize: -1}
	for _, c := range chunks {
		size := len([]rune(c.Text))
		stats.TotalCharacters += size
		if stats.MinChunkSize < 0 || size < stats.MinChunkSize {
			stats.MinChunkSize = size
		}
		if size > stats.MaxChunkSize {
			stats.MaxChunkSize = size
		}
	}
	stats.AverageChunkSize = float64(stats.TotalCharacters) / float64(stats.TotalChunks)
	return stats
}
