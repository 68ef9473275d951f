package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/raphaelgruber/vecsync/internal/parser"
	"github.com/spf13/cobra"
)

var (
	chunkSize    int
	chunkOverlap int
	chunkQuiet   bool
)

var chunkCmd = &cobra.Command{
	Use:   "chunk <file>",
	Short: "Preview how a file is split into chunks",
	Long: `Parse a file the way FILE_PROCESS jobs do and print the resulting chunks
with their offsets. Nothing is embedded or stored.

Examples:
  vecsync chunk notes/roadmap.md
  vecsync chunk README.txt --size 500 --overlap 50 --quiet`,
	Args: cobra.ExactArgs(1),
	RunE: runChunk,
}

func init() {
	chunkCmd.Flags().IntVar(&chunkSize, "size", 0, "chunk size in characters (default from config)")
	chunkCmd.Flags().IntVar(&chunkOverlap, "overlap", -1, "chunk overlap in characters (default from config)")
	chunkCmd.Flags().BoolVarP(&chunkQuiet, "quiet", "q", false, "only print statistics")
}

func runChunk(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	opts := cfg.ChunkOptions()
	if chunkSize > 0 {
		opts.ChunkSize = chunkSize
	}
	if chunkOverlap >= 0 {
		opts.ChunkOverlap = chunkOverlap
	}

	doc := parser.ParseDocument(filepath.Base(args[0]), string(data))
	chunks := parser.Chunk(doc.PlainText(), opts)

	if !chunkQuiet {
		for _, c := range chunks {
			fmt.Println(defaultTheme.heading(fmt.Sprintf("Chunk %d", c.Index)) +
				defaultTheme.hint(fmt.Sprintf(" [%d:%d] %s", c.StartOffset, c.EndOffset, c.ID)))
			fmt.Println(indent(c.Text, "  "))
			fmt.Println()
		}
	}

	stats := parser.ComputeStats(chunks)
	fmt.Println(defaultTheme.heading("Statistics"))
	if doc.Title != "" {
		fmt.Printf("  Title:           %s\n", doc.Title)
	}
	fmt.Printf("  Chunks:          %d\n", stats.TotalChunks)
	fmt.Printf("  Characters:      %d\n", stats.TotalCharacters)
	fmt.Printf("  Average size:    %.1f\n", stats.AverageChunkSize)
	fmt.Printf("  Min / max size:  %d / %d\n", stats.MinChunkSize, stats.MaxChunkSize)
	return nil
}

func indent(s, prefix string) string {
	return prefix + strings.ReplaceAll(s, "\n", "\n"+prefix)
}
