package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var schemaWipe bool

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Initialize the vector index schema and migrate the metadata store",
	Long: `Define the vector table and its HNSW index with the configured embedding
dimension, then create or migrate the metadata store tables.

Use --wipe to delete all stored vectors, keeping the schema.`,
	Args: cobra.NoArgs,
	RunE: runSchema,
}

func init() {
	schemaCmd.Flags().BoolVar(&schemaWipe, "wipe", false, "delete all stored vectors")
}

func runSchema(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	if _, err := application.Store(); err != nil {
		return err
	}
	fmt.Printf("%s metadata store (%s)\n", defaultTheme.success("✓"), cfg.Store.Driver)

	index, err := application.Index(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%s vector index (dimension %d)\n", defaultTheme.success("✓"), cfg.Embedding.Dimension)

	if schemaWipe {
		if err := index.WipeData(ctx); err != nil {
			return fmt.Errorf("wipe vectors: %w", err)
		}
		fmt.Printf("%s wiped vectors\n", defaultTheme.success("✓"))
	}
	return nil
}
