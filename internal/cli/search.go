package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	searchNamespace string
	searchTop       int
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the vector index",
	Long: `Embed the query and return the nearest vectors of one namespace.

Examples:
  vecsync search "release plan"
  vecsync search "token refresh" --namespace wiki --top 10`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().StringVarP(&searchNamespace, "namespace", "N", "", "vector namespace (default from config)")
	searchCmd.Flags().IntVarP(&searchTop, "top", "k", 5, "max results")
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	vectors, err := application.Vectors(ctx)
	if err != nil {
		return err
	}

	ns := searchNamespace
	if ns == "" {
		ns = cfg.Sync.Namespace
	}
	matches, err := vectors.Search(ctx, ns, args[0], searchTop)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}
	if len(matches) == 0 {
		fmt.Println("No results found.")
		return nil
	}

	fmt.Printf("Found %d results in %s:\n\n", len(matches), ns)
	for i, m := range matches {
		fmt.Printf("%d. %s %s\n", i+1, defaultTheme.status(fmt.Sprintf("%.3f", m.Score)), defaultTheme.hint(m.VectorID()))
		text := m.Text
		if r := []rune(text); len(r) > 160 && !verbose {
			text = string(r[:160]) + "..."
		}
		fmt.Printf("   %s\n", text)
		if verbose && len(m.Metadata) > 0 {
			fmt.Print(indent(formatResult(m.Metadata), " "))
			fmt.Println()
		}
	}
	return nil
}
