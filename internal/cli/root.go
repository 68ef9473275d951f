// Package cli provides the command-line interface for vecsync.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/raphaelgruber/vecsync/internal/config"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose    bool
	configPath string

	// Global config, logger and lazily built components
	cfg         config.Config
	logger      *slog.Logger
	closeLogger func() error
	application *app
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "vecsync",
	Short: "Sync documents into a vector index through durable jobs",
	Long: `Vecsync ingests content into a vector index. Documents from an external
source are split into title, property and block vectors by a resumable
workflow; files and plain text are chunked and embedded as background jobs.

Jobs are persisted in the metadata store and survive restarts.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		path := configPath
		if path == "" {
			path = os.Getenv("VECSYNC_CONFIG")
		}
		var err error
		cfg, err = config.LoadFile(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if verbose {
			cfg.Log.Level = slog.LevelDebug
		}

		logger, closeLogger = config.SetupLogger(cfg.Log)
		slog.SetDefault(logger)

		application = newApp(cfg, logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if application != nil {
			if err := application.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close resources: %v\n", err)
			}
		}
		if closeLogger != nil {
			_ = closeLogger()
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (default $VECSYNC_CONFIG)")

	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(chunkCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(schemaCmd)
}
