package cli

import (
	"encoding/json"
	"fmt"

	"github.com/raphaelgruber/vecsync/internal/db"
	"github.com/raphaelgruber/vecsync/internal/metrics"
	"github.com/raphaelgruber/vecsync/internal/models"
	"github.com/raphaelgruber/vecsync/internal/service"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var (
	statsJSON    bool
	statsVectors bool
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job statistics, recent sync runs and runtime metrics",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "print as JSON")
	statsCmd.Flags().BoolVar(&statsVectors, "vectors", false, "include vector counts per namespace (connects to the index)")
}

type statsReport struct {
	Jobs     service.JobStatistics `json:"jobs"`
	SyncRuns []models.SyncRun      `json:"sync_runs"`
	Vectors  []db.NamespaceCount   `json:"vectors,omitempty"`
	Metrics  metrics.Snapshot      `json:"metrics"`
}

func runStats(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	store, err := application.Store()
	if err != nil {
		return err
	}

	jobs, err := store.ListJobs(ctx, "", 0)
	if err != nil {
		return err
	}
	counts := lo.CountValuesBy(jobs, func(j *models.Job) models.JobStatus { return j.Status })
	report := statsReport{
		Jobs: service.JobStatistics{
			Queued:     counts[models.JobQueued],
			Processing: counts[models.JobProcessing],
			Retrying:   counts[models.JobRetrying],
			Completed:  counts[models.JobCompleted],
			Failed:     counts[models.JobFailed],
			Cancelled:  counts[models.JobCancelled],
			Total:      len(jobs),
		},
		Metrics: application.collector.Snapshot(),
	}

	report.SyncRuns, err = store.ListSyncRuns(ctx, "", 5)
	if err != nil {
		return err
	}

	if statsVectors {
		index, err := application.Index(ctx)
		if err != nil {
			return err
		}
		report.Vectors, err = index.CountVectors(ctx)
		if err != nil {
			return err
		}
	}

	if statsJSON {
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	j := report.Jobs
	fmt.Println(defaultTheme.heading("Jobs"))
	fmt.Printf("  queued %d · processing %d · retrying %d\n", j.Queued, j.Processing, j.Retrying)
	fmt.Printf("  completed %s · failed %s · cancelled %d · total %d\n",
		defaultTheme.success(fmt.Sprint(j.Completed)), defaultTheme.failure(fmt.Sprint(j.Failed)), j.Cancelled, j.Total)

	fmt.Println(defaultTheme.heading("\nRecent sync runs"))
	if len(report.SyncRuns) == 0 {
		fmt.Println("  none")
	}
	for _, r := range report.SyncRuns {
		line := fmt.Sprintf("  %-14s %-20s %-10s vectors=%d", r.RunID, r.SourceItemID, r.Status, r.VectorsCreated)
		if r.Error != "" {
			line += " " + defaultTheme.failure(r.Error)
		}
		fmt.Println(line)
	}

	if report.Vectors != nil {
		fmt.Println(defaultTheme.heading("\nVectors"))
		for _, c := range report.Vectors {
			fmt.Printf("  %-20s %d\n", c.Namespace, c.Count)
		}
	}

	printMetrics(report.Metrics)
	return nil
}

// printMetrics prints the operations this process has timed.
func printMetrics(snap metrics.Snapshot) {
	fmt.Println(defaultTheme.heading("\nRuntime"))
	fmt.Printf("  uptime %.1fs\n", snap.UptimeSeconds)
	ops := []struct {
		name string
		op   *metrics.OperationSnapshot
	}{
		{metrics.OpEmbedding, snap.Embedding},
		{metrics.OpIndexInsert, snap.IndexInsert},
		{metrics.OpIndexQuery, snap.IndexQuery},
		{metrics.OpIndexDelete, snap.IndexDelete},
		{metrics.OpSourceFetch, snap.SourceFetch},
		{metrics.OpPipelineRun, snap.PipelineRun},
	}
	for _, o := range ops {
		if o.op != nil {
			fmt.Printf("  %-14s count=%d avg=%.1fms min=%dms max=%dms errors=%d\n",
				o.name, o.op.Count, o.op.AvgTimeMs, o.op.MinTimeMs, o.op.MaxTimeMs, o.op.Errors)
		}
	}
}
