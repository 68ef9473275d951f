package cli

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/raphaelgruber/vecsync/internal/metastore"
	"github.com/raphaelgruber/vecsync/internal/models"
	"github.com/raphaelgruber/vecsync/internal/service"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var (
	jobsStatus string
	jobsLimit  int

	submitParams   []string
	submitPriority int
	submitAttempts int
	submitWait     bool
)

var jobsCmd = &cobra.Command{
	Use:   "jobs [job-id]",
	Short: "List or inspect jobs",
	Long: `List persisted jobs or inspect a specific job by ID.

Examples:
  vecsync jobs                   # List recent jobs
  vecsync jobs --status failed   # Only failed jobs
  vecsync jobs abc12345          # Show details for job abc12345`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJobs,
}

var submitCmd = &cobra.Command{
	Use:   "submit <type>",
	Short: "Submit a job and run it",
	Long: `Submit a job of type CREATE_VECTOR, DELETE_VECTORS, FILE_PROCESS or
SYNC_SOURCE. The job runs in this process; interrupted jobs are picked up
again by 'vecsync worker'.

Examples:
  vecsync submit CREATE_VECTOR --param text="hello world" --param namespace=notes
  vecsync submit FILE_PROCESS --param file_path=./notes/roadmap.md --wait
  vecsync submit SYNC_SOURCE --param source_item_id=doc-1 --priority 5`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job that has not started its current attempt",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Resume unfinished jobs and run them to completion",
	Args:  cobra.NoArgs,
	RunE:  runWorker,
}

func init() {
	jobsCmd.Flags().StringVar(&jobsStatus, "status", "", "filter by status (queued, processing, retrying, completed, failed, cancelled)")
	jobsCmd.Flags().IntVarP(&jobsLimit, "limit", "n", 50, "max jobs to list")

	submitCmd.Flags().StringArrayVarP(&submitParams, "param", "p", nil, "job parameter as key=value (repeatable)")
	submitCmd.Flags().IntVar(&submitPriority, "priority", 0, "dispatch priority, higher runs first")
	submitCmd.Flags().IntVar(&submitAttempts, "max-attempts", 0, "attempt budget (default from config)")
	submitCmd.Flags().BoolVarP(&submitWait, "wait", "w", false, "show a progress bar until the job finishes")
}

func runJobs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := application.Store()
	if err != nil {
		return err
	}

	if len(args) == 1 {
		job, err := store.GetJob(ctx, args[0])
		if err != nil {
			if errors.Is(err, metastore.ErrNotFound) {
				return fmt.Errorf("job not found: %s", args[0])
			}
			return err
		}
		printJob(job)
		return nil
	}

	status := models.JobStatus(strings.ToLower(jobsStatus))
	if status != "" && !isJobStatus(status) {
		return fmt.Errorf("unknown status %q", jobsStatus)
	}
	jobs, err := store.ListJobs(ctx, status, jobsLimit)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	fmt.Printf("%-10s %-16s %-12s %-9s %s\n", "ID", "TYPE", "STATUS", "ATTEMPTS", "CREATED")
	fmt.Println(strings.Repeat("-", 72))
	for _, job := range jobs {
		fmt.Printf("%-10s %-16s %-12s %-9s %s\n",
			job.ID, job.Type, defaultTheme.status(string(job.Status)),
			fmt.Sprintf("%d/%d", job.Attempts, job.MaxAttempts),
			job.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func printJob(job *models.Job) {
	fmt.Println(defaultTheme.heading("Job: " + job.ID))
	fmt.Printf("  Type: %s\n", job.Type)
	fmt.Printf("  Status: %s\n", defaultTheme.status(string(job.Status)))
	fmt.Printf("  Attempts: %d/%d\n", job.Attempts, job.MaxAttempts)
	fmt.Printf("  Priority: %d\n", job.Priority)
	fmt.Printf("  Created: %s\n", job.CreatedAt.Format(time.RFC3339))
	if job.StartedAt != nil {
		fmt.Printf("  Started: %s\n", job.StartedAt.Format(time.RFC3339))
	}
	if job.CompletedAt != nil {
		fmt.Printf("  Completed: %s\n", job.CompletedAt.Format(time.RFC3339))
		if job.StartedAt != nil {
			fmt.Printf("  Duration: %s\n", job.CompletedAt.Sub(*job.StartedAt).Round(time.Millisecond))
		}
	}
	if job.Error != "" {
		fmt.Printf("  Error: %s\n", defaultTheme.failure(job.Error))
	}
	if len(job.Params) > 0 {
		fmt.Println("\nParams:")
		fmt.Print(formatResult(job.Params))
	}
	if len(job.Result) > 0 {
		fmt.Println("\nResult:")
		fmt.Print(formatResult(job.Result))
	}
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	jobType := models.JobType(strings.ToUpper(args[0]))
	params, err := parseParams(submitParams)
	if err != nil {
		return err
	}

	manager, err := application.Manager(ctx)
	if err != nil {
		return err
	}

	opts := []service.JobOption{service.WithPriority(submitPriority)}
	if submitAttempts > 0 {
		opts = append(opts, service.WithMaxAttempts(submitAttempts))
	}
	job, err := manager.CreateJob(ctx, jobType, params, opts...)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	fmt.Printf("Job %s created (%s)\n", job.ID, job.Type)

	if submitWait {
		return RunJobProgress(manager, job)
	}

	final, err := manager.WaitForJob(ctx, job.ID)
	if err != nil {
		fmt.Println(defaultTheme.hint("Interrupted; run 'vecsync worker' to resume unfinished jobs."))
		return nil
	}
	return reportJob(final)
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := application.Store()
	if err != nil {
		return err
	}

	// Conditional on the stored status; a worker that owns the job sees the
	// cancellation at its next checkpoint.
	cancelled, err := store.CancelJob(ctx, args[0])
	if err != nil {
		return err
	}
	if !cancelled {
		job, err := store.GetJob(ctx, args[0])
		if err != nil {
			if errors.Is(err, metastore.ErrNotFound) {
				return fmt.Errorf("job not found: %s", args[0])
			}
			return err
		}
		return fmt.Errorf("job %s is %s and cannot be cancelled", job.ID, job.Status)
	}
	fmt.Println(defaultTheme.success("✓ Cancelled job " + args[0]))
	return nil
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager, err := application.Manager(ctx)
	if err != nil {
		return err
	}
	n, err := manager.ResumeIncomplete(ctx)
	if err != nil {
		return err
	}
	if n == 0 {
		fmt.Println("No unfinished jobs")
		return nil
	}
	fmt.Printf("Resumed %d job(s)\n", n)

	for _, job := range manager.ListJobs() {
		final, err := manager.WaitForJob(ctx, job.ID)
		if err != nil {
			fmt.Println(defaultTheme.hint("Interrupted; unfinished jobs stay queued."))
			return nil
		}
		fmt.Printf("%s %s %s\n", final.ID, final.Type, statusLabel(final))
	}

	stats := manager.Statistics()
	fmt.Printf("\n%d completed, %d failed, %d cancelled\n", stats.Completed, stats.Failed, stats.Cancelled)
	printMetrics(application.collector.Snapshot())
	return nil
}

func reportJob(job *models.Job) error {
	fmt.Println(statusLabel(job))
	if job.Status == models.JobCompleted {
		fmt.Print(formatResult(job.Result))
		return nil
	}
	return fmt.Errorf("job %s %s after %d attempt(s): %s", job.ID, job.Status, job.Attempts, job.Error)
}

func statusLabel(job *models.Job) string {
	switch job.Status {
	case models.JobCompleted:
		return defaultTheme.success("✓ completed")
	case models.JobFailed:
		return defaultTheme.failure("✗ failed")
	default:
		return defaultTheme.status(string(job.Status))
	}
}

// parseParams turns key=value pairs into job params. Integer and boolean
// values are converted.
func parseParams(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid param %q, expected key=value", pair)
		}
		if existing, dup := params[key]; dup {
			// Repeated keys build a list, e.g. ids.
			switch v := existing.(type) {
			case []string:
				params[key] = append(v, value)
			default:
				params[key] = []string{fmt.Sprint(v), value}
			}
			continue
		}
		if n, err := strconv.Atoi(value); err == nil {
			params[key] = n
		} else if b, err := strconv.ParseBool(value); err == nil {
			params[key] = b
		} else {
			params[key] = value
		}
	}
	return params, nil
}

func isJobStatus(s models.JobStatus) bool {
	return lo.Contains(models.JobStatuses, s)
}
