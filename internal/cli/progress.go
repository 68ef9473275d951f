package cli

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/raphaelgruber/vecsync/internal/models"
)

const pollInterval = 500 * time.Millisecond

// JobSource returns the latest snapshot of a job, or nil if unknown.
type JobSource interface {
	GetJob(id string) *models.Job
}

// tickMsg triggers polling the job status
type tickMsg time.Time

// jobUpdateMsg carries the updated job data
type jobUpdateMsg struct {
	job *models.Job
}

// progressModel is the bubbletea model for job progress.
type progressModel struct {
	source   JobSource
	jobID    string
	job      *models.Job
	progress progress.Model
	theme    Theme
	done     bool
	quitting bool
	err      error
}

func newProgressModel(src JobSource, job *models.Job) progressModel {
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)
	return progressModel{
		source:   src,
		jobID:    job.ID,
		job:      job,
		progress: prog,
		theme:    defaultTheme,
	}
}

// Init returns the initial command (start polling).
func (m progressModel) Init() tea.Cmd {
	return tea.Batch(tickCmd(), m.progress.Init())
}

// Update handles messages and returns the updated model.
func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case tickMsg:
		return m, m.fetchJob()

	case jobUpdateMsg:
		if msg.job == nil {
			m.err = fmt.Errorf("job %s disappeared", m.jobID)
			m.done = true
			return m, tea.Quit
		}
		m.job = msg.job

		switch m.job.Status {
		case models.JobCompleted:
			m.done = true
			return m, tea.Quit
		case models.JobFailed, models.JobCancelled:
			m.done = true
			if m.job.Error != "" {
				m.err = fmt.Errorf("%s", m.job.Error)
			} else {
				m.err = fmt.Errorf("job %s", m.job.Status)
			}
			return m, tea.Quit
		}
		return m, tickCmd()

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the progress display.
func (m progressModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m progressModel) renderContent() string {
	if m.done || m.quitting {
		return m.finalView()
	}
	if m.job == nil {
		return "Loading job status...\n"
	}

	status := m.theme.status(fmt.Sprintf("[%s]", m.job.Status))
	bar := m.progress.ViewAs(jobFraction(m.job))
	attempts := fmt.Sprintf("attempt %d/%d", m.job.Attempts, m.job.MaxAttempts)
	hint := m.theme.hint("Press Ctrl+C to detach; 'vecsync worker' resumes unfinished jobs")

	return fmt.Sprintf("%s %s %s\n%s\n", status, bar, attempts, hint)
}

func (m progressModel) finalView() string {
	if m.quitting {
		return m.theme.hint(fmt.Sprintf("\nDetached from job %s.\nUse 'vecsync jobs' to check its status.\n", m.jobID))
	}
	if m.err != nil {
		return m.theme.failure(fmt.Sprintf("\n✗ Job failed: %s\n", m.err))
	}
	return m.theme.success("✓ Completed") + "\n\n" + formatResult(m.job.Result)
}

// jobFraction maps the lifecycle onto the bar. Jobs report no finer progress.
func jobFraction(job *models.Job) float64 {
	switch job.Status {
	case models.JobQueued:
		return 0.05
	case models.JobRetrying:
		return 0.25
	case models.JobProcessing:
		if job.MaxAttempts > 0 {
			return 0.5 + 0.4*float64(job.Attempts-1)/float64(job.MaxAttempts)
		}
		return 0.5
	default:
		return 1
	}
}

func (m progressModel) fetchJob() tea.Cmd {
	return func() tea.Msg {
		return jobUpdateMsg{job: m.source.GetJob(m.jobID)}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// RunJobProgress runs the interactive progress UI until the job is terminal.
// Returns nil on success or detach, the job error on failure.
func RunJobProgress(src JobSource, job *models.Job) error {
	p := tea.NewProgram(newProgressModel(src, job))

	finalModel, err := p.Run()
	if err != nil {
		return fmt.Errorf("progress UI error: %w", err)
	}
	if m, ok := finalModel.(progressModel); ok {
		if m.quitting {
			return nil
		}
		return m.err
	}
	return nil
}

// formatResult renders a job result map as indented key/value lines.
func formatResult(result map[string]any) string {
	if len(result) == 0 {
		return ""
	}
	keys := make([]string, 0, len(result))
	for k := range result {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		switch v := result[k].(type) {
		case []string:
			fmt.Fprintf(&b, "  %-22s %d\n", k+":", len(v))
			for _, s := range v {
				fmt.Fprintf(&b, "    • %s\n", s)
			}
		case []any:
			fmt.Fprintf(&b, "  %-22s %d\n", k+":", len(v))
			for _, s := range v {
				fmt.Fprintf(&b, "    • %v\n", s)
			}
		default:
			fmt.Fprintf(&b, "  %-22s %v\n", k+":", v)
		}
	}
	return b.String()
}
