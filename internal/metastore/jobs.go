package metastore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/raphaelgruber/vecsync/internal/models"
	"github.com/samber/lo"
	"gorm.io/gorm/clause"
)

// SaveJob inserts or replaces a job snapshot. A stored terminal job is only
// replaced by a snapshot with the same status; anything else returns
// models.ErrJobFinalized.
func (s *Store) SaveJob(ctx context.Context, job *models.Job) error {
	rec, err := jobToRecord(job)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			UpdateAll: true,
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Expr{
					SQL:  "jobs.status NOT IN ? OR jobs.status = excluded.status",
					Vars: []any{terminalStatuses()},
				},
			}},
		}).
		Create(rec)
	if res.Error != nil {
		return fmt.Errorf("save job %s: %w", job.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("save job %s as %s: %w", job.ID, job.Status, models.ErrJobFinalized)
	}
	return nil
}

// CancelJob cancels a job that is waiting for dispatch (queued or retrying).
// It reports false when the job is in any other status. A manager owning the
// job notices at its next checkpoint, when its save is refused.
func (s *Store) CancelJob(ctx context.Context, id string) (bool, error) {
	now := time.Now()
	res := s.db.WithContext(ctx).
		Model(&JobRecord{}).
		Where("id = ? AND status IN ?", id, []string{string(models.JobQueued), string(models.JobRetrying)}).
		Updates(map[string]any{
			"status":       string(models.JobCancelled),
			"updated_at":   now,
			"completed_at": now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("cancel job %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// GetJob loads a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var rec JobRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, notFound(err))
	}
	return recordToJob(&rec)
}

// ListJobs returns the most recent jobs, optionally filtered by status.
func (s *Store) ListJobs(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var recs []JobRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return recordsToJobs(recs)
}

// IncompleteJobs returns jobs that never reached a terminal status, oldest
// first.
func (s *Store) IncompleteJobs(ctx context.Context) ([]*models.Job, error) {
	var recs []JobRecord
	err := s.db.WithContext(ctx).
		Where("status NOT IN ?", terminalStatuses()).
		Order("created_at ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("incomplete jobs: %w", err)
	}
	return recordsToJobs(recs)
}

// DeleteJobs removes jobs by id.
func (s *Store) DeleteJobs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&JobRecord{}).Error; err != nil {
		return fmt.Errorf("delete jobs: %w", err)
	}
	return nil
}

func terminalStatuses() []string {
	return lo.FilterMap(models.JobStatuses, func(st models.JobStatus, _ int) (string, bool) {
		return string(st), st.Terminal()
	})
}

func jobToRecord(job *models.Job) (*JobRecord, error) {
	params, err := marshalJSON(job.Params)
	if err != nil {
		return nil, fmt.Errorf("encode params of job %s: %w", job.ID, err)
	}
	result, err := marshalJSON(job.Result)
	if err != nil {
		return nil, fmt.Errorf("encode result of job %s: %w", job.ID, err)
	}
	return &JobRecord{
		ID:          job.ID,
		Type:        string(job.Type),
		Status:      string(job.Status),
		Params:      params,
		Result:      result,
		ErrorText:   job.Error,
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
		Priority:    job.Priority,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}, nil
}

func recordToJob(rec *JobRecord) (*models.Job, error) {
	job := &models.Job{
		ID:          rec.ID,
		Type:        models.JobType(rec.Type),
		Status:      models.JobStatus(rec.Status),
		Error:       rec.ErrorText,
		Attempts:    rec.Attempts,
		MaxAttempts: rec.MaxAttempts,
		Priority:    rec.Priority,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
		StartedAt:   rec.StartedAt,
		CompletedAt: rec.CompletedAt,
	}
	if err := unmarshalJSON(rec.Params, &job.Params); err != nil {
		return nil, fmt.Errorf("decode params of job %s: %w", rec.ID, err)
	}
	if err := unmarshalJSON(rec.Result, &job.Result); err != nil {
		return nil, fmt.Errorf("decode result of job %s: %w", rec.ID, err)
	}
	return job, nil
}

func recordsToJobs(recs []JobRecord) ([]*models.Job, error) {
	jobs := make([]*models.Job, 0, len(recs))
	for i := range recs {
		job, err := recordToJob(&recs[i])
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func marshalJSON[T any](v T) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return nil, nil
	}
	return data, nil
}

func unmarshalJSON(data []byte, out any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}
