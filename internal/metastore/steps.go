package metastore

import (
	"context"
	"errors"
	"fmt"

	"github.com/raphaelgruber/vecsync/internal/workflow"
	"gorm.io/gorm"
)

// Append adds a step record to a run's log.
func (s *Store) Append(ctx context.Context, rec workflow.StepRecord) error {
	row := StepRecord{
		RunID:       rec.RunID,
		Name:        rec.Name,
		Status:      string(rec.Status),
		Output:      []byte(rec.Output),
		Critical:    rec.Critical,
		ErrorText:   rec.Error,
		Attempts:    rec.Attempts,
		StartedAt:   rec.StartedAt,
		CompletedAt: rec.CompletedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("append step %s/%s: %w", rec.RunID, rec.Name, err)
	}
	return nil
}

// Succeeded returns the first SUCCEEDED record of a step, or nil.
func (s *Store) Succeeded(ctx context.Context, runID, name string) (*workflow.StepRecord, error) {
	var row StepRecord
	err := s.db.WithContext(ctx).
		Where("run_id = ? AND name = ? AND status = ?", runID, name, string(workflow.StepSucceeded)).
		Order("seq ASC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load step %s/%s: %w", runID, name, err)
	}
	rec := stepFromRow(row)
	return &rec, nil
}

// List returns a run's step log in append order.
func (s *Store) List(ctx context.Context, runID string) ([]workflow.StepRecord, error) {
	var rows []StepRecord
	if err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list steps of %s: %w", runID, err)
	}
	out := make([]workflow.StepRecord, len(rows))
	for i, row := range rows {
		out[i] = stepFromRow(row)
	}
	return out, nil
}

func stepFromRow(row StepRecord) workflow.StepRecord {
	return workflow.StepRecord{
		RunID:       row.RunID,
		Name:        row.Name,
		Status:      workflow.StepStatus(row.Status),
		Output:      row.Output,
		Critical:    row.Critical,
		Error:       row.ErrorText,
		Attempts:    row.Attempts,
		StartedAt:   row.StartedAt,
		CompletedAt: row.CompletedAt,
	}
}
