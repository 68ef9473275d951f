// Package workflow provides memoized, resumable step execution and a small
// durable workflow runtime built on it.
package workflow

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"
)

// StepStatus is the outcome recorded for a step.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepSucceeded StepStatus = "SUCCEEDED"
	StepFailed    StepStatus = "FAILED"
	StepSkipped   StepStatus = "SKIPPED"
)

// StepRecord is one append-only entry in a run's step log.
type StepRecord struct {
	RunID       string          `json:"run_id"`
	Name        string          `json:"name"`
	Status      StepStatus      `json:"status"`
	Output      json.RawMessage `json:"output,omitempty"`
	Critical    bool            `json:"critical"`
	Error       string          `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
}

// StepStore persists step records. Records are never updated or deleted
// by the executor; a SUCCEEDED record is authoritative for its (run, name).
type StepStore interface {
	Append(ctx context.Context, rec StepRecord) error
	// Succeeded returns the SUCCEEDED record for the step, or nil if none exists.
	Succeeded(ctx context.Context, runID, name string) (*StepRecord, error)
	List(ctx context.Context, runID string) ([]StepRecord, error)
}

type stepKey struct {
	runID string
	name  string
}

// MemoryStore is an in-process StepStore.
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[string][]StepRecord
	succeeded map[stepKey]StepRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[string][]StepRecord),
		succeeded: make(map[stepKey]StepRecord),
	}
}

func (s *MemoryStore) Append(_ context.Context, rec StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.Output = slices.Clone(rec.Output)
	s.records[rec.RunID] = append(s.records[rec.RunID], rec)
	if rec.Status == StepSucceeded {
		key := stepKey{rec.RunID, rec.Name}
		if _, ok := s.succeeded[key]; !ok {
			s.succeeded[key] = rec
		}
	}
	return nil
}

func (s *MemoryStore) Succeeded(_ context.Context, runID, name string) (*StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.succeeded[stepKey{runID, name}]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *MemoryStore) List(_ context.Context, runID string) ([]StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.records[runID]), nil
}
