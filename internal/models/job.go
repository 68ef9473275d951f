package models

import (
	"errors"
	"maps"
	"time"
)

// ErrJobFinalized is returned by job stores when a save would move a job out
// of a terminal status, e.g. after it was cancelled by another process.
var ErrJobFinalized = errors.New("job already finalized")

// JobType selects the handler for a job.
type JobType string

const (
	JobCreateVector  JobType = "CREATE_VECTOR"
	JobDeleteVectors JobType = "DELETE_VECTORS"
	JobFileProcess   JobType = "FILE_PROCESS"
	JobSyncSource    JobType = "SYNC_SOURCE"
)

// JobTypes lists every known job type.
var JobTypes = []JobType{JobCreateVector, JobDeleteVectors, JobFileProcess, JobSyncSource}

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobRetrying   JobStatus = "retrying"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// JobStatuses lists every status in lifecycle order.
var JobStatuses = []JobStatus{JobQueued, JobProcessing, JobRetrying, JobCompleted, JobFailed, JobCancelled}

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Job is one unit of asynchronous work.
type Job struct {
	ID          string         `json:"id"`
	Type        JobType        `json:"type"`
	Params      map[string]any `json:"params,omitempty"`
	Status      JobStatus      `json:"status"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	Priority    int            `json:"priority"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Clone returns a copy that shares no maps or pointers with j.
func (j *Job) Clone() *Job {
	c := *j
	c.Params = maps.Clone(j.Params)
	c.Result = maps.Clone(j.Result)
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
