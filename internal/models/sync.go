package models

import "time"

// SyncRunStatus is the status of a sync run.
type SyncRunStatus string

const (
	SyncRunRunning   SyncRunStatus = "running"
	SyncRunCompleted SyncRunStatus = "completed"
	SyncRunFailed    SyncRunStatus = "failed"
)

// SyncRun is the persisted record of one synchronization of one source item.
// It is written when the run starts and updated with its outcome.
type SyncRun struct {
	RunID               string        `json:"run_id"`
	SourceItemID        string        `json:"source_item_id"`
	Namespace           string        `json:"namespace"`
	Status              SyncRunStatus `json:"status"`
	BlocksProcessed     int           `json:"blocks_processed"`
	PropertiesProcessed int           `json:"properties_processed"`
	VectorsCreated      int           `json:"vectors_created"`
	Error               string        `json:"error,omitempty"`
	StartedAt           time.Time     `json:"started_at"`
	CompletedAt         time.Time     `json:"completed_at"`
}
