package metastore

import "time"

// JobRecord persists the state of a job. Params and Result are JSON.
type JobRecord struct {
	ID          string `gorm:"primaryKey;size:64"`
	Type        string `gorm:"size:32;not null"`
	Status      string `gorm:"size:32;index;not null"`
	Params      []byte
	Result      []byte
	ErrorText   string
	Attempts    int
	MaxAttempts int
	Priority    int
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// TableName keeps job persistence apart from application tables.
func (JobRecord) TableName() string {
	return "jobs"
}

// StepRecord is one entry of a workflow run's step log.
type StepRecord struct {
	Seq         uint   `gorm:"primaryKey;autoIncrement"`
	RunID       string `gorm:"size:128;index:idx_step_run_name;not null"`
	Name        string `gorm:"size:128;index:idx_step_run_name;not null"`
	Status      string `gorm:"size:16;not null"`
	Output      []byte
	Critical    bool
	ErrorText   string
	Attempts    int
	StartedAt   time.Time
	CompletedAt time.Time
}

func (StepRecord) TableName() string {
	return "workflow_steps"
}

// SyncRunRecord is the outcome of one synchronization run.
type SyncRunRecord struct {
	RunID               string `gorm:"primaryKey;size:128"`
	SourceItemID        string `gorm:"size:128;index;not null"`
	Namespace           string `gorm:"size:128"`
	Status              string `gorm:"size:16;not null"`
	BlocksProcessed     int
	PropertiesProcessed int
	VectorsCreated      int
	ErrorText           string
	StartedAt           time.Time
	CompletedAt         time.Time `gorm:"index"`
}

func (SyncRunRecord) TableName() string {
	return "sync_runs"
}

// RelationRecord links a vector to the source item it came from. There is
// one relation per vector.
type RelationRecord struct {
	Namespace    string `gorm:"primaryKey;size:128"`
	VectorID     string `gorm:"primaryKey;size:64"`
	SourceItemID string `gorm:"size:128;index:idx_relation_source;not null"`
	SubItemID    string `gorm:"size:256"`
	ContentType  string `gorm:"size:32"`
	CreatedAt    time.Time
}

func (RelationRecord) TableName() string {
	return "vector_relations"
}

// DocumentRecord is the last fetched copy of a source document.
type DocumentRecord struct {
	ID           string `gorm:"primaryKey;size:128"`
	Title        string
	URL          string
	Archived     bool
	Properties   []byte
	Raw          []byte
	LastEditedAt time.Time
	FetchedAt    time.Time
}

func (DocumentRecord) TableName() string {
	return "source_documents"
}

// BlockRecord is one content block of a fetched document.
type BlockRecord struct {
	DocumentID  string `gorm:"primaryKey;size:128"`
	Position    int    `gorm:"primaryKey"`
	BlockID     string `gorm:"size:128;not null"`
	Type        string `gorm:"size:64"`
	Text        string
	HasChildren bool
	Raw         []byte
}

func (BlockRecord) TableName() string {
	return "source_blocks"
}
