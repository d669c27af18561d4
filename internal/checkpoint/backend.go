package checkpoint

import (
	"errors"
	"time"
)

var (
	// ErrCheckpointNotFound is returned when a checkpoint id is unknown.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	// ErrRunNotFound is returned when a run id is unknown.
	ErrRunNotFound = errors.New("run not found")
	// ErrCheckpointRegression rejects a checkpoint that moves backwards.
	ErrCheckpointRegression = errors.New("checkpoint regression")
)

// Run statuses
const (
	RunRunning   = "running"
	RunPaused    = "paused"
	RunHalted    = "halted"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
	RunCompleted = "completed"
)

// Entity statuses
const (
	EntityPending   = "pending"
	EntityRunning   = "running"
	EntityCompleted = "completed"
	EntityFailed    = "failed"
	EntitySkipped   = "skipped"
)

// Control commands posted by another process
const (
	ControlPause  = "pause"
	ControlCancel = "cancel"
)

// StateBackend defines the interface for orchestration state persistence.
// Implementations include SQLite (full featured) and file-based (one run, for
// headless schedulers).
type StateBackend interface {
	// Run management
	CreateRun(id string, config any, profileName, configPath string) error
	CompleteRun(id string, status string, errorMsg string) error
	UpdateRunStatus(id string, status string) error
	UpdatePhase(runID, phase string) error
	GetLastIncompleteRun() (*Run, error)
	MarkRunAsResumed(runID string) error

	// Entity status and per-run plan
	SaveEntityStatus(es EntityStatus) error
	GetEntityStatuses(runID string) ([]EntityStatus, error)
	SavePlan(runID, entity string, recordIDs []string) error
	GetPlan(runID, entity string) ([]string, error)

	// Checkpoints
	SaveCheckpoint(cp Checkpoint) error
	GetCheckpoint(id string) (*Checkpoint, error)
	GetLatestCheckpoint(runID, entity string) (*Checkpoint, error)
	ListCheckpoints(runID string) ([]Checkpoint, error)

	// Error log
	RecordError(rec ErrorRecord) error
	GetErrors(runID string) ([]ErrorRecord, error)

	// History (file backend holds a single run)
	GetAllRuns() ([]Run, error)
	GetRunByID(runID string) (*Run, error)

	// Incremental sync baseline per entity
	GetLastSyncTimestamp(entity string) (*time.Time, error)
	UpdateSyncTimestamp(entity string, ts time.Time) error

	// Out-of-process pause/cancel requests
	RequestControl(runID, command string) error
	TakeControl(runID string) (string, error)

	// Lifecycle
	Close() error
}

// Run represents a migration run
type Run struct {
	ID          string     `yaml:"id" json:"id"`
	StartedAt   time.Time  `yaml:"started_at" json:"started_at"`
	CompletedAt *time.Time `yaml:"completed_at,omitempty" json:"completed_at,omitempty"`
	Status      string     `yaml:"status" json:"status"`
	Phase       string     `yaml:"phase" json:"phase"`
	Error       string     `yaml:"error,omitempty" json:"error,omitempty"`
	ConfigHash  string     `yaml:"config_hash,omitempty" json:"config_hash,omitempty"`
	ProfileName string     `yaml:"profile_name,omitempty" json:"profile_name,omitempty"`
	ConfigPath  string     `yaml:"config_path,omitempty" json:"config_path,omitempty"`
}

// EntityStatus is the orchestration-level record for one entity in a run.
type EntityStatus struct {
	RunID            string     `yaml:"run_id" json:"run_id"`
	Entity           string     `yaml:"entity" json:"entity"`
	DependencyOrder  int        `yaml:"dependency_order" json:"dependency_order"`
	Level            int        `yaml:"level" json:"level"`
	Status           string     `yaml:"status" json:"status"`
	RecordsTotal     int64      `yaml:"records_total" json:"records_total"`
	RecordsProcessed int64      `yaml:"records_processed" json:"records_processed"`
	RecordsFailed    int64      `yaml:"records_failed" json:"records_failed"`
	StartedAt        *time.Time `yaml:"started_at,omitempty" json:"started_at,omitempty"`
	CompletedAt      *time.Time `yaml:"completed_at,omitempty" json:"completed_at,omitempty"`
	Error            string     `yaml:"error,omitempty" json:"error,omitempty"`
}

// Terminal reports whether the entity can no longer change in this run.
func (es EntityStatus) Terminal() bool {
	switch es.Status {
	case EntityCompleted, EntityFailed, EntitySkipped:
		return true
	}
	return false
}

// CheckpointData is the opaque payload stored with a checkpoint.
type CheckpointData struct {
	BatchSize  int       `yaml:"batch_size" json:"batch_size"`
	StartedAt  time.Time `yaml:"started_at" json:"started_at"`
	MemoryMB   float64   `yaml:"memory_mb" json:"memory_mb"`
	Reason     string    `yaml:"reason,omitempty" json:"reason,omitempty"` // interval, pause, timeout, halt
	FailedIDs  []string  `yaml:"failed_ids,omitempty" json:"failed_ids,omitempty"`
	TotalCount int64     `yaml:"total_count" json:"total_count"`
}

// Checkpoint is a durable resumption point for one entity.
type Checkpoint struct {
	ID               string         `yaml:"id" json:"id"`
	RunID            string         `yaml:"run_id" json:"run_id"`
	Entity           string         `yaml:"entity" json:"entity"`
	LastProcessedID  string         `yaml:"last_processed_id" json:"last_processed_id"`
	BatchPosition    int            `yaml:"batch_position" json:"batch_position"`
	RecordsProcessed int64          `yaml:"records_processed" json:"records_processed"`
	RecordsRemaining int64          `yaml:"records_remaining" json:"records_remaining"`
	Data             CheckpointData `yaml:"data" json:"data"`
	CreatedAt        time.Time      `yaml:"created_at" json:"created_at"`
	Resumable        bool           `yaml:"resumable" json:"resumable"`
}

// StartBatchIndex is the batch a resumed entity continues from.
func (c Checkpoint) StartBatchIndex(batchSize int) int {
	if batchSize <= 0 {
		return 0
	}
	return int(c.RecordsProcessed / int64(batchSize))
}

// ErrorRecord is a persisted, classified failure.
type ErrorRecord struct {
	ID          int64     `yaml:"id" json:"id"`
	RunID       string    `yaml:"run_id" json:"run_id"`
	Entity      string    `yaml:"entity" json:"entity"`
	RecordID    string    `yaml:"record_id,omitempty" json:"record_id,omitempty"`
	Operation   string    `yaml:"operation,omitempty" json:"operation,omitempty"`
	Type        string    `yaml:"type" json:"type"`
	Severity    string    `yaml:"severity" json:"severity"`
	Message     string    `yaml:"message" json:"message"`
	Action      string    `yaml:"action" json:"action"`
	Reason      string    `yaml:"reason" json:"reason"`
	ManualSteps []string  `yaml:"manual_steps,omitempty" json:"manual_steps,omitempty"`
	RetryCount  int       `yaml:"retry_count" json:"retry_count"`
	OccurredAt  time.Time `yaml:"occurred_at" json:"occurred_at"`
}

// checkOrder enforces that checkpoints for an entity never move backwards.
func checkOrder(prev *Checkpoint, next Checkpoint) error {
	if prev == nil {
		return nil
	}
	if next.BatchPosition < prev.BatchPosition || next.RecordsProcessed < prev.RecordsProcessed {
		return ErrCheckpointRegression
	}
	return nil
}

// Ensure both backends satisfy the interface
var (
	_ StateBackend = (*State)(nil)
	_ StateBackend = (*FileState)(nil)
)
