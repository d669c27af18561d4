package orchestrator

import (
	"time"

	"github.com/johndauphine/legacy-migrate/internal/checkpoint"
	"github.com/johndauphine/legacy-migrate/internal/planner"
)

// MigrationResult contains the result of a migration run for JSON output.
type MigrationResult struct {
	RunID            string                  `json:"run_id"`
	Status           string                  `json:"status"`
	StartedAt        time.Time               `json:"started_at"`
	CompletedAt      time.Time               `json:"completed_at"`
	DurationSeconds  float64                 `json:"duration_seconds"`
	Levels           [][]string              `json:"levels"`
	EntitiesTotal    int                     `json:"entities_total"`
	EntitiesSuccess  int                     `json:"entities_success"`
	EntitiesFailed   int                     `json:"entities_failed"`
	RecordsProcessed int64                   `json:"records_processed"`
	RecordsWritten   int64                   `json:"records_written"`
	RecordsDeleted   int64                   `json:"records_deleted"`
	RecordsFailed    int64                   `json:"records_failed"`
	RecordsPerSecond float64                 `json:"records_per_second"`
	FailedEntities   []string                `json:"failed_entities"`
	Cycle            []string                `json:"cycle,omitempty"`
	Halt             *HaltSummary            `json:"halt,omitempty"`
	Entities         []*planner.EntityResult `json:"entities,omitempty"`
	Error            string                  `json:"error,omitempty"`
}

// Entity returns the result of one entity, or nil.
func (r *MigrationResult) Entity(name string) *planner.EntityResult {
	for _, er := range r.Entities {
		if er.EntityType == name {
			return er
		}
	}
	return nil
}

// HaltSummary is the JSON form of a planner.HaltError.
type HaltSummary struct {
	Entity       string   `json:"entity"`
	Reason       string   `json:"reason"`
	CheckpointID string   `json:"checkpoint_id,omitempty"`
	ManualSteps  []string `json:"manual_steps,omitempty"`
}

func newMigrationResult(exec *planner.ExecutionResult, completedAt time.Time) *MigrationResult {
	r := &MigrationResult{
		RunID:           exec.RunID,
		StartedAt:       exec.StartedAt,
		CompletedAt:     completedAt,
		DurationSeconds: exec.Duration.Seconds(),
		Levels:          exec.Levels,
		EntitiesTotal:   len(exec.Entities),
		Entities:        exec.Entities,
		FailedEntities:  []string{},
	}
	for _, er := range exec.Entities {
		r.RecordsProcessed += er.RecordsProcessed
		r.RecordsWritten += er.RecordsWritten
		r.RecordsDeleted += er.RecordsDeleted
		r.RecordsFailed += er.RecordsFailed
		switch er.Status {
		case checkpoint.EntityCompleted:
			r.EntitiesSuccess++
		case checkpoint.EntityFailed:
			r.EntitiesFailed++
			r.FailedEntities = append(r.FailedEntities, er.EntityType)
		}
	}
	if r.DurationSeconds > 0 {
		r.RecordsPerSecond = float64(r.RecordsProcessed) / r.DurationSeconds
	}
	if exec.Cycle != nil {
		r.Cycle = exec.Cycle.Entities
	}
	if h := exec.Halt; h != nil {
		r.Halt = &HaltSummary{Entity: h.Entity, Reason: h.Reason, CheckpointID: h.CheckpointID, ManualSteps: h.ManualSteps}
	}
	return r
}

// StatusResult contains the status of a run for JSON output.
type StatusResult struct {
	RunID            string                    `json:"run_id"`
	Status           string                    `json:"status"`
	Phase            string                    `json:"phase"`
	StartedAt        time.Time                 `json:"started_at"`
	CompletedAt      *time.Time                `json:"completed_at,omitempty"`
	EntitiesTotal    int                       `json:"entities_total"`
	EntitiesComplete int                       `json:"entities_complete"`
	EntitiesRunning  int                       `json:"entities_running"`
	EntitiesPending  int                       `json:"entities_pending"`
	EntitiesFailed   int                       `json:"entities_failed"`
	RecordsProcessed int64                     `json:"records_processed"`
	RecordsTotal     int64                     `json:"records_total"`
	ProgressPercent  float64                   `json:"progress_percent"`
	Entities         []checkpoint.EntityStatus `json:"entities"`
	Checkpoints      int                       `json:"checkpoints"`
	LastCheckpoint   *checkpoint.Checkpoint    `json:"last_checkpoint,omitempty"`
	Errors           int                       `json:"errors"`
	Error            string                    `json:"error,omitempty"`
}

// Resumable reports whether Resume can pick the run up.
func (s *StatusResult) Resumable() bool {
	return s.Status != checkpoint.RunCompleted && s.EntitiesTotal > 0
}
