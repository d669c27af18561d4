package tui

import (
	"time"

	"github.com/johndauphine/legacy-migrate/internal/checkpoint"
	"github.com/johndauphine/legacy-migrate/internal/orchestrator"
	"github.com/johndauphine/legacy-migrate/internal/progress"
)

// Frame is one render of a migration: an overall line, a row per entity
// and the active alerts. It is built either from an in-process tracker or
// from the persisted run status of another process.
type Frame struct {
	RunID     string
	Status    string
	Processed int64
	Total     int64
	Percent   float64
	Rate      float64
	ETA       *time.Time
	Rows      []Row
	Alerts    []progress.Alert
	Err       string
}

// Row is the progress of one entity.
type Row struct {
	Entity    string
	Status    string
	Processed int64
	Total     int64
	Rate      float64
	ETA       *time.Time
	Error     string
}

// Terminal reports whether the frame shows a run that will not change.
func (f Frame) Terminal() bool {
	switch f.Status {
	case checkpoint.RunCompleted, checkpoint.RunFailed, checkpoint.RunCancelled, checkpoint.RunHalted, checkpoint.RunPaused:
		return true
	}
	return false
}

// FrameFromSession builds a frame from live tracker state.
func FrameFromSession(s progress.Session, alerts []progress.Alert) Frame {
	f := Frame{
		Status:    string(s.Status),
		Processed: s.RecordsProcessed,
		Total:     s.RecordsTotal,
		Percent:   s.PercentageComplete,
		Rate:      s.RecordsPerSecond,
		ETA:       s.EstimatedCompletion,
		Alerts:    alerts,
	}
	for _, snap := range s.Entities {
		f.Rows = append(f.Rows, Row{
			Entity:    snap.EntityType,
			Status:    string(snap.Status),
			Processed: snap.RecordsProcessed,
			Total:     snap.RecordsTotal,
			Rate:      snap.RecordsPerSecond,
			ETA:       snap.EstimatedCompletion,
		})
	}
	return f
}

// FrameFromStatus builds a frame from a persisted run status. Rates and
// alerts live only in the running process, so they are left empty.
func FrameFromStatus(st *orchestrator.StatusResult) Frame {
	f := Frame{
		RunID:     st.RunID,
		Status:    st.Status,
		Processed: st.RecordsProcessed,
		Total:     st.RecordsTotal,
		Percent:   st.ProgressPercent,
		Err:       st.Error,
	}
	for _, es := range st.Entities {
		f.Rows = append(f.Rows, Row{
			Entity:    es.Entity,
			Status:    es.Status,
			Processed: es.RecordsProcessed,
			Total:     es.RecordsTotal,
			Error:     es.Error,
		})
	}
	return f
}
