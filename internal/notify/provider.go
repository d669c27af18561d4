package notify

import (
	"time"

	"github.com/johndauphine/legacy-migrate/internal/progress"
)

// Provider defines the notification contract for migration events.
type Provider interface {
	// RunStarted sends notification when a run starts.
	RunStarted(runID string, entityCount int) error

	// RunCompleted sends notification when every entity completed.
	RunCompleted(runID string, startTime time.Time, duration time.Duration, entityCount int, records int64, throughput float64) error

	// RunFailed sends notification when a run fails outright.
	RunFailed(runID string, err error, duration time.Duration) error

	// RunHalted sends notification when an entity halts the run.
	RunHalted(runID, entityType, reason, checkpointID string, manualSteps []string) error

	// AlertRaised forwards a progress alert.
	AlertRaised(runID string, alert progress.Alert) error
}

// Ensure Notifier implements Provider
var _ Provider = (*Notifier)(nil)

// Nop discards every notification.
type Nop struct{}

func (Nop) RunStarted(string, int) error                                             { return nil }
func (Nop) RunCompleted(string, time.Time, time.Duration, int, int64, float64) error { return nil }
func (Nop) RunFailed(string, error, time.Duration) error                             { return nil }
func (Nop) RunHalted(string, string, string, string, []string) error                 { return nil }
func (Nop) AlertRaised(string, progress.Alert) error                                 { return nil }
