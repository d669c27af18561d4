package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/johndauphine/legacy-migrate/internal/logging"
	"golang.org/x/time/rate"
)

// ProgressUpdate is one JSON line for automation (Airflow, CI logs).
type ProgressUpdate struct {
	Timestamp        string     `json:"timestamp"`
	Kind             EventKind  `json:"kind"`
	EntityType       string     `json:"entity_type,omitempty"`
	Status           Status     `json:"status,omitempty"`
	RecordsProcessed int64      `json:"records_processed"`
	RecordsTotal     int64      `json:"records_total,omitempty"`
	ProgressPct      float64    `json:"progress_pct"`
	RecordsPerSecond float64    `json:"records_per_second,omitempty"`
	ETA              *time.Time `json:"eta,omitempty"`
	Alert            *Alert     `json:"alert,omitempty"`
}

// Reporter defines the interface for progress reporting.
type Reporter interface {
	// Report emits a progress update (may be throttled)
	Report(update ProgressUpdate)
	// ReportImmediate emits a progress update immediately, bypassing throttling
	ReportImmediate(update ProgressUpdate)
	// Close cleans up any resources
	Close()
}

// JSONReporter outputs JSON progress updates to a writer (typically stderr).
type JSONReporter struct {
	writer  io.Writer
	mu      sync.Mutex
	limiter *rate.Limiter
	closed  bool
}

// NewJSONReporter creates a new JSON progress reporter.
// interval specifies the minimum time between throttled updates; zero
// disables throttling.
func NewJSONReporter(writer io.Writer, interval time.Duration) *JSONReporter {
	if writer == nil {
		writer = os.Stderr
	}
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &JSONReporter{
		writer:  writer,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Report emits a JSON progress update unless the rate limit was hit.
func (r *JSONReporter) Report(update ProgressUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || !r.limiter.Allow() {
		return
	}
	r.write(update)
}

// ReportImmediate emits a progress update immediately, bypassing throttling.
// Use for important state changes like completion and alerts.
func (r *JSONReporter) ReportImmediate(update ProgressUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.write(update)
}

func (r *JSONReporter) write(update ProgressUpdate) {
	if update.Timestamp == "" {
		update.Timestamp = time.Now().Format(time.RFC3339)
	}

	data, err := json.Marshal(update)
	if err != nil {
		logging.Warn("Failed to marshal progress update: %v", err)
		return
	}

	fmt.Fprintln(r.writer, string(data))
}

// Close marks the reporter as closed.
func (r *JSONReporter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// NullReporter is a no-op reporter for when progress reporting is disabled.
type NullReporter struct{}

// Report does nothing.
func (r *NullReporter) Report(update ProgressUpdate) {}

// ReportImmediate does nothing.
func (r *NullReporter) ReportImmediate(update ProgressUpdate) {}

// Close does nothing.
func (r *NullReporter) Close() {}

// UpdateFromEvent converts a tracker event to a report line.
func UpdateFromEvent(ev Event) ProgressUpdate {
	u := ProgressUpdate{Kind: ev.Kind}
	if s := ev.Snapshot; s != nil {
		u.EntityType = s.EntityType
		u.Status = s.Status
		u.RecordsProcessed = s.RecordsProcessed
		u.RecordsTotal = s.RecordsTotal
		u.ProgressPct = s.PercentageComplete
		u.RecordsPerSecond = s.RecordsPerSecond
		u.ETA = s.EstimatedCompletion
		u.Timestamp = s.TakenAt.Format(time.RFC3339)
	}
	if a := ev.Alert; a != nil {
		u.EntityType = a.EntityType
		u.Alert = a
		u.Timestamp = a.RaisedAt.Format(time.RFC3339)
	}
	return u
}

// Forward streams tracker events into a reporter until ctx is done or the
// subscription closes. Snapshots are throttled except terminal ones;
// alerts always go through.
func Forward(ctx context.Context, t *Tracker, r Reporter) {
	events, unsubscribe := t.Subscribe(256)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			u := UpdateFromEvent(ev)
			if ev.Kind == EventSnapshot && !terminal(ev.Snapshot.Status) {
				r.Report(u)
			} else {
				r.ReportImmediate(u)
			}
		}
	}
}

func terminal(s Status) bool {
	return s == StatusCompleted || s == StatusError || s == StatusPaused
}
