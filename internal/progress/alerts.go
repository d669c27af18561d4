package progress

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AlertType names an alert rule.
type AlertType string

const (
	AlertLowThroughput   AlertType = "low_throughput"
	AlertHighMemory      AlertType = "high_memory"
	AlertStalledProgress AlertType = "stalled_progress"
	AlertETADeviation    AlertType = "eta_deviation"
)

// AlertSeverity ranks an alert.
type AlertSeverity string

const (
	SeverityInfo    AlertSeverity = "info"
	SeverityWarning AlertSeverity = "warning"
	SeverityError   AlertSeverity = "error"
)

// Alert is a raised threshold violation.
type Alert struct {
	ID         string        `json:"id"`
	Type       AlertType     `json:"type"`
	Severity   AlertSeverity `json:"severity"`
	EntityType string        `json:"entity_type"`
	Message    string        `json:"message"`
	Value      float64       `json:"value"`
	Threshold  float64       `json:"threshold"`
	RaisedAt   time.Time     `json:"raised_at"`
	Resolved   bool          `json:"resolved"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty"`
}

func dedupKey(typ AlertType, entityType string) string {
	return string(typ) + "|" + entityType
}

// evaluate applies the alert rules to a new snapshot; callers hold t.mu.
func (t *Tracker) evaluate(entityType string, st *entityState, snap Snapshot, stalled bool, now time.Time) []Alert {
	th := t.opts.Thresholds
	var raised []Alert

	active := snap.Status == StatusRunning || snap.Status == StatusCompleting
	if active && snap.RecordsPerSecond < th.MinThroughput {
		if a, ok := t.raise(AlertLowThroughput, SeverityWarning, entityType, snap.RecordsPerSecond, th.MinThroughput, now,
			fmt.Sprintf("%s throughput %.1f records/sec is below %.1f", entityType, snap.RecordsPerSecond, th.MinThroughput)); ok {
			raised = append(raised, a)
		}
	}

	if snap.MemoryUsageMB > th.MaxMemoryMB {
		if a, ok := t.raise(AlertHighMemory, SeverityWarning, entityType, snap.MemoryUsageMB, th.MaxMemoryMB, now,
			fmt.Sprintf("memory usage %.0f MB exceeds %.0f MB while migrating %s", snap.MemoryUsageMB, th.MaxMemoryMB, entityType)); ok {
			raised = append(raised, a)
		}
	}

	if stalled {
		if a, ok := t.stallAlert(entityType, st, now); ok {
			raised = append(raised, a)
		}
	}

	if st.lastETA != nil && snap.EstimatedCompletion != nil {
		drift := snap.EstimatedCompletion.Sub(*st.lastETA)
		if drift < 0 {
			drift = -drift
		}
		if drift > th.ETADeviation {
			if a, ok := t.raise(AlertETADeviation, SeverityInfo, entityType, drift.Minutes(), th.ETADeviation.Minutes(), now,
				fmt.Sprintf("%s completion estimate moved by %s", entityType, drift.Round(time.Second))); ok {
				raised = append(raised, a)
			}
		}
	}
	return raised
}

func (t *Tracker) stallAlert(entityType string, st *entityState, now time.Time) (Alert, bool) {
	idle := now.Sub(st.lastProgressAt)
	return t.raise(AlertStalledProgress, SeverityError, entityType, idle.Seconds(), t.opts.Thresholds.StallWindow.Seconds(), now,
		fmt.Sprintf("%s has made no progress for %s", entityType, idle.Round(time.Second)))
}

// raise records an alert unless one of the same type for the same entity
// was raised within the dedup window; callers hold t.mu.
func (t *Tracker) raise(typ AlertType, sev AlertSeverity, entityType string, value, threshold float64, now time.Time, msg string) (Alert, bool) {
	key := dedupKey(typ, entityType)
	if last, ok := t.dedup.Get(key); ok {
		if now.Sub(last.(time.Time)) < t.opts.Thresholds.DedupWindow {
			return Alert{}, false
		}
	}
	t.dedup.SetDefault(key, now)

	a := &Alert{
		ID:         uuid.NewString(),
		Type:       typ,
		Severity:   sev,
		EntityType: entityType,
		Message:    msg,
		Value:      value,
		Threshold:  threshold,
		RaisedAt:   now,
	}
	t.alerts = append(t.alerts, a)

	fields := []zap.Field{zap.String("type", string(typ)), zap.String("entity", entityType), zap.String("message", msg)}
	switch sev {
	case SeverityError:
		t.log.Error("alert raised", fields...)
	case SeverityWarning:
		t.log.Warn("alert raised", fields...)
	default:
		t.log.Info("alert raised", fields...)
	}
	return *a, true
}

// CheckStalls raises stalled_progress for running entities that have not
// advanced within the stall window. Run calls it on every tick.
func (t *Tracker) CheckStalls() []Alert {
	now := t.opts.Now()

	t.mu.Lock()
	var raised []Alert
	for _, name := range t.order {
		st := t.entities[name]
		if st.current().Status != StatusRunning {
			continue
		}
		if now.Sub(st.lastProgressAt) <= t.opts.Thresholds.StallWindow {
			continue
		}
		if a, ok := t.stallAlert(name, st, now); ok {
			raised = append(raised, a)
		}
	}
	t.mu.Unlock()

	for i := range raised {
		t.publish(Event{Kind: EventAlert, Alert: &raised[i]})
	}
	return raised
}

// GetActiveAlerts returns the unresolved alerts, oldest first.
func (t *Tracker) GetActiveAlerts() []Alert {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Alert
	for _, a := range t.alerts {
		if !a.Resolved {
			out = append(out, *a)
		}
	}
	return out
}

// Alerts returns every retained alert, oldest first.
func (t *Tracker) Alerts() []Alert {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Alert, 0, len(t.alerts))
	for _, a := range t.alerts {
		out = append(out, *a)
	}
	return out
}

// ResolveAlert marks an alert resolved. It reports false for an unknown or
// already resolved id.
func (t *Tracker) ResolveAlert(id string) bool {
	now := t.opts.Now()

	t.mu.Lock()
	var resolved *Alert
	for _, a := range t.alerts {
		if a.ID == id && !a.Resolved {
			a.Resolved = true
			a.ResolvedAt = &now
			cp := *a
			resolved = &cp
			break
		}
	}
	t.mu.Unlock()

	if resolved == nil {
		return false
	}
	t.publish(Event{Kind: EventAlertResolved, Alert: resolved})
	return true
}

// ResolveEntityAlerts resolves every open alert of an entity, typically
// once it completes.
func (t *Tracker) ResolveEntityAlerts(entityType string) int {
	var ids []string
	t.mu.RLock()
	for _, a := range t.alerts {
		if a.EntityType == entityType && !a.Resolved {
			ids = append(ids, a.ID)
		}
	}
	t.mu.RUnlock()

	n := 0
	for _, id := range ids {
		if t.ResolveAlert(id) {
			n++
		}
	}
	return n
}
