// Package progress keeps per-entity progress history, computes throughput
// and completion estimates, raises threshold alerts and fans every change
// out to subscribers.
package progress

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/johndauphine/legacy-migrate/internal/logging"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// ErrNotTracked is returned for an entity that StartTracking never saw.
var ErrNotTracked = errors.New("entity is not tracked")

// Status is the progress state of one entity.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusCompleting Status = "completing"
	StatusCompleted  Status = "completed"
	StatusPaused     Status = "paused"
	StatusError      Status = "error"
)

// completingThreshold is the percentage past which an entity is completing.
const completingThreshold = 95.0

// Snapshot is the state of one entity at one point in time. Snapshots are
// appended to an entity's history and never edited.
type Snapshot struct {
	ID                  string     `json:"id"`
	EntityType          string     `json:"entity_type"`
	RecordsProcessed    int64      `json:"records_processed"`
	RecordsRemaining    int64      `json:"records_remaining"`
	RecordsTotal        int64      `json:"records_total"`
	PercentageComplete  float64    `json:"percentage_complete"`
	RecordsPerSecond    float64    `json:"records_per_second"`
	AverageBatchTimeMs  float64    `json:"average_batch_time_ms"`
	MemoryUsageMB       float64    `json:"memory_usage_mb"`
	StartTime           time.Time  `json:"start_time"`
	EstimatedCompletion *time.Time `json:"estimated_completion_time,omitempty"`
	ElapsedMs           int64      `json:"elapsed_time_ms"`
	RemainingMs         *int64     `json:"remaining_time_ms,omitempty"`
	Status              Status     `json:"status"`
	TakenAt             time.Time  `json:"taken_at"`
}

// BatchInfo describes the batch that produced an update.
type BatchInfo struct {
	Index    int
	Size     int
	Duration time.Duration
	// MemoryMB overrides the sampled process memory when set.
	MemoryMB *float64
}

// Thresholds configures the alert rules.
type Thresholds struct {
	MinThroughput float64 // records/sec
	MaxMemoryMB   float64
	StallWindow   time.Duration
	ETADeviation  time.Duration
	DedupWindow   time.Duration
}

// DefaultThresholds returns the engine defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinThroughput: 100,
		MaxMemoryMB:   2048,
		StallWindow:   5 * time.Minute,
		ETADeviation:  30 * time.Minute,
		DedupWindow:   5 * time.Minute,
	}
}

// MemorySampler reports the memory used by the migration process.
type MemorySampler interface {
	MemoryMB() (float64, error)
}

// Options configures a Tracker.
type Options struct {
	Thresholds Thresholds
	// Retention bounds how long history and resolved alerts are kept.
	Retention     time.Duration
	PruneInterval time.Duration
	Memory        MemorySampler
	Logger        *zap.Logger
	Now           func() time.Time
}

type entityState struct {
	total          int64
	start          time.Time
	history        []Snapshot
	batches        int
	batchTime      time.Duration
	lastProcessed  int64
	lastProgressAt time.Time
	lastETA        *time.Time
}

func (e *entityState) current() Snapshot {
	return e.history[len(e.history)-1]
}

// Tracker owns the progress history of every entity in a run. It is safe
// for concurrent use.
type Tracker struct {
	opts Options
	log  *zap.Logger

	mu       sync.RWMutex
	entities map[string]*entityState
	order    []string
	alerts   []*Alert
	dedup    *cache.Cache

	subMu  sync.RWMutex
	subs   map[int]chan Event
	nextID int
}

// NewTracker creates a Tracker. Zero thresholds fall back to
// DefaultThresholds.
func NewTracker(opts Options) *Tracker {
	def := DefaultThresholds()
	if opts.Thresholds.MinThroughput <= 0 {
		opts.Thresholds.MinThroughput = def.MinThroughput
	}
	if opts.Thresholds.MaxMemoryMB <= 0 {
		opts.Thresholds.MaxMemoryMB = def.MaxMemoryMB
	}
	if opts.Thresholds.StallWindow <= 0 {
		opts.Thresholds.StallWindow = def.StallWindow
	}
	if opts.Thresholds.ETADeviation <= 0 {
		opts.Thresholds.ETADeviation = def.ETADeviation
	}
	if opts.Thresholds.DedupWindow <= 0 {
		opts.Thresholds.DedupWindow = def.DedupWindow
	}
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = logging.Named("progress")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tracker{
		opts:     opts,
		log:      opts.Logger,
		entities: make(map[string]*entityState),
		// no janitor goroutine; Prune evicts expired keys
		dedup: cache.New(opts.Thresholds.DedupWindow, 0),
		subs:  make(map[int]chan Event),
	}
}

// StartTracking begins (or restarts) tracking an entity and returns the id
// of its first snapshot.
func (t *Tracker) StartTracking(entityType string, totalRecords int64) string {
	now := t.opts.Now()

	t.mu.Lock()
	if _, ok := t.entities[entityType]; !ok {
		t.order = append(t.order, entityType)
	}
	st := &entityState{total: totalRecords, start: now, lastProgressAt: now}
	snap := t.compute(entityType, st, 0, now, nil)
	st.history = append(st.history, snap)
	t.entities[entityType] = st
	t.mu.Unlock()

	t.publish(Event{Kind: EventSnapshot, Snapshot: &snap})
	return snap.ID
}

// UpdateProgress records the processed count for an entity and returns the
// resulting snapshot.
func (t *Tracker) UpdateProgress(entityType string, recordsProcessed int64, batch *BatchInfo) (Snapshot, error) {
	now := t.opts.Now()

	t.mu.Lock()
	st, ok := t.entities[entityType]
	if !ok {
		t.mu.Unlock()
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotTracked, entityType)
	}

	if batch != nil && batch.Duration > 0 {
		st.batches++
		st.batchTime += batch.Duration
	}
	snap := t.compute(entityType, st, recordsProcessed, now, batch)

	stalled := false
	if recordsProcessed > st.lastProcessed {
		st.lastProcessed = recordsProcessed
		st.lastProgressAt = now
	} else {
		stalled = snap.Status == StatusRunning && now.Sub(st.lastProgressAt) > t.opts.Thresholds.StallWindow
	}

	raised := t.evaluate(entityType, st, snap, stalled, now)
	if snap.EstimatedCompletion != nil {
		st.lastETA = snap.EstimatedCompletion
	}
	st.history = append(st.history, snap)
	t.mu.Unlock()

	t.publish(Event{Kind: EventSnapshot, Snapshot: &snap})
	for i := range raised {
		t.publish(Event{Kind: EventAlert, Alert: &raised[i]})
	}
	return snap, nil
}

// SetStatus appends a snapshot with an externally driven status such as
// paused or error; the counters repeat the current snapshot.
func (t *Tracker) SetStatus(entityType string, status Status) (Snapshot, error) {
	now := t.opts.Now()

	t.mu.Lock()
	st, ok := t.entities[entityType]
	if !ok {
		t.mu.Unlock()
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotTracked, entityType)
	}
	snap := st.current()
	snap.ID = uuid.NewString()
	snap.Status = status
	snap.TakenAt = now
	snap.ElapsedMs = now.Sub(st.start).Milliseconds()
	if status == StatusPaused || status == StatusError {
		snap.EstimatedCompletion = nil
		snap.RemainingMs = nil
	}
	st.history = append(st.history, snap)
	t.mu.Unlock()

	t.publish(Event{Kind: EventSnapshot, Snapshot: &snap})
	return snap, nil
}

// compute derives a snapshot; callers hold t.mu.
func (t *Tracker) compute(entityType string, st *entityState, processed int64, now time.Time, batch *BatchInfo) Snapshot {
	remaining := st.total - processed
	if remaining < 0 {
		remaining = 0
	}
	elapsed := now.Sub(st.start)

	snap := Snapshot{
		ID:               uuid.NewString(),
		EntityType:       entityType,
		RecordsProcessed: processed,
		RecordsRemaining: remaining,
		RecordsTotal:     st.total,
		StartTime:        st.start,
		ElapsedMs:        elapsed.Milliseconds(),
		TakenAt:          now,
	}

	if st.total > 0 {
		snap.PercentageComplete = float64(processed) / float64(st.total) * 100
		if snap.PercentageComplete > 100 {
			snap.PercentageComplete = 100
		}
	} else {
		snap.PercentageComplete = 100
	}
	if elapsed > 0 {
		snap.RecordsPerSecond = float64(processed) / elapsed.Seconds()
	}
	if st.batches > 0 {
		snap.AverageBatchTimeMs = float64(st.batchTime.Milliseconds()) / float64(st.batches)
	}

	switch {
	case batch != nil && batch.MemoryMB != nil:
		snap.MemoryUsageMB = *batch.MemoryMB
	case t.opts.Memory != nil:
		if mb, err := t.opts.Memory.MemoryMB(); err == nil {
			snap.MemoryUsageMB = mb
		}
	}

	if snap.RecordsPerSecond > 0 && remaining > 0 {
		left := time.Duration(float64(remaining) / snap.RecordsPerSecond * float64(time.Second))
		eta := now.Add(left)
		ms := left.Milliseconds()
		snap.EstimatedCompletion = &eta
		snap.RemainingMs = &ms
	}

	switch {
	case remaining == 0 && processed > 0, remaining == 0 && st.total == 0:
		snap.Status = StatusCompleted
	case processed == 0:
		snap.Status = StatusStarting
	case snap.PercentageComplete > completingThreshold:
		snap.Status = StatusCompleting
	default:
		snap.Status = StatusRunning
	}
	return snap
}

// Current returns the latest snapshot of an entity.
func (t *Tracker) Current(entityType string) (Snapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.entities[entityType]
	if !ok {
		return Snapshot{}, false
	}
	return st.current(), true
}

// History returns a copy of an entity's retained snapshots, oldest first.
func (t *Tracker) History(entityType string) []Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.entities[entityType]
	if !ok {
		return nil
	}
	return append([]Snapshot(nil), st.history...)
}

// PerformanceMetrics summarizes an entity's snapshots over a window.
type PerformanceMetrics struct {
	EntityType           string        `json:"entity_type"`
	Window               time.Duration `json:"window"`
	Samples              int           `json:"samples"`
	AvgRecordsPerSecond  float64       `json:"avg_records_per_second"`
	PeakRecordsPerSecond float64       `json:"peak_records_per_second"`
	MinRecordsPerSecond  float64       `json:"min_records_per_second"`
	// WindowRecordsPerSecond is the processed delta across the window.
	WindowRecordsPerSecond float64 `json:"window_records_per_second"`
	AverageBatchTimeMs     float64 `json:"average_batch_time_ms"`
	AvgMemoryMB            float64 `json:"avg_memory_mb"`
	PeakMemoryMB           float64 `json:"peak_memory_mb"`
}

// CalculatePerformanceMetrics aggregates the snapshots taken within window
// of now; a zero window uses the whole retained history.
func (t *Tracker) CalculatePerformanceMetrics(entityType string, window time.Duration) (PerformanceMetrics, error) {
	now := t.opts.Now()

	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.entities[entityType]
	if !ok {
		return PerformanceMetrics{}, fmt.Errorf("%w: %s", ErrNotTracked, entityType)
	}

	pm := PerformanceMetrics{EntityType: entityType, Window: window}
	var samples []Snapshot
	for _, s := range st.history {
		if window > 0 && now.Sub(s.TakenAt) > window {
			continue
		}
		if s.RecordsProcessed == 0 {
			continue
		}
		samples = append(samples, s)
	}
	pm.Samples = len(samples)
	if len(samples) == 0 {
		return pm, nil
	}

	var rateSum, memSum float64
	pm.MinRecordsPerSecond = samples[0].RecordsPerSecond
	for _, s := range samples {
		rateSum += s.RecordsPerSecond
		memSum += s.MemoryUsageMB
		pm.PeakRecordsPerSecond = max(pm.PeakRecordsPerSecond, s.RecordsPerSecond)
		pm.MinRecordsPerSecond = min(pm.MinRecordsPerSecond, s.RecordsPerSecond)
		pm.PeakMemoryMB = max(pm.PeakMemoryMB, s.MemoryUsageMB)
	}
	pm.AvgRecordsPerSecond = rateSum / float64(len(samples))
	pm.AvgMemoryMB = memSum / float64(len(samples))
	pm.AverageBatchTimeMs = samples[len(samples)-1].AverageBatchTimeMs

	first, last := samples[0], samples[len(samples)-1]
	if span := last.TakenAt.Sub(first.TakenAt); span > 0 {
		pm.WindowRecordsPerSecond = float64(last.RecordsProcessed-first.RecordsProcessed) / span.Seconds()
	}
	return pm, nil
}

// Session aggregates the latest snapshot of every entity.
type Session struct {
	Entities           []Snapshot `json:"entities"`
	RecordsProcessed   int64      `json:"records_processed"`
	RecordsTotal       int64      `json:"records_total"`
	PercentageComplete float64    `json:"percentage_complete"`
	RecordsPerSecond   float64    `json:"records_per_second"`
	// EstimatedCompletion is the latest entity ETA; nil if any running
	// entity has no estimate.
	EstimatedCompletion *time.Time `json:"estimated_completion_time,omitempty"`
	Status              Status     `json:"status"`
	ActiveAlerts        int        `json:"active_alerts"`
}

// SessionStatus aggregates the current snapshot of every tracked entity.
func (t *Tracker) SessionStatus() Session {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var s Session
	etaKnown := true
	allDone := len(t.order) > 0
	anyError, anyPaused := false, false
	for _, name := range t.order {
		cur := t.entities[name].current()
		s.Entities = append(s.Entities, cur)
		s.RecordsProcessed += cur.RecordsProcessed
		s.RecordsTotal += cur.RecordsTotal
		s.RecordsPerSecond += cur.RecordsPerSecond

		switch cur.Status {
		case StatusCompleted:
			continue
		case StatusError:
			anyError = true
		case StatusPaused:
			anyPaused = true
		}
		allDone = false
		if cur.EstimatedCompletion == nil {
			etaKnown = false
		} else if s.EstimatedCompletion == nil || cur.EstimatedCompletion.After(*s.EstimatedCompletion) {
			eta := *cur.EstimatedCompletion
			s.EstimatedCompletion = &eta
		}
	}
	if !etaKnown {
		s.EstimatedCompletion = nil
	}
	if s.RecordsTotal > 0 {
		s.PercentageComplete = float64(s.RecordsProcessed) / float64(s.RecordsTotal) * 100
	}

	switch {
	case len(t.order) == 0:
		s.Status = StatusStarting
	case anyError:
		s.Status = StatusError
	case allDone:
		s.Status = StatusCompleted
		s.PercentageComplete = 100
	case anyPaused:
		s.Status = StatusPaused
	case s.RecordsProcessed == 0:
		s.Status = StatusStarting
	case s.PercentageComplete > completingThreshold:
		s.Status = StatusCompleting
	default:
		s.Status = StatusRunning
	}

	for _, a := range t.alerts {
		if !a.Resolved {
			s.ActiveAlerts++
		}
	}
	return s
}

// Entities returns the tracked entity names in tracking order.
func (t *Tracker) Entities() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.order...)
}

// Prune drops snapshots and resolved alerts older than the retention
// window. The latest snapshot of each entity and every unresolved alert
// are always kept.
func (t *Tracker) Prune() (snapshots, alerts int) {
	now := t.opts.Now()
	cutoff := now.Add(-t.opts.Retention)

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, st := range t.entities {
		keepFrom := sort.Search(len(st.history), func(i int) bool {
			return !st.history[i].TakenAt.Before(cutoff)
		})
		if keepFrom >= len(st.history) {
			keepFrom = len(st.history) - 1
		}
		if keepFrom > 0 {
			snapshots += keepFrom
			st.history = append([]Snapshot(nil), st.history[keepFrom:]...)
		}
	}

	kept := t.alerts[:0]
	for _, a := range t.alerts {
		if a.Resolved && a.RaisedAt.Before(cutoff) {
			alerts++
			continue
		}
		kept = append(kept, a)
	}
	for i := len(kept); i < len(t.alerts); i++ {
		t.alerts[i] = nil
	}
	t.alerts = kept

	t.dedup.DeleteExpired()

	if snapshots > 0 || alerts > 0 {
		t.log.Debug("pruned progress history", zap.Int("snapshots", snapshots), zap.Int("alerts", alerts))
	}
	return snapshots, alerts
}
