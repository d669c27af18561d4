package progress

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixedMemory float64

func (m fixedMemory) MemoryMB() (float64, error) { return float64(m), nil }

func newTracker(clock *fakeClock, opts Options) *Tracker {
	opts.Now = clock.Now
	opts.Logger = zap.NewNop()
	return NewTracker(opts)
}

func TestStatusTransitionsAndETA(t *testing.T) {
	clock := newClock()
	tr := newTracker(clock, Options{Thresholds: Thresholds{MinThroughput: 1}})

	id := tr.StartTracking("offices", 1000)
	assert.NotEmpty(t, id)
	cur, ok := tr.Current("offices")
	require.True(t, ok)
	assert.Equal(t, StatusStarting, cur.Status)
	assert.Nil(t, cur.EstimatedCompletion, "no throughput yet")

	clock.Advance(10 * time.Second)
	snap, err := tr.UpdateProgress("offices", 500, &BatchInfo{Index: 0, Size: 500, Duration: 2 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, snap.Status)
	assert.InDelta(t, 50.0, snap.PercentageComplete, 0.001)
	assert.InDelta(t, 50.0, snap.RecordsPerSecond, 0.001)
	assert.InDelta(t, 2000.0, snap.AverageBatchTimeMs, 0.001)
	require.NotNil(t, snap.EstimatedCompletion)
	assert.Equal(t, clock.Now().Add(10*time.Second), *snap.EstimatedCompletion)
	require.NotNil(t, snap.RemainingMs)
	assert.Equal(t, int64(10000), *snap.RemainingMs)

	clock.Advance(9 * time.Second)
	snap, err = tr.UpdateProgress("offices", 960, &BatchInfo{Duration: 4 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleting, snap.Status)
	assert.InDelta(t, 3000.0, snap.AverageBatchTimeMs, 0.001)

	clock.Advance(time.Second)
	snap, err = tr.UpdateProgress("offices", 1000, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Nil(t, snap.EstimatedCompletion, "nothing remains")
	assert.Zero(t, snap.RecordsRemaining)

	assert.Len(t, tr.History("offices"), 4)
}

func TestUpdateUnknownEntity(t *testing.T) {
	tr := newTracker(newClock(), Options{})
	_, err := tr.UpdateProgress("ghost", 1, nil)
	assert.ErrorIs(t, err, ErrNotTracked)
	_, err = tr.CalculatePerformanceMetrics("ghost", 0)
	assert.ErrorIs(t, err, ErrNotTracked)
}

func TestLowThroughputAlertIsDeduplicated(t *testing.T) {
	clock := newClock()
	tr := newTracker(clock, Options{Thresholds: Thresholds{MinThroughput: 100}})
	tr.StartTracking("offices", 1_000_000)

	// 40 records/sec with an update every second for five minutes
	for i := 1; i < 300; i++ {
		clock.Advance(time.Second)
		_, err := tr.UpdateProgress("offices", int64(40*i), nil)
		require.NoError(t, err)
	}

	alerts := tr.GetActiveAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertLowThroughput, alerts[0].Type)
	assert.Equal(t, SeverityWarning, alerts[0].Severity)
	assert.InDelta(t, 40.0, alerts[0].Value, 0.001)

	// a new window allows a second alert
	clock.Advance(2 * time.Second)
	_, err := tr.UpdateProgress("offices", 40*301, nil)
	require.NoError(t, err)
	assert.Len(t, tr.GetActiveAlerts(), 2)
}

func TestHighMemoryAlert(t *testing.T) {
	clock := newClock()
	tr := newTracker(clock, Options{
		Thresholds: Thresholds{MinThroughput: 1, MaxMemoryMB: 512},
		Memory:     fixedMemory(100),
	})
	tr.StartTracking("employees", 100)

	clock.Advance(time.Second)
	snap, err := tr.UpdateProgress("employees", 10, nil)
	require.NoError(t, err)
	assert.Equal(t, 100.0, snap.MemoryUsageMB)
	assert.Empty(t, tr.GetActiveAlerts())

	mem := 900.0
	clock.Advance(time.Second)
	_, err = tr.UpdateProgress("employees", 20, &BatchInfo{MemoryMB: &mem})
	require.NoError(t, err)
	alerts := tr.GetActiveAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertHighMemory, alerts[0].Type)
}

func TestStalledProgressAlert(t *testing.T) {
	clock := newClock()
	tr := newTracker(clock, Options{Thresholds: Thresholds{MinThroughput: 0.0001, StallWindow: time.Minute}})
	tr.StartTracking("orders", 1000)

	clock.Advance(time.Second)
	_, err := tr.UpdateProgress("orders", 100, nil)
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	assert.Empty(t, tr.CheckStalls())

	clock.Advance(31 * time.Second)
	raised := tr.CheckStalls()
	require.Len(t, raised, 1)
	assert.Equal(t, AlertStalledProgress, raised[0].Type)
	assert.Equal(t, SeverityError, raised[0].Severity)

	// same count on an update inside the dedup window does not re-raise
	clock.Advance(time.Second)
	_, err = tr.UpdateProgress("orders", 100, nil)
	require.NoError(t, err)
	assert.Len(t, tr.GetActiveAlerts(), 1)
}

func TestStallIgnoredWhenPaused(t *testing.T) {
	clock := newClock()
	tr := newTracker(clock, Options{Thresholds: Thresholds{MinThroughput: 0.0001, StallWindow: time.Minute}})
	tr.StartTracking("orders", 1000)
	clock.Advance(time.Second)
	_, err := tr.UpdateProgress("orders", 100, nil)
	require.NoError(t, err)
	_, err = tr.SetStatus("orders", StatusPaused)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	assert.Empty(t, tr.CheckStalls())
}

func TestETADeviationAlert(t *testing.T) {
	clock := newClock()
	tr := newTracker(clock, Options{Thresholds: Thresholds{MinThroughput: 0.0001}})
	tr.StartTracking("invoices", 100_000)

	clock.Advance(10 * time.Second)
	_, err := tr.UpdateProgress("invoices", 1000, nil) // 100/s, ~16.5 min left
	require.NoError(t, err)

	clock.Advance(90 * time.Second)
	_, err = tr.UpdateProgress("invoices", 1100, nil) // 11/s, ~2.5 h left
	require.NoError(t, err)

	alerts := tr.GetActiveAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertETADeviation, alerts[0].Type)
	assert.Equal(t, SeverityInfo, alerts[0].Severity)
}

func TestCalculatePerformanceMetrics(t *testing.T) {
	clock := newClock()
	tr := newTracker(clock, Options{Thresholds: Thresholds{MinThroughput: 0.0001}, Memory: fixedMemory(64)})
	tr.StartTracking("offices", 10_000)

	for i := 1; i <= 10; i++ {
		clock.Advance(time.Second)
		_, err := tr.UpdateProgress("offices", int64(i*100), &BatchInfo{Duration: 500 * time.Millisecond})
		require.NoError(t, err)
	}

	pm, err := tr.CalculatePerformanceMetrics("offices", 0)
	require.NoError(t, err)
	assert.Equal(t, 10, pm.Samples)
	assert.InDelta(t, 100.0, pm.AvgRecordsPerSecond, 0.001)
	assert.InDelta(t, 100.0, pm.WindowRecordsPerSecond, 0.001)
	assert.InDelta(t, 500.0, pm.AverageBatchTimeMs, 0.001)
	assert.Equal(t, 64.0, pm.PeakMemoryMB)

	pm, err = tr.CalculatePerformanceMetrics("offices", 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 4, pm.Samples)
}

func TestPruneKeepsUnresolvedAlertsAndLatestSnapshot(t *testing.T) {
	clock := newClock()
	tr := newTracker(clock, Options{Thresholds: Thresholds{MinThroughput: 1000}, Retention: time.Hour})
	tr.StartTracking("offices", 1000)
	tr.StartTracking("employees", 1000)

	clock.Advance(time.Second)
	_, err := tr.UpdateProgress("offices", 10, nil)
	require.NoError(t, err)
	_, err = tr.UpdateProgress("employees", 10, nil)
	require.NoError(t, err)
	alerts := tr.GetActiveAlerts()
	require.Len(t, alerts, 2)
	require.True(t, tr.ResolveAlert(alerts[0].ID))
	assert.False(t, tr.ResolveAlert(alerts[0].ID), "already resolved")

	clock.Advance(2 * time.Hour)
	snaps, dropped := tr.Prune()
	assert.Equal(t, 2, snaps)
	assert.Equal(t, 1, dropped)

	remaining := tr.Alerts()
	require.Len(t, remaining, 1)
	assert.False(t, remaining[0].Resolved)
	assert.Len(t, tr.History("offices"), 1)
	cur, _ := tr.Current("offices")
	assert.Equal(t, int64(10), cur.RecordsProcessed)
}

func TestSessionStatus(t *testing.T) {
	clock := newClock()
	tr := newTracker(clock, Options{Thresholds: Thresholds{MinThroughput: 0.0001}})
	assert.Equal(t, StatusStarting, tr.SessionStatus().Status)

	tr.StartTracking("offices", 100)
	tr.StartTracking("employees", 300)
	clock.Advance(10 * time.Second)
	_, err := tr.UpdateProgress("offices", 100, nil)
	require.NoError(t, err)
	_, err = tr.UpdateProgress("employees", 100, nil)
	require.NoError(t, err)

	s := tr.SessionStatus()
	assert.Equal(t, StatusRunning, s.Status)
	assert.Equal(t, int64(200), s.RecordsProcessed)
	assert.Equal(t, int64(400), s.RecordsTotal)
	assert.InDelta(t, 50.0, s.PercentageComplete, 0.001)
	require.NotNil(t, s.EstimatedCompletion)
	assert.Equal(t, clock.Now().Add(20*time.Second), *s.EstimatedCompletion)
	assert.Len(t, s.Entities, 2)

	_, err = tr.UpdateProgress("employees", 300, nil)
	require.NoError(t, err)
	s = tr.SessionStatus()
	assert.Equal(t, StatusCompleted, s.Status)
	assert.Nil(t, s.EstimatedCompletion)
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	clock := newClock()
	tr := newTracker(clock, Options{Thresholds: Thresholds{MinThroughput: 1000}})

	events, unsubscribe := tr.Subscribe(16)
	tr.StartTracking("offices", 100)
	clock.Advance(time.Second)
	_, err := tr.UpdateProgress("offices", 10, nil)
	require.NoError(t, err)

	var kinds []EventKind
	for i := 0; i < 3; i++ {
		ev := <-events
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []EventKind{EventSnapshot, EventSnapshot, EventAlert}, kinds)

	unsubscribe()
	unsubscribe()
	_, open := <-events
	assert.False(t, open)
	assert.Zero(t, tr.Subscribers())

	// publishing with no subscribers must not block or panic
	_, err = tr.UpdateProgress("offices", 20, nil)
	require.NoError(t, err)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	clock := newClock()
	tr := newTracker(clock, Options{Thresholds: Thresholds{MinThroughput: 0.0001}})
	_, unsubscribe := tr.Subscribe(1)
	defer unsubscribe()

	tr.StartTracking("offices", 1000)
	for i := 1; i <= 50; i++ {
		clock.Advance(time.Second)
		_, err := tr.UpdateProgress("offices", int64(i), nil)
		require.NoError(t, err)
	}
	assert.Len(t, tr.History("offices"), 51)
}

func TestRunStopsOnCancel(t *testing.T) {
	tr := NewTracker(Options{PruneInterval: 5 * time.Millisecond, Logger: zap.NewNop()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done
}

func TestForwardWritesJSONLines(t *testing.T) {
	clock := newClock()
	tr := newTracker(clock, Options{Thresholds: Thresholds{MinThroughput: 0.0001}})
	var buf syncBuffer
	rep := NewJSONReporter(&buf, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Forward(ctx, tr, rep)
		close(done)
	}()
	require.Eventually(t, func() bool { return tr.Subscribers() == 1 }, time.Second, time.Millisecond)

	tr.StartTracking("offices", 10)
	clock.Advance(time.Second)
	_, err := tr.UpdateProgress("offices", 10, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return strings.Count(buf.String(), "\n") == 2 }, time.Second, time.Millisecond)
	cancel()
	<-done

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var last ProgressUpdate
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &last))
	assert.Equal(t, "offices", last.EntityType)
	assert.Equal(t, StatusCompleted, last.Status)
	assert.Equal(t, int64(10), last.RecordsProcessed)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
