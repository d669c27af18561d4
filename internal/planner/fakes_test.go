package planner

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/johndauphine/legacy-migrate/internal/checkpoint"
	"github.com/johndauphine/legacy-migrate/internal/entity"
	"github.com/johndauphine/legacy-migrate/internal/progress"
	"github.com/johndauphine/legacy-migrate/internal/recovery"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testRun = "run-1"

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeSource struct {
	mu      sync.Mutex
	records map[string]map[string]entity.Record
	fetches map[string][][]string
	onFetch func(entityType string, ids []string)
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		records: make(map[string]map[string]entity.Record),
		fetches: make(map[string][][]string),
	}
}

// add creates n records with ids "1".."n" and returns the ids.
func (f *fakeSource) add(entityType string, n int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.records[entityType] == nil {
		f.records[entityType] = make(map[string]entity.Record)
	}
	ids := make([]string, n)
	for i := range n {
		id := strconv.Itoa(i + 1)
		ids[i] = id
		f.records[entityType][id] = entity.Record{
			ID:        id,
			Timestamp: baseTime,
			Fields: map[string]any{
				"id":         int64(i + 1),
				"name":       fmt.Sprintf("%s %d", entityType, i+1),
				"updated_at": baseTime,
			},
		}
	}
	return ids
}

func (f *fakeSource) remove(entityType, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records[entityType], id)
}

func (f *fakeSource) FetchByIDs(_ context.Context, m entity.Mapping, ids []string) ([]entity.Record, error) {
	f.mu.Lock()
	f.fetches[m.Name] = append(f.fetches[m.Name], append([]string(nil), ids...))
	hook := f.onFetch
	var out []entity.Record
	for _, id := range ids {
		if r, ok := f.records[m.Name][id]; ok {
			out = append(out, r)
		}
	}
	f.mu.Unlock()

	if hook != nil {
		hook(m.Name, ids)
	}
	return out, nil
}

func (f *fakeSource) fetched(entityType string) [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[entityType]
}

// fakeDestination keys fail, corrupt and fingerprints by entity/id.
// upsertErr fails a whole call before anything is written.
type fakeDestination struct {
	mu           sync.Mutex
	rows         map[string]map[string]map[string]any
	fail         map[string]error
	corrupt      map[string]bool
	upsertErr    func(recs []entity.Record) error
	upsertSizes  []int
	fingerprints map[string]string
	writeOrder   []string
}

func newFakeDestination() *fakeDestination {
	return &fakeDestination{
		rows:         make(map[string]map[string]map[string]any),
		fail:         make(map[string]error),
		corrupt:      make(map[string]bool),
		fingerprints: make(map[string]string),
	}
}

func (f *fakeDestination) Upsert(_ context.Context, m entity.Mapping, recs []entity.Record, fps map[string]string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.upsertSizes = append(f.upsertSizes, len(recs))
	if f.upsertErr != nil {
		if err := f.upsertErr(recs); err != nil {
			return 0, err
		}
	}
	for _, r := range recs {
		if err := f.fail[m.Name+"/"+r.ID]; err != nil {
			return 0, err
		}
	}

	if f.rows[m.Name] == nil {
		f.rows[m.Name] = make(map[string]map[string]any)
		f.writeOrder = append(f.writeOrder, m.Name)
	}
	for _, r := range recs {
		row := make(map[string]any, len(r.Fields)+1)
		for k, v := range r.Fields {
			row[k] = v
		}
		row["legacy_"+m.IDField] = r.ID
		if f.corrupt[m.Name+"/"+r.ID] {
			row["name"] = "corrupted"
		}
		f.rows[m.Name][r.ID] = row
		if fp, ok := fps[r.ID]; ok {
			f.fingerprints[m.Name+"/"+r.ID] = fp
		}
	}
	return int64(len(recs)), nil
}

func (f *fakeDestination) Delete(_ context.Context, m entity.Mapping, ids []string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, id := range ids {
		if _, ok := f.rows[m.Name][id]; ok {
			delete(f.rows[m.Name], id)
			n++
		}
	}
	return n, nil
}

func (f *fakeDestination) Fetch(_ context.Context, m entity.Mapping, ids []string) (map[string]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]map[string]any, len(ids))
	for _, id := range ids {
		if row, ok := f.rows[m.Name][id]; ok {
			out[id] = row
		}
	}
	return out, nil
}

func (f *fakeDestination) count(entityType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows[entityType])
}

func (f *fakeDestination) seed(entityType, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rows[entityType] == nil {
		f.rows[entityType] = make(map[string]map[string]any)
	}
	f.rows[entityType][id] = map[string]any{"name": "stale"}
}

type recordingObserver struct {
	mu       sync.Mutex
	statuses []string
}

func (o *recordingObserver) ObserveBatch(_ string, status string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, status)
}

func mapping(name string) entity.Mapping {
	return entity.Mapping{
		Name:             name,
		SourceTable:      name,
		DestinationTable: name,
		IDField:          "id",
		TimestampField:   "updated_at",
	}
}

func registry(names ...string) *entity.Registry {
	ms := make([]entity.Mapping, len(names))
	for i, n := range names {
		ms[i] = mapping(n)
	}
	return entity.NewRegistry(ms...)
}

func newState(t *testing.T) (*checkpoint.FileState, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.yaml")
	st, err := checkpoint.NewFileState(path)
	require.NoError(t, err)
	require.NoError(t, st.CreateRun(testRun, nil, "", ""))
	return st, path
}

type harness struct {
	src   *fakeSource
	dst   *fakeDestination
	state checkpoint.StateBackend
	path  string
	clock *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, path := newState(t)
	return &harness{
		src:   newFakeSource(),
		dst:   newFakeDestination(),
		state: st,
		path:  path,
		clock: &fakeClock{now: baseTime},
	}
}

func (h *harness) planner(t *testing.T, reg *entity.Registry, opts Options, mutate ...func(*Config)) *Planner {
	t.Helper()
	ctrl := recovery.NewController(recovery.Options{
		MaxRetries: 3,
		Logger:     zap.NewNop(),
		Now:        h.clock.Now,
		Sleep:      func(context.Context, time.Duration) error { return nil },
	})
	cfg := Config{
		Options:     opts,
		RunID:       testRun,
		Registry:    reg,
		Source:      h.src,
		Destination: h.dst,
		State:       h.state,
		Recovery:    ctrl,
		Tracker:     progress.NewTracker(progress.Options{Logger: zap.NewNop(), Now: h.clock.Now}),
		Logger:      zap.NewNop(),
		Now:         h.clock.Now,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	p, err := New(cfg)
	require.NoError(t, err)
	return p
}
