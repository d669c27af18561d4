package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"maps"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/johndauphine/legacy-migrate/internal/checkpoint"
	"github.com/johndauphine/legacy-migrate/internal/config"
	"github.com/johndauphine/legacy-migrate/internal/entity"
	"github.com/johndauphine/legacy-migrate/internal/progress"
	"github.com/johndauphine/legacy-migrate/internal/source"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testConfig = `
source:
  type: mssql
  host: legacy.local
  database: legacy
target:
  host: app.local
  database: app
migration:
  batch_size: 2
  checkpoint_interval: 1
  parallel_entity_limit: 2
retry:
  base_delay_ms: 1
  max_delay_ms: 2
detection:
  include_deletes: true
entities:
  - name: customers
    source_table: customers
    id_field: id
  - name: orders
    source_table: orders
    id_field: id
    depends_on: [customers]
`

// world is an in-memory legacy database and destination database.
type world struct {
	mu         sync.Mutex
	src        map[string]map[string]entity.Record
	dst        map[string]map[string]destRow
	fail       map[string]error // entity/id
	srcPingErr error
	dstPingErr error
	writes     []string
}

type destRow struct {
	rec         entity.Record
	fingerprint string
}

func newWorld() *world {
	return &world{
		src:  make(map[string]map[string]entity.Record),
		dst:  make(map[string]map[string]destRow),
		fail: make(map[string]error),
	}
}

// put creates or replaces a source record.
func (w *world) put(entityType, id, name string, ts time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.src[entityType] == nil {
		w.src[entityType] = make(map[string]entity.Record)
	}
	w.src[entityType][id] = entity.Record{
		ID:        id,
		Timestamp: ts,
		Fields:    map[string]any{"id": id, "name": name, "updated_at": ts},
	}
}

// seed creates n source records with ids "1".."n".
func (w *world) seed(entityType string, n int, ts time.Time) {
	for i := 1; i <= n; i++ {
		id := strconv.Itoa(i)
		w.put(entityType, id, fmt.Sprintf("%s %s", entityType, id), ts)
	}
}

func (w *world) drop(entityType, id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.src[entityType], id)
}

func (w *world) failUpsert(entityType, id string, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err == nil {
		delete(w.fail, entityType+"/"+id)
		return
	}
	w.fail[entityType+"/"+id] = err
}

func (w *world) destCount(entityType string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.dst[entityType])
}

func (w *world) destName(entityType, id string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	row, ok := w.dst[entityType][id]
	if !ok {
		return ""
	}
	return fmt.Sprint(row.rec.Fields["name"])
}

func (w *world) firstWrite() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	seen := make(map[string]bool)
	for _, e := range w.writes {
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	return out
}

type fakeSource struct{ w *world }

func (s fakeSource) ScanChanged(_ context.Context, m entity.Mapping, win source.Window) ([]entity.Record, error) {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	var out []entity.Record
	for _, r := range s.w.src[m.Name] {
		if r.Timestamp.Before(win.Since) {
			continue
		}
		if win.Until != nil && !r.Timestamp.Before(*win.Until) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		a, _ := strconv.Atoi(out[i].ID)
		b, _ := strconv.Atoi(out[j].ID)
		return a < b
	})
	if win.Limit > 0 && len(out) > win.Limit {
		out = out[:win.Limit]
	}
	return out, nil
}

func (s fakeSource) ExistingIDs(_ context.Context, m entity.Mapping, ids []string) (map[string]bool, error) {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	out := make(map[string]bool)
	for _, id := range ids {
		if _, ok := s.w.src[m.Name][id]; ok {
			out[id] = true
		}
	}
	return out, nil
}

func (s fakeSource) FetchByIDs(_ context.Context, m entity.Mapping, ids []string) ([]entity.Record, error) {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	var out []entity.Record
	for _, id := range ids {
		if r, ok := s.w.src[m.Name][id]; ok {
			r.Fields = maps.Clone(r.Fields)
			out = append(out, r)
		}
	}
	return out, nil
}

func (s fakeSource) Ping(context.Context) error {
	return s.w.srcPingErr
}

func (s fakeSource) DBType() string {
	return "mssql"
}

type fakeDestination struct{ w *world }

func (d fakeDestination) Lookup(_ context.Context, m entity.Mapping, ids []string) (map[string]entity.DestRecord, error) {
	d.w.mu.Lock()
	defer d.w.mu.Unlock()
	out := make(map[string]entity.DestRecord)
	for _, id := range ids {
		if row, ok := d.w.dst[m.Name][id]; ok {
			ts := row.rec.Timestamp
			out[id] = entity.DestRecord{LegacyID: id, Timestamp: &ts, Fingerprint: row.fingerprint, Fields: row.rec.Fields}
		}
	}
	return out, nil
}

func (d fakeDestination) LegacyIDs(_ context.Context, m entity.Mapping, since time.Time) ([]string, error) {
	d.w.mu.Lock()
	defer d.w.mu.Unlock()
	var ids []string
	for id, row := range d.w.dst[m.Name] {
		if !row.rec.Timestamp.Before(since) {
			ids = append(ids, id)
		}
	}
	entity.SortIDs(ids)
	return ids, nil
}

func (d fakeDestination) Upsert(_ context.Context, m entity.Mapping, recs []entity.Record, fps map[string]string) (int64, error) {
	d.w.mu.Lock()
	defer d.w.mu.Unlock()
	for _, r := range recs {
		if err := d.w.fail[m.Name+"/"+r.ID]; err != nil {
			return 0, err
		}
	}
	if d.w.dst[m.Name] == nil {
		d.w.dst[m.Name] = make(map[string]destRow)
	}
	for _, r := range recs {
		r.Fields = maps.Clone(r.Fields)
		d.w.dst[m.Name][r.ID] = destRow{rec: r, fingerprint: fps[r.ID]}
		d.w.writes = append(d.w.writes, m.Name)
	}
	return int64(len(recs)), nil
}

func (d fakeDestination) Delete(_ context.Context, m entity.Mapping, ids []string) (int64, error) {
	d.w.mu.Lock()
	defer d.w.mu.Unlock()
	var n int64
	for _, id := range ids {
		if _, ok := d.w.dst[m.Name][id]; ok {
			delete(d.w.dst[m.Name], id)
			n++
		}
	}
	return n, nil
}

func (d fakeDestination) Fetch(_ context.Context, m entity.Mapping, ids []string) (map[string]map[string]any, error) {
	d.w.mu.Lock()
	defer d.w.mu.Unlock()
	out := make(map[string]map[string]any)
	for _, id := range ids {
		if row, ok := d.w.dst[m.Name][id]; ok {
			out[id] = maps.Clone(row.rec.Fields)
		}
	}
	return out, nil
}

func (d fakeDestination) Ping(context.Context) error {
	return d.w.dstPingErr
}

// recordingNotifier remembers which notifications were sent.
type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) add(ev string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) RunStarted(string, int) error { return n.add("started") }
func (n *recordingNotifier) RunCompleted(string, time.Time, time.Duration, int, int64, float64) error {
	return n.add("completed")
}
func (n *recordingNotifier) RunFailed(string, error, time.Duration) error { return n.add("failed") }
func (n *recordingNotifier) RunHalted(_, entityType, _, _ string, _ []string) error {
	return n.add("halted:" + entityType)
}
func (n *recordingNotifier) AlertRaised(string, progress.Alert) error { return nil }

func (n *recordingNotifier) sent() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

type fixture struct {
	world    *world
	state    *checkpoint.State
	notifier *recordingNotifier
	out      *bytes.Buffer
	orch     *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg, err := config.LoadBytes([]byte(testConfig))
	require.NoError(t, err)

	state, err := checkpoint.New(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		world:    newWorld(),
		state:    state,
		notifier: &recordingNotifier{},
		out:      &bytes.Buffer{},
	}
	f.orch, err = NewWithDeps(cfg, Deps{
		Source:      fakeSource{f.world},
		Destination: fakeDestination{f.world},
		State:       state,
		Notifier:    f.notifier,
		Logger:      zap.NewNop(),
		Sleep:       func(context.Context, time.Duration) error { return nil },
		Out:         f.out,
	})
	require.NoError(t, err)
	t.Cleanup(f.orch.Close)
	return f
}
