package detect

import (
	"context"
	"sort"
	"time"

	"github.com/johndauphine/legacy-migrate/internal/entity"
	"github.com/johndauphine/legacy-migrate/internal/source"
)

type fakeSource struct {
	rows    []entity.Record
	scanErr error
	scans   []source.Window
}

func (f *fakeSource) ScanChanged(_ context.Context, _ entity.Mapping, w source.Window) ([]entity.Record, error) {
	f.scans = append(f.scans, w)
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	var out []entity.Record
	for _, r := range f.rows {
		if r.Timestamp.Before(w.Since) {
			continue
		}
		if w.Until != nil && !r.Timestamp.Before(*w.Until) {
			continue
		}
		out = append(out, r)
		if w.Limit > 0 && len(out) == w.Limit {
			break
		}
	}
	return out, nil
}

func (f *fakeSource) ExistingIDs(_ context.Context, _ entity.Mapping, ids []string) (map[string]bool, error) {
	have := make(map[string]bool, len(f.rows))
	for _, r := range f.rows {
		have[r.ID] = true
	}
	out := make(map[string]bool)
	for _, id := range ids {
		if have[id] {
			out[id] = true
		}
	}
	return out, nil
}

type fakeDestination struct {
	records map[string]entity.DestRecord
	lookups int
}

func (f *fakeDestination) Lookup(_ context.Context, _ entity.Mapping, ids []string) (map[string]entity.DestRecord, error) {
	f.lookups++
	out := make(map[string]entity.DestRecord)
	for _, id := range ids {
		if r, ok := f.records[id]; ok {
			out[id] = r
		}
	}
	return out, nil
}

func (f *fakeDestination) LegacyIDs(_ context.Context, _ entity.Mapping, since time.Time) ([]string, error) {
	var ids []string
	for id, r := range f.records {
		if since.IsZero() || r.Timestamp == nil || !r.Timestamp.Before(since) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
