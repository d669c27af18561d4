package detect

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/johndauphine/legacy-migrate/internal/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	base    = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	offices = entity.Mapping{
		Name:             "offices",
		SourceTable:      "tbl_office",
		DestinationTable: "offices",
		IDField:          "office_id",
		TimestampField:   "updated_at",
	}
)

func officeRow(id int, ts time.Time, name string) entity.Record {
	return entity.Record{
		ID:        strconv.Itoa(id),
		Timestamp: ts,
		Fields: map[string]any{
			"office_id":  int64(id),
			"updated_at": ts,
			"name":       name,
		},
	}
}

func newDetector(t *testing.T, src *fakeSource, dst *fakeDestination) *Detector {
	t.Helper()
	fp, err := NewFingerprinter("sha256", []string{"audit_user"}, "content_hash")
	require.NoError(t, err)
	d, err := New(Config{
		Registry:      entity.NewRegistry(offices),
		Source:        src,
		Destination:   dst,
		Fingerprinter: fp,
		Logger:        zap.NewNop(),
	})
	require.NoError(t, err)
	return d
}

func ptr(t time.Time) *time.Time { return &t }

func TestDetectAllNewWhenDestinationEmpty(t *testing.T) {
	src := &fakeSource{}
	for i := 1; i <= 1234; i++ {
		src.rows = append(src.rows, officeRow(i, base.Add(time.Duration(i)*time.Second), fmt.Sprintf("office %d", i)))
	}
	d := newDetector(t, src, &fakeDestination{records: map[string]entity.DestRecord{}})

	res, err := d.DetectChanges(context.Background(), "offices", time.Time{}, Options{IncludeDeletes: true})
	require.NoError(t, err)

	assert.Equal(t, 1234, res.Summary.New)
	assert.Equal(t, 0, res.Summary.Modified)
	assert.Equal(t, 0, res.Summary.Deleted)
	assert.Len(t, res.Changes, 1234)
	assert.Equal(t, 1234, res.RecordsAnalyzed)
	assert.InDelta(t, 100.0, res.ChangePercentage, 0.001)
	for _, c := range res.Changes {
		assert.Equal(t, ConfidenceNew, c.Confidence)
		assert.Empty(t, c.ContentFingerprint, "no fingerprint without hashing")
	}
}

func TestDetectUnknownEntity(t *testing.T) {
	d := newDetector(t, &fakeSource{}, &fakeDestination{})
	_, err := d.DetectChanges(context.Background(), "invoices", base, Options{})
	assert.ErrorIs(t, err, entity.ErrUnknownEntity)
}

func TestDetectPropagatesSourceErrors(t *testing.T) {
	boom := errors.New("connection refused")
	d := newDetector(t, &fakeSource{scanErr: boom}, &fakeDestination{})
	_, err := d.DetectChanges(context.Background(), "offices", base, Options{})
	assert.ErrorIs(t, err, boom)
}

func TestDetectFalsePositiveSuppression(t *testing.T) {
	fp, err := NewFingerprinter("sha256", []string{"audit_user"}, "content_hash")
	require.NoError(t, err)

	oldTS := base
	newTS := base.Add(time.Hour)
	touched := officeRow(1, newTS, "Head Office")
	edited := officeRow(2, newTS, "Branch (renamed)")

	// stored fingerprints were taken before the timestamp moved
	dst := &fakeDestination{records: map[string]entity.DestRecord{
		"1": {LegacyID: "1", Timestamp: ptr(oldTS), Fingerprint: fp.Fingerprint(offices, officeRow(1, oldTS, "Head Office").Fields)},
		"2": {LegacyID: "2", Timestamp: ptr(oldTS), Fingerprint: fp.Fingerprint(offices, officeRow(2, oldTS, "Branch").Fields)},
	}}
	src := &fakeSource{rows: []entity.Record{touched, edited}}

	t.Run("hashing enabled", func(t *testing.T) {
		res, err := newDetector(t, src, dst).DetectChanges(context.Background(), "offices", base, Options{ContentHashing: true})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Summary.Modified)
		assert.Equal(t, 1, res.Summary.FalsePositives)
		require.Len(t, res.Changes, 1)
		assert.Equal(t, "2", res.Changes[0].RecordID)
		assert.Equal(t, ConfidenceModifiedHashed, res.Changes[0].Confidence)
		assert.NotEqual(t, res.Changes[0].ContentFingerprint, res.Changes[0].PreviousFingerprint)
	})

	t.Run("hashing disabled", func(t *testing.T) {
		res, err := newDetector(t, src, dst).DetectChanges(context.Background(), "offices", base, Options{})
		require.NoError(t, err)
		assert.Equal(t, 2, res.Summary.Modified)
		assert.Equal(t, 0, res.Summary.FalsePositives)
		for _, c := range res.Changes {
			assert.Equal(t, ConfidenceModified, c.Confidence)
		}
	})
}

func TestDetectUnchangedWhenDestinationNotOlder(t *testing.T) {
	src := &fakeSource{rows: []entity.Record{officeRow(1, base, "Head Office")}}
	dst := &fakeDestination{records: map[string]entity.DestRecord{"1": {LegacyID: "1", Timestamp: ptr(base)}}}

	res, err := newDetector(t, src, dst).DetectChanges(context.Background(), "offices", time.Time{}, Options{})
	require.NoError(t, err)
	assert.Empty(t, res.Changes)
	assert.Equal(t, 1, res.Summary.Unchanged)
	assert.Zero(t, res.ChangePercentage)
}

func TestDetectDeletes(t *testing.T) {
	src := &fakeSource{rows: []entity.Record{officeRow(1, base, "Head Office")}}
	dst := &fakeDestination{records: map[string]entity.DestRecord{
		"1":  {LegacyID: "1", Timestamp: ptr(base)},
		"10": {LegacyID: "10", Timestamp: ptr(base)},
		"9":  {LegacyID: "9", Timestamp: ptr(base)},
	}}

	res, err := newDetector(t, src, dst).DetectChanges(context.Background(), "offices", time.Time{}, Options{IncludeDeletes: true})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Summary.Deleted)
	assert.Equal(t, []string{"9", "10"}, res.RecordIDs(ChangeDeleted))
	for _, c := range res.Changes {
		assert.Equal(t, ConfidenceDeleted, c.Confidence)
	}

	res, err = newDetector(t, src, dst).DetectChanges(context.Background(), "offices", time.Time{}, Options{})
	require.NoError(t, err)
	assert.Zero(t, res.Summary.Deleted, "deletes are opt-in")
}

func TestDetectIsIdempotent(t *testing.T) {
	src := &fakeSource{}
	dst := &fakeDestination{records: map[string]entity.DestRecord{}}
	for i := 1; i <= 50; i++ {
		src.rows = append(src.rows, officeRow(i, base.Add(time.Duration(i)*time.Minute), "o"))
		if i%3 == 0 {
			dst.records[strconv.Itoa(i)] = entity.DestRecord{LegacyID: strconv.Itoa(i), Timestamp: ptr(base)}
		}
	}
	dst.records["999"] = entity.DestRecord{LegacyID: "999", Timestamp: ptr(base)}

	d := newDetector(t, src, dst)
	opts := Options{IncludeDeletes: true, ContentHashing: true}
	first, err := d.DetectChanges(context.Background(), "offices", base, opts)
	require.NoError(t, err)
	second, err := d.DetectChanges(context.Background(), "offices", base, opts)
	require.NoError(t, err)

	assert.Equal(t, first.Changes, second.Changes)
	assert.Equal(t, first.Summary, second.Summary)
}

func TestDetectWindowAndSampleLimit(t *testing.T) {
	src := &fakeSource{}
	for i := 1; i <= 10; i++ {
		src.rows = append(src.rows, officeRow(i, base.Add(time.Duration(i)*time.Hour), "o"))
	}
	d := newDetector(t, src, &fakeDestination{records: map[string]entity.DestRecord{}})

	until := base.Add(6 * time.Hour)
	res, err := d.DetectChanges(context.Background(), "offices", base.Add(3*time.Hour), Options{Until: &until})
	require.NoError(t, err)
	assert.Equal(t, []string{"3", "4", "5"}, res.RecordIDs())

	res, err = d.DetectChanges(context.Background(), "offices", base, Options{SampleLimit: 4})
	require.NoError(t, err)
	assert.Equal(t, 4, res.RecordsAnalyzed)
	assert.Equal(t, 4, src.scans[len(src.scans)-1].Limit)
}

func TestDetectChunksDestinationLookups(t *testing.T) {
	src := &fakeSource{}
	for i := 1; i <= lookupChunk+1; i++ {
		src.rows = append(src.rows, officeRow(i, base, "o"))
	}
	dst := &fakeDestination{records: map[string]entity.DestRecord{}}

	_, err := newDetector(t, src, dst).DetectChanges(context.Background(), "offices", time.Time{}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, dst.lookups)
}
