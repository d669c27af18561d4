// Package detect classifies what changed in the legacy source since a
// baseline: new, modified and deleted records, each with a confidence.
package detect

import (
	"context"
	"fmt"
	"time"

	"github.com/johndauphine/legacy-migrate/internal/entity"
	"github.com/johndauphine/legacy-migrate/internal/logging"
	"github.com/johndauphine/legacy-migrate/internal/source"
	"go.uber.org/zap"
)

// ChangeType classifies a detected delta.
type ChangeType string

const (
	ChangeNew      ChangeType = "new"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
)

// Confidence per classification.
const (
	ConfidenceNew            = 0.95
	ConfidenceModifiedHashed = 0.98
	ConfidenceModified       = 0.85
	ConfidenceDeleted        = 0.90
)

// lookupChunk bounds the ids sent in one destination lookup.
const lookupChunk = 5000

// ChangeRecord is one detected delta. It is never mutated after detection.
type ChangeRecord struct {
	RecordID             string     `json:"record_id"`
	ChangeType           ChangeType `json:"change_type"`
	SourceTimestamp      time.Time  `json:"source_timestamp"`
	DestinationTimestamp *time.Time `json:"destination_timestamp,omitempty"`
	ContentFingerprint   string     `json:"content_fingerprint,omitempty"`
	PreviousFingerprint  string     `json:"previous_fingerprint,omitempty"`
	Confidence           float64    `json:"confidence"`
}

// Summary counts the change set.
type Summary struct {
	New            int `json:"new"`
	Modified       int `json:"modified"`
	Deleted        int `json:"deleted"`
	FalsePositives int `json:"false_positives"`
	Unchanged      int `json:"unchanged"`
}

// Total is the number of real changes.
func (s Summary) Total() int {
	return s.New + s.Modified + s.Deleted
}

// Result is the outcome of one detection pass over one entity.
type Result struct {
	EntityType      string         `json:"entity_type"`
	Since           time.Time      `json:"since"`
	Until           *time.Time     `json:"until,omitempty"`
	Changes         []ChangeRecord `json:"changes"`
	Summary         Summary        `json:"summary"`
	RecordsAnalyzed int            `json:"records_analyzed"`
	// ChangePercentage is real changes over records analyzed, 0-100.
	ChangePercentage float64       `json:"change_percentage"`
	Duration         time.Duration `json:"duration"`
	// Throughput is records analyzed per millisecond.
	Throughput float64   `json:"throughput"`
	DetectedAt time.Time `json:"detected_at"`
}

// RecordIDs returns the ids of the given change types in detection order.
func (r *Result) RecordIDs(types ...ChangeType) []string {
	want := make(map[ChangeType]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	var ids []string
	for _, c := range r.Changes {
		if len(want) == 0 || want[c.ChangeType] {
			ids = append(ids, c.RecordID)
		}
	}
	return ids
}

// Options tunes one detection pass.
type Options struct {
	IncludeDeletes bool
	ContentHashing bool
	// Until bounds the window above; nil leaves it open.
	Until *time.Time
	// SampleLimit caps the source rows examined; 0 scans the whole window.
	SampleLimit int
}

// SourceReader is the part of the source store detection needs.
type SourceReader interface {
	ScanChanged(ctx context.Context, m entity.Mapping, w source.Window) ([]entity.Record, error)
	ExistingIDs(ctx context.Context, m entity.Mapping, ids []string) (map[string]bool, error)
}

// DestinationReader is the part of the destination store detection needs.
type DestinationReader interface {
	Lookup(ctx context.Context, m entity.Mapping, ids []string) (map[string]entity.DestRecord, error)
	LegacyIDs(ctx context.Context, m entity.Mapping, since time.Time) ([]string, error)
}

// Config configures a Detector.
type Config struct {
	Registry      *entity.Registry
	Source        SourceReader
	Destination   DestinationReader
	Fingerprinter *Fingerprinter
	Logger        *zap.Logger
	Now           func() time.Time
}

// Detector compares source rows against what the destination already holds.
type Detector struct {
	registry *entity.Registry
	src      SourceReader
	dst      DestinationReader
	fp       *Fingerprinter
	log      *zap.Logger
	now      func() time.Time
}

// New creates a Detector. A nil Fingerprinter defaults to sha256 with no
// extra exclusions.
func New(cfg Config) (*Detector, error) {
	if cfg.Registry == nil || cfg.Source == nil || cfg.Destination == nil {
		return nil, fmt.Errorf("detector needs a registry, a source and a destination")
	}
	if cfg.Fingerprinter == nil {
		fp, err := NewFingerprinter("sha256", nil, "")
		if err != nil {
			return nil, err
		}
		cfg.Fingerprinter = fp
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Named("detect")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Detector{
		registry: cfg.Registry,
		src:      cfg.Source,
		dst:      cfg.Destination,
		fp:       cfg.Fingerprinter,
		log:      cfg.Logger,
		now:      cfg.Now,
	}, nil
}

// Fingerprinter returns the detector's fingerprinter.
func (d *Detector) Fingerprinter() *Fingerprinter {
	return d.fp
}

// DetectChanges classifies the entity's source rows with a timestamp at or
// after since. Store errors are returned unclassified.
func (d *Detector) DetectChanges(ctx context.Context, entityType string, since time.Time, opts Options) (*Result, error) {
	m, err := d.registry.Lookup(entityType)
	if err != nil {
		return nil, err
	}
	start := d.now()

	rows, err := d.src.ScanChanged(ctx, m, source.Window{Since: since, Until: opts.Until, Limit: opts.SampleLimit})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", entityType, err)
	}

	existing, err := d.lookup(ctx, m, rows)
	if err != nil {
		return nil, err
	}

	res := &Result{EntityType: entityType, Since: since, Until: opts.Until, RecordsAnalyzed: len(rows)}
	for _, row := range rows {
		dest, found := existing[row.ID]
		if !found {
			change := ChangeRecord{
				RecordID:        row.ID,
				ChangeType:      ChangeNew,
				SourceTimestamp: row.Timestamp,
				Confidence:      ConfidenceNew,
			}
			if opts.ContentHashing {
				change.ContentFingerprint = d.fp.Fingerprint(m, row.Fields)
			}
			res.Changes = append(res.Changes, change)
			res.Summary.New++
			continue
		}

		if dest.Timestamp != nil && !row.Timestamp.After(*dest.Timestamp) {
			res.Summary.Unchanged++
			continue
		}

		change := ChangeRecord{
			RecordID:             row.ID,
			ChangeType:           ChangeModified,
			SourceTimestamp:      row.Timestamp,
			DestinationTimestamp: dest.Timestamp,
			Confidence:           ConfidenceModified,
		}
		if opts.ContentHashing {
			fp := d.fp.Fingerprint(m, row.Fields)
			if dest.Fingerprint != "" && fp == dest.Fingerprint {
				// timestamp-only touch
				res.Summary.FalsePositives++
				continue
			}
			change.ContentFingerprint = fp
			change.PreviousFingerprint = dest.Fingerprint
			change.Confidence = ConfidenceModifiedHashed
		}
		res.Changes = append(res.Changes, change)
		res.Summary.Modified++
	}

	if opts.IncludeDeletes {
		deleted, checked, err := d.deleted(ctx, m, since)
		if err != nil {
			return nil, err
		}
		res.RecordsAnalyzed += checked
		for _, id := range deleted {
			res.Changes = append(res.Changes, ChangeRecord{
				RecordID:   id,
				ChangeType: ChangeDeleted,
				Confidence: ConfidenceDeleted,
			})
		}
		res.Summary.Deleted = len(deleted)
	}

	res.DetectedAt = d.now()
	res.Duration = res.DetectedAt.Sub(start)
	if res.RecordsAnalyzed > 0 {
		res.ChangePercentage = float64(res.Summary.Total()) / float64(res.RecordsAnalyzed) * 100
	}
	ms := float64(res.Duration) / float64(time.Millisecond)
	if ms < 1 {
		ms = 1
	}
	res.Throughput = float64(res.RecordsAnalyzed) / ms

	d.log.Info("changes detected",
		zap.String("entity", entityType),
		zap.Time("since", since),
		zap.Int("analyzed", res.RecordsAnalyzed),
		zap.Int("new", res.Summary.New),
		zap.Int("modified", res.Summary.Modified),
		zap.Int("deleted", res.Summary.Deleted),
		zap.Int("false_positives", res.Summary.FalsePositives),
		zap.Duration("duration", res.Duration))

	return res, nil
}

func (d *Detector) lookup(ctx context.Context, m entity.Mapping, rows []entity.Record) (map[string]entity.DestRecord, error) {
	out := make(map[string]entity.DestRecord, len(rows))
	for start := 0; start < len(rows); start += lookupChunk {
		end := min(start+lookupChunk, len(rows))
		ids := make([]string, 0, end-start)
		for _, r := range rows[start:end] {
			ids = append(ids, r.ID)
		}
		found, err := d.dst.Lookup(ctx, m, ids)
		if err != nil {
			return nil, fmt.Errorf("looking up %s in destination: %w", m.Name, err)
		}
		for k, v := range found {
			out[k] = v
		}
	}
	return out, nil
}

// deleted returns the destination legacy ids inside the window that no
// longer exist in the source, and how many ids were checked.
func (d *Detector) deleted(ctx context.Context, m entity.Mapping, since time.Time) ([]string, int, error) {
	ids, err := d.dst.LegacyIDs(ctx, m, since)
	if err != nil {
		return nil, 0, fmt.Errorf("listing %s legacy ids: %w", m.Name, err)
	}
	if len(ids) == 0 {
		return nil, 0, nil
	}
	exists, err := d.src.ExistingIDs(ctx, m, ids)
	if err != nil {
		return nil, 0, fmt.Errorf("checking %s source ids: %w", m.Name, err)
	}

	var gone []string
	for _, id := range ids {
		if !exists[id] {
			gone = append(gone, id)
		}
	}
	entity.SortIDs(gone)
	return gone, len(ids), nil
}
