package planner

import (
	"context"
	"fmt"

	"github.com/johndauphine/legacy-migrate/internal/entity"
	"github.com/johndauphine/legacy-migrate/internal/recovery"
)

// ValidationResult is the outcome of a sampled source/destination compare.
type ValidationResult struct {
	Sampled         int      `json:"sampled"`
	Matched         int      `json:"matched"`
	Missing         []string `json:"missing,omitempty"`
	Mismatched      []string `json:"mismatched,omitempty"`
	MatchPercentage float64  `json:"match_percentage"`
}

// Validate compares up to ValidationSampleSize records of ids between source
// and destination. Ids the source no longer has are expected to be absent
// from the destination as well and are not sampled.
func (p *Planner) Validate(ctx context.Context, m entity.Mapping, ids []string) (*ValidationResult, error) {
	sample := p.sample(ids)
	res := &ValidationResult{}
	if len(sample) == 0 {
		res.MatchPercentage = 100
		return res, nil
	}

	ec := recovery.ErrorContext{RunID: p.cfg.RunID, EntityType: m.Name, Operation: "validate.source"}
	src, err := recovery.Execute(ctx, p.ctrl, ec, func(ctx context.Context, _ recovery.Attempt) ([]entity.Record, error) {
		return p.cfg.Source.FetchByIDs(ctx, m, sample)
	})
	if err != nil {
		return nil, fmt.Errorf("sampling %s source: %w", m.Name, err)
	}

	ec.Operation = "validate.destination"
	dst, err := recovery.Execute(ctx, p.ctrl, ec, func(ctx context.Context, _ recovery.Attempt) (map[string]map[string]any, error) {
		return p.cfg.Destination.Fetch(ctx, m, sample)
	})
	if err != nil {
		return nil, fmt.Errorf("sampling %s destination: %w", m.Name, err)
	}

	for _, rec := range src {
		res.Sampled++
		row, ok := dst[rec.ID]
		switch {
		case !ok:
			res.Missing = append(res.Missing, rec.ID)
		case !p.fp.Compare(m, rec.Fields, row):
			res.Mismatched = append(res.Mismatched, rec.ID)
		default:
			res.Matched++
		}
	}
	entity.SortIDs(res.Missing)
	entity.SortIDs(res.Mismatched)

	if res.Sampled == 0 {
		res.MatchPercentage = 100
	} else {
		res.MatchPercentage = float64(res.Matched) / float64(res.Sampled) * 100
	}
	return res, nil
}

func (p *Planner) sample(ids []string) []string {
	out := append([]string(nil), ids...)
	if p.cfg.Shuffle != nil {
		p.cfg.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	}
	if len(out) > p.cfg.ValidationSampleSize {
		out = out[:p.cfg.ValidationSampleSize]
	}
	return out
}
