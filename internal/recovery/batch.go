package recovery

import (
	"context"
	"errors"
	"fmt"
)

// BatchStatus is the outcome of a batch processed record by record.
type BatchStatus string

const (
	BatchSuccess        BatchStatus = "success"
	BatchPartialSuccess BatchStatus = "partial_success"
	BatchFailed         BatchStatus = "failed"
)

// HaltFailureRate is the share of failed records at which a batch halts.
const HaltFailureRate = 0.5

// RecordFailure pairs a record id with its classified error.
type RecordFailure struct {
	RecordID string          `json:"record_id"`
	Err      *MigrationError `json:"error"`
}

// BatchOutcome summarizes per-record recovery of a failed batch.
type BatchOutcome struct {
	Status     BatchStatus     `json:"status"`
	Succeeded  int             `json:"succeeded"`
	Skipped    int             `json:"skipped"`
	Failed     []RecordFailure `json:"failed,omitempty"`
	Halt       bool            `json:"halt"`
	HaltReason string          `json:"halt_reason,omitempty"`
	// HaltError is the first failure whose resolution stops the entity.
	HaltError *MigrationError `json:"-"`
}

// FailureRate is failed records over records attempted.
func (o BatchOutcome) FailureRate() float64 {
	total := o.Succeeded + o.Skipped + len(o.Failed)
	if total == 0 {
		return 0
	}
	return float64(len(o.Failed)) / float64(total)
}

// HandleBatch processes records one at a time through Execute and collects
// the per-record failures. The batch halts when any failure resolves to a
// halting action or when at least half of the records failed; otherwise the
// failed records are returned for a later retry.
func HandleBatch[R any](ctx context.Context, c *Controller, ec ErrorContext, records []R, id func(R) string, process func(ctx context.Context, rec R) error) (BatchOutcome, error) {
	var out BatchOutcome

	for _, rec := range records {
		recCtx := ec
		recCtx.RecordID = id(rec)
		recCtx.Operation = ec.Operation + ".record"

		err := c.Do(ctx, recCtx, func(ctx context.Context, _ Attempt) error {
			return process(ctx, rec)
		})
		if err == nil {
			out.Succeeded++
			continue
		}
		if ctx.Err() != nil {
			return out, ctx.Err()
		}

		var me *MigrationError
		if !errors.As(err, &me) {
			// breaker refusals and other unclassified errors
			me = c.Classify(err, recCtx)
			c.DetermineResolution(me)
		}
		if me.Resolution != nil && me.Resolution.Action == ActionSkip {
			out.Skipped++
			continue
		}

		out.Failed = append(out.Failed, RecordFailure{RecordID: recCtx.RecordID, Err: me})
		if me.Halted() && out.HaltError == nil {
			out.HaltError = me
		}
	}

	switch {
	case len(out.Failed) == 0:
		out.Status = BatchSuccess
	case out.FailureRate() >= HaltFailureRate:
		out.Status = BatchFailed
	default:
		out.Status = BatchPartialSuccess
	}

	if out.HaltError != nil {
		out.Halt = true
		out.HaltReason = out.HaltError.Resolution.Reason
	} else if out.Status == BatchFailed {
		out.Halt = true
		out.HaltReason = fmt.Sprintf("%d of %d records failed", len(out.Failed), len(records))
	}

	return out, nil
}
