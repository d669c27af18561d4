package planner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/johndauphine/legacy-migrate/internal/checkpoint"
	"github.com/johndauphine/legacy-migrate/internal/entity"
	"github.com/johndauphine/legacy-migrate/internal/progress"
	"github.com/johndauphine/legacy-migrate/internal/recovery"
	"go.uber.org/zap"
)

// Checkpoint reasons
const (
	reasonInterval = "interval"
	reasonPause    = "pause"
	reasonHalt     = "halt"
	reasonTimeout  = "timeout"
)

// entityRun is the mutable state of one entity while it executes.
type entityRun struct {
	task      Task
	res       *EntityResult
	batchSize int
	total     int64
	processed int64
	startedAt time.Time
}

func (p *Planner) runEntity(ctx context.Context, task Task, er *EntityResult) {
	log := p.log.With(zap.String("entity", task.EntityType))

	m, err := p.cfg.Registry.Lookup(task.EntityType)
	if err != nil {
		er.Status = checkpoint.EntityFailed
		er.Err = err
		er.Halt = &HaltError{
			Entity:      task.EntityType,
			Reason:      err.Error(),
			ManualSteps: []string{"Add the entity to the entities section of the configuration"},
			Err:         err,
		}
		p.saveStatus(er, nil, nil, err.Error())
		return
	}

	run := &entityRun{
		task:      task,
		res:       er,
		batchSize: p.cfg.BatchSize,
		total:     int64(len(task.RecordIDs)),
		startedAt: p.now(),
	}

	start := 0
	cp, err := p.resumePoint(task.EntityType)
	if err != nil {
		log.Warn("loading checkpoint, starting from the first batch", zap.Error(err))
	}
	if cp != nil {
		run.batchSize = p.batchSize(cp)
		if run.batchSize != p.cfg.BatchSize {
			log.Info("keeping the batch size recorded at the checkpoint",
				zap.Int("checkpoint_batch_size", run.batchSize),
				zap.Int("configured_batch_size", p.cfg.BatchSize))
		}
		start = cp.StartBatchIndex(run.batchSize)
		run.processed = cp.RecordsProcessed
		er.ResumedFromBatch = start
		er.LastCheckpointID = cp.ID
		log.Info("resuming entity",
			zap.String("checkpoint", cp.ID),
			zap.Int("batch", start),
			zap.Int64("processed", cp.RecordsProcessed))
	}
	er.RecordsProcessed = run.processed

	batches := int((run.total + int64(run.batchSize) - 1) / int64(run.batchSize))

	p.tracker.StartTracking(task.EntityType, run.total)
	if run.processed > 0 || batches == 0 {
		_, _ = p.tracker.UpdateProgress(task.EntityType, run.processed, nil)
	}

	er.Status = checkpoint.EntityRunning
	p.saveStatus(er, &run.startedAt, nil, "")

	var deadline time.Time
	if p.cfg.EntityTimeout > 0 {
		deadline = run.startedAt.Add(p.cfg.EntityTimeout)
	}

	sinceCheckpoint := 0
	for i := start; i < batches; i++ {
		if ctx.Err() != nil {
			p.entityCancelled(run)
			return
		}
		p.pollControl()
		if p.pauseRequested() {
			p.entityPaused(run, i)
			return
		}

		lo := i * run.batchSize
		hi := min(lo+run.batchSize, int(run.total))
		br, err := p.processBatch(ctx, m, i, task.RecordIDs[lo:hi])
		er.Stats.add(br.stats)
		if err != nil {
			p.entityCancelled(run)
			return
		}
		if p.cfg.Observer != nil {
			p.cfg.Observer.ObserveBatch(task.EntityType, string(br.status), br.stats.FetchTime+br.stats.WriteTime)
		}

		er.RecordsWritten += br.written
		er.RecordsDeleted += br.deleted
		er.RecordsSkipped += br.skipped
		er.RecordsFailed += int64(len(br.failed))

		if br.halted() {
			p.entityHalted(run, i, br)
			return
		}

		run.processed = max(run.processed, int64(hi))
		er.RecordsProcessed = run.processed
		er.BatchesCompleted++
		_, _ = p.tracker.UpdateProgress(task.EntityType, run.processed, &progress.BatchInfo{
			Index:    i,
			Size:     hi - lo,
			Duration: br.stats.FetchTime + br.stats.WriteTime,
		})

		sinceCheckpoint++
		if sinceCheckpoint >= p.cfg.CheckpointInterval && i+1 < batches {
			id, err := p.writeCheckpoint(run, i+1, reasonInterval, nil)
			if err != nil {
				p.checkpointFailed(run, i+1, err)
				return
			}
			er.LastCheckpointID = id
			sinceCheckpoint = 0
		}
		p.saveStatus(er, &run.startedAt, nil, "")

		if !deadline.IsZero() && i+1 < batches && p.now().After(deadline) {
			p.entityTimedOut(run, i+1)
			return
		}
	}

	if p.cfg.EnableValidation {
		vStart := p.now()
		v, err := p.Validate(ctx, m, task.RecordIDs)
		er.Stats.ValidateTime += p.now().Sub(vStart)
		switch {
		case err != nil:
			log.Warn("sampled validation failed", zap.Error(err))
		case v.MatchPercentage < 100:
			log.Warn("sampled validation found differences",
				zap.Int("sampled", v.Sampled),
				zap.Float64("match_percentage", v.MatchPercentage),
				zap.Strings("missing", v.Missing),
				zap.Strings("mismatched", v.Mismatched))
		default:
			log.Info("sampled validation passed", zap.Int("sampled", v.Sampled))
		}
		er.Validation = v
	}

	completed := p.now()
	er.Status = checkpoint.EntityCompleted
	p.saveStatus(er, &run.startedAt, &completed, "")
	log.Info("entity completed",
		zap.Int64("written", er.RecordsWritten),
		zap.Int64("deleted", er.RecordsDeleted),
		zap.Int64("skipped", er.RecordsSkipped),
		zap.String("stats", er.Stats.String()))
}

func (p *Planner) entityPaused(run *entityRun, position int) {
	er := run.res
	id, err := p.writeCheckpoint(run, position, reasonPause, nil)
	if err != nil {
		p.checkpointFailed(run, position, err)
		return
	}
	er.LastCheckpointID = id
	er.Paused = true
	er.Status = checkpoint.EntityPending
	p.saveStatus(er, &run.startedAt, nil, "")
	_, _ = p.tracker.SetStatus(er.EntityType, progress.StatusPaused)

	p.mu.Lock()
	p.pauseCheckpoint = id
	p.mu.Unlock()
	p.log.Info("entity paused", zap.String("entity", er.EntityType), zap.String("checkpoint", id), zap.Int("batch", position))
}

func (p *Planner) entityCancelled(run *entityRun) {
	er := run.res
	er.Status = checkpoint.EntityFailed
	er.Err = ErrCancelled
	p.saveStatus(er, &run.startedAt, nil, "cancelled; re-validate before resuming")
	_, _ = p.tracker.SetStatus(er.EntityType, progress.StatusError)
}

func (p *Planner) entityHalted(run *entityRun, position int, br batchResult) {
	er := run.res
	failedIDs := make([]string, len(br.failed))
	for i, f := range br.failed {
		failedIDs[i] = f.RecordID
	}

	halt := &HaltError{
		Entity:      er.EntityType,
		Reason:      br.haltReason,
		ManualSteps: br.haltSteps,
		Err:         br.haltErr,
	}
	id, err := p.writeCheckpoint(run, position, reasonHalt, failedIDs)
	if err != nil {
		p.log.Error("writing halt checkpoint", zap.String("entity", er.EntityType), zap.Error(err))
		halt.CheckpointID = er.LastCheckpointID
	} else {
		halt.CheckpointID = id
		er.LastCheckpointID = id
	}

	er.Status = checkpoint.EntityFailed
	er.Halt = halt
	er.Err = halt
	p.saveStatus(er, &run.startedAt, nil, halt.Reason)
	_, _ = p.tracker.SetStatus(er.EntityType, progress.StatusError)
	p.log.Error("entity halted",
		zap.String("entity", er.EntityType),
		zap.Int("batch", position),
		zap.String("batch_status", string(br.status)),
		zap.Int("failed", len(br.failed)),
		zap.String("reason", halt.Reason))
}

func (p *Planner) entityTimedOut(run *entityRun, position int) {
	er := run.res
	halt := &HaltError{
		Entity: er.EntityType,
		Reason: fmt.Sprintf("exceeded timeout of %s after %d of %d records", p.cfg.EntityTimeout, run.processed, run.total),
		ManualSteps: []string{
			"Increase migration.timeout_ms or lower the number of records per run",
			"Resume the run to continue from the checkpoint",
		},
	}
	id, err := p.writeCheckpoint(run, position, reasonTimeout, nil)
	if err != nil {
		p.log.Error("writing timeout checkpoint", zap.String("entity", er.EntityType), zap.Error(err))
		halt.CheckpointID = er.LastCheckpointID
	} else {
		halt.CheckpointID = id
		er.LastCheckpointID = id
	}

	er.TimedOut = true
	er.Status = checkpoint.EntityFailed
	er.Halt = halt
	er.Err = halt
	p.saveStatus(er, &run.startedAt, nil, halt.Reason)
	_, _ = p.tracker.SetStatus(er.EntityType, progress.StatusError)
	p.log.Warn("entity timed out", zap.String("entity", er.EntityType), zap.Int("next_batch", position))
}

func (p *Planner) checkpointFailed(run *entityRun, position int, err error) {
	er := run.res
	er.Status = checkpoint.EntityFailed
	er.Halt = &HaltError{
		Entity:       er.EntityType,
		Reason:       fmt.Sprintf("checkpoint at batch %d could not be persisted: %v", position, err),
		CheckpointID: er.LastCheckpointID,
		ManualSteps:  []string{"Check the state database or state file", "Resume the run from the last checkpoint"},
		Err:          err,
	}
	er.Err = er.Halt
	p.saveStatus(er, &run.startedAt, nil, er.Halt.Reason)
	_, _ = p.tracker.SetStatus(er.EntityType, progress.StatusError)
}

// writeCheckpoint persists the entity's position synchronously.
func (p *Planner) writeCheckpoint(run *entityRun, position int, reason string, failedIDs []string) (string, error) {
	cp := checkpoint.Checkpoint{
		ID:               uuid.NewString(),
		RunID:            p.cfg.RunID,
		Entity:           run.task.EntityType,
		BatchPosition:    position,
		RecordsProcessed: run.processed,
		RecordsRemaining: run.total - run.processed,
		Data: checkpoint.CheckpointData{
			BatchSize:  run.batchSize,
			StartedAt:  run.startedAt,
			MemoryMB:   p.memoryMB(),
			Reason:     reason,
			FailedIDs:  failedIDs,
			TotalCount: run.total,
		},
		CreatedAt: p.now(),
		Resumable: true,
	}
	if run.processed > 0 {
		cp.LastProcessedID = run.task.RecordIDs[run.processed-1]
	}
	if err := p.cfg.State.SaveCheckpoint(cp); err != nil {
		return "", err
	}
	p.log.Debug("checkpoint saved",
		zap.String("entity", cp.Entity),
		zap.String("id", cp.ID),
		zap.String("reason", reason),
		zap.Int("batch", position))
	return cp.ID, nil
}

// batchResult is the outcome of one batch.
type batchResult struct {
	status  recovery.BatchStatus
	written int64
	deleted int64
	skipped int64
	failed  []recovery.RecordFailure
	stats   Stats

	haltReason string
	haltSteps  []string
	haltErr    error
}

func (b batchResult) halted() bool {
	return b.haltReason != ""
}

// processBatch copies one batch: source rows are upserted, ids the source
// no longer has are deleted. A failed bulk write is retried record by record
// when the failure concerns individual rows.
func (p *Planner) processBatch(ctx context.Context, m entity.Mapping, index int, ids []string) (br batchResult, err error) {
	br = batchResult{status: recovery.BatchSuccess, stats: Stats{Batches: 1}}
	ec := recovery.ErrorContext{RunID: p.cfg.RunID, EntityType: m.Name, BatchIndex: index}

	fetchStart := p.now()
	ec.Operation = "source.fetch"
	recs, err := recovery.Execute(ctx, p.ctrl, ec, func(ctx context.Context, _ recovery.Attempt) ([]entity.Record, error) {
		return p.cfg.Source.FetchByIDs(ctx, m, ids)
	})
	br.stats.FetchTime = p.now().Sub(fetchStart)
	if err != nil {
		if ctx.Err() != nil {
			return br, ctx.Err()
		}
		return p.batchFailure(br, ec, err, ids), nil
	}

	found := make(map[string]bool, len(recs))
	for _, r := range recs {
		found[r.ID] = true
	}
	var missing []string
	for _, id := range ids {
		if !found[id] {
			missing = append(missing, id)
		}
	}

	writeStart := p.now()
	defer func() { br.stats.WriteTime = p.now().Sub(writeStart) }()

	ec.Operation = "destination.upsert"
	err = p.ctrl.Do(ctx, ec, func(ctx context.Context, a recovery.Attempt) error {
		return p.upsert(ctx, m, recs, a.Shrink)
	})
	switch {
	case err == nil:
		br.written = int64(len(recs))
	case ctx.Err() != nil:
		return br, ctx.Err()
	case !recordLevel(err):
		return p.batchFailure(br, ec, err, ids), nil
	default:
		p.log.Warn("bulk write failed, retrying record by record",
			zap.String("entity", m.Name), zap.Int("batch", index), zap.Error(err))
		out, err := recovery.HandleBatch(ctx, p.ctrl, ec, recs,
			func(r entity.Record) string { return r.ID },
			func(ctx context.Context, r entity.Record) error {
				return p.upsert(ctx, m, []entity.Record{r}, 0)
			})
		if err != nil {
			return br, err
		}
		br.status = out.Status
		br.written = int64(out.Succeeded)
		br.skipped = int64(out.Skipped)
		br.failed = out.Failed
		if out.Halt {
			br.haltReason = out.HaltReason
			if out.HaltError != nil {
				br.haltErr = out.HaltError
				br.haltSteps = out.HaltError.Resolution.ManualSteps
			} else {
				br.haltSteps = []string{"Inspect the failed records in the error log", "Resume the run after correcting them"}
			}
			return br, nil
		}
	}

	if len(missing) > 0 {
		ec.Operation = "destination.delete"
		var deleted int64
		err := p.ctrl.Do(ctx, ec, func(ctx context.Context, _ recovery.Attempt) error {
			n, err := p.cfg.Destination.Delete(ctx, m, missing)
			deleted = n
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return br, ctx.Err()
			}
			return p.batchFailure(br, ec, err, ids), nil
		}
		br.deleted = int64(len(missing))
		if deleted < int64(len(missing)) {
			p.log.Debug("some deleted ids had no destination row",
				zap.String("entity", m.Name), zap.Int("ids", len(missing)), zap.Int64("rows", deleted))
		}
	}

	br.stats.Records = br.written + br.deleted
	return br, nil
}

// upsert writes recs in 2^shrink pieces.
func (p *Planner) upsert(ctx context.Context, m entity.Mapping, recs []entity.Record, shrink int) error {
	fps := p.fingerprints(m, recs)
	for _, part := range split(recs, 1<<min(shrink, maxShrink)) {
		if _, err := p.cfg.Destination.Upsert(ctx, m, part, fps); err != nil {
			return err
		}
	}
	return nil
}

func (p *Planner) fingerprints(m entity.Mapping, recs []entity.Record) map[string]string {
	if !p.cfg.ContentHashing {
		return nil
	}
	out := make(map[string]string, len(recs))
	for _, r := range recs {
		out[r.ID] = p.fp.Fingerprint(m, r.Fields)
	}
	return out
}

// batchFailure turns a failure of the whole batch into a halt.
func (p *Planner) batchFailure(br batchResult, ec recovery.ErrorContext, err error, ids []string) batchResult {
	br.status = recovery.BatchFailed
	br.haltErr = err
	for _, id := range ids {
		br.failed = append(br.failed, recovery.RecordFailure{RecordID: id})
	}

	if errors.Is(err, recovery.ErrCircuitOpen) {
		br.haltReason = err.Error()
		br.haltSteps = []string{
			"Wait for the store to become available",
			"Resume the run; completed batches are not repeated",
		}
		return br
	}

	var me *recovery.MigrationError
	if !errors.As(err, &me) || me.Resolution == nil {
		me = p.ctrl.Classify(err, ec)
		p.ctrl.DetermineResolution(me)
	}
	for i := range br.failed {
		br.failed[i].Err = me
	}
	br.haltReason = me.Resolution.Reason
	if br.haltReason == "" {
		br.haltReason = me.Message
	}
	br.haltSteps = me.Resolution.ManualSteps
	return br
}

// recordLevel reports whether a bulk write failure concerns individual rows
// rather than the store as a whole.
func recordLevel(err error) bool {
	var me *recovery.MigrationError
	if !errors.As(err, &me) {
		return false
	}
	switch me.Type {
	case recovery.TypeDataIntegrity, recovery.TypeValidation, recovery.TypeBusinessRule:
		return true
	}
	return false
}

func split(recs []entity.Record, pieces int) [][]entity.Record {
	if pieces <= 1 || len(recs) <= 1 {
		return [][]entity.Record{recs}
	}
	size := max((len(recs)+pieces-1)/pieces, 1)
	var out [][]entity.Record
	for lo := 0; lo < len(recs); lo += size {
		out = append(out, recs[lo:min(lo+size, len(recs))])
	}
	return out
}
