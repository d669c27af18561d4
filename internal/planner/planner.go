package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/johndauphine/legacy-migrate/internal/checkpoint"
	"github.com/johndauphine/legacy-migrate/internal/config"
	"github.com/johndauphine/legacy-migrate/internal/detect"
	"github.com/johndauphine/legacy-migrate/internal/entity"
	"github.com/johndauphine/legacy-migrate/internal/logging"
	"github.com/johndauphine/legacy-migrate/internal/progress"
	"github.com/johndauphine/legacy-migrate/internal/recovery"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var (
	// ErrPaused is returned by Execute after a pause took effect.
	ErrPaused = errors.New("migration paused")
	// ErrCancelled is returned by Execute after Cancel. Work committed before
	// the cancel must be re-validated on the next run.
	ErrCancelled = errors.New("migration cancelled")
	// ErrNotRunning is returned by Pause and Cancel when nothing executes.
	ErrNotRunning = errors.New("no migration is executing")
	// ErrAlreadyRunning rejects a second concurrent Execute.
	ErrAlreadyRunning = errors.New("migration already executing")
	// ErrNotResumable rejects resuming from a non-resumable checkpoint.
	ErrNotResumable = errors.New("checkpoint is not resumable")
)

// maxShrink caps how often a memory-related retry halves a batch.
const maxShrink = 6

// Source reads records from the legacy store.
type Source interface {
	FetchByIDs(ctx context.Context, m entity.Mapping, ids []string) ([]entity.Record, error)
}

// Destination writes records into the new store, joined by legacy id.
type Destination interface {
	Upsert(ctx context.Context, m entity.Mapping, recs []entity.Record, fingerprints map[string]string) (int64, error)
	Delete(ctx context.Context, m entity.Mapping, ids []string) (int64, error)
	Fetch(ctx context.Context, m entity.Mapping, ids []string) (map[string]map[string]any, error)
}

// BatchObserver receives the outcome of every batch.
type BatchObserver interface {
	ObserveBatch(entityType, status string, d time.Duration)
}

// Options tunes execution.
type Options struct {
	BatchSize            int
	CheckpointInterval   int // batches between checkpoints
	ParallelEntityLimit  int
	EntityTimeout        time.Duration // 0 disables the wall-clock budget
	EnableValidation     bool
	ValidationSampleSize int
	FailOnCycle          bool
	// ContentHashing stores a content fingerprint with every upserted row.
	ContentHashing bool
	// ControlPollInterval throttles reads of out-of-process control requests;
	// 0 polls at every batch boundary.
	ControlPollInterval time.Duration
}

// OptionsFromConfig maps the migration and detection sections.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		BatchSize:            cfg.Migration.BatchSize,
		CheckpointInterval:   cfg.Migration.CheckpointInterval,
		ParallelEntityLimit:  cfg.Migration.ParallelEntityLimit,
		EntityTimeout:        time.Duration(cfg.Migration.TimeoutMs) * time.Millisecond,
		EnableValidation:     cfg.Migration.EnableValidation,
		ValidationSampleSize: cfg.Migration.ValidationSampleSize,
		FailOnCycle:          cfg.Migration.FailOnCycle,
		ContentHashing:       cfg.Detection.ContentHashing,
		ControlPollInterval:  time.Second,
	}
}

// Config wires a Planner to its collaborators.
type Config struct {
	Options

	RunID       string
	Registry    *entity.Registry
	Source      Source
	Destination Destination
	State       checkpoint.StateBackend

	// Optional collaborators; nil gets a default.
	Recovery      *recovery.Controller
	Tracker       *progress.Tracker
	Fingerprinter *detect.Fingerprinter
	Observer      BatchObserver
	Memory        progress.MemorySampler
	Logger        *zap.Logger
	Now           func() time.Time
	// Shuffle picks the validation sample; nil uses the first ids.
	Shuffle func(n int, swap func(i, j int))
}

// HaltError stops an entity and every later dependency level. It carries the
// last good checkpoint and the steps needed before resuming.
type HaltError struct {
	Entity       string
	Reason       string
	CheckpointID string
	ManualSteps  []string
	Err          error
}

func (e *HaltError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "entity %s halted: %s", e.Entity, e.Reason)
	if e.CheckpointID != "" {
		fmt.Fprintf(&sb, " (resume from checkpoint %s)", e.CheckpointID)
	}
	for i, step := range e.ManualSteps {
		fmt.Fprintf(&sb, "\n  %d. %s", i+1, step)
	}
	return sb.String()
}

func (e *HaltError) Unwrap() error {
	return e.Err
}

// SupersededError rejects resuming from a checkpoint that a later checkpoint
// of the same entity has replaced. Checkpoint positions never move backwards,
// so only the latest one can be resumed from.
type SupersededError struct {
	CheckpointID string
	Entity       string
	LatestID     string
}

func (e *SupersededError) Error() string {
	return fmt.Sprintf("checkpoint %s of entity %s is superseded; resume from checkpoint %s", e.CheckpointID, e.Entity, e.LatestID)
}

func (e *SupersededError) Unwrap() error {
	return ErrNotResumable
}

// EntityResult is the outcome of one entity in one execution.
type EntityResult struct {
	EntityType       string            `json:"entity_type"`
	Level            int               `json:"level"`
	DependencyOrder  int               `json:"dependency_order"`
	Status           string            `json:"status"`
	RecordsTotal     int64             `json:"records_total"`
	RecordsProcessed int64             `json:"records_processed"`
	RecordsWritten   int64             `json:"records_written"`
	RecordsDeleted   int64             `json:"records_deleted"`
	RecordsSkipped   int64             `json:"records_skipped"`
	RecordsFailed    int64             `json:"records_failed"`
	BatchesCompleted int               `json:"batches_completed"`
	ResumedFromBatch int               `json:"resumed_from_batch"`
	LastCheckpointID string            `json:"last_checkpoint_id,omitempty"`
	Paused           bool              `json:"paused,omitempty"`
	TimedOut         bool              `json:"timed_out,omitempty"`
	Validation       *ValidationResult `json:"validation,omitempty"`
	Stats            Stats             `json:"stats"`
	Halt             *HaltError        `json:"-"`
	Err              error             `json:"-"`
}

// ExecutionResult is the outcome of Execute.
type ExecutionResult struct {
	RunID     string          `json:"run_id"`
	Levels    [][]string      `json:"levels"`
	Entities  []*EntityResult `json:"entities"`
	Cycle     *CycleError     `json:"-"`
	Halt      *HaltError      `json:"-"`
	Paused    bool            `json:"paused"`
	Cancelled bool            `json:"cancelled"`
	StartedAt time.Time       `json:"started_at"`
	Duration  time.Duration   `json:"duration"`
}

// Entity returns the result for one entity, or nil.
func (r *ExecutionResult) Entity(name string) *EntityResult {
	for _, er := range r.Entities {
		if er.EntityType == name {
			return er
		}
	}
	return nil
}

// Completed reports whether every entity completed.
func (r *ExecutionResult) Completed() bool {
	for _, er := range r.Entities {
		if er.Status != checkpoint.EntityCompleted {
			return false
		}
	}
	return true
}

// Planner executes migration tasks level by level. One Planner owns one run.
type Planner struct {
	cfg     Config
	ctrl    *recovery.Controller
	tracker *progress.Tracker
	fp      *detect.Fingerprinter
	log     *zap.Logger
	now     func() time.Time
	poll    *rate.Sometimes

	mu              sync.Mutex
	running         bool
	done            chan struct{}
	pauseCh         chan struct{}
	pausing         bool
	cancelled       bool
	cancel          context.CancelFunc
	pauseCheckpoint string
	resume          map[string]*checkpoint.Checkpoint
}

// New validates cfg and returns a Planner.
func New(cfg Config) (*Planner, error) {
	var errs []error
	if cfg.RunID == "" {
		errs = append(errs, errors.New("run id is required"))
	}
	if cfg.Registry == nil {
		errs = append(errs, errors.New("entity registry is required"))
	}
	if cfg.Source == nil {
		errs = append(errs, errors.New("source store is required"))
	}
	if cfg.Destination == nil {
		errs = append(errs, errors.New("destination store is required"))
	}
	if cfg.State == nil {
		errs = append(errs, errors.New("state backend is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("planner: %w", err)
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = 10
	}
	if cfg.ParallelEntityLimit <= 0 {
		cfg.ParallelEntityLimit = 1
	}
	if cfg.ValidationSampleSize <= 0 {
		cfg.ValidationSampleSize = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Named("planner")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Recovery == nil {
		opts := recovery.DefaultOptions()
		opts.Logger = cfg.Logger
		cfg.Recovery = recovery.NewController(opts)
	}
	if cfg.Tracker == nil {
		cfg.Tracker = progress.NewTracker(progress.Options{Logger: cfg.Logger, Now: cfg.Now})
	}
	if cfg.Fingerprinter == nil {
		fp, err := detect.NewFingerprinter("sha256", nil, "")
		if err != nil {
			return nil, err
		}
		cfg.Fingerprinter = fp
	}

	poll := &rate.Sometimes{Interval: cfg.ControlPollInterval}
	if cfg.ControlPollInterval <= 0 {
		poll = &rate.Sometimes{Every: 1}
	}

	return &Planner{
		cfg:     cfg,
		ctrl:    cfg.Recovery,
		tracker: cfg.Tracker,
		fp:      cfg.Fingerprinter,
		log:     cfg.Logger,
		now:     cfg.Now,
		poll:    poll,
		resume:  make(map[string]*checkpoint.Checkpoint),
	}, nil
}

// RunID returns the run this planner executes.
func (p *Planner) RunID() string {
	return p.cfg.RunID
}

// Tracker returns the progress tracker fed by execution.
func (p *Planner) Tracker() *progress.Tracker {
	return p.tracker
}

// Execute runs tasks level by level. Levels run strictly in sequence and
// any entity that does not complete blocks the levels after it.
//
// The returned error is a *HaltError, ErrPaused, ErrCancelled, or a
// *CycleError when FailOnCycle is set; the result is non-nil in every case
// but plan construction failures.
func (p *Planner) Execute(ctx context.Context, tasks []Task) (*ExecutionResult, error) {
	levels, err := BuildDependencyGraph(tasks)
	var cycle *CycleError
	if err != nil {
		if !errors.As(err, &cycle) || p.cfg.FailOnCycle {
			return nil, err
		}
		p.log.Warn("dependency cycle detected, running the remaining entities as a final level",
			zap.Strings("entities", cycle.Entities))
	}
	for name, deps := range UnknownDependencies(tasks) {
		p.log.Warn("ignoring dependencies on unplanned entities",
			zap.String("entity", name), zap.Strings("dependencies", deps))
	}

	runCtx, err := p.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer p.end()

	res := &ExecutionResult{RunID: p.cfg.RunID, Cycle: cycle, StartedAt: p.now()}
	defer func() { res.Duration = p.now().Sub(res.StartedAt) }()

	prior, err := p.priorStatuses()
	if err != nil {
		return nil, err
	}

	for li, level := range levels {
		names := make([]string, len(level))
		for pos, t := range level {
			names[pos] = t.EntityType
			level[pos] = p.loadPlan(t)
			er := &EntityResult{
				EntityType:      t.EntityType,
				Level:           li,
				DependencyOrder: DependencyOrder(li, pos),
				Status:          checkpoint.EntityPending,
				RecordsTotal:    int64(len(level[pos].RecordIDs)),
			}
			if es, ok := prior[t.EntityType]; ok {
				er.RecordsProcessed = es.RecordsProcessed
				er.RecordsFailed = es.RecordsFailed
				if es.Status == checkpoint.EntityCompleted {
					er.Status = checkpoint.EntityCompleted
				}
			}
			if er.Status != checkpoint.EntityCompleted {
				p.saveStatus(er, nil, nil, "")
			}
			res.Entities = append(res.Entities, er)
		}
		res.Levels = append(res.Levels, names)
	}

	for li, level := range levels {
		if p.isCancelled() {
			break
		}
		p.log.Info("executing dependency level", zap.Int("level", li), zap.Strings("entities", res.Levels[li]))

		g := new(errgroup.Group)
		g.SetLimit(p.cfg.ParallelEntityLimit)
		for _, t := range level {
			er := res.Entity(t.EntityType)
			if er.Status == checkpoint.EntityCompleted {
				p.log.Info("entity already completed in this run", zap.String("entity", t.EntityType))
				continue
			}
			// A pending pause still launches the entity so that it records a
			// pause checkpoint at its starting position.
			if p.isCancelled() {
				break
			}
			g.Go(func() error {
				p.runEntity(runCtx, t, er)
				return nil
			})
		}
		_ = g.Wait()

		if stop := p.levelOutcome(res, li); stop {
			break
		}
	}
	p.settleStop(res)

	switch {
	case res.Cancelled:
		return res, ErrCancelled
	case res.Halt != nil:
		return res, res.Halt
	case res.Paused:
		return res, ErrPaused
	}
	return res, nil
}

// levelOutcome folds one finished level into res and reports whether the
// next level must not start.
func (p *Planner) levelOutcome(res *ExecutionResult, level int) bool {
	p.mu.Lock()
	res.Cancelled = p.cancelled
	p.mu.Unlock()

	stop := res.Cancelled
	for _, er := range res.Entities {
		if er.Level != level {
			continue
		}
		switch {
		case er.Paused:
			res.Paused = true
			stop = true
		case er.Status == checkpoint.EntityFailed:
			if res.Halt == nil && er.Halt != nil {
				res.Halt = er.Halt
			}
			stop = true
		case er.Status != checkpoint.EntityCompleted:
			// never started because a cancel arrived first
			stop = true
		}
	}
	if res.Halt != nil && !res.Cancelled {
		p.log.Error("dependency level failed, later levels blocked",
			zap.Int("level", level),
			zap.String("entity", res.Halt.Entity),
			zap.String("reason", res.Halt.Reason))
	}
	if stop && !res.Paused && !res.Cancelled && res.Halt == nil {
		res.Paused = p.PauseRequested()
	}
	return stop
}

// settleStop folds a pause or cancel that arrived after the last level
// outcome, so a run that left entities unfinished never reports success.
func (p *Planner) settleStop(res *ExecutionResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	res.Cancelled = res.Cancelled || p.cancelled
	if !res.Cancelled && res.Halt == nil && p.pausing && !res.Completed() {
		res.Paused = true
	}
}

// Pause asks every in-flight entity to stop at its next batch boundary and
// waits until execution has returned. The returned id is the last checkpoint
// written for the pause.
func (p *Planner) Pause(ctx context.Context) (string, error) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return "", ErrNotRunning
	}
	p.requestPauseLocked()
	done := p.done
	p.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pauseCheckpoint == "" {
		return "", fmt.Errorf("%w: execution finished before the pause took effect", ErrNotRunning)
	}
	return p.pauseCheckpoint, nil
}

// RequestPause flags a pause without waiting for it.
func (p *Planner) RequestPause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		p.requestPauseLocked()
	}
}

func (p *Planner) requestPauseLocked() {
	if !p.pausing {
		p.pausing = true
		close(p.pauseCh)
	}
}

// PauseRequested reports whether a pause is pending or took effect.
func (p *Planner) PauseRequested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pausing
}

// Cancel aborts execution immediately, including in-flight store calls. No
// checkpoint is written.
func (p *Planner) Cancel() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return ErrNotRunning
	}
	p.cancelled = true
	p.cancel()
	return nil
}

// Resume registers a checkpoint as the starting point of its entity for the
// next Execute and returns the batch index execution continues from.
func (p *Planner) Resume(checkpointID string) (int, error) {
	cp, err := p.cfg.State.GetCheckpoint(checkpointID)
	if err != nil {
		return 0, err
	}
	if !cp.Resumable {
		return 0, fmt.Errorf("%w: %s", ErrNotResumable, checkpointID)
	}
	if cp.RunID != p.cfg.RunID {
		return 0, fmt.Errorf("checkpoint %s belongs to run %s, not %s", checkpointID, cp.RunID, p.cfg.RunID)
	}
	latest, err := p.cfg.State.GetLatestCheckpoint(cp.RunID, cp.Entity)
	if err != nil {
		return 0, err
	}
	if latest != nil && latest.ID != cp.ID &&
		(latest.BatchPosition > cp.BatchPosition || latest.RecordsProcessed > cp.RecordsProcessed) {
		return 0, &SupersededError{CheckpointID: cp.ID, Entity: cp.Entity, LatestID: latest.ID}
	}

	p.mu.Lock()
	p.resume[cp.Entity] = cp
	p.mu.Unlock()

	start := cp.StartBatchIndex(p.batchSize(cp))
	p.log.Info("resume point registered",
		zap.String("entity", cp.Entity),
		zap.String("checkpoint", cp.ID),
		zap.Int("batch", start))
	return start, nil
}

func (p *Planner) begin(ctx context.Context) (context.Context, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil, ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.running = true
	p.done = make(chan struct{})
	p.pauseCh = make(chan struct{})
	p.pausing = false
	p.cancelled = false
	p.cancel = cancel
	p.pauseCheckpoint = ""
	return runCtx, nil
}

func (p *Planner) end() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancel()
	p.running = false
	close(p.done)
}

func (p *Planner) isCancelled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled
}

func (p *Planner) pauseRequested() bool {
	select {
	case <-p.pauseCh:
		return true
	default:
		return false
	}
}

// pollControl applies a pause or cancel posted by another process.
func (p *Planner) pollControl() {
	p.poll.Do(func() {
		cmd, err := p.cfg.State.TakeControl(p.cfg.RunID)
		if err != nil {
			p.log.Warn("reading control requests", zap.Error(err))
			return
		}
		switch cmd {
		case checkpoint.ControlPause:
			p.log.Info("pause requested externally")
			p.RequestPause()
		case checkpoint.ControlCancel:
			p.log.Info("cancel requested externally")
			_ = p.Cancel()
		}
	})
}

func (p *Planner) priorStatuses() (map[string]checkpoint.EntityStatus, error) {
	statuses, err := p.cfg.State.GetEntityStatuses(p.cfg.RunID)
	if err != nil {
		return nil, fmt.Errorf("loading entity statuses: %w", err)
	}
	out := make(map[string]checkpoint.EntityStatus, len(statuses))
	for _, es := range statuses {
		out[es.Entity] = es
	}
	return out, nil
}

// loadPlan pins the record order of a task to the run: a persisted plan
// wins so that checkpoint positions keep pointing at the same records.
func (p *Planner) loadPlan(t Task) Task {
	saved, err := p.cfg.State.GetPlan(p.cfg.RunID, t.EntityType)
	if err != nil {
		p.log.Warn("loading plan", zap.String("entity", t.EntityType), zap.Error(err))
	}
	if len(saved) > 0 {
		if len(saved) != len(t.RecordIDs) {
			p.log.Info("using the plan persisted for this run",
				zap.String("entity", t.EntityType),
				zap.Int("persisted", len(saved)),
				zap.Int("requested", len(t.RecordIDs)))
		}
		t.RecordIDs = saved
		return t
	}
	if err := p.cfg.State.SavePlan(p.cfg.RunID, t.EntityType, t.RecordIDs); err != nil {
		p.log.Warn("saving plan", zap.String("entity", t.EntityType), zap.Error(err))
	}
	return t
}

// resumePoint returns the checkpoint an entity continues from, if any.
func (p *Planner) resumePoint(entityType string) (*checkpoint.Checkpoint, error) {
	p.mu.Lock()
	cp, ok := p.resume[entityType]
	delete(p.resume, entityType)
	p.mu.Unlock()
	if ok {
		return cp, nil
	}

	cp, err := p.cfg.State.GetLatestCheckpoint(p.cfg.RunID, entityType)
	if err != nil || cp == nil || !cp.Resumable {
		return nil, err
	}
	return cp, nil
}

// batchSize is the batch size a checkpoint's positions were counted in.
func (p *Planner) batchSize(cp *checkpoint.Checkpoint) int {
	if cp != nil && cp.Data.BatchSize > 0 {
		return cp.Data.BatchSize
	}
	return p.cfg.BatchSize
}

func (p *Planner) memoryMB() float64 {
	if p.cfg.Memory == nil {
		return 0
	}
	mb, err := p.cfg.Memory.MemoryMB()
	if err != nil {
		return 0
	}
	return mb
}

func (p *Planner) saveStatus(er *EntityResult, started, completed *time.Time, errMsg string) {
	es := checkpoint.EntityStatus{
		RunID:            p.cfg.RunID,
		Entity:           er.EntityType,
		DependencyOrder:  er.DependencyOrder,
		Level:            er.Level,
		Status:           er.Status,
		RecordsTotal:     er.RecordsTotal,
		RecordsProcessed: er.RecordsProcessed,
		RecordsFailed:    er.RecordsFailed,
		StartedAt:        started,
		CompletedAt:      completed,
		Error:            errMsg,
	}
	if err := p.cfg.State.SaveEntityStatus(es); err != nil {
		p.log.Warn("saving entity status", zap.String("entity", er.EntityType), zap.Error(err))
	}
}
