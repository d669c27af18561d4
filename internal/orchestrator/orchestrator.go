// Package orchestrator wires change detection, planning, progress tracking
// and notifications into migration runs that can be paused, resumed and
// inspected.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/johndauphine/legacy-migrate/internal/checkpoint"
	"github.com/johndauphine/legacy-migrate/internal/config"
	"github.com/johndauphine/legacy-migrate/internal/detect"
	"github.com/johndauphine/legacy-migrate/internal/entity"
	"github.com/johndauphine/legacy-migrate/internal/logging"
	"github.com/johndauphine/legacy-migrate/internal/metrics"
	"github.com/johndauphine/legacy-migrate/internal/notify"
	"github.com/johndauphine/legacy-migrate/internal/planner"
	"github.com/johndauphine/legacy-migrate/internal/progress"
	"github.com/johndauphine/legacy-migrate/internal/recovery"
	"github.com/johndauphine/legacy-migrate/internal/source"
	"github.com/johndauphine/legacy-migrate/internal/target"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNoIncompleteRun is returned by Resume when nothing can be resumed.
	ErrNoIncompleteRun = errors.New("no incomplete run found - use 'run' to start a new migration")
	// ErrNoRuns is returned when the state backend holds no run at all.
	ErrNoRuns = errors.New("no runs found")
)

// Run phases
const (
	PhaseDetecting = "detecting"
	PhaseExecuting = "executing"
	PhaseComplete  = "complete"
)

// SourceStore is the legacy store as the orchestrator uses it.
type SourceStore interface {
	detect.SourceReader
	planner.Source
	Ping(ctx context.Context) error
	DBType() string
}

// DestinationStore is the redesigned store as the orchestrator uses it.
type DestinationStore interface {
	detect.DestinationReader
	planner.Destination
	Ping(ctx context.Context) error
}

// Deps are the collaborators an Orchestrator runs against. New opens them
// from configuration; tests supply fakes through NewWithDeps.
type Deps struct {
	Source      SourceStore
	Destination DestinationStore
	State       checkpoint.StateBackend

	// Optional; nil gets a default.
	Notifier notify.Provider
	Metrics  *metrics.Collector
	Memory   progress.MemorySampler
	Logger   *zap.Logger
	Now      func() time.Time
	Sleep    func(ctx context.Context, d time.Duration) error
	Out      io.Writer
}

// Options selects what a run covers.
type Options struct {
	// Entities limits the run to these entity names; empty runs all.
	Entities []string
	// Since overrides the stored sync baseline for every entity.
	Since *time.Time
	// FullSync ignores the sync baseline and scans every source row.
	FullSync bool
	// RunID picks the run to resume; empty resumes the latest incomplete run.
	RunID string
	// CheckpointID resumes one entity from an explicit checkpoint.
	CheckpointID string

	ProfileName string
	ConfigPath  string

	// Watchers consume the run's tracker until the run ends.
	Watchers []func(ctx context.Context, t *progress.Tracker)
}

// Orchestrator coordinates migration runs
type Orchestrator struct {
	config   *config.Config
	registry *entity.Registry
	source   SourceStore
	target   DestinationStore
	state    checkpoint.StateBackend
	ctrl     *recovery.Controller
	detector *detect.Detector
	fp       *detect.Fingerprinter
	notifier notify.Provider
	metrics  *metrics.Collector
	memory   progress.MemorySampler
	log      *zap.Logger
	now      func() time.Time
	out      io.Writer
	closers  []func()

	mu     sync.Mutex
	active *planner.Planner
}

// New opens the source and destination stores and the state backend
// described by cfg.
func New(ctx context.Context, cfg *config.Config) (*Orchestrator, error) {
	src, err := source.Open(ctx, cfg.Source.Type, cfg.SourceDSN(), cfg.Source.Schema, cfg.Migration.MaxSourceConnections)
	if err != nil {
		return nil, fmt.Errorf("creating source store: %w", err)
	}

	dst, err := target.Open(ctx, cfg.TargetDSN(), cfg.Target.Schema, cfg.Detection.ContentHashField, cfg.Migration.MaxTargetConnections)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("creating destination store: %w", err)
	}

	state, err := OpenState(cfg)
	if err != nil {
		src.Close()
		dst.Close()
		return nil, err
	}

	notifier, err := notify.New(cfg.Notify)
	if err != nil {
		src.Close()
		dst.Close()
		state.Close()
		return nil, err
	}

	deps := Deps{Source: src, Destination: dst, State: state, Notifier: notifier}
	if cfg.Metrics.Enabled {
		deps.Metrics = metrics.New()
	}
	if mem, err := progress.NewProcessMemory(); err == nil {
		deps.Memory = mem
	} else {
		logging.Warn("Memory sampling disabled: %v", err)
	}

	o, err := NewWithDeps(cfg, deps)
	if err != nil {
		src.Close()
		dst.Close()
		state.Close()
		return nil, err
	}
	o.closers = append(o.closers, func() { src.Close() }, dst.Close)
	return o, nil
}

// OpenState opens the YAML state file when one is configured, else the
// SQLite database in the data directory.
func OpenState(cfg *config.Config) (checkpoint.StateBackend, error) {
	var (
		state checkpoint.StateBackend
		err   error
	)
	if cfg.Migration.StateFile != "" {
		state, err = checkpoint.NewFileState(cfg.Migration.StateFile)
	} else {
		state, err = checkpoint.New(cfg.Migration.DataDir)
	}
	if err != nil {
		return nil, fmt.Errorf("creating state manager: %w", err)
	}
	return state, nil
}

// NewStateOnly builds an orchestrator that only reads and writes run state:
// status, history and control requests. It never connects to the source or
// destination, so those commands work while a database is down. Operations
// that need a store must not be called on it.
func NewStateOnly(cfg *config.Config, out io.Writer) (*Orchestrator, error) {
	state, err := OpenState(cfg)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = os.Stdout
	}
	return &Orchestrator{
		config:   cfg,
		registry: entity.FromConfig(cfg),
		state:    state,
		notifier: notify.Nop{},
		log:      logging.Named("orchestrator"),
		now:      time.Now,
		out:      out,
		closers:  []func(){func() { state.Close() }},
	}, nil
}

// NewWithDeps builds an orchestrator over already opened collaborators.
func NewWithDeps(cfg *config.Config, deps Deps) (*Orchestrator, error) {
	if deps.Source == nil || deps.Destination == nil || deps.State == nil {
		return nil, errors.New("orchestrator needs a source, a destination and a state backend")
	}
	if deps.Logger == nil {
		deps.Logger = logging.Named("orchestrator")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Out == nil {
		deps.Out = os.Stdout
	}

	o := &Orchestrator{
		config:   cfg,
		registry: entity.FromConfig(cfg),
		source:   deps.Source,
		target:   deps.Destination,
		state:    deps.State,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		memory:   deps.Memory,
		log:      deps.Logger,
		now:      deps.Now,
		out:      deps.Out,
	}

	fp, err := detect.NewFingerprinter(cfg.Detection.HashAlgorithm, cfg.Detection.ExcludedFields, cfg.Detection.ContentHashField)
	if err != nil {
		return nil, fmt.Errorf("creating fingerprinter: %w", err)
	}
	o.fp = fp

	o.ctrl = recovery.NewController(recovery.Options{
		MaxRetries:       cfg.Migration.RetryAttempts(),
		BaseDelay:        time.Duration(cfg.Retry.BaseDelayMs) * time.Millisecond,
		MaxDelay:         time.Duration(cfg.Retry.MaxDelayMs) * time.Millisecond,
		BreakerThreshold: cfg.Retry.BreakerThreshold,
		BreakerTimeout:   time.Duration(cfg.Retry.BreakerTimeoutMs) * time.Millisecond,
		Logger:           deps.Logger.Named("recovery"),
		Now:              deps.Now,
		Sleep:            deps.Sleep,
		OnError:          o.recordError,
	})
	if o.metrics != nil {
		if err := o.metrics.WatchBreakers(o.ctrl); err != nil {
			return nil, fmt.Errorf("registering breaker metrics: %w", err)
		}
	}

	o.detector, err = detect.New(detect.Config{
		Registry:      o.registry,
		Source:        deps.Source,
		Destination:   deps.Destination,
		Fingerprinter: fp,
		Logger:        deps.Logger.Named("detect"),
		Now:           deps.Now,
	})
	if err != nil {
		return nil, err
	}

	o.closers = append(o.closers, func() { deps.State.Close() })
	return o, nil
}

// Close releases all resources
func (o *Orchestrator) Close() {
	for i := len(o.closers) - 1; i >= 0; i-- {
		o.closers[i]()
	}
	o.closers = nil
}

// State returns the state backend.
func (o *Orchestrator) State() checkpoint.StateBackend {
	return o.state
}

// Metrics returns the Prometheus collector, or nil when metrics are off.
func (o *Orchestrator) Metrics() *metrics.Collector {
	return o.metrics
}

// Run detects changes since each entity's sync baseline and executes them
// as a new run.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*MigrationResult, error) {
	mappings, err := o.selectEntities(opts.Entities)
	if err != nil {
		return nil, err
	}

	runID := uuid.New().String()[:8]
	if err := o.state.CreateRun(runID, o.config.Sanitized(), opts.ProfileName, opts.ConfigPath); err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}
	run, err := o.state.GetRunByID(runID)
	if err != nil {
		return nil, fmt.Errorf("reading run %s: %w", runID, err)
	}
	o.log.Info("starting migration run", zap.String("run", runID), zap.Int("entities", len(mappings)))
	o.notify(o.notifier.RunStarted(runID, len(mappings)))

	if err := o.state.UpdatePhase(runID, PhaseDetecting); err != nil {
		return nil, o.fail(runID, run.StartedAt, fmt.Errorf("updating phase: %w", err))
	}
	// rows changed after the run started belong to the next run
	cut := run.StartedAt
	results, err := o.detectAll(ctx, runID, mappings, cut, opts)
	if err != nil {
		return nil, o.fail(runID, run.StartedAt, err)
	}
	tasks := make([]planner.Task, len(mappings))
	for i, m := range mappings {
		tasks[i] = planner.TaskFromChanges(results[i], m.DependsOn, m.Priority)
	}
	return o.execute(ctx, run, tasks, opts)
}

// Resume continues an interrupted run from its persisted plan and
// checkpoints.
func (o *Orchestrator) Resume(ctx context.Context, opts Options) (*MigrationResult, error) {
	var run *checkpoint.Run
	var err error
	if opts.RunID != "" {
		run, err = o.state.GetRunByID(opts.RunID)
	} else {
		run, err = o.state.GetLastIncompleteRun()
	}
	if err != nil {
		return nil, fmt.Errorf("finding incomplete run: %w", err)
	}
	if run == nil {
		if opts.RunID != "" {
			return nil, fmt.Errorf("%w: %s", checkpoint.ErrRunNotFound, opts.RunID)
		}
		return nil, ErrNoIncompleteRun
	}
	if run.Status == checkpoint.RunCompleted {
		return nil, fmt.Errorf("run %s already completed", run.ID)
	}

	statuses, err := o.state.GetEntityStatuses(run.ID)
	if err != nil {
		return nil, fmt.Errorf("loading entity statuses: %w", err)
	}
	if len(statuses) == 0 {
		return nil, fmt.Errorf("run %s has no execution plan - use 'run' to start a new migration", run.ID)
	}

	tasks := make([]planner.Task, 0, len(statuses))
	for _, es := range statuses {
		m, err := o.registry.Lookup(es.Entity)
		if err != nil {
			return nil, err
		}
		ids, err := o.state.GetPlan(run.ID, es.Entity)
		if err != nil {
			return nil, fmt.Errorf("loading plan for %s: %w", es.Entity, err)
		}
		tasks = append(tasks, planner.Task{
			EntityType:   es.Entity,
			RecordIDs:    ids,
			Dependencies: m.DependsOn,
			Priority:     m.Priority,
		})
	}

	if err := o.state.MarkRunAsResumed(run.ID); err != nil {
		return nil, fmt.Errorf("resetting entities: %w", err)
	}
	o.log.Info("resuming run", zap.String("run", run.ID), zap.Time("started", run.StartedAt), zap.Int("entities", len(tasks)))
	return o.execute(ctx, run, tasks, opts)
}

// Pause stops the in-process run at the next batch boundary and returns the
// pause checkpoint id.
func (o *Orchestrator) Pause(ctx context.Context) (string, error) {
	p := o.activePlanner()
	if p == nil {
		return "", planner.ErrNotRunning
	}
	return p.Pause(ctx)
}

// Cancel aborts the in-process run without a checkpoint.
func (o *Orchestrator) Cancel() error {
	p := o.activePlanner()
	if p == nil {
		return planner.ErrNotRunning
	}
	return p.Cancel()
}

// RequestPause asks the process executing runID (or the latest incomplete
// run) to pause. It returns the run id the request was posted for.
func (o *Orchestrator) RequestPause(runID string) (string, error) {
	return o.requestControl(runID, checkpoint.ControlPause)
}

// RequestCancel asks the process executing runID to cancel.
func (o *Orchestrator) RequestCancel(runID string) (string, error) {
	return o.requestControl(runID, checkpoint.ControlCancel)
}

func (o *Orchestrator) requestControl(runID, command string) (string, error) {
	if runID == "" {
		run, err := o.state.GetLastIncompleteRun()
		if err != nil {
			return "", err
		}
		if run == nil {
			return "", errors.New("no active migration")
		}
		runID = run.ID
	}
	if err := o.state.RequestControl(runID, command); err != nil {
		return "", fmt.Errorf("requesting %s for run %s: %w", command, runID, err)
	}
	return runID, nil
}

func (o *Orchestrator) selectEntities(names []string) ([]entity.Mapping, error) {
	if len(names) == 0 {
		all := o.registry.All()
		if len(all) == 0 {
			return nil, errors.New("no entities configured")
		}
		return all, nil
	}
	out := make([]entity.Mapping, 0, len(names))
	for _, name := range names {
		m, err := o.registry.Lookup(name)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (o *Orchestrator) baseline(name string, opts Options) (time.Time, error) {
	switch {
	case opts.FullSync:
		return time.Time{}, nil
	case opts.Since != nil:
		return *opts.Since, nil
	}
	ts, err := o.state.GetLastSyncTimestamp(name)
	if err != nil {
		return time.Time{}, fmt.Errorf("reading sync baseline for %s: %w", name, err)
	}
	if ts == nil {
		return time.Time{}, nil
	}
	return *ts, nil
}

// detectAll runs change detection for every entity, bounded by the
// parallel entity limit. Results are in mappings order.
func (o *Orchestrator) detectAll(ctx context.Context, runID string, mappings []entity.Mapping, cut time.Time, opts Options) ([]*detect.Result, error) {
	results := make([]*detect.Result, len(mappings))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(o.config.Migration.ParallelEntityLimit, 1))

	for i, m := range mappings {
		g.Go(func() error {
			since, err := o.baseline(m.Name, opts)
			if err != nil {
				return err
			}
			ec := recovery.ErrorContext{RunID: runID, EntityType: m.Name, Operation: "detect"}
			res, err := recovery.Execute(gctx, o.ctrl, ec, func(ctx context.Context, _ recovery.Attempt) (*detect.Result, error) {
				return o.detector.DetectChanges(ctx, m.Name, since, detect.Options{
					IncludeDeletes: o.config.Detection.IncludeDeletes,
					ContentHashing: o.config.Detection.ContentHashing,
					Until:          &cut,
					SampleLimit:    o.config.Detection.SampleLimit,
				})
			})
			if err != nil {
				return fmt.Errorf("detecting changes for %s: %w", m.Name, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (o *Orchestrator) newTracker() *progress.Tracker {
	a := o.config.Alerts
	ms := func(v int64) time.Duration { return time.Duration(v) * time.Millisecond }
	return progress.NewTracker(progress.Options{
		Thresholds: progress.Thresholds{
			MinThroughput: a.MinThroughput,
			MaxMemoryMB:   a.MaxMemoryMB,
			StallWindow:   ms(a.StallWindowMs),
			ETADeviation:  ms(a.ETADeviationMs),
			DedupWindow:   ms(a.DedupWindowMs),
		},
		Retention:     ms(a.RetentionMs),
		PruneInterval: ms(a.PruneIntervalMs),
		Memory:        o.memory,
		Logger:        o.log.Named("progress"),
		Now:           o.now,
	})
}

func (o *Orchestrator) newPlanner(runID string, tracker *progress.Tracker) (*planner.Planner, error) {
	cfg := planner.Config{
		Options:       planner.OptionsFromConfig(o.config),
		RunID:         runID,
		Registry:      o.registry,
		Source:        o.source,
		Destination:   o.target,
		State:         o.state,
		Recovery:      o.ctrl,
		Tracker:       tracker,
		Fingerprinter: o.fp,
		Memory:        o.memory,
		Logger:        o.log.Named("planner"),
		Now:           o.now,
	}
	if o.metrics != nil {
		cfg.Observer = o.metrics
	}
	return planner.New(cfg)
}

// execute runs tasks under a fresh planner and settles the run's status.
func (o *Orchestrator) execute(ctx context.Context, run *checkpoint.Run, tasks []planner.Task, opts Options) (*MigrationResult, error) {
	tracker := o.newTracker()
	p, err := o.newPlanner(run.ID, tracker)
	if err != nil {
		return nil, o.fail(run.ID, run.StartedAt, err)
	}
	if opts.CheckpointID != "" {
		batch, err := p.Resume(opts.CheckpointID)
		if err != nil {
			return nil, fmt.Errorf("resuming from checkpoint %s: %w", opts.CheckpointID, err)
		}
		o.log.Info("resuming from checkpoint", zap.String("checkpoint", opts.CheckpointID), zap.Int("batch", batch))
	}
	if err := o.state.UpdatePhase(run.ID, PhaseExecuting); err != nil {
		return nil, o.fail(run.ID, run.StartedAt, fmt.Errorf("updating phase: %w", err))
	}

	o.setActive(p)
	defer o.setActive(nil)

	watchCtx, stopWatchers := context.WithCancel(ctx)
	var wg sync.WaitGroup
	watch := func(fn func(ctx context.Context, t *progress.Tracker)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(watchCtx, tracker)
		}()
	}
	watch(func(ctx context.Context, t *progress.Tracker) { t.Run(ctx) })
	watch(func(ctx context.Context, t *progress.Tracker) { o.forwardAlerts(ctx, run.ID, t) })
	if o.metrics != nil {
		watch(o.metrics.Attach)
	}
	for _, fn := range opts.Watchers {
		watch(fn)
	}

	exec, execErr := p.Execute(ctx, tasks)
	stopWatchers()
	wg.Wait()

	if exec == nil {
		return nil, o.fail(run.ID, run.StartedAt, execErr)
	}
	for _, ps := range o.poolStats() {
		o.log.Debug("connection pool", zap.Stringer("usage", ps))
	}
	return o.settle(run, exec, execErr)
}

// settle records the outcome of one execution against the run.
func (o *Orchestrator) settle(run *checkpoint.Run, exec *planner.ExecutionResult, execErr error) (*MigrationResult, error) {
	for _, er := range exec.Entities {
		if er.Status != checkpoint.EntityCompleted {
			continue
		}
		if err := o.state.UpdateSyncTimestamp(er.EntityType, run.StartedAt); err != nil {
			o.log.Warn("failed to advance sync baseline", zap.String("entity", er.EntityType), zap.Error(err))
		}
	}

	result := newMigrationResult(exec, o.now())
	var halt *planner.HaltError
	switch {
	case execErr == nil:
		result.Status = checkpoint.RunCompleted
		o.warn(o.state.UpdatePhase(run.ID, PhaseComplete))
		o.warn(o.state.CompleteRun(run.ID, checkpoint.RunCompleted, ""))
		o.notify(o.notifier.RunCompleted(run.ID, exec.StartedAt, exec.Duration,
			result.EntitiesTotal, result.RecordsProcessed, result.RecordsPerSecond))
		o.log.Info("migration complete",
			zap.String("run", run.ID),
			zap.Int64("records", result.RecordsProcessed),
			zap.Duration("duration", exec.Duration))
		return result, nil

	case errors.Is(execErr, planner.ErrPaused):
		result.Status = checkpoint.RunPaused
		o.warn(o.state.UpdateRunStatus(run.ID, checkpoint.RunPaused))
		o.log.Info("migration paused", zap.String("run", run.ID))

	case errors.Is(execErr, planner.ErrCancelled):
		result.Status = checkpoint.RunCancelled
		result.Error = "cancelled; re-validate before resuming"
		o.warn(o.state.CompleteRun(run.ID, checkpoint.RunCancelled, result.Error))
		o.log.Warn("migration cancelled", zap.String("run", run.ID))

	case errors.As(execErr, &halt):
		result.Status = checkpoint.RunHalted
		result.Error = halt.Error()
		o.warn(o.state.UpdateRunStatus(run.ID, checkpoint.RunHalted))
		o.notify(o.notifier.RunHalted(run.ID, halt.Entity, halt.Reason, halt.CheckpointID, halt.ManualSteps))

	default:
		result.Status = checkpoint.RunFailed
		result.Error = execErr.Error()
		o.warn(o.state.CompleteRun(run.ID, checkpoint.RunFailed, result.Error))
		o.notify(o.notifier.RunFailed(run.ID, execErr, exec.Duration))
	}
	return result, execErr
}

// fail marks a run that never reached execution as failed.
func (o *Orchestrator) fail(runID string, startedAt time.Time, err error) error {
	if errors.Is(err, context.Canceled) {
		o.warn(o.state.CompleteRun(runID, checkpoint.RunCancelled, err.Error()))
		return err
	}
	o.warn(o.state.CompleteRun(runID, checkpoint.RunFailed, err.Error()))
	o.notify(o.notifier.RunFailed(runID, err, o.now().Sub(startedAt)))
	return err
}

func (o *Orchestrator) forwardAlerts(ctx context.Context, runID string, t *progress.Tracker) {
	events, unsubscribe := t.Subscribe(64)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind == progress.EventAlert && ev.Alert != nil {
				o.notify(o.notifier.AlertRaised(runID, *ev.Alert))
			}
		}
	}
}

// recordError persists every classified error and feeds the error metrics.
func (o *Orchestrator) recordError(me *recovery.MigrationError) {
	rec := checkpoint.ErrorRecord{
		RunID:      me.Context.RunID,
		Entity:     me.Context.EntityType,
		RecordID:   me.Context.RecordID,
		Operation:  me.Context.Operation,
		Type:       string(me.Type),
		Severity:   string(me.Severity),
		Message:    me.Message,
		RetryCount: me.RetryCount,
		OccurredAt: me.OccurredAt,
	}
	if r := me.Resolution; r != nil {
		rec.Action = string(r.Action)
		rec.Reason = r.Reason
		rec.ManualSteps = r.ManualSteps
	}
	if rec.RunID != "" {
		if err := o.state.RecordError(rec); err != nil {
			o.log.Warn("failed to record migration error", zap.Error(err))
		}
	}
	if o.metrics != nil {
		o.metrics.ObserveError(me)
	}
}

func (o *Orchestrator) notify(err error) {
	if err != nil {
		o.log.Warn("notification failed", zap.Error(err))
	}
}

func (o *Orchestrator) warn(err error) {
	if err != nil {
		o.log.Warn("failed to update run state", zap.Error(err))
	}
}

func (o *Orchestrator) setActive(p *planner.Planner) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active = p
}

func (o *Orchestrator) activePlanner() *planner.Planner {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// Tracker returns the tracker of the in-process run, or nil.
func (o *Orchestrator) Tracker() *progress.Tracker {
	if p := o.activePlanner(); p != nil {
		return p.Tracker()
	}
	return nil
}
