package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/johndauphine/legacy-migrate/internal/checkpoint"
	"github.com/johndauphine/legacy-migrate/internal/entity"
	"github.com/johndauphine/legacy-migrate/internal/logging"
	"github.com/johndauphine/legacy-migrate/internal/planner"
	"github.com/johndauphine/legacy-migrate/internal/recovery"
	"github.com/johndauphine/legacy-migrate/internal/stats"
	"golang.org/x/sync/errgroup"
)

// HealthCheckResult contains connectivity information for JSON output.
type HealthCheckResult struct {
	Timestamp       string                           `json:"timestamp"`
	SourceDBType    string                           `json:"source_db_type"`
	SourceConnected bool                             `json:"source_connected"`
	SourceLatencyMs int64                            `json:"source_latency_ms"`
	SourceError     string                           `json:"source_error,omitempty"`
	TargetConnected bool                             `json:"target_connected"`
	TargetLatencyMs int64                            `json:"target_latency_ms"`
	TargetError     string                           `json:"target_error,omitempty"`
	StateConnected  bool                             `json:"state_connected"`
	StateError      string                           `json:"state_error,omitempty"`
	EntityCount     int                              `json:"entity_count"`
	CircuitBreakers map[string]recovery.BreakerState `json:"circuit_breakers,omitempty"`
	Pools           []stats.PoolStats                `json:"pools,omitempty"`
	Healthy         bool                             `json:"healthy"`
}

// HealthCheck tests connectivity to the source, destination and state
// stores. Source and target run in parallel, each with its own timeout, so
// one slow connection cannot starve the other.
func (o *Orchestrator) HealthCheck(ctx context.Context) (*HealthCheckResult, error) {
	result := &HealthCheckResult{
		Timestamp:    o.now().Format(time.RFC3339),
		SourceDBType: o.source.DBType(),
		EntityCount:  len(o.registry.All()),
	}

	const checkTimeout = 30 * time.Second

	var g errgroup.Group
	g.Go(func() error {
		start := time.Now()
		sourceCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		defer cancel()
		if err := o.source.Ping(sourceCtx); err != nil {
			result.SourceError = err.Error()
		} else {
			result.SourceConnected = true
		}
		result.SourceLatencyMs = time.Since(start).Milliseconds()
		return nil
	})
	g.Go(func() error {
		start := time.Now()
		targetCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		defer cancel()
		if err := o.target.Ping(targetCtx); err != nil {
			result.TargetError = err.Error()
		} else {
			result.TargetConnected = true
		}
		result.TargetLatencyMs = time.Since(start).Milliseconds()
		return nil
	})
	_ = g.Wait()

	if _, err := o.state.GetAllRuns(); err != nil {
		result.StateError = err.Error()
	} else {
		result.StateConnected = true
	}
	result.CircuitBreakers = o.ctrl.BreakerStates()
	result.Pools = o.poolStats()

	result.Healthy = result.SourceConnected && result.TargetConnected && result.StateConnected
	return result, nil
}

type poolReporter interface {
	Stats() stats.PoolStats
}

// poolStats collects connection pool usage from stores that report it.
func (o *Orchestrator) poolStats() []stats.PoolStats {
	var out []stats.PoolStats
	for _, store := range []any{o.source, o.target} {
		if r, ok := store.(poolReporter); ok {
			out = append(out, r.Stats())
		}
	}
	return out
}

// DryRunResult previews a run without writing anything.
type DryRunResult struct {
	Levels       [][]string     `json:"levels"`
	Cycle        []string       `json:"cycle,omitempty"`
	Entities     []DryRunEntity `json:"entities"`
	TotalChanges int            `json:"total_changes"`
	BatchSize    int            `json:"batch_size"`
}

// DryRunEntity is the detected change set of one entity.
type DryRunEntity struct {
	Name         string    `json:"name"`
	Since        time.Time `json:"since"`
	New          int       `json:"new"`
	Modified     int       `json:"modified"`
	Deleted      int       `json:"deleted"`
	Unchanged    int       `json:"unchanged"`
	Batches      int       `json:"batches"`
	Dependencies []string  `json:"dependencies,omitempty"`
}

// DryRun detects changes and builds the execution plan without creating a
// run or touching the destination.
func (o *Orchestrator) DryRun(ctx context.Context, opts Options) (*DryRunResult, error) {
	logging.Info("Performing dry run (no data will be transferred)...")

	mappings, err := o.selectEntities(opts.Entities)
	if err != nil {
		return nil, err
	}
	results, err := o.detectAll(ctx, "", mappings, o.now(), opts)
	if err != nil {
		return nil, err
	}

	result := &DryRunResult{BatchSize: o.config.Migration.BatchSize}
	tasks := make([]planner.Task, len(mappings))
	for i, m := range mappings {
		res := results[i]
		tasks[i] = planner.TaskFromChanges(res, m.DependsOn, m.Priority)
		result.TotalChanges += len(tasks[i].RecordIDs)
		result.Entities = append(result.Entities, DryRunEntity{
			Name:         m.Name,
			Since:        res.Since,
			New:          res.Summary.New,
			Modified:     res.Summary.Modified,
			Deleted:      res.Summary.Deleted,
			Unchanged:    res.Summary.Unchanged,
			Batches:      batches(len(tasks[i].RecordIDs), result.BatchSize),
			Dependencies: m.DependsOn,
		})
	}

	levels, err := planner.BuildDependencyGraph(tasks)
	var cycle *planner.CycleError
	if errors.As(err, &cycle) {
		result.Cycle = cycle.Entities
	} else if err != nil {
		return nil, err
	}
	for _, level := range levels {
		var names []string
		for _, t := range level {
			names = append(names, t.EntityType)
		}
		result.Levels = append(result.Levels, names)
	}
	return result, nil
}

func batches(n, size int) int {
	if size <= 0 || n == 0 {
		return 0
	}
	return (n + size - 1) / size
}

// ValidateRun samples every planned entity of runID (or the current/last
// run) and compares source and destination content.
func (o *Orchestrator) ValidateRun(ctx context.Context, runID string) (map[string]*planner.ValidationResult, error) {
	run, err := o.findRun(runID)
	if err != nil {
		return nil, err
	}
	statuses, err := o.state.GetEntityStatuses(run.ID)
	if err != nil {
		return nil, err
	}
	if len(statuses) == 0 {
		return nil, fmt.Errorf("run %s has no planned entities", run.ID)
	}

	p, err := o.newPlanner(run.ID, o.newTracker())
	if err != nil {
		return nil, err
	}

	out := make(map[string]*planner.ValidationResult, len(statuses))
	for _, es := range statuses {
		if es.Status != checkpoint.EntityCompleted {
			continue
		}
		m, err := o.registry.Lookup(es.Entity)
		if err != nil {
			if errors.Is(err, entity.ErrUnknownEntity) {
				logging.Warn("Skipping %s: no longer configured", es.Entity)
				continue
			}
			return nil, err
		}
		ids, err := o.state.GetPlan(run.ID, es.Entity)
		if err != nil {
			return nil, err
		}
		vr, err := p.Validate(ctx, m, ids)
		if err != nil {
			return nil, fmt.Errorf("validating %s: %w", es.Entity, err)
		}
		out[es.Entity] = vr
	}
	return out, nil
}
