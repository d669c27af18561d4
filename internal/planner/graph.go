// Package planner orders migration tasks into dependency levels and executes
// them batch by batch with durable checkpoints.
package planner

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/johndauphine/legacy-migrate/internal/detect"
)

// ErrDuplicateTask rejects a plan with two tasks for the same entity.
var ErrDuplicateTask = errors.New("duplicate task")

// levelStride spaces dependency orders so that level*levelStride+position is
// unique within a run.
const levelStride = 1000

// Task is the planned work for one entity type.
type Task struct {
	EntityType string `json:"entity_type"`
	// RecordIDs are processed in order, split into fixed-size batches.
	RecordIDs    []string `json:"record_ids"`
	Dependencies []string `json:"dependencies,omitempty"`
	Priority     int      `json:"priority"`
}

// TaskFromChanges builds the task for a detection result. New and modified
// records come first in detection order, deletions last. Execution tells
// them apart by whether the source still has the record.
func TaskFromChanges(res *detect.Result, dependencies []string, priority int) Task {
	ids := res.RecordIDs(detect.ChangeNew, detect.ChangeModified)
	return Task{
		EntityType:   res.EntityType,
		RecordIDs:    append(ids, res.RecordIDs(detect.ChangeDeleted)...),
		Dependencies: dependencies,
		Priority:     priority,
	}
}

// CycleError reports entities whose dependencies could not be ordered.
type CycleError struct {
	Entities []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle among entities: %s", strings.Join(e.Entities, ", "))
}

// BuildDependencyGraph groups tasks into levels: every task's known
// dependencies sit in a strictly earlier level. Dependencies that name no
// task are treated as already satisfied. When a cycle blocks progress the
// remaining tasks form one final best-effort level and a *CycleError is
// returned alongside the levels.
func BuildDependencyGraph(tasks []Task) ([][]Task, error) {
	byName := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		if _, dup := byName[t.EntityType]; dup {
			return nil, fmt.Errorf("%w for entity %q", ErrDuplicateTask, t.EntityType)
		}
		byName[t.EntityType] = t
	}

	scheduled := make(map[string]bool, len(tasks))
	remaining := append([]Task(nil), tasks...)
	var levels [][]Task

	for len(remaining) > 0 {
		var level, blocked []Task
		for _, t := range remaining {
			if ready(t, byName, scheduled) {
				level = append(level, t)
			} else {
				blocked = append(blocked, t)
			}
		}

		if len(level) == 0 {
			sortLevel(blocked)
			names := make([]string, len(blocked))
			for i, t := range blocked {
				names[i] = t.EntityType
			}
			sort.Strings(names)
			return append(levels, blocked), &CycleError{Entities: names}
		}

		sortLevel(level)
		for _, t := range level {
			scheduled[t.EntityType] = true
		}
		levels = append(levels, level)
		remaining = blocked
	}
	return levels, nil
}

func ready(t Task, byName map[string]Task, scheduled map[string]bool) bool {
	for _, dep := range t.Dependencies {
		if _, known := byName[dep]; known && !scheduled[dep] {
			return false
		}
	}
	return true
}

// sortLevel orders a level by descending priority, then name.
func sortLevel(level []Task) {
	sort.SliceStable(level, func(i, j int) bool {
		if level[i].Priority != level[j].Priority {
			return level[i].Priority > level[j].Priority
		}
		return level[i].EntityType < level[j].EntityType
	})
}

// UnknownDependencies lists, per entity, the dependencies that name no task.
func UnknownDependencies(tasks []Task) map[string][]string {
	known := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		known[t.EntityType] = true
	}
	out := make(map[string][]string)
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if !known[dep] {
				out[t.EntityType] = append(out[t.EntityType], dep)
			}
		}
	}
	return out
}

// DependencyOrder is the unique run-wide order of the task at position pos
// of level.
func DependencyOrder(level, pos int) int {
	return level*levelStride + pos
}
