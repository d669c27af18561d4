package planner

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/johndauphine/legacy-migrate/internal/detect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func names(levels [][]Task) [][]string {
	out := make([][]string, len(levels))
	for i, level := range levels {
		for _, t := range level {
			out[i] = append(out[i], t.EntityType)
		}
	}
	return out
}

func TestBuildDependencyGraphLevels(t *testing.T) {
	tasks := []Task{
		{EntityType: "order_items", Dependencies: []string{"orders", "products"}},
		{EntityType: "orders", Dependencies: []string{"customers"}},
		{EntityType: "products"},
		{EntityType: "customers"},
	}

	levels, err := BuildDependencyGraph(tasks)
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"customers", "products"},
		{"orders"},
		{"order_items"},
	}, names(levels))
}

func TestBuildDependencyGraphPriorityWithinLevel(t *testing.T) {
	levels, err := BuildDependencyGraph([]Task{
		{EntityType: "a", Priority: 1},
		{EntityType: "b", Priority: 5},
		{EntityType: "c", Priority: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"b", "a", "c"}}, names(levels))
}

func TestBuildDependencyGraphCycleFlushesRemainder(t *testing.T) {
	levels, err := BuildDependencyGraph([]Task{
		{EntityType: "offices"},
		{EntityType: "a", Dependencies: []string{"b"}},
		{EntityType: "b", Dependencies: []string{"a"}},
		{EntityType: "c", Dependencies: []string{"a"}},
	})

	var cycle *CycleError
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, []string{"a", "b", "c"}, cycle.Entities)
	assert.Equal(t, [][]string{{"offices"}, {"a", "b", "c"}}, names(levels))
}

func TestBuildDependencyGraphSelfDependencyIsCycle(t *testing.T) {
	_, err := BuildDependencyGraph([]Task{{EntityType: "a", Dependencies: []string{"a"}}})
	var cycle *CycleError
	assert.ErrorAs(t, err, &cycle)
}

func TestBuildDependencyGraphRejectsDuplicates(t *testing.T) {
	_, err := BuildDependencyGraph([]Task{{EntityType: "a"}, {EntityType: "a"}})
	assert.ErrorIs(t, err, ErrDuplicateTask)
}

func TestUnknownDependenciesAreSatisfied(t *testing.T) {
	tasks := []Task{{EntityType: "orders", Dependencies: []string{"legacy_users"}}}

	levels, err := BuildDependencyGraph(tasks)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"orders"}}, names(levels))
	assert.Equal(t, map[string][]string{"orders": {"legacy_users"}}, UnknownDependencies(tasks))
}

func TestBuildDependencyGraphDependenciesInEarlierLevels(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for round := range 200 {
		n := 1 + rng.IntN(12)
		tasks := make([]Task, n)
		for i := range tasks {
			tasks[i].EntityType = fmt.Sprintf("e%02d", i)
			// only depend on lower indexes so the graph is acyclic
			for j := 0; j < i; j++ {
				if rng.IntN(3) == 0 {
					tasks[i].Dependencies = append(tasks[i].Dependencies, tasks[j].EntityType)
				}
			}
			tasks[i].Priority = rng.IntN(3)
		}
		rng.Shuffle(len(tasks), func(i, j int) { tasks[i], tasks[j] = tasks[j], tasks[i] })

		levels, err := BuildDependencyGraph(tasks)
		require.NoError(t, err, "round %d", round)

		levelOf := make(map[string]int)
		total := 0
		for li, level := range levels {
			for _, task := range level {
				levelOf[task.EntityType] = li
				total++
			}
		}
		require.Equal(t, n, total, "round %d", round)
		for _, task := range tasks {
			for _, dep := range task.Dependencies {
				assert.Less(t, levelOf[dep], levelOf[task.EntityType], "round %d: %s depends on %s", round, task.EntityType, dep)
			}
		}
	}
}

func TestDependencyOrderIsUnique(t *testing.T) {
	seen := make(map[int]bool)
	for level := range 5 {
		for pos := range 20 {
			order := DependencyOrder(level, pos)
			assert.False(t, seen[order])
			seen[order] = true
		}
	}
	assert.Less(t, DependencyOrder(0, 999), DependencyOrder(1, 0))
}

func TestTaskFromChanges(t *testing.T) {
	res := &detect.Result{
		EntityType: "offices",
		Changes: []detect.ChangeRecord{
			{RecordID: "3", ChangeType: detect.ChangeDeleted},
			{RecordID: "1", ChangeType: detect.ChangeNew},
			{RecordID: "2", ChangeType: detect.ChangeModified},
		},
	}

	task := TaskFromChanges(res, []string{"regions"}, 2)
	assert.Equal(t, "offices", task.EntityType)
	assert.Equal(t, []string{"1", "2", "3"}, task.RecordIDs)
	assert.Equal(t, []string{"regions"}, task.Dependencies)
	assert.Equal(t, 2, task.Priority)
}

func TestCycleErrorMessage(t *testing.T) {
	err := error(&CycleError{Entities: []string{"a", "b"}})
	assert.Equal(t, "dependency cycle among entities: a, b", err.Error())
	assert.False(t, errors.Is(err, ErrDuplicateTask))
}
