// Package scheduler implements L8: grouping subtask assignments into
// dependency-ordered execution batches and running each batch with bounded
// concurrency. Grounded on
// original_source/core/dspy/src/eisen_agent/orchestrator.py's
// _build_execution_batches and _execute_all_subtasks, ported from
// asyncio.Semaphore + asyncio.gather(return_exceptions=True) to
// golang.org/x/sync/errgroup + golang.org/x/sync/semaphore.
package scheduler

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/eisen-labs/eisen-agent/internal/logging"
	"github.com/eisen-labs/eisen-agent/internal/types"
)

// BuildBatches topologically sorts assignments into execution batches by
// DependsOn: batch N holds every subtask whose dependencies all land in
// batches 0..N-1. A circular dependency is broken by placing every subtask
// on the cycle in batch 0, with a warning, rather than failing the whole run.
func BuildBatches(assignments []types.AgentAssignment) [][]types.AgentAssignment {
	if len(assignments) == 0 {
		return nil
	}

	byIndex := make(map[int]types.AgentAssignment, len(assignments))
	for _, a := range assignments {
		byIndex[a.Index] = a
	}

	assignedBatch := make(map[int]int, len(assignments))
	cyclic := make(map[int]bool)
	var stack []int

	var getBatchLevel func(idx int, visited map[int]bool) int
	getBatchLevel = func(idx int, visited map[int]bool) int {
		if level, ok := assignedBatch[idx]; ok {
			return level
		}
		if visited == nil {
			visited = make(map[int]bool)
		}
		if visited[idx] {
			logging.Warnf("circular dependency detected at subtask %d", idx)
			for i := len(stack) - 1; i >= 0; i-- {
				cyclic[stack[i]] = true
				if stack[i] == idx {
					break
				}
			}
			return 0
		}
		visited[idx] = true
		stack = append(stack, idx)
		defer func() { stack = stack[:len(stack)-1] }()

		assignment, ok := byIndex[idx]
		if !ok {
			return 0
		}

		deps := assignment.Subtask.DependsOn
		if len(deps) == 0 {
			assignedBatch[idx] = 0
			return 0
		}

		maxDepLevel := 0
		for _, depIdx := range deps {
			if _, ok := byIndex[depIdx]; ok {
				depLevel := getBatchLevel(depIdx, visited)
				if depLevel+1 > maxDepLevel {
					maxDepLevel = depLevel + 1
				}
			}
		}
		if cyclic[idx] {
			maxDepLevel = 0
		}
		assignedBatch[idx] = maxDepLevel
		return maxDepLevel
	}

	indices := make([]int, 0, len(byIndex))
	for idx := range byIndex {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	for _, idx := range indices {
		getBatchLevel(idx, nil)
	}

	maxLevel := 0
	for _, level := range assignedBatch {
		if level > maxLevel {
			maxLevel = level
		}
	}

	batches := make([][]types.AgentAssignment, 0, maxLevel+1)
	for level := 0; level <= maxLevel; level++ {
		var batch []types.AgentAssignment
		for _, idx := range indices {
			if assignedBatch[idx] == level {
				batch = append(batch, byIndex[idx])
			}
		}
		if len(batch) > 0 {
			batches = append(batches, batch)
		}
	}
	return batches
}

// Executor runs one subtask to completion, returning its result. A panic
// inside Executor is recovered and converted into a failed SubtaskResult
// by RunBatches so one misbehaving worker cannot abort the whole batch.
type Executor func(ctx context.Context, assignment types.AgentAssignment) (types.SubtaskResult, error)

// RunBatches executes assignments batch by batch (each batch waits for the
// previous one to fully finish), running every assignment within a batch
// concurrently up to maxConcurrent at once.
func RunBatches(ctx context.Context, assignments []types.AgentAssignment, maxConcurrent int, exec Executor) []types.SubtaskResult {
	batches := BuildBatches(assignments)
	var allResults []types.SubtaskResult

	for batchIdx, batch := range batches {
		logging.Infof("executing batch %d/%d (%d subtask(s))", batchIdx+1, len(batches), len(batch))
		allResults = append(allResults, runBatch(ctx, batch, maxConcurrent, exec)...)
	}

	return allResults
}

func runBatch(ctx context.Context, batch []types.AgentAssignment, maxConcurrent int, exec Executor) []types.SubtaskResult {
	if maxConcurrent <= 0 {
		maxConcurrent = types.DefaultMaxAgents
	}

	results := make([]types.SubtaskResult, len(batch))
	sem := semaphore.NewWeighted(int64(maxConcurrent))
	g, gctx := errgroup.WithContext(ctx)

	for i, assignment := range batch {
		i, assignment := i, assignment
		g.Go(func() (err error) {
			if acqErr := sem.Acquire(gctx, 1); acqErr != nil {
				results[i] = failedResult(assignment, acqErr)
				return nil
			}
			defer sem.Release(1)

			defer func() {
				if r := recover(); r != nil {
					logging.Errorf("subtask %d panicked: %v", assignment.Index, r)
					results[i] = failedResult(assignment, fmt.Errorf("panic: %v", r))
				}
			}()

			result, execErr := exec(gctx, assignment)
			if execErr != nil {
				logging.Errorf("subtask %d failed: %v", assignment.Index, execErr)
				results[i] = failedResult(assignment, execErr)
				return nil
			}
			results[i] = result
			return nil
		})
	}

	// Errors are captured per-assignment above (mirroring
	// return_exceptions=True), so g.Wait's own error is never surfaced --
	// every goroutine always returns nil.
	_ = g.Wait()
	return results
}

func failedResult(assignment types.AgentAssignment, err error) types.SubtaskResult {
	return types.SubtaskResult{
		Index:         assignment.Index,
		Description:   assignment.Subtask.Description,
		Region:        assignment.Subtask.Region,
		AgentID:       assignment.AgentID,
		Status:        types.StatusFailed,
		AgentOutput:   "",
		FailureReason: err.Error(),
	}
}
