package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eisen-labs/eisen-agent/internal/types"
)

func assignment(idx int, dependsOn ...int) types.AgentAssignment {
	return types.AgentAssignment{
		Index:   idx,
		AgentID: fmt.Sprintf("agent-%d", idx),
		Subtask: types.Subtask{
			Description: fmt.Sprintf("task %d", idx),
			Region:      fmt.Sprintf("region-%d", idx),
			DependsOn:   dependsOn,
		},
	}
}

func TestBuildBatchesRespectsDependencies(t *testing.T) {
	assignments := []types.AgentAssignment{
		assignment(0),
		assignment(1, 0),
		assignment(2, 0),
		assignment(3, 1, 2),
	}

	batches := BuildBatches(assignments)
	if len(batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(batches))
	}
	if len(batches[0]) != 1 || batches[0][0].Index != 0 {
		t.Fatalf("expected batch 0 = [0], got %+v", batches[0])
	}
	batch1Indices := map[int]bool{}
	for _, a := range batches[1] {
		batch1Indices[a.Index] = true
	}
	if !batch1Indices[1] || !batch1Indices[2] || len(batches[1]) != 2 {
		t.Fatalf("expected batch 1 = {1,2}, got %+v", batches[1])
	}
	if len(batches[2]) != 1 || batches[2][0].Index != 3 {
		t.Fatalf("expected batch 2 = [3], got %+v", batches[2])
	}
}

func TestBuildBatchesIndependentSubtasksShareBatch(t *testing.T) {
	assignments := []types.AgentAssignment{assignment(0), assignment(1), assignment(2)}
	batches := BuildBatches(assignments)
	if len(batches) != 1 || len(batches[0]) != 3 {
		t.Fatalf("expected a single batch of 3, got %+v", batches)
	}
}

func TestBuildBatchesBreaksCycles(t *testing.T) {
	assignments := []types.AgentAssignment{
		assignment(0, 1),
		assignment(1, 0),
	}
	batches := BuildBatches(assignments)
	if len(batches) == 0 {
		t.Fatal("expected cycle to still produce at least one batch")
	}
	total := 0
	for _, b := range batches {
		total += len(b)
	}
	if total != 2 {
		t.Fatalf("expected both cyclic subtasks scheduled exactly once, got %d", total)
	}
}

func TestBuildBatchesEmpty(t *testing.T) {
	if batches := BuildBatches(nil); batches != nil {
		t.Fatalf("expected nil for empty input, got %+v", batches)
	}
}

func TestRunBatchesRespectsConcurrencyBound(t *testing.T) {
	assignments := []types.AgentAssignment{assignment(0), assignment(1), assignment(2), assignment(3)}

	var current, max int64
	exec := func(ctx context.Context, a types.AgentAssignment) (types.SubtaskResult, error) {
		n := atomic.AddInt64(&current, 1)
		for {
			old := atomic.LoadInt64(&max)
			if n <= old || atomic.CompareAndSwapInt64(&max, old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt64(&current, -1)
		return types.SubtaskResult{Index: a.Index, Status: types.StatusCompleted}, nil
	}

	results := RunBatches(context.Background(), assignments, 2, exec)
	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	if atomic.LoadInt64(&max) > 2 {
		t.Fatalf("expected concurrency bounded to 2, observed %d", max)
	}
}

func TestRunBatchesConvertsErrorsToFailedResults(t *testing.T) {
	assignments := []types.AgentAssignment{assignment(0)}
	exec := func(ctx context.Context, a types.AgentAssignment) (types.SubtaskResult, error) {
		return types.SubtaskResult{}, fmt.Errorf("boom")
	}

	results := RunBatches(context.Background(), assignments, 2, exec)
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Status != types.StatusFailed || results[0].FailureReason != "boom" {
		t.Fatalf("unexpected result: %+v", results[0])
	}
}

func TestRunBatchesRecoversFromPanic(t *testing.T) {
	assignments := []types.AgentAssignment{assignment(0)}
	exec := func(ctx context.Context, a types.AgentAssignment) (types.SubtaskResult, error) {
		panic("unexpected failure")
	}

	results := RunBatches(context.Background(), assignments, 2, exec)
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Status != types.StatusFailed {
		t.Fatalf("expected failed status after panic recovery, got %+v", results[0])
	}
}

func TestRunBatchesPreservesBatchOrderingAcrossDependency(t *testing.T) {
	assignments := []types.AgentAssignment{assignment(0), assignment(1, 0)}

	var order []int
	exec := func(ctx context.Context, a types.AgentAssignment) (types.SubtaskResult, error) {
		order = append(order, a.Index)
		return types.SubtaskResult{Index: a.Index, Status: types.StatusCompleted}, nil
	}

	RunBatches(context.Background(), assignments, 2, exec)
	if len(order) != 2 || order[0] != 0 || order[1] != 1 {
		t.Fatalf("expected subtask 0 to execute before subtask 1, got %v", order)
	}
}
