package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultOverheadSteps is the fixed bookkeeping cost the scheduler adds to
// every run's critical-step count.
const DefaultOverheadSteps = 2

// InvokeFunc runs a single task. deps holds the completed results of the
// task's declared dependencies (same snapshot for every task in a stage).
// Implementations should honor ctx so a deadline can cancel in-flight work;
// one that does not may still finish, but its result is no longer awaited.
type InvokeFunc func(ctx context.Context, task Task, deps map[string]TaskResult) TaskResult

// Scheduler executes task graphs in dependency order: each stage runs its
// tasks concurrently, stages run strictly one after another, and the whole
// run races a single wall-clock deadline. The scheduler keeps no state
// between runs.
type Scheduler struct {
	overheadSteps int
}

func NewScheduler() *Scheduler {
	return &Scheduler{overheadSteps: DefaultOverheadSteps}
}

// Run executes the graph and returns its trace. On structural failures
// (unresolved dependency, cycle) and on deadline aborts the returned trace
// holds whatever stages completed; callers branch on the error with
// errors.Is. A deadline of zero or below means no deadline.
func (s *Scheduler) Run(ctx context.Context, tasks []Task, invoke InvokeFunc, deadline time.Duration) (*ExecutionTrace, error) {
	start := time.Now()
	trace := &ExecutionTrace{OverheadSteps: s.overheadSteps}

	if err := validateGraph(tasks); err != nil {
		return trace, err
	}
	if len(tasks) == 0 {
		trace.WallClockMs = msSince(start)
		trace.Metrics = ComputeMetrics(trace)
		return trace, nil
	}

	if deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	remaining := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		remaining[t.ID] = true
	}
	completed := make(map[string]TaskResult, len(tasks))

	for len(remaining) > 0 {
		stage := nextStage(tasks, remaining, completed)
		if len(stage) == 0 {
			trace.WallClockMs = msSince(start)
			trace.Metrics = ComputeMetrics(trace)
			return trace, fmt.Errorf("tasks %s cannot make progress: %w", blockedIDs(remaining), ErrCircularDependency)
		}

		deps := dependencySnapshot(completed)
		results := make([]TaskResult, len(stage))

		var wg sync.WaitGroup
		for i, task := range stage {
			wg.Add(1)
			go func(i int, task Task) {
				defer wg.Done()
				results[i] = s.invokeTask(ctx, invoke, task, deps)
			}(i, task)
		}

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			trace.WallClockMs = msSince(start)
			trace.Metrics = ComputeMetrics(trace)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return trace, fmt.Errorf("deadline %s elapsed after %d completed stages: %w",
					deadline, len(trace.Stages), ErrDeadlineExceeded)
			}
			return trace, fmt.Errorf("swarm run cancelled: %w", ctx.Err())
		}

		for _, r := range results {
			completed[r.TaskID] = r
			delete(remaining, r.TaskID)
		}
		trace.Stages = append(trace.Stages, Stage{Results: results})
		slog.Debug("swarm stage completed", "stage", len(trace.Stages)-1, "tasks", len(results))
	}

	trace.WallClockMs = msSince(start)
	trace.Metrics = ComputeMetrics(trace)
	return trace, nil
}

// invokeTask isolates a single invocation: panics and errors become the
// task's error marker instead of aborting siblings or the run.
func (s *Scheduler) invokeTask(ctx context.Context, invoke InvokeFunc, task Task, deps map[string]TaskResult) (result TaskResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("task invocation panicked", "task", task.ID, "worker", task.WorkerID, "panic", r)
			result = TaskResult{
				TaskID:    task.ID,
				WorkerID:  task.WorkerID,
				Error:     fmt.Sprintf("worker panic: %v", r),
				LatencyMs: msSince(start),
			}
		}
	}()

	result = invoke(ctx, task, deps)

	// Keep the graph bookkeeping consistent regardless of what the worker
	// filled in.
	result.TaskID = task.ID
	if result.WorkerID == "" {
		result.WorkerID = task.WorkerID
	}
	if result.LatencyMs <= 0 {
		result.LatencyMs = msSince(start)
	}
	return result
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}
