package swarm

import "errors"

// Task is one node in a task graph submission. IDs are unique within a
// submission and every DependsOn entry must name another task in the same
// submission.
type Task struct {
	ID          string   `json:"id"`
	WorkerID    string   `json:"worker_id"`
	Description string   `json:"description"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

// TaskResult is what one worker invocation produced. A failed invocation
// still completes for dependency purposes, carrying its error marker.
type TaskResult struct {
	TaskID    string  `json:"task_id"`
	WorkerID  string  `json:"worker_id"`
	Output    string  `json:"output,omitempty"`
	Error     string  `json:"error,omitempty"`
	LatencyMs float64 `json:"latency_ms"`
	Steps     int     `json:"steps"`
}

// Failed reports whether the invocation surfaced an error marker.
func (r TaskResult) Failed() bool {
	return r.Error != ""
}

// Stage groups the results of tasks that ran concurrently.
type Stage struct {
	Results []TaskResult `json:"results"`
}

// ExecutionTrace is the record of one swarm run: the ordered stages, the
// aggregate wall clock, and the scheduler's own bookkeeping overhead.
// Metrics are attached once the run settles, including on deadline aborts,
// so partial traces stay diagnosable.
type ExecutionTrace struct {
	Stages        []Stage                 `json:"stages"`
	WallClockMs   float64                 `json:"wall_clock_ms"`
	OverheadSteps int                     `json:"overhead_steps"`
	Metrics       *ParallelizationMetrics `json:"metrics,omitempty"`
}

// TaskCount returns how many task results the trace holds across all stages.
func (t *ExecutionTrace) TaskCount() int {
	n := 0
	for _, s := range t.Stages {
		n += len(s.Results)
	}
	return n
}

var (
	// ErrUnresolvedDependency marks a depends_on reference to a task id
	// that is not part of the submission. Detected before any stage runs.
	ErrUnresolvedDependency = errors.New("unresolved task dependency")

	// ErrCircularDependency marks a submission where no remaining task can
	// make progress.
	ErrCircularDependency = errors.New("task graph contains a cycle")

	// ErrDeadlineExceeded marks a run aborted by its wall-clock deadline.
	ErrDeadlineExceeded = errors.New("swarm deadline exceeded")
)
