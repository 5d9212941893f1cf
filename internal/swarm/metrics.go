package swarm

// serialCollapseThreshold is the task count below which a run cannot
// meaningfully benefit from parallelism.
const serialCollapseThreshold = 3

// ParallelizationMetrics is a derived, read-only view over an execution
// trace used to judge how much the staged fan-out actually bought.
type ParallelizationMetrics struct {
	TotalTasks  int     `json:"total_tasks"`
	WallClockMs float64 `json:"wall_clock_ms"`

	// CriticalSteps bounds achievable latency: the scheduler overhead plus
	// the largest step count of each stage, summed across stages.
	CriticalSteps int `json:"critical_steps"`

	// LatencyReduction is the sum of every task's individual latency
	// divided by the wall clock; values above 1 mean parallelism paid off.
	LatencyReduction float64 `json:"latency_reduction"`

	SerialCollapseDetected bool `json:"serial_collapse_detected"`

	BottleneckTaskID    string  `json:"bottleneck_task_id,omitempty"`
	BottleneckLatencyMs float64 `json:"bottleneck_latency_ms,omitempty"`

	TasksPerSecond float64 `json:"tasks_per_second"`
}

// ComputeMetrics derives parallelism diagnostics from a trace. Works on
// partial traces too, so deadline aborts stay diagnosable.
func ComputeMetrics(trace *ExecutionTrace) *ParallelizationMetrics {
	m := &ParallelizationMetrics{
		WallClockMs:   trace.WallClockMs,
		CriticalSteps: trace.OverheadSteps,
	}

	var latencySum float64
	for _, stage := range trace.Stages {
		maxSteps := 0
		for _, r := range stage.Results {
			m.TotalTasks++
			latencySum += r.LatencyMs
			if r.Steps > maxSteps {
				maxSteps = r.Steps
			}
			if m.BottleneckTaskID == "" || r.LatencyMs > m.BottleneckLatencyMs {
				m.BottleneckTaskID = r.TaskID
				m.BottleneckLatencyMs = r.LatencyMs
			}
		}
		m.CriticalSteps += maxSteps
	}

	m.SerialCollapseDetected = m.TotalTasks < serialCollapseThreshold
	if trace.WallClockMs > 0 {
		m.LatencyReduction = latencySum / trace.WallClockMs
		m.TasksPerSecond = float64(m.TotalTasks) / (trace.WallClockMs / 1000)
	}
	return m
}
