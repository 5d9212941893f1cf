// Package engine glues the router, the specialist roster and the swarm
// scheduler into decision runs, and records every model call it makes.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/agoranhq/agoran/internal/agents"
	"github.com/agoranhq/agoran/internal/catalog"
	"github.com/agoranhq/agoran/internal/config"
	"github.com/agoranhq/agoran/internal/llm"
	"github.com/agoranhq/agoran/internal/natsbus"
	"github.com/agoranhq/agoran/internal/router"
	"github.com/agoranhq/agoran/internal/stats"
	"github.com/agoranhq/agoran/internal/store"
	"github.com/agoranhq/agoran/internal/swarm"
)

type Engine struct {
	catalog   *catalog.Catalog
	router    *router.Router
	registry  *agents.Registry
	llm       llm.Client
	swarm     *swarm.Scheduler
	stats     *stats.Store
	store     *store.Store
	client    *natsbus.Client
	runs      *RunTracker
	deadline  time.Duration
	maxTokens int
}

// DecisionRequest is one decision to run through the swarm.
type DecisionRequest struct {
	Prompt     string `json:"prompt"`
	Instrument string `json:"instrument,omitempty"`
	// OverrideModelID pins every routing decision in the run to one model.
	OverrideModelID string `json:"override_model_id,omitempty"`
}

// DecisionResult is the finished run: the synthesizer's verdict plus the
// full execution trace.
type DecisionResult struct {
	RunID   string                `json:"run_id"`
	Status  string                `json:"status"`
	Verdict string                `json:"verdict,omitempty"`
	Error   string                `json:"error,omitempty"`
	Trace   *swarm.ExecutionTrace `json:"trace,omitempty"`
}

func New(cat *catalog.Catalog, rt *router.Router, reg *agents.Registry, client llm.Client,
	s *store.Store, st *stats.Store, nc *natsbus.Client, cfg config.Config) *Engine {
	return &Engine{
		catalog:   cat,
		router:    rt,
		registry:  reg,
		llm:       client,
		swarm:     swarm.NewScheduler(),
		stats:     st,
		store:     s,
		client:    nc,
		runs:      NewRunTracker(),
		deadline:  cfg.Swarm.Deadline(),
		maxTokens: cfg.LLM.MaxTokens,
	}
}

// ActiveRuns returns the runs currently in flight, newest first.
func (e *Engine) ActiveRuns() []ActiveRun {
	return e.runs.List()
}

// RunDecision executes one decision run to completion: a parallel analyst
// stage followed by the synthesizer, with routing, fallback and stats
// recording around every model call.
func (e *Engine) RunDecision(ctx context.Context, req DecisionRequest) (*DecisionResult, error) {
	runID, err := e.prepareRun(req)
	if err != nil {
		return nil, err
	}
	return e.executeRun(ctx, runID, req)
}

// StartDecision launches a run in the background and returns its id
// immediately. Progress arrives over the run's event topic.
func (e *Engine) StartDecision(req DecisionRequest) (string, error) {
	runID, err := e.prepareRun(req)
	if err != nil {
		return "", err
	}
	go func() {
		if _, err := e.executeRun(context.Background(), runID, req); err != nil {
			slog.Error("background decision run failed", "run", runID, "error", err)
		}
	}()
	return runID, nil
}

func (e *Engine) prepareRun(req DecisionRequest) (string, error) {
	if req.Prompt == "" {
		return "", fmt.Errorf("decision request has an empty prompt")
	}

	runID := uuid.New().String()
	now := time.Now()

	if err := e.store.SaveDecisionRun(&store.DecisionRun{
		ID:         runID,
		Prompt:     req.Prompt,
		Instrument: req.Instrument,
		Status:     "running",
	}); err != nil {
		return "", fmt.Errorf("save decision run: %w", err)
	}
	e.runs.Set(runID, &ActiveRun{
		ID:         runID,
		Prompt:     req.Prompt,
		Instrument: req.Instrument,
		Status:     "running",
		StartedAt:  now,
		LastActive: now,
	})

	e.publishRunEvent(runID, "run_started", map[string]any{
		"prompt":     req.Prompt,
		"instrument": req.Instrument,
	})
	slog.Info("decision run started", "run", runID, "instrument", req.Instrument)
	return runID, nil
}

func (e *Engine) executeRun(ctx context.Context, runID string, req DecisionRequest) (*DecisionResult, error) {
	defer e.runs.Remove(runID)

	tasks, err := e.buildTasks()
	if err != nil {
		e.finishRun(runID, "failed", "", nil, err.Error())
		return nil, err
	}

	trace, runErr := e.swarm.Run(ctx, tasks, e.invokeSpecialist(runID, req), e.deadline)

	result := &DecisionResult{RunID: runID, Trace: trace}
	if runErr != nil {
		result.Status = "failed"
		result.Error = runErr.Error()
		e.finishRun(runID, "failed", "", trace, runErr.Error())
		slog.Error("decision run failed", "run", runID, "error", runErr)
		return result, runErr
	}

	verdict, verdictErr := e.extractVerdict(trace)
	if verdictErr != nil {
		result.Status = "failed"
		result.Error = verdictErr.Error()
		e.finishRun(runID, "failed", "", trace, verdictErr.Error())
		slog.Error("decision run failed", "run", runID, "error", verdictErr)
		return result, verdictErr
	}

	result.Status = "completed"
	result.Verdict = verdict
	e.finishRun(runID, "completed", verdict, trace, "")
	slog.Info("decision run completed", "run", runID,
		"wall_clock_ms", trace.WallClockMs, "tasks", trace.TaskCount())
	return result, nil
}

// buildTasks maps the roster to a task graph: analysts fan out, the
// synthesizer depends on all of them.
func (e *Engine) buildTasks() ([]swarm.Task, error) {
	analysts := e.registry.Analysts()
	if len(analysts) == 0 {
		return nil, fmt.Errorf("no analysts registered")
	}
	synth, err := e.registry.Synthesizer()
	if err != nil {
		return nil, err
	}

	tasks := make([]swarm.Task, 0, len(analysts)+1)
	dependsOn := make([]string, 0, len(analysts))
	for _, a := range analysts {
		tasks = append(tasks, swarm.Task{
			ID:          a.ID,
			WorkerID:    a.ID,
			Description: a.Name,
		})
		dependsOn = append(dependsOn, a.ID)
	}
	tasks = append(tasks, swarm.Task{
		ID:          synth.ID,
		WorkerID:    synth.ID,
		Description: synth.Name,
		DependsOn:   dependsOn,
	})
	return tasks, nil
}

// invokeSpecialist closes over the run so each task routes, calls and
// records against its own specialist.
func (e *Engine) invokeSpecialist(runID string, req DecisionRequest) swarm.InvokeFunc {
	return func(ctx context.Context, task swarm.Task, deps map[string]swarm.TaskResult) swarm.TaskResult {
		e.runs.Touch(runID)

		spec, err := e.registry.Get(task.WorkerID)
		if err != nil {
			return swarm.TaskResult{TaskID: task.ID, WorkerID: task.WorkerID, Error: err.Error()}
		}

		sel, err := e.router.Select(
			router.TaskSpec{TaskType: spec.TaskType, Priority: spec.Priority},
			router.Options{OverrideModelID: req.OverrideModelID},
		)
		if err != nil {
			return swarm.TaskResult{TaskID: task.ID, WorkerID: task.WorkerID, Error: err.Error()}
		}

		e.publishRunEvent(runID, "route_selected", map[string]any{
			"task":       task.ID,
			"specialist": spec.ID,
			"model_id":   sel.Primary.ID,
			"reason":     sel.Reason,
			"candidates": len(sel.Candidates),
		})

		prompt := e.buildPrompt(req, spec, deps)
		return e.callWithFallback(ctx, runID, task, spec, sel, prompt)
	}
}

// callWithFallback walks the candidate list until a model answers. The
// primary's failure is an error; a later candidate's outcome is recorded
// as fallback success or fallback error.
func (e *Engine) callWithFallback(ctx context.Context, runID string, task swarm.Task,
	spec agents.Specialist, sel *router.Selection, prompt string) swarm.TaskResult {

	var lastErr error
	for i, profile := range sel.Candidates {
		if ctx.Err() != nil {
			break
		}

		start := time.Now()
		resp, err := e.llm.Complete(ctx, llm.Request{
			Model:     profile.Model,
			System:    spec.SystemPrompt,
			Prompt:    prompt,
			MaxTokens: e.maxTokens,
		})
		latency := float64(time.Since(start)) / float64(time.Millisecond)

		if err != nil {
			outcome := stats.OutcomeError
			if i > 0 {
				outcome = stats.OutcomeFallbackError
			}
			e.recordCall(runID, spec, profile, sel.Reason, outcome, latency, 0, 0, 0)
			slog.Warn("model call failed", "run", runID, "specialist", spec.ID,
				"model", profile.ID, "attempt", i+1, "error", err)
			lastErr = err
			continue
		}

		outcome := stats.OutcomeSuccess
		if i > 0 {
			outcome = stats.OutcomeFallbackSuccess
		}
		cost := float64(resp.TokensIn)/1000*profile.InputCostPer1K +
			float64(resp.TokensOut)/1000*profile.OutputCostPer1K
		e.recordCall(runID, spec, profile, sel.Reason, outcome, latency, resp.TokensIn, resp.TokensOut, cost)

		e.publishRunEvent(runID, "task_completed", map[string]any{
			"task":       task.ID,
			"specialist": spec.ID,
			"model_id":   profile.ID,
			"outcome":    string(outcome),
			"latency_ms": latency,
		})

		return swarm.TaskResult{
			TaskID:    task.ID,
			WorkerID:  spec.ID,
			Output:    resp.Text,
			LatencyMs: latency,
			Steps:     i + 1,
		}
	}

	errMsg := "no routing candidates"
	if lastErr != nil {
		errMsg = fmt.Sprintf("all %d candidates failed: %v", len(sel.Candidates), lastErr)
	}
	e.publishRunEvent(runID, "task_failed", map[string]any{
		"task":       task.ID,
		"specialist": spec.ID,
		"error":      errMsg,
	})
	return swarm.TaskResult{
		TaskID:   task.ID,
		WorkerID: spec.ID,
		Error:    errMsg,
		Steps:    len(sel.Candidates),
	}
}

// buildPrompt assembles the task prompt: the request, then any dependency
// reports in a stable order.
func (e *Engine) buildPrompt(req DecisionRequest, spec agents.Specialist, deps map[string]swarm.TaskResult) string {
	prompt := req.Prompt
	if req.Instrument != "" {
		prompt = fmt.Sprintf("Instrument: %s\n\n%s", req.Instrument, prompt)
	}
	if len(deps) == 0 {
		return prompt
	}

	ids := make([]string, 0, len(deps))
	for id := range deps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	prompt += "\n\n## Specialist reports\n"
	for _, id := range ids {
		dep := deps[id]
		name := id
		if s, err := e.registry.Get(id); err == nil {
			name = s.Name
		}
		if dep.Failed() {
			prompt += fmt.Sprintf("\n### %s\n(unavailable: %s)\n", name, dep.Error)
			continue
		}
		prompt += fmt.Sprintf("\n### %s\n%s\n", name, dep.Output)
	}
	return prompt
}

// recordCall updates the rolling stats, persists the snapshot and call
// row, and pushes the stats event.
func (e *Engine) recordCall(runID string, spec agents.Specialist, profile *catalog.Profile,
	reason string, outcome stats.Outcome, latencyMs float64, tokensIn, tokensOut int64, cost float64) {

	row := e.stats.Record(stats.Observation{
		ModelID:   profile.ID,
		TaskType:  spec.TaskType,
		Outcome:   outcome,
		LatencyMs: latencyMs,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		Cost:      cost,
	})

	persisted := &store.RollingStat{
		ModelID:       row.ModelID,
		TaskType:      string(row.TaskType),
		Calls:         row.Calls,
		Errors:        row.Errors,
		EWMALatencyMs: row.EWMALatencyMs,
		EWMACost:      row.EWMACost,
		LastCallAt:    row.LastCallAt,
	}
	if !row.LastErrorAt.IsZero() {
		t := row.LastErrorAt
		persisted.LastErrorAt = &t
	}
	if err := e.store.UpsertRollingStat(persisted); err != nil {
		slog.Error("persist rolling stat failed", "model", profile.ID, "error", err)
	}

	if err := e.store.InsertModelCall(&store.ModelCall{
		RunID:      runID,
		Specialist: spec.ID,
		ModelID:    profile.ID,
		TaskType:   string(spec.TaskType),
		Outcome:    string(outcome),
		Reason:     reason,
		LatencyMs:  latencyMs,
		TokensIn:   tokensIn,
		TokensOut:  tokensOut,
		Cost:       cost,
	}); err != nil {
		slog.Error("persist model call failed", "model", profile.ID, "error", err)
	}

	if e.client != nil {
		event := map[string]any{
			"type":      "stats_updated",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"data":      row,
		}
		_ = e.client.PublishJSON(natsbus.TopicEventsStats, event)
	}
}

// extractVerdict pulls the synthesizer's output out of the trace.
func (e *Engine) extractVerdict(trace *swarm.ExecutionTrace) (string, error) {
	synth, err := e.registry.Synthesizer()
	if err != nil {
		return "", err
	}
	for _, stage := range trace.Stages {
		for _, r := range stage.Results {
			if r.TaskID != synth.ID {
				continue
			}
			if r.Failed() {
				return "", fmt.Errorf("synthesizer failed: %s", r.Error)
			}
			return r.Output, nil
		}
	}
	return "", fmt.Errorf("trace has no synthesizer result")
}

func (e *Engine) finishRun(runID, status, verdict string, trace *swarm.ExecutionTrace, errMsg string) {
	var traceJSON json.RawMessage
	if trace != nil {
		if data, err := json.Marshal(trace); err == nil {
			traceJSON = data
		}
	}
	if err := e.store.UpdateDecisionRun(runID, status, verdict, traceJSON, errMsg); err != nil {
		slog.Error("update decision run failed", "run", runID, "error", err)
	}

	event := map[string]any{"status": status}
	if verdict != "" {
		event["verdict"] = verdict
	}
	if errMsg != "" {
		event["error"] = errMsg
	}
	if trace != nil && trace.Metrics != nil {
		event["metrics"] = trace.Metrics
	}
	e.publishRunEvent(runID, "run_finished", event)
}

func (e *Engine) publishRunEvent(runID, eventType string, data map[string]any) {
	if e.client == nil {
		return
	}

	event := map[string]any{
		"type":      eventType,
		"run_id":    runID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      data,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = e.client.Publish(natsbus.TopicRunEvents(runID), payload)
}
