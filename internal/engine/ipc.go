package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/agoranhq/agoran/internal/natsbus"
	"github.com/agoranhq/agoran/internal/schedule"
	"github.com/agoranhq/agoran/internal/store"
)

// IPCCommand is the request envelope on the engine's control topic.
type IPCCommand struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// StartIPC subscribes the engine to its control topic. Subscribers share
// a queue group so each request is served once.
func (e *Engine) StartIPC() error {
	if e.client == nil {
		return fmt.Errorf("engine has no bus client")
	}
	if _, err := e.client.QueueSubscribe(natsbus.TopicEngineIPC, natsbus.QueueEngine, e.handleIPC); err != nil {
		return fmt.Errorf("subscribe engine ipc: %w", err)
	}
	return e.client.Flush()
}

func (e *Engine) handleIPC(msg *nats.Msg) {
	var cmd IPCCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		slog.Warn("invalid IPC command", "error", err)
		e.respondIPC(msg, map[string]any{"error": "invalid command"})
		return
	}

	slog.Debug("IPC command received", "type", cmd.Type)

	switch cmd.Type {
	case "run_decision":
		e.ipcRunDecision(msg, cmd.Payload)
	case "get_run":
		e.ipcGetRun(msg, cmd.Payload)
	case "list_runs":
		e.ipcListRuns(msg, cmd.Payload)
	case "list_models":
		e.ipcListModels(msg)
	case "list_stats":
		e.ipcListStats(msg)
	case "create_schedule":
		e.ipcCreateSchedule(msg, cmd.Payload)
	case "list_schedules":
		e.ipcListSchedules(msg)
	case "delete_schedule":
		e.ipcDeleteSchedule(msg, cmd.Payload)
	default:
		slog.Warn("unknown IPC command", "type", cmd.Type)
		e.respondIPC(msg, map[string]any{"error": "unknown command: " + cmd.Type})
	}
}

func (e *Engine) respondIPC(msg *nats.Msg, data any) {
	resp, err := json.Marshal(data)
	if err != nil {
		slog.Error("failed to marshal IPC response", "error", err)
		return
	}
	if err := msg.Respond(resp); err != nil {
		slog.Error("failed to respond to IPC", "error", err)
	}
}

func (e *Engine) ipcRunDecision(msg *nats.Msg, payload json.RawMessage) {
	var req struct {
		Prompt          string `json:"prompt"`
		Instrument      string `json:"instrument"`
		OverrideModelID string `json:"override_model_id"`
		Wait            bool   `json:"wait"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		e.respondIPC(msg, map[string]any{"error": "invalid payload"})
		return
	}
	if req.Prompt == "" {
		e.respondIPC(msg, map[string]any{"error": "prompt is required"})
		return
	}

	dr := DecisionRequest{
		Prompt:          req.Prompt,
		Instrument:      req.Instrument,
		OverrideModelID: req.OverrideModelID,
	}

	if !req.Wait {
		runID, err := e.StartDecision(dr)
		if err != nil {
			e.respondIPC(msg, map[string]any{"error": fmt.Sprintf("start failed: %v", err)})
			return
		}
		e.respondIPC(msg, map[string]any{"ok": true, "run_id": runID, "status": "running"})
		return
	}

	// Respond from a separate goroutine so a long run does not stall
	// the subscription's delivery loop.
	go func() {
		result, err := e.RunDecision(context.Background(), dr)
		if err != nil && result == nil {
			e.respondIPC(msg, map[string]any{"error": fmt.Sprintf("run failed: %v", err)})
			return
		}
		e.respondIPC(msg, map[string]any{
			"ok":      result.Status == "completed",
			"run_id":  result.RunID,
			"status":  result.Status,
			"verdict": result.Verdict,
			"error":   result.Error,
		})
	}()
}

func (e *Engine) ipcGetRun(msg *nats.Msg, payload json.RawMessage) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.ID == "" {
		e.respondIPC(msg, map[string]any{"error": "id is required"})
		return
	}

	run, err := e.store.GetDecisionRun(req.ID)
	if err != nil {
		e.respondIPC(msg, map[string]any{"error": fmt.Sprintf("get failed: %v", err)})
		return
	}
	if run == nil {
		e.respondIPC(msg, map[string]any{"error": "run not found: " + req.ID})
		return
	}

	calls, err := e.store.ListModelCallsForRun(req.ID)
	if err != nil {
		e.respondIPC(msg, map[string]any{"error": fmt.Sprintf("list calls failed: %v", err)})
		return
	}
	e.respondIPC(msg, map[string]any{"ok": true, "run": run, "calls": calls})
}

func (e *Engine) ipcListRuns(msg *nats.Msg, payload json.RawMessage) {
	limit := 20
	if len(payload) > 0 {
		var req struct {
			Limit int `json:"limit"`
		}
		if err := json.Unmarshal(payload, &req); err == nil && req.Limit > 0 {
			limit = req.Limit
		}
	}

	runs, err := e.store.ListDecisionRuns(limit)
	if err != nil {
		e.respondIPC(msg, map[string]any{"error": fmt.Sprintf("list failed: %v", err)})
		return
	}

	type runEntry struct {
		ID         string `json:"id"`
		Prompt     string `json:"prompt"`
		Instrument string `json:"instrument,omitempty"`
		Status     string `json:"status"`
		Verdict    string `json:"verdict,omitempty"`
		StartedAt  string `json:"started_at"`
	}
	out := make([]runEntry, 0, len(runs))
	for _, r := range runs {
		out = append(out, runEntry{
			ID:         r.ID,
			Prompt:     r.Prompt,
			Instrument: r.Instrument,
			Status:     r.Status,
			Verdict:    r.Verdict,
			StartedAt:  r.StartedAt.UTC().Format("2006-01-02 15:04:05"),
		})
	}
	e.respondIPC(msg, map[string]any{"ok": true, "runs": out})
}

func (e *Engine) ipcListModels(msg *nats.Msg) {
	e.respondIPC(msg, map[string]any{"ok": true, "models": e.catalog.List()})
}

func (e *Engine) ipcListStats(msg *nats.Msg) {
	e.respondIPC(msg, map[string]any{"ok": true, "stats": e.stats.List()})
}

func (e *Engine) ipcCreateSchedule(msg *nats.Msg, payload json.RawMessage) {
	var req struct {
		Name       string `json:"name"`
		Spec       string `json:"spec"`
		Prompt     string `json:"prompt"`
		Instrument string `json:"instrument"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		e.respondIPC(msg, map[string]any{"error": "invalid payload"})
		return
	}
	if req.Name == "" || req.Spec == "" || req.Prompt == "" {
		e.respondIPC(msg, map[string]any{"error": "name, spec, and prompt are required"})
		return
	}

	normalized, err := schedule.Normalize(req.Spec)
	if err != nil {
		e.respondIPC(msg, map[string]any{"error": fmt.Sprintf("invalid spec: %v", err)})
		return
	}

	sch := &store.Schedule{
		ID:         uuid.New().String(),
		Name:       req.Name,
		Spec:       normalized,
		Prompt:     req.Prompt,
		Instrument: req.Instrument,
		Status:     "active",
		NextRunAt:  schedule.NextRun(normalized),
	}
	if err := e.store.SaveSchedule(sch); err != nil {
		e.respondIPC(msg, map[string]any{"error": fmt.Sprintf("save failed: %v", err)})
		return
	}

	slog.Info("schedule created via IPC", "id", sch.ID, "name", sch.Name)
	e.respondIPC(msg, map[string]any{"ok": true, "id": sch.ID})
}

func (e *Engine) ipcListSchedules(msg *nats.Msg) {
	schedules, err := e.store.ListSchedules()
	if err != nil {
		e.respondIPC(msg, map[string]any{"error": fmt.Sprintf("list failed: %v", err)})
		return
	}

	type scheduleEntry struct {
		ID         string `json:"id"`
		Name       string `json:"name"`
		Spec       string `json:"spec"`
		Timing     string `json:"timing"`
		Prompt     string `json:"prompt"`
		Instrument string `json:"instrument,omitempty"`
		Status     string `json:"status"`
		NextRunAt  string `json:"next_run_at,omitempty"`
	}
	out := make([]scheduleEntry, 0, len(schedules))
	for _, sch := range schedules {
		entry := scheduleEntry{
			ID:         sch.ID,
			Name:       sch.Name,
			Spec:       sch.Spec,
			Timing:     schedule.Describe(sch.Spec),
			Prompt:     sch.Prompt,
			Instrument: sch.Instrument,
			Status:     sch.Status,
		}
		if sch.NextRunAt != nil {
			entry.NextRunAt = sch.NextRunAt.UTC().Format("2006-01-02 15:04:05")
		}
		out = append(out, entry)
	}
	e.respondIPC(msg, map[string]any{"ok": true, "schedules": out})
}

func (e *Engine) ipcDeleteSchedule(msg *nats.Msg, payload json.RawMessage) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.ID == "" {
		e.respondIPC(msg, map[string]any{"error": "id is required"})
		return
	}
	if err := e.store.DeleteSchedule(req.ID); err != nil {
		e.respondIPC(msg, map[string]any{"error": fmt.Sprintf("delete failed: %v", err)})
		return
	}
	slog.Info("schedule deleted via IPC", "id", req.ID)
	e.respondIPC(msg, map[string]any{"ok": true})
}
