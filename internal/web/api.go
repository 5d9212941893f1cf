package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/agoranhq/agoran/internal/engine"
	"github.com/agoranhq/agoran/internal/schedule"
	"github.com/agoranhq/agoran/internal/stats"
	"github.com/agoranhq/agoran/internal/store"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Model catalog and observed performance
	mux.HandleFunc("GET /api/models", s.listModels)
	mux.HandleFunc("GET /api/stats", s.listStats)
	mux.HandleFunc("GET /api/calls", s.listCalls)

	// Specialist roster
	mux.HandleFunc("GET /api/specialists", s.listSpecialists)

	// Decision runs
	mux.HandleFunc("POST /api/decisions", s.createDecision)
	mux.HandleFunc("GET /api/runs", s.listRuns)
	mux.HandleFunc("GET /api/runs/active", s.listActiveRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.getRun)
	mux.HandleFunc("GET /api/runs/{id}/calls", s.getRunCalls)

	// Schedules
	mux.HandleFunc("GET /api/schedules", s.listSchedules)
	mux.HandleFunc("POST /api/schedules", s.createSchedule)
	mux.HandleFunc("PUT /api/schedules/{id}", s.updateSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.deleteSchedule)

	// Secrets (metadata only, values never leave the vault)
	mux.HandleFunc("GET /api/secrets", s.listSecrets)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) listModels(w http.ResponseWriter, r *http.Request) {
	rows := s.stats.List()
	byModel := make(map[string][]stats.Row, len(rows))
	for _, row := range rows {
		byModel[row.ModelID] = append(byModel[row.ModelID], row)
	}

	// Enrich each profile with its observed call totals
	out := make([]map[string]any, 0, s.catalog.Len())
	for _, p := range s.catalog.List() {
		var calls, errs int64
		for _, row := range byModel[p.ID] {
			calls += row.Calls
			errs += row.Errors
		}
		out = append(out, map[string]any{
			"id":                 p.ID,
			"provider":           p.Provider,
			"model":              p.Model,
			"enabled_by_default": p.EnabledByDefault,
			"input_cost_per_1k":  p.InputCostPer1K,
			"output_cost_per_1k": p.OutputCostPer1K,
			"latency_p50_ms":     p.LatencyP50Ms,
			"latency_p95_ms":     p.LatencyP95Ms,
			"capabilities":       p.Capabilities,
			"suitability":        p.Suitability,
			"call_count":         calls,
			"error_count":        errs,
			"stats":              byModel[p.ID],
		})
	}
	jsonResponse(w, out)
}

func (s *Server) listStats(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.stats.List())
}

func (s *Server) listCalls(w http.ResponseWriter, r *http.Request) {
	calls, err := s.store.ListModelCalls(queryLimit(r, 100))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, calls)
}

func (s *Server) listSpecialists(w http.ResponseWriter, r *http.Request) {
	specialists := s.registry.List()
	out := make([]map[string]any, 0, len(specialists))
	for _, sp := range specialists {
		out = append(out, map[string]any{
			"id":            sp.ID,
			"name":          sp.Name,
			"task_type":     sp.TaskType,
			"priority":      sp.Priority,
			"synthesizer":   sp.Synthesizer,
			"system_prompt": sp.SystemPrompt,
		})
	}
	jsonResponse(w, out)
}

func (s *Server) createDecision(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Prompt          string `json:"prompt"`
		Instrument      string `json:"instrument"`
		OverrideModelID string `json:"override_model_id"`
		Wait            bool   `json:"wait"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Prompt == "" {
		jsonError(w, "prompt is required", http.StatusBadRequest)
		return
	}

	req := engine.DecisionRequest{
		Prompt:          body.Prompt,
		Instrument:      body.Instrument,
		OverrideModelID: body.OverrideModelID,
	}

	if body.Wait {
		result, err := s.engine.RunDecision(r.Context(), req)
		if err != nil && result == nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		jsonResponse(w, result)
		return
	}

	runID, err := s.engine.StartDecision(req)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"run_id": runID, "status": "running"})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListDecisionRuns(queryLimit(r, 50))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]map[string]any, 0, len(runs))
	for _, run := range runs {
		out = append(out, runToAPI(run))
	}
	jsonResponse(w, out)
}

func (s *Server) listActiveRuns(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.engine.ActiveRuns())
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := s.store.GetDecisionRun(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		jsonError(w, "run not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, run)
}

func (s *Server) getRunCalls(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	calls, err := s.store.ListModelCallsForRun(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, calls)
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.store.ListSchedules()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(schedules))
	for _, sch := range schedules {
		out = append(out, scheduleToAPI(sch))
	}
	jsonResponse(w, out)
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name       string `json:"name"`
		Spec       string `json:"spec"`
		Prompt     string `json:"prompt"`
		Instrument string `json:"instrument"`
		Enabled    *bool  `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Name == "" || body.Spec == "" || body.Prompt == "" {
		jsonError(w, "name, spec, and prompt are required", http.StatusBadRequest)
		return
	}

	// Normalize spec (handles plain cron strings)
	normalized, err := schedule.Normalize(body.Spec)
	if err != nil {
		jsonError(w, fmt.Sprintf("invalid spec: %v", err), http.StatusBadRequest)
		return
	}

	status := "active"
	if body.Enabled != nil && !*body.Enabled {
		status = "paused"
	}

	sch := store.Schedule{
		ID:         uuid.New().String(),
		Name:       body.Name,
		Spec:       normalized,
		Prompt:     body.Prompt,
		Instrument: body.Instrument,
		Status:     status,
	}
	if status == "active" {
		sch.NextRunAt = schedule.NextRun(normalized)
	}

	if err := s.store.SaveSchedule(&sch); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, scheduleToAPI(sch))
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	existing, err := s.store.GetSchedule(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if existing == nil {
		jsonError(w, "schedule not found", http.StatusNotFound)
		return
	}

	var body struct {
		Name       *string `json:"name"`
		Spec       *string `json:"spec"`
		Prompt     *string `json:"prompt"`
		Instrument *string `json:"instrument"`
		Enabled    *bool   `json:"enabled"`
		Status     *string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if body.Name != nil {
		existing.Name = *body.Name
	}
	if body.Prompt != nil {
		existing.Prompt = *body.Prompt
	}
	if body.Instrument != nil {
		existing.Instrument = *body.Instrument
	}

	// Handle enabled bool → status mapping
	if body.Enabled != nil {
		if *body.Enabled {
			existing.Status = "active"
		} else if existing.Status != "completed" {
			existing.Status = "paused"
		}
	} else if body.Status != nil {
		existing.Status = *body.Status
	}

	if body.Spec != nil {
		normalized, err := schedule.Normalize(*body.Spec)
		if err != nil {
			jsonError(w, fmt.Sprintf("invalid spec: %v", err), http.StatusBadRequest)
			return
		}
		existing.Spec = normalized
	}

	// Recalculate next_run_at
	if existing.Status == "active" {
		existing.NextRunAt = schedule.NextRun(existing.Spec)
	} else {
		existing.NextRunAt = nil
	}

	if err := s.store.SaveSchedule(existing); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, scheduleToAPI(*existing))
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteSchedule(id); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) listSecrets(w http.ResponseWriter, r *http.Request) {
	secrets, err := s.store.ListSecrets()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, secrets)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	schedules, _ := s.store.ListSchedules()
	activeSchedules := 0
	for _, sch := range schedules {
		if sch.Status == "active" {
			activeSchedules++
		}
	}

	runs, _ := s.store.ListDecisionRuns(10)
	recentOut := make([]map[string]any, 0, len(runs))
	for _, run := range runs {
		recentOut = append(recentOut, runToAPI(run))
	}

	status := map[string]any{
		"status":           "ok",
		"models":           s.catalog.Len(),
		"specialists":      len(s.registry.List()),
		"active_runs":      len(s.engine.ActiveRuns()),
		"active_schedules": activeSchedules,
		"recent_runs":      recentOut,
		"uptime":           formatUptime(time.Since(s.startedAt)),
		"nats":             "ok",
		"timestamp":        time.Now().UTC(),
		"version":          s.version,
	}

	jsonResponse(w, status)
}

// queryLimit reads a positive ?limit= parameter, falling back to def.
func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// runToAPI trims a run for listings: the trace stays behind GET /api/runs/{id}.
func runToAPI(run store.DecisionRun) map[string]any {
	m := map[string]any{
		"id":         run.ID,
		"prompt":     run.Prompt,
		"status":     run.Status,
		"started_at": formatEventTime(run.StartedAt),
	}
	if run.Instrument != "" {
		m["instrument"] = run.Instrument
	}
	if run.Verdict != "" {
		m["verdict"] = run.Verdict
	}
	if run.Error != "" {
		m["error"] = run.Error
	}
	if run.CompletedAt != nil {
		m["completed_at"] = formatEventTime(*run.CompletedAt)
	}
	return m
}

func scheduleToAPI(sch store.Schedule) map[string]any {
	m := map[string]any{
		"id":           sch.ID,
		"name":         sch.Name,
		"spec":         sch.Spec,
		"spec_display": schedule.Describe(sch.Spec),
		"prompt":       sch.Prompt,
		"enabled":      sch.Status == "active",
		"status":       sch.Status,
	}
	if sch.Instrument != "" {
		m["instrument"] = sch.Instrument
	}
	if sch.LastRunAt != nil {
		m["last_run"] = formatEventTime(*sch.LastRunAt)
	}
	if sch.NextRunAt != nil {
		m["next_run"] = formatEventTime(*sch.NextRunAt)
	}
	if sch.LastStatus != "" {
		m["last_status"] = sch.LastStatus
	}
	if sch.LastError != "" {
		m["last_error"] = sch.LastError
	}
	return m
}

func formatEventTime(t time.Time) string {
	local := t.Local()
	now := time.Now()
	if local.Year() == now.Year() && local.YearDay() == now.YearDay() {
		return local.Format("15:04")
	}
	return local.Format("Jan 2 15:04")
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
