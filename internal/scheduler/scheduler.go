// Package scheduler polls the schedule table and fires due decision runs.
package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/agoranhq/agoran/internal/config"
	"github.com/agoranhq/agoran/internal/engine"
	"github.com/agoranhq/agoran/internal/natsbus"
	"github.com/agoranhq/agoran/internal/schedule"
	"github.com/agoranhq/agoran/internal/store"
)

// DecisionStarter launches a decision run without waiting for the verdict.
type DecisionStarter interface {
	StartDecision(req engine.DecisionRequest) (string, error)
}

type Scheduler struct {
	store        *store.Store
	engine       DecisionStarter
	client       *natsbus.Client
	pollInterval time.Duration
	reloadCh     chan struct{}
}

func New(s *store.Store, eng DecisionStarter, client *natsbus.Client, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:        s,
		engine:       eng,
		client:       client,
		pollInterval: cfg.PollInterval,
		reloadCh:     make(chan struct{}, 1),
	}
}

// UpdateConfig changes the poll interval and resets the run loop's ticker.
func (s *Scheduler) UpdateConfig(pollInterval time.Duration) {
	s.pollInterval = pollInterval
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	if s.pollInterval == 0 {
		s.pollInterval = 30 * time.Second
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.pollInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			ticker.Reset(s.pollInterval)
			slog.Info("scheduler config reloaded", "poll_interval", s.pollInterval)
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	due, err := s.store.GetDueSchedules(time.Now())
	if err != nil {
		slog.Error("failed to get due schedules", "error", err)
		return
	}

	for _, sch := range due {
		if ctx.Err() != nil {
			return
		}
		s.execute(sch)
	}
}

func (s *Scheduler) execute(sch store.Schedule) {
	slog.Info("firing scheduled decision", "id", sch.ID, "name", sch.Name, "instrument", sch.Instrument)

	runID, err := s.engine.StartDecision(engine.DecisionRequest{
		Prompt:     sch.Prompt,
		Instrument: sch.Instrument,
	})

	var lastStatus, lastError string
	if err != nil {
		lastStatus = "error"
		lastError = err.Error()
		slog.Error("scheduled decision failed to start", "id", sch.ID, "error", err)
	} else {
		lastStatus = "success"
	}

	nextRun := schedule.NextRun(sch.Spec)

	if err := s.store.UpdateScheduleRun(sch.ID, lastStatus, lastError, nextRun); err != nil {
		slog.Error("failed to update schedule run", "id", sch.ID, "error", err)
	}

	s.publishScheduleFiredEvent(sch, lastStatus, runID)

	// One-shot specs have no next run; retire them.
	if nextRun == nil {
		slog.Info("schedule exhausted, marking completed", "id", sch.ID, "name", sch.Name)
		if err := s.store.UpdateScheduleStatus(sch.ID, "completed"); err != nil {
			slog.Error("failed to complete schedule", "id", sch.ID, "error", err)
		}
	}
}

func (s *Scheduler) publishScheduleFiredEvent(sch store.Schedule, status, runID string) {
	if s.client == nil {
		return
	}

	event := map[string]any{
		"type":      "schedule_fired",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data": map[string]any{
			"id":     sch.ID,
			"name":   sch.Name,
			"status": status,
			"run_id": runID,
		},
	}

	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	_ = s.client.Publish(natsbus.TopicScheduleEvents(sch.ID), data)
}
