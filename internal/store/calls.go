package store

import (
	"fmt"
	"time"
)

// ModelCall is one completed (or failed) model invocation, kept as the
// audit trail behind the rolling stats.
type ModelCall struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id,omitempty"`
	Specialist string    `json:"specialist"`
	ModelID    string    `json:"model_id"`
	TaskType   string    `json:"task_type"`
	Outcome    string    `json:"outcome"`
	Reason     string    `json:"reason,omitempty"`
	LatencyMs  float64   `json:"latency_ms"`
	TokensIn   int64     `json:"tokens_in"`
	TokensOut  int64     `json:"tokens_out"`
	Cost       float64   `json:"cost"`
	CreatedAt  time.Time `json:"created_at"`
}

const callColumns = `id, run_id, specialist, model_id, task_type, outcome, reason, latency_ms, tokens_in, tokens_out, cost, created_at`

func scanModelCall(sc scanner) (*ModelCall, error) {
	c := &ModelCall{}
	var runID, reason *string
	err := sc.Scan(&c.ID, &runID, &c.Specialist, &c.ModelID, &c.TaskType, &c.Outcome, &reason,
		&c.LatencyMs, &c.TokensIn, &c.TokensOut, &c.Cost, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	if runID != nil {
		c.RunID = *runID
	}
	if reason != nil {
		c.Reason = *reason
	}
	return c, nil
}

func (s *Store) InsertModelCall(c *ModelCall) error {
	_, err := s.db.Exec(`
		INSERT INTO model_calls (run_id, specialist, model_id, task_type, outcome, reason, latency_ms, tokens_in, tokens_out, cost)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.RunID, c.Specialist, c.ModelID, c.TaskType, c.Outcome, c.Reason,
		c.LatencyMs, c.TokensIn, c.TokensOut, c.Cost)
	if err != nil {
		return fmt.Errorf("insert model call: %w", err)
	}
	return nil
}

func (s *Store) ListModelCalls(limit int) ([]ModelCall, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT `+callColumns+` FROM model_calls ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list model calls: %w", err)
	}
	defer rows.Close()

	var calls []ModelCall
	for rows.Next() {
		c, err := scanModelCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scan model call: %w", err)
		}
		calls = append(calls, *c)
	}
	return calls, rows.Err()
}

func (s *Store) ListModelCallsForRun(runID string) ([]ModelCall, error) {
	rows, err := s.db.Query(`SELECT `+callColumns+` FROM model_calls WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list model calls for run: %w", err)
	}
	defer rows.Close()

	var calls []ModelCall
	for rows.Next() {
		c, err := scanModelCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scan model call: %w", err)
		}
		calls = append(calls, *c)
	}
	return calls, rows.Err()
}
