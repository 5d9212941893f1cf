package store

import (
	"fmt"
	"time"
)

// RollingStat is the persisted form of one (model, task type) rolling
// window, written through on every observation so restarts keep history.
type RollingStat struct {
	ModelID       string     `json:"model_id"`
	TaskType      string     `json:"task_type"`
	Calls         int64      `json:"calls"`
	Errors        int64      `json:"errors"`
	EWMALatencyMs float64    `json:"ewma_latency_ms"`
	EWMACost      float64    `json:"ewma_cost"`
	LastCallAt    time.Time  `json:"last_call_at"`
	LastErrorAt   *time.Time `json:"last_error_at,omitempty"`
}

const statColumns = `model_id, task_type, calls, errors, ewma_latency_ms, ewma_cost, last_call_at, last_error_at`

func scanRollingStat(sc scanner) (*RollingStat, error) {
	r := &RollingStat{}
	if err := sc.Scan(&r.ModelID, &r.TaskType, &r.Calls, &r.Errors,
		&r.EWMALatencyMs, &r.EWMACost, &r.LastCallAt, &r.LastErrorAt); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Store) UpsertRollingStat(r *RollingStat) error {
	_, err := s.db.Exec(`
		INSERT INTO rolling_stats (model_id, task_type, calls, errors, ewma_latency_ms, ewma_cost, last_call_at, last_error_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(model_id, task_type) DO UPDATE SET
			calls = excluded.calls,
			errors = excluded.errors,
			ewma_latency_ms = excluded.ewma_latency_ms,
			ewma_cost = excluded.ewma_cost,
			last_call_at = excluded.last_call_at,
			last_error_at = excluded.last_error_at`,
		r.ModelID, r.TaskType, r.Calls, r.Errors, r.EWMALatencyMs, r.EWMACost, r.LastCallAt, r.LastErrorAt)
	if err != nil {
		return fmt.Errorf("upsert rolling stat: %w", err)
	}
	return nil
}

func (s *Store) ListRollingStats() ([]RollingStat, error) {
	rows, err := s.db.Query(`SELECT ` + statColumns + ` FROM rolling_stats ORDER BY model_id, task_type`)
	if err != nil {
		return nil, fmt.Errorf("list rolling stats: %w", err)
	}
	defer rows.Close()

	var stats []RollingStat
	for rows.Next() {
		r, err := scanRollingStat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rolling stat: %w", err)
		}
		stats = append(stats, *r)
	}
	return stats, rows.Err()
}
