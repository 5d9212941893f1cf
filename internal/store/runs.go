package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// DecisionRun is one swarm decision request from submission to verdict.
// Trace holds the serialized execution trace once the run finishes.
type DecisionRun struct {
	ID          string          `json:"id"`
	Prompt      string          `json:"prompt"`
	Instrument  string          `json:"instrument,omitempty"`
	Status      string          `json:"status"`
	Verdict     string          `json:"verdict,omitempty"`
	Trace       json.RawMessage `json:"trace,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

const runColumns = `id, prompt, instrument, status, verdict, trace, error, started_at, completed_at`

func scanDecisionRun(sc scanner) (*DecisionRun, error) {
	r := &DecisionRun{}
	var instrument, verdict, trace, runErr *string
	err := sc.Scan(&r.ID, &r.Prompt, &instrument, &r.Status, &verdict, &trace, &runErr, &r.StartedAt, &r.CompletedAt)
	if err != nil {
		return nil, err
	}
	if instrument != nil {
		r.Instrument = *instrument
	}
	if verdict != nil {
		r.Verdict = *verdict
	}
	if trace != nil {
		r.Trace = json.RawMessage(*trace)
	}
	if runErr != nil {
		r.Error = *runErr
	}
	return r, nil
}

func (s *Store) SaveDecisionRun(r *DecisionRun) error {
	_, err := s.db.Exec(`
		INSERT INTO decision_runs (id, prompt, instrument, status, verdict, trace, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			verdict = excluded.verdict,
			trace = excluded.trace,
			error = excluded.error,
			completed_at = CASE WHEN excluded.status IN ('completed', 'failed') THEN CURRENT_TIMESTAMP ELSE completed_at END`,
		r.ID, r.Prompt, r.Instrument, r.Status, r.Verdict, nullableJSON(r.Trace), r.Error)
	if err != nil {
		return fmt.Errorf("save decision run: %w", err)
	}
	return nil
}

func (s *Store) GetDecisionRun(id string) (*DecisionRun, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM decision_runs WHERE id = ?`, id)
	r, err := scanDecisionRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get decision run: %w", err)
	}
	return r, nil
}

func (s *Store) ListDecisionRuns(limit int) ([]DecisionRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM decision_runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list decision runs: %w", err)
	}
	defer rows.Close()

	var runs []DecisionRun
	for rows.Next() {
		r, err := scanDecisionRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan decision run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (s *Store) UpdateDecisionRun(id, status, verdict string, trace json.RawMessage, runErr string) error {
	_, err := s.db.Exec(`
		UPDATE decision_runs
		SET status = ?, verdict = ?, trace = ?, error = ?,
		    completed_at = CASE WHEN ? IN ('completed', 'failed') THEN CURRENT_TIMESTAMP ELSE completed_at END
		WHERE id = ?`, status, verdict, nullableJSON(trace), runErr, status, id)
	if err != nil {
		return fmt.Errorf("update decision run: %w", err)
	}
	return nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
