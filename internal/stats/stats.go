package stats

import (
	"sort"
	"sync"
	"time"

	"github.com/agoranhq/agoran/internal/catalog"
)

// alpha is the EWMA smoothing factor for observed latency and cost.
const alpha = 0.2

// Outcome tags a completed model call as reported back by the caller.
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeError           Outcome = "error"
	OutcomeFallbackSuccess Outcome = "fallback_success"
	OutcomeFallbackError   Outcome = "fallback_error"
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeError, OutcomeFallbackSuccess, OutcomeFallbackError:
		return true
	}
	return false
}

// Failed reports whether the outcome counts against the model's error rate.
func (o Outcome) Failed() bool {
	return o == OutcomeError || o == OutcomeFallbackError
}

// Observation is one completed model call.
type Observation struct {
	ModelID   string           `json:"model_id"`
	TaskType  catalog.TaskType `json:"task_type"`
	Outcome   Outcome          `json:"outcome"`
	LatencyMs float64          `json:"latency_ms"`
	TokensIn  int64            `json:"tokens_in,omitempty"`
	TokensOut int64            `json:"tokens_out,omitempty"`
	Cost      float64          `json:"cost,omitempty"`
}

// Row is the rolling view over every observation for one (model, task type)
// pair. Rows are created lazily on first observation and never deleted.
type Row struct {
	ModelID       string           `json:"model_id"`
	TaskType      catalog.TaskType `json:"task_type"`
	Calls         int64            `json:"calls"`
	Errors        int64            `json:"errors"`
	EWMALatencyMs float64          `json:"ewma_latency_ms"`
	EWMACost      float64          `json:"ewma_cost"`
	LastCallAt    time.Time        `json:"last_call_at"`
	LastErrorAt   time.Time        `json:"last_error_at,omitempty"`
}

func (r Row) ErrorRate() float64 {
	if r.Calls == 0 {
		return 0
	}
	return float64(r.Errors) / float64(r.Calls)
}

type key struct {
	model string
	task  catalog.TaskType
}

// row pairs the data with its own lock so updates for the same key
// serialize while different keys proceed in parallel.
type row struct {
	mu sync.Mutex
	Row
}

// Store keeps rolling per-(model, task type) call statistics in memory.
// Safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	rows map[key]*row
}

func NewStore() *Store {
	return &Store{rows: make(map[key]*row)}
}

func (s *Store) getOrCreate(k key) *row {
	s.mu.RLock()
	r, ok := s.rows[k]
	s.mu.RUnlock()
	if ok {
		return r
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok = s.rows[k]; ok {
		return r
	}
	r = &row{Row: Row{ModelID: k.model, TaskType: k.task}}
	s.rows[k] = r
	return r
}

// Record folds one observation into the matching row and returns the updated
// snapshot. EWMA values seed with the first observed value; afterwards each
// update is alpha*new + (1-alpha)*old.
func (s *Store) Record(obs Observation) Row {
	r := s.getOrCreate(key{model: obs.ModelID, task: obs.TaskType})

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	r.Calls++
	r.LastCallAt = now
	if obs.Outcome.Failed() {
		r.Errors++
		r.LastErrorAt = now
	}
	if r.Calls == 1 {
		r.EWMALatencyMs = obs.LatencyMs
	} else {
		r.EWMALatencyMs = alpha*obs.LatencyMs + (1-alpha)*r.EWMALatencyMs
	}
	if obs.Cost > 0 {
		if r.EWMACost == 0 {
			r.EWMACost = obs.Cost
		} else {
			r.EWMACost = alpha*obs.Cost + (1-alpha)*r.EWMACost
		}
	}
	return r.Row
}

// Get returns the row for (modelID, taskType), reporting absence instead of
// inventing an empty row.
func (s *Store) Get(modelID string, taskType catalog.TaskType) (Row, bool) {
	s.mu.RLock()
	r, ok := s.rows[key{model: modelID, task: taskType}]
	s.mu.RUnlock()
	if !ok {
		return Row{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Row, true
}

// List returns a snapshot of every row, most recent call first.
func (s *Store) List() []Row {
	s.mu.RLock()
	out := make([]Row, 0, len(s.rows))
	for _, r := range s.rows {
		r.mu.Lock()
		out = append(out, r.Row)
		r.mu.Unlock()
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastCallAt.Equal(out[j].LastCallAt) {
			return out[i].LastCallAt.After(out[j].LastCallAt)
		}
		if out[i].ModelID != out[j].ModelID {
			return out[i].ModelID < out[j].ModelID
		}
		return out[i].TaskType < out[j].TaskType
	})
	return out
}

// Seed installs previously persisted rows, used to warm the store at boot.
// Existing rows for the same key are replaced.
func (s *Store) Seed(rows []Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, in := range rows {
		if in.ModelID == "" || in.TaskType == "" {
			continue
		}
		s.rows[key{model: in.ModelID, task: in.TaskType}] = &row{Row: in}
	}
}
