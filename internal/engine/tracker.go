package engine

import (
	"sort"
	"sync"
	"time"
)

// ActiveRun is the live view of a decision run that has not yet finished.
type ActiveRun struct {
	ID         string    `json:"id"`
	Prompt     string    `json:"prompt"`
	Instrument string    `json:"instrument,omitempty"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	LastActive time.Time `json:"last_active"`
}

type RunTracker struct {
	runs map[string]*ActiveRun
	mu   sync.RWMutex
}

func NewRunTracker() *RunTracker {
	return &RunTracker{
		runs: make(map[string]*ActiveRun),
	}
}

func (t *RunTracker) Set(runID string, run *ActiveRun) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs[runID] = run
}

func (t *RunTracker) Get(runID string) *ActiveRun {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.runs[runID]
}

func (t *RunTracker) Remove(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.runs, runID)
}

func (t *RunTracker) Touch(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.runs[runID]; ok {
		r.LastActive = time.Now()
	}
}

// List returns active runs, newest first.
func (t *RunTracker) List() []ActiveRun {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]ActiveRun, 0, len(t.runs))
	for _, r := range t.runs {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}
