// Package agents defines the specialist roster a decision run fans out to.
package agents

import (
	"errors"
	"fmt"
	"sort"

	"github.com/agoranhq/agoran/internal/catalog"
	"github.com/agoranhq/agoran/internal/config"
	"github.com/agoranhq/agoran/internal/router"
)

var ErrUnknownSpecialist = errors.New("unknown specialist")

// Specialist is one worker role in the decision swarm. Analysts run in
// parallel; the synthesizer consumes their outputs and issues the verdict.
type Specialist struct {
	ID           string
	Name         string
	TaskType     catalog.TaskType
	Priority     router.PriorityMode
	SystemPrompt string
	Synthesizer  bool
}

// Registry holds the validated specialist roster.
type Registry struct {
	specialists map[string]Specialist
	order       []string
}

// New returns a registry seeded with the built-in roster.
func New() *Registry {
	r := &Registry{specialists: make(map[string]Specialist)}
	for _, s := range builtins() {
		// Built-ins are static and pre-validated.
		r.specialists[s.ID] = s
		r.order = append(r.order, s.ID)
	}
	return r
}

// FromConfig seeds the built-in roster and applies config overrides on top.
// A config entry with a known id replaces the builtin's prompt and routing
// hints; a new id registers an additional analyst.
func FromConfig(defs []config.SpecialistConfig) (*Registry, error) {
	r := New()
	for _, def := range defs {
		s := Specialist{
			ID:           def.ID,
			Name:         def.Name,
			TaskType:     catalog.TaskType(def.TaskType),
			Priority:     router.PriorityMode(def.Priority),
			SystemPrompt: def.SystemPrompt,
		}
		if existing, ok := r.specialists[def.ID]; ok {
			s.Synthesizer = existing.Synthesizer
			if s.Name == "" {
				s.Name = existing.Name
			}
			if s.TaskType == "" {
				s.TaskType = existing.TaskType
			}
			if s.Priority == "" {
				s.Priority = existing.Priority
			}
			if s.SystemPrompt == "" {
				s.SystemPrompt = existing.SystemPrompt
			}
		}
		if err := r.Register(s); err != nil {
			return nil, fmt.Errorf("specialist %s: %w", def.ID, err)
		}
	}
	return r, nil
}

// Register validates the specialist and adds or replaces it.
func (r *Registry) Register(s Specialist) error {
	if s.ID == "" {
		return fmt.Errorf("specialist has an empty id")
	}
	if !s.TaskType.Valid() {
		return fmt.Errorf("invalid task type %q", s.TaskType)
	}
	if s.Priority != "" && !s.Priority.Valid() {
		return fmt.Errorf("invalid priority %q", s.Priority)
	}
	if s.Name == "" {
		s.Name = s.ID
	}

	if _, ok := r.specialists[s.ID]; !ok {
		r.order = append(r.order, s.ID)
	}
	r.specialists[s.ID] = s
	return nil
}

// Get returns the specialist for id.
func (r *Registry) Get(id string) (Specialist, error) {
	s, ok := r.specialists[id]
	if !ok {
		return Specialist{}, fmt.Errorf("specialist %q: %w", id, ErrUnknownSpecialist)
	}
	return s, nil
}

// Analysts returns the non-synthesizer roster in registration order.
func (r *Registry) Analysts() []Specialist {
	out := make([]Specialist, 0, len(r.order))
	for _, id := range r.order {
		if s := r.specialists[id]; !s.Synthesizer {
			out = append(out, s)
		}
	}
	return out
}

// Synthesizer returns the specialist that issues the final verdict.
func (r *Registry) Synthesizer() (Specialist, error) {
	for _, id := range r.order {
		if s := r.specialists[id]; s.Synthesizer {
			return s, nil
		}
	}
	return Specialist{}, fmt.Errorf("no synthesizer registered: %w", ErrUnknownSpecialist)
}

// List returns the full roster in registration order.
func (r *Registry) List() []Specialist {
	out := make([]Specialist, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.specialists[id])
	}
	return out
}

// Descriptions maps specialist ids to display names, sorted by id.
func (r *Registry) Descriptions() map[string]string {
	descs := make(map[string]string, len(r.specialists))
	ids := make([]string, 0, len(r.specialists))
	for id := range r.specialists {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		descs[id] = r.specialists[id].Name
	}
	return descs
}

func builtins() []Specialist {
	return []Specialist{
		{
			ID:       "tech",
			Name:     "Technical Analyst",
			TaskType: catalog.TaskMarketAnalysis,
			Priority: router.PriorityLatency,
			SystemPrompt: "You are a technical analyst. Review the instrument's price action, " +
				"momentum and volume indicators, and support and resistance levels. " +
				"Report the setups you see and how strong each signal is.",
		},
		{
			ID:       "news",
			Name:     "News Scanner",
			TaskType: catalog.TaskSearch,
			Priority: router.PriorityLatency,
			SystemPrompt: "You are a market news scanner. Surface recent headlines, filings and " +
				"macro events relevant to the instrument, and rate the likely direction " +
				"and magnitude of their impact.",
		},
		{
			ID:       "risk",
			Name:     "Risk Assessor",
			TaskType: catalog.TaskExtraction,
			Priority: router.PriorityCost,
			SystemPrompt: "You are a risk assessor. Extract the exposure, drawdown and " +
				"liquidity risks in the proposed position, and list the conditions that " +
				"would invalidate the trade.",
		},
		{
			ID:          "synth",
			Name:        "Decision Synthesizer",
			TaskType:    catalog.TaskTradingDecision,
			Priority:    router.PriorityQuality,
			Synthesizer: true,
			SystemPrompt: "You are the final decision maker. Weigh the technical, news and risk " +
				"reports you are given, resolve their disagreements, and issue one clear " +
				"verdict: buy, sell or hold, with sizing guidance and your confidence.",
		},
	}
}
