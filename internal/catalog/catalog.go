package catalog

import (
	"fmt"
	"strings"
)

// TaskType enumerates the kinds of work the engine routes to model backends.
type TaskType string

const (
	TaskTradingDecision TaskType = "trading-decision"
	TaskMarketAnalysis  TaskType = "market-analysis"
	TaskSearch          TaskType = "search"
	TaskSummarization   TaskType = "summarization"
	TaskExtraction      TaskType = "extraction"
)

var taskTypes = map[TaskType]bool{
	TaskTradingDecision: true,
	TaskMarketAnalysis:  true,
	TaskSearch:          true,
	TaskSummarization:   true,
	TaskExtraction:      true,
}

func (t TaskType) Valid() bool {
	return taskTypes[t]
}

// defaultSuitability applies when a profile carries no weight for a task type.
const defaultSuitability = 0.5

type Capabilities struct {
	Tools            bool `yaml:"tools" json:"tools"`
	JSON             bool `yaml:"json" json:"json"`
	LongContext      bool `yaml:"long_context" json:"long_context"`
	MaxContextTokens int  `yaml:"max_context_tokens" json:"max_context_tokens"`
}

// Profile describes one backend model. Profiles are immutable once the
// catalog is built; the enabled flag is only adjusted by the startup
// allow-list before the catalog is shared.
type Profile struct {
	ID               string               `yaml:"id" json:"id"`
	Provider         string               `yaml:"provider" json:"provider"`
	Model            string               `yaml:"model" json:"model"`
	EnabledByDefault bool                 `yaml:"enabled_by_default" json:"enabled_by_default"`
	InputCostPer1K   float64              `yaml:"input_cost_per_1k" json:"input_cost_per_1k"`
	OutputCostPer1K  float64              `yaml:"output_cost_per_1k" json:"output_cost_per_1k"`
	LatencyP50Ms     float64              `yaml:"latency_p50_ms" json:"latency_p50_ms"`
	LatencyP95Ms     float64              `yaml:"latency_p95_ms" json:"latency_p95_ms"`
	Capabilities     Capabilities         `yaml:"capabilities" json:"capabilities"`
	Suitability      map[TaskType]float64 `yaml:"suitability" json:"suitability"`
}

// SuitabilityFor returns the profile's weight for a task type, falling back
// to a neutral default when the task type was never configured.
func (p *Profile) SuitabilityFor(t TaskType) float64 {
	if w, ok := p.Suitability[t]; ok {
		return w
	}
	return defaultSuitability
}

// Catalog holds the loaded model profiles in declaration order. Reads are
// safe for unsynchronized concurrent use after construction.
type Catalog struct {
	profiles []*Profile
	byID     map[string]*Profile
}

func New(profiles []Profile) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]*Profile, len(profiles))}
	for i := range profiles {
		p := profiles[i]
		if p.ID == "" {
			return nil, fmt.Errorf("profile %d: missing id", i)
		}
		if _, exists := c.byID[p.ID]; exists {
			return nil, fmt.Errorf("duplicate profile id %q", p.ID)
		}
		for tt, w := range p.Suitability {
			if !tt.Valid() {
				return nil, fmt.Errorf("profile %q: unknown task type %q", p.ID, tt)
			}
			if w < 0 || w > 1 {
				return nil, fmt.Errorf("profile %q: suitability for %s out of range: %v", p.ID, tt, w)
			}
		}
		c.profiles = append(c.profiles, &p)
		c.byID[p.ID] = &p
	}
	return c, nil
}

func (c *Catalog) Get(id string) (*Profile, bool) {
	p, ok := c.byID[id]
	return p, ok
}

// List returns profiles in declaration order.
func (c *Catalog) List() []*Profile {
	out := make([]*Profile, len(c.profiles))
	copy(out, c.profiles)
	return out
}

func (c *Catalog) Len() int {
	return len(c.profiles)
}

// ApplyAllowList flips enabled-by-default so that only the listed model ids
// remain enabled. Called once during startup, before the catalog is shared.
// Unknown ids are reported back so the caller can log them.
func (c *Catalog) ApplyAllowList(ids []string) (unknown []string) {
	if len(ids) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		allowed[id] = true
		if _, ok := c.byID[id]; !ok {
			unknown = append(unknown, id)
		}
	}
	if len(allowed) == 0 {
		return nil
	}
	for _, p := range c.profiles {
		p.EnabledByDefault = allowed[p.ID]
	}
	return unknown
}

// Default returns the built-in catalog used when the config declares no
// models.
func Default() *Catalog {
	c, err := New(DefaultProfiles())
	if err != nil {
		panic(fmt.Sprintf("built-in catalog invalid: %v", err))
	}
	return c
}

// DefaultProfiles lists the backends the engine knows out of the box.
func DefaultProfiles() []Profile {
	return []Profile{
		{
			ID:               "claude-sonnet",
			Provider:         "anthropic",
			Model:            "claude-sonnet-4-5",
			EnabledByDefault: true,
			InputCostPer1K:   0.003,
			OutputCostPer1K:  0.015,
			LatencyP50Ms:     900,
			LatencyP95Ms:     2500,
			Capabilities: Capabilities{
				Tools:            true,
				JSON:             true,
				LongContext:      true,
				MaxContextTokens: 200000,
			},
			Suitability: map[TaskType]float64{
				TaskTradingDecision: 0.85,
				TaskMarketAnalysis:  0.85,
				TaskSearch:          0.7,
				TaskSummarization:   0.8,
				TaskExtraction:      0.75,
			},
		},
		{
			ID:               "claude-haiku",
			Provider:         "anthropic",
			Model:            "claude-haiku-4-5",
			EnabledByDefault: true,
			InputCostPer1K:   0.001,
			OutputCostPer1K:  0.005,
			LatencyP50Ms:     400,
			LatencyP95Ms:     1200,
			Capabilities: Capabilities{
				Tools:            true,
				JSON:             true,
				MaxContextTokens: 200000,
			},
			Suitability: map[TaskType]float64{
				TaskTradingDecision: 0.55,
				TaskMarketAnalysis:  0.6,
				TaskSearch:          0.85,
				TaskSummarization:   0.75,
				TaskExtraction:      0.85,
			},
		},
		{
			ID:               "claude-opus",
			Provider:         "anthropic",
			Model:            "claude-opus-4-1",
			EnabledByDefault: false,
			InputCostPer1K:   0.015,
			OutputCostPer1K:  0.075,
			LatencyP50Ms:     1800,
			LatencyP95Ms:     5000,
			Capabilities: Capabilities{
				Tools:            true,
				JSON:             true,
				LongContext:      true,
				MaxContextTokens: 200000,
			},
			Suitability: map[TaskType]float64{
				TaskTradingDecision: 0.95,
				TaskMarketAnalysis:  0.9,
				TaskSearch:          0.6,
				TaskSummarization:   0.7,
				TaskExtraction:      0.7,
			},
		},
	}
}
