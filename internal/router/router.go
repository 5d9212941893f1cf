package router

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/agoranhq/agoran/internal/catalog"
	"github.com/agoranhq/agoran/internal/config"
	"github.com/agoranhq/agoran/internal/stats"
)

// ErrNoProfiles is returned when the catalog holds no model profiles at all.
// Poor requirement fit is never an error; the router degrades instead.
var ErrNoProfiles = errors.New("no model profiles configured")

// ReasonManualOverride tags selections forced by an explicit model override.
const ReasonManualOverride = "manual_override"

const (
	defaultMaxCandidates = 3
	reliabilityFloor     = 0.2
	latencyBoostFloorMs  = 200.0
)

// PriorityMode steers scoring towards quality, speed or price.
type PriorityMode string

const (
	PriorityQuality PriorityMode = "quality"
	PriorityLatency PriorityMode = "latency"
	PriorityCost    PriorityMode = "cost"
)

func (m PriorityMode) Valid() bool {
	switch m {
	case PriorityQuality, PriorityLatency, PriorityCost:
		return true
	}
	return false
}

// Budget caps a routing request. Only the latency ceiling acts as a hard
// filter; cost and token caps are carried for callers to re-check.
type Budget struct {
	MaxCost         float64 `json:"max_cost,omitempty"`
	MaxLatencyP95Ms float64 `json:"max_latency_p95_ms,omitempty"`
	MaxInputTokens  int     `json:"max_input_tokens,omitempty"`
}

// Requirements name capabilities a candidate must provide.
type Requirements struct {
	Tools            bool `json:"tools,omitempty"`
	JSON             bool `json:"json,omitempty"`
	LongContext      bool `json:"long_context,omitempty"`
	MinContextTokens int  `json:"min_context_tokens,omitempty"`
}

// TaskSpec describes one routing request.
type TaskSpec struct {
	TaskType catalog.TaskType `json:"task_type"`
	Priority PriorityMode     `json:"priority"`
	Budget   *Budget          `json:"budget,omitempty"`
	Require  *Requirements    `json:"require,omitempty"`
}

// Options adjusts a single Select call.
type Options struct {
	OverrideModelID string `json:"override_model_id,omitempty"`
	MaxCandidates   int    `json:"max_candidates,omitempty"`
}

// Selection is the routing result: the primary pick plus the ordered
// fallback list (primary included, best first).
type Selection struct {
	Primary    *catalog.Profile   `json:"primary"`
	Candidates []*catalog.Profile `json:"candidates"`
	Reason     string             `json:"reason"`
}

// StatsReader is the read side of the rolling metrics store.
type StatsReader interface {
	Get(modelID string, taskType catalog.TaskType) (stats.Row, bool)
}

// Router scores catalog profiles against task specs, blending configured
// suitability with observed reliability and latency. Stateless apart from
// its read-only dependencies; safe for concurrent use.
type Router struct {
	catalog       *catalog.Catalog
	stats         StatsReader
	maxCandidates int
}

func New(cat *catalog.Catalog, sr StatsReader, cfg config.RouterConfig) *Router {
	return &Router{
		catalog:       cat,
		stats:         sr,
		maxCandidates: cfg.MaxCandidates,
	}
}

// Select picks a primary model and ordered fallbacks for the given spec.
// Fails only when the catalog is empty.
func (r *Router) Select(spec TaskSpec, opts Options) (*Selection, error) {
	if r.catalog.Len() == 0 {
		return nil, ErrNoProfiles
	}
	if !spec.Priority.Valid() {
		spec.Priority = PriorityQuality
	}

	// 1. Manual override wins over requirements, budget and scoring.
	if opts.OverrideModelID != "" {
		if p, ok := r.catalog.Get(opts.OverrideModelID); ok {
			return &Selection{
				Primary:    p,
				Candidates: []*catalog.Profile{p},
				Reason:     ReasonManualOverride,
			}, nil
		}
		slog.Debug("override model not in catalog, scoring instead", "model", opts.OverrideModelID)
	}

	max := r.resolveMax(opts.MaxCandidates)

	// 2. Eligible set: enabled-by-default profiles first, widened to the
	// full catalog when none of them fits the hard filters.
	eligible := r.filter(spec, true)
	if len(eligible) == 0 {
		eligible = r.filter(spec, false)
	}

	// 3. Nothing satisfies the requirements at all: degrade to the head of
	// the catalog rather than failing; callers re-validate fit themselves.
	if len(eligible) == 0 {
		slog.Debug("no profile satisfies requirements, degrading to catalog head",
			"task_type", spec.TaskType, "priority", spec.Priority)
		all := r.catalog.List()
		if len(all) > max {
			all = all[:max]
		}
		return &Selection{Primary: all[0], Candidates: all, Reason: autoReason(spec)}, nil
	}

	// 4. Score and rank survivors.
	type scored struct {
		profile *catalog.Profile
		score   float64
	}
	ranked := make([]scored, 0, len(eligible))
	for _, p := range eligible {
		ranked = append(ranked, scored{profile: p, score: r.score(p, spec)})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if len(ranked) > max {
		ranked = ranked[:max]
	}

	candidates := make([]*catalog.Profile, len(ranked))
	for i, s := range ranked {
		candidates[i] = s.profile
	}
	return &Selection{Primary: candidates[0], Candidates: candidates, Reason: autoReason(spec)}, nil
}

func (r *Router) resolveMax(requested int) int {
	max := requested
	if max == 0 {
		max = r.maxCandidates
	}
	if max == 0 {
		max = defaultMaxCandidates
	}
	if max < 1 {
		max = 1
	}
	return max
}

func (r *Router) filter(spec TaskSpec, enabledOnly bool) []*catalog.Profile {
	var out []*catalog.Profile
	for _, p := range r.catalog.List() {
		if enabledOnly && !p.EnabledByDefault {
			continue
		}
		if !meetsRequirements(p, spec.Require) {
			continue
		}
		if !withinBudget(p, spec.Budget) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func meetsRequirements(p *catalog.Profile, req *Requirements) bool {
	if req == nil {
		return true
	}
	if req.Tools && !p.Capabilities.Tools {
		return false
	}
	if req.JSON && !p.Capabilities.JSON {
		return false
	}
	if req.LongContext && !p.Capabilities.LongContext {
		return false
	}
	if req.MinContextTokens > 0 && p.Capabilities.MaxContextTokens < req.MinContextTokens {
		return false
	}
	return true
}

// withinBudget enforces only the latency ceiling as a hard filter.
func withinBudget(p *catalog.Profile, b *Budget) bool {
	if b == nil || b.MaxLatencyP95Ms <= 0 {
		return true
	}
	return p.LatencyP95Ms <= b.MaxLatencyP95Ms
}

// score blends configured suitability with observed reliability and the
// priority boost. A model with history never scores below the reliability
// floor times its suitability.
func (r *Router) score(p *catalog.Profile, spec TaskSpec) float64 {
	suitability := p.SuitabilityFor(spec.TaskType)

	var row stats.Row
	var hasHistory bool
	if r.stats != nil {
		row, hasHistory = r.stats.Get(p.ID, spec.TaskType)
	}

	reliability := 1.0
	if hasHistory && row.Calls > 0 {
		reliability = clamp(1-row.ErrorRate(), reliabilityFloor, 1)
	}

	boost := 1.0
	switch spec.Priority {
	case PriorityLatency:
		p50 := p.LatencyP50Ms
		if hasHistory && row.EWMALatencyMs > 0 {
			p50 = row.EWMALatencyMs
		}
		boost = 1000 / math.Max(latencyBoostFloorMs, p50)
	case PriorityCost:
		if total := p.InputCostPer1K + p.OutputCostPer1K; total > 0 {
			boost = 1 / total
		}
	}

	return suitability * reliability * boost
}

func autoReason(spec TaskSpec) string {
	return fmt.Sprintf("auto:%s:%s", spec.TaskType, spec.Priority)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
