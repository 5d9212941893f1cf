package router

import (
	"errors"
	"testing"

	"github.com/agoranhq/agoran/internal/catalog"
	"github.com/agoranhq/agoran/internal/config"
	"github.com/agoranhq/agoran/internal/stats"
)

func newTestRouter(t *testing.T, profiles []catalog.Profile) (*Router, *stats.Store) {
	t.Helper()
	cat, err := catalog.New(profiles)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	st := stats.NewStore()
	return New(cat, st, config.RouterConfig{}), st
}

func profile(id string, enabled bool, suitability map[catalog.TaskType]float64) catalog.Profile {
	return catalog.Profile{
		ID:               id,
		Provider:         "anthropic",
		Model:            "claude-" + id,
		EnabledByDefault: enabled,
		LatencyP50Ms:     500,
		LatencyP95Ms:     1500,
		Suitability:      suitability,
	}
}

func TestSelectEmptyCatalog(t *testing.T) {
	r, _ := newTestRouter(t, nil)

	_, err := r.Select(TaskSpec{TaskType: catalog.TaskSearch, Priority: PriorityQuality}, Options{})
	if !errors.Is(err, ErrNoProfiles) {
		t.Fatalf("expected ErrNoProfiles, got %v", err)
	}
}

func TestOverrideAlwaysWins(t *testing.T) {
	slow := profile("slowpoke", false, nil)
	slow.LatencyP95Ms = 99999
	slow.Capabilities = catalog.Capabilities{}

	r, _ := newTestRouter(t, []catalog.Profile{
		profile("fast", true, map[catalog.TaskType]float64{catalog.TaskSearch: 0.9}),
		slow,
	})

	// Budget and requirements the override cannot satisfy.
	sel, err := r.Select(TaskSpec{
		TaskType: catalog.TaskSearch,
		Priority: PriorityLatency,
		Budget:   &Budget{MaxLatencyP95Ms: 1000},
		Require:  &Requirements{Tools: true},
	}, Options{OverrideModelID: "slowpoke"})
	if err != nil {
		t.Fatalf("select: %v", err)
	}

	if sel.Primary.ID != "slowpoke" {
		t.Errorf("expected override primary slowpoke, got %s", sel.Primary.ID)
	}
	if sel.Reason != ReasonManualOverride {
		t.Errorf("expected reason %q, got %q", ReasonManualOverride, sel.Reason)
	}
	if len(sel.Candidates) != 1 {
		t.Errorf("expected single-element candidate list, got %d", len(sel.Candidates))
	}
}

func TestUnknownOverrideFallsThrough(t *testing.T) {
	r, _ := newTestRouter(t, []catalog.Profile{
		profile("m1", true, map[catalog.TaskType]float64{catalog.TaskSearch: 0.9}),
	})

	sel, err := r.Select(TaskSpec{TaskType: catalog.TaskSearch, Priority: PriorityQuality},
		Options{OverrideModelID: "ghost"})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Primary.ID != "m1" {
		t.Errorf("expected scored selection m1, got %s", sel.Primary.ID)
	}
	if sel.Reason != "auto:search:quality" {
		t.Errorf("expected auto reason, got %q", sel.Reason)
	}
}

func TestErrorRateLosesTie(t *testing.T) {
	r, st := newTestRouter(t, []catalog.Profile{
		profile("flaky", true, map[catalog.TaskType]float64{catalog.TaskMarketAnalysis: 0.8}),
		profile("steady", true, map[catalog.TaskType]float64{catalog.TaskMarketAnalysis: 0.8}),
	})

	for i := 0; i < 10; i++ {
		st.Record(stats.Observation{ModelID: "flaky", TaskType: catalog.TaskMarketAnalysis, Outcome: stats.OutcomeError, LatencyMs: 500})
		st.Record(stats.Observation{ModelID: "steady", TaskType: catalog.TaskMarketAnalysis, Outcome: stats.OutcomeSuccess, LatencyMs: 500})
	}

	sel, err := r.Select(TaskSpec{TaskType: catalog.TaskMarketAnalysis, Priority: PriorityQuality}, Options{})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Primary.ID != "steady" {
		t.Errorf("expected steady to beat flaky on reliability, got %s", sel.Primary.ID)
	}
}

func TestRecordedErrorsOutweighSuitability(t *testing.T) {
	r, st := newTestRouter(t, []catalog.Profile{
		profile("favorite", true, map[catalog.TaskType]float64{catalog.TaskTradingDecision: 0.9}),
		profile("backup", true, map[catalog.TaskType]float64{catalog.TaskTradingDecision: 0.7}),
	})

	// 20 consecutive failures push the favorite to the reliability floor:
	// 0.9*0.2 = 0.18 against the clean backup's 0.7.
	for i := 0; i < 20; i++ {
		st.Record(stats.Observation{ModelID: "favorite", TaskType: catalog.TaskTradingDecision, Outcome: stats.OutcomeError, LatencyMs: 900})
	}

	sel, err := r.Select(TaskSpec{TaskType: catalog.TaskTradingDecision, Priority: PriorityQuality}, Options{})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Primary.ID != "backup" {
		t.Errorf("expected backup as primary, got %s", sel.Primary.ID)
	}
}

func TestReliabilityFloorKeepsModelRanked(t *testing.T) {
	r, st := newTestRouter(t, []catalog.Profile{
		profile("onlyone", true, map[catalog.TaskType]float64{catalog.TaskSearch: 0.8}),
	})

	for i := 0; i < 50; i++ {
		st.Record(stats.Observation{ModelID: "onlyone", TaskType: catalog.TaskSearch, Outcome: stats.OutcomeError, LatencyMs: 100})
	}

	sel, err := r.Select(TaskSpec{TaskType: catalog.TaskSearch, Priority: PriorityQuality}, Options{})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Primary.ID != "onlyone" {
		t.Errorf("a fully failing model must still be selectable, got %s", sel.Primary.ID)
	}
}

func TestWidensToNonDefaultProfiles(t *testing.T) {
	capable := profile("capable", false, map[catalog.TaskType]float64{catalog.TaskExtraction: 0.8})
	capable.Capabilities = catalog.Capabilities{JSON: true}

	r, _ := newTestRouter(t, []catalog.Profile{
		profile("default-no-json", true, map[catalog.TaskType]float64{catalog.TaskExtraction: 0.9}),
		capable,
	})

	sel, err := r.Select(TaskSpec{
		TaskType: catalog.TaskExtraction,
		Priority: PriorityQuality,
		Require:  &Requirements{JSON: true},
	}, Options{})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Primary.ID != "capable" {
		t.Errorf("expected widening to the capable non-default profile, got %s", sel.Primary.ID)
	}
	if sel.Reason != "auto:extraction:quality" {
		t.Errorf("unexpected reason %q", sel.Reason)
	}
}

func TestDegradesToCatalogHeadWhenNothingFits(t *testing.T) {
	r, _ := newTestRouter(t, []catalog.Profile{
		profile("first", true, nil),
		profile("second", true, nil),
		profile("third", false, nil),
		profile("fourth", false, nil),
	})

	// No profile supports tools, so both tiers come up empty.
	sel, err := r.Select(TaskSpec{
		TaskType: catalog.TaskSearch,
		Priority: PriorityQuality,
		Require:  &Requirements{Tools: true},
	}, Options{})
	if err != nil {
		t.Fatalf("degrade must not fail: %v", err)
	}
	if sel.Primary.ID != "first" {
		t.Errorf("expected catalog head first, got %s", sel.Primary.ID)
	}
	if len(sel.Candidates) != 3 {
		t.Errorf("expected default 3 candidates, got %d", len(sel.Candidates))
	}
}

func TestLatencyBudgetIsAHardFilter(t *testing.T) {
	fast := profile("fast", true, map[catalog.TaskType]float64{catalog.TaskSearch: 0.5})
	fast.LatencyP95Ms = 800
	slow := profile("slow", true, map[catalog.TaskType]float64{catalog.TaskSearch: 0.9})
	slow.LatencyP95Ms = 5000

	r, _ := newTestRouter(t, []catalog.Profile{slow, fast})

	sel, err := r.Select(TaskSpec{
		TaskType: catalog.TaskSearch,
		Priority: PriorityQuality,
		Budget:   &Budget{MaxLatencyP95Ms: 1000},
	}, Options{})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Primary.ID != "fast" {
		t.Errorf("expected the slow profile filtered out, got %s", sel.Primary.ID)
	}
	if len(sel.Candidates) != 1 {
		t.Errorf("expected 1 candidate under the latency ceiling, got %d", len(sel.Candidates))
	}
}

func TestCostBudgetIsAdvisoryOnly(t *testing.T) {
	pricey := profile("pricey", true, map[catalog.TaskType]float64{catalog.TaskSearch: 0.9})
	pricey.InputCostPer1K = 0.015
	pricey.OutputCostPer1K = 0.075

	r, _ := newTestRouter(t, []catalog.Profile{pricey})

	sel, err := r.Select(TaskSpec{
		TaskType: catalog.TaskSearch,
		Priority: PriorityQuality,
		Budget:   &Budget{MaxCost: 0.000001},
	}, Options{})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Primary.ID != "pricey" {
		t.Errorf("cost budget must not hard-filter, got %s", sel.Primary.ID)
	}
}

func TestLatencyPriorityPrefersObservedFastModel(t *testing.T) {
	// Catalog says both are equally fast, history says m2 is faster.
	m1 := profile("m1", true, map[catalog.TaskType]float64{catalog.TaskSearch: 0.7})
	m2 := profile("m2", true, map[catalog.TaskType]float64{catalog.TaskSearch: 0.7})

	r, st := newTestRouter(t, []catalog.Profile{m1, m2})
	st.Record(stats.Observation{ModelID: "m1", TaskType: catalog.TaskSearch, Outcome: stats.OutcomeSuccess, LatencyMs: 2000})
	st.Record(stats.Observation{ModelID: "m2", TaskType: catalog.TaskSearch, Outcome: stats.OutcomeSuccess, LatencyMs: 300})

	sel, err := r.Select(TaskSpec{TaskType: catalog.TaskSearch, Priority: PriorityLatency}, Options{})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Primary.ID != "m2" {
		t.Errorf("expected observed-fast m2, got %s", sel.Primary.ID)
	}
}

func TestCostPriorityPrefersCheapModel(t *testing.T) {
	cheap := profile("cheap", true, map[catalog.TaskType]float64{catalog.TaskSummarization: 0.6})
	cheap.InputCostPer1K = 0.001
	cheap.OutputCostPer1K = 0.005
	premium := profile("premium", true, map[catalog.TaskType]float64{catalog.TaskSummarization: 0.8})
	premium.InputCostPer1K = 0.015
	premium.OutputCostPer1K = 0.075

	r, _ := newTestRouter(t, []catalog.Profile{premium, cheap})

	sel, err := r.Select(TaskSpec{TaskType: catalog.TaskSummarization, Priority: PriorityCost}, Options{})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	// 0.6/0.006 = 100 against 0.8/0.09 = 8.9.
	if sel.Primary.ID != "cheap" {
		t.Errorf("expected cheap as primary under cost priority, got %s", sel.Primary.ID)
	}
}

func TestMaxCandidates(t *testing.T) {
	profiles := []catalog.Profile{
		profile("a", true, nil),
		profile("b", true, nil),
		profile("c", true, nil),
		profile("d", true, nil),
		profile("e", true, nil),
	}

	r, _ := newTestRouter(t, profiles)

	sel, err := r.Select(TaskSpec{TaskType: catalog.TaskSearch, Priority: PriorityQuality}, Options{})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(sel.Candidates) != 3 {
		t.Errorf("expected default cap 3, got %d", len(sel.Candidates))
	}

	sel, err = r.Select(TaskSpec{TaskType: catalog.TaskSearch, Priority: PriorityQuality}, Options{MaxCandidates: 4})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(sel.Candidates) != 4 {
		t.Errorf("expected 4 candidates, got %d", len(sel.Candidates))
	}

	sel, err = r.Select(TaskSpec{TaskType: catalog.TaskSearch, Priority: PriorityQuality}, Options{MaxCandidates: -5})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(sel.Candidates) != 1 {
		t.Errorf("expected floor of 1 candidate, got %d", len(sel.Candidates))
	}
}

func TestConfiguredMaxCandidates(t *testing.T) {
	cat, err := catalog.New([]catalog.Profile{
		profile("a", true, nil),
		profile("b", true, nil),
		profile("c", true, nil),
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	r := New(cat, stats.NewStore(), config.RouterConfig{MaxCandidates: 2})

	sel, err := r.Select(TaskSpec{TaskType: catalog.TaskSearch, Priority: PriorityQuality}, Options{})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(sel.Candidates) != 2 {
		t.Errorf("expected configured cap 2, got %d", len(sel.Candidates))
	}
}

func TestCandidatesOrderedBestFirst(t *testing.T) {
	r, _ := newTestRouter(t, []catalog.Profile{
		profile("mid", true, map[catalog.TaskType]float64{catalog.TaskSearch: 0.6}),
		profile("best", true, map[catalog.TaskType]float64{catalog.TaskSearch: 0.9}),
		profile("worst", true, map[catalog.TaskType]float64{catalog.TaskSearch: 0.3}),
	})

	sel, err := r.Select(TaskSpec{TaskType: catalog.TaskSearch, Priority: PriorityQuality}, Options{})
	if err != nil {
		t.Fatalf("select: %v", err)
	}

	want := []string{"best", "mid", "worst"}
	for i, w := range want {
		if sel.Candidates[i].ID != w {
			t.Errorf("position %d: expected %s, got %s", i, w, sel.Candidates[i].ID)
		}
	}
	if sel.Primary.ID != sel.Candidates[0].ID {
		t.Error("primary must be the first candidate")
	}
}
