package stats

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/agoranhq/agoran/internal/catalog"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestRecordSeedsEWMAWithFirstValue(t *testing.T) {
	s := NewStore()

	row := s.Record(Observation{
		ModelID:   "m1",
		TaskType:  catalog.TaskSearch,
		Outcome:   OutcomeSuccess,
		LatencyMs: 500,
		Cost:      0.02,
	})

	if !almostEqual(row.EWMALatencyMs, 500) {
		t.Errorf("expected latency seeded at 500, got %v", row.EWMALatencyMs)
	}
	if !almostEqual(row.EWMACost, 0.02) {
		t.Errorf("expected cost seeded at 0.02, got %v", row.EWMACost)
	}
	if row.Calls != 1 || row.Errors != 0 {
		t.Errorf("expected calls=1 errors=0, got calls=%d errors=%d", row.Calls, row.Errors)
	}
}

func TestRecordSmoothsEWMA(t *testing.T) {
	s := NewStore()

	s.Record(Observation{ModelID: "m1", TaskType: catalog.TaskSearch, Outcome: OutcomeSuccess, LatencyMs: 1000})
	row := s.Record(Observation{ModelID: "m1", TaskType: catalog.TaskSearch, Outcome: OutcomeSuccess, LatencyMs: 500})

	// 0.2*500 + 0.8*1000
	if !almostEqual(row.EWMALatencyMs, 900) {
		t.Errorf("expected smoothed latency 900, got %v", row.EWMALatencyMs)
	}
}

func TestRecordCountsErrors(t *testing.T) {
	s := NewStore()

	s.Record(Observation{ModelID: "m1", TaskType: catalog.TaskSearch, Outcome: OutcomeSuccess, LatencyMs: 100})
	s.Record(Observation{ModelID: "m1", TaskType: catalog.TaskSearch, Outcome: OutcomeError, LatencyMs: 100})
	row := s.Record(Observation{ModelID: "m1", TaskType: catalog.TaskSearch, Outcome: OutcomeFallbackError, LatencyMs: 100})

	if row.Calls != 3 {
		t.Errorf("expected 3 calls, got %d", row.Calls)
	}
	if row.Errors != 2 {
		t.Errorf("expected 2 errors, got %d", row.Errors)
	}
	if !almostEqual(row.ErrorRate(), 2.0/3.0) {
		t.Errorf("expected error rate 2/3, got %v", row.ErrorRate())
	}
	if row.LastErrorAt.IsZero() {
		t.Error("expected last error timestamp to be set")
	}
}

func TestFallbackSuccessIsNotAnError(t *testing.T) {
	s := NewStore()

	row := s.Record(Observation{ModelID: "m1", TaskType: catalog.TaskSearch, Outcome: OutcomeFallbackSuccess, LatencyMs: 100})

	if row.Errors != 0 {
		t.Errorf("fallback_success must not count as error, got %d errors", row.Errors)
	}
}

func TestCostEWMAIgnoresAbsentCost(t *testing.T) {
	s := NewStore()

	s.Record(Observation{ModelID: "m1", TaskType: catalog.TaskSearch, Outcome: OutcomeSuccess, LatencyMs: 100, Cost: 0.1})
	row := s.Record(Observation{ModelID: "m1", TaskType: catalog.TaskSearch, Outcome: OutcomeSuccess, LatencyMs: 100})

	if !almostEqual(row.EWMACost, 0.1) {
		t.Errorf("expected cost to stay 0.1 when no cost reported, got %v", row.EWMACost)
	}
}

func TestGetAbsentRow(t *testing.T) {
	s := NewStore()

	if _, ok := s.Get("ghost", catalog.TaskSearch); ok {
		t.Error("expected absence for never-observed key")
	}

	s.Record(Observation{ModelID: "m1", TaskType: catalog.TaskSearch, Outcome: OutcomeSuccess, LatencyMs: 100})
	if _, ok := s.Get("m1", catalog.TaskSummarization); ok {
		t.Error("rows are keyed per task type, not per model alone")
	}
}

func TestListMostRecentFirst(t *testing.T) {
	s := NewStore()

	s.Record(Observation{ModelID: "old", TaskType: catalog.TaskSearch, Outcome: OutcomeSuccess, LatencyMs: 100})
	time.Sleep(2 * time.Millisecond)
	s.Record(Observation{ModelID: "mid", TaskType: catalog.TaskSearch, Outcome: OutcomeSuccess, LatencyMs: 100})
	time.Sleep(2 * time.Millisecond)
	s.Record(Observation{ModelID: "new", TaskType: catalog.TaskSearch, Outcome: OutcomeSuccess, LatencyMs: 100})

	rows := s.List()
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	want := []string{"new", "mid", "old"}
	for i, w := range want {
		if rows[i].ModelID != w {
			t.Errorf("position %d: expected %s, got %s", i, w, rows[i].ModelID)
		}
	}
}

func TestConcurrentSameKeyRecordsLoseNoUpdates(t *testing.T) {
	s := NewStore()

	const workers = 8
	const perWorker = 200

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				s.Record(Observation{ModelID: "m1", TaskType: catalog.TaskSearch, Outcome: OutcomeSuccess, LatencyMs: 100})
			}
		}()
	}
	wg.Wait()

	row, ok := s.Get("m1", catalog.TaskSearch)
	if !ok {
		t.Fatal("row missing after concurrent records")
	}
	if row.Calls != workers*perWorker {
		t.Errorf("expected %d calls, got %d", workers*perWorker, row.Calls)
	}
}

func TestConcurrentDistinctKeys(t *testing.T) {
	s := NewStore()

	models := []string{"m1", "m2", "m3", "m4"}
	var wg sync.WaitGroup
	for _, m := range models {
		wg.Add(1)
		go func(model string) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.Record(Observation{ModelID: model, TaskType: catalog.TaskExtraction, Outcome: OutcomeSuccess, LatencyMs: 50})
			}
		}(m)
	}
	wg.Wait()

	for _, m := range models {
		row, ok := s.Get(m, catalog.TaskExtraction)
		if !ok || row.Calls != 100 {
			t.Errorf("model %s: expected 100 calls, got %d (present=%v)", m, row.Calls, ok)
		}
	}
}

func TestSeedWarmStart(t *testing.T) {
	s := NewStore()

	s.Seed([]Row{
		{ModelID: "m1", TaskType: catalog.TaskSearch, Calls: 10, Errors: 4, EWMALatencyMs: 320},
		{ModelID: "", TaskType: catalog.TaskSearch, Calls: 99},
	})

	row, ok := s.Get("m1", catalog.TaskSearch)
	if !ok {
		t.Fatal("seeded row missing")
	}
	if row.Calls != 10 || row.Errors != 4 {
		t.Errorf("expected calls=10 errors=4, got calls=%d errors=%d", row.Calls, row.Errors)
	}
	if !almostEqual(row.ErrorRate(), 0.4) {
		t.Errorf("expected error rate 0.4, got %v", row.ErrorRate())
	}
	if len(s.List()) != 1 {
		t.Error("rows without a model id must be skipped")
	}

	// Further observations keep smoothing from the seeded value.
	updated := s.Record(Observation{ModelID: "m1", TaskType: catalog.TaskSearch, Outcome: OutcomeSuccess, LatencyMs: 820})
	if !almostEqual(updated.EWMALatencyMs, 0.2*820+0.8*320) {
		t.Errorf("expected smoothing from seed, got %v", updated.EWMALatencyMs)
	}
}
