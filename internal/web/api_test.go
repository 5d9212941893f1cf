package web

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/agoranhq/agoran/internal/agents"
	"github.com/agoranhq/agoran/internal/catalog"
	"github.com/agoranhq/agoran/internal/config"
	"github.com/agoranhq/agoran/internal/engine"
	"github.com/agoranhq/agoran/internal/llm"
	"github.com/agoranhq/agoran/internal/router"
	"github.com/agoranhq/agoran/internal/stats"
	"github.com/agoranhq/agoran/internal/store"
)

func newTestServer(t *testing.T, webCfg config.WebConfig) *Server {
	t.Helper()
	st, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "web.db")})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cat := catalog.Default()
	ss := stats.NewStore()
	rt := router.New(cat, ss, config.RouterConfig{MaxCandidates: 3})
	reg := agents.New()

	cfg := config.Config{
		Swarm: config.SwarmConfig{DeadlineMs: 10000},
		LLM:   config.LLMConfig{MaxTokens: 512},
	}
	eng := engine.New(cat, rt, reg, llm.NewStubClient(), st, ss, nil, cfg)

	return NewServer(st, nil, eng, reg, cat, ss, webCfg, "test")
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeMap(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v (%s)", err, w.Body.String())
	}
	return out
}

func decodeList(t *testing.T, w *httptest.ResponseRecorder) []map[string]any {
	t.Helper()
	var out []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v (%s)", err, w.Body.String())
	}
	return out
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, config.WebConfig{})
	w := doRequest(t, s.handler(), "GET", "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := decodeMap(t, w); got["status"] != "ok" {
		t.Errorf("unexpected body: %+v", got)
	}
}

func TestListModels(t *testing.T) {
	s := newTestServer(t, config.WebConfig{})
	w := doRequest(t, s.handler(), "GET", "/api/models", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	models := decodeList(t, w)
	if len(models) != 3 {
		t.Fatalf("expected 3 models, got %d", len(models))
	}
	if models[0]["id"] != "claude-sonnet" {
		t.Errorf("expected declaration order, got %v first", models[0]["id"])
	}
	if _, ok := models[0]["call_count"]; !ok {
		t.Error("expected call_count enrichment")
	}
}

func TestListSpecialists(t *testing.T) {
	s := newTestServer(t, config.WebConfig{})
	w := doRequest(t, s.handler(), "GET", "/api/specialists", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	specialists := decodeList(t, w)
	if len(specialists) != 4 {
		t.Fatalf("expected 4 specialists, got %d", len(specialists))
	}
	synths := 0
	for _, sp := range specialists {
		if sp["synthesizer"] == true {
			synths++
		}
	}
	if synths != 1 {
		t.Errorf("expected exactly one synthesizer, got %d", synths)
	}
}

func TestDecisionRunThroughAPI(t *testing.T) {
	s := newTestServer(t, config.WebConfig{})
	h := s.handler()

	w := doRequest(t, h, "POST", "/api/decisions", map[string]any{
		"prompt":     "Should we open a long position?",
		"instrument": "NVDA",
		"wait":       true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	result := decodeMap(t, w)
	if result["status"] != "completed" {
		t.Fatalf("expected completed, got %v", result["status"])
	}
	if result["verdict"] == nil || result["verdict"] == "" {
		t.Fatal("expected a verdict")
	}
	runID, _ := result["run_id"].(string)

	// Listing trims the trace; the detail route carries it.
	w = doRequest(t, h, "GET", "/api/runs", nil)
	runs := decodeList(t, w)
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	if _, ok := runs[0]["trace"]; ok {
		t.Error("expected trace omitted from listing")
	}

	w = doRequest(t, h, "GET", "/api/runs/"+runID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	run := decodeMap(t, w)
	if run["trace"] == nil {
		t.Error("expected trace on run detail")
	}

	w = doRequest(t, h, "GET", "/api/runs/"+runID+"/calls", nil)
	calls := decodeList(t, w)
	if len(calls) != 4 {
		t.Errorf("expected 4 calls, got %d", len(calls))
	}

	w = doRequest(t, h, "GET", "/api/stats", nil)
	rows := decodeList(t, w)
	if len(rows) == 0 {
		t.Error("expected rolling stats after the run")
	}

	w = doRequest(t, h, "GET", "/api/calls?limit=2", nil)
	limited := decodeList(t, w)
	if len(limited) != 2 {
		t.Errorf("expected limit applied, got %d calls", len(limited))
	}
}

func TestCreateDecisionValidation(t *testing.T) {
	s := newTestServer(t, config.WebConfig{})
	w := doRequest(t, s.handler(), "POST", "/api/decisions", map[string]any{"instrument": "NVDA"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if got := decodeMap(t, w); got["error"] != "prompt is required" {
		t.Errorf("unexpected error: %+v", got)
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := newTestServer(t, config.WebConfig{})
	w := doRequest(t, s.handler(), "GET", "/api/runs/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestScheduleCRUD(t *testing.T) {
	s := newTestServer(t, config.WebConfig{})
	h := s.handler()

	w := doRequest(t, h, "POST", "/api/schedules", map[string]any{
		"name":       "morning-scan",
		"spec":       "0 9 * * 1-5",
		"prompt":     "Scan the premarket",
		"instrument": "SPY",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	created := decodeMap(t, w)
	if created["enabled"] != true {
		t.Errorf("expected enabled schedule, got %+v", created)
	}
	if created["spec_display"] != "cron 0 9 * * 1-5" {
		t.Errorf("unexpected display: %v", created["spec_display"])
	}
	if created["next_run"] == nil {
		t.Error("expected next_run on active schedule")
	}
	id, _ := created["id"].(string)

	// Pausing clears the next fire time.
	w = doRequest(t, h, "PUT", "/api/schedules/"+id, map[string]any{"enabled": false})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	updated := decodeMap(t, w)
	if updated["status"] != "paused" {
		t.Errorf("expected paused, got %v", updated["status"])
	}
	if _, ok := updated["next_run"]; ok {
		t.Error("expected next_run cleared when paused")
	}

	w = doRequest(t, h, "GET", "/api/schedules", nil)
	if got := decodeList(t, w); len(got) != 1 {
		t.Fatalf("expected 1 schedule, got %d", len(got))
	}

	w = doRequest(t, h, "DELETE", "/api/schedules/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w = doRequest(t, h, "GET", "/api/schedules", nil)
	if got := decodeList(t, w); len(got) != 0 {
		t.Errorf("expected empty list after delete, got %d", len(got))
	}
}

func TestCreateScheduleRejectsBadSpec(t *testing.T) {
	s := newTestServer(t, config.WebConfig{})
	w := doRequest(t, s.handler(), "POST", "/api/schedules", map[string]any{
		"name": "x", "spec": "not a cron", "prompt": "p",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestStatus(t *testing.T) {
	s := newTestServer(t, config.WebConfig{})
	w := doRequest(t, s.handler(), "GET", "/api/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	status := decodeMap(t, w)
	if status["status"] != "ok" {
		t.Errorf("expected ok, got %v", status["status"])
	}
	if status["models"] != float64(3) {
		t.Errorf("expected 3 models, got %v", status["models"])
	}
	if status["specialists"] != float64(4) {
		t.Errorf("expected 4 specialists, got %v", status["specialists"])
	}
	if status["version"] != "test" {
		t.Errorf("expected version test, got %v", status["version"])
	}
}

func TestAuthMiddleware(t *testing.T) {
	s := newTestServer(t, config.WebConfig{Auth: "hunter2"})
	h := s.handler()

	// Health probe stays open.
	if w := doRequest(t, h, "GET", "/healthz", nil); w.Code != http.StatusOK {
		t.Errorf("healthz: expected 200, got %d", w.Code)
	}

	if w := doRequest(t, h, "GET", "/api/models", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no auth: expected 401, got %d", w.Code)
	}

	req := httptest.NewRequest("GET", "/api/models", nil)
	req.Header.Set("Authorization", "Bearer hunter2")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("bearer: expected 200, got %d", w.Code)
	}

	req = httptest.NewRequest("GET", "/api/models", nil)
	req.SetBasicAuth("any", "hunter2")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("basic auth: expected 200, got %d", w.Code)
	}

	req = httptest.NewRequest("GET", "/api/models", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: expected 401, got %d", w.Code)
	}
}
