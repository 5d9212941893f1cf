package main

import (
	"encoding/json"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/agoranhq/agoran/internal/config"
	"github.com/agoranhq/agoran/internal/natsbus"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want map[string]string
	}{
		{
			name: "empty",
			args: []string{},
			want: map[string]string{},
		},
		{
			name: "single flag",
			args: []string{"--prompt", "test"},
			want: map[string]string{"prompt": "test"},
		},
		{
			name: "multiple flags",
			args: []string{"--name", "scan", "--spec", "* * * * *", "--prompt", "hello"},
			want: map[string]string{"name": "scan", "spec": "* * * * *", "prompt": "hello"},
		},
		{
			name: "trailing flag becomes boolean",
			args: []string{"--prompt", "test", "--wait"},
			want: map[string]string{"prompt": "test", "wait": "true"},
		},
		{
			name: "flag followed by flag becomes boolean",
			args: []string{"--wait", "--limit", "5"},
			want: map[string]string{"wait": "true", "limit": "5"},
		},
		{
			name: "non-flag args ignored",
			args: []string{"positional", "--prompt", "test"},
			want: map[string]string{"prompt": "test"},
		},
		{
			name: "short prefix not treated as flag",
			args: []string{"-p", "test"},
			want: map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseArgs(tt.args)
			if len(got) != len(tt.want) {
				t.Errorf("parseArgs(%v) returned %d entries, want %d", tt.args, len(got), len(tt.want))
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("parseArgs(%v)[%q] = %q, want %q", tt.args, k, got[k], v)
				}
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name  string
		input string
		n     int
		want  string
	}{
		{"short passthrough", "hello", 10, "hello"},
		{"exact length", "hello", 5, "hello"},
		{"long gets ellipsis", "abcdefghij", 8, "abcde..."},
		{"cut at first newline", "line one\nline two", 40, "line one"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := truncate(tt.input, tt.n); got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.n, got, tt.want)
			}
		})
	}
}

func startTestNATS(t *testing.T) *natsbus.Bus {
	t.Helper()
	bus, err := natsbus.New(config.NATSConfig{
		Port:    -1, // Random port
		DataDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(func() { bus.Close() })
	return bus
}

// mockEngine subscribes a canned responder on the engine control topic.
func mockEngine(t *testing.T, bus *natsbus.Bus, handler func(req ipcRequest) any) {
	t.Helper()
	client, err := natsbus.NewClientFromURL(bus.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	_, err = client.Subscribe(natsbus.TopicEngineIPC, func(msg *nats.Msg) {
		var req ipcRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			t.Errorf("unmarshal request: %v", err)
			return
		}
		resp, _ := json.Marshal(handler(req))
		msg.Respond(resp)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func TestSendIPCRunDecision(t *testing.T) {
	bus := startTestNATS(t)

	mockEngine(t, bus, func(req ipcRequest) any {
		if req.Type != "run_decision" {
			t.Errorf("expected type run_decision, got %s", req.Type)
		}
		if req.Payload["prompt"] != "should we enter?" {
			t.Errorf("expected prompt 'should we enter?', got %v", req.Payload["prompt"])
		}
		if req.Payload["wait"] != false {
			t.Errorf("expected wait false, got %v", req.Payload["wait"])
		}
		return map[string]any{"ok": true, "run_id": "run-123", "status": "running"}
	})

	resp, err := sendIPC(bus.ClientURL(), "run_decision", map[string]any{
		"prompt":     "should we enter?",
		"instrument": "BTC-USD",
		"wait":       false,
	}, ipcTimeout)
	if err != nil {
		t.Fatalf("sendIPC: %v", err)
	}
	if resp.RunID != "run-123" {
		t.Errorf("expected run id run-123, got %s", resp.RunID)
	}
	if resp.Status != "running" {
		t.Errorf("expected status running, got %s", resp.Status)
	}
}

func TestSendIPCListRuns(t *testing.T) {
	bus := startTestNATS(t)

	mockEngine(t, bus, func(req ipcRequest) any {
		if req.Type != "list_runs" {
			t.Errorf("expected type list_runs, got %s", req.Type)
		}
		return map[string]any{
			"ok": true,
			"runs": []runEntry{
				{ID: "r1", Prompt: "first", Status: "completed", StartedAt: "2026-08-21 09:00:00"},
				{ID: "r2", Prompt: "second", Status: "running", StartedAt: "2026-08-21 09:05:00"},
			},
		}
	})

	resp, err := sendIPC(bus.ClientURL(), "list_runs", map[string]any{}, ipcTimeout)
	if err != nil {
		t.Fatalf("sendIPC: %v", err)
	}
	if len(resp.Runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(resp.Runs))
	}
	if resp.Runs[0].ID != "r1" || resp.Runs[1].ID != "r2" {
		t.Errorf("unexpected run IDs: %v", resp.Runs)
	}
}

func TestSendIPCScheduleCreate(t *testing.T) {
	bus := startTestNATS(t)

	mockEngine(t, bus, func(req ipcRequest) any {
		if req.Type != "create_schedule" {
			t.Errorf("expected type create_schedule, got %s", req.Type)
		}
		if req.Payload["name"] != "morning-scan" {
			t.Errorf("expected name 'morning-scan', got %v", req.Payload["name"])
		}
		return map[string]any{"ok": true, "id": "sched-123"}
	})

	resp, err := sendIPC(bus.ClientURL(), "create_schedule", map[string]any{
		"name":   "morning-scan",
		"spec":   "0 9 * * 1-5",
		"prompt": "scan the premarket",
	}, ipcTimeout)
	if err != nil {
		t.Fatalf("sendIPC: %v", err)
	}
	if resp.ID != "sched-123" {
		t.Errorf("expected id sched-123, got %s", resp.ID)
	}
}

func TestSendIPCErrorResponse(t *testing.T) {
	bus := startTestNATS(t)

	mockEngine(t, bus, func(req ipcRequest) any {
		return map[string]any{"error": "run not found: nope"}
	})

	resp, err := sendIPC(bus.ClientURL(), "get_run", map[string]any{"id": "nope"}, ipcTimeout)
	if err != nil {
		t.Fatalf("sendIPC: %v", err)
	}
	if resp.Error != "run not found: nope" {
		t.Errorf("expected error 'run not found: nope', got %q", resp.Error)
	}
}
