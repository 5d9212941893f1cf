package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/agoranhq/agoran/internal/natsbus"
)

const (
	ipcTimeout = 10 * time.Second
	// A waited decision holds the request open for the whole swarm run.
	decideTimeout = 10 * time.Minute
)

type ipcRequest struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

type ipcResponse struct {
	OK        bool            `json:"ok,omitempty"`
	Error     string          `json:"error,omitempty"`
	ID        string          `json:"id,omitempty"`
	RunID     string          `json:"run_id,omitempty"`
	Status    string          `json:"status,omitempty"`
	Verdict   string          `json:"verdict,omitempty"`
	Run       *runDetail      `json:"run,omitempty"`
	Runs      []runEntry      `json:"runs,omitempty"`
	Calls     []callEntry     `json:"calls,omitempty"`
	Models    []modelEntry    `json:"models,omitempty"`
	Stats     []statEntry     `json:"stats,omitempty"`
	Schedules []scheduleEntry `json:"schedules,omitempty"`
}

type runEntry struct {
	ID         string `json:"id"`
	Prompt     string `json:"prompt"`
	Instrument string `json:"instrument,omitempty"`
	Status     string `json:"status"`
	Verdict    string `json:"verdict,omitempty"`
	StartedAt  string `json:"started_at"`
}

type runDetail struct {
	ID          string     `json:"id"`
	Prompt      string     `json:"prompt"`
	Instrument  string     `json:"instrument,omitempty"`
	Status      string     `json:"status"`
	Verdict     string     `json:"verdict,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type callEntry struct {
	Specialist string  `json:"specialist"`
	ModelID    string  `json:"model_id"`
	TaskType   string  `json:"task_type"`
	Outcome    string  `json:"outcome"`
	Reason     string  `json:"reason,omitempty"`
	LatencyMs  float64 `json:"latency_ms"`
	TokensIn   int64   `json:"tokens_in"`
	TokensOut  int64   `json:"tokens_out"`
	Cost       float64 `json:"cost"`
}

type modelEntry struct {
	ID               string  `json:"id"`
	Provider         string  `json:"provider"`
	Model            string  `json:"model"`
	EnabledByDefault bool    `json:"enabled_by_default"`
	InputCostPer1K   float64 `json:"input_cost_per_1k"`
	OutputCostPer1K  float64 `json:"output_cost_per_1k"`
	LatencyP50Ms     float64 `json:"latency_p50_ms"`
}

type statEntry struct {
	ModelID       string  `json:"model_id"`
	TaskType      string  `json:"task_type"`
	Calls         int64   `json:"calls"`
	Errors        int64   `json:"errors"`
	EWMALatencyMs float64 `json:"ewma_latency_ms"`
	EWMACost      float64 `json:"ewma_cost"`
}

type scheduleEntry struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Timing     string `json:"timing"`
	Instrument string `json:"instrument,omitempty"`
	Status     string `json:"status"`
	NextRunAt  string `json:"next_run_at,omitempty"`
}

func sendIPC(natsURL, reqType string, payload map[string]any, timeout time.Duration) (*ipcResponse, error) {
	client, err := natsbus.NewClientFromURL(natsURL)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	data, err := json.Marshal(ipcRequest{Type: reqType, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	msg, err := client.Request(natsbus.TopicEngineIPC, data, timeout)
	if err != nil {
		return nil, fmt.Errorf("ipc request: %w", err)
	}

	var resp ipcResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}

// parseArgs reads "--flag value" pairs; a flag followed by another flag
// (or nothing) is treated as a boolean and set to "true".
func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" {
			key := args[i][2:]
			if i+1 < len(args) && !(len(args[i+1]) > 2 && args[i+1][:2] == "--") {
				result[key] = args[i+1]
				i++
			} else {
				result[key] = "true"
			}
		}
	}
	return result
}

func truncate(s string, n int) string {
	for i := range s {
		if s[i] == '\n' {
			s = s[:i]
			break
		}
	}
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, `  agoranctl decide --prompt "..." [--instrument "..."] [--model "..."] [--wait]`)
	fmt.Fprintln(os.Stderr, "  agoranctl runs [--limit N]")
	fmt.Fprintln(os.Stderr, `  agoranctl run --id "..."`)
	fmt.Fprintln(os.Stderr, "  agoranctl models")
	fmt.Fprintln(os.Stderr, "  agoranctl stats")
	fmt.Fprintln(os.Stderr, `  agoranctl schedule create --name "..." --spec "..." --prompt "..." [--instrument "..."]`)
	fmt.Fprintln(os.Stderr, "  agoranctl schedule list")
	fmt.Fprintln(os.Stderr, `  agoranctl schedule delete --id "..."`)
	os.Exit(1)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://127.0.0.1:4222"
	}

	if len(os.Args) < 2 {
		usage()
	}

	command := os.Args[1]
	rest := os.Args[2:]

	switch command {
	case "decide":
		cmdDecide(natsURL, parseArgs(rest))
	case "runs":
		cmdRuns(natsURL, parseArgs(rest))
	case "run":
		cmdRun(natsURL, parseArgs(rest))
	case "models":
		cmdModels(natsURL)
	case "stats":
		cmdStats(natsURL)
	case "schedule":
		if len(rest) == 0 {
			usage()
		}
		switch rest[0] {
		case "create":
			cmdScheduleCreate(natsURL, parseArgs(rest[1:]))
		case "list":
			cmdScheduleList(natsURL)
		case "delete":
			cmdScheduleDelete(natsURL, parseArgs(rest[1:]))
		default:
			usage()
		}
	default:
		fatal("unknown command: %s", command)
	}
}

func cmdDecide(natsURL string, args map[string]string) {
	if args["prompt"] == "" {
		fatal("--prompt is required")
	}

	wait := args["wait"] == "true"
	payload := map[string]any{
		"prompt":     args["prompt"],
		"instrument": args["instrument"],
		"wait":       wait,
	}
	if args["model"] != "" {
		payload["override_model_id"] = args["model"]
	}

	timeout := ipcTimeout
	if wait {
		timeout = decideTimeout
	}

	resp, err := sendIPC(natsURL, "run_decision", payload, timeout)
	if err != nil {
		fatal("%v", err)
	}
	if resp.Error != "" {
		fatal("%s", resp.Error)
	}

	if !wait {
		fmt.Printf("Run started: %s\n", resp.RunID)
		fmt.Printf("Follow it with: agoranctl run --id %s\n", resp.RunID)
		return
	}

	fmt.Printf("Run %s %s\n", resp.RunID, resp.Status)
	if resp.Verdict != "" {
		fmt.Printf("\n%s\n", resp.Verdict)
	}
	if resp.Status != "completed" {
		os.Exit(1)
	}
}

func cmdRuns(natsURL string, args map[string]string) {
	payload := map[string]any{}
	if args["limit"] != "" {
		var limit int
		if _, err := fmt.Sscanf(args["limit"], "%d", &limit); err != nil || limit <= 0 {
			fatal("--limit must be a positive number")
		}
		payload["limit"] = limit
	}

	resp, err := sendIPC(natsURL, "list_runs", payload, ipcTimeout)
	if err != nil {
		fatal("%v", err)
	}
	if resp.Error != "" {
		fatal("%s", resp.Error)
	}

	if len(resp.Runs) == 0 {
		fmt.Println("No runs found.")
		return
	}
	for _, r := range resp.Runs {
		line := fmt.Sprintf("  %s  %s  %-9s", r.ID, r.StartedAt, r.Status)
		if r.Instrument != "" {
			line += fmt.Sprintf("  [%s]", r.Instrument)
		}
		fmt.Printf("%s  %s\n", line, truncate(r.Prompt, 60))
	}
}

func cmdRun(natsURL string, args map[string]string) {
	if args["id"] == "" {
		fatal("--id is required")
	}

	resp, err := sendIPC(natsURL, "get_run", map[string]any{"id": args["id"]}, ipcTimeout)
	if err != nil {
		fatal("%v", err)
	}
	if resp.Error != "" {
		fatal("%s", resp.Error)
	}
	if resp.Run == nil {
		fatal("empty response")
	}

	r := resp.Run
	fmt.Printf("Run:        %s\n", r.ID)
	fmt.Printf("Status:     %s\n", r.Status)
	if r.Instrument != "" {
		fmt.Printf("Instrument: %s\n", r.Instrument)
	}
	fmt.Printf("Started:    %s\n", r.StartedAt.UTC().Format("2006-01-02 15:04:05"))
	if r.CompletedAt != nil {
		fmt.Printf("Completed:  %s\n", r.CompletedAt.UTC().Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("Prompt:     %s\n", truncate(r.Prompt, 100))
	if r.Error != "" {
		fmt.Printf("Error:      %s\n", r.Error)
	}

	if len(resp.Calls) > 0 {
		fmt.Println("\nModel calls:")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  SPECIALIST\tMODEL\tOUTCOME\tLATENCY\tTOKENS\tCOST")
		for _, c := range resp.Calls {
			fmt.Fprintf(w, "  %s\t%s\t%s\t%.0fms\t%d/%d\t$%.4f\n",
				c.Specialist, c.ModelID, c.Outcome, c.LatencyMs, c.TokensIn, c.TokensOut, c.Cost)
		}
		w.Flush()
	}

	if r.Verdict != "" {
		fmt.Printf("\n%s\n", r.Verdict)
	}
}

func cmdModels(natsURL string) {
	resp, err := sendIPC(natsURL, "list_models", nil, ipcTimeout)
	if err != nil {
		fatal("%v", err)
	}
	if resp.Error != "" {
		fatal("%s", resp.Error)
	}

	if len(resp.Models) == 0 {
		fmt.Println("No models configured.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROVIDER\tMODEL\tENABLED\tIN $/1K\tOUT $/1K\tP50")
	for _, m := range resp.Models {
		enabled := ""
		if m.EnabledByDefault {
			enabled = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.4f\t%.4f\t%.0fms\n",
			m.ID, m.Provider, m.Model, enabled, m.InputCostPer1K, m.OutputCostPer1K, m.LatencyP50Ms)
	}
	w.Flush()
}

func cmdStats(natsURL string) {
	resp, err := sendIPC(natsURL, "list_stats", nil, ipcTimeout)
	if err != nil {
		fatal("%v", err)
	}
	if resp.Error != "" {
		fatal("%s", resp.Error)
	}

	if len(resp.Stats) == 0 {
		fmt.Println("No call statistics yet.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MODEL\tTASK\tCALLS\tERRORS\tEWMA LAT\tEWMA COST")
	for _, s := range resp.Stats {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%.0fms\t$%.4f\n",
			s.ModelID, s.TaskType, s.Calls, s.Errors, s.EWMALatencyMs, s.EWMACost)
	}
	w.Flush()
}

func cmdScheduleCreate(natsURL string, args map[string]string) {
	if args["name"] == "" || args["spec"] == "" || args["prompt"] == "" {
		fatal("--name, --spec, and --prompt are required")
	}

	resp, err := sendIPC(natsURL, "create_schedule", map[string]any{
		"name":       args["name"],
		"spec":       args["spec"],
		"prompt":     args["prompt"],
		"instrument": args["instrument"],
	}, ipcTimeout)
	if err != nil {
		fatal("%v", err)
	}
	if resp.Error != "" {
		fatal("%s", resp.Error)
	}
	fmt.Printf("Schedule created: %s\n", resp.ID)
}

func cmdScheduleList(natsURL string) {
	resp, err := sendIPC(natsURL, "list_schedules", nil, ipcTimeout)
	if err != nil {
		fatal("%v", err)
	}
	if resp.Error != "" {
		fatal("%s", resp.Error)
	}

	if len(resp.Schedules) == 0 {
		fmt.Println("No schedules found.")
		return
	}
	for _, s := range resp.Schedules {
		fmt.Printf("  %s  %s  %s  [%s]\n", s.ID, s.Status, s.Name, s.Timing)
	}
}

func cmdScheduleDelete(natsURL string, args map[string]string) {
	if args["id"] == "" {
		fatal("--id is required")
	}

	resp, err := sendIPC(natsURL, "delete_schedule", map[string]any{"id": args["id"]}, ipcTimeout)
	if err != nil {
		fatal("%v", err)
	}
	if resp.Error != "" {
		fatal("%s", resp.Error)
	}
	fmt.Println("Schedule deleted.")
}
