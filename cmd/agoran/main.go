package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/agoranhq/agoran/internal/agents"
	"github.com/agoranhq/agoran/internal/catalog"
	"github.com/agoranhq/agoran/internal/config"
	"github.com/agoranhq/agoran/internal/engine"
	"github.com/agoranhq/agoran/internal/llm"
	"github.com/agoranhq/agoran/internal/natsbus"
	"github.com/agoranhq/agoran/internal/router"
	"github.com/agoranhq/agoran/internal/schedule"
	"github.com/agoranhq/agoran/internal/scheduler"
	"github.com/agoranhq/agoran/internal/stats"
	"github.com/agoranhq/agoran/internal/store"
	"github.com/agoranhq/agoran/internal/vault"
	"github.com/agoranhq/agoran/internal/web"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("agoran %s\n", version)
	case "serve":
		if err := runServe(); err != nil {
			slog.Error("serve failed", "error", err)
			os.Exit(1)
		}
	case "vault":
		if err := runVault(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "backup":
		if err := runBackup(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "restore":
		if err := runRestore(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: agoran <command>\n\nCommands:\n  serve      Start the Agoran routing daemon\n  vault      Manage encrypted provider credentials\n  backup     Archive the store and bus data directories\n  restore    Restore a backup archive\n  version    Print version\n")
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting agoran", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Vault-held credentials fill in what config and env left empty.
	if pass := os.Getenv("AGORAN_VAULT_PASSPHRASE"); pass != "" && cfg.LLM.AnthropicAPIKey == "" {
		keyring := vault.NewKeyring(vault.New(pass), db)
		key, err := keyring.Reveal("anthropic_api_key")
		if err != nil {
			return fmt.Errorf("reveal api key: %w", err)
		}
		if key != "" {
			cfg.LLM.AnthropicAPIKey = key
			slog.Info("anthropic api key loaded from vault")
		}
	}

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "port", cfg.NATS.Port)

	client, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer client.Close()

	// Model catalog
	cat, err := catalog.New(cfg.CatalogProfiles())
	if err != nil {
		return fmt.Errorf("build catalog: %w", err)
	}
	if unknown := cat.ApplyAllowList(cfg.Router.AllowListIDs()); len(unknown) > 0 {
		slog.Warn("allow-list names unknown models", "ids", unknown)
	}

	// Rolling stats, warm-started from the last persisted snapshot
	ss := stats.NewStore()
	persisted, err := db.ListRollingStats()
	if err != nil {
		return fmt.Errorf("load rolling stats: %w", err)
	}
	if len(persisted) > 0 {
		ss.Seed(statsRows(persisted))
		slog.Info("rolling stats restored", "rows", len(persisted))
	}

	rtr := router.New(cat, ss, cfg.Router)

	// Specialist roster
	reg, err := agents.FromConfig(cfg.Specialists)
	if err != nil {
		return fmt.Errorf("build specialists: %w", err)
	}

	// Provider transport
	llmClient, err := newLLMClient(cfg.LLM)
	if err != nil {
		return fmt.Errorf("init llm client: %w", err)
	}
	slog.Info("llm client ready", "provider", cfg.LLM.Provider)

	// Decision engine + IPC
	eng := engine.New(cat, rtr, reg, llmClient, db, ss, client, *cfg)
	if err := eng.StartIPC(); err != nil {
		return fmt.Errorf("start engine ipc: %w", err)
	}

	// Config-declared schedules are synced into the store at boot
	if err := syncSchedules(db, cfg.Schedules); err != nil {
		return fmt.Errorf("sync schedules: %w", err)
	}

	// Scheduler
	sched := scheduler.New(db, eng, client, cfg.Scheduler)
	go sched.Start(ctx)
	slog.Info("scheduler started")

	// Web UI
	if cfg.Web.Enabled {
		srv := web.NewServer(db, bus, eng, reg, cat, ss, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	cancel()

	return nil
}

func newLLMClient(cfg config.LLMConfig) (llm.Client, error) {
	switch cfg.Provider {
	case "", "anthropic":
		return llm.NewAnthropicClient(llm.AnthropicConfig{
			APIKey:    cfg.AnthropicAPIKey,
			MaxTokens: cfg.MaxTokens,
		})
	case "bedrock":
		return llm.NewAnthropicClient(llm.AnthropicConfig{
			UseBedrock: true,
			AWSRegion:  cfg.AWSRegion,
			AWSProfile: cfg.AWSProfile,
			MaxTokens:  cfg.MaxTokens,
		})
	case "stub":
		return llm.NewStubClient(), nil
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}
}

// statsRows converts persisted snapshots into the in-memory row shape.
func statsRows(persisted []store.RollingStat) []stats.Row {
	rows := make([]stats.Row, 0, len(persisted))
	for _, p := range persisted {
		r := stats.Row{
			ModelID:       p.ModelID,
			TaskType:      catalog.TaskType(p.TaskType),
			Calls:         p.Calls,
			Errors:        p.Errors,
			EWMALatencyMs: p.EWMALatencyMs,
			EWMACost:      p.EWMACost,
			LastCallAt:    p.LastCallAt,
		}
		if p.LastErrorAt != nil {
			r.LastErrorAt = *p.LastErrorAt
		}
		rows = append(rows, r)
	}
	return rows
}

// syncSchedules upserts config-declared schedules under deterministic ids,
// so edits to the config file land on the same row across restarts.
func syncSchedules(db *store.Store, declared []config.ScheduleConfig) error {
	for _, sc := range declared {
		if sc.Name == "" || sc.Spec == "" || sc.Prompt == "" {
			return fmt.Errorf("schedule %q: name, spec, and prompt are required", sc.Name)
		}
		normalized, err := schedule.Normalize(sc.Spec)
		if err != nil {
			return fmt.Errorf("schedule %q: %w", sc.Name, err)
		}
		id := uuid.NewSHA1(uuid.NameSpaceOID, []byte("config-schedule:"+sc.Name)).String()
		sch := &store.Schedule{
			ID:         id,
			Name:       sc.Name,
			Spec:       normalized,
			Prompt:     sc.Prompt,
			Instrument: sc.Instrument,
			Status:     "active",
			NextRunAt:  schedule.NextRun(normalized),
		}
		if err := db.SaveSchedule(sch); err != nil {
			return fmt.Errorf("schedule %q: %w", sc.Name, err)
		}
		slog.Info("schedule synced", "name", sc.Name, "spec", schedule.Describe(normalized))
	}
	return nil
}
