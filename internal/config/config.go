package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agoranhq/agoran/internal/catalog"
)

type Config struct {
	NATS        NATSConfig         `yaml:"nats"`
	Store       StoreConfig        `yaml:"store"`
	Web         WebConfig          `yaml:"web"`
	Scheduler   SchedulerConfig    `yaml:"scheduler"`
	Router      RouterConfig       `yaml:"router"`
	Swarm       SwarmConfig        `yaml:"swarm"`
	LLM         LLMConfig          `yaml:"llm"`
	Models      []catalog.Profile  `yaml:"models"`
	Specialists []SpecialistConfig `yaml:"specialists"`
	Schedules   []ScheduleConfig   `yaml:"schedules"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type RouterConfig struct {
	// AllowList is a comma-separated list of model ids. When set it flips
	// enabled-by-default once at startup: listed models on, the rest off.
	AllowList     string `yaml:"allow_list"`
	MaxCandidates int    `yaml:"max_candidates"`
}

// AllowListIDs splits the allow-list into trimmed, non-empty ids.
func (c RouterConfig) AllowListIDs() []string {
	if c.AllowList == "" {
		return nil
	}
	var ids []string
	for _, part := range strings.Split(c.AllowList, ",") {
		if part = strings.TrimSpace(part); part != "" {
			ids = append(ids, part)
		}
	}
	return ids
}

type SwarmConfig struct {
	DeadlineMs int `yaml:"deadline_ms"`
}

func (c SwarmConfig) Deadline() time.Duration {
	return time.Duration(c.DeadlineMs) * time.Millisecond
}

type LLMConfig struct {
	// Provider is anthropic, bedrock, or stub (offline).
	Provider        string `yaml:"provider"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	AWSRegion       string `yaml:"aws_region"`
	AWSProfile      string `yaml:"aws_profile"`
	MaxTokens       int    `yaml:"max_tokens"`
}

type SpecialistConfig struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	TaskType     string `yaml:"task_type"`
	Priority     string `yaml:"priority"`
	SystemPrompt string `yaml:"system_prompt"`
}

// ScheduleConfig declares a recurring decision run in the config file.
// Spec is a raw timing spec the schedule package normalizes.
type ScheduleConfig struct {
	Name       string `yaml:"name"`
	Spec       string `yaml:"spec"`
	Prompt     string `yaml:"prompt"`
	Instrument string `yaml:"instrument"`
}

func defaults() Config {
	return Config{
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/agoran.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
		Router: RouterConfig{
			MaxCandidates: 3,
		},
		Swarm: SwarmConfig{
			DeadlineMs: 120000,
		},
		LLM: LLMConfig{
			Provider:  "anthropic",
			MaxTokens: 4096,
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("AGORAN_CONFIG")
	if path == "" {
		path = "config/agoran.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	applyEnv(&cfg)

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.LLM.AnthropicAPIKey = v
	}
	if v := os.Getenv("AGORAN_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("AGORAN_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("AGORAN_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("AGORAN_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("AGORAN_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("AGORAN_MODEL_ALLOWLIST"); v != "" {
		cfg.Router.AllowList = v
	}
	if v := os.Getenv("AGORAN_MAX_CANDIDATES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Router.MaxCandidates = n
		}
	}
	if v := os.Getenv("AGORAN_SWARM_DEADLINE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Swarm.DeadlineMs = n
		}
	}
}

// CatalogProfiles returns the configured model list, or the built-in
// defaults when the config declares none.
func (c *Config) CatalogProfiles() []catalog.Profile {
	if len(c.Models) > 0 {
		return c.Models
	}
	return catalog.DefaultProfiles()
}
