// Package config loads the orchestrator configuration:
// defaults -> optional TOML file -> environment variables (env wins).
package config

import (
	"errors"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Definitions DefinitionsConfig `toml:"definitions"`
	Database    DatabaseConfig    `toml:"database"`
	Planner     PlannerConfig     `toml:"planner"`
	Log         LogConfig         `toml:"log"`
	Observer    ObserverConfig    `toml:"observer"`
	Engine      EngineConfig      `toml:"engine"`
}

type DefinitionsConfig struct {
	// Dir is the base directory holding one subdirectory per workflow.
	Dir string `toml:"dir"`
}

type DatabaseConfig struct {
	// Backend selects the repository: "sqlite" (default) or "postgres".
	Backend string `toml:"backend"`
	// Path is the SQLite store file.
	Path string `toml:"path"`
	// PostgresURL is the pgx connection string for the postgres backend.
	PostgresURL string `toml:"postgres_url"`
}

type PlannerConfig struct {
	// UseStub substitutes the deterministic scripted planner for the
	// real Gemini client.
	UseStub        bool   `toml:"use_stub"`
	Model          string `toml:"model"`
	APIKey         string `toml:"api_key"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

type LogConfig struct {
	Level string `toml:"level"`
	Dir   string `toml:"dir"`
	File  string `toml:"file"`
	// AIInteractionsFile receives one JSON record per planner call.
	AIInteractionsFile string `toml:"ai_interactions_file"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

type EngineConfig struct {
	// HistoryLimit caps the recent-history entries sent to the planner.
	HistoryLimit int `toml:"history_limit"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Database: DatabaseConfig{Backend: "sqlite"},
		Planner:  PlannerConfig{Model: "gemini-2.5-flash", TimeoutSeconds: 60},
		Log:      LogConfig{Level: "info"},
		Engine:   EngineConfig{HistoryLimit: 5},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "conductor.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("WORKFLOW_DEFINITIONS_DIR"); v != "" {
		cfg.Definitions.Dir = v
	}
	if v := os.Getenv("WORKFLOW_DB_BACKEND"); v != "" {
		cfg.Database.Backend = v
	}
	if v := os.Getenv("WORKFLOW_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("WORKFLOW_POSTGRES_URL"); v != "" {
		cfg.Database.PostgresURL = v
	}
	if v := os.Getenv("USE_STUB_AI_CLIENT"); v == "true" || v == "1" {
		cfg.Planner.UseStub = true
	}
	if v := os.Getenv("GEMINI_MODEL_NAME"); v != "" {
		cfg.Planner.Model = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.Planner.APIKey = v
	}
	if v := os.Getenv("GEMINI_REQUEST_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Planner.TimeoutSeconds = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("ORCHESTRATOR_LOG_DIR"); v != "" {
		cfg.Log.Dir = v
	}
	if v := os.Getenv("ORCHESTRATOR_LOG_FILE"); v != "" {
		cfg.Log.File = v
	}
	if v := os.Getenv("AI_INTERACTIONS_LOG_FILE"); v != "" {
		cfg.Log.AIInteractionsFile = v
	}
	if v := os.Getenv("CONDUCTOR_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}
	if v := os.Getenv("WORKFLOW_HISTORY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Engine.HistoryLimit = n
		}
	}

	return cfg
}

// Validate reports missing required settings.
func (c Config) Validate() error {
	if c.Definitions.Dir == "" {
		return errors.New("WORKFLOW_DEFINITIONS_DIR is required")
	}
	switch c.Database.Backend {
	case "sqlite":
		if c.Database.Path == "" {
			return errors.New("WORKFLOW_DB_PATH is required for the sqlite backend")
		}
	case "postgres":
		if c.Database.PostgresURL == "" {
			return errors.New("WORKFLOW_POSTGRES_URL is required for the postgres backend")
		}
	default:
		return errors.New("unknown database backend: " + c.Database.Backend)
	}
	if !c.Planner.UseStub && c.Planner.APIKey == "" {
		return errors.New("GEMINI_API_KEY is required unless USE_STUB_AI_CLIENT is set")
	}
	return nil
}
