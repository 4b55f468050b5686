// Command conductor runs the workflow orchestration MCP server over
// stdio. Configuration comes from a conductor.toml file and/or
// environment variables; see internal/config.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/conductor"
	"github.com/nevindra/conductor/definition"
	"github.com/nevindra/conductor/internal/config"
	"github.com/nevindra/conductor/mcp"
	"github.com/nevindra/conductor/observer"
	"github.com/nevindra/conductor/planner/gemini"
	"github.com/nevindra/conductor/planner/scripted"
	"github.com/nevindra/conductor/store/postgres"
	"github.com/nevindra/conductor/store/sqlite"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "path to conductor.toml (optional)")
	flag.Parse()

	cfg := config.Load(*configPath)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "conductor:", err)
		os.Exit(1)
	}

	logger, logClose, err := buildLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "conductor:", err)
		os.Exit(1)
	}
	defer logClose()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Repository.
	repo, err := buildRepository(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("open repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	if err := repo.Init(ctx); err != nil {
		logger.Error("init repository", "error", err)
		os.Exit(1)
	}

	// Definitions.
	defs := definition.New(cfg.Definitions.Dir, definition.WithLogger(logger))

	// OTEL instruments, shared by the planner wrapper and the engine
	// transition hook.
	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		var shutdown func(context.Context) error
		inst, shutdown, err = observer.Init(ctx)
		if err != nil {
			logger.Error("init observer", "error", err)
			os.Exit(1)
		}
		go func() {
			<-ctx.Done()
			shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shCtx)
		}()
	}

	// Planner: gemini or stub, with retry, optional interaction log,
	// optional OTEL instrumentation.
	planner, err := buildPlanner(cfg, logger, inst)
	if err != nil {
		logger.Error("build planner", "error", err)
		os.Exit(1)
	}

	engOpts := []conductor.Option{
		conductor.WithDefinitions(defs),
		conductor.WithRepository(repo),
		conductor.WithPlanner(planner),
		conductor.WithLogger(logger),
		conductor.WithHistoryLimit(cfg.Engine.HistoryLimit),
	}
	if inst != nil {
		engOpts = append(engOpts, conductor.WithTransitionHook(observer.TransitionHook(inst)))
	}
	eng := conductor.New(engOpts...)

	srv := mcp.New("conductor", version, eng, defs, mcp.WithLogger(logger))

	logger.Info("conductor started",
		"definitions", cfg.Definitions.Dir,
		"backend", cfg.Database.Backend,
		"planner", planner.Name())

	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		logger.Error("serve", "error", err)
		os.Exit(1)
	}
}

// buildRepository opens the configured store backend.
func buildRepository(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (conductor.Repository, error) {
	switch cfg.Backend {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, err
		}
		return postgres.New(pool), nil
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, err
		}
		return sqlite.New(cfg.Path, sqlite.WithLogger(logger)), nil
	}
}

// buildPlanner assembles the planner stack: base client, retry,
// interaction log, observability.
func buildPlanner(cfg config.Config, logger *slog.Logger, inst *observer.Instruments) (conductor.Planner, error) {
	var p conductor.Planner
	if cfg.Planner.UseStub {
		p = scripted.New()
	} else {
		p = gemini.New(cfg.Planner.APIKey, cfg.Planner.Model,
			gemini.WithTimeout(time.Duration(cfg.Planner.TimeoutSeconds)*time.Second))
	}

	p = conductor.WithRetry(p, conductor.RetryLogger(logger))

	if cfg.Log.AIInteractionsFile != "" {
		f, err := os.OpenFile(cfg.Log.AIInteractionsFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		p = conductor.WithInteractionLog(p, slog.New(slog.NewJSONHandler(f, nil)))
	}

	if inst != nil {
		p = observer.Planner(p, inst)
	}

	return p, nil
}

// buildLogger creates the process logger. Stdout carries the MCP
// protocol, so logs go to stderr or to the configured file.
func buildLogger(cfg config.LogConfig) (*slog.Logger, func(), error) {
	var w io.Writer = os.Stderr
	closeFn := func() {}

	if cfg.File != "" {
		path := cfg.File
		if cfg.Dir != "" && !filepath.IsAbs(path) {
			path = filepath.Join(cfg.Dir, path)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, err
		}
		w = f
		closeFn = func() { f.Close() }
	}

	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})), closeFn, nil
}
