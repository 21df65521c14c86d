// Package main provides the agentd binary entry point.
// Agentd is the agent task orchestration service: it routes tasks to
// executors, drives their lifecycle, executes them through LLM
// providers, and alerts a chat surface on failures and decisions.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	// Register LLM providers via init()
	_ "github.com/c360studio/agentd/llm/providers"

	"github.com/spf13/cobra"

	"github.com/c360studio/agentd/alert"
	"github.com/c360studio/agentd/bus"
	"github.com/c360studio/agentd/chat"
	"github.com/c360studio/agentd/config"
	"github.com/c360studio/agentd/httpapi"
	"github.com/c360studio/agentd/lifecycle"
	"github.com/c360studio/agentd/llm"
	"github.com/c360studio/agentd/route"
	"github.com/c360studio/agentd/store"
	"github.com/c360studio/agentd/usage"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "agentd"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   "agentd",
		Short: "Agent task orchestration service",
		Long: `Agentd orchestrates agent tasks end to end.

It provides:
- Task lifecycle with routing, retries, and escalation
- A pull-based runner registry with orphan recovery
- LLM execution over HTTP with a codex subprocess fallback
- Telegram alerts and a chat command surface

Configuration comes from AGENT_* environment variables, optionally
layered over a YAML file named by AGENT_CONFIG_FILE.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(logLevel)
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func run(logLevel string) error {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.NewLoader(logger).Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()

	tasks, runners, cleanup, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	recorder, err := openRecorder(cfg, logger)
	if err != nil {
		return err
	}

	events, err := bus.Connect(cfg.NATS.URL, logger)
	if err != nil {
		logger.Warn("NATS unavailable, events disabled", "error", err)
	}
	defer events.Close()

	if events != nil {
		recorder = usage.NewTeeRecorder(recorder, events.PublishUsage)
	}

	adapter := llm.NewAdapter(recorder,
		llm.WithCostPerSecond(cfg.Usage.CostPerSecond),
		llm.WithLogger(logger))

	controller := lifecycle.New(tasks, runners, adapter,
		route.Config{
			PolicyEnabled:       cfg.Executor.PolicyEnabled,
			CheapDefault:        cfg.Executor.CheapDefault,
			EscalateTo:          cfg.Executor.EscalateTo,
			FailureThreshold:    cfg.Executor.FailureThreshold,
			RepoDefault:         cfg.Executor.RepoDefault,
			OpenQuestionDefault: cfg.Executor.OpenQuestionDefault,
			FreeModel:           cfg.Executor.FreeModel,
			EnvModelOverride:    cfg.Executor.ModelOverride,
			ModelAliases:        cfg.Executor.ModelAliases,
		},
		lifecycle.Options{
			AllowPaidProviders:      cfg.Retry.AllowPaidProviders,
			AutoRetryOpenAIOverride: cfg.Retry.AutoRetryOpenAIOverride,
			RetryModelOverride:      cfg.Retry.OpenAIModelOverride,
			RetryMaxDefault:         cfg.Retry.MaxDefault,
			OrphanThresholdSec:      cfg.Orphan.RunningSec,
			OrphanMaxTasks:          cfg.Orphan.MaxTasks,
			HealOnOrphan:            cfg.Orphan.Heal,
			MaxOutputChars:          cfg.MaxOutputChars,
		},
		lifecycle.WithBus(events),
		lifecycle.WithControllerLogger(logger))

	var serverOpts []httpapi.ServerOption
	serverOpts = append(serverOpts, httpapi.WithServerLogger(logger))

	if cfg.Telegram.BotToken != "" {
		transport := chat.NewTelegram(cfg.Telegram.BotToken)
		transport.Logger = logger

		chatbot := chat.NewAdapter(transport, controller,
			chat.WithAlertChats(cfg.Telegram.ChatIDs),
			chat.WithAllowedUsers(cfg.Telegram.AllowedUserIDs),
			chat.WithUsageRecorder(recorder),
			chat.WithAdapterLogger(logger))

		dispatcher := alert.NewDispatcher(chatbot,
			alert.WithFailedWindow(
				time.Duration(cfg.Telegram.FailedAlertWindowSec)*time.Second,
				cfg.Telegram.FailedAlertMaxPerWindow),
			alert.WithLogger(logger))
		defer dispatcher.Close()

		controller.AttachAlerts(dispatcher)
		serverOpts = append(serverOpts, httpapi.WithChat(chatbot))
		logger.Info("Chat surface enabled", "alert_chats", len(cfg.Telegram.ChatIDs))
	} else {
		logger.Info("Chat surface disabled (no bot token)")
	}

	server := httpapi.NewServer(cfg.Server.Addr, controller, serverOpts...)

	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-signalCtx.Done():
		logger.Info("Received shutdown signal")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "error", err)
	}
	controller.Wait()

	logger.Info("Shutdown complete")
	return nil
}

// openStores selects the storage backend: Postgres, JSON file, or the
// in-process map.
func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.TaskStore, store.RunnerStore, func(), error) {
	switch {
	case cfg.Storage.UseDB:
		pg, err := store.OpenPostgres(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		logger.Info("Using Postgres task store")
		return pg, pg.Runners(), func() { _ = pg.Close() }, nil

	case cfg.Storage.Persist:
		f, err := store.OpenFile(cfg.Storage.Path, store.WithFileLogger(logger))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open file store: %w", err)
		}
		logger.Info("Using JSON file task store", "path", cfg.Storage.Path)
		return f, f.Runners(), func() { _ = f.Close() }, nil

	default:
		m := store.NewMemory()
		logger.Info("Using in-memory task store")
		return m, m.Runners(), func() {}, nil
	}
}

// openRecorder picks JSONL file or in-memory usage telemetry.
func openRecorder(cfg *config.Config, logger *slog.Logger) (usage.Recorder, error) {
	if cfg.Usage.Path != "" {
		return usage.NewFileRecorder(cfg.Usage.Path, logger)
	}
	return usage.NewMemoryRecorder(), nil
}
