// Command stride runs the coaching agent: event-sourced sessions, a
// knowledge-initialized tool-calling loop against Ollama, an HTTP/WS
// API, and optional MQTT notifications.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/stride-ai/stride/internal/agent"
	"github.com/stride-ai/stride/internal/api"
	"github.com/stride-ai/stride/internal/checkpoint"
	"github.com/stride-ai/stride/internal/coach"
	"github.com/stride-ai/stride/internal/config"
	"github.com/stride-ai/stride/internal/eventlog"
	"github.com/stride-ai/stride/internal/knowledge"
	"github.com/stride-ai/stride/internal/llm"
	"github.com/stride-ai/stride/internal/notify"
	"github.com/stride-ai/stride/internal/session"
	"github.com/stride-ai/stride/internal/stream"
	"github.com/stride-ai/stride/internal/tools"
)

// systemPrompt is the stable context prefix written into every new
// session. It never changes for the life of a session, so identical
// prompt prefixes serialize identically across turns.
const systemPrompt = `You are Stride, a personal training coach.
You help users plan workouts, adjust them to their equipment and goals,
and track their training.

You act by calling tools. Every response must contain exactly one tool
call. Use send_message to talk to the user, ask_user for clarifying
questions, and idle when the turn needs no further action.`

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	dsn := filepath.Join(cfg.DataDir, "stride.db") + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	events, err := eventlog.NewStore(db)
	if err != nil {
		return err
	}
	sessions, err := session.NewStore(db)
	if err != nil {
		return err
	}
	coachStore, err := coach.NewStore(db)
	if err != nil {
		return err
	}

	client := llm.NewOllamaClient(cfg.Models.OllamaURL, cfg.ModelTimeout())

	knowledgeReg := knowledge.NewRegistry()
	if err := coach.RegisterKnowledge(knowledgeReg, coachStore); err != nil {
		return err
	}
	initializer := knowledge.NewInitializer(knowledgeReg, buildDecider(cfg, client), logger)

	checkpointer := checkpoint.NewCheckpointer(db, events, sessions, checkpoint.Config{
		MaxTokens:    cfg.Context.MaxTokens,
		TriggerRatio: cfg.Context.TriggerRatio,
	}, logger)
	checkpointer.AddProvider(coach.NewTrainingProvider(coachStore))

	bus := stream.New()

	toolReg := tools.NewRegistry(cfg.ToolTimeout())
	coach.NewToolset(coachStore, bus).RegisterAll(toolReg)

	controller := agent.NewController(agent.Options{
		Logger:        logger,
		LLM:           client,
		Model:         cfg.Models.Chat,
		Events:        events,
		Sessions:      sessions,
		Initializer:   initializer,
		Checkpointer:  checkpointer,
		Tools:         toolReg,
		Bus:           bus,
		StablePrefix:  systemPrompt,
		MaxIterations: cfg.Agent.MaxIterations,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := client.Ping(ctx); err != nil {
		logger.Warn("ollama not reachable at startup, continuing", "url", cfg.Models.OllamaURL, "error", err)
	}

	archiver := session.NewArchiver(sessions, cfg.MaxIdle(), cfg.SweepInterval(), logger)
	go archiver.Run(ctx)

	if cfg.MQTT.Enabled {
		publisher := notify.New(cfg.MQTT, bus, logger)
		go func() {
			if err := publisher.Start(ctx); err != nil {
				logger.Error("mqtt publisher stopped", "error", err)
			}
		}()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := publisher.Stop(stopCtx); err != nil {
				logger.Warn("mqtt shutdown failed", "error", err)
			}
		}()
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, controller, bus, logger)
	return server.Start(ctx)
}

// loadConfig finds and loads the config file, falling back to defaults
// when none exists and no explicit path was given.
func loadConfig(explicit string) (*config.Config, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, err
		}
		return config.Default(), nil
	}
	return config.Load(path)
}

// buildDecider selects the knowledge decider: a small model when one is
// configured, with the keyword heuristic as fallback either way.
func buildDecider(cfg *config.Config, client llm.Client) knowledge.Decider {
	keyword := &knowledge.KeywordDecider{
		Always: []string{coach.SourceGoals},
		Keywords: map[string][]string{
			coach.SourcePreferences: {"prefer", "like", "usual", "schedule", "style"},
			coach.SourceHistory:     {"last", "recent", "history", "yesterday", "week", "progress"},
			coach.SourceEquipment:   {"equipment", "gear", "workout", "exercise", "train", "home", "gym"},
		},
	}
	if cfg.Models.Initializer == "" {
		return keyword
	}
	chat := func(ctx context.Context, prompt string) (string, error) {
		resp, err := client.Chat(ctx, cfg.Models.Initializer, []llm.Message{
			{Role: "user", Content: prompt},
		}, nil)
		if err != nil {
			return "", err
		}
		return resp.Message.Content, nil
	}
	return knowledge.NewLLMDecider(chat, keyword)
}
