package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/mnemo/internal/config"
	"github.com/nidhogg/mnemo/internal/embedding"
	"github.com/nidhogg/mnemo/internal/engine"
	"github.com/nidhogg/mnemo/internal/extract"
	"github.com/nidhogg/mnemo/internal/graph"
	"github.com/nidhogg/mnemo/internal/inject"
	"github.com/nidhogg/mnemo/internal/store"
	"github.com/nidhogg/mnemo/internal/vector"
)

func main() {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting mnemo...")

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/mnemo.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	ctx := context.Background()

	backend, err := newBackend(ctx, cfg)
	if err != nil {
		logger.Fatal("storage backend unavailable", zap.Error(err))
	}
	defer backend.Close(ctx)

	st := store.New(backend, store.Options{CacheSize: cfg.Storage.CacheSize}, logger)

	g := graph.New(backend, logger)
	if err := g.Load(ctx); err != nil {
		logger.Warn("relation graph unavailable, starting empty", zap.Error(err))
	}

	vec := newVectorEngine(cfg, logger)

	eng := engine.New(st, g, vec, engine.Options{
		Inject: inject.Options{
			Timeout:       time.Duration(cfg.Engine.InjectTimeoutSeconds) * time.Second,
			MaxMemories:   cfg.Engine.MaxMemories,
			TokenBudget:   cfg.Engine.TokenBudget,
			MinSimilarity: cfg.Engine.MinSimilarity,
		},
		MaxAgeDays:           cfg.Engine.MaxAgeDays,
		MinConfidence:        cfg.Engine.MinConfidence,
		AbstractionThreshold: cfg.Engine.AbstractionThreshold,
	}, logger)
	defer eng.Close()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go repl(ctx, eng, quit)

	<-quit
	logger.Info("Shutting down mnemo...")
}

func newBackend(ctx context.Context, cfg *config.Config) (store.Backend, error) {
	switch cfg.Storage.Backend {
	case "postgres":
		return store.NewPostgresBackend(ctx, cfg.Storage.Postgres.DSN)
	default:
		url := cfg.Storage.Redis.URL
		if url == "" {
			url = "redis://localhost:6379"
		}
		return store.NewRedisBackend(ctx, url)
	}
}

func newVectorEngine(cfg *config.Config, logger *zap.Logger) *vector.Engine {
	if cfg.Embedding.Provider == "" {
		return nil
	}
	embCfg := embedding.Config{
		Provider:  cfg.Embedding.Provider,
		Endpoint:  cfg.Embedding.Endpoint,
		Model:     cfg.Embedding.Model,
		APIKey:    cfg.Embedding.APIKey,
		Dimension: cfg.Embedding.Dimension,
	}
	return vector.NewEngine(func(ctx context.Context) (embedding.Provider, error) {
		switch embCfg.Provider {
		case "local":
			return embedding.NewLocalProvider(embCfg), nil
		default:
			return embedding.NewAPIProvider(embCfg), nil
		}
	}, logger)
}

// repl is a minimal interactive loop for poking at a running engine.
func repl(ctx context.Context, eng *engine.Engine, quit chan<- os.Signal) {
	fmt.Println("mnemo memory engine")
	fmt.Println("Type to record a turn. Commands: /search <q>, /inject <prompt>, /questions, /maintain, /agents <type>, exit")
	fmt.Println("---")

	sessionID := fmt.Sprintf("cli-%d", time.Now().Unix())
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		switch {
		case input == "":
			continue
		case input == "exit" || input == "quit":
			quit <- syscall.SIGTERM
			return
		case strings.HasPrefix(input, "/search "):
			query := strings.TrimPrefix(input, "/search ")
			matches, err := eng.Search(ctx, query, store.SearchOptions{Limit: 10})
			if err != nil {
				fmt.Printf("search failed: %v\n", err)
				continue
			}
			for _, m := range matches {
				fmt.Printf("  [%.2f] %s\n", m.Score, m.Memory.Content)
			}
		case strings.HasPrefix(input, "/inject "):
			res := eng.InjectMemories(ctx, inject.Request{
				Prompt:    strings.TrimPrefix(input, "/inject "),
				SessionID: sessionID,
			})
			fmt.Printf("injected %d of %d considered in %s\n",
				res.Injected, res.MemoriesConsidered, res.Duration)
			if res.Context != "" {
				fmt.Println(res.Context)
			}
		case input == "/questions":
			for _, q := range eng.CheckTriggers(ctx, sessionID, "") {
				fmt.Printf("  %s\n", q.Prompt)
				for i, opt := range q.Options {
					fmt.Printf("    %d) %s\n", i+1, opt)
				}
			}
		case input == "/maintain":
			report, err := eng.Maintenance(ctx)
			if err != nil {
				fmt.Printf("maintenance failed: %v\n", err)
				continue
			}
			fmt.Printf("deleted %d, abstracted %d\n", report.Deleted, report.Abstracted)
		case strings.HasPrefix(input, "/agents "):
			agentType := strings.TrimPrefix(input, "/agents ")
			memories, err := eng.AgentMemories(ctx, agentType)
			if err != nil {
				fmt.Printf("agent space failed: %v\n", err)
				continue
			}
			for _, m := range memories {
				fmt.Printf("  [%.2f] %s\n", m.Confidence.Current, m.Content)
			}
		default:
			stored, err := eng.CaptureTurns(ctx, sessionID, []extract.Turn{
				{Role: extract.RoleUser, Content: input, Timestamp: time.Now()},
			})
			if err != nil {
				fmt.Printf("capture failed: %v\n", err)
				continue
			}
			fmt.Printf("captured %d memories\n", len(stored))
			for _, q := range eng.CheckTriggers(ctx, sessionID, input) {
				fmt.Printf("  ? %s\n", q.Prompt)
			}
		}
	}
}
