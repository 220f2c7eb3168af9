package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kb-agent/backend/internal/agent"
	"github.com/kb-agent/backend/internal/api"
	"github.com/kb-agent/backend/internal/api/handlers"
	"github.com/kb-agent/backend/internal/cache/redis"
	"github.com/kb-agent/backend/internal/chat"
	"github.com/kb-agent/backend/internal/evaluation"
	"github.com/kb-agent/backend/internal/ingestion"
	"github.com/kb-agent/backend/internal/knowledge"
	"github.com/kb-agent/backend/internal/llm"
	"github.com/kb-agent/backend/internal/metrics"
	"github.com/kb-agent/backend/internal/middleware/ratelimit"
	"github.com/kb-agent/backend/internal/retrieval"
	"github.com/kb-agent/backend/internal/storage/memory"
	"github.com/kb-agent/backend/internal/storage/models"
	"github.com/kb-agent/backend/internal/storage/sqlite"
	"github.com/kb-agent/backend/internal/vector/milvus"
	"github.com/kb-agent/backend/pkg/config"
	appLogger "github.com/kb-agent/backend/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Printf("Failed to load .env: %v\n", err)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting knowledge base agent API server")

	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		messageStore chat.MessageStore
		turnLog      chat.TurnLog
		persister    knowledge.ConfigPersister
		dbPinger     handlers.Pinger
	)
	if cfg.SQLite.Enabled {
		sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
		if err != nil {
			appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
		}
		defer sqliteClient.Close()

		if err := sqliteClient.InitSchema(ctx); err != nil {
			appLogger.Fatal("Failed to initialize schema", zap.Error(err))
		}
		messageStore, turnLog, persister, dbPinger = sqliteClient, sqliteClient, sqliteClient, sqliteClient
	} else {
		appLogger.Warn("SQLite disabled, sessions and settings are kept in memory")
		memMessages := memory.NewMessageStore()
		messageStore, turnLog, persister = memMessages, memMessages, memory.NewConfigStore()
	}

	llmClient := llm.NewClient(cfg.LLM)
	gate := llm.NewGate(llmClient)

	var gatewayOpts []retrieval.Option
	var rateStore ratelimit.Store
	var cachePinger handlers.Pinger
	if cfg.Redis.Enabled {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		redisClient, err := redis.NewClient(pingCtx, cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		cancel()
		if err != nil {
			appLogger.Warn("Redis unavailable, embedding cache and shared rate limit disabled", zap.Error(err))
		} else {
			defer redisClient.Close()
			rateStore = redisClient
			cachePinger = redisClient
			gatewayOpts = append(gatewayOpts, retrieval.WithEmbeddingCache(
				redisClient,
				llmClient.EmbeddingModel(),
				time.Duration(cfg.Redis.EmbeddingTTLSec)*time.Second,
			))
		}
	}

	var store retrieval.VectorStore
	var background errgroup.Group
	if cfg.Milvus.Enabled {
		milvusStore := milvus.NewStore(cfg.Milvus)
		defer milvusStore.Close()
		store = milvusStore
		background.Go(func() error { return milvusStore.Init(ctx) })
	} else {
		appLogger.Warn("Milvus disabled, using in-memory vector store")
		store = memory.NewVectorStore()
	}
	background.Go(func() error { return llmClient.Warmup(ctx) })

	go func() {
		if err := background.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			appLogger.Error("Background initialization failed", zap.Error(err))
		}
	}()

	gateway := retrieval.NewGateway(store, llmClient, gatewayOpts...)

	configStore := knowledge.NewConfigStore(models.KnowledgeConfig{
		MaxDocuments:        cfg.Knowledge.MaxDocuments,
		SimilarityThreshold: cfg.Knowledge.SimilarityThreshold,
		MaxContextLength:    cfg.Knowledge.MaxContextLength,
	}, persister)
	if err := configStore.Load(ctx); err != nil {
		appLogger.Warn("Failed to load persisted knowledge config, using defaults", zap.Error(err))
	}

	defaultMode, err := agent.ParseMode(cfg.Agent.DefaultMode, agent.ModeThinking)
	if err != nil {
		appLogger.Fatal("Invalid agent.defaultMode", zap.Error(err))
	}

	orchestrator := agent.NewOrchestrator(gate, gateway, configStore, agent.Options{
		Keywords:      cfg.Agent.Keywords,
		RouterWindow:  cfg.Agent.RouterWindow,
		HistoryWindow: cfg.Agent.HistoryWindow,
		Apology:       cfg.Agent.Apology,
	})

	chatService := chat.NewService(messageStore, turnLog, orchestrator, chat.Config{
		HistoryWindow: cfg.Agent.HistoryWindow,
		DefaultMode:   defaultMode,
	})

	app, cleanup := api.NewApp(cfg, api.Deps{
		Chat:      chatService,
		Knowledge: knowledge.NewService(gateway, configStore),
		Processor: ingestion.NewProcessor(0),
		Readiness: gateway,
		DB:        dbPinger,
		Cache:     cachePinger,
		Evaluator: evaluation.NewEvaluator(
			agent.NewRouter(gate, cfg.Agent.Keywords, cfg.Agent.RouterWindow),
			gateway,
			configStore,
		),
		RateStore: rateStore,
	})
	defer cleanup()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	<-ctx.Done()

	appLogger.Info("Server shutting down gracefully...")
	if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
		appLogger.Error("Server shutdown failed", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}
