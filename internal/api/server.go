package api

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/kb-agent/backend/internal/agent"
	"github.com/kb-agent/backend/internal/api/handlers"
	"github.com/kb-agent/backend/internal/chat"
	"github.com/kb-agent/backend/internal/evaluation"
	"github.com/kb-agent/backend/internal/ingestion"
	"github.com/kb-agent/backend/internal/knowledge"
	"github.com/kb-agent/backend/internal/metrics"
	"github.com/kb-agent/backend/internal/middleware/ratelimit"
	"github.com/kb-agent/backend/internal/middleware/security"
	"github.com/kb-agent/backend/internal/middleware/validation"
	"github.com/kb-agent/backend/pkg/config"
	"github.com/kb-agent/backend/pkg/logger"
)

type Deps struct {
	Chat      *chat.Service
	Knowledge *knowledge.Service
	Processor *ingestion.Processor
	Readiness handlers.Readiness
	DB        handlers.Pinger
	// Cache is optional and only reported by /ready.
	Cache     handlers.Pinger
	// Evaluator is optional; /api/v1/evaluate is only served when set.
	Evaluator *evaluation.Evaluator
	// RateStore is optional; without it each instance limits on its own.
	RateStore ratelimit.Store
}

// NewApp builds the fiber app with middleware and routes. The returned
// func releases background resources held by the middleware.
func NewApp(cfg *config.Config, deps Deps) (*fiber.App, func()) {
	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(cfg.Server.AllowedOrigins, ", "),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Session-ID",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		IsDevelopment:  cfg.Server.Development,
	}))

	cleanup := func() {}
	if cfg.RateLimit.Enabled {
		limiter := ratelimit.New(ratelimit.Config{
			MaxRequestsPerMinute: cfg.RateLimit.MaxRequestsPerMinute,
			Store:                deps.RateStore,
			Logger:               logger.GetLogger(),
		})
		app.Use("/api", limiter.Middleware())
		cleanup = limiter.Stop
	}

	app.Use("/api", validation.Middleware(validation.Config{
		MaxDocumentSize: cfg.Server.BodyLimit,
		Logger:          logger.GetLogger(),
	}))

	defaultMode, err := agent.ParseMode(cfg.Agent.DefaultMode, agent.ModeThinking)
	if err != nil {
		defaultMode = agent.ModeThinking
	}

	chatHandler := handlers.NewChatHandler(deps.Chat, defaultMode)
	wsHandler := handlers.NewWebSocketHandler(deps.Chat)
	sessionHandler := handlers.NewSessionHandler(deps.Chat)
	knowledgeHandler := handlers.NewKnowledgeHandler(deps.Knowledge, deps.Processor)
	healthHandler := handlers.NewHealthHandler(deps.Readiness, deps.DB, deps.Cache)

	app.Get("/metrics", metrics.MetricsHandler())

	v1 := app.Group("/api/v1")

	v1.Post("/chat", chatHandler.Chat)
	v1.Post("/chat/stream", chatHandler.StreamChat)
	v1.Get("/chat/ws", wsHandler.Upgrade, websocket.New(wsHandler.HandleConnection))

	v1.Get("/sessions/:id", sessionHandler.Get)
	v1.Get("/sessions/:id/messages", sessionHandler.Messages)
	v1.Post("/sessions/:id/archive", sessionHandler.Archive)
	v1.Get("/sessions/:id/archive", sessionHandler.Archived)
	v1.Get("/sessions/:id/turns", sessionHandler.Turns)

	v1.Get("/knowledge", knowledgeHandler.List)
	v1.Post("/knowledge", knowledgeHandler.Create)
	v1.Post("/knowledge/html", knowledgeHandler.UploadHTML)
	v1.Post("/knowledge/search", knowledgeHandler.Search)
	v1.Get("/knowledge/config", knowledgeHandler.GetConfig)
	v1.Put("/knowledge/config", knowledgeHandler.UpdateConfig)
	v1.Get("/knowledge/:id", knowledgeHandler.Get)
	v1.Put("/knowledge/:id", knowledgeHandler.Update)
	v1.Delete("/knowledge/:id", knowledgeHandler.Delete)

	if deps.Evaluator != nil {
		v1.Post("/evaluate", handlers.NewEvaluationHandler(deps.Evaluator).Run)
	}

	v1.Get("/health", healthHandler.Health)
	v1.Get("/ready", healthHandler.Ready)

	return app, cleanup
}
