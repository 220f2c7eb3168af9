package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
)

type Readiness interface {
	Ready() (storeReady, embedderReady bool)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	readiness Readiness
	db        Pinger
	cache     Pinger
}

// NewHealthHandler builds the health handler. cache may be nil.
func NewHealthHandler(readiness Readiness, db Pinger, cache Pinger) *HealthHandler {
	return &HealthHandler{readiness: readiness, db: db, cache: cache}
}

func (h *HealthHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// Ready reports 503 until the vector store and the embedder are up.
// Chat still works before that, without knowledge base context.
func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	storeReady, embedderReady := h.readiness.Ready()
	dbReady := true
	if h.db != nil {
		dbReady = h.db.Ping(ctx) == nil
	}

	status, code := "ready", fiber.StatusOK
	if !storeReady || !embedderReady || !dbReady {
		status, code = "not_ready", fiber.StatusServiceUnavailable
	}

	components := fiber.Map{
		"vector_store": storeReady,
		"embedder":     embedderReady,
		"database":     dbReady,
	}
	// Cache state is reported only and never makes the service not ready.
	if h.cache != nil {
		components["cache"] = h.cache.Ping(ctx) == nil
	}

	return c.Status(code).JSON(fiber.Map{
		"status":     status,
		"components": components,
	})
}
