package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/kb-agent/backend/internal/agent"
	"github.com/kb-agent/backend/internal/chat"
	"github.com/kb-agent/backend/internal/ingestion"
	"github.com/kb-agent/backend/internal/knowledge"
	"github.com/kb-agent/backend/internal/retrieval"
	"github.com/kb-agent/backend/pkg/logger"
)

// respondError maps service errors to a status and a client-safe message.
// Unknown errors are logged and reported as 500 with fallback.
func respondError(c *fiber.Ctx, err error, fallback string) error {
	status, msg := fiber.StatusInternalServerError, fallback

	switch {
	case errors.Is(err, agent.ErrValidation), errors.Is(err, knowledge.ErrInvalidDocument):
		status, msg = fiber.StatusBadRequest, err.Error()
	case errors.Is(err, ingestion.ErrEmptyDocument):
		status, msg = fiber.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, knowledge.ErrNotFound), errors.Is(err, retrieval.ErrNotFound):
		status, msg = fiber.StatusNotFound, "Document not found"
	case errors.Is(err, chat.ErrSessionNotFound):
		status, msg = fiber.StatusNotFound, "Session not found"
	case errors.Is(err, retrieval.ErrStoreNotReady), errors.Is(err, retrieval.ErrEmbeddingUnavailable):
		status, msg = fiber.StatusServiceUnavailable, "Knowledge base is not ready"
	default:
		logger.Error(fallback, zap.Error(err), zap.String("path", c.Path()))
	}

	return c.Status(status).JSON(fiber.Map{"error": msg})
}
