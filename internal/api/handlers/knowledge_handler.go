package handlers

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/kb-agent/backend/internal/ingestion"
	"github.com/kb-agent/backend/internal/knowledge"
	"github.com/kb-agent/backend/pkg/logger"
)

type KnowledgeHandler struct {
	docs      *knowledge.Service
	processor *ingestion.Processor
}

func NewKnowledgeHandler(docs *knowledge.Service, processor *ingestion.Processor) *KnowledgeHandler {
	return &KnowledgeHandler{
		docs:      docs,
		processor: processor,
	}
}

func badBody() error {
	return fmt.Errorf("%w: invalid request body", knowledge.ErrInvalidDocument)
}

func (h *KnowledgeHandler) List(c *fiber.Ctx) error {
	docs, err := h.docs.List(c.UserContext(), c.QueryInt("limit", 100))
	if err != nil {
		return respondError(c, err, "Failed to list documents")
	}
	return c.JSON(fiber.Map{"documents": docs})
}

func (h *KnowledgeHandler) Create(c *fiber.Ctx) error {
	var in knowledge.DocumentInput
	if err := c.BodyParser(&in); err != nil {
		return respondError(c, badBody(), "")
	}

	doc, err := h.docs.Create(c.UserContext(), in)
	if err != nil {
		return respondError(c, err, "Failed to create document")
	}
	return c.Status(fiber.StatusCreated).JSON(doc)
}

func (h *KnowledgeHandler) Get(c *fiber.Ctx) error {
	doc, err := h.docs.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err, "Failed to get document")
	}
	return c.JSON(doc)
}

func (h *KnowledgeHandler) Update(c *fiber.Ctx) error {
	var patch knowledge.DocumentPatch
	if err := c.BodyParser(&patch); err != nil {
		return respondError(c, badBody(), "")
	}

	doc, err := h.docs.Update(c.UserContext(), c.Params("id"), patch)
	if err != nil {
		return respondError(c, err, "Failed to update document")
	}
	return c.JSON(doc)
}

func (h *KnowledgeHandler) Delete(c *fiber.Ctx) error {
	if err := h.docs.Delete(c.UserContext(), c.Params("id")); err != nil {
		return respondError(c, err, "Failed to delete document")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// UploadHTML converts a page into one or more documents.
func (h *KnowledgeHandler) UploadHTML(c *fiber.Ctx) error {
	var req struct {
		URL         string `json:"url"`
		HTMLContent string `json:"html_content"`
	}
	if err := c.BodyParser(&req); err != nil {
		return respondError(c, badBody(), "")
	}
	if req.HTMLContent == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "HTML content is required",
		})
	}

	inputs, err := h.processor.FromHTML(req.URL, req.HTMLContent)
	if err != nil {
		return respondError(c, err, "Failed to process document")
	}

	created := make([]*knowledge.Document, 0, len(inputs))
	for _, in := range inputs {
		doc, err := h.docs.Create(c.UserContext(), in)
		if err != nil {
			logger.Error("Failed to store document part",
				zap.String("url", req.URL),
				zap.Int("stored", len(created)),
				zap.Error(err),
			)
			return respondError(c, err, "Failed to store document")
		}
		created = append(created, doc)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"documents": created})
}

func (h *KnowledgeHandler) Search(c *fiber.Ctx) error {
	var req struct {
		Query string `json:"query"`
	}
	if err := c.BodyParser(&req); err != nil {
		return respondError(c, badBody(), "")
	}

	results, err := h.docs.Search(c.UserContext(), req.Query)
	if err != nil {
		return respondError(c, err, "Failed to search")
	}

	out := make([]fiber.Map, 0, len(results))
	for _, r := range results {
		out = append(out, fiber.Map{
			"id":         r.ID,
			"title":      r.Title,
			"text":       r.Text,
			"metadata":   r.Metadata,
			"similarity": r.Similarity,
		})
	}
	return c.JSON(fiber.Map{"results": out, "config": h.docs.Config().Get()})
}

func (h *KnowledgeHandler) GetConfig(c *fiber.Ctx) error {
	return c.JSON(h.docs.Config().Get())
}

func (h *KnowledgeHandler) UpdateConfig(c *fiber.Ctx) error {
	var patch knowledge.ConfigPatch
	if err := c.BodyParser(&patch); err != nil {
		return respondError(c, badBody(), "")
	}

	cfg, err := h.docs.Config().Update(c.UserContext(), patch)
	if err != nil {
		return respondError(c, err, "Failed to update config")
	}
	return c.JSON(cfg)
}
