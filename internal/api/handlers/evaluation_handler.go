package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/kb-agent/backend/internal/evaluation"
)

type EvaluationHandler struct {
	evaluator *evaluation.Evaluator
}

func NewEvaluationHandler(evaluator *evaluation.Evaluator) *EvaluationHandler {
	return &EvaluationHandler{evaluator: evaluator}
}

func (h *EvaluationHandler) Run(c *fiber.Ctx) error {
	dataset, err := evaluation.LoadDataset(c.Body())
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	report, err := h.evaluator.Run(c.UserContext(), dataset)
	if err != nil {
		return respondError(c, err, "Failed to run evaluation")
	}
	if c.Query("format") == "text" {
		return c.SendString(report.Summary())
	}
	return c.JSON(report)
}
