package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/kb-agent/backend/internal/chat"
)

type SessionHandler struct {
	chat *chat.Service
}

func NewSessionHandler(chatService *chat.Service) *SessionHandler {
	return &SessionHandler{chat: chatService}
}

func (h *SessionHandler) Get(c *fiber.Ctx) error {
	session, err := h.chat.Session(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err, "Failed to load session")
	}
	return c.JSON(session)
}

func (h *SessionHandler) Messages(c *fiber.Ctx) error {
	msgs, err := h.chat.History(c.UserContext(), c.Params("id"), c.QueryInt("limit", 0))
	if err != nil {
		return respondError(c, err, "Failed to load messages")
	}
	return c.JSON(fiber.Map{"session_id": c.Params("id"), "messages": msgs})
}

func (h *SessionHandler) Archive(c *fiber.Ctx) error {
	n, err := h.chat.Archive(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err, "Failed to archive session")
	}
	return c.JSON(fiber.Map{"session_id": c.Params("id"), "archived": n})
}

func (h *SessionHandler) Archived(c *fiber.Ctx) error {
	msgs, err := h.chat.Archived(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err, "Failed to load archive")
	}
	return c.JSON(fiber.Map{"session_id": c.Params("id"), "messages": msgs})
}

func (h *SessionHandler) Turns(c *fiber.Ctx) error {
	turns, err := h.chat.Turns(c.UserContext(), c.Params("id"), c.QueryInt("limit", 50))
	if errors.Is(err, chat.ErrTurnLogDisabled) {
		return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{"error": err.Error()})
	}
	if err != nil {
		return respondError(c, err, "Failed to load turns")
	}
	return c.JSON(fiber.Map{"session_id": c.Params("id"), "turns": turns})
}
