package handlers

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/kb-agent/backend/internal/chat"
	"github.com/kb-agent/backend/pkg/logger"
)

type WebSocketHandler struct {
	chat *chat.Service
}

func NewWebSocketHandler(chatService *chat.Service) *WebSocketHandler {
	return &WebSocketHandler{
		chat: chatService,
	}
}

type wsMessage struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	SessionID string `json:"session_id"`
	Mode      string `json:"mode"`
}

// Upgrade rejects plain HTTP requests to the websocket route.
func (h *WebSocketHandler) Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	for {
		var msg wsMessage
		if err := c.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("WebSocket read failed", zap.Error(err))
			}
			return
		}

		switch msg.Type {
		case "ping":
			if err := c.WriteJSON(fiber.Map{"type": "pong"}); err != nil {
				return
			}
		case "query":
			if err := h.streamResponse(c, msg); err != nil {
				logger.Debug("WebSocket client gone during turn", zap.Error(err))
				return
			}
		default:
			h.sendError(c, "Unknown message type")
		}
	}
}

// streamResponse returns an error only when the connection is unusable.
func (h *WebSocketHandler) streamResponse(c *websocket.Conn, msg wsMessage) error {
	if strings.TrimSpace(msg.Content) == "" {
		h.sendError(c, "Query is required")
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var writeErr error
	sessionID := chat.NewSessionID(msg.SessionID)
	resp, err := h.chat.Stream(ctx, chat.StreamRequest{
		SessionID: sessionID,
		Query:     msg.Content,
		Mode:      msg.Mode,
	}, func(token string) {
		if writeErr != nil {
			return
		}
		if writeErr = c.WriteJSON(fiber.Map{"type": "chunk", "content": token}); writeErr != nil {
			cancel()
		}
	})
	if writeErr != nil {
		return writeErr
	}

	switch {
	case err == nil:
		payload := completePayload(resp)
		payload["type"] = "complete"
		return c.WriteJSON(payload)
	case errors.Is(err, context.Canceled):
		return err
	default:
		logger.Error("WebSocket turn failed", zap.String("session_id", sessionID), zap.Error(err))
		h.sendError(c, err.Error())
		return nil
	}
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg string) {
	if err := c.WriteJSON(fiber.Map{"type": "error", "error": errorMsg}); err != nil {
		logger.Debug("Failed to send WebSocket error", zap.Error(err))
	}
}
