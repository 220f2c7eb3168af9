package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/kb-agent/backend/internal/agent"
	"github.com/kb-agent/backend/internal/chat"
	"github.com/kb-agent/backend/internal/thinktag"
	"github.com/kb-agent/backend/pkg/logger"
)

type ChatHandler struct {
	chat        *chat.Service
	defaultMode agent.Mode
}

func NewChatHandler(chatService *chat.Service, defaultMode agent.Mode) *ChatHandler {
	return &ChatHandler{
		chat:        chatService,
		defaultMode: defaultMode,
	}
}

type chatRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id"`
	Mode      string `json:"mode"`
}

func (h *ChatHandler) parse(c *fiber.Ctx) (*chatRequest, error) {
	var req chatRequest
	if err := c.BodyParser(&req); err != nil {
		return nil, fmt.Errorf("%w: invalid request body", agent.ErrValidation)
	}
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("%w: query is required", agent.ErrValidation)
	}
	if _, err := agent.ParseMode(req.Mode, h.defaultMode); err != nil {
		return nil, fmt.Errorf("%w: unknown mode %q", agent.ErrValidation, req.Mode)
	}
	req.SessionID = chat.NewSessionID(req.SessionID)
	return &req, nil
}

// StreamChat answers with server-sent events: one "session" event, a
// "token" event per streamed token, then "complete" or "error". A failed
// write cancels the turn.
func (h *ChatHandler) StreamChat(c *fiber.Ctx) error {
	req, err := h.parse(c)
	if err != nil {
		return respondError(c, err, "Invalid request")
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sse := &sseWriter{w: w, cancel: cancel}
		sse.send("session", fiber.Map{"session_id": req.SessionID})

		resp, err := h.chat.Stream(ctx, chat.StreamRequest{
			SessionID: req.SessionID,
			Query:     req.Query,
			Mode:      req.Mode,
		}, func(token string) {
			sse.send("token", fiber.Map{"content": token})
		})

		switch {
		case err == nil:
			sse.send("complete", completePayload(resp))
		case errors.Is(err, context.Canceled):
			logger.Info("Chat stream cancelled", zap.String("session_id", req.SessionID))
		default:
			logger.Error("Chat stream failed", zap.String("session_id", req.SessionID), zap.Error(err))
			sse.send("error", fiber.Map{"error": "Failed to process query"})
		}
	}))

	return nil
}

// Chat runs a turn without streaming and returns the parsed answer.
func (h *ChatHandler) Chat(c *fiber.Ctx) error {
	req, err := h.parse(c)
	if err != nil {
		return respondError(c, err, "Invalid request")
	}

	resp, err := h.chat.Stream(c.UserContext(), chat.StreamRequest{
		SessionID: req.SessionID,
		Query:     req.Query,
		Mode:      req.Mode,
	}, nil)
	if err != nil {
		return respondError(c, err, "Failed to process query")
	}

	parsed := thinktag.ParseFinal(resp.Result.Transcript)
	out := fiber.Map{
		"session_id":    resp.SessionID,
		"answer":        strings.TrimSpace(parsed.Answer),
		"sources":       resp.Result.Sources,
		"intent":        resp.Result.Intent,
		"refined_query": resp.Result.RefinedQuery,
		"mode":          resp.Result.Mode,
		"state":         resp.Result.State,
	}
	if parsed.HasReasoning() {
		out["reasoning"] = parsed.Reasoning()
	}
	return c.JSON(out)
}

func completePayload(resp *chat.StreamResponse) fiber.Map {
	return fiber.Map{
		"session_id":    resp.SessionID,
		"intent":        resp.Result.Intent,
		"refined_query": resp.Result.RefinedQuery,
		"sources":       resp.Result.Sources,
		"mode":          resp.Result.Mode,
		"state":         resp.Result.State,
	}
}

type sseWriter struct {
	w      *bufio.Writer
	cancel context.CancelFunc
	failed bool
}

func (s *sseWriter) send(event string, payload any) {
	if s.failed {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		logger.Error("Failed to encode SSE payload", zap.String("event", event), zap.Error(err))
		return
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err == nil {
		err = s.w.Flush()
		if err == nil {
			return
		}
	}

	s.failed = true
	s.cancel()
	logger.Debug("SSE client gone, cancelling turn", zap.String("event", event))
}
