package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kb-agent/backend/internal/agent"
	"github.com/kb-agent/backend/internal/llm"
	"github.com/kb-agent/backend/internal/metrics"
	"github.com/kb-agent/backend/internal/storage/models"
	"github.com/kb-agent/backend/internal/thinktag"
	"github.com/kb-agent/backend/pkg/logger"
)

type MessageStore interface {
	Append(ctx context.Context, msg models.Message) error
	List(ctx context.Context, sessionID string, limit int) ([]models.Message, error)
	Archive(ctx context.Context, sessionID string) (int, error)
	ListArchived(ctx context.Context, sessionID string) ([]models.ArchivedMessage, error)
	GetSession(ctx context.Context, sessionID string) (*models.Session, bool, error)
}

// TurnLog is optional; turns are audited when it is set.
type TurnLog interface {
	RecordTurn(ctx context.Context, turn models.TurnRecord) error
	ListTurns(ctx context.Context, sessionID string, limit int) ([]models.TurnRecord, error)
}

type Runner interface {
	Run(ctx context.Context, req agent.Request, sink agent.Sink) (*agent.Result, error)
}

type Config struct {
	HistoryWindow int
	DefaultMode   agent.Mode
	MaxQueryRunes int
}

type Service struct {
	store  MessageStore
	turns  TurnLog
	runner Runner
	cfg    Config
	now    func() time.Time
}

func NewService(store MessageStore, turns TurnLog, runner Runner, cfg Config) *Service {
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 10
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = agent.ModeThinking
	}
	if cfg.MaxQueryRunes <= 0 {
		cfg.MaxQueryRunes = 5000
	}
	return &Service{store: store, turns: turns, runner: runner, cfg: cfg, now: time.Now}
}

type StreamRequest struct {
	SessionID string
	Query     string
	Mode      string
}

type StreamResponse struct {
	SessionID string
	Result    *agent.Result
}

// NewSessionID returns id when it is set, otherwise a fresh one.
func NewSessionID(id string) string {
	if id = strings.TrimSpace(id); id != "" {
		return id
	}
	return uuid.New().String()
}

// Stream runs one turn for the session. The user message is stored before
// the turn starts and the assistant message once it ends, including the
// reasoning trace so clients can re-render it. A cancelled turn stores
// whatever was streamed.
func (s *Service) Stream(ctx context.Context, req StreamRequest, sink agent.Sink) (*StreamResponse, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", agent.ErrValidation)
	}
	if len([]rune(query)) > s.cfg.MaxQueryRunes {
		return nil, fmt.Errorf("%w: query exceeds %d characters", agent.ErrValidation, s.cfg.MaxQueryRunes)
	}
	mode, err := agent.ParseMode(req.Mode, s.cfg.DefaultMode)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown mode %q", agent.ErrValidation, req.Mode)
	}

	sessionID := NewSessionID(req.SessionID)
	log := logger.With(zap.String("session_id", sessionID))

	history, err := s.history(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if err := s.store.Append(ctx, models.Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      models.RoleUser,
		Content:   query,
		CreatedAt: s.now().UTC(),
	}); err != nil {
		return nil, fmt.Errorf("failed to store user message: %w", err)
	}

	metrics.ActiveStreams.Inc()
	start := s.now()
	res, runErr := s.runner.Run(ctx, agent.Request{Query: query, History: history, Mode: mode}, sink)
	metrics.ActiveStreams.Dec()
	if res == nil {
		return nil, runErr
	}

	// The turn context may be gone; persisting must not depend on it.
	persistCtx := context.WithoutCancel(ctx)
	if res.Transcript != "" {
		if err := s.store.Append(persistCtx, models.Message{
			ID:        uuid.New().String(),
			SessionID: sessionID,
			Role:      models.RoleAssistant,
			Content:   res.Transcript,
			CreatedAt: s.now().UTC(),
		}); err != nil {
			log.Error("Failed to store assistant message", zap.Error(err))
		}
	}
	s.recordTurn(persistCtx, sessionID, query, res, s.now().Sub(start))

	if runErr != nil {
		return &StreamResponse{SessionID: sessionID, Result: res}, runErr
	}
	return &StreamResponse{SessionID: sessionID, Result: res}, nil
}

// history converts the stored window into model messages. Assistant turns
// are reduced to their visible answer.
func (s *Service) history(ctx context.Context, sessionID string) ([]llm.Message, error) {
	msgs, err := s.store.List(ctx, sessionID, s.cfg.HistoryWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case models.RoleUser:
			out = append(out, llm.User(m.Content))
		case models.RoleAssistant:
			if answer := strings.TrimSpace(thinktag.ParseFinal(m.Content).Answer); answer != "" {
				out = append(out, llm.Assistant(answer))
			}
		}
	}
	return out, nil
}

func (s *Service) recordTurn(ctx context.Context, sessionID, query string, res *agent.Result, elapsed time.Duration) {
	if s.turns == nil {
		return
	}
	err := s.turns.RecordTurn(ctx, models.TurnRecord{
		ID:           uuid.New().String(),
		SessionID:    sessionID,
		Query:        query,
		Mode:         string(res.Mode),
		Intent:       string(res.Intent),
		RefinedQuery: res.RefinedQuery,
		State:        string(res.State),
		Sources:      res.Sources,
		LatencyMs:    elapsed.Milliseconds(),
		CreatedAt:    s.now().UTC(),
	})
	if err != nil {
		logger.Warn("Failed to record turn", zap.String("session_id", sessionID), zap.Error(err))
	}
}

var ErrSessionNotFound = errors.New("session not found")

// Session returns the session header. Archiving keeps the session.
func (s *Service) Session(ctx context.Context, sessionID string) (*models.Session, error) {
	session, ok, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

func (s *Service) History(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	msgs, err := s.store.List(ctx, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return msgs, nil
}

func (s *Service) Archive(ctx context.Context, sessionID string) (int, error) {
	n, err := s.store.Archive(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to archive session: %w", err)
	}
	metrics.SessionsArchived.Inc()
	return n, nil
}

func (s *Service) Archived(ctx context.Context, sessionID string) ([]models.ArchivedMessage, error) {
	msgs, err := s.store.ListArchived(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list archived messages: %w", err)
	}
	return msgs, nil
}

var ErrTurnLogDisabled = errors.New("turn log disabled")

func (s *Service) Turns(ctx context.Context, sessionID string, limit int) ([]models.TurnRecord, error) {
	if s.turns == nil {
		return nil, ErrTurnLogDisabled
	}
	turns, err := s.turns.ListTurns(ctx, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list turns: %w", err)
	}
	return turns, nil
}
