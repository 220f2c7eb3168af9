package memory

import (
	"context"
	"sync"
	"time"

	"github.com/kb-agent/backend/internal/storage/models"
)

// MessageStore keeps sessions in process memory. It mirrors the sqlite store
// and backs tests and single-node development runs.
type MessageStore struct {
	mu       sync.RWMutex
	sessions map[string]time.Time
	active   map[string][]models.Message
	archived map[string][]models.ArchivedMessage
	turns    map[string][]models.TurnRecord
	now      func() time.Time
}

func NewMessageStore() *MessageStore {
	return &MessageStore{
		sessions: make(map[string]time.Time),
		active:   make(map[string][]models.Message),
		archived: make(map[string][]models.ArchivedMessage),
		turns:    make(map[string][]models.TurnRecord),
		now:      time.Now,
	}
}

func (s *MessageStore) Append(_ context.Context, msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[msg.SessionID]; !ok {
		s.sessions[msg.SessionID] = s.now()
	}
	s.active[msg.SessionID] = append(s.active[msg.SessionID], msg)
	return nil
}

func (s *MessageStore) List(_ context.Context, sessionID string, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.active[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *MessageStore) Archive(_ context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	msgs := s.active[sessionID]
	for _, m := range msgs {
		s.archived[sessionID] = append(s.archived[sessionID], models.ArchivedMessage{Message: m, ArchivedAt: now})
	}
	delete(s.active, sessionID)
	return len(msgs), nil
}

func (s *MessageStore) ListArchived(_ context.Context, sessionID string) ([]models.ArchivedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.ArchivedMessage, len(s.archived[sessionID]))
	copy(out, s.archived[sessionID])
	return out, nil
}

func (s *MessageStore) GetSession(_ context.Context, sessionID string) (*models.Session, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	created, ok := s.sessions[sessionID]
	if !ok {
		return nil, false, nil
	}
	return &models.Session{ID: sessionID, CreatedAt: created}, true, nil
}

func (s *MessageStore) RecordTurn(_ context.Context, turn models.TurnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.turns[turn.SessionID] = append(s.turns[turn.SessionID], turn)
	return nil
}

// ListTurns returns the newest turns first.
func (s *MessageStore) ListTurns(_ context.Context, sessionID string, limit int) ([]models.TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.turns[sessionID]
	out := make([]models.TurnRecord, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, all[i])
	}
	return out, nil
}

// ConfigStore persists the knowledge config in memory.
type ConfigStore struct {
	mu  sync.Mutex
	cfg *models.KnowledgeConfig
}

func NewConfigStore() *ConfigStore {
	return &ConfigStore{}
}

func (c *ConfigStore) LoadKnowledgeConfig(_ context.Context) (*models.KnowledgeConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg == nil {
		return nil, nil
	}
	cfg := *c.cfg
	return &cfg, nil
}

func (c *ConfigStore) SaveKnowledgeConfig(_ context.Context, cfg models.KnowledgeConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cfg = &cfg
	return nil
}
