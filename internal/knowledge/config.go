package knowledge

import (
	"context"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/kb-agent/backend/internal/storage/models"
	"github.com/kb-agent/backend/pkg/logger"
)

type ConfigPersister interface {
	LoadKnowledgeConfig(ctx context.Context) (*models.KnowledgeConfig, error)
	SaveKnowledgeConfig(ctx context.Context, cfg models.KnowledgeConfig) error
}

// ConfigPatch is a partial update; nil fields keep their current value.
type ConfigPatch struct {
	MaxDocuments        *int     `json:"max_documents"`
	SimilarityThreshold *float64 `json:"similarity_threshold"`
	MaxContextLength    *int     `json:"max_context_length"`
}

// ConfigStore owns the live retrieval settings. Readers take a snapshot with
// Get; there is no way to observe a half-applied update.
type ConfigStore struct {
	mu        sync.RWMutex
	current   models.KnowledgeConfig
	defaults  models.KnowledgeConfig
	persister ConfigPersister
}

func NewConfigStore(defaults models.KnowledgeConfig, persister ConfigPersister) *ConfigStore {
	defaults = normalize(defaults, models.KnowledgeConfig{MaxDocuments: 5, SimilarityThreshold: 0.3, MaxContextLength: 4000})
	return &ConfigStore{
		current:   defaults,
		defaults:  defaults,
		persister: persister,
	}
}

// Load replaces the current settings with the persisted ones, if any.
func (s *ConfigStore) Load(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}

	saved, err := s.persister.LoadKnowledgeConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to load knowledge config: %w", err)
	}
	if saved == nil {
		return nil
	}

	s.mu.Lock()
	s.current = normalize(*saved, s.defaults)
	s.mu.Unlock()

	logger.Info("Knowledge config loaded",
		zap.Int("max_documents", saved.MaxDocuments),
		zap.Float64("similarity_threshold", saved.SimilarityThreshold),
		zap.Int("max_context_length", saved.MaxContextLength),
	)
	return nil
}

func (s *ConfigStore) Get() models.KnowledgeConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Update applies patch, restores any invalid field to its default and
// persists the result.
func (s *ConfigStore) Update(ctx context.Context, patch ConfigPatch) (models.KnowledgeConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current
	if patch.MaxDocuments != nil {
		next.MaxDocuments = *patch.MaxDocuments
	}
	if patch.SimilarityThreshold != nil {
		next.SimilarityThreshold = *patch.SimilarityThreshold
	}
	if patch.MaxContextLength != nil {
		next.MaxContextLength = *patch.MaxContextLength
	}
	next = normalize(next, s.defaults)

	if s.persister != nil {
		if err := s.persister.SaveKnowledgeConfig(ctx, next); err != nil {
			return s.current, fmt.Errorf("failed to persist knowledge config: %w", err)
		}
	}

	s.current = next
	logger.Info("Knowledge config updated",
		zap.Int("max_documents", next.MaxDocuments),
		zap.Float64("similarity_threshold", next.SimilarityThreshold),
		zap.Int("max_context_length", next.MaxContextLength),
	)
	return next, nil
}

func normalize(cfg, defaults models.KnowledgeConfig) models.KnowledgeConfig {
	if cfg.MaxDocuments < 1 {
		cfg.MaxDocuments = defaults.MaxDocuments
	}
	if math.IsNaN(cfg.SimilarityThreshold) || cfg.SimilarityThreshold < 0 || cfg.SimilarityThreshold > 1 {
		cfg.SimilarityThreshold = defaults.SimilarityThreshold
	}
	if cfg.MaxContextLength < 1 {
		cfg.MaxContextLength = defaults.MaxContextLength
	}
	return cfg
}
