package knowledge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kb-agent/backend/internal/retrieval"
	"github.com/kb-agent/backend/pkg/logger"
)

var (
	ErrInvalidDocument = errors.New("invalid document")
	ErrNotFound        = errors.New("document not found")
)

type Document struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Content   string         `json:"content"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type DocumentInput struct {
	Title    string         `json:"title"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type DocumentPatch struct {
	Title    *string        `json:"title"`
	Content  *string        `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

// Index is the part of retrieval.Gateway the service needs.
type Index interface {
	Search(ctx context.Context, query string, limit int, minSimilarity float64) ([]retrieval.SearchResult, error)
	Upsert(ctx context.Context, record retrieval.Record) error
	Remove(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*retrieval.Record, error)
	Scan(ctx context.Context, limit int) ([]retrieval.Record, error)
}

type Service struct {
	index  Index
	config *ConfigStore
	now    func() time.Time
}

func NewService(index Index, config *ConfigStore) *Service {
	return &Service{index: index, config: config, now: time.Now}
}

func (s *Service) Config() *ConfigStore {
	return s.config
}

func (s *Service) Create(ctx context.Context, in DocumentInput) (*Document, error) {
	if err := validateInput(in.Title, in.Content); err != nil {
		return nil, err
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	doc := &Document{
		ID:        uuid.New().String(),
		Title:     strings.TrimSpace(in.Title),
		Content:   in.Content,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  flatten(in.Metadata),
	}

	if err := s.index.Upsert(ctx, toRecord(doc)); err != nil {
		return nil, fmt.Errorf("failed to index document: %w", err)
	}

	logger.Info("Document created", zap.String("id", doc.ID), zap.String("title", doc.Title))
	return doc, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Document, error) {
	rec, err := s.index.Get(ctx, id)
	if errors.Is(err, retrieval.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return fromRecord(rec), nil
}

// List returns up to limit documents, newest first.
func (s *Service) List(ctx context.Context, limit int) ([]Document, error) {
	// Scan order is unspecified; the page is cut after sorting the whole scan.
	recs, err := s.index.Scan(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}

	docs := make([]Document, 0, len(recs))
	for i := range recs {
		docs = append(docs, *fromRecord(&recs[i]))
	}
	sort.SliceStable(docs, func(i, j int) bool {
		if !docs[i].UpdatedAt.Equal(docs[j].UpdatedAt) {
			return docs[i].UpdatedAt.After(docs[j].UpdatedAt)
		}
		return docs[i].ID < docs[j].ID
	})
	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

// Update merges patch into the stored document and replaces it. The id and
// createdAt never change; updatedAt always moves forward.
func (s *Service) Update(ctx context.Context, id string, patch DocumentPatch) (*Document, error) {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Title != nil {
		doc.Title = strings.TrimSpace(*patch.Title)
	}
	if patch.Content != nil {
		doc.Content = *patch.Content
	}
	if patch.Metadata != nil {
		doc.Metadata = flatten(patch.Metadata)
	}
	if err := validateInput(doc.Title, doc.Content); err != nil {
		return nil, err
	}

	updated := s.now().UTC().Truncate(time.Millisecond)
	if !updated.After(doc.UpdatedAt) {
		updated = doc.UpdatedAt.Add(time.Millisecond)
	}
	doc.UpdatedAt = updated

	if err := s.index.Upsert(ctx, toRecord(doc)); err != nil {
		return nil, fmt.Errorf("failed to reindex document: %w", err)
	}

	logger.Info("Document updated", zap.String("id", doc.ID))
	return doc, nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.index.Remove(ctx, id); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	logger.Info("Document deleted", zap.String("id", id))
	return nil
}

// Search runs the same retrieval a chat turn would, with the live config.
func (s *Service) Search(ctx context.Context, query string) ([]retrieval.SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidDocument)
	}
	cfg := s.config.Get()
	return s.index.Search(ctx, query, cfg.MaxDocuments, cfg.SimilarityThreshold)
}

func validateInput(title, content string) error {
	if strings.TrimSpace(title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidDocument)
	}
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: content is required", ErrInvalidDocument)
	}
	return nil
}

// flatten drops nested values; the index only stores flat metadata.
func flatten(meta map[string]any) map[string]any {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		switch v.(type) {
		case string, bool, float64, float32, int, int64, int32:
			out[k] = v
		case nil:
		default:
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}

func toRecord(d *Document) retrieval.Record {
	return retrieval.Record{
		ID:        d.ID,
		Title:     d.Title,
		Text:      d.Content,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
		Metadata:  d.Metadata,
	}
}

func fromRecord(r *retrieval.Record) *Document {
	return &Document{
		ID:        r.ID,
		Title:     r.Title,
		Content:   r.Text,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		Metadata:  r.Metadata,
	}
}
