package retrieval

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/kb-agent/backend/internal/metrics"
	"github.com/kb-agent/backend/pkg/logger"
	"github.com/kb-agent/backend/pkg/utils"
)

type Gateway struct {
	store    VectorStore
	embedder Embedder
	cache    EmbeddingCache
	cacheTTL time.Duration
	model    string
}

type Option func(*Gateway)

// WithEmbeddingCache caches query and document embeddings. model is part of
// the cache key because vectors from different models are not comparable.
func WithEmbeddingCache(cache EmbeddingCache, model string, ttl time.Duration) Option {
	return func(g *Gateway) {
		g.cache = cache
		g.model = model
		g.cacheTTL = ttl
	}
}

func NewGateway(store VectorStore, embedder Embedder, opts ...Option) *Gateway {
	g := &Gateway{
		store:    store,
		embedder: embedder,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) Ready() (storeReady, embedderReady bool) {
	return g.store.Ready(), g.embedder.Ready()
}

func (g *Gateway) Embed(ctx context.Context, text string) ([]float32, error) {
	if !g.embedder.Ready() {
		return nil, ErrEmbeddingUnavailable
	}

	var key string
	if g.cache != nil {
		key = utils.HashString(g.model, text)
		vec, ok, err := g.cache.GetEmbedding(ctx, key)
		switch {
		case err != nil:
			logger.Warn("Embedding cache read failed", zap.Error(err))
		case ok:
			metrics.CacheHits.WithLabelValues("embedding").Inc()
			return vec, nil
		default:
			metrics.CacheMisses.WithLabelValues("embedding").Inc()
		}
	}

	vec, err := g.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to embed text: %w", ErrEmbeddingUnavailable, err)
	}
	vec = normalize(vec)

	if g.cache != nil {
		if err := g.cache.SetEmbedding(ctx, key, vec, g.cacheTTL); err != nil {
			logger.Warn("Embedding cache write failed", zap.Error(err))
		}
	}

	return vec, nil
}

// Search returns at most limit results with similarity >= minSimilarity,
// nearest first.
func (g *Gateway) Search(ctx context.Context, query string, limit int, minSimilarity float64) ([]SearchResult, error) {
	if !g.store.Ready() {
		return nil, ErrStoreNotReady
	}
	if limit <= 0 {
		return nil, nil
	}

	vec, err := g.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	neighbors, err := g.store.Search(ctx, vec, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search vector store: %w", err)
	}

	results := make([]SearchResult, 0, len(neighbors))
	for _, n := range neighbors {
		sim := Similarity(n.Distance)
		metrics.RetrievalSimilarity.Observe(sim)
		if sim < minSimilarity {
			continue
		}
		results = append(results, SearchResult{
			ID:         n.Record.ID,
			Title:      n.Record.Title,
			Text:       n.Record.Text,
			Metadata:   n.Record.Metadata,
			Similarity: sim,
		})
	}

	metrics.RetrievalResults.Observe(float64(len(results)))
	logger.Debug("Retrieval completed",
		zap.Int("candidates", len(neighbors)),
		zap.Int("kept", len(results)),
		zap.Float64("min_similarity", minSimilarity),
	)

	return results, nil
}

// Upsert replaces the record with the given id. It is delete followed by
// insert, so a concurrent reader may briefly see neither version.
func (g *Gateway) Upsert(ctx context.Context, record Record) error {
	if !g.store.Ready() {
		return ErrStoreNotReady
	}

	vec, err := g.Embed(ctx, indexText(record))
	if err != nil {
		return err
	}
	record.Vector = vec

	if err := g.store.DeleteByID(ctx, record.ID); err != nil {
		return fmt.Errorf("failed to delete previous record: %w", err)
	}
	if err := g.store.Insert(ctx, record); err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}

	metrics.DocumentsWritten.WithLabelValues("upsert").Inc()
	logger.Info("Record upserted", zap.String("id", record.ID), zap.String("title", record.Title))
	return nil
}

func (g *Gateway) Remove(ctx context.Context, id string) error {
	if !g.store.Ready() {
		return ErrStoreNotReady
	}
	if err := g.store.DeleteByID(ctx, id); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}

	metrics.DocumentsWritten.WithLabelValues("remove").Inc()
	return nil
}

func (g *Gateway) Get(ctx context.Context, id string) (*Record, error) {
	if !g.store.Ready() {
		return nil, ErrStoreNotReady
	}
	return g.store.Get(ctx, id)
}

func (g *Gateway) Scan(ctx context.Context, limit int) ([]Record, error) {
	if !g.store.Ready() {
		return nil, ErrStoreNotReady
	}
	return g.store.Scan(ctx, limit)
}

func indexText(r Record) string {
	if r.Title == "" {
		return r.Text
	}
	return r.Title + "\n\n" + r.Text
}

// Similarity maps a Euclidean distance between unit vectors to [0,1]. For
// unit vectors d² = 2 - 2cos, so this equals the cosine clamped at zero.
// Changing the metric means re-tuning similarityThreshold.
func Similarity(distance float64) float64 {
	if math.IsNaN(distance) {
		return 0
	}
	sim := 1 - distance*distance/2
	return math.Max(0, math.Min(1, sim))
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}
