package retrieval

import (
	"context"
	"errors"
	"time"
)

var (
	ErrStoreNotReady        = errors.New("vector store not ready")
	ErrEmbeddingUnavailable = errors.New("embedding service unavailable")
	ErrNotFound             = errors.New("record not found")
)

// Record is one indexed document as the vector store holds it. Metadata is
// flat: values are strings, numbers or booleans.
type Record struct {
	ID        string
	Vector    []float32
	Text      string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
	Metadata  map[string]any
}

// Neighbor is a store hit. Distance is the Euclidean distance between the
// query vector and the record vector.
type Neighbor struct {
	Record   Record
	Distance float64
}

type SearchResult struct {
	ID         string
	Title      string
	Text       string
	Metadata   map[string]any
	Similarity float64
}

// VectorStore is the nearest-neighbour index. Insert after DeleteByID is the
// only update path; stores do not patch records in place.
type VectorStore interface {
	Ready() bool
	Search(ctx context.Context, vector []float32, limit int) ([]Neighbor, error)
	Insert(ctx context.Context, record Record) error
	DeleteByID(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*Record, error)
	Scan(ctx context.Context, limit int) ([]Record, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Ready() bool
}

type EmbeddingCache interface {
	GetEmbedding(ctx context.Context, key string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, key string, embedding []float32, ttl time.Duration) error
}
