package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/kb-agent/backend/internal/retrieval"
)

// VectorStore is a brute-force Euclidean index. It is used when Milvus is
// disabled and in tests.
type VectorStore struct {
	mu      sync.RWMutex
	records map[string]retrieval.Record
	ready   atomic.Bool
}

func NewVectorStore() *VectorStore {
	s := &VectorStore{records: make(map[string]retrieval.Record)}
	s.ready.Store(true)
	return s
}

// SetReady lets tests simulate a store that is still initializing.
func (s *VectorStore) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *VectorStore) Ready() bool {
	return s.ready.Load()
}

func (s *VectorStore) Search(_ context.Context, vector []float32, limit int) ([]retrieval.Neighbor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]retrieval.Neighbor, 0, len(s.records))
	for _, r := range s.records {
		if len(r.Vector) != len(vector) {
			return nil, fmt.Errorf("vector dimension mismatch: record %s has %d, query has %d", r.ID, len(r.Vector), len(vector))
		}
		out = append(out, retrieval.Neighbor{Record: cloneRecord(r), Distance: euclidean(vector, r.Vector)})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Distance == out[j].Distance {
			return out[i].Record.ID < out[j].Record.ID
		}
		return out[i].Distance < out[j].Distance
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *VectorStore) Insert(_ context.Context, record retrieval.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[record.ID]; exists {
		return fmt.Errorf("record %s already exists", record.ID)
	}
	s.records[record.ID] = cloneRecord(record)
	return nil
}

func (s *VectorStore) DeleteByID(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, id)
	return nil
}

func (s *VectorStore) Get(_ context.Context, id string) (*retrieval.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[id]
	if !ok {
		return nil, retrieval.ErrNotFound
	}
	out := cloneRecord(r)
	return &out, nil
}

func (s *VectorStore) Scan(_ context.Context, limit int) ([]retrieval.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]retrieval.Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, cloneRecord(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneRecord(r retrieval.Record) retrieval.Record {
	out := r
	out.Vector = append([]float32(nil), r.Vector...)
	if r.Metadata != nil {
		out.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

func euclidean(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
