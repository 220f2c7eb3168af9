package milvus

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/kb-agent/backend/internal/retrieval"
	"github.com/kb-agent/backend/pkg/config"
	"github.com/kb-agent/backend/pkg/logger"
	"github.com/kb-agent/backend/pkg/retry"
)

const (
	fieldID        = "id"
	fieldEmbedding = "embedding"
	fieldText      = "text"
	fieldTitle     = "title"
	fieldCreatedAt = "created_at"
	fieldUpdatedAt = "updated_at"
	fieldMetadata  = "metadata"
)

// maxQueryWindow is the largest offset+limit Milvus accepts for a query.
const maxQueryWindow = 16384

var outputFields = []string{fieldID, fieldText, fieldTitle, fieldCreatedAt, fieldUpdatedAt, fieldMetadata}

// Store is a retrieval.VectorStore backed by a Milvus (or Zilliz Cloud)
// collection. It reports not ready until Init has connected and loaded the
// collection.
type Store struct {
	cfg config.MilvusConfig

	mu     sync.RWMutex
	client client.Client
	ready  atomic.Bool
}

func NewStore(cfg config.MilvusConfig) *Store {
	return &Store{cfg: cfg}
}

// Init connects and ensures the collection, retrying until ctx is done.
func (s *Store) Init(ctx context.Context) error {
	err := retry.Do(ctx, retry.Config{
		MaxAttempts:    0,
		InitialDelay:   time.Second,
		MaxDelay:       30 * time.Second,
		Multiplier:     2,
		JitterFraction: 0.1,
		Name:           "milvus_init",
		Logger:         logger.GetLogger(),
	}, s.connect)
	if err != nil {
		return fmt.Errorf("failed to initialize milvus store: %w", err)
	}

	s.ready.Store(true)
	logger.Info("Milvus store ready",
		zap.String("endpoint", s.cfg.Endpoint),
		zap.String("collection", s.cfg.CollectionName),
	)
	return nil
}

func (s *Store) connect(ctx context.Context) error {
	c, err := client.NewClient(ctx, client.Config{
		Address:  s.cfg.Endpoint,
		APIKey:   s.cfg.APIKey,
		Username: s.cfg.Username,
		Password: s.cfg.Password,
	})
	if err != nil {
		return fmt.Errorf("failed to create milvus client: %w", err)
	}

	if err := s.ensureCollection(ctx, c); err != nil {
		c.Close()
		return err
	}

	s.mu.Lock()
	s.client = c
	s.mu.Unlock()
	return nil
}

func (s *Store) ensureCollection(ctx context.Context, c client.Client) error {
	has, err := c.HasCollection(ctx, s.cfg.CollectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if !has {
		if err := c.CreateCollection(ctx, s.schema(), entity.DefaultShardNumber); err != nil {
			return fmt.Errorf("failed to create collection: %w", err)
		}

		idx, err := entity.NewIndexHNSW(entity.L2, 16, 200)
		if err != nil {
			return fmt.Errorf("failed to build index params: %w", err)
		}
		if err := c.CreateIndex(ctx, s.cfg.CollectionName, fieldEmbedding, idx, false); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
		logger.Info("Collection created", zap.String("collection", s.cfg.CollectionName))
	}

	if err := c.LoadCollection(ctx, s.cfg.CollectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}
	return nil
}

func (s *Store) schema() *entity.Schema {
	varchar := func(name string, maxLen int) *entity.Field {
		return &entity.Field{
			Name:       name,
			DataType:   entity.FieldTypeVarChar,
			TypeParams: map[string]string{"max_length": strconv.Itoa(maxLen)},
		}
	}

	id := varchar(fieldID, 64)
	id.PrimaryKey = true

	return &entity.Schema{
		CollectionName: s.cfg.CollectionName,
		Description:    "Knowledge base documents",
		Fields: []*entity.Field{
			id,
			{
				Name:       fieldEmbedding,
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": strconv.Itoa(s.cfg.VectorDim)},
			},
			varchar(fieldText, 65535),
			varchar(fieldTitle, 1024),
			{Name: fieldCreatedAt, DataType: entity.FieldTypeInt64},
			{Name: fieldUpdatedAt, DataType: entity.FieldTypeInt64},
			varchar(fieldMetadata, 8192),
		},
	}
}

func (s *Store) Ready() bool {
	return s.ready.Load()
}

func (s *Store) conn() (client.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil || !s.ready.Load() {
		return nil, retrieval.ErrStoreNotReady
	}
	return s.client, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready.Store(false)
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) Search(ctx context.Context, vector []float32, limit int) ([]retrieval.Neighbor, error) {
	c, err := s.conn()
	if err != nil {
		return nil, err
	}

	sp, err := entity.NewIndexHNSWSearchParam(max(64, limit))
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	results, err := c.Search(
		ctx,
		s.cfg.CollectionName,
		[]string{},
		"",
		outputFields,
		[]entity.Vector{entity.FloatVector(vector)},
		fieldEmbedding,
		entity.L2,
		limit,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	neighbors := make([]retrieval.Neighbor, 0, limit)
	for _, sr := range results {
		records, err := decodeRecords(sr.Fields, sr.ResultCount)
		if err != nil {
			return nil, err
		}
		for i, r := range records {
			// L2 scores are squared distances.
			d := math.Sqrt(math.Max(0, float64(sr.Scores[i])))
			neighbors = append(neighbors, retrieval.Neighbor{Record: r, Distance: d})
		}
	}

	logger.Debug("Vector search completed", zap.Int("limit", limit), zap.Int("results", len(neighbors)))
	return neighbors, nil
}

func (s *Store) Insert(ctx context.Context, record retrieval.Record) error {
	c, err := s.conn()
	if err != nil {
		return err
	}

	meta, err := json.Marshal(record.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = c.Insert(
		ctx,
		s.cfg.CollectionName,
		"",
		entity.NewColumnVarChar(fieldID, []string{record.ID}),
		entity.NewColumnFloatVector(fieldEmbedding, s.cfg.VectorDim, [][]float32{record.Vector}),
		entity.NewColumnVarChar(fieldText, []string{record.Text}),
		entity.NewColumnVarChar(fieldTitle, []string{record.Title}),
		entity.NewColumnInt64(fieldCreatedAt, []int64{record.CreatedAt.UnixMilli()}),
		entity.NewColumnInt64(fieldUpdatedAt, []int64{record.UpdatedAt.UnixMilli()}),
		entity.NewColumnVarChar(fieldMetadata, []string{string(meta)}),
	)
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}

	if err := c.Flush(ctx, s.cfg.CollectionName, false); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

func (s *Store) DeleteByID(ctx context.Context, id string) error {
	c, err := s.conn()
	if err != nil {
		return err
	}

	if err := c.Delete(ctx, s.cfg.CollectionName, "", idExpr(id)); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*retrieval.Record, error) {
	c, err := s.conn()
	if err != nil {
		return nil, err
	}

	rs, err := c.Query(ctx, s.cfg.CollectionName, nil, idExpr(id), outputFields, client.WithLimit(1))
	if err != nil {
		return nil, fmt.Errorf("failed to query record: %w", err)
	}

	records, err := decodeRecords(rs, resultLen(rs))
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, retrieval.ErrNotFound
	}
	return &records[0], nil
}

// Scan returns up to limit records in no particular order. limit <= 0 means
// as many as a single query may return.
func (s *Store) Scan(ctx context.Context, limit int) ([]retrieval.Record, error) {
	c, err := s.conn()
	if err != nil {
		return nil, err
	}

	if limit <= 0 || limit > maxQueryWindow {
		limit = maxQueryWindow
	}

	rs, err := c.Query(ctx, s.cfg.CollectionName, nil, fieldID+` != ""`, outputFields, client.WithLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("failed to scan records: %w", err)
	}
	return decodeRecords(rs, resultLen(rs))
}

func idExpr(id string) string {
	return fmt.Sprintf("%s == %s", fieldID, strconv.Quote(id))
}

func resultLen(rs client.ResultSet) int {
	col := rs.GetColumn(fieldID)
	if col == nil {
		return 0
	}
	return col.Len()
}

func decodeRecords(rs client.ResultSet, n int) ([]retrieval.Record, error) {
	if n == 0 {
		return nil, nil
	}

	ids, ok := rs.GetColumn(fieldID).(*entity.ColumnVarChar)
	if !ok {
		return nil, fmt.Errorf("unexpected %s column type", fieldID)
	}
	texts, _ := rs.GetColumn(fieldText).(*entity.ColumnVarChar)
	titles, _ := rs.GetColumn(fieldTitle).(*entity.ColumnVarChar)
	created, _ := rs.GetColumn(fieldCreatedAt).(*entity.ColumnInt64)
	updated, _ := rs.GetColumn(fieldUpdatedAt).(*entity.ColumnInt64)
	metas, _ := rs.GetColumn(fieldMetadata).(*entity.ColumnVarChar)

	records := make([]retrieval.Record, 0, n)
	for i := 0; i < n; i++ {
		var r retrieval.Record
		var err error
		if r.ID, err = ids.ValueByIdx(i); err != nil {
			return nil, fmt.Errorf("failed to read id: %w", err)
		}
		if texts != nil {
			r.Text, _ = texts.ValueByIdx(i)
		}
		if titles != nil {
			r.Title, _ = titles.ValueByIdx(i)
		}
		if created != nil {
			ms, _ := created.ValueByIdx(i)
			r.CreatedAt = time.UnixMilli(ms).UTC()
		}
		if updated != nil {
			ms, _ := updated.ValueByIdx(i)
			r.UpdatedAt = time.UnixMilli(ms).UTC()
		}
		if metas != nil {
			raw, _ := metas.ValueByIdx(i)
			if raw != "" && raw != "null" {
				if err := json.Unmarshal([]byte(raw), &r.Metadata); err != nil {
					logger.Warn("Skipping malformed record metadata", zap.String("id", r.ID), zap.Error(err))
				}
			}
		}
		records = append(records, r)
	}
	return records, nil
}
