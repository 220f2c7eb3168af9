package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kb-agent/backend/internal/metrics"
	"github.com/kb-agent/backend/pkg/logger"
)

// Gate admits one generation call at a time. A stream keeps the slot until
// it is closed, so a second turn waits for the first turn's forward pass to
// finish. Waiting is abandoned when the caller's context is done.
type Gate struct {
	next Generator
	slot chan struct{}
}

func NewGate(next Generator) *Gate {
	return &Gate{
		next: next,
		slot: make(chan struct{}, 1),
	}
}

func (g *Gate) acquire(ctx context.Context) error {
	start := time.Now()
	select {
	case g.slot <- struct{}{}:
		metrics.GenerationWait.Observe(time.Since(start).Seconds())
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for generation slot: %w", ctx.Err())
	}
}

func (g *Gate) release() {
	<-g.slot
}

func (g *Gate) Invoke(ctx context.Context, messages []Message) (string, error) {
	if err := g.acquire(ctx); err != nil {
		return "", err
	}
	defer g.release()

	return g.next.Invoke(ctx, messages)
}

func (g *Gate) Stream(ctx context.Context, messages []Message) (TokenStream, error) {
	if err := g.acquire(ctx); err != nil {
		return nil, err
	}

	stream, err := g.next.Stream(ctx, messages)
	if err != nil {
		g.release()
		return nil, err
	}

	return &gatedStream{TokenStream: stream, release: g.release}, nil
}

type gatedStream struct {
	TokenStream
	once    sync.Once
	release func()
}

func (s *gatedStream) Close() error {
	err := s.TokenStream.Close()
	s.once.Do(func() {
		s.release()
		logger.Debug("Generation slot released", zap.Error(err))
	})
	return err
}
