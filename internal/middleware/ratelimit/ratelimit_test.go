package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingStore struct {
	count int
	err   error
}

func (s *countingStore) Allow(_ context.Context, _ string, limit int, _ time.Duration) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	s.count++
	return s.count <= limit, nil
}

func newApp(rl *RateLimiter) *fiber.App {
	app := fiber.New()
	app.Use(rl.Middleware())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString("ok") })
	return app
}

func TestLocalBucketsLimitPerKey(t *testing.T) {
	rl := New(Config{MaxRequestsPerMinute: 2})
	defer rl.Stop()
	ctx := context.Background()

	assert.True(t, rl.allow(ctx, "10.0.0.1"))
	assert.True(t, rl.allow(ctx, "10.0.0.1"))
	assert.False(t, rl.allow(ctx, "10.0.0.1"))
	assert.True(t, rl.allow(ctx, "10.0.0.2"))
}

func TestClientHeadersDoNotSplitBuckets(t *testing.T) {
	rl := New(Config{MaxRequestsPerMinute: 2})
	defer rl.Stop()
	app := newApp(rl)

	var allowed, limited int
	for i := 0; i < 50; i++ {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-Session-ID", fmt.Sprintf("s%d", i))
		resp, err := app.Test(req)
		require.NoError(t, err)
		switch resp.StatusCode {
		case fiber.StatusOK:
			allowed++
		case fiber.StatusTooManyRequests:
			limited++
		}
	}
	assert.Equal(t, 2, allowed)
	assert.Equal(t, 48, limited)

	rl.mu.RLock()
	defer rl.mu.RUnlock()
	require.Len(t, rl.buckets, 1)
	for key := range rl.buckets {
		assert.NotNil(t, net.ParseIP(key), "bucket key %q is not an IP", key)
	}
}

func TestSharedStore(t *testing.T) {
	store := &countingStore{}
	rl := New(Config{MaxRequestsPerMinute: 1, Store: store})
	defer rl.Stop()

	assert.True(t, rl.allow(context.Background(), "k"))
	assert.False(t, rl.allow(context.Background(), "k"))
	assert.Equal(t, 2, store.count)
}

func TestSharedStoreFailureFallsBack(t *testing.T) {
	rl := New(Config{MaxRequestsPerMinute: 1, Store: &countingStore{err: errors.New("down")}})
	defer rl.Stop()

	assert.True(t, rl.allow(context.Background(), "k"))
	assert.False(t, rl.allow(context.Background(), "k"))
}
