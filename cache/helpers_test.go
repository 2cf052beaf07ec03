package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/kengibson1111/go-tenant-cache/internal"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

// The start instant is aligned to a 60s window boundary
func newTestClock() *testClock {
	return &testClock{now: time.Unix(1_700_000_040, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingSink struct {
	mu     sync.Mutex
	events []internal.Event
}

func (s *recordingSink) Emit(_ context.Context, event internal.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) byCategory(category internal.EventCategory) []internal.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []internal.Event
	for _, e := range s.events {
		if e.Category == category {
			out = append(out, e)
		}
	}
	return out
}

func testConfig(addr string) *internal.Config {
	cfg := internal.DefaultConfig()
	cfg.RedisAddr = addr
	cfg.Resilience.Cache.Retry.InitialDelay = time.Millisecond
	cfg.Resilience.Cache.Retry.MaxDelay = 2 * time.Millisecond
	return cfg
}

// newTestCache starts an in-process Redis and builds the full layer on it
func newTestCache(t *testing.T, opts ...Option) (*RedisCache, *miniredis.Miniredis, *testClock, *recordingSink) {
	t.Helper()

	mr := miniredis.RunT(t)
	clock := newTestClock()
	sink := &recordingSink{}

	all := append([]Option{WithClock(clock.Now), WithEventSink(sink)}, opts...)
	rc, err := NewRedisCache(testConfig(mr.Addr()), all...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })

	return rc, mr, clock, sink
}
