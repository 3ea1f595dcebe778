package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestTokenBucket(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	tb := NewTokenBucket(5, time.Second)
	tb.now = clock.Now
	tb.lastRefill = clock.Now()

	for i := 0; i < 5; i++ {
		assert.True(t, tb.Allow(), "token %d", i+1)
	}
	assert.False(t, tb.Allow())

	clock.Advance(time.Second)
	assert.True(t, tb.Allow())

	tb.tokens = 0
	tb.Reset()
	assert.Equal(t, tb.capacity, tb.tokens)
}

func TestSlidingWindow(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	sw := NewSlidingWindow(3, time.Second)
	sw.now = clock.Now

	for i := 0; i < 3; i++ {
		assert.True(t, sw.Allow())
		clock.Advance(200 * time.Millisecond)
	}
	assert.False(t, sw.Allow())

	// first request falls out of the window
	clock.Advance(400 * time.Millisecond)
	assert.True(t, sw.Allow())
	assert.False(t, sw.Allow())

	sw.Reset()
	assert.True(t, sw.Allow())
}

func TestWaitReturnsImmediatelyWhenAllowed(t *testing.T) {
	tb := NewTokenBucket(1, time.Hour)
	require.NoError(t, tb.Wait(context.Background()))
}

func TestWaitHonoursContext(t *testing.T) {
	limiters := map[string]Limiter{
		"token_bucket":   NewTokenBucket(1, time.Hour),
		"sliding_window": NewSlidingWindow(1, time.Hour),
	}

	for name, l := range limiters {
		t.Run(name, func(t *testing.T) {
			require.True(t, l.Allow())

			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			assert.ErrorIs(t, l.Wait(ctx), context.DeadlineExceeded)
		})
	}
}

func TestWaitUnblocksAfterRefill(t *testing.T) {
	tb := NewTokenBucket(1, 30*time.Millisecond)
	require.True(t, tb.Allow())

	start := time.Now()
	require.NoError(t, tb.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestNew(t *testing.T) {
	l, err := New("token_bucket", 60)
	require.NoError(t, err)
	assert.IsType(t, &TokenBucket{}, l)

	l, err = New("sliding_window", 60)
	require.NoError(t, err)
	assert.IsType(t, &SlidingWindow{}, l)

	_, err = New("leaky_bucket", 60)
	assert.Error(t, err)

	_, err = New("token_bucket", 0)
	assert.Error(t, err)
}

func TestConcurrentAllow(t *testing.T) {
	tb := NewTokenBucket(50, time.Hour)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tb.Allow() {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, allowed)
}
