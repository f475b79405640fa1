package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestKeyedLimitsPerKey(t *testing.T) {
	l := New(time.Hour, 2)
	a, b := uuid.NewString(), uuid.NewString()

	assert.True(t, l.Allow(a))
	assert.True(t, l.Allow(a))
	assert.False(t, l.Allow(a))

	assert.True(t, l.Allow(b), "buckets are independent")
}

func TestUnlimited(t *testing.T) {
	l := Unlimited()
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("anonymous"))
	}
	assert.Zero(t, l.Len())
}

func TestIdleBucketsAreEvicted(t *testing.T) {
	clock := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	l := New(time.Minute, 2)
	l.now = func() time.Time { return clock }

	for range 50 {
		l.Allow(uuid.NewString())
	}
	busy := "busy"
	assert.True(t, l.Allow(busy))
	assert.True(t, l.Allow(busy))
	assert.False(t, l.Allow(busy))
	assert.Equal(t, 51, l.Len())

	clock = clock.Add(90 * time.Second)
	assert.True(t, l.Allow(busy), "one token back after 90s")
	assert.Equal(t, 51, l.Len(), "nothing is idle for a full refill yet")

	clock = clock.Add(45 * time.Second)
	assert.True(t, l.Allow(busy))
	assert.Equal(t, 1, l.Len())
	assert.False(t, l.Allow(busy), "the busy bucket kept its state through the sweep")
}

func TestEvictedKeyStartsWithFullBurst(t *testing.T) {
	clock := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	l := New(time.Minute, 3)
	l.now = func() time.Time { return clock }

	for range 3 {
		assert.True(t, l.Allow("k"))
	}
	assert.False(t, l.Allow("k"))

	clock = clock.Add(3 * time.Minute)
	l.Allow("other")
	assert.Equal(t, 1, l.Len())
	for range 3 {
		assert.True(t, l.Allow("k"))
	}
	assert.False(t, l.Allow("k"))
}

func TestKeyPrefersActorThenClient(t *testing.T) {
	id := uuid.New()
	ctx := WithClient(context.Background(), "203.0.113.7")

	assert.Equal(t, id.String(), Key(ctx, id))
	assert.Equal(t, "client:203.0.113.7", Key(ctx, uuid.Nil))
	assert.Equal(t, "anonymous", Key(context.Background(), uuid.Nil))
}

func TestAllowIsSafeForConcurrentUse(t *testing.T) {
	l := New(time.Millisecond, 5)
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 200 {
				l.Allow(uuid.NewSHA1(uuid.NameSpaceOID, []byte{byte(i), byte(j % 10)}).String())
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, l.Len(), 80)
}
