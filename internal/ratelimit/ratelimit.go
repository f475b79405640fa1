// Package ratelimit keeps one token bucket per caller.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

type clientKey struct{}

// WithClient records the network address a request came from.
func WithClient(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, clientKey{}, addr)
}

// Key names the bucket of a caller: the actor id, or for anonymous callers
// the client address recorded in ctx. Anonymous callers without an address
// share one bucket.
func Key(ctx context.Context, id uuid.UUID) string {
	if id != uuid.Nil {
		return id.String()
	}
	if addr, _ := ctx.Value(clientKey{}).(string); addr != "" {
		return "client:" + addr
	}
	return "anonymous"
}

type bucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// Keyed hands out a rate.Limiter per key. A bucket left alone long enough to
// refill completely is dropped; a fresh one behaves the same.
type Keyed struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	every   time.Duration
	burst   int
	idle    time.Duration
	swept   time.Time
	now     func() time.Time
}

// New allows burst requests at once and one more every interval per key.
func New(every time.Duration, burst int) *Keyed {
	return &Keyed{
		buckets: make(map[string]*bucket),
		every:   every,
		burst:   burst,
		idle:    every * time.Duration(max(burst, 1)),
		now:     time.Now,
	}
}

// Unlimited never rejects.
func Unlimited() *Keyed {
	return &Keyed{buckets: make(map[string]*bucket), now: time.Now}
}

// Allow reports whether key may proceed now.
func (k *Keyed) Allow(key string) bool {
	if k.burst <= 0 {
		return true
	}
	now := k.now()

	k.mu.Lock()
	if now.Sub(k.swept) >= k.idle {
		k.sweep(now)
	}
	b, ok := k.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Every(k.every), k.burst)}
		k.buckets[key] = b
	}
	b.seen = now
	k.mu.Unlock()

	return b.limiter.AllowN(now, 1)
}

// Len reports how many buckets are held.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.buckets)
}

func (k *Keyed) sweep(now time.Time) {
	for key, b := range k.buckets {
		if now.Sub(b.seen) >= k.idle {
			delete(k.buckets, key)
		}
	}
	k.swept = now
}
