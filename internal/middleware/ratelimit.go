package middleware

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lumen-commerce/commerce_layer/internal/domain/identity"
)

// Decision is the outcome of one rate-limit check.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter counts requests per key in fixed windows. Implementations must
// update each key atomically; counts may overshoot under contention.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
}

// KeyFunc derives the rate-limit key from a request and its resolved actor.
type KeyFunc func(r *http.Request, actor identity.Actor) string

// KeyByActorOrIP keys authenticated requests by actor and anonymous ones by
// client IP.
func KeyByActorOrIP(r *http.Request, actor identity.Actor) string {
	if actor.IsAuthenticated() {
		return "actor:" + actor.ID()
	}
	return "ip:" + ClientIP(r)
}

// KeyByIP keys every request by client IP.
func KeyByIP(r *http.Request, _ identity.Actor) string {
	return "ip:" + ClientIP(r)
}

// ConstantKey shares one budget between all callers.
func ConstantKey(name string) KeyFunc {
	return func(*http.Request, identity.Actor) string { return "const:" + name }
}

// ClientIP returns the peer address of r without the port.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// =============================================================================
// In-memory fixed window
// =============================================================================

// InMemoryLimiter is a process-local fixed-window counter.
type InMemoryLimiter struct {
	mu    sync.Mutex
	items map[string]window
	now   func() time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

// NewInMemoryLimiter creates an empty limiter.
func NewInMemoryLimiter() *InMemoryLimiter {
	return &InMemoryLimiter{items: make(map[string]window), now: time.Now}
}

// WithClock injects the time source.
func (l *InMemoryLimiter) WithClock(now func() time.Time) *InMemoryLimiter {
	l.now = now
	return l
}

// Allow counts one request against key.
func (l *InMemoryLimiter) Allow(_ context.Context, key string, limit int, win time.Duration) (Decision, error) {
	if limit <= 0 {
		limit = 1
	}
	if win <= 0 {
		win = time.Minute
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	curr, ok := l.items[key]
	if !ok || !now.Before(curr.resetAt) {
		curr = window{resetAt: now.Add(win)}
	}
	curr.count++
	l.items[key] = curr

	remaining := limit - curr.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   curr.count <= limit,
		Count:     curr.count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   curr.resetAt,
	}, nil
}

// Cleanup drops expired windows and returns how many were removed.
func (l *InMemoryLimiter) Cleanup() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for k, v := range l.items {
		if !now.Before(v.resetAt) {
			delete(l.items, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (l *InMemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// =============================================================================
// Token-bucket burst allowance
// =============================================================================

// BurstLimiter keeps one token bucket per key.
type BurstLimiter struct {
	mu       sync.Mutex
	limiters map[string]*bucket
	now      func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewBurstLimiter creates an empty burst limiter.
func NewBurstLimiter() *BurstLimiter {
	return &BurstLimiter{limiters: make(map[string]*bucket), now: time.Now}
}

// WithClock injects the time source.
func (b *BurstLimiter) WithClock(now func() time.Time) *BurstLimiter {
	b.now = now
	return b
}

// Allow takes one token from key's bucket, creating it with perSecond refill
// and capacity tokens on first use.
func (b *BurstLimiter) Allow(key string, perSecond float64, capacity int) bool {
	now := b.now()

	b.mu.Lock()
	bk, ok := b.limiters[key]
	if !ok {
		bk = &bucket{limiter: rate.NewLimiter(rate.Limit(perSecond), capacity)}
		b.limiters[key] = bk
	}
	bk.lastSeen = now
	b.mu.Unlock()

	return bk.limiter.AllowN(now, 1)
}

// Cleanup removes buckets idle for longer than idle.
func (b *BurstLimiter) Cleanup(idle time.Duration) int {
	cutoff := b.now().Add(-idle)
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for k, bk := range b.limiters {
		if bk.lastSeen.Before(cutoff) {
			delete(b.limiters, k)
			removed++
		}
	}
	return removed
}
