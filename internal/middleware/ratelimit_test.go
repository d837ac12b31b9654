package middleware

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/lumen-commerce/commerce_layer/internal/domain/identity"
	"github.com/lumen-commerce/commerce_layer/internal/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestInMemoryLimiterFixedWindow(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	lim := NewInMemoryLimiter().WithClock(clk.Now)
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		d, _ := lim.Allow(ctx, "k", 10, time.Minute)
		if !d.Allowed {
			t.Fatalf("request %d denied", i)
		}
	}
	d, _ := lim.Allow(ctx, "k", 10, time.Minute)
	if d.Allowed || d.Remaining != 0 {
		t.Fatalf("11th request = %+v, want denied", d)
	}

	other, _ := lim.Allow(ctx, "other", 10, time.Minute)
	if !other.Allowed {
		t.Fatal("keys must not share budgets")
	}

	clk.Advance(time.Minute)
	d, _ = lim.Allow(ctx, "k", 10, time.Minute)
	if !d.Allowed || d.Count != 1 {
		t.Fatalf("first request of next window = %+v", d)
	}
}

func TestInMemoryLimiterCleanup(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	lim := NewInMemoryLimiter().WithClock(clk.Now)
	lim.Allow(context.Background(), "a", 1, time.Second)
	lim.Allow(context.Background(), "b", 1, time.Hour)

	clk.Advance(2 * time.Second)
	if removed := lim.Cleanup(); removed != 1 {
		t.Fatalf("Cleanup() = %d, want 1", removed)
	}
	if lim.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", lim.Len())
	}
}

func TestInMemoryLimiterConcurrentCountsAreBounded(t *testing.T) {
	lim := NewInMemoryLimiter()
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, _ := lim.Allow(context.Background(), "shared", 25, time.Minute)
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 25 {
		t.Fatalf("allowed = %d, want 25", allowed)
	}
}

func TestBurstLimiter(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := NewBurstLimiter().WithClock(clk.Now)

	for i := 0; i < 3; i++ {
		if !b.Allow("k", 1, 3) {
			t.Fatalf("token %d denied", i)
		}
	}
	if b.Allow("k", 1, 3) {
		t.Fatal("bucket should be empty")
	}
	clk.Advance(time.Second)
	if !b.Allow("k", 1, 3) {
		t.Fatal("bucket should refill one token per second")
	}

	clk.Advance(time.Hour)
	if removed := b.Cleanup(time.Minute); removed != 1 {
		t.Fatalf("Cleanup() = %d, want 1", removed)
	}
}

func TestRedisLimiterSharedCounters(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	a := NewRedisLimiter(client, nil, nil)
	b := NewRedisLimiter(client, nil, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if d, err := a.Allow(ctx, "route:ip:1", 10, time.Minute); err != nil || !d.Allowed {
			t.Fatalf("instance a request %d: %+v, %v", i, d, err)
		}
		if d, err := b.Allow(ctx, "route:ip:1", 10, time.Minute); err != nil || !d.Allowed {
			t.Fatalf("instance b request %d: %+v, %v", i, d, err)
		}
	}
	d, err := a.Allow(ctx, "route:ip:1", 10, time.Minute)
	if err != nil || d.Allowed {
		t.Fatalf("11th shared request = %+v, %v; want denied", d, err)
	}

	mr.FastForward(time.Minute + time.Millisecond)
	d, err = b.Allow(ctx, "route:ip:1", 10, time.Minute)
	if err != nil || !d.Allowed || d.Count != 1 {
		t.Fatalf("next window = %+v, %v", d, err)
	}
}

func TestRedisLimiterFallsBackWhenUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	m := metrics.New("test")
	lim := NewRedisLimiter(client, nil, m)

	d, err := lim.Allow(context.Background(), "k", 1, time.Minute)
	if err != nil || !d.Allowed {
		t.Fatalf("fallback first request = %+v, %v", d, err)
	}
	d, _ = lim.Allow(context.Background(), "k", 1, time.Minute)
	if d.Allowed {
		t.Fatal("fallback must still enforce the limit")
	}
	if lim.Fallback().Len() != 1 {
		t.Fatal("fallback limiter should hold the key")
	}
}

func TestKeyFuncs(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "203.0.113.7:5555"

	if got := KeyByActorOrIP(r, identity.Anonymous()); got != "ip:203.0.113.7" {
		t.Fatalf("anonymous key = %s", got)
	}
	if got := KeyByActorOrIP(r, identity.ClientUser("u1", "member")); got != "actor:u1" {
		t.Fatalf("actor key = %s", got)
	}
	if got := ConstantKey("webhook:stripe")(r, identity.Anonymous()); got != "const:webhook:stripe" {
		t.Fatalf("constant key = %s", got)
	}
}
