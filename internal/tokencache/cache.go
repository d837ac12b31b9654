// Package tokencache holds one expiring credential for the component that owns
// it. Values are refreshed lazily on access once they enter the safety margin
// before expiry; concurrent callers share a single refresh.
package tokencache

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Fetcher obtains a fresh credential and its absolute expiry.
type Fetcher func(ctx context.Context) (value string, expiresAt time.Time, err error)

// DefaultMargin is how long before expiry a cached value stops being served.
const DefaultMargin = 60 * time.Second

// DefaultFetchTimeout bounds one refresh.
const DefaultFetchTimeout = 10 * time.Second

// Cache is safe for concurrent use.
type Cache struct {
	fetch        Fetcher
	margin       time.Duration
	fetchTimeout time.Duration
	now          func() time.Time

	mu        sync.Mutex
	value     string
	expiresAt time.Time
	inflight  *call
}

type call struct {
	done  chan struct{}
	value string
	err   error
}

// Option configures a Cache.
type Option func(*Cache)

// WithMargin overrides DefaultMargin.
func WithMargin(d time.Duration) Option {
	return func(c *Cache) { c.margin = d }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithFetchTimeout overrides DefaultFetchTimeout.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Cache) { c.fetchTimeout = d }
}

// New creates an empty cache backed by fetch.
func New(fetch Fetcher, opts ...Option) *Cache {
	c := &Cache{
		fetch:        fetch,
		margin:       DefaultMargin,
		fetchTimeout: DefaultFetchTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached value, refreshing it first when missing or within
// the margin of expiry. A caller whose ctx ends while waiting gets ctx.Err();
// the refresh itself continues for the other waiters.
func (c *Cache) Get(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.freshLocked() {
		v := c.value
		c.mu.Unlock()
		return v, nil
	}
	cl := c.inflight
	if cl == nil {
		cl = &call{done: make(chan struct{})}
		c.inflight = cl
		go c.refresh(context.WithoutCancel(ctx), cl)
	}
	c.mu.Unlock()

	select {
	case <-cl.done:
		return cl.value, cl.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Invalidate drops the cached value.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.value = ""
	c.expiresAt = time.Time{}
	c.mu.Unlock()
}

// ExpiresAt reports the expiry of the cached value (zero when empty).
func (c *Cache) ExpiresAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expiresAt
}

func (c *Cache) freshLocked() bool {
	if c.value == "" {
		return false
	}
	return c.now().Add(c.margin).Before(c.expiresAt)
}

func (c *Cache) refresh(ctx context.Context, cl *call) {
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	value, expiresAt, err := c.fetch(ctx)
	if err == nil && value == "" {
		err = errors.New("tokencache: fetcher returned an empty value")
	}

	c.mu.Lock()
	if err == nil {
		c.value = value
		c.expiresAt = expiresAt
	}
	c.inflight = nil
	c.mu.Unlock()

	cl.value, cl.err = value, err
	close(cl.done)
}
