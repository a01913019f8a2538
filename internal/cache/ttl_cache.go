// Package cache provides an in-memory TTL cache with in-flight request coalescing.
//
// All callers fetch through FetchWithDedup: a fresh cached value is returned
// directly, concurrent callers for the same key share one producer call, and
// only successful results are stored. The cache is TTL-agnostic; every caller
// picks the TTL that fits its data category.
package cache

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// DefaultPendingCeiling is the age after which an unsettled request is no
// longer joined and a fresh producer call is issued instead.
const DefaultPendingCeiling = 30 * time.Second

var (
	// ErrInvalidTTL is returned when a non-positive TTL is supplied.
	ErrInvalidTTL = errors.New("ttl must be positive")

	// ErrTypeMismatch is returned by Fetch when the cached value has another type.
	ErrTypeMismatch = errors.New("cached value type mismatch")
)

// Producer computes the value for a key on a cache miss.
type Producer func(ctx context.Context) (any, error)

// entry is immutable once stored; refreshes replace it.
type entry struct {
	value     any
	storedAt  time.Time
	expiresAt time.Time
}

// pendingRequest tracks the in-flight producer call for a key.
type pendingRequest struct {
	startedAt time.Time
}

// Cache is a process-scoped key/value store with expiry and request dedup.
//
// Entries carry their own TTL and are treated as absent once expired; Sweep
// reclaims them. Reads and writes are guarded by one mutex, while producer
// calls started by FetchWithDedup run outside it and are coalesced per key, so
// a slow upstream never blocks lookups of other keys.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	pending map[string]*pendingRequest
	group   singleflight.Group
	now     func() time.Time
	ceiling time.Duration
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithPendingCeiling overrides DefaultPendingCeiling.
func WithPendingCeiling(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.ceiling = d
		}
	}
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]entry),
		pending: make(map[string]*pendingRequest),
		now:     time.Now,
		ceiling: DefaultPendingCeiling,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached value for key if it has not expired.
// An expired entry is evicted and reported as a miss.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookup(key, c.now())
}

// lookup must be called with mu held.
func (c *Cache) lookup(key string, now time.Time) (any, bool) {
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !now.Before(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

// Set stores value under key until now+ttl, replacing any existing entry.
func (c *Cache) Set(key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTTL, ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.store(key, value, ttl, c.now())
	return nil
}

func (c *Cache) store(key string, value any, ttl time.Duration, now time.Time) {
	c.entries[key] = entry{
		value:     value,
		storedAt:  now,
		expiresAt: now.Add(ttl),
	}
}

// Invalidate evicts key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// InvalidateByPattern evicts every key matching re and returns how many were removed.
func (c *Cache) InvalidateByPattern(re *regexp.Regexp) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		if re.MatchString(key) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Sweep evicts all expired entries.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// FetchWithDedup returns the cached value for key or computes it with producer.
//
// A live entry is returned without calling producer. On a miss the producer
// result is stored for ttl and returned; a non-positive ttl is rejected with
// ErrInvalidTTL before anything runs.
//
// Concurrent callers for the same key share one producer call and receive the
// same result. A failure is propagated to every waiter and is not cached, so
// the next caller retries. A pending call older than the ceiling is abandoned:
// a fresh producer call is issued and the abandoned call's result is dropped.
//
// The producer runs on a context detached from the caller's cancellation so one
// caller leaving does not fail the others; a caller whose ctx ends stops
// waiting and gets ctx.Err().
func (c *Cache) FetchWithDedup(ctx context.Context, key string, ttl time.Duration, producer Producer) (any, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTTL, ttl)
	}

	c.mu.Lock()
	now := c.now()
	if v, ok := c.lookup(key, now); ok {
		c.mu.Unlock()
		return v, nil
	}

	p, inFlight := c.pending[key]
	if inFlight && now.Sub(p.startedAt) >= c.ceiling {
		log.Warn().
			Str("key", key).
			Dur("age", now.Sub(p.startedAt)).
			Msg("abandoning stuck in-flight request")
		c.group.Forget(key)
		inFlight = false
	}
	if !inFlight {
		p = &pendingRequest{startedAt: now}
		c.pending[key] = p
	}
	c.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	resCh := c.group.DoChan(key, func() (any, error) {
		return c.run(detached, key, ttl, p, producer)
	})

	select {
	case res := <-resCh:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// run executes producer for the pending request p and settles it.
func (c *Cache) run(ctx context.Context, key string, ttl time.Duration, p *pendingRequest, producer Producer) (any, error) {
	// A late joiner can start a new call after the previous one already
	// stored its value.
	c.mu.Lock()
	if v, ok := c.lookup(key, c.now()); ok {
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	v, err := producer(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	current := c.pending[key] == p
	if current {
		delete(c.pending, key)
	}
	if err != nil {
		return nil, err
	}
	if !current {
		log.Debug().Str("key", key).Msg("discarding result of abandoned request")
		return v, nil
	}

	c.store(key, v, ttl, c.now())
	return v, nil
}

// Fetch is the typed form of FetchWithDedup.
func Fetch[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, producer func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	v, err := c.FetchWithDedup(ctx, key, ttl, func(ctx context.Context) (any, error) {
		return producer(ctx)
	})
	if err != nil {
		return zero, err
	}

	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: key %q holds %T", ErrTypeMismatch, key, v)
	}
	return t, nil
}
