// Package cache provides the one TTL cache used for every client-side cache:
// GitHub tokens, OAuth state, installation lookups and gateway sessions.
// Entries expire at storedAt+ttl and are evicted lazily on read or by Sweep.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/devilmonastery/syncday/internal/pkg/metrics"
)

type entry[V any] struct {
	Value     V         `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

type options struct {
	file string
	now  func() time.Time
}

// Option configures a Cache
type Option func(*options)

// WithFile persists the cache as JSON at path, surviving process restarts.
// Values must be JSON-serializable.
func WithFile(path string) Option {
	return func(o *options) { o.file = path }
}

// WithClock overrides the time source (tests)
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Cache is a concurrency-safe string-keyed cache with a single TTL policy
type Cache[V any] struct {
	name  string
	ttl   time.Duration
	file  string
	now   func() time.Time
	log   *slog.Logger
	loads singleflight.Group

	mu    sync.Mutex
	items map[string]entry[V]
}

// New creates a cache. A persisted file that cannot be read is logged and ignored.
func New[V any](name string, ttl time.Duration, opts ...Option) *Cache[V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Cache[V]{
		name:  name,
		ttl:   ttl,
		file:  o.file,
		now:   o.now,
		log:   slog.Default().With(slog.String("component", "cache"), slog.String("cache", name)),
		items: make(map[string]entry[V]),
	}

	if c.file != "" {
		if err := c.load(); err != nil {
			c.log.Warn("ignoring unreadable cache file",
				slog.String("path", c.file),
				slog.String("error", err.Error()))
		}
	}
	return c
}

// Get returns a live entry. Expired entries are evicted and reported as a miss.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *Cache[V]) getLocked(key string) (V, bool) {
	var zero V
	e, ok := c.items[key]
	if !ok {
		metrics.CacheMisses.WithLabelValues(c.name).Inc()
		return zero, false
	}
	if !c.now().Before(e.ExpiresAt) {
		delete(c.items, key)
		metrics.CacheEvictions.WithLabelValues(c.name, "expired").Inc()
		metrics.CacheMisses.WithLabelValues(c.name).Inc()
		c.updateSizeLocked()
		c.persistLocked()
		return zero, false
	}
	metrics.CacheHits.WithLabelValues(c.name).Inc()
	return e.Value, true
}

// Take returns a live entry and removes it (single-use values such as OAuth state)
func (c *Cache[V]) Take(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.getLocked(key)
	if ok {
		delete(c.items, key)
		c.updateSizeLocked()
		c.persistLocked()
	}
	return v, ok
}

// Set stores value under the default TTL
func (c *Cache[V]) Set(key string, value V) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL stores value with an explicit TTL
func (c *Cache[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = entry[V]{Value: value, ExpiresAt: c.now().Add(ttl)}
	c.updateSizeLocked()
	c.persistLocked()
}

// Delete removes key
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.items[key]; !ok {
		return
	}
	delete(c.items, key)
	metrics.CacheEvictions.WithLabelValues(c.name, "deleted").Inc()
	c.updateSizeLocked()
	c.persistLocked()
}

// Purge removes every entry
func (c *Cache[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.items) == 0 {
		return
	}
	metrics.CacheEvictions.WithLabelValues(c.name, "purged").Add(float64(len(c.items)))
	c.items = make(map[string]entry[V])
	c.updateSizeLocked()
	c.persistLocked()
}

// Sweep evicts expired entries and returns how many were removed
func (c *Cache[V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for k, e := range c.items {
		if !now.Before(e.ExpiresAt) {
			delete(c.items, k)
			removed++
		}
	}
	if removed > 0 {
		metrics.CacheEvictions.WithLabelValues(c.name, "expired").Add(float64(removed))
		c.updateSizeLocked()
		c.persistLocked()
	}
	return removed
}

// Len returns the number of stored entries, including expired ones not yet swept
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// GetOrLoad returns the cached value or calls load once for all concurrent
// callers of the same key. Errors are not cached. A caller whose ctx ends stops
// waiting; the shared load keeps running for the others.
func (c *Cache[V]) GetOrLoad(ctx context.Context, key string, load func(context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	ch := c.loads.DoChan(key, func() (interface{}, error) {
		// a previous flight may have filled it while we queued
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := load(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.Set(key, v)
		return v, nil
	})

	var zero V
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(V)
		return v, nil
	}
}

func (c *Cache[V]) updateSizeLocked() {
	metrics.CacheSize.WithLabelValues(c.name).Set(float64(len(c.items)))
}

func (c *Cache[V]) persistLocked() {
	if c.file == "" {
		return
	}
	if err := c.writeFileLocked(); err != nil {
		c.log.Warn("failed to persist cache",
			slog.String("path", c.file),
			slog.String("error", err.Error()))
	}
}

func (c *Cache[V]) writeFileLocked() error {
	data, err := json.MarshalIndent(c.items, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cache: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(c.file), 0o700); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmp := c.file + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write cache: %w", err)
	}
	return os.Rename(tmp, c.file)
}

func (c *Cache[V]) load() error {
	data, err := os.ReadFile(c.file)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	items := make(map[string]entry[V])
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("failed to parse cache file: %w", err)
	}

	now := c.now()
	for k, e := range items {
		if now.Before(e.ExpiresAt) {
			c.items[k] = e
		}
	}
	c.updateSizeLocked()
	return nil
}
