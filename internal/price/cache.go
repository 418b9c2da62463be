package price

import (
	"context"
	"sync"
	"time"

	"pump-signal-engine/internal/domain"
)

// SourceFeed is the name reported for quotes served from the trade cache.
const SourceFeed = "feed"

// CacheConfig configures the feed price cache.
type CacheConfig struct {
	// MaxAge is how old a cached trade price may be before the next source is consulted.
	MaxAge time.Duration `yaml:"max_age" default:"30s"`
	// Retention drops entries not updated within this horizon.
	Retention time.Duration `yaml:"retention" default:"30m"`
}

// Cache keeps the most recent trade price per mint as seen on the shared feed.
type Cache struct {
	cfg CacheConfig
	now func() time.Time

	mu     sync.RWMutex
	quotes map[string]Quote
	dirty  map[string]struct{}
}

var _ Source = (*Cache)(nil)

// NewCache creates an empty cache. now may be nil.
func NewCache(cfg CacheConfig, now func() time.Time) *Cache {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 30 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{
		cfg:    cfg,
		now:    now,
		quotes: make(map[string]Quote),
		dirty:  make(map[string]struct{}),
	}
}

// OnEvent records the price implied by a feed event. Used as a feed handler.
func (c *Cache) OnEvent(ev domain.TokenEvent) {
	p := ev.Price()
	if p <= 0 {
		return
	}

	c.mu.Lock()
	c.quotes[ev.Mint] = Quote{Mint: ev.Mint, Price: p, Source: SourceFeed, At: ev.Timestamp}
	c.dirty[ev.Mint] = struct{}{}
	c.mu.Unlock()
}

// Name returns the source name.
func (c *Cache) Name() string { return SourceFeed }

// GetPrice returns the cached quote if it is fresh enough.
func (c *Cache) GetPrice(_ context.Context, mint string) (Quote, error) {
	c.mu.RLock()
	q, ok := c.quotes[mint]
	c.mu.RUnlock()

	if !ok {
		return Quote{}, ErrUnavailable
	}
	if c.now().Sub(q.At) > c.cfg.MaxAge {
		return Quote{}, ErrUnavailable
	}
	return q, nil
}

// Drain returns quotes changed since the previous call.
func (c *Cache) Drain() []Quote {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.dirty) == 0 {
		return nil
	}
	out := make([]Quote, 0, len(c.dirty))
	for mint := range c.dirty {
		if q, ok := c.quotes[mint]; ok {
			out = append(out, q)
		}
	}
	c.dirty = make(map[string]struct{})
	return out
}

// Prune drops entries older than the retention horizon and returns how many were removed.
func (c *Cache) Prune() int {
	cutoff := c.now().Add(-c.cfg.Retention)

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for mint, q := range c.quotes {
		if q.At.Before(cutoff) {
			delete(c.quotes, mint)
			delete(c.dirty, mint)
			removed++
		}
	}
	return removed
}

// Len returns the number of cached mints.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.quotes)
}

// Run prunes the cache periodically until ctx is cancelled.
func (c *Cache) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Prune()
		}
	}
}
