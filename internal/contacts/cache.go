package contacts

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultRefreshInterval = 15 * time.Minute
	DefaultConcurrency     = 10
)

// DefaultFieldTypes are the directory field types that hold phone numbers.
var DefaultFieldTypes = []string{"TEL", "TEL_VOICE", "TEL_MOBILE"}

// Clock provides the current time. Defaults to time.Now; override in tests.
type Clock func() time.Time

// Cache loads the directory into snapshots. Readers always see either the
// previous or the next complete snapshot, never a partial one.
type Cache struct {
	dir         Directory
	fieldTypes  []string
	concurrency int
	clock       Clock
	log         *slog.Logger

	current atomic.Pointer[Snapshot]
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithConcurrency bounds the number of simultaneous detail fetches.
func WithConcurrency(n int) CacheOption {
	return func(c *Cache) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithFieldTypes sets the directory field types to list.
func WithFieldTypes(types []string) CacheOption {
	return func(c *Cache) {
		if len(types) > 0 {
			c.fieldTypes = types
		}
	}
}

// WithCacheClock sets the time source used to stamp snapshots.
func WithCacheClock(clock Clock) CacheOption {
	return func(c *Cache) { c.clock = clock }
}

// WithCacheLogger sets the logger.
func WithCacheLogger(l *slog.Logger) CacheOption {
	return func(c *Cache) { c.log = l }
}

// NewCache creates an empty cache backed by dir.
func NewCache(dir Directory, opts ...CacheOption) *Cache {
	c := &Cache{
		dir:         dir,
		fieldTypes:  DefaultFieldTypes,
		concurrency: DefaultConcurrency,
		clock:       time.Now,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Snapshot returns the current snapshot, or nil before the first successful load.
func (c *Cache) Snapshot() *Snapshot {
	return c.current.Load()
}

// Store publishes a snapshot.
func (c *Cache) Store(s *Snapshot) {
	c.current.Store(s)
}

// Refresh reloads the whole directory. On error the previous snapshot stays in place.
func (c *Cache) Refresh(ctx context.Context) error {
	if c.dir == nil {
		return ErrNotConfigured
	}
	start := c.clock()

	var items []ListItem
	for _, t := range c.fieldTypes {
		page, err := c.dir.ListItems(ctx, t)
		if err != nil {
			return fmt.Errorf("listing %s fields: %w", t, err)
		}
		items = append(items, page...)
	}
	c.log.Debug("directory listing complete", "items", len(items))

	// Results are written by index so directory order survives the fan-out.
	results := make([]*Entry, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, item := range items {
		g.Go(func() error {
			detail, err := c.dir.Detail(gctx, item.Href)
			if err != nil {
				return fmt.Errorf("fetching %s: %w", item.Href, err)
			}
			if detail.Value == "" || detail.Contact == nil {
				return nil
			}
			e := NewEntry(detail.Value, Contact{
				Name:      detail.Contact.Caption,
				ContactID: detail.Contact.Value,
			})
			results[i] = &e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	entries := make([]Entry, 0, len(results))
	for _, e := range results {
		if e != nil {
			entries = append(entries, *e)
		}
	}
	c.Store(NewSnapshot(entries, c.clock()))
	c.log.Info("directory loaded", "entries", len(entries), "took", c.clock().Sub(start).String())
	return nil
}

// Run refreshes immediately and then every interval until ctx is done.
// Failures are logged; the next tick retries.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	c.refreshLogged(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refreshLogged(ctx)
		}
	}
}

func (c *Cache) refreshLogged(ctx context.Context) {
	if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
		c.log.Warn("directory refresh failed, keeping previous snapshot",
			"error", err, "entries", c.Snapshot().Len())
	}
}
