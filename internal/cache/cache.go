// Package cache holds the single most recent aggregate and refreshes it on
// read once it is older than the configured TTL.
package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/mfnews-scraper/internal/clock/system"
	"github.com/JakeFAU/mfnews-scraper/internal/metrics"
	"github.com/JakeFAU/mfnews-scraper/internal/news"
)

// DefaultTopic labels refresh events when none is configured.
const DefaultTopic = "refresh"

// Collector produces a fresh aggregate; scraper.Aggregator is the production one.
type Collector interface {
	Collect(ctx context.Context, budget int) news.Aggregate
}

// Config tunes the cache.
type Config struct {
	TTL        time.Duration
	PageBudget int
	Topic      string
}

// Cache is safe for concurrent use. At most one refresh runs at a time;
// concurrent stale readers share its result.
type Cache struct {
	cfg       Config
	collector Collector
	clock     news.Clock
	publisher news.Publisher
	ids       news.IDGenerator
	logger    *zap.Logger

	mu    sync.RWMutex
	entry news.Snapshot

	flight singleflight.Group
}

// Option customizes a Cache.
type Option func(*Cache)

// WithClock overrides the wall clock.
func WithClock(c news.Clock) Option {
	return func(cache *Cache) {
		cache.clock = c
	}
}

// WithPublisher announces every refresh.
func WithPublisher(p news.Publisher, ids news.IDGenerator) Option {
	return func(cache *Cache) {
		cache.publisher = p
		cache.ids = ids
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(cache *Cache) {
		if l != nil {
			cache.logger = l
		}
	}
}

// New builds an empty cache; the first Read populates it.
func New(cfg Config, collector Collector, opts ...Option) *Cache {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	c := &Cache{
		cfg:       cfg,
		collector: collector,
		clock:     system.New(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the freshness window.
func (c *Cache) TTL() time.Duration {
	return c.cfg.TTL
}

// Read returns the entry when fresh, otherwise refreshes synchronously.
// A reader whose context ends while waiting gets the current entry; the
// refresh itself keeps running and still updates the cache.
func (c *Cache) Read(ctx context.Context) news.Snapshot {
	if snap, ok := c.fresh(); ok {
		metrics.ObserveCacheRead(true)
		return snap
	}
	metrics.ObserveCacheRead(false)
	return c.refresh(ctx, false)
}

// Peek returns the current entry without refreshing. A zero ProducedAt means never refreshed.
func (c *Cache) Peek() news.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entry
}

// Refresh recomputes the entry regardless of age. It joins a refresh already
// in flight only when that one actually recomputes; a flight that found the
// entry fresh is not enough.
func (c *Cache) Refresh(ctx context.Context) news.Snapshot {
	return c.refresh(ctx, true)
}

// Fresh reports whether snap is within the TTL at now.
func (c *Cache) Fresh(snap news.Snapshot, now time.Time) bool {
	if snap.ProducedAt.IsZero() {
		return false
	}
	return snap.Age(now) <= c.cfg.TTL
}

func (c *Cache) fresh() (news.Snapshot, bool) {
	snap := c.Peek()
	return snap, c.Fresh(snap, c.clock.Now())
}

type flightResult struct {
	snap       news.Snapshot
	recomputed bool
}

func (c *Cache) refresh(ctx context.Context, force bool) news.Snapshot {
	detached := context.WithoutCancel(ctx)
	for {
		ch := c.flight.DoChan("refresh", func() (any, error) {
			// A reader may have queued behind a refresh that just finished.
			if snap, ok := c.fresh(); ok && !force {
				return flightResult{snap: snap}, nil
			}
			return flightResult{snap: c.run(detached), recomputed: true}, nil
		})

		select {
		case res := <-ch:
			out := res.Val.(flightResult)
			if force && !out.recomputed {
				continue
			}
			return out.snap
		case <-ctx.Done():
			c.logger.Warn("reader gave up waiting for refresh", zap.Error(ctx.Err()))
			return c.Peek()
		}
	}
}

func (c *Cache) run(ctx context.Context) news.Snapshot {
	started := c.clock.Now()
	c.logger.Info("cache refresh started", zap.Int("page_budget", c.cfg.PageBudget))

	agg := c.collector.Collect(ctx, c.cfg.PageBudget)
	snap := news.Snapshot{Data: agg, ProducedAt: started}

	c.mu.Lock()
	c.entry = snap
	c.mu.Unlock()

	duration := c.clock.Now().Sub(started)
	metrics.ObserveRefresh(duration, len(agg.Records))
	c.logger.Info("cache refreshed",
		zap.Int("records", len(agg.Records)),
		zap.Int("pages", len(agg.Pages)),
		zap.String("stop_reason", string(agg.StopReason)),
		zap.Duration("duration", duration),
	)
	c.announce(ctx, snap, duration)
	return snap
}

// announce publishes a RefreshEvent; failures are logged only.
func (c *Cache) announce(ctx context.Context, snap news.Snapshot, duration time.Duration) {
	if c.publisher == nil {
		return
	}
	event := news.RefreshEvent{
		ProducedAt:   snap.ProducedAt,
		Records:      len(snap.Data.Records),
		PagesFetched: len(snap.Data.Pages),
		StopReason:   snap.Data.StopReason,
		DurationMs:   duration.Milliseconds(),
		Pages:        snap.Data.Pages,
	}
	if c.ids != nil {
		id, err := c.ids.NewID()
		if err != nil {
			c.logger.Warn("refresh event id generation failed", zap.Error(err))
		}
		event.ID = id
	}
	msgID, err := c.publisher.Publish(ctx, c.cfg.Topic, event)
	if err != nil {
		c.logger.Warn("refresh event publish failed", zap.String("event_id", event.ID), zap.Error(err))
		return
	}
	c.logger.Debug("refresh event published", zap.String("event_id", event.ID), zap.String("message_id", msgID))
}
