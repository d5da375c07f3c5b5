package broker

import (
	"context"
	"sync"
	"time"

	"tradegate/pkg/types"
)

// Cache TTLs. Snapshots go stale fast; bars are historical and can live
// longer.
const (
	SnapshotTTL = 60 * time.Second
	BarsTTL     = 5 * time.Minute
)

type bypassKey struct{}

// WithBypass marks a context so cached reads go straight to the network.
// Used by freshness-critical paths (pre-submit simulation).
func WithBypass(ctx context.Context) context.Context {
	return context.WithValue(ctx, bypassKey{}, true)
}

func bypassed(ctx context.Context) bool {
	v, _ := ctx.Value(bypassKey{}).(bool)
	return v
}

// cacheEntry holds one cached value with its expiry.
type cacheEntry struct {
	value     any
	expiresAt time.Time
}

// marketCache is a TTL cache keyed by (symbol, timeframe-or-"snapshot").
type marketCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
}

func newMarketCache() *marketCache {
	return &marketCache{
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

func cacheKey(symbol, kind string) string { return symbol + "|" + kind }

func (c *marketCache) get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

func (c *marketCache) put(key string, v any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: v, expiresAt: c.now().Add(ttl)}
}

// Cached wraps an Adapter with TTL caching for snapshots and bars. All
// other calls pass through. The cache is consulted before the network
// unless the context carries the bypass flag.
type Cached struct {
	Adapter
	cache *marketCache
}

// NewCached wraps inner with the market-data cache.
func NewCached(inner Adapter) *Cached {
	return &Cached{Adapter: inner, cache: newMarketCache()}
}

// GetMarketSnapshot serves from cache within SnapshotTTL.
func (c *Cached) GetMarketSnapshot(ctx context.Context, instrument types.Instrument) (types.MarketSnapshot, error) {
	key := cacheKey(instrument.Symbol, "snapshot")
	if !bypassed(ctx) {
		if v, ok := c.cache.get(key); ok {
			return v.(types.MarketSnapshot), nil
		}
	}
	snap, err := c.Adapter.GetMarketSnapshot(ctx, instrument)
	if err != nil {
		return types.MarketSnapshot{}, err
	}
	c.cache.put(key, snap, SnapshotTTL)
	return snap, nil
}

// GetMarketBars serves from cache within BarsTTL, keyed per timeframe.
func (c *Cached) GetMarketBars(ctx context.Context, instrument types.Instrument, timeframe string, limit int) ([]types.Bar, error) {
	key := cacheKey(instrument.Symbol, timeframe)
	if !bypassed(ctx) {
		if v, ok := c.cache.get(key); ok {
			bars := v.([]types.Bar)
			if len(bars) >= limit {
				return bars[len(bars)-limit:], nil
			}
		}
	}
	bars, err := c.Adapter.GetMarketBars(ctx, instrument, timeframe, limit)
	if err != nil {
		return nil, err
	}
	c.cache.put(key, bars, BarsTTL)
	return bars, nil
}
