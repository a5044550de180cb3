package ingest

import (
	"sync"
	"sync/atomic"

	"pricefeed/internal/model"
)

// LatestCache is the in-process latest-tick-per-symbol mapping.
//
// The pipeline's flusher is the single writer; the HTTP fast paths
// (/price/:symbol, /prices) are the readers. Reads may observe a tick that
// has not been persisted yet, which is intentional: reads never wait on I/O.
type LatestCache struct {
	mu      sync.RWMutex
	entries map[string]model.PriceTick

	hits   atomic.Int64
	misses atomic.Int64
}

// CacheStats is a snapshot for the metrics endpoint.
type CacheStats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// NewLatestCache creates an empty cache.
func NewLatestCache() *LatestCache {
	return &LatestCache{entries: make(map[string]model.PriceTick)}
}

// Set overwrites the entry for the tick's symbol.
func (c *LatestCache) Set(tick model.PriceTick) {
	c.mu.Lock()
	c.entries[tick.Symbol] = tick
	c.mu.Unlock()
}

// Get returns the latest cached tick for a symbol.
func (c *LatestCache) Get(symbol string) (model.PriceTick, bool) {
	c.mu.RLock()
	tick, ok := c.entries[symbol]
	c.mu.RUnlock()

	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return tick, ok
}

// All returns a copy of the whole mapping.
func (c *LatestCache) All() map[string]model.PriceTick {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]model.PriceTick, len(c.entries))
	for sym, tick := range c.entries {
		out[sym] = tick
	}
	return out
}

// Stats reports cache occupancy and hit counters.
func (c *LatestCache) Stats() CacheStats {
	c.mu.RLock()
	entries := len(c.entries)
	c.mu.RUnlock()
	return CacheStats{
		Entries: entries,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}
}
