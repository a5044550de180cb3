package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"pricefeed/internal/model"
)

// MemoryStore keeps a bounded per-symbol ring of recent ticks.
//
// It is the fallback variant when no database URL is configured. Eviction is
// oldest-first once a ring reaches maxHistory; OHLC queries therefore cannot
// see data older than the oldest ring entry.
type MemoryStore struct {
	mu         sync.RWMutex
	rings      map[string]*ring
	maxHistory int
}

// ring holds ticks for one symbol sorted ascending by time.
type ring struct {
	ticks []model.PriceTick
}

// NewMemoryStore creates the in-memory variant with the given per-symbol
// capacity.
func NewMemoryStore(maxHistory int) *MemoryStore {
	if maxHistory <= 0 {
		maxHistory = MaxHistoryLimit
	}
	return &MemoryStore{
		rings:      make(map[string]*ring),
		maxHistory: maxHistory,
	}
}

// Put upserts one tick into the symbol's ring.
func (m *MemoryStore) Put(_ context.Context, tick model.PriceTick) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putLocked(tick)
	return nil
}

// PutBatch upserts all ticks in order.
func (m *MemoryStore) PutBatch(_ context.Context, ticks []model.PriceTick) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tick := range ticks {
		m.putLocked(tick)
	}
	return nil
}

func (m *MemoryStore) putLocked(tick model.PriceTick) {
	r, ok := m.rings[tick.Symbol]
	if !ok {
		r = &ring{}
		m.rings[tick.Symbol] = r
	}

	// Find the insertion point; same (time, symbol) replaces in place.
	idx := sort.Search(len(r.ticks), func(i int) bool {
		return !r.ticks[i].Time.Before(tick.Time)
	})
	if idx < len(r.ticks) && r.ticks[idx].Time.Equal(tick.Time) {
		r.ticks[idx] = tick
		return
	}

	r.ticks = append(r.ticks, model.PriceTick{})
	copy(r.ticks[idx+1:], r.ticks[idx:])
	r.ticks[idx] = tick

	if len(r.ticks) > m.maxHistory {
		// Evict oldest-first.
		r.ticks = r.ticks[len(r.ticks)-m.maxHistory:]
	}
}

// Latest returns the most recent tick for the symbol.
func (m *MemoryStore) Latest(_ context.Context, symbol string) (model.PriceTick, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rings[symbol]
	if !ok || len(r.ticks) == 0 {
		return model.PriceTick{}, ErrNotFound
	}
	return r.ticks[len(r.ticks)-1], nil
}

// History slices the ring newest-first.
func (m *MemoryStore) History(_ context.Context, symbol string, limit int) ([]model.PriceTick, error) {
	limit = clampLimit(limit)

	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rings[symbol]
	if !ok {
		return []model.PriceTick{}, nil
	}

	n := len(r.ticks)
	if limit > n {
		limit = n
	}
	out := make([]model.PriceTick, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, r.ticks[i])
	}
	return out, nil
}

// OHLC folds the ring into 1-hour buckets over [now-hours, now].
func (m *MemoryStore) OHLC(_ context.Context, symbol string, hours int) ([]model.Candle, error) {
	if hours <= 0 {
		return []model.Candle{}, nil
	}
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rings[symbol]
	if !ok {
		return []model.Candle{}, nil
	}

	buckets := make(map[time.Time]*model.Candle)
	order := make([]time.Time, 0)
	// The ring is ascending by time, so the first tick seen per bucket is
	// the open and the last is the close.
	for _, tick := range r.ticks {
		if tick.Time.Before(since) {
			continue
		}
		b := bucketStart(tick.Time)
		c, found := buckets[b]
		if !found {
			c = &model.Candle{
				Bucket: b,
				Open:   tick.Price,
				High:   tick.Price,
				Low:    tick.Price,
				Close:  tick.Price,
			}
			buckets[b] = c
			order = append(order, b)
		}
		if tick.Price.GreaterThan(c.High) {
			c.High = tick.Price
		}
		if tick.Price.LessThan(c.Low) {
			c.Low = tick.Price
		}
		c.Close = tick.Price
		c.Volume = c.Volume.Add(tick.Volume)
	}

	out := make([]model.Candle, 0, len(order))
	for _, b := range order {
		out = append(out, *buckets[b])
	}
	return out, nil
}

// Summary returns the newest tick per symbol.
func (m *MemoryStore) Summary(_ context.Context) (map[string]model.PriceTick, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]model.PriceTick, len(m.rings))
	for sym, r := range m.rings {
		if len(r.ticks) > 0 {
			out[sym] = r.ticks[len(r.ticks)-1]
		}
	}
	return out, nil
}

// Symbols returns the sorted set of symbols with stored ticks.
func (m *MemoryStore) Symbols(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.rings))
	for sym, r := range m.rings {
		if len(r.ticks) > 0 {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Stats reports the variant and symbol count.
func (m *MemoryStore) Stats(_ context.Context) Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{Variant: "memory", Symbols: len(m.rings)}
}

// Close is a no-op for the memory variant.
func (m *MemoryStore) Close() {}
