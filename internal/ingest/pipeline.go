// Package ingest buffers decoded ticks between the stream client and storage.
//
// The pipeline accepts ticks without blocking, batches them, and flushes a
// batch to storage whenever the buffer reaches the batch size or the batch
// timeout elapses after the first enqueue since the last flush. Storage
// errors are logged and swallowed: a storage outage must never stall the
// stream. The latest-value cache is updated before each persistence attempt,
// so price reads never wait on the database.
package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"pricefeed/internal/model"
	"pricefeed/internal/storage"
)

// overflowFactor sizes the buffer relative to the batch size.
const overflowFactor = 8

// Pipeline is the batched writer between stream and storage.
type Pipeline struct {
	store  storage.Store
	cache  *LatestCache
	mirror *Mirror // optional redis write-through, may be nil

	batchSize    int
	batchTimeout time.Duration
	capacity     int

	mu     sync.Mutex
	queue  []model.PriceTick
	timer  *time.Timer
	armed  bool
	closed bool

	kick   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	dropped int64 // ticks discarded by the overflow policy

	logger zerolog.Logger
}

// New creates a pipeline and starts its flusher goroutine.
func New(ctx context.Context, store storage.Store, cache *LatestCache, mirror *Mirror, batchSize int, batchTimeout time.Duration) *Pipeline {
	if batchSize <= 0 {
		batchSize = 50
	}
	if batchTimeout <= 0 {
		batchTimeout = 2 * time.Second
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		store:        store,
		cache:        cache,
		mirror:       mirror,
		batchSize:    batchSize,
		batchTimeout: batchTimeout,
		capacity:     batchSize * overflowFactor,
		queue:        make([]model.PriceTick, 0, batchSize),
		kick:         make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
		logger:       log.With().Str("component", "ingest").Logger(),
	}
	p.timer = time.NewTimer(batchTimeout)
	if !p.timer.Stop() {
		<-p.timer.C
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.flushLoop()
	}()
	return p
}

// Cache exposes the latest-value cache for the HTTP fast paths.
func (p *Pipeline) Cache() *LatestCache {
	return p.cache
}

// Enqueue appends a tick without blocking. When the buffer is full the
// oldest queued tick for the same symbol gives way (newest wins); if that
// symbol has no queued ticks, the oldest tick overall is dropped so one loud
// symbol cannot starve the rest.
func (p *Pipeline) Enqueue(tick model.PriceTick) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}

	if len(p.queue) >= p.capacity {
		p.dropOldestLocked(tick.Symbol)
	}
	p.queue = append(p.queue, tick)

	// Arm the timeout on the first enqueue after a flush.
	if !p.armed {
		p.timer.Reset(p.batchTimeout)
		p.armed = true
	}
	full := len(p.queue) >= p.batchSize
	p.mu.Unlock()

	if full {
		select {
		case p.kick <- struct{}{}:
		default:
		}
	}
}

// dropOldestLocked removes the oldest queued tick for symbol, or the oldest
// tick overall when the symbol has none queued. Caller holds mu.
func (p *Pipeline) dropOldestLocked(symbol string) {
	idx := 0
	for i, queued := range p.queue {
		if queued.Symbol == symbol {
			idx = i
			break
		}
	}
	p.queue = append(p.queue[:idx], p.queue[idx+1:]...)
	p.dropped++
}

// flushLoop waits for a full buffer or the batch timeout.
func (p *Pipeline) flushLoop() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.timer.C:
			p.mu.Lock()
			p.armed = false
			p.mu.Unlock()
			p.flush()
		case <-p.kick:
			p.flush()
		}
	}
}

// flush takes the current buffer and hands it to storage as one batch.
// Cache updates happen strictly before the write begins.
func (p *Pipeline) flush() {
	p.mu.Lock()
	if len(p.queue) == 0 {
		p.mu.Unlock()
		return
	}
	batch := p.queue
	p.queue = make([]model.PriceTick, 0, p.batchSize)
	if p.armed {
		if !p.timer.Stop() {
			select {
			case <-p.timer.C:
			default:
			}
		}
		p.armed = false
	}
	p.mu.Unlock()

	// The write context is independent of the pipeline context so the final
	// flush during Close still reaches storage.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, tick := range batch {
		p.cache.Set(tick)
		if p.mirror != nil {
			p.mirror.Set(ctx, tick)
		}
	}

	// Write errors are logged and swallowed: the stream must not stall on a
	// storage outage, and upsert semantics absorb any later replays.
	if err := p.store.PutBatch(ctx, batch); err != nil {
		p.logger.Error().Err(err).Int("batch", len(batch)).Msg("batch write failed")
		return
	}
	p.logger.Debug().Int("batch", len(batch)).Msg("batch committed")
}

// Dropped reports how many ticks the overflow policy discarded.
func (p *Pipeline) Dropped() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Close drains the remaining buffer with one final flush and returns after
// storage acknowledged (or rejected) it.
func (p *Pipeline) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		p.cancel()
		p.wg.Wait()
		p.flush()
	})
}
