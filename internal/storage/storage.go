// Package storage persists price ticks and answers the query surface of the
// HTTP API.
//
// Two variants implement the same contract: a bounded in-memory store for
// development and tests, and a partitioned time-series database (TimescaleDB)
// for production. The variant is selected at startup from configuration.
package storage

import (
	"context"
	"errors"
	"time"

	"pricefeed/internal/model"
)

var (
	// ErrUnavailable wraps pool checkout and query failures. HTTP maps it
	// to a 500; the ingest path logs and continues.
	ErrUnavailable = errors.New("storage unavailable")

	// ErrNotFound indicates an empty result for a symbol-keyed query.
	ErrNotFound = errors.New("not found")
)

// MaxHistoryLimit is the hard clamp on history query sizes.
const MaxHistoryLimit = 1000

// DefaultHistoryLimit applies when a history query names no limit.
const DefaultHistoryLimit = 100

// Stats is a snapshot of storage internals for the metrics endpoint.
type Stats struct {
	Variant       string `json:"variant"`
	Symbols       int    `json:"symbols"`
	TotalConns    int32  `json:"totalConns,omitempty"`
	IdleConns     int32  `json:"idleConns,omitempty"`
	AcquiredConns int32  `json:"acquiredConns,omitempty"`
}

// Store is the storage contract shared by both variants.
//
// All operations normalize nothing themselves: callers pass uppercase
// symbols. Put is an idempotent upsert on (time, symbol); re-applying the
// same key overwrites price and volume and never reports a duplicate.
type Store interface {
	// Put upserts a single tick.
	Put(ctx context.Context, tick model.PriceTick) error

	// PutBatch upserts a batch of ticks, preserving per-symbol order.
	PutBatch(ctx context.Context, ticks []model.PriceTick) error

	// Latest returns the tick with the largest time for the symbol, or
	// ErrNotFound.
	Latest(ctx context.Context, symbol string) (model.PriceTick, error)

	// History returns up to limit most recent ticks, descending by time.
	// limit <= 0 applies DefaultHistoryLimit; values above MaxHistoryLimit
	// are clamped.
	History(ctx context.Context, symbol string, limit int) ([]model.PriceTick, error)

	// OHLC returns 1-hour candles over [now-hours, now], ascending by
	// bucket. Unknown symbols and empty ranges yield an empty slice.
	OHLC(ctx context.Context, symbol string, hours int) ([]model.Candle, error)

	// Summary returns the most recent tick per known symbol.
	Summary(ctx context.Context) (map[string]model.PriceTick, error)

	// Symbols returns the sorted set of symbols with at least one tick.
	Symbols(ctx context.Context) ([]string, error)

	// Stats reports internals for the metrics endpoint.
	Stats(ctx context.Context) Stats

	// Close releases pooled resources.
	Close()
}

// clampLimit applies the default and maximum history limits.
func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}

// bucketStart aligns t down to the 1-hour candle grid.
func bucketStart(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}
