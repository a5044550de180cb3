// Package model defines core data types for the price feed service.
//
// This package contains the fundamental structures exchanged between the
// stream client, the ingest pipeline, the storage engine, and the HTTP API.
// All monetary values use decimal.Decimal for precise financial calculations
// to avoid floating-point precision issues common in financial applications.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceTick represents a single normalized price event for one symbol.
//
// Ticks are produced by the stream client from upstream ticker frames,
// buffered by the ingest pipeline, and persisted by the storage engine.
// Identity is the (Time, Symbol) pair: re-ingesting the same key replaces
// the stored price and volume rather than duplicating the row.
type PriceTick struct {
	// Time is the upstream event timestamp, millisecond resolution.
	Time time.Time `json:"timestamp"`

	// Symbol is the uppercase contract identifier (e.g., "BTCUSDT").
	Symbol string `json:"symbol"`

	// Price is the last traded price. Never negative.
	Price decimal.Decimal `json:"price"`

	// Volume is the volume as delivered by the subscribed upstream topic.
	// For the default 24h ticker topic this is 24-hour rolling volume.
	Volume decimal.Decimal `json:"volume"`

	// PriceChange is the absolute 24h price change, when the topic carries it.
	PriceChange decimal.Decimal `json:"priceChange,omitempty"`

	// PriceChangePercent is the relative 24h change, when the topic carries it.
	PriceChangePercent decimal.Decimal `json:"priceChangePercent,omitempty"`
}

// Candle represents a one-hour OHLC bucket derived from stored ticks.
//
// Candles are computed on demand, never stored. Invariants:
// Low <= Open, Close <= High and Volume is the sum of tick volumes
// falling inside the bucket.
type Candle struct {
	// Bucket is the start of the one-hour window, aligned to the hour.
	Bucket time.Time `json:"bucket"`

	Open   decimal.Decimal `json:"open"`   // price of the earliest tick in the bucket
	High   decimal.Decimal `json:"high"`   // highest price in the bucket
	Low    decimal.Decimal `json:"low"`    // lowest price in the bucket
	Close  decimal.Decimal `json:"close"`  // price of the latest tick in the bucket
	Volume decimal.Decimal `json:"volume"` // total volume over the bucket
}

// SubscriptionState tracks the lifecycle of one upstream topic subscription.
type SubscriptionState int

const (
	// SubscriptionPending means the SUBSCRIBE frame has been (or will be)
	// sent but no acknowledgment has arrived yet. Subscriptions return to
	// this state after every reconnect.
	SubscriptionPending SubscriptionState = iota

	// SubscriptionActive means the upstream acknowledged the subscription.
	SubscriptionActive

	// SubscriptionFailed means the upstream rejected the subscription.
	SubscriptionFailed
)

// String returns a human-readable state name for logging.
func (s SubscriptionState) String() string {
	switch s {
	case SubscriptionPending:
		return "PENDING"
	case SubscriptionActive:
		return "ACTIVE"
	case SubscriptionFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Subscription holds per-symbol subscription bookkeeping, owned by the
// stream client.
type Subscription struct {
	Symbol       string            // uppercase symbol
	State        SubscriptionState // current lifecycle state
	Desired      bool              // false once an explicit unsubscribe is requested
	LastActivity time.Time         // time of the last decoded frame for this symbol
}
