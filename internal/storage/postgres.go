package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"pricefeed/internal/model"
)

// PostgresConfig carries the connection string and pool limits for the
// time-series database variant.
type PostgresConfig struct {
	URL            string
	MinConns       int
	MaxConns       int
	IdleTimeout    time.Duration
	ConnectTimeout time.Duration
}

// PostgresStore is the TimescaleDB-backed variant.
//
// All ticks live in one hypertable partitioned on time with primary key
// (time, symbol). Writes are idempotent upserts; candles are computed
// server-side with time_bucket and first/last aggregates.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS prices (
	time   TIMESTAMPTZ NOT NULL,
	symbol TEXT        NOT NULL,
	price  NUMERIC     NOT NULL,
	volume NUMERIC     NOT NULL,
	PRIMARY KEY (time, symbol)
);
CREATE INDEX IF NOT EXISTS idx_prices_symbol_time ON prices (symbol, time DESC);
CREATE INDEX IF NOT EXISTS idx_prices_time ON prices (time DESC);
`

// hypertableSQL converts the table into a hypertable. Best effort: on a plain
// postgres without the timescaledb extension the table stays unpartitioned.
const hypertableSQL = `SELECT create_hypertable('prices', 'time', if_not_exists => TRUE)`

const upsertSQL = `
INSERT INTO prices (time, symbol, price, volume)
VALUES ($1, $2, $3, $4)
ON CONFLICT (time, symbol)
DO UPDATE SET price = EXCLUDED.price, volume = EXCLUDED.volume`

const latestSQL = `
SELECT time, symbol, price, volume FROM prices
WHERE symbol = $1
ORDER BY time DESC
LIMIT 1`

const historySQL = `
SELECT time, symbol, price, volume FROM prices
WHERE symbol = $1
ORDER BY time DESC
LIMIT $2`

const ohlcSQL = `
SELECT
	time_bucket('1 hour', time) AS bucket,
	first(price, time) AS open,
	max(price)         AS high,
	min(price)         AS low,
	last(price, time)  AS close,
	sum(volume)        AS volume
FROM prices
WHERE symbol = $1 AND time >= $2
GROUP BY bucket
ORDER BY bucket ASC`

const summarySQL = `
SELECT DISTINCT ON (symbol) time, symbol, price, volume FROM prices
ORDER BY symbol, time DESC`

const symbolsSQL = `SELECT DISTINCT symbol FROM prices ORDER BY symbol`

// NewPostgresStore connects the pool, verifies connectivity, and bootstraps
// the schema.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.IdleTimeout > 0 {
		poolCfg.MaxConnIdleTime = cfg.IdleTimeout
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{
		pool:   pool,
		logger: log.With().Str("component", "storage").Str("variant", "postgres").Logger(),
	}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// initSchema creates the prices table, its indices, and attempts hypertable
// conversion.
func (s *PostgresStore) initSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := s.pool.Exec(ctx, hypertableSQL); err != nil {
		s.logger.Warn().Err(err).Msg("hypertable conversion unavailable, staying on a plain table")
	}
	return nil
}

// Put upserts a single tick.
func (s *PostgresStore) Put(ctx context.Context, tick model.PriceTick) error {
	_, err := s.pool.Exec(ctx, upsertSQL, tick.Time, tick.Symbol, tick.Price, tick.Volume)
	if err != nil {
		return fmt.Errorf("%w: put %s: %v", ErrUnavailable, tick.Symbol, err)
	}
	return nil
}

// PutBatch upserts all ticks in one round trip. Enqueue order is preserved
// because the batch executes statements sequentially on one connection.
func (s *PostgresStore) PutBatch(ctx context.Context, ticks []model.PriceTick) error {
	if len(ticks) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, tick := range ticks {
		batch.Queue(upsertSQL, tick.Time, tick.Symbol, tick.Price, tick.Volume)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range ticks {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("%w: batch put: %v", ErrUnavailable, err)
		}
	}
	return nil
}

// Latest returns the newest row for the symbol.
func (s *PostgresStore) Latest(ctx context.Context, symbol string) (model.PriceTick, error) {
	var tick model.PriceTick
	row := s.pool.QueryRow(ctx, latestSQL, symbol)
	if err := row.Scan(&tick.Time, &tick.Symbol, &tick.Price, &tick.Volume); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PriceTick{}, ErrNotFound
		}
		return model.PriceTick{}, fmt.Errorf("%w: latest %s: %v", ErrUnavailable, symbol, err)
	}
	return tick, nil
}

// History returns up to limit rows newest-first.
func (s *PostgresStore) History(ctx context.Context, symbol string, limit int) ([]model.PriceTick, error) {
	limit = clampLimit(limit)

	rows, err := s.pool.Query(ctx, historySQL, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: history %s: %v", ErrUnavailable, symbol, err)
	}
	defer rows.Close()

	out := make([]model.PriceTick, 0, limit)
	for rows.Next() {
		var tick model.PriceTick
		if err := rows.Scan(&tick.Time, &tick.Symbol, &tick.Price, &tick.Volume); err != nil {
			return nil, fmt.Errorf("%w: history scan: %v", ErrUnavailable, err)
		}
		out = append(out, tick)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: history %s: %v", ErrUnavailable, symbol, err)
	}
	return out, nil
}

// OHLC computes 1-hour candles server-side.
func (s *PostgresStore) OHLC(ctx context.Context, symbol string, hours int) ([]model.Candle, error) {
	if hours <= 0 {
		return []model.Candle{}, nil
	}
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	rows, err := s.pool.Query(ctx, ohlcSQL, symbol, since)
	if err != nil {
		return nil, fmt.Errorf("%w: ohlc %s: %v", ErrUnavailable, symbol, err)
	}
	defer rows.Close()

	out := make([]model.Candle, 0, hours)
	for rows.Next() {
		var c model.Candle
		if err := rows.Scan(&c.Bucket, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("%w: ohlc scan: %v", ErrUnavailable, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: ohlc %s: %v", ErrUnavailable, symbol, err)
	}
	return out, nil
}

// Summary returns the newest row per symbol.
func (s *PostgresStore) Summary(ctx context.Context) (map[string]model.PriceTick, error) {
	rows, err := s.pool.Query(ctx, summarySQL)
	if err != nil {
		return nil, fmt.Errorf("%w: summary: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	out := make(map[string]model.PriceTick)
	for rows.Next() {
		var tick model.PriceTick
		if err := rows.Scan(&tick.Time, &tick.Symbol, &tick.Price, &tick.Volume); err != nil {
			return nil, fmt.Errorf("%w: summary scan: %v", ErrUnavailable, err)
		}
		out[tick.Symbol] = tick
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: summary: %v", ErrUnavailable, err)
	}
	return out, nil
}

// Symbols returns the distinct stored symbols, sorted.
func (s *PostgresStore) Symbols(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, symbolsSQL)
	if err != nil {
		return nil, fmt.Errorf("%w: symbols: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, fmt.Errorf("%w: symbols scan: %v", ErrUnavailable, err)
		}
		out = append(out, sym)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: symbols: %v", ErrUnavailable, err)
	}
	return out, nil
}

// Stats reports pool occupancy for the metrics endpoint.
func (s *PostgresStore) Stats(ctx context.Context) Stats {
	stat := s.pool.Stat()
	symbols, err := s.Symbols(ctx)
	if err != nil {
		s.logger.Debug().Err(err).Msg("symbol count unavailable for stats")
	}
	return Stats{
		Variant:       "postgres",
		Symbols:       len(symbols),
		TotalConns:    stat.TotalConns(),
		IdleConns:     stat.IdleConns(),
		AcquiredConns: stat.AcquiredConns(),
	}
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
