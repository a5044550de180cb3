package ingest

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"pricefeed/internal/model"
)

// Mirror write-throughs latest ticks to redis so other processes can read
// them. It is optional and strictly best-effort: a dead redis never slows or
// fails ingestion.
type Mirror struct {
	client *redis.Client
	ttl    time.Duration
}

// NewMirror connects to the redis URL. The connection is verified once so a
// misconfigured URL is reported at startup rather than on the hot path.
func NewMirror(ctx context.Context, url string, ttl time.Duration) (*Mirror, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Mirror{client: client, ttl: ttl}, nil
}

// Set stores the tick under price:<symbol> with the configured expiry.
func (m *Mirror) Set(ctx context.Context, tick model.PriceTick) {
	payload, err := json.Marshal(tick)
	if err != nil {
		return
	}
	if err := m.client.Set(ctx, "price:"+tick.Symbol, payload, m.ttl).Err(); err != nil {
		log.Debug().Err(err).Str("symbol", tick.Symbol).Msg("redis mirror write failed")
	}
}

// Close releases the redis connection.
func (m *Mirror) Close() {
	if m != nil && m.client != nil {
		_ = m.client.Close()
	}
}
