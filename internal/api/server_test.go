package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricefeed/internal/config"
	"pricefeed/internal/ingest"
	"pricefeed/internal/model"
	"pricefeed/internal/storage"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:             3000,
		Symbols:          []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"},
		IndicatorWindow:  100,
		RateLimitWindow:  60,
		RateLimitMax:     10000,
		HeavyLimitWindow: 60,
		HeavyLimitMax:    10000,
	}
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *storage.MemoryStore, *ingest.LatestCache) {
	t.Helper()
	store := storage.NewMemoryStore(1000)
	pipe := ingest.New(context.Background(), store, ingest.NewLatestCache(), nil, 1000, time.Hour)
	t.Cleanup(pipe.Close)
	s := NewServer(cfg, store, pipe)
	return s, store, pipe.Cache()
}

func doJSON(t *testing.T, s *Server, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)

	var decoded map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &decoded)
	return rec, decoded
}

func seedTick(t *testing.T, store *storage.MemoryStore, symbol string, at time.Time, price, volume string) {
	t.Helper()
	p, err := decimal.NewFromString(price)
	require.NoError(t, err)
	v, err := decimal.NewFromString(volume)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), model.PriceTick{
		Time: at, Symbol: symbol, Price: p, Volume: v,
	}))
}

func Test_Server_HealthAndDocs(t *testing.T) {
	s, _, _ := newTestServer(t, testConfig())

	rec, body := doJSON(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	rec, body = doJSON(t, s, http.MethodGet, "/docs", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pricefeed", body["service"])
	assert.NotEmpty(t, body["routes"])

	rec, _ = doJSON(t, s, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/docs", rec.Header().Get("Location"))
}

func Test_Server_Symbols(t *testing.T) {
	s, _, _ := newTestServer(t, testConfig())

	rec, body := doJSON(t, s, http.MethodGet, "/symbols", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	symbols, ok := body["symbols"].([]any)
	require.True(t, ok)
	assert.Len(t, symbols, 3)
	assert.Contains(t, symbols, "BTCUSDT")
}

func Test_Server_PriceFromCache(t *testing.T) {
	s, _, cache := newTestServer(t, testConfig())

	at := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	price, _ := decimal.NewFromString("45000.5")
	volume, _ := decimal.NewFromString("1000")
	cache.Set(model.PriceTick{Time: at, Symbol: "BTCUSDT", Price: price, Volume: volume})

	// The path parameter is normalized, so lowercase works too.
	rec, body := doJSON(t, s, http.MethodGet, "/price/btcusdt", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "BTCUSDT", body["symbol"])
	assert.Equal(t, "45000.5", body["price"])
	assert.Equal(t, "1000", body["volume"])
	assert.NotEmpty(t, body["timestamp"])
}

func Test_Server_PriceFallsBackToStorage(t *testing.T) {
	s, store, _ := newTestServer(t, testConfig())

	at := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	seedTick(t, store, "ETHUSDT", at, "2500", "50")

	rec, body := doJSON(t, s, http.MethodGet, "/price/ETHUSDT", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2500", body["price"])
}

func Test_Server_PriceUnknownSymbol(t *testing.T) {
	s, _, _ := newTestServer(t, testConfig())

	rec, body := doJSON(t, s, http.MethodGet, "/price/NOPEUSDT", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "symbol not found", body["error"])
}

func Test_Server_PricesColdCacheUsesSummary(t *testing.T) {
	s, store, _ := newTestServer(t, testConfig())

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	seedTick(t, store, "BTCUSDT", base, "45000", "10")
	seedTick(t, store, "ETHUSDT", base, "2500", "20")

	rec, body := doJSON(t, s, http.MethodGet, "/prices", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, body, 2)
	btc, ok := body["BTCUSDT"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "45000", btc["price"])
}

func Test_Server_PricesMergesCacheOverSummary(t *testing.T) {
	s, store, cache := newTestServer(t, testConfig())

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	// Storage knows two symbols; the cache has seen only one of them since
	// startup, with a fresher price than the stored row.
	seedTick(t, store, "BTCUSDT", base, "45000", "10")
	seedTick(t, store, "ETHUSDT", base, "2500", "20")

	fresh, _ := decimal.NewFromString("45100")
	volume, _ := decimal.NewFromString("11")
	cache.Set(model.PriceTick{Time: base.Add(time.Minute), Symbol: "BTCUSDT", Price: fresh, Volume: volume})

	rec, body := doJSON(t, s, http.MethodGet, "/prices", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, body, 2)

	btc := body["BTCUSDT"].(map[string]any)
	assert.Equal(t, "45100", btc["price"], "the cached tick wins for its symbol")
	eth := body["ETHUSDT"].(map[string]any)
	assert.Equal(t, "2500", eth["price"], "storage fills in symbols the cache has not seen")
}

func Test_Server_History(t *testing.T) {
	s, store, _ := newTestServer(t, testConfig())

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		seedTick(t, store, "BTCUSDT", base.Add(time.Duration(i)*time.Minute), "100", "1")
	}

	rec, _ := doJSON(t, s, http.MethodGet, "/history/BTCUSDT?limit=3", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var ticks []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ticks))
	assert.Len(t, ticks, 3)
}

func Test_Server_HistoryDuplicateKeyKeepsLastWrite(t *testing.T) {
	s, store, _ := newTestServer(t, testConfig())

	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	seedTick(t, store, "BTCUSDT", at, "45000", "10")
	seedTick(t, store, "BTCUSDT", at, "45010", "12")

	rec, _ := doJSON(t, s, http.MethodGet, "/history/BTCUSDT", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var ticks []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ticks))
	require.Len(t, ticks, 1)
	assert.Equal(t, "45010", ticks[0]["price"])
}

func Test_Server_HistoryEdgeCases(t *testing.T) {
	s, _, _ := newTestServer(t, testConfig())

	t.Run("Unknown symbol yields empty array, not 404", func(t *testing.T) {
		rec, _ := doJSON(t, s, http.MethodGet, "/history/NOPEUSDT", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
	})

	t.Run("Zero limit yields empty array", func(t *testing.T) {
		rec, _ := doJSON(t, s, http.MethodGet, "/history/BTCUSDT?limit=0", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
	})

	t.Run("Malformed limit is rejected", func(t *testing.T) {
		rec, _ := doJSON(t, s, http.MethodGet, "/history/BTCUSDT?limit=abc", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Negative limit is rejected", func(t *testing.T) {
		rec, _ := doJSON(t, s, http.MethodGet, "/history/BTCUSDT?limit=-1", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func Test_Server_Indicators(t *testing.T) {
	s, store, _ := newTestServer(t, testConfig())

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 50; i++ {
		seedTick(t, store, "BTCUSDT", base.Add(time.Duration(i)*time.Minute),
			decimal.NewFromInt(int64(100+i)).String(), "1")
	}

	rec, body := doJSON(t, s, http.MethodGet, "/indicators/BTCUSDT", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "BTCUSDT", body["symbol"])

	ind, ok := body["indicators"].(map[string]any)
	require.True(t, ok)
	assert.NotNil(t, ind["sma20"])
	assert.NotNil(t, ind["sma50"])
	assert.NotNil(t, ind["ema12"])
	assert.NotNil(t, ind["bollinger"])
	// A strictly ascending series has no losses at all.
	assert.InDelta(t, 100.0, ind["rsi14"].(float64), 1e-9)
}

func Test_Server_IndicatorsShortSeries(t *testing.T) {
	s, store, _ := newTestServer(t, testConfig())

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		seedTick(t, store, "BTCUSDT", base.Add(time.Duration(i)*time.Minute), "100", "1")
	}

	rec, body := doJSON(t, s, http.MethodGet, "/indicators/BTCUSDT", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	ind := body["indicators"].(map[string]any)
	assert.Nil(t, ind["sma20"])
	assert.Nil(t, ind["macd"])
}

func Test_Server_IndicatorsNoHistory(t *testing.T) {
	s, _, _ := newTestServer(t, testConfig())

	rec, body := doJSON(t, s, http.MethodGet, "/indicators/NOPEUSDT", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "no history for symbol", body["error"])
}

func Test_Server_OHLC(t *testing.T) {
	s, store, _ := newTestServer(t, testConfig())

	bucket := time.Now().UTC().Truncate(time.Hour)
	seedTick(t, store, "BTCUSDT", bucket.Add(1*time.Minute), "100", "1")
	seedTick(t, store, "BTCUSDT", bucket.Add(2*time.Minute), "150", "2")
	seedTick(t, store, "BTCUSDT", bucket.Add(3*time.Minute), "90", "3")

	rec, _ := doJSON(t, s, http.MethodGet, "/chart/ohlc/BTCUSDT?hours=1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var candles []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &candles))
	require.Len(t, candles, 1)
	assert.Equal(t, "100", candles[0]["open"])
	assert.Equal(t, "150", candles[0]["high"])
	assert.Equal(t, "90", candles[0]["low"])
}

func Test_Server_OHLCRangeValidation(t *testing.T) {
	s, _, _ := newTestServer(t, testConfig())

	for _, q := range []string{"hours=0", "hours=169", "hours=-5", "hours=abc"} {
		rec, _ := doJSON(t, s, http.MethodGet, "/chart/ohlc/BTCUSDT?"+q, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func Test_Server_Correlation(t *testing.T) {
	s, store, _ := newTestServer(t, testConfig())

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 20; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		seedTick(t, store, "BTCUSDT", at, decimal.NewFromInt(int64(100+i)).String(), "1")
		seedTick(t, store, "ETHUSDT", at, decimal.NewFromInt(int64(200+2*i)).String(), "1")
	}

	rec, body := doJSON(t, s, http.MethodGet, "/correlation?symbols=btcusdt,ethusdt&period=20", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	matrix, ok := body["correlationMatrix"].([]any)
	require.True(t, ok)
	require.Len(t, matrix, 2)
	row := matrix[0].([]any)
	assert.InDelta(t, 1.0, row[0].(float64), 1e-9)
	// The two series move in lockstep.
	assert.InDelta(t, 1.0, row[1].(float64), 1e-9)
}

func Test_Server_CorrelationValidation(t *testing.T) {
	s, _, _ := newTestServer(t, testConfig())

	tests := []struct {
		name   string
		target string
	}{
		{"Missing symbols", "/correlation"},
		{"Single symbol", "/correlation?symbols=BTCUSDT"},
		{"Invalid symbol", "/correlation?symbols=BTCUSDT,BAD-SYM"},
		{"Bad period", "/correlation?symbols=BTCUSDT,ETHUSDT&period=0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := doJSON(t, s, http.MethodGet, tt.target, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func Test_Server_Import(t *testing.T) {
	s, store, _ := newTestServer(t, testConfig())

	payload := `{
		"symbol": "btcusdt",
		"data": [
			{"timestamp": 1735689600000, "price": "45000", "volume": "10"},
			{"timestamp": 1735693200000, "price": "45100", "volume": "11"}
		]
	}`
	rec, body := doJSON(t, s, http.MethodPost, "/data/import", payload)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["imported"])
	assert.Equal(t, "BTCUSDT", body["symbol"])

	history, err := store.History(context.Background(), "BTCUSDT", 10)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func Test_Server_ImportValidation(t *testing.T) {
	s, _, _ := newTestServer(t, testConfig())

	tests := []struct {
		name    string
		payload string
	}{
		{"Malformed JSON", `{"symbol": "BTCUSDT", "data": [`},
		{"Missing symbol", `{"data": [{"timestamp": 1735689600000, "price": "1", "volume": "1"}]}`},
		{"Empty data", `{"symbol": "BTCUSDT", "data": []}`},
		{"Invalid symbol", `{"symbol": "BTC/USDT", "data": [{"timestamp": 1735689600000, "price": "1", "volume": "1"}]}`},
		{"Zero timestamp", `{"symbol": "BTCUSDT", "data": [{"timestamp": 0, "price": "1", "volume": "1"}]}`},
		{"Negative price", `{"symbol": "BTCUSDT", "data": [{"timestamp": 1735689600000, "price": "-1", "volume": "1"}]}`},
		{"Missing price", `{"symbol": "BTCUSDT", "data": [{"timestamp": 1735689600000, "volume": "10"}]}`},
		{"Missing volume", `{"symbol": "BTCUSDT", "data": [{"timestamp": 1735689600000, "price": "45000"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := doJSON(t, s, http.MethodPost, "/data/import", tt.payload)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func Test_Server_ImportRejectedRowsAreNotStored(t *testing.T) {
	s, store, _ := newTestServer(t, testConfig())

	payload := `{"symbol": "BTCUSDT", "data": [{"timestamp": 1735689600000, "volume": "10"}]}`
	rec, _ := doJSON(t, s, http.MethodPost, "/data/import", payload)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	history, err := store.History(context.Background(), "BTCUSDT", 10)
	require.NoError(t, err)
	assert.Empty(t, history, "a rejected row must never reach storage")
}

func Test_Server_ImportAcceptsExplicitZero(t *testing.T) {
	s, store, _ := newTestServer(t, testConfig())

	// A present zero is legitimate data, distinct from an absent field.
	payload := `{"symbol": "BTCUSDT", "data": [{"timestamp": 1735689600000, "price": "0", "volume": "0"}]}`
	rec, body := doJSON(t, s, http.MethodPost, "/data/import", payload)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["imported"])

	history, err := store.History(context.Background(), "BTCUSDT", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Price.IsZero())
}

func Test_Server_Metrics(t *testing.T) {
	s, _, _ := newTestServer(t, testConfig())

	// Generate a couple of requests so the counters move.
	doJSON(t, s, http.MethodGet, "/health", "")
	doJSON(t, s, http.MethodGet, "/health", "")

	rec, body := doJSON(t, s, http.MethodGet, "/performance/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body, "uptimeSeconds")
	assert.Contains(t, body, "memory")
	assert.Contains(t, body, "storage")
	assert.Contains(t, body, "cache")
	assert.Contains(t, body, "droppedTicks")

	requests, ok := body["requests"].(map[string]any)
	require.True(t, ok)
	assert.GreaterOrEqual(t, requests["total"].(float64), float64(2))
}

func Test_Server_RateLimitOnReads(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitMax = 2
	s, _, _ := newTestServer(t, cfg)

	send := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/prices", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		s.Engine().ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send("10.0.0.1:1111"))
	assert.Equal(t, http.StatusOK, send("10.0.0.1:1111"))
	assert.Equal(t, http.StatusTooManyRequests, send("10.0.0.1:1111"))

	// A different client is unaffected.
	assert.Equal(t, http.StatusOK, send("10.0.0.2:2222"))

	// The unthrottled surface stays reachable for the throttled client.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "10.0.0.1:1111"
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func Test_Server_HeavyLimiterIsIndependent(t *testing.T) {
	cfg := testConfig()
	cfg.HeavyLimitMax = 1
	s, _, _ := newTestServer(t, cfg)

	payload := `{"symbol": "BTCUSDT", "data": [{"timestamp": 1735689600000, "price": "1", "volume": "1"}]}`
	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/data/import", strings.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "10.0.0.3:3333"
		rec := httptest.NewRecorder()
		s.Engine().ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send())
	assert.Equal(t, http.StatusTooManyRequests, send())

	// The general limiter never saw those requests.
	req := httptest.NewRequest(http.MethodGet, "/prices", nil)
	req.RemoteAddr = "10.0.0.3:3333"
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
