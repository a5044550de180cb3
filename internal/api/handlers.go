package api

import (
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"pricefeed/internal/analytics"
	"pricefeed/internal/exchange"
	"pricefeed/internal/model"
	"pricefeed/internal/storage"
)

// OHLC range bounds in hours.
const (
	minOHLCHours     = 1
	maxOHLCHours     = 168
	defaultOHLCHours = 24
)

// tickResponse is the wire shape of one tick on the query surface.
type tickResponse struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
}

func toTickResponse(t model.PriceTick) tickResponse {
	return tickResponse{
		Symbol:    t.Symbol,
		Price:     t.Price,
		Volume:    t.Volume,
		Timestamp: t.Time,
	}
}

// respondStorageError maps storage failures onto the error surface.
func respondStorageError(c *gin.Context, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "symbol not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
}

// handleDocs lists the route surface; the root path redirects here.
func (s *Server) handleDocs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "pricefeed",
		"routes": []string{
			"GET /health",
			"GET /symbols",
			"GET /prices",
			"GET /price/:symbol",
			"GET /history/:symbol?limit=N",
			"GET /indicators/:symbol",
			"GET /chart/ohlc/:symbol?hours=H",
			"GET /correlation?symbols=A,B,C&period=N",
			"POST /data/import",
			"GET /performance/metrics",
		},
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

// handleSymbols returns the configured tracked list.
func (s *Server) handleSymbols(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"symbols": s.cfg.Symbols})
}

// handlePrices serves the latest tick per symbol, merging the in-process
// cache over the storage summary. The cache wins per symbol since it may hold
// a tick that has not been persisted yet; storage fills in symbols the cache
// has not seen since startup.
func (s *Server) handlePrices(c *gin.Context) {
	latest := s.cache.All()
	summary, err := s.store.Summary(c.Request.Context())
	if err != nil {
		// A warm cache still answers during a storage outage.
		if len(latest) == 0 {
			respondStorageError(c, err)
			return
		}
	}
	for sym, tick := range summary {
		if _, ok := latest[sym]; !ok {
			latest[sym] = tick
		}
	}

	out := make(map[string]tickResponse, len(latest))
	for sym, tick := range latest {
		out[sym] = toTickResponse(tick)
	}
	c.JSON(http.StatusOK, out)
}

// handlePrice serves one symbol's latest tick, cache first.
func (s *Server) handlePrice(c *gin.Context) {
	symbol := exchange.NormalizeSymbol(c.Param("symbol"))

	if tick, ok := s.cache.Get(symbol); ok {
		c.JSON(http.StatusOK, toTickResponse(tick))
		return
	}

	tick, err := s.store.Latest(c.Request.Context(), symbol)
	if err != nil {
		respondStorageError(c, err)
		return
	}
	c.JSON(http.StatusOK, toTickResponse(tick))
}

// handleHistory returns up to limit ticks, newest first.
func (s *Server) handleHistory(c *gin.Context) {
	symbol := exchange.NormalizeSymbol(c.Param("symbol"))

	limit := storage.DefaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = parsed
	}
	if limit == 0 {
		c.JSON(http.StatusOK, []tickResponse{})
		return
	}

	ticks, err := s.store.History(c.Request.Context(), symbol, limit)
	if err != nil {
		respondStorageError(c, err)
		return
	}

	out := make([]tickResponse, 0, len(ticks))
	for _, tick := range ticks {
		out = append(out, toTickResponse(tick))
	}
	c.JSON(http.StatusOK, out)
}

// handleIndicators computes the full indicator set over the configured
// lookback window.
func (s *Server) handleIndicators(c *gin.Context) {
	symbol := exchange.NormalizeSymbol(c.Param("symbol"))

	prices, err := s.recentPrices(c, symbol, s.cfg.IndicatorWindow)
	if err != nil {
		respondStorageError(c, err)
		return
	}
	if len(prices) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no history for symbol"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"symbol":     symbol,
		"timestamp":  time.Now().UTC(),
		"indicators": analytics.AllIndicators(prices),
	})
}

// recentPrices loads the last n ticks for a symbol as an ascending price
// series.
func (s *Server) recentPrices(c *gin.Context, symbol string, n int) ([]float64, error) {
	ticks, err := s.store.History(c.Request.Context(), symbol, n)
	if err != nil {
		return nil, err
	}
	// History is newest-first; indicators expect ascending order.
	prices := make([]float64, len(ticks))
	for i, tick := range ticks {
		prices[len(ticks)-1-i] = tick.Price.InexactFloat64()
	}
	return prices, nil
}

// handleOHLC serves 1-hour candles over the requested range.
func (s *Server) handleOHLC(c *gin.Context) {
	symbol := exchange.NormalizeSymbol(c.Param("symbol"))

	hours := defaultOHLCHours
	if raw := c.Query("hours"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "hours must be an integer"})
			return
		}
		hours = parsed
	}
	if hours < minOHLCHours || hours > maxOHLCHours {
		c.JSON(http.StatusBadRequest, gin.H{"error": "hours must be between 1 and 168"})
		return
	}

	candles, err := s.store.OHLC(c.Request.Context(), symbol, hours)
	if err != nil {
		respondStorageError(c, err)
		return
	}
	c.JSON(http.StatusOK, candles)
}

// handleCorrelation computes the pairwise Pearson matrix for the requested
// symbols over the last period ticks each.
func (s *Server) handleCorrelation(c *gin.Context) {
	rawSymbols := c.Query("symbols")
	if rawSymbols == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbols query parameter is required"})
		return
	}

	symbols := make([]string, 0)
	for _, part := range strings.Split(rawSymbols, ",") {
		sym := exchange.NormalizeSymbol(part)
		if sym == "" {
			continue
		}
		if err := exchange.ValidateSymbol(sym); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid symbol in list"})
			return
		}
		symbols = append(symbols, sym)
	}
	if len(symbols) < 2 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least two symbols are required"})
		return
	}

	period := s.cfg.IndicatorWindow
	if raw := c.Query("period"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "period must be a positive integer"})
			return
		}
		period = parsed
	}

	series := make([][]float64, len(symbols))
	for i, sym := range symbols {
		prices, err := s.recentPrices(c, sym, period)
		if err != nil {
			respondStorageError(c, err)
			return
		}
		series[i] = prices
	}

	c.JSON(http.StatusOK, gin.H{
		"symbols":           symbols,
		"correlationMatrix": analytics.Correlation(series),
	})
}

// importPoint is one row of a bulk import request. Price and volume are
// pointers so a missing field is distinguishable from a legitimate zero.
type importPoint struct {
	Timestamp int64            `json:"timestamp" binding:"required,gt=0"` // ms since epoch
	Price     *decimal.Decimal `json:"price" binding:"required"`
	Volume    *decimal.Decimal `json:"volume" binding:"required"`
}

// importRequest is the bulk import payload.
type importRequest struct {
	Symbol string        `json:"symbol" binding:"required"`
	Data   []importPoint `json:"data" binding:"required,min=1,dive"`
}

// handleImport bulk-upserts historical rows for one symbol. Sits behind the
// stricter limiter together with the rest of the heavy surface.
func (s *Server) handleImport(c *gin.Context) {
	var req importRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed import payload"})
		return
	}

	symbol := exchange.NormalizeSymbol(req.Symbol)
	if err := exchange.ValidateSymbol(symbol); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid symbol"})
		return
	}

	ticks := make([]model.PriceTick, 0, len(req.Data))
	for _, point := range req.Data {
		if point.Price.IsNegative() || point.Volume.IsNegative() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "price and volume must be non-negative"})
			return
		}
		ticks = append(ticks, model.PriceTick{
			Time:   time.UnixMilli(point.Timestamp).UTC(),
			Symbol: symbol,
			Price:  *point.Price,
			Volume: *point.Volume,
		})
	}

	if err := s.store.PutBatch(c.Request.Context(), ticks); err != nil {
		respondStorageError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"imported": len(ticks), "symbol": symbol})
}

// handleMetrics reports uptime, memory, storage, and cache state.
func (s *Server) handleMetrics(c *gin.Context) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	requests := s.requests.Load()
	var avgMicros int64
	if requests > 0 {
		avgMicros = s.totalTime.Load() / requests
	}

	c.JSON(http.StatusOK, gin.H{
		"uptimeSeconds": int64(time.Since(s.started).Seconds()),
		"memory": gin.H{
			"allocBytes":  mem.Alloc,
			"sysBytes":    mem.Sys,
			"heapObjects": mem.HeapObjects,
			"gcCycles":    mem.NumGC,
			"goroutines":  runtime.NumGoroutine(),
		},
		"requests": gin.H{
			"total":        requests,
			"avgLatencyUs": avgMicros,
		},
		"storage":      s.store.Stats(c.Request.Context()),
		"cache":        s.cache.Stats(),
		"droppedTicks": s.pipeline.Dropped(),
	})
}
