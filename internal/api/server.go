// Package api exposes the HTTP query surface of the price feed service.
//
// Routes are registered on a gin engine with three middleware layers:
// request timing (logged and aggregated for the metrics endpoint), CORS, and
// two fixed-window rate limiters. Handlers convert storage and validation
// errors to stable JSON error bodies and never leak internal state.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"pricefeed/internal/config"
	"pricefeed/internal/ingest"
	"pricefeed/internal/storage"
)

// Server wires the route surface to storage and the latest-value cache.
type Server struct {
	cfg      *config.Config
	store    storage.Store
	cache    *ingest.LatestCache
	pipeline *ingest.Pipeline

	engine *gin.Engine
	http   *http.Server

	started   time.Time
	requests  atomic.Int64
	totalTime atomic.Int64 // cumulative handler time in microseconds

	logger zerolog.Logger
}

// NewServer builds the engine with all routes and middleware registered.
func NewServer(cfg *config.Config, store storage.Store, pipeline *ingest.Pipeline) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	s := &Server{
		cfg:      cfg,
		store:    store,
		cache:    pipeline.Cache(),
		pipeline: pipeline,
		engine:   engine,
		started:  time.Now(),
		logger:   log.With().Str("component", "api").Logger(),
	}

	engine.Use(gin.Recovery())
	engine.Use(s.timing())
	engine.Use(cors.Default())

	general := NewRateLimiter(time.Duration(cfg.RateLimitWindow)*time.Second, cfg.RateLimitMax)
	heavy := NewRateLimiter(time.Duration(cfg.HeavyLimitWindow)*time.Second, cfg.HeavyLimitMax)

	engine.GET("/", func(c *gin.Context) {
		c.Redirect(http.StatusFound, "/docs")
	})
	engine.GET("/docs", s.handleDocs)
	engine.GET("/health", s.handleHealth)
	engine.GET("/symbols", s.handleSymbols)
	engine.GET("/performance/metrics", s.handleMetrics)

	reads := engine.Group("/", general.Middleware())
	{
		reads.GET("/prices", s.handlePrices)
		reads.GET("/price/:symbol", s.handlePrice)
		reads.GET("/history/:symbol", s.handleHistory)
		reads.GET("/indicators/:symbol", s.handleIndicators)
		reads.GET("/chart/ohlc/:symbol", s.handleOHLC)
		reads.GET("/correlation", s.handleCorrelation)
	}

	writes := engine.Group("/", heavy.Middleware())
	{
		writes.POST("/data/import", s.handleImport)
	}

	return s
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// timing measures every request, logs the elapsed time, and feeds the
// aggregate counters behind the metrics endpoint.
func (s *Server) timing() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		s.requests.Add(1)
		s.totalTime.Add(elapsed.Microseconds())

		s.logger.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", elapsed).
			Msg("request")
	}
}

// Start listens on the configured port until the context is cancelled, then
// drains in-flight handlers for up to shutdownDeadline.
func (s *Server) Start(ctx context.Context) error {
	s.http = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Int("port", s.cfg.Port).Msg("http server listening")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}
