// Package stream maintains the long-lived WebSocket connection to the
// upstream exchange.
//
// A single Client owns one socket at a time. It runs a read loop and a ping
// loop per connection, decodes ticker frames into normalized PriceTicks, and
// hands them to a sink. On socket failure it reconnects with exponential
// backoff and jitter, rotating through a small list of equivalent endpoints,
// until either the connection recovers or the attempt budget is exhausted.
//
// Connection states per attempt:
//
//	DISCONNECTED -> CONNECTING  on start or scheduled reconnect
//	CONNECTING   -> OPEN        on handshake success (attempt counter resets,
//	                            pending subscriptions are flushed)
//	CONNECTING   -> DISCONNECTED on handshake failure
//	OPEN         -> DISCONNECTED on socket close or protocol error
//	any          -> FAILED      once attempts exceed the configured cap
package stream

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"pricefeed/internal/exchange"
	"pricefeed/internal/model"
)

// ConnState describes the lifecycle of the current connection attempt.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateOpen
	StateFailed
)

// String returns the state name for logging.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

const (
	pingPeriod       = 15 * time.Second
	sendTimeout      = 5 * time.Second
	readLimit        = 1 << 20 // 1MB
	handshakeTimeout = 10 * time.Second

	// backoff policy
	backoffFactor = 1.5
	backoffCap    = 30 * time.Second
	jitterMax     = time.Second

	// rotateEvery moves to the next endpoint after this many consecutive
	// failures on the current one.
	rotateEvery = 3
)

// ErrReconnectBudgetExhausted is reported once the attempt cap is reached.
// The process is expected to surface it and exit non-zero.
var ErrReconnectBudgetExhausted = errors.New("reconnect budget exhausted")

// Sink receives every decoded tick. Implementations must not block; the
// ingest pipeline's Enqueue satisfies this.
type Sink interface {
	Enqueue(tick model.PriceTick)
}

// Config defines settings for the stream client.
type Config struct {
	// Endpoints is the rotation list of equivalent upstream URLs. Required.
	Endpoints []string

	// Symbols is the initial set of contracts to subscribe to.
	Symbols []string

	// Topic is the per-symbol upstream topic, default exchange.TopicTicker.
	Topic string

	// ReconnectBase is the backoff base interval. Required.
	ReconnectBase time.Duration

	// MaxAttempts caps consecutive failed attempts before giving up.
	MaxAttempts int
}

// Client maintains the upstream subscription set over a self-healing socket.
type Client struct {
	cfg  Config
	sink Sink

	state      atomic.Int32
	connecting atomic.Bool // guards against overlapping reconnect attempts

	mu            sync.Mutex
	conn          *websocket.Conn
	subscriptions map[string]*model.Subscription
	pendingAcks   map[int64][]string // correlation id -> symbols awaiting ack
	nextID        atomic.Int64
	attempts      int
	endpointIdx   int
	failuresHere  int // consecutive failures on the current endpoint

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup

	// Fatal delivers ErrReconnectBudgetExhausted at most once.
	fatal chan error

	logger zerolog.Logger

	// rng supplies backoff jitter; guarded by mu.
	rng *rand.Rand
}

// NewClient constructs a stream client. Start must be called to connect.
func NewClient(cfg Config, sink Sink) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("at least one endpoint is required")
	}
	if sink == nil {
		return nil, errors.New("tick sink is required")
	}
	if cfg.Topic == "" {
		cfg.Topic = exchange.TopicTicker
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}

	subs := make(map[string]*model.Subscription, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		sym := exchange.NormalizeSymbol(s)
		if err := exchange.ValidateSymbol(sym); err != nil {
			return nil, err
		}
		subs[sym] = &model.Subscription{Symbol: sym, State: model.SubscriptionPending, Desired: true}
	}

	return &Client{
		cfg:           cfg,
		sink:          sink,
		subscriptions: subs,
		pendingAcks:   make(map[int64][]string),
		fatal:         make(chan error, 1),
		logger:        log.With().Str("component", "stream").Logger(),
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Start connects to the upstream and begins the reconnect loop. It returns
// after the first connection attempt has been scheduled; connection failures
// are handled internally until the attempt budget runs out.
func (c *Client) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.connectLoop()
	}()
}

// Fatal returns a channel that delivers ErrReconnectBudgetExhausted if the
// client gives up reconnecting.
func (c *Client) Fatal() <-chan error {
	return c.fatal
}

// State reports the current connection state.
func (c *Client) State() ConnState {
	return ConnState(c.state.Load())
}

// Subscriptions returns a snapshot of the per-symbol subscription records.
func (c *Client) Subscriptions() []model.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Subscription, 0, len(c.subscriptions))
	for _, sub := range c.subscriptions {
		out = append(out, *sub)
	}
	return out
}

// Track adds a symbol to the desired set and subscribes immediately when the
// socket is open.
func (c *Client) Track(symbol string) error {
	sym := exchange.NormalizeSymbol(symbol)
	if err := exchange.ValidateSymbol(sym); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if sub, ok := c.subscriptions[sym]; ok {
		sub.Desired = true
		return nil
	}
	c.subscriptions[sym] = &model.Subscription{Symbol: sym, State: model.SubscriptionPending, Desired: true}
	if c.conn != nil && c.State() == StateOpen {
		return c.sendSubscribeLocked([]string{sym})
	}
	return nil
}

// Untrack removes a symbol: an UNSUBSCRIBE frame is sent when connected and
// the subscription record is dropped.
func (c *Client) Untrack(symbol string) error {
	sym := exchange.NormalizeSymbol(symbol)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subscriptions[sym]; !ok {
		return nil
	}
	delete(c.subscriptions, sym)
	if c.conn != nil && c.State() == StateOpen {
		frame, err := exchange.UnsubscribeFrame([]string{sym}, c.cfg.Topic, c.nextID.Add(1))
		if err != nil {
			return err
		}
		return c.writeLocked(frame)
	}
	return nil
}

// connectLoop drives the state machine until shutdown or budget exhaustion.
func (c *Client) connectLoop() {
	for {
		if c.ctx.Err() != nil {
			return
		}

		if !c.connecting.CompareAndSwap(false, true) {
			// Another attempt is already in flight; never overlap.
			return
		}
		c.state.Store(int32(StateConnecting))

		endpoint := c.currentEndpoint()
		conn, err := c.dial(endpoint)
		if err != nil {
			c.connecting.Store(false)
			c.state.Store(int32(StateDisconnected))
			if !c.scheduleRetry(err) {
				return
			}
			continue
		}

		c.onOpen(conn, endpoint)
		c.connecting.Store(false)

		// Block until this connection dies or shutdown is requested.
		c.readLoop(conn)

		if c.ctx.Err() != nil {
			return
		}
		c.state.Store(int32(StateDisconnected))
		if !c.scheduleRetry(errors.New("connection lost")) {
			return
		}
	}
}

// scheduleRetry sleeps out the backoff for the next attempt. It returns false
// once the budget is exhausted or shutdown was requested.
func (c *Client) scheduleRetry(cause error) bool {
	c.mu.Lock()
	c.attempts++
	c.failuresHere++
	attempts := c.attempts
	if c.failuresHere >= rotateEvery {
		c.failuresHere = 0
		c.endpointIdx = (c.endpointIdx + 1) % len(c.cfg.Endpoints)
		c.logger.Info().Str("endpoint", c.cfg.Endpoints[c.endpointIdx]).Msg("rotating upstream endpoint")
	}
	delay := c.backoffLocked(attempts)
	c.mu.Unlock()

	if attempts > c.cfg.MaxAttempts {
		c.state.Store(int32(StateFailed))
		c.logger.Error().Err(cause).Int("attempts", attempts-1).Msg("giving up on upstream")
		select {
		case c.fatal <- ErrReconnectBudgetExhausted:
		default:
		}
		return false
	}

	c.logger.Warn().Err(cause).Int("attempt", attempts).Dur("backoff", delay).Msg("reconnecting")
	select {
	case <-time.After(delay):
		return true
	case <-c.ctx.Done():
		return false
	}
}

// backoffLocked computes base * factor^(n-1), capped, plus uniform jitter.
func (c *Client) backoffLocked(attempt int) time.Duration {
	d := float64(c.cfg.ReconnectBase)
	for i := 1; i < attempt; i++ {
		d *= backoffFactor
		if d >= float64(backoffCap) {
			d = float64(backoffCap)
			break
		}
	}
	return time.Duration(d) + time.Duration(c.rng.Int63n(int64(jitterMax)))
}

func (c *Client) currentEndpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Endpoints[c.endpointIdx]
}

// dial establishes a WebSocket connection to the endpoint.
func (c *Client) dial(endpoint string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	ctx, cancel := context.WithTimeout(c.ctx, handshakeTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("handshake to %s failed with status %d: %w", endpoint, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("handshake to %s failed: %w", endpoint, err)
	}
	conn.SetReadLimit(readLimit)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pingPeriod * 2))
	})
	return conn, nil
}

// onOpen records the new connection, resets the attempt counters, resets all
// subscriptions to PENDING and flushes one SUBSCRIBE frame for the full
// desired set.
func (c *Client) onOpen(conn *websocket.Conn, endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn = conn
	c.attempts = 0
	c.failuresHere = 0
	c.state.Store(int32(StateOpen))
	c.logger.Info().Str("endpoint", endpoint).Msg("connected to upstream")

	// Acks for frames sent on the dead connection can never arrive.
	c.pendingAcks = make(map[int64][]string)

	symbols := make([]string, 0, len(c.subscriptions))
	for _, sub := range c.subscriptions {
		if sub.Desired {
			sub.State = model.SubscriptionPending
			symbols = append(symbols, sub.Symbol)
		}
	}
	if len(symbols) > 0 {
		if err := c.sendSubscribeLocked(symbols); err != nil {
			c.logger.Error().Err(err).Msg("subscription flush failed")
		}
	}

	// Ping keepalive for the lifetime of this connection.
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pingLoop(conn)
	}()
}

// sendSubscribeLocked writes one SUBSCRIBE frame for the symbols and records
// the correlation id. Caller holds mu.
func (c *Client) sendSubscribeLocked(symbols []string) error {
	id := c.nextID.Add(1)
	frame, err := exchange.SubscribeFrame(symbols, c.cfg.Topic, id)
	if err != nil {
		return err
	}
	if err := c.writeLocked(frame); err != nil {
		return err
	}
	c.pendingAcks[id] = symbols
	return nil
}

// writeLocked writes a text frame with a deadline. Caller holds mu.
func (c *Client) writeLocked(frame []byte) error {
	if c.conn == nil {
		return errors.New("not connected")
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(sendTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// readLoop consumes frames until the connection dies. Decode errors drop the
// individual frame and continue; only socket errors end the loop.
func (c *Client) readLoop(conn *websocket.Conn) {
	logger := c.logger.With().Str("loop", "read").Logger()
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		if c.ctx.Err() != nil {
			return
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info().Err(err).Msg("upstream closed normally")
			} else if c.ctx.Err() == nil {
				logger.Warn().Err(err).Msg("socket read failed")
			}
			return
		}
		c.handleFrame(raw)
	}
}

// handleFrame routes one raw frame: ack first, then ticker event.
func (c *Client) handleFrame(raw []byte) {
	if id, ok, isAck := exchange.DecodeAck(raw); isAck {
		c.resolveAck(id, ok)
		return
	}

	tick, err := exchange.DecodeTicker(raw)
	if err != nil {
		if !errors.Is(err, exchange.ErrUnknownFrame) {
			c.logger.Debug().Err(err).Msg("dropping undecodable frame")
		}
		return
	}

	c.mu.Lock()
	if sub, okSub := c.subscriptions[tick.Symbol]; okSub {
		sub.LastActivity = tick.Time
	}
	c.mu.Unlock()

	c.sink.Enqueue(tick)
}

// resolveAck transitions the subscriptions named by the correlation id.
func (c *Client) resolveAck(id int64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	symbols, found := c.pendingAcks[id]
	if !found {
		return
	}
	delete(c.pendingAcks, id)

	next := model.SubscriptionActive
	if !ok {
		next = model.SubscriptionFailed
	}
	for _, sym := range symbols {
		if sub, okSub := c.subscriptions[sym]; okSub {
			sub.State = next
		}
	}
	c.logger.Info().Int64("id", id).Bool("ok", ok).Strs("symbols", symbols).Msg("subscription acknowledged")
}

// pingLoop keeps one connection alive until it is replaced or shutdown.
func (c *Client) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			stale := c.conn != conn
			c.mu.Unlock()
			if stale {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(sendTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug().Err(err).Msg("ping failed")
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Close tears down the socket and stops all loops. Safe to call repeatedly;
// no new reconnect attempts are made after it returns.
func (c *Client) Close() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}

		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()

		if conn != nil {
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			_ = conn.Close()
		}

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			c.logger.Warn().Msg("timeout waiting for stream goroutines")
		}
	})
}
