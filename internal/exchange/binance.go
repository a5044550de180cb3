// Package exchange decodes upstream Binance perpetual-futures stream frames.
//
// The package understands the two frame families the service consumes: control
// acknowledgments (keyed by a numeric correlation id) and 24h ticker events
// (keyed by the "e" discriminator). Raw numeric strings from the wire are
// coerced into decimal values with validation; frames with unknown
// discriminators or malformed payloads are dropped, never fatal.
package exchange

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"pricefeed/internal/model"
)

// tickerEventType is the discriminator value of the frames the service ingests.
const tickerEventType = "24hrTicker"

// Topic suffixes understood by the upstream. Only the ticker topic is
// subscribed by default; the others exist for optional future ingest paths.
const (
	TopicTicker = "ticker"
	TopicTrade  = "aggTrade"
	TopicDepth  = "depth"
	TopicKline  = "kline_1m"
)

var (
	// ErrUnknownFrame indicates a frame whose discriminator is not ingested.
	ErrUnknownFrame = errors.New("unknown frame type")

	// ErrInvalidSymbol indicates a symbol that fails the upstream contract
	// naming rules.
	ErrInvalidSymbol = errors.New("invalid symbol")

	// symbolPattern matches uppercase alphanumeric contract names up to 16
	// characters, per the upstream naming convention.
	symbolPattern = regexp.MustCompile(`^[A-Z0-9]{1,16}$`)

	validate = validator.New()
)

// controlMsg is the JSON control frame the client sends to manage topic
// subscriptions.
//
// Example:
//
//	{"method": "SUBSCRIBE", "params": ["btcusdt@ticker"], "id": 1}
type controlMsg struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// ack is the upstream acknowledgment of a control frame, matched by id.
// A null result means success; a present error object means rejection.
type ack struct {
	Result json.RawMessage `json:"result"`
	ID     int64           `json:"id"`
	Error  *ackError       `json:"error,omitempty"`
}

type ackError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// tickerEvent is the 24h rolling ticker payload as delivered by the upstream.
//
// Numeric fields arrive as strings to preserve precision; validation rejects
// frames with non-numeric or missing values before any conversion happens.
type tickerEvent struct {
	EventType   string `json:"e" validate:"required"`
	EventTime   int64  `json:"E" validate:"required,gt=0"` // ms since epoch
	Symbol      string `json:"s" validate:"required"`
	LastPrice   string `json:"c" validate:"required,numeric"`
	Volume      string `json:"v" validate:"required,numeric"`
	PriceChange string `json:"p" validate:"omitempty,numeric"`
	ChangePct   string `json:"P" validate:"omitempty,numeric"`
}

// SubscribeFrame builds the SUBSCRIBE control frame for the given symbols on
// the given topic, using the provided correlation id.
func SubscribeFrame(symbols []string, topic string, id int64) ([]byte, error) {
	return controlFrame("SUBSCRIBE", symbols, topic, id)
}

// UnsubscribeFrame builds the UNSUBSCRIBE control frame for the given symbols.
func UnsubscribeFrame(symbols []string, topic string, id int64) ([]byte, error) {
	return controlFrame("UNSUBSCRIBE", symbols, topic, id)
}

func controlFrame(method string, symbols []string, topic string, id int64) ([]byte, error) {
	params := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if err := ValidateSymbol(s); err != nil {
			return nil, err
		}
		params = append(params, StreamName(s, topic))
	}
	return json.Marshal(controlMsg{Method: method, Params: params, ID: id})
}

// StreamName returns the lowercased upstream topic name for a symbol, e.g.
// "btcusdt@ticker".
func StreamName(symbol, topic string) string {
	return fmt.Sprintf("%s@%s", strings.ToLower(symbol), topic)
}

// ValidateSymbol checks a symbol against the upstream naming rules after
// normalization.
func ValidateSymbol(symbol string) error {
	if !symbolPattern.MatchString(NormalizeSymbol(symbol)) {
		return fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	return nil
}

// NormalizeSymbol maps arbitrary user input to the canonical uppercase form.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// DecodeAck attempts to interpret a raw frame as a control acknowledgment.
// The boolean reports whether the frame was an ack at all; ok acks carry a
// null result and no error object.
func DecodeAck(raw []byte) (id int64, ok bool, isAck bool) {
	var a ack
	if err := json.Unmarshal(raw, &a); err != nil {
		return 0, false, false
	}
	// Event frames also unmarshal into the ack shape with a zero id; only
	// frames carrying a correlation id count as acknowledgments.
	if a.ID == 0 {
		return 0, false, false
	}
	return a.ID, a.Error == nil, true
}

// DecodeTicker decodes and validates a ticker event frame into a PriceTick.
//
// Frames with a different discriminator return ErrUnknownFrame so the caller
// can drop them silently. Negative prices or volumes are rejected: the
// upstream never legitimately reports them and a poisoned row would violate
// the storage invariants.
func DecodeTicker(raw []byte) (model.PriceTick, error) {
	var ev tickerEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return model.PriceTick{}, fmt.Errorf("ticker frame decode: %w", err)
	}
	if ev.EventType != tickerEventType {
		return model.PriceTick{}, ErrUnknownFrame
	}
	if err := validate.Struct(&ev); err != nil {
		return model.PriceTick{}, fmt.Errorf("ticker frame validation: %w", err)
	}

	price, err := decimal.NewFromString(ev.LastPrice)
	if err != nil {
		return model.PriceTick{}, fmt.Errorf("ticker price: %w", err)
	}
	volume, err := decimal.NewFromString(ev.Volume)
	if err != nil {
		return model.PriceTick{}, fmt.Errorf("ticker volume: %w", err)
	}
	if price.IsNegative() || volume.IsNegative() {
		return model.PriceTick{}, fmt.Errorf("ticker frame rejected: negative price or volume for %s", ev.Symbol)
	}

	tick := model.PriceTick{
		Time:   time.UnixMilli(ev.EventTime).UTC(),
		Symbol: NormalizeSymbol(ev.Symbol),
		Price:  price,
		Volume: volume,
	}

	// Change fields are optional on some upstream variants.
	if ev.PriceChange != "" {
		if chg, err := decimal.NewFromString(ev.PriceChange); err == nil {
			tick.PriceChange = chg
		}
	}
	if ev.ChangePct != "" {
		if pct, err := decimal.NewFromString(ev.ChangePct); err == nil {
			tick.PriceChangePercent = pct
		}
	}

	return tick, nil
}
