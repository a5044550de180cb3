package exchange

import (
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_DecodeTicker(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		expectErr bool
		unknown   bool
	}{
		{
			name: "Valid ticker frame",
			raw:  `{"e":"24hrTicker","E":1735689600000,"s":"BTCUSDT","c":"45000.00","v":"1000.00","p":"120.5","P":"0.27"}`,
		},
		{
			name:    "Unknown discriminator is dropped",
			raw:     `{"e":"aggTrade","E":1735689600000,"s":"BTCUSDT","p":"45000.00","q":"0.5"}`,
			unknown: true,
		},
		{
			name:      "Negative price is rejected",
			raw:       `{"e":"24hrTicker","E":1735689600000,"s":"BTCUSDT","c":"-1.0","v":"1000.00"}`,
			expectErr: true,
		},
		{
			name:      "Negative volume is rejected",
			raw:       `{"e":"24hrTicker","E":1735689600000,"s":"BTCUSDT","c":"45000.00","v":"-3"}`,
			expectErr: true,
		},
		{
			name:      "Non-numeric price fails validation",
			raw:       `{"e":"24hrTicker","E":1735689600000,"s":"BTCUSDT","c":"not-a-price","v":"1000.00"}`,
			expectErr: true,
		},
		{
			name:      "Missing event time fails validation",
			raw:       `{"e":"24hrTicker","s":"BTCUSDT","c":"45000.00","v":"1000.00"}`,
			expectErr: true,
		},
		{
			name:      "Garbage payload fails decode",
			raw:       `{{{`,
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tick, err := DecodeTicker([]byte(tt.raw))
			if tt.unknown {
				assert.ErrorIs(t, err, ErrUnknownFrame)
				return
			}
			if tt.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "BTCUSDT", tick.Symbol)
			assert.Equal(t, "45000", tick.Price.String())
			assert.Equal(t, "1000", tick.Volume.String())
			assert.Equal(t, time.UnixMilli(1735689600000).UTC(), tick.Time)
			assert.Equal(t, "120.5", tick.PriceChange.String())
			assert.Equal(t, "0.27", tick.PriceChangePercent.String())
		})
	}
}

func Test_DecodeTicker_LowercaseSymbolNormalized(t *testing.T) {
	raw := `{"e":"24hrTicker","E":1735689600000,"s":"ethusdt","c":"2500","v":"10"}`
	tick, err := DecodeTicker([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", tick.Symbol)
}

func Test_SubscribeFrame(t *testing.T) {
	frame, err := SubscribeFrame([]string{"BTCUSDT", "ETHUSDT"}, TopicTicker, 7)
	require.NoError(t, err)

	var msg struct {
		Method string   `json:"method"`
		Params []string `json:"params"`
		ID     int64    `json:"id"`
	}
	require.NoError(t, json.Unmarshal(frame, &msg))
	assert.Equal(t, "SUBSCRIBE", msg.Method)
	assert.Equal(t, []string{"btcusdt@ticker", "ethusdt@ticker"}, msg.Params)
	assert.Equal(t, int64(7), msg.ID)
}

func Test_UnsubscribeFrame(t *testing.T) {
	frame, err := UnsubscribeFrame([]string{"BTCUSDT"}, TopicTicker, 9)
	require.NoError(t, err)
	assert.Contains(t, string(frame), `"UNSUBSCRIBE"`)
	assert.Contains(t, string(frame), `"btcusdt@ticker"`)
}

func Test_SubscribeFrame_InvalidSymbol(t *testing.T) {
	_, err := SubscribeFrame([]string{"BTC/USDT"}, TopicTicker, 1)
	assert.ErrorIs(t, err, ErrInvalidSymbol)
}

func Test_DecodeAck(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		id    int64
		ok    bool
		isAck bool
	}{
		{
			name:  "Successful acknowledgment",
			raw:   `{"result":null,"id":3}`,
			id:    3,
			ok:    true,
			isAck: true,
		},
		{
			name:  "Rejected acknowledgment",
			raw:   `{"id":4,"error":{"code":2,"msg":"invalid stream"}}`,
			id:    4,
			ok:    false,
			isAck: true,
		},
		{
			name:  "Event frame is not an ack",
			raw:   `{"e":"24hrTicker","E":1735689600000,"s":"BTCUSDT","c":"1","v":"1"}`,
			isAck: false,
		},
		{
			name:  "Garbage is not an ack",
			raw:   `not json`,
			isAck: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok, isAck := DecodeAck([]byte(tt.raw))
			assert.Equal(t, tt.isAck, isAck)
			if tt.isAck {
				assert.Equal(t, tt.id, id)
				assert.Equal(t, tt.ok, ok)
			}
		})
	}
}

func Test_SymbolHelpers(t *testing.T) {
	assert.Equal(t, "BTCUSDT", NormalizeSymbol("  btcusdt "))
	assert.NoError(t, ValidateSymbol("btcusdt"))
	assert.NoError(t, ValidateSymbol("1000PEPEUSDT"))
	assert.Error(t, ValidateSymbol(""))
	assert.Error(t, ValidateSymbol("WAY-TOO-LONG-SYMBOL-NAME"))
	assert.Error(t, ValidateSymbol("BTC USDT"))
	assert.Equal(t, "btcusdt@ticker", StreamName("BTCUSDT", TopicTicker))
}
