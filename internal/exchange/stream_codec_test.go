package exchange

import (
	"sort"
	"testing"
	"time"

	"marketsync/internal/model"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCodec() *StreamCodec {
	sc := NewStreamCodec()
	sc.now = func() time.Time { return time.Unix(1700000000, 0) }
	return sc
}

func TestStreamCodec_Channel(t *testing.T) {
	sc := newTestCodec()

	assert.Equal(t, "candle:BTC:1h", sc.Channel(model.CandleTopic("BTC", "1h")))
	assert.Equal(t, "allMids", sc.Channel(model.PriceTopic("BTC")))
	assert.Equal(t, sc.Channel(model.PriceTopic("BTC")), sc.Channel(model.PriceTopic("ETH")),
		"all price topics share one upstream channel")
}

func TestStreamCodec_Encode(t *testing.T) {
	sc := newTestCodec()

	tests := []struct {
		name     string
		encode   func(model.Topic) ([]byte, error)
		topic    model.Topic
		expected string
	}{
		{
			name:     "subscribe candle",
			encode:   sc.EncodeSubscribe,
			topic:    model.CandleTopic("BTC", "1h"),
			expected: `{"method":"subscribe","subscription":{"type":"candle","coin":"BTC","interval":"1h"}}`,
		},
		{
			name:     "unsubscribe candle",
			encode:   sc.EncodeUnsubscribe,
			topic:    model.CandleTopic("xyz:TSLA", "5m"),
			expected: `{"method":"unsubscribe","subscription":{"type":"candle","coin":"xyz:TSLA","interval":"5m"}}`,
		},
		{
			name:     "subscribe price",
			encode:   sc.EncodeSubscribe,
			topic:    model.PriceTopic("ETH"),
			expected: `{"method":"subscribe","subscription":{"type":"allMids"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.encode(tt.topic)
			require.NoError(t, err)
			assert.JSONEq(t, tt.expected, string(got))
		})
	}

	_, err := sc.EncodeSubscribe(model.Topic{Kind: "trades", Symbol: "BTC"})
	assert.Error(t, err)
}

func TestStreamCodec_DecodeCandle(t *testing.T) {
	sc := newTestCodec()

	raw := `{"channel":"candle","data":{"t":1700000000000,"T":1700003599999,"s":"BTC","i":"1h","o":"37000","c":"37100.5","h":"37200","l":"36950","v":"12.5","n":9}}`
	updates, err := sc.Decode([]byte(raw))
	require.NoError(t, err)
	require.Len(t, updates, 1)

	u := updates[0]
	assert.Equal(t, model.CandleTopic("BTC", "1h"), u.Topic)
	assert.Equal(t, time.Unix(1700000000, 0), u.ReceivedAt)
	require.Len(t, u.Candles, 1)
	assert.Equal(t, int64(1700000000), u.Candles[0].OpenTime)
	assert.True(t, u.Candles[0].Close.Equal(decimal.RequireFromString("37100.5")))
}

func TestStreamCodec_DecodeCandleArray(t *testing.T) {
	sc := newTestCodec()

	raw := `{"channel":"candle","data":[
		{"t":60000,"s":"BTC","i":"1m","o":"1","c":"1","h":"1","l":"1","v":"1"},
		{"t":60000,"s":"ETH","i":"1m","o":"2","c":"2","h":"2","l":"2","v":"2"},
		{"t":120000,"s":"BTC","i":"1m","o":"1","c":"1","h":"1","l":"1","v":"1"},
		{"t":180000,"s":"BTC","i":"1m","o":"bad","c":"1","h":"1","l":"1","v":"1"}
	]}`
	updates, err := sc.Decode([]byte(raw))
	require.NoError(t, err)
	require.Len(t, updates, 2)

	assert.Equal(t, model.CandleTopic("BTC", "1m"), updates[0].Topic)
	assert.Len(t, updates[0].Candles, 2, "malformed entry must be dropped")
	assert.Equal(t, model.CandleTopic("ETH", "1m"), updates[1].Topic)
	assert.Len(t, updates[1].Candles, 1)
}

func TestStreamCodec_DecodeAllMids(t *testing.T) {
	sc := newTestCodec()

	raw := `{"channel":"allMids","data":{"mids":{"BTC":"50000","ETH":"2500.25","XX":"nan?"}}}`
	updates, err := sc.Decode([]byte(raw))
	require.NoError(t, err)
	require.Len(t, updates, 2)

	sort.Slice(updates, func(i, j int) bool { return updates[i].Topic.Symbol < updates[j].Topic.Symbol })
	assert.Equal(t, model.PriceTopic("BTC"), updates[0].Topic)
	assert.True(t, updates[0].Price.Equal(decimal.NewFromInt(50000)))
	assert.Equal(t, model.PriceTopic("ETH"), updates[1].Topic)
	assert.True(t, updates[1].Price.Equal(decimal.RequireFromString("2500.25")))
}

func TestStreamCodec_DecodeControl(t *testing.T) {
	sc := newTestCodec()

	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{name: "subscription ack", raw: `{"channel":"subscriptionResponse","data":{"method":"subscribe"}}`},
		{name: "pong", raw: `{"channel":"pong"}`},
		{name: "unknown channel", raw: `{"channel":"l2Book","data":{}}`},
		{name: "upstream error", raw: `{"channel":"error","data":"Invalid subscription"}`, wantErr: ErrUpstream},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			updates, err := sc.Decode([]byte(tt.raw))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Empty(t, updates)
		})
	}

	_, err := sc.Decode([]byte("not json"))
	assert.Error(t, err)
}

func TestPingMessage(t *testing.T) {
	var msg map[string]string
	require.NoError(t, json.Unmarshal(PingMessage(), &msg))
	assert.Equal(t, "ping", msg["method"])

	// callers get their own copy
	p := PingMessage()
	p[0] = 'x'
	assert.Equal(t, byte('{'), PingMessage()[0])
}
