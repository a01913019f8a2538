package exchange

import (
	"fmt"
	"time"

	"marketsync/internal/model"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// allMidsChannel is the single upstream channel shared by every price topic.
const allMidsChannel = "allMids"

// pingMessage is the application-level heartbeat the streaming API expects.
var pingMessage = []byte(`{"method":"ping"}`)

// PingMessage returns the heartbeat frame for the streaming transport.
func PingMessage() []byte {
	return append([]byte(nil), pingMessage...)
}

// subscriptionRequest is a control message sent on the streaming connection.
//
// Example JSON:
//
//	{"method":"subscribe","subscription":{"type":"candle","coin":"BTC","interval":"1h"}}
//	{"method":"unsubscribe","subscription":{"type":"allMids"}}
type subscriptionRequest struct {
	Method       string           `json:"method"`
	Subscription subscriptionArgs `json:"subscription"`
}

type subscriptionArgs struct {
	Type     string `json:"type"`
	Coin     string `json:"coin,omitempty"`
	Interval string `json:"interval,omitempty"`
}

// envelope is the outer wrapper of every inbound streaming message.
//
// Example JSON:
//
//	{"channel":"candle","data":{"t":1700000000000,"s":"BTC","i":"1h","o":"37000.0",...}}
//	{"channel":"allMids","data":{"mids":{"BTC":"37050.5","ETH":"2010.1"}}}
type envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type allMidsData struct {
	Mids map[string]string `json:"mids"`
}

// StreamCodec translates topics into streaming control messages and inbound
// frames into topic updates.
type StreamCodec struct {
	validate *validator.Validate
	now      func() time.Time
}

// NewStreamCodec creates a codec for the exchange's streaming protocol.
func NewStreamCodec() *StreamCodec {
	return &StreamCodec{
		validate: validator.New(),
		now:      time.Now,
	}
}

// Channel returns the upstream channel identity for topic. Every price topic
// maps onto the shared allMids channel.
func (sc *StreamCodec) Channel(topic model.Topic) string {
	if topic.Kind == model.TopicPrice {
		return allMidsChannel
	}
	return fmt.Sprintf("candle:%s:%s", topic.Symbol, topic.Interval)
}

// EncodeSubscribe builds the subscribe message for topic.
func (sc *StreamCodec) EncodeSubscribe(topic model.Topic) ([]byte, error) {
	return sc.encode("subscribe", topic)
}

// EncodeUnsubscribe builds the unsubscribe message for topic.
func (sc *StreamCodec) EncodeUnsubscribe(topic model.Topic) ([]byte, error) {
	return sc.encode("unsubscribe", topic)
}

func (sc *StreamCodec) encode(method string, topic model.Topic) ([]byte, error) {
	var args subscriptionArgs
	switch topic.Kind {
	case model.TopicCandle:
		args = subscriptionArgs{Type: "candle", Coin: topic.Symbol, Interval: string(topic.Interval)}
	case model.TopicPrice:
		args = subscriptionArgs{Type: allMidsChannel}
	default:
		return nil, fmt.Errorf("unsupported topic kind %q", topic.Kind)
	}
	return json.Marshal(subscriptionRequest{Method: method, Subscription: args})
}

// Decode turns one inbound frame into zero or more topic updates.
//
// Control acknowledgements and heartbeats decode to no updates. Malformed
// candles inside an otherwise valid frame are dropped. An upstream error
// message is returned as ErrUpstream.
func (sc *StreamCodec) Decode(raw []byte) ([]model.Update, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid stream JSON: %w", err)
	}

	switch env.Channel {
	case "candle":
		return sc.decodeCandles(env.Data)
	case allMidsChannel:
		return sc.decodeMids(env.Data)
	case "subscriptionResponse":
		log.Debug().RawJSON("data", env.Data).Msg("subscription acknowledged")
		return nil, nil
	case "pong":
		return nil, nil
	case "error":
		return nil, fmt.Errorf("%w: %s", ErrUpstream, string(env.Data))
	default:
		log.Debug().Str("channel", env.Channel).Msg("ignoring unknown channel")
		return nil, nil
	}
}

// decodeCandles accepts a single candle object or an array of them.
func (sc *StreamCodec) decodeCandles(data json.RawMessage) ([]model.Update, error) {
	var wires []wireCandle
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &wires); err != nil {
			return nil, fmt.Errorf("invalid candle array: %w", err)
		}
	} else {
		var w wireCandle
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("invalid candle: %w", err)
		}
		wires = []wireCandle{w}
	}

	received := sc.now()
	byTopic := make(map[model.Topic]int)
	updates := make([]model.Update, 0, 1)
	for _, w := range wires {
		candle, err := toCandle(sc.validate, w)
		if err != nil {
			log.Warn().Err(err).Str("coin", w.Symbol).Msg("dropping malformed streamed candle")
			continue
		}

		topic := model.CandleTopic(w.Symbol, model.Interval(w.Interval))
		idx, ok := byTopic[topic]
		if !ok {
			idx = len(updates)
			byTopic[topic] = idx
			updates = append(updates, model.Update{Topic: topic, ReceivedAt: received})
		}
		updates[idx].Candles = append(updates[idx].Candles, candle)
	}
	return updates, nil
}

// decodeMids fans the shared mid-price table out into one update per coin.
func (sc *StreamCodec) decodeMids(data json.RawMessage) ([]model.Update, error) {
	var d allMidsData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("invalid allMids payload: %w", err)
	}

	received := sc.now()
	mids := parseMids(d.Mids)
	updates := make([]model.Update, 0, len(mids))
	for coin, price := range mids {
		updates = append(updates, model.Update{
			Topic:      model.PriceTopic(coin),
			Price:      price,
			ReceivedAt: received,
		})
	}
	return updates, nil
}
