// Package model defines core data types for the market data synchronization layer.
//
// This package contains the candle, topic and update structures shared by the
// cache, reconciler, subscription manager and facade. Prices and volumes use
// decimal.Decimal so string-encoded exchange numerics survive parsing without
// floating-point drift.
package model

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Candle represents one OHLCV bucket of a (symbol, interval) series.
//
// Identity inside a series is OpenTime; the owning series supplies the symbol
// and interval. OpenTime is expressed in unix seconds.
type Candle struct {
	OpenTime int64           // Bucket open time in unix seconds
	Open     decimal.Decimal // Opening price
	High     decimal.Decimal // Highest price in bucket
	Low      decimal.Decimal // Lowest price in bucket
	Close    decimal.Decimal // Latest or closing price
	Volume   decimal.Decimal // Base asset volume
}

// Valid reports whether the candle may be inserted into a series.
// Candles with a non-positive open time or open price are discarded.
func (c Candle) Valid() bool {
	return c.OpenTime > 0 && c.Open.IsPositive()
}

// Time returns the open time as a time.Time.
func (c Candle) Time() time.Time {
	return time.Unix(c.OpenTime, 0).UTC()
}

// Interval is a candle bucket width in the exchange's notation (e.g. "1h").
type Interval string

// intervalDurations lists every interval the exchange accepts.
var intervalDurations = map[Interval]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"8h":  8 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  24 * time.Hour,
	"3d":  3 * 24 * time.Hour,
	"1w":  7 * 24 * time.Hour,
	"1M":  30 * 24 * time.Hour,
}

// Duration returns the bucket width, or zero for an unknown interval.
func (i Interval) Duration() time.Duration {
	return intervalDurations[i]
}

// Intervals returns every supported interval, shortest first.
func Intervals() []Interval {
	out := make([]Interval, 0, len(intervalDurations))
	for i := range intervalDurations {
		out = append(out, i)
	}
	sort.Slice(out, func(a, b int) bool { return intervalDurations[out[a]] < intervalDurations[out[b]] })
	return out
}

// Supported reports whether the exchange accepts this interval.
func (i Interval) Supported() bool {
	_, ok := intervalDurations[i]
	return ok
}

// SeriesKey identifies a candle series.
type SeriesKey struct {
	Symbol   string
	Interval Interval
}

func (k SeriesKey) String() string {
	return k.Symbol + "@" + string(k.Interval)
}

// TopicKind distinguishes candle streams from price-only streams.
type TopicKind string

const (
	// TopicCandle carries candle updates for a symbol and interval
	TopicCandle TopicKind = "candle"

	// TopicPrice carries mid-price updates for a symbol
	TopicPrice TopicKind = "price"
)

// Topic is a named subscription target on the streaming transport.
// Price topics have an empty Interval.
type Topic struct {
	Kind     TopicKind
	Symbol   string
	Interval Interval
}

// CandleTopic returns the candle topic for a series key.
func CandleTopic(symbol string, interval Interval) Topic {
	return Topic{Kind: TopicCandle, Symbol: symbol, Interval: interval}
}

// PriceTopic returns the price topic for a symbol.
func PriceTopic(symbol string) Topic {
	return Topic{Kind: TopicPrice, Symbol: symbol}
}

func (t Topic) String() string {
	if t.Kind == TopicPrice {
		return fmt.Sprintf("%s:%s", t.Kind, t.Symbol)
	}
	return fmt.Sprintf("%s:%s:%s", t.Kind, t.Symbol, t.Interval)
}

// Update is one decoded inbound streaming message for a single topic.
type Update struct {
	Topic      Topic           // Topic the update belongs to
	Candles    []Candle        // Candle payload for candle topics
	Price      decimal.Decimal // Mid price for price topics
	ReceivedAt time.Time       // Local receive time
}

// ConnState is the shared streaming connection state.
type ConnState int

const (
	// Disconnected is the initial state and the state after a transport failure
	Disconnected ConnState = iota

	// Connecting means a dial is in progress
	Connecting

	// Connected means the transport is open and topics have been flushed
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// SeriesView is what a watcher receives after every change to its series.
//
// Loading is true while the historical snapshot is still expected; it turns
// false once the snapshot settles or the load timeout elapses. Err carries a
// snapshot failure; Candles still holds whatever the stream delivered.
type SeriesView struct {
	Key     SeriesKey
	Candles []Candle
	Loading bool
	Err     error
}
