// Package exchange provides the market-data provider adapters for the exchange API.
//
// This file contains shared configuration, errors and validation used by the
// REST info client and the streaming codec.
package exchange

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidConfig indicates that the provided ExchangeConfig contains invalid values.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrRequestFailed indicates the REST endpoint answered with a non-success status.
	ErrRequestFailed = errors.New("request failed")

	// ErrUpstream indicates the streaming endpoint reported an error message.
	ErrUpstream = errors.New("upstream error")
)

const (
	// MainnetInfoURL is the production REST info endpoint.
	MainnetInfoURL = "https://api.hyperliquid.xyz/info"

	// MainnetStreamURL is the production streaming endpoint.
	MainnetStreamURL = "wss://api.hyperliquid.xyz/ws"

	// TestnetInfoURL is the testnet REST info endpoint.
	TestnetInfoURL = "https://api.hyperliquid-testnet.xyz/info"

	// TestnetStreamURL is the testnet streaming endpoint.
	TestnetStreamURL = "wss://api.hyperliquid-testnet.xyz/ws"
)

// defaultExchangeConfig provides sensible default configuration values.
var defaultExchangeConfig = ExchangeConfig{
	InfoURL:           MainnetInfoURL,
	StreamURL:         MainnetStreamURL,
	RequestTimeout:    10 * time.Second,
	RequestsPerSecond: 10,
	Burst:             20,
}

// ExchangeConfig provides connection parameters for the exchange adapters.
type ExchangeConfig struct {
	// InfoURL is the REST endpoint receiving POST /info requests.
	InfoURL string

	// StreamURL is the WebSocket endpoint for streaming subscriptions.
	StreamURL string

	// RequestTimeout bounds one REST round trip.
	RequestTimeout time.Duration

	// RequestsPerSecond and Burst configure the client-side REST rate limiter.
	RequestsPerSecond float64
	Burst             int
}

// DefaultExchangeConfig returns a copy of the mainnet defaults.
func DefaultExchangeConfig() ExchangeConfig {
	return defaultExchangeConfig
}

// validateConfig ensures all required configuration fields are present and valid,
// applying sensible defaults for optional fields when possible.
func validateConfig(cfg *ExchangeConfig, defaultCfg *ExchangeConfig) error {

	// Apply defaults for optional fields
	if cfg.InfoURL == "" {
		cfg.InfoURL = defaultCfg.InfoURL
	}

	if cfg.StreamURL == "" {
		cfg.StreamURL = defaultCfg.StreamURL
	}

	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultCfg.RequestTimeout
	}

	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultCfg.RequestsPerSecond
	}

	if cfg.Burst <= 0 {
		cfg.Burst = defaultCfg.Burst
	}

	if !strings.HasPrefix(cfg.InfoURL, "http://") && !strings.HasPrefix(cfg.InfoURL, "https://") {
		return fmt.Errorf("info url must be http(s): %q", cfg.InfoURL)
	}

	if !strings.HasPrefix(cfg.StreamURL, "ws://") && !strings.HasPrefix(cfg.StreamURL, "wss://") {
		return fmt.Errorf("stream url must be ws(s): %q", cfg.StreamURL)
	}

	return nil
}
