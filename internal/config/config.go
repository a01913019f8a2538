// Package config loads the marketsync configuration.
//
// Values come from, in increasing precedence: built-in defaults, an optional
// YAML file, a .env file and MARKETSYNC_* environment variables. Command line
// flags in cmd/ are applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"marketsync/internal/exchange"
	"marketsync/internal/logging"
	"marketsync/internal/service"
	"marketsync/internal/telemetry"
	"marketsync/internal/websocket"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MARKETSYNC_"

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all settings of the server.
type Config struct {
	Exchange   Exchange         `yaml:"exchange"`
	Stream     Stream           `yaml:"stream"`
	MarketData MarketData       `yaml:"market_data"`
	Symbols    Symbols          `yaml:"symbols"`
	Server     Server           `yaml:"server"`
	Logging    logging.Config   `yaml:"logging"`
	Tracing    telemetry.Config `yaml:"tracing"`
}

// Exchange selects the venue endpoints and REST limits. Empty URLs follow
// the Testnet switch.
type Exchange struct {
	Testnet           bool          `yaml:"testnet"`
	InfoURL           string        `yaml:"info_url" validate:"omitempty,url"`
	StreamURL         string        `yaml:"stream_url" validate:"omitempty,url"`
	RequestTimeout    time.Duration `yaml:"request_timeout" validate:"gt=0"`
	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"gt=0"`
	Burst             int           `yaml:"burst" validate:"gt=0"`
	PingPeriod        time.Duration `yaml:"ping_period" validate:"gt=0"`
	TLSInsecureSkip   bool          `yaml:"tls_insecure_skip"`
}

// Stream holds reconnect parameters of the subscription manager.
type Stream struct {
	BackoffBase   time.Duration `yaml:"backoff_base" validate:"gt=0"`
	BackoffMax    time.Duration `yaml:"backoff_max" validate:"gtefield=BackoffBase"`
	DegradedAfter int           `yaml:"degraded_after" validate:"gt=0"`
	StableAfter   time.Duration `yaml:"stable_after" validate:"gt=0"`
}

// MarketData holds facade parameters.
type MarketData struct {
	LoadTimeout   time.Duration `yaml:"load_timeout" validate:"gt=0"`
	Lookback      int           `yaml:"lookback" validate:"gt=0,lte=5000"`
	SnapshotTTL   time.Duration `yaml:"snapshot_ttl" validate:"gt=0"`
	MidsTTL       time.Duration `yaml:"mids_ttl" validate:"gt=0"`
	IdleTTL       time.Duration `yaml:"idle_ttl" validate:"gt=0"`
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"gt=0"`
}

// Symbols configures exchange name resolution.
type Symbols struct {
	EquityPrefix string   `yaml:"equity_prefix"`
	Equities     []string `yaml:"equities"`
	AltSuffix    string   `yaml:"alt_suffix"`
}

// Server holds listen addresses. An empty GRPCAddr disables the health server.
type Server struct {
	HTTPAddr string `yaml:"http_addr" validate:"required,hostname_port"`
	GRPCAddr string `yaml:"grpc_addr" validate:"omitempty,hostname_port"`
}

// Default returns the built-in configuration.
func Default() Config {
	ex := exchange.DefaultExchangeConfig()
	md := service.DefaultMarketDataConfig()
	return Config{
		Exchange: Exchange{
			RequestTimeout:    ex.RequestTimeout,
			RequestsPerSecond: ex.RequestsPerSecond,
			Burst:             ex.Burst,
			PingPeriod:        50 * time.Second,
		},
		Stream: Stream{
			BackoffBase:   500 * time.Millisecond,
			BackoffMax:    30 * time.Second,
			DegradedAfter: 5,
			StableAfter:   10 * time.Second,
		},
		MarketData: MarketData{
			LoadTimeout:   md.LoadTimeout,
			Lookback:      md.Lookback,
			SnapshotTTL:   md.SnapshotTTL,
			MidsTTL:       md.MidsTTL,
			IdleTTL:       md.IdleTTL,
			SweepInterval: time.Minute,
		},
		Symbols: Symbols{
			EquityPrefix: "xyz",
		},
		Server: Server{
			HTTPAddr: ":8080",
			GRPCAddr: ":50051",
		},
		Logging: logging.DefaultConfig(),
		Tracing: telemetry.DefaultConfig(),
	}
}

// Load reads path (skipped when empty), then envFiles, then the environment,
// and validates the result. Missing env files are ignored.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := loadEnvFiles(envFiles...); err != nil {
		return nil, err
	}
	if err := overrideWithEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadEnvFiles(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// overrideWithEnv applies MARKETSYNC_* variables that are set.
func overrideWithEnv(cfg *Config) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	boolean("TESTNET", &cfg.Exchange.Testnet)
	str("INFO_URL", &cfg.Exchange.InfoURL)
	str("STREAM_URL", &cfg.Exchange.StreamURL)
	str("HTTP_ADDR", &cfg.Server.HTTPAddr)
	str("GRPC_ADDR", &cfg.Server.GRPCAddr)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FILE", &cfg.Logging.File)
	boolean("TRACING_ENABLED", &cfg.Tracing.Enabled)
	str("ALT_SUFFIX", &cfg.Symbols.AltSuffix)
	if v, ok := os.LookupEnv(EnvPrefix + "EQUITIES"); ok {
		cfg.Symbols.Equities = splitList(v)
	}

	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks field constraints and the endpoint schemes.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if u := c.Exchange.StreamURL; u != "" && !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
		return fmt.Errorf("%w: stream url %q must use ws or wss", ErrInvalidConfig, u)
	}
	return nil
}

// ExchangeConfig resolves the REST adapter settings.
func (c *Config) ExchangeConfig() exchange.ExchangeConfig {
	info, stream := c.endpoints()
	return exchange.ExchangeConfig{
		InfoURL:           info,
		StreamURL:         stream,
		RequestTimeout:    c.Exchange.RequestTimeout,
		RequestsPerSecond: c.Exchange.RequestsPerSecond,
		Burst:             c.Exchange.Burst,
	}
}

// WebSocketConfig resolves the streaming transport settings.
func (c *Config) WebSocketConfig() websocket.Config {
	_, stream := c.endpoints()
	return websocket.Config{
		Endpoint:        stream,
		TLSInsecureSkip: c.Exchange.TLSInsecureSkip,
		PingPeriod:      c.Exchange.PingPeriod,
		PingMessage:     exchange.PingMessage(),
	}
}

func (c *Config) endpoints() (string, string) {
	info, stream := exchange.MainnetInfoURL, exchange.MainnetStreamURL
	if c.Exchange.Testnet {
		info, stream = exchange.TestnetInfoURL, exchange.TestnetStreamURL
	}
	if c.Exchange.InfoURL != "" {
		info = c.Exchange.InfoURL
	}
	if c.Exchange.StreamURL != "" {
		stream = c.Exchange.StreamURL
	}
	return info, stream
}

// ManagerConfig returns the subscription manager settings.
func (c *Config) ManagerConfig() service.ManagerConfig {
	return service.ManagerConfig{
		BackoffBase:   c.Stream.BackoffBase,
		BackoffMax:    c.Stream.BackoffMax,
		DegradedAfter: c.Stream.DegradedAfter,
		StableAfter:   c.Stream.StableAfter,
	}
}

// MarketDataConfig returns the facade settings.
func (c *Config) MarketDataConfig() service.MarketDataConfig {
	return service.MarketDataConfig{
		LoadTimeout: c.MarketData.LoadTimeout,
		Lookback:    c.MarketData.Lookback,
		SnapshotTTL: c.MarketData.SnapshotTTL,
		MidsTTL:     c.MarketData.MidsTTL,
		IdleTTL:     c.MarketData.IdleTTL,
	}
}

// SymbolResolver builds the exchange name resolver.
func (c *Config) SymbolResolver() exchange.SymbolResolver {
	return exchange.NewSymbolResolver(c.Symbols.EquityPrefix, c.Symbols.Equities, c.Symbols.AltSuffix)
}
