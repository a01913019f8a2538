package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"marketsync/internal/exchange"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, Default(), *cfg)

	ex := cfg.ExchangeConfig()
	assert.Equal(t, exchange.MainnetInfoURL, ex.InfoURL)
	assert.Equal(t, exchange.MainnetStreamURL, ex.StreamURL)
	assert.Equal(t, exchange.MainnetStreamURL, cfg.WebSocketConfig().Endpoint)
	assert.Equal(t, exchange.PingMessage(), cfg.WebSocketConfig().PingMessage)
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "marketsync.yaml", `
exchange:
  testnet: true
stream:
  backoff_base: 250ms
  backoff_max: 10s
  degraded_after: 3
  stable_after: 2s
market_data:
  lookback: 200
  load_timeout: 5s
symbols:
  equities: [TSLA, NVDA]
  alt_suffix: "-SPOT"
server:
  http_addr: "127.0.0.1:9090"
  grpc_addr: ""
logging:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, exchange.TestnetInfoURL, cfg.ExchangeConfig().InfoURL)
	assert.Equal(t, exchange.TestnetStreamURL, cfg.WebSocketConfig().Endpoint)

	mc := cfg.ManagerConfig()
	assert.Equal(t, 250*time.Millisecond, mc.BackoffBase)
	assert.Equal(t, 10*time.Second, mc.BackoffMax)
	assert.Equal(t, 3, mc.DegradedAfter)
	assert.Equal(t, 2*time.Second, mc.StableAfter)

	md := cfg.MarketDataConfig()
	assert.Equal(t, 200, md.Lookback)
	assert.Equal(t, 5*time.Second, md.LoadTimeout)
	assert.Equal(t, Default().MarketData.SnapshotTTL, md.SnapshotTTL, "unset keys keep defaults")

	assert.Equal(t, []string{"xyz:TSLA", "xyz:TSLA-SPOT"}, cfg.SymbolResolver().Candidates("TSLA"))
	assert.Equal(t, "127.0.0.1:9090", cfg.Server.HTTPAddr)
	assert.Empty(t, cfg.Server.GRPCAddr)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeFile(t, "marketsync.yaml", "logging:\n  level: debug\n")

	t.Setenv("MARKETSYNC_LOG_LEVEL", "warn")
	t.Setenv("MARKETSYNC_STREAM_URL", "ws://localhost:9999/ws")
	t.Setenv("MARKETSYNC_EQUITIES", "TSLA, AAPL ,")
	t.Setenv("MARKETSYNC_TRACING_ENABLED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "ws://localhost:9999/ws", cfg.WebSocketConfig().Endpoint)
	assert.Equal(t, exchange.MainnetInfoURL, cfg.ExchangeConfig().InfoURL)
	assert.Equal(t, []string{"TSLA", "AAPL"}, cfg.Symbols.Equities)
	assert.True(t, cfg.Tracing.Enabled)
}

func TestLoad_EnvFile(t *testing.T) {
	env := writeFile(t, ".env", "MARKETSYNC_HTTP_ADDR=:7070\n")

	// godotenv does not override variables that are already set
	os.Unsetenv("MARKETSYNC_HTTP_ADDR")
	t.Cleanup(func() { os.Unsetenv("MARKETSYNC_HTTP_ADDR") })

	cfg, err := Load("", env, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.HTTPAddr)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		env   map[string]string
		error string
	}{
		{
			name:  "bad log level",
			yaml:  "logging:\n  level: loud\n",
			error: "Level",
		},
		{
			name:  "backoff max below base",
			yaml:  "stream:\n  backoff_base: 5s\n  backoff_max: 1s\n",
			error: "BackoffMax",
		},
		{
			name:  "http scheme stream url",
			yaml:  "exchange:\n  stream_url: https://example.com/ws\n",
			error: "ws or wss",
		},
		{
			name:  "lookback out of range",
			yaml:  "market_data:\n  lookback: 0\n",
			error: "Lookback",
		},
		{
			name:  "bad listen address",
			yaml:  "server:\n  http_addr: nowhere\n",
			error: "HTTPAddr",
		},
		{
			name:  "bad boolean env",
			env:   map[string]string{"MARKETSYNC_TESTNET": "maybe"},
			error: "MARKETSYNC_TESTNET",
		},
		{
			name:  "malformed yaml",
			yaml:  "exchange: [\n",
			error: "parse config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.yaml != "" {
				path = writeFile(t, "marketsync.yaml", tt.yaml)
			}

			_, err := Load(path)
			assert.ErrorContains(t, err, tt.error)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
