package exchange

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidateConfig(t *testing.T) {
	defaultCfg := &ExchangeConfig{
		InfoURL:           "https://default.com/info",
		StreamURL:         "wss://default.com/ws",
		RequestTimeout:    3 * time.Second,
		RequestsPerSecond: 5,
		Burst:             7,
	}

	tests := []struct {
		name      string
		config    *ExchangeConfig
		expected  ExchangeConfig
		wantError bool
	}{
		{
			name: "valid config",
			config: &ExchangeConfig{
				InfoURL:           "http://localhost:8080/info",
				StreamURL:         "ws://localhost:8080/ws",
				RequestTimeout:    time.Second,
				RequestsPerSecond: 1,
				Burst:             1,
			},
			expected: ExchangeConfig{
				InfoURL:           "http://localhost:8080/info",
				StreamURL:         "ws://localhost:8080/ws",
				RequestTimeout:    time.Second,
				RequestsPerSecond: 1,
				Burst:             1,
			},
		},
		{
			name:     "empty config uses defaults",
			config:   &ExchangeConfig{},
			expected: *defaultCfg,
		},
		{
			name: "negative limits use defaults",
			config: &ExchangeConfig{
				RequestTimeout:    -1,
				RequestsPerSecond: -1,
				Burst:             -1,
			},
			expected: *defaultCfg,
		},
		{
			name:      "websocket url for info",
			config:    &ExchangeConfig{InfoURL: "wss://x/info"},
			wantError: true,
		},
		{
			name:      "http url for stream",
			config:    &ExchangeConfig{StreamURL: "https://x/ws"},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateConfig(tt.config, defaultCfg)

			if tt.wantError {
				assert.Error(t, err)
				return
			}

			assert.NoError(t, err)
			assert.Equal(t, tt.expected, *tt.config)
		})
	}
}

func TestDefaultExchangeConfig(t *testing.T) {
	cfg := DefaultExchangeConfig()
	assert.Equal(t, MainnetInfoURL, cfg.InfoURL)
	assert.Equal(t, MainnetStreamURL, cfg.StreamURL)

	// mutating the copy must not leak into the package defaults
	cfg.InfoURL = "http://changed"
	assert.Equal(t, MainnetInfoURL, DefaultExchangeConfig().InfoURL)
}
