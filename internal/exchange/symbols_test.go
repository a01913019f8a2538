package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSymbolResolver_Candidates(t *testing.T) {
	tests := []struct {
		name     string
		resolver SymbolResolver
		symbol   string
		expected []string
	}{
		{
			name:     "plain crypto symbol",
			resolver: NewSymbolResolver("xyz", []string{"TSLA"}, ""),
			symbol:   "BTC",
			expected: []string{"BTC"},
		},
		{
			name:     "equity gets namespace",
			resolver: NewSymbolResolver("xyz", []string{"tsla"}, ""),
			symbol:   "TSLA",
			expected: []string{"xyz:TSLA"},
		},
		{
			name:     "already namespaced",
			resolver: NewSymbolResolver("xyz", []string{"TSLA"}, ""),
			symbol:   "xyz:TSLA",
			expected: []string{"xyz:TSLA"},
		},
		{
			name:     "alternate suffix offered as retry",
			resolver: NewSymbolResolver("", nil, "-USDC"),
			symbol:   "BTC",
			expected: []string{"BTC", "BTC-USDC"},
		},
		{
			name:     "alternate suffix not doubled",
			resolver: NewSymbolResolver("", nil, "-USDC"),
			symbol:   "BTC-USDC",
			expected: []string{"BTC-USDC"},
		},
		{
			name:     "zero resolver is identity",
			resolver: SymbolResolver{},
			symbol:   "ETH",
			expected: []string{"ETH"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.resolver.Candidates(tt.symbol))
		})
	}
}
