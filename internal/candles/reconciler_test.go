package candles

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"marketsync/internal/cache"
	"marketsync/internal/exchange"
	"marketsync/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockProvider is a mock implementation of Provider for testing.
type MockProvider struct {
	mock.Mock
}

// CandleSnapshot implements the Provider interface for testing.
func (m *MockProvider) CandleSnapshot(ctx context.Context, coin string, interval model.Interval, start, end time.Time) ([]model.Candle, error) {
	args := m.Called(ctx, coin, interval, start, end)
	candles, _ := args.Get(0).([]model.Candle)
	return candles, args.Error(1)
}

// candle builds a test candle where every price equals open.
func candle(openTime int64, open float64) model.Candle {
	price := decimal.NewFromFloat(open)
	return model.Candle{
		OpenTime: openTime,
		Open:     price,
		High:     price,
		Low:      price,
		Close:    price,
		Volume:   decimal.NewFromInt(1),
	}
}

func openTimes(series []model.Candle) []int64 {
	out := make([]int64, len(series))
	for i, c := range series {
		out[i] = c.OpenTime
	}
	return out
}

var (
	t0 = time.Unix(0, 0)
	t1 = time.Unix(1000, 0)
)

func TestReconciler_SnapshotThenUpdateReplaces(t *testing.T) {
	provider := &MockProvider{}
	provider.On("CandleSnapshot", mock.Anything, "BTC", model.Interval("1h"), t0, t1).
		Return([]model.Candle{candle(100, 50000), candle(200, 50500)}, nil).Once()

	r := NewReconciler(provider)

	series, err := r.LoadSnapshot(context.Background(), "BTC", "1h", t0, t1)
	require.NoError(t, err)
	assert.Equal(t, []int64{100, 200}, openTimes(series))

	series = r.ApplyUpdate("BTC", "1h", candle(200, 50600))
	require.Len(t, series, 2, "matching open time must replace, not append")
	assert.True(t, series[0].Open.Equal(decimal.NewFromInt(50000)))
	assert.True(t, series[1].Open.Equal(decimal.NewFromInt(50600)))

	series = r.ApplyUpdate("BTC", "1h", candle(300, 50700))
	assert.Equal(t, []int64{100, 200, 300}, openTimes(series))

	provider.AssertExpectations(t)
}

func TestReconciler_ApplyUpdate(t *testing.T) {
	tests := []struct {
		name     string
		initial  []model.Candle
		incoming []model.Candle
		expected []int64
	}{
		{
			name:     "seeds empty series",
			incoming: []model.Candle{candle(300, 1)},
			expected: []int64{300},
		},
		{
			name:     "out of order batch is sorted",
			incoming: []model.Candle{candle(300, 1), candle(100, 1), candle(200, 1)},
			expected: []int64{100, 200, 300},
		},
		{
			name:     "inserts into the middle",
			initial:  []model.Candle{candle(100, 1), candle(300, 1)},
			incoming: []model.Candle{candle(200, 1)},
			expected: []int64{100, 200, 300},
		},
		{
			name:     "invalid candles dropped",
			initial:  []model.Candle{candle(100, 1)},
			incoming: []model.Candle{candle(0, 1), candle(-5, 1), candle(200, 0), candle(300, -1)},
			expected: []int64{100},
		},
		{
			name:     "duplicates in one batch collapse",
			incoming: []model.Candle{candle(100, 1), candle(100, 2), candle(100, 3)},
			expected: []int64{100},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReconciler(&MockProvider{})
			r.ApplyUpdate("ETH", "5m", tt.initial...)

			series := r.ApplyUpdate("ETH", "5m", tt.incoming...)
			assert.Equal(t, tt.expected, openTimes(series))
			for _, c := range series {
				assert.True(t, c.Open.IsPositive())
			}
		})
	}
}

func TestReconciler_ApplyUpdateIdempotent(t *testing.T) {
	r := NewReconciler(&MockProvider{})
	r.ApplyUpdate("BTC", "1m", candle(100, 1), candle(200, 2))

	update := []model.Candle{candle(200, 3), candle(400, 4)}
	once := r.ApplyUpdate("BTC", "1m", update...)
	twice := r.ApplyUpdate("BTC", "1m", update...)

	assert.Equal(t, once, twice)
}

func TestReconciler_SnapshotNormalizes(t *testing.T) {
	provider := &MockProvider{}
	provider.On("CandleSnapshot", mock.Anything, "BTC", model.Interval("1h"), t0, t1).
		Return([]model.Candle{candle(300, 3), candle(100, 1), candle(0, 9), candle(200, 0), candle(300, 4)}, nil)

	r := NewReconciler(provider)
	series, err := r.LoadSnapshot(context.Background(), "BTC", "1h", t0, t1)
	require.NoError(t, err)

	assert.Equal(t, []int64{100, 300}, openTimes(series))
	assert.True(t, series[1].Open.Equal(decimal.NewFromInt(4)), "last duplicate wins")

	again, err := r.LoadSnapshot(context.Background(), "BTC", "1h", t0, t1)
	require.NoError(t, err)
	assert.Equal(t, series, again, "applying the same snapshot twice yields the same series")
}

func TestReconciler_SnapshotKeepsNewerStreamedCandles(t *testing.T) {
	provider := &MockProvider{}
	provider.On("CandleSnapshot", mock.Anything, "BTC", model.Interval("1h"), t0, t1).
		Return([]model.Candle{candle(100, 1), candle(200, 2)}, nil)

	r := NewReconciler(provider)
	r.ApplyUpdate("BTC", "1h", candle(50, 9), candle(200, 9), candle(300, 3))

	series, err := r.LoadSnapshot(context.Background(), "BTC", "1h", t0, t1)
	require.NoError(t, err)

	assert.Equal(t, []int64{100, 200, 300}, openTimes(series))
	assert.True(t, series[1].Open.Equal(decimal.NewFromInt(2)), "snapshot replaces overlapping buckets")
}

func TestReconciler_SnapshotFailureKeepsSeries(t *testing.T) {
	provider := &MockProvider{}
	provider.On("CandleSnapshot", mock.Anything, "BTC", model.Interval("1h"), t0, t1).
		Return(nil, errors.New("connection reset"))

	r := NewReconciler(provider)
	r.ApplyUpdate("BTC", "1h", candle(100, 1))

	series, err := r.LoadSnapshot(context.Background(), "BTC", "1h", t0, t1)
	assert.Error(t, err)
	assert.Equal(t, []int64{100}, openTimes(series))
	assert.Equal(t, []int64{100}, openTimes(r.Series("BTC", "1h")))
}

func TestReconciler_AlternateNameRetry(t *testing.T) {
	provider := &MockProvider{}
	provider.On("CandleSnapshot", mock.Anything, "BTC", model.Interval("1h"), t0, t1).
		Return(nil, errors.New("status 500")).Once()
	provider.On("CandleSnapshot", mock.Anything, "BTC-TEST", model.Interval("1h"), t0, t1).
		Return([]model.Candle{candle(100, 1)}, nil).Once()

	r := NewReconciler(provider, WithResolver(exchange.NewSymbolResolver("", nil, "-TEST")))

	series, err := r.LoadSnapshot(context.Background(), "BTC", "1h", t0, t1)
	require.NoError(t, err)
	assert.Equal(t, []int64{100}, openTimes(series))
	assert.Equal(t, []int64{100}, openTimes(r.Series("BTC", "1h")), "series stays keyed by the requested symbol")
	provider.AssertExpectations(t)
}

func TestReconciler_AllCandidatesFail(t *testing.T) {
	provider := &MockProvider{}
	provider.On("CandleSnapshot", mock.Anything, mock.Anything, model.Interval("1h"), t0, t1).
		Return(nil, errors.New("status 500")).Twice()

	r := NewReconciler(provider, WithResolver(exchange.NewSymbolResolver("", nil, "-TEST")))

	_, err := r.LoadSnapshot(context.Background(), "BTC", "1h", t0, t1)
	assert.ErrorContains(t, err, "BTC-TEST")
	provider.AssertNumberOfCalls(t, "CandleSnapshot", 2)
}

func TestReconciler_EmptySnapshotFallsThrough(t *testing.T) {
	provider := &MockProvider{}
	provider.On("CandleSnapshot", mock.Anything, "BTC", model.Interval("1h"), t0, t1).
		Return([]model.Candle{}, nil).Once()
	provider.On("CandleSnapshot", mock.Anything, "BTC-TEST", model.Interval("1h"), t0, t1).
		Return(nil, errors.New("status 500")).Once()

	r := NewReconciler(provider, WithResolver(exchange.NewSymbolResolver("", nil, "-TEST")))

	series, err := r.LoadSnapshot(context.Background(), "BTC", "1h", t0, t1)
	require.NoError(t, err, "an empty answer is not a failure")
	assert.Empty(t, series)
}

func TestReconciler_EmptySnapshotKeepsSeries(t *testing.T) {
	tests := []struct {
		name     string
		snapshot []model.Candle
	}{
		{name: "empty answer", snapshot: []model.Candle{}},
		{name: "only malformed rows", snapshot: []model.Candle{candle(0, 1), candle(100, 0)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &MockProvider{}
			provider.On("CandleSnapshot", mock.Anything, "BTC", model.Interval("1h"), t0, t1).
				Return(tt.snapshot, nil)

			r := NewReconciler(provider)
			r.ApplyUpdate("BTC", "1h", candle(100, 1), candle(200, 2))

			series, err := r.LoadSnapshot(context.Background(), "BTC", "1h", t0, t1)
			require.NoError(t, err)
			assert.Equal(t, []int64{100, 200}, openTimes(series))
			assert.Equal(t, []int64{100, 200}, openTimes(r.Series("BTC", "1h")))
		})
	}
}

func TestReconciler_ConcurrentLoadsShareOneFetch(t *testing.T) {
	release := make(chan time.Time)
	provider := &MockProvider{}
	provider.On("CandleSnapshot", mock.Anything, "BTC", model.Interval("1h"), t0, t1).
		WaitUntil(release).
		Return([]model.Candle{candle(100, 1)}, nil).Once()

	r := NewReconciler(provider, WithCache(cache.New(), time.Minute))

	const callers = 10
	var wg sync.WaitGroup
	results := make([][]model.Candle, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			series, err := r.LoadSnapshot(context.Background(), "BTC", "1h", t0, t1)
			assert.NoError(t, err)
			results[i] = series
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, res := range results {
		assert.Equal(t, []int64{100}, openTimes(res))
	}
	provider.AssertNumberOfCalls(t, "CandleSnapshot", 1)

	// served from cache afterwards
	_, err := r.LoadSnapshot(context.Background(), "BTC", "1h", t0, t1)
	require.NoError(t, err)
	provider.AssertNumberOfCalls(t, "CandleSnapshot", 1)
}

func TestReconciler_SeriesIsACopy(t *testing.T) {
	r := NewReconciler(&MockProvider{})
	r.ApplyUpdate("BTC", "1m", candle(100, 1))

	s := r.Series("BTC", "1m")
	s[0].OpenTime = 999

	assert.Equal(t, []int64{100}, openTimes(r.Series("BTC", "1m")))
}

func TestReconciler_DropAndKeys(t *testing.T) {
	r := NewReconciler(&MockProvider{})
	r.ApplyUpdate("ETH", "5m", candle(100, 1))
	r.ApplyUpdate("BTC", "5m", candle(100, 1))

	assert.Equal(t, []model.SeriesKey{{Symbol: "BTC", Interval: "5m"}, {Symbol: "ETH", Interval: "5m"}}, r.Keys())

	r.Drop("ETH", "5m")
	assert.Empty(t, r.Series("ETH", "5m"))
	assert.Equal(t, []model.SeriesKey{{Symbol: "BTC", Interval: "5m"}}, r.Keys())
}

func TestSnapshotCacheKey(t *testing.T) {
	assert.Equal(t, "candles:BTC:1h:0:1000", SnapshotCacheKey("BTC", "1h", t0, t1))
}

func TestSnapshotKeyPattern(t *testing.T) {
	tests := []struct {
		name    string
		symbol  string
		key     string
		matches bool
	}{
		{"own window", "BTC", SnapshotCacheKey("BTC", "1h", t0, t1), true},
		{"month interval", "BTC", SnapshotCacheKey("BTC", "1M", t0, t1), true},
		{"other symbol", "BTC", SnapshotCacheKey("ETH", "1h", t0, t1), false},
		{"symbol prefix", "BTC", SnapshotCacheKey("BTC-TEST", "1h", t0, t1), false},
		{"namespace named like ticker", "xyz", SnapshotCacheKey("xyz:TSLA", "1h", t0, t1), false},
		{"namespaced ticker named like interval", "xyz", SnapshotCacheKey("xyz:1h", "1h", t0, t1), false},
		{"namespaced own window", "xyz:TSLA", SnapshotCacheKey("xyz:TSLA", "5m", t0, t1), true},
		{"mids key", "BTC", "mids", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.matches, SnapshotKeyPattern(tt.symbol).MatchString(tt.key), tt.key)
		})
	}
}
