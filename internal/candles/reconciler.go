// Package candles maintains one ordered, deduplicated candle series per
// (symbol, interval) from two sources: a one-shot historical snapshot and a
// live stream of incremental updates.
//
// Merge rules:
//   - A snapshot replaces the series wholesale; streamed candles newer than the
//     snapshot's last bucket survive the replace
//   - A streamed candle upserts by OpenTime and seeds an empty series
//   - Invalid candles (OpenTime <= 0 or Open <= 0) never enter a series
//
// Both operations are idempotent with respect to the final series content.
// All methods are safe for concurrent use.
package candles

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"marketsync/internal/cache"
	"marketsync/internal/model"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrNoCandidates is returned when the resolver yields no identifier to try.
var ErrNoCandidates = errors.New("no symbol candidates")

// Provider fetches historical candles from the market-data REST API.
type Provider interface {
	CandleSnapshot(ctx context.Context, coin string, interval model.Interval, start, end time.Time) ([]model.Candle, error)
}

// SymbolResolver returns the ordered identifiers a symbol may be listed under.
type SymbolResolver interface {
	Candidates(symbol string) []string
}

type identityResolver struct{}

func (identityResolver) Candidates(symbol string) []string { return []string{symbol} }

// Reconciler owns the in-memory candle series.
type Reconciler struct {
	provider Provider
	resolver SymbolResolver

	// cache coalesces concurrent snapshot loads for the same window; nil disables it.
	cache    *cache.Cache
	cacheTTL time.Duration

	mu     sync.RWMutex
	series map[model.SeriesKey][]model.Candle
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithCache routes snapshot fetches through c with the given TTL.
func WithCache(c *cache.Cache, ttl time.Duration) Option {
	return func(r *Reconciler) {
		r.cache = c
		r.cacheTTL = ttl
	}
}

// WithResolver sets the symbol resolution strategy used for snapshots.
func WithResolver(resolver SymbolResolver) Option {
	return func(r *Reconciler) {
		if resolver != nil {
			r.resolver = resolver
		}
	}
}

// NewReconciler creates a reconciler backed by provider.
func NewReconciler(provider Provider, opts ...Option) *Reconciler {
	r := &Reconciler{
		provider: provider,
		resolver: identityResolver{},
		series:   make(map[model.SeriesKey][]model.Candle),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SnapshotCacheKey is the cache key of a snapshot window. Exported so callers
// can invalidate snapshots by pattern.
func SnapshotCacheKey(symbol string, interval model.Interval, start, end time.Time) string {
	return fmt.Sprintf("candles:%s:%s:%d:%d", symbol, interval, start.Unix(), end.Unix())
}

// SnapshotKeyPattern matches the SnapshotCacheKey of every window of symbol
// and nothing else. Symbols may contain ':', so the interval and both window
// bounds are matched explicitly; "xyz" never matches keys of "xyz:TSLA".
func SnapshotKeyPattern(symbol string) *regexp.Regexp {
	intervals := model.Intervals()
	names := make([]string, len(intervals))
	for i, iv := range intervals {
		names[i] = regexp.QuoteMeta(string(iv))
	}
	return regexp.MustCompile(fmt.Sprintf(`^candles:%s:(?:%s):-?\d+:-?\d+$`,
		regexp.QuoteMeta(symbol), strings.Join(names, "|")))
}

// LoadSnapshot fetches candles for [start, end] and replaces the series for
// (symbol, interval) with them.
//
// On failure the series keeps its prior content and the error is returned;
// the caller decides whether a missing backfill matters.
//
// An empty snapshot, which is also what a wholly malformed answer decodes to,
// is treated like a transient failure without an error: the series keeps its
// prior content. A snapshot never empties a series that already has data.
func (r *Reconciler) LoadSnapshot(ctx context.Context, symbol string, interval model.Interval, start, end time.Time) ([]model.Candle, error) {
	ctx, span := otel.Tracer("marketsync/candles").Start(ctx, "reconciler.loadSnapshot")
	defer span.End()
	span.SetAttributes(
		attribute.String("symbol", symbol),
		attribute.String("interval", string(interval)),
	)

	snapshot, err := r.fetch(ctx, symbol, interval, start, end)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn().Err(err).
			Str("symbol", symbol).
			Str("interval", string(interval)).
			Msg("snapshot load failed, keeping current series")
		return r.Series(symbol, interval), err
	}

	key := model.SeriesKey{Symbol: symbol, Interval: interval}

	if len(snapshot) == 0 {
		log.Debug().Str("series", key.String()).Msg("empty snapshot, keeping current series")
		return r.Series(symbol, interval), nil
	}

	r.mu.Lock()
	merged := replaceSeries(r.series[key], snapshot)
	r.series[key] = merged
	out := clone(merged)
	r.mu.Unlock()

	span.SetAttributes(attribute.Int("candles", len(out)))
	log.Debug().
		Str("series", key.String()).
		Int("snapshot", len(snapshot)).
		Int("series_len", len(out)).
		Msg("snapshot applied")
	return out, nil
}

// fetch resolves candidates and loads the normalized snapshot, through the
// cache when configured.
func (r *Reconciler) fetch(ctx context.Context, symbol string, interval model.Interval, start, end time.Time) ([]model.Candle, error) {
	load := func(ctx context.Context) ([]model.Candle, error) {
		return r.fetchCandidates(ctx, symbol, interval, start, end)
	}
	if r.cache == nil {
		return load(ctx)
	}
	return cache.Fetch(ctx, r.cache, SnapshotCacheKey(symbol, interval, start, end), r.cacheTTL, load)
}

// fetchCandidates tries each identifier in order. An error or an empty result
// moves on to the next identifier. If every identifier failed the last error
// is returned; if any answered with an empty series, that empty series is.
func (r *Reconciler) fetchCandidates(ctx context.Context, symbol string, interval model.Interval, start, end time.Time) ([]model.Candle, error) {
	candidates := r.resolver.Candidates(symbol)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoCandidates, symbol)
	}

	var lastErr error
	answered := false
	for i, coin := range candidates {
		raw, err := r.provider.CandleSnapshot(ctx, coin, interval, start, end)
		if err != nil {
			lastErr = fmt.Errorf("snapshot %s %s: %w", coin, interval, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		normalized := normalize(raw)
		if len(normalized) == 0 {
			answered = true
			log.Debug().Str("coin", coin).Msg("empty snapshot, trying next candidate")
			continue
		}
		if i > 0 {
			log.Info().Str("symbol", symbol).Str("coin", coin).Msg("snapshot served under alternate name")
		}
		return normalized, nil
	}

	if answered {
		return []model.Candle{}, nil
	}
	return nil, lastErr
}

// ApplyUpdate upserts incoming candles into the (symbol, interval) series and
// returns a copy of the result.
func (r *Reconciler) ApplyUpdate(symbol string, interval model.Interval, incoming ...model.Candle) []model.Candle {
	key := model.SeriesKey{Symbol: symbol, Interval: interval}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.series[key]
	for _, c := range incoming {
		if !c.Valid() {
			log.Debug().Str("series", key.String()).Int64("open_time", c.OpenTime).Msg("dropping invalid candle")
			continue
		}
		current = upsert(current, c)
	}
	r.series[key] = current
	return clone(current)
}

// Series returns a copy of the current series, empty if unknown.
func (r *Reconciler) Series(symbol string, interval model.Interval) []model.Candle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return clone(r.series[model.SeriesKey{Symbol: symbol, Interval: interval}])
}

// Drop discards the series for (symbol, interval).
func (r *Reconciler) Drop(symbol string, interval model.Interval) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.series, model.SeriesKey{Symbol: symbol, Interval: interval})
}

// Keys lists the series currently held.
func (r *Reconciler) Keys() []model.SeriesKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]model.SeriesKey, 0, len(r.series))
	for k := range r.series {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// normalize filters invalid candles, sorts ascending and keeps the last
// candle for each OpenTime. It never mutates raw.
func normalize(raw []model.Candle) []model.Candle {
	out := make([]model.Candle, 0, len(raw))
	for _, c := range raw {
		if c.Valid() {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OpenTime < out[j].OpenTime })

	deduped := out[:0]
	for _, c := range out {
		if n := len(deduped); n > 0 && deduped[n-1].OpenTime == c.OpenTime {
			deduped[n-1] = c
			continue
		}
		deduped = append(deduped, c)
	}
	return deduped
}

// replaceSeries returns snapshot followed by any current candles newer than
// the snapshot's last bucket. snapshot must not be empty.
func replaceSeries(current, snapshot []model.Candle) []model.Candle {
	last := snapshot[len(snapshot)-1].OpenTime

	out := make([]model.Candle, 0, len(snapshot)+1)
	out = append(out, snapshot...)
	for _, c := range current {
		if c.OpenTime > last {
			out = append(out, c)
		}
	}
	return out
}

// upsert inserts c keeping series sorted, replacing an equal OpenTime.
func upsert(series []model.Candle, c model.Candle) []model.Candle {
	i := sort.Search(len(series), func(i int) bool { return series[i].OpenTime >= c.OpenTime })
	if i < len(series) && series[i].OpenTime == c.OpenTime {
		series[i] = c
		return series
	}
	series = append(series, model.Candle{})
	copy(series[i+1:], series[i:])
	series[i] = c
	return series
}

func clone(series []model.Candle) []model.Candle {
	out := make([]model.Candle, len(series))
	copy(out, series)
	return out
}
