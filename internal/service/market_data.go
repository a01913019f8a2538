package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"marketsync/internal/cache"
	"marketsync/internal/candles"
	"marketsync/internal/model"
	"marketsync/internal/utils"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// midsCacheKey is the cache key of the mid-price table.
const midsCacheKey = "mids"

// ErrNoMidsProvider is returned by Mids when no REST provider is configured.
var ErrNoMidsProvider = errors.New("no mid price provider configured")

// Streamer is the subscription side of the streaming connection.
type Streamer interface {
	Subscribe(topic model.Topic, handler Handler) (*Subscription, error)
	Unsubscribe(sub *Subscription)
	State() model.ConnState
	Degraded() bool
}

// MidsProvider fetches the exchange mid-price table.
type MidsProvider interface {
	AllMids(ctx context.Context) (map[string]decimal.Decimal, error)
}

// MarketDataConfig holds facade parameters.
type MarketDataConfig struct {
	LoadTimeout time.Duration // Upper bound of the loading state
	Lookback    int           // Candles requested per snapshot
	SnapshotTTL time.Duration // Snapshot cache lifetime
	MidsTTL     time.Duration // Mid-price cache lifetime
	IdleTTL     time.Duration // Lifetime of series read through GetSeries but never watched
}

var defaultMarketDataConfig = MarketDataConfig{
	LoadTimeout: 10 * time.Second,
	Lookback:    500,
	SnapshotTTL: 30 * time.Second,
	MidsTTL:     5 * time.Second,
	IdleTTL:     5 * time.Minute,
}

// DefaultMarketDataConfig returns the default facade parameters.
func DefaultMarketDataConfig() MarketDataConfig {
	return defaultMarketDataConfig
}

// Health summarizes the facade for readiness reporting.
type Health struct {
	State    model.ConnState `json:"-"`
	Status   string          `json:"state"`
	Degraded bool            `json:"degraded"`
	Series   int             `json:"series"`
	Watchers int             `json:"watchers"`
}

// watch is one registered onChange callback.
type watch struct {
	id       uint64
	onChange func(model.SeriesView)
	mu       sync.Mutex // serializes callbacks for this watch
	closed   atomic.Bool
}

// notify calls onChange with the view current at call time.
func (w *watch) notify(view func() model.SeriesView) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed.Load() {
		return
	}
	w.onChange(view())
}

// seriesState is the facade's bookkeeping for one (symbol, interval) key.
type seriesState struct {
	key        model.SeriesKey
	watches    map[uint64]*watch
	sub        *Subscription
	loading    bool
	timedOut   bool
	loaded     bool
	loadedAt   time.Time
	lastAccess time.Time
	err        error
	gen        uint64
	timer      *time.Timer
}

func (st *seriesState) watchList() []*watch {
	out := make([]*watch, 0, len(st.watches))
	for _, w := range st.watches {
		out = append(out, w)
	}
	return out
}

// MarketData is the consumer-facing market data API. It composes the cache,
// the candle reconciler and the streaming subscription manager.
//
// Every watch on a (symbol, interval) shares one series and one upstream
// subscription. The series is dropped when its last watch is cancelled.
type MarketData struct {
	cfg        MarketDataConfig
	reconciler *candles.Reconciler
	stream     Streamer
	cache      *cache.Cache
	mids       MidsProvider
	resolver   candles.SymbolResolver
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	series map[model.SeriesKey]*seriesState
	nextID uint64
}

// MarketDataOption configures a MarketData.
type MarketDataOption func(*MarketData)

// WithMidsProvider enables Mids.
func WithMidsProvider(p MidsProvider) MarketDataOption {
	return func(md *MarketData) {
		md.mids = p
	}
}

// WithSymbolResolver maps caller symbols onto the exchange's primary name.
func WithSymbolResolver(r candles.SymbolResolver) MarketDataOption {
	return func(md *MarketData) {
		md.resolver = r
	}
}

// NewMarketData creates the facade. Zero fields of cfg take defaults.
func NewMarketData(cfg MarketDataConfig, reconciler *candles.Reconciler, stream Streamer, c *cache.Cache, opts ...MarketDataOption) *MarketData {
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = defaultMarketDataConfig.LoadTimeout
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = defaultMarketDataConfig.Lookback
	}
	if cfg.SnapshotTTL <= 0 {
		cfg.SnapshotTTL = defaultMarketDataConfig.SnapshotTTL
	}
	if cfg.MidsTTL <= 0 {
		cfg.MidsTTL = defaultMarketDataConfig.MidsTTL
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = defaultMarketDataConfig.IdleTTL
	}

	if c == nil {
		c = cache.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	md := &MarketData{
		cfg:        cfg,
		reconciler: reconciler,
		stream:     stream,
		cache:      c,
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		series:     make(map[model.SeriesKey]*seriesState),
	}
	for _, opt := range opts {
		opt(md)
	}
	return md
}

// Close cancels background snapshot loads and every watch.
func (md *MarketData) Close() {
	md.cancel()

	md.mu.Lock()
	subs := make([]*Subscription, 0, len(md.series))
	for key, st := range md.series {
		for _, w := range st.watches {
			w.closed.Store(true)
		}
		if st.timer != nil {
			st.timer.Stop()
		}
		if st.sub != nil {
			subs = append(subs, st.sub)
		}
		md.reconciler.Drop(key.Symbol, key.Interval)
	}
	md.series = make(map[model.SeriesKey]*seriesState)
	md.mu.Unlock()

	for _, sub := range subs {
		md.stream.Unsubscribe(sub)
	}
}

// resolve maps a caller symbol onto the exchange's primary name.
func (md *MarketData) resolve(symbol string) string {
	if md.resolver != nil {
		if c := md.resolver.Candidates(symbol); len(c) > 0 {
			return c[0]
		}
	}
	return symbol
}

// canonical validates and resolves the caller's key. The result names both
// the series and the streaming topic.
func (md *MarketData) canonical(symbol string, interval model.Interval) (model.SeriesKey, error) {
	if err := utils.ValidateSeriesKey(symbol, interval); err != nil {
		return model.SeriesKey{}, err
	}
	return model.SeriesKey{Symbol: md.resolve(symbol), Interval: interval}, nil
}

// GetSeries returns the current series for (symbol, interval), possibly empty,
// and starts a background snapshot load if none is loaded or loading.
func (md *MarketData) GetSeries(symbol string, interval model.Interval) (model.SeriesView, error) {
	key, err := md.canonical(symbol, interval)
	if err != nil {
		return model.SeriesView{}, err
	}

	md.mu.Lock()
	st := md.stateLocked(key)
	st.lastAccess = md.now()
	if md.needsLoadLocked(st) {
		md.startLoadLocked(st)
	}
	view := md.viewLocked(st)
	md.mu.Unlock()

	return view, nil
}

// Watch calls onChange with the series for (symbol, interval) now and after
// every change: snapshot arrival, each merged stream update and the load
// timeout.
//
// The first watch of a series subscribes its candle topic and starts a
// snapshot load for the configured lookback window; later watches share both.
// The initial call happens synchronously before Watch returns and reports
// Loading while the snapshot is pending. If the snapshot has not settled after
// LoadTimeout, watchers get one more view with Loading false; a late snapshot
// still merges and notifies. A failed snapshot is reported through the view's
// Err alongside whatever the stream delivered.
//
// onChange receives the latest view at the time of the call, so a slow
// callback may observe several changes collapsed into one view. It runs on the
// streaming goroutine or a loader goroutine and should not block.
//
// The returned cancel func is idempotent and may be called from inside
// onChange. Once it returns no new onChange call begins. Cancelling the last
// watch of a series unsubscribes the topic and drops the series.
func (md *MarketData) Watch(symbol string, interval model.Interval, onChange func(model.SeriesView)) (func(), error) {
	if onChange == nil {
		return nil, ErrNilHandler
	}
	key, err := md.canonical(symbol, interval)
	if err != nil {
		return nil, err
	}

	md.mu.Lock()
	st := md.stateLocked(key)
	if st.sub == nil {
		sub, err := md.stream.Subscribe(model.CandleTopic(key.Symbol, key.Interval), func(u model.Update) {
			md.applyUpdate(key, u)
		})
		if err != nil {
			if len(st.watches) == 0 && !st.loading && !st.loaded {
				delete(md.series, key)
			}
			md.mu.Unlock()
			return nil, err
		}
		st.sub = sub
	}

	md.nextID++
	w := &watch{id: md.nextID, onChange: onChange}
	st.watches[w.id] = w
	st.lastAccess = md.now()
	if md.needsLoadLocked(st) {
		md.startLoadLocked(st)
	}
	md.mu.Unlock()

	log.Debug().Str("series", key.String()).Uint64("watch", w.id).Msg("watch started")
	w.notify(func() model.SeriesView { return md.view(key) })

	var once sync.Once
	return func() {
		once.Do(func() { md.unwatch(st, w) })
	}, nil
}

// unwatch removes w and drops the series when it was the last watch.
func (md *MarketData) unwatch(st *seriesState, w *watch) {
	w.closed.Store(true)

	md.mu.Lock()
	if md.series[st.key] != st {
		md.mu.Unlock()
		return
	}
	delete(st.watches, w.id)
	if len(st.watches) > 0 {
		md.mu.Unlock()
		return
	}

	delete(md.series, st.key)
	if st.timer != nil {
		st.timer.Stop()
	}
	sub := st.sub
	st.sub = nil
	md.reconciler.Drop(st.key.Symbol, st.key.Interval)
	md.mu.Unlock()

	if sub != nil {
		md.stream.Unsubscribe(sub)
	}
	log.Debug().Str("series", st.key.String()).Msg("series dropped")
}

// applyUpdate merges a streamed update into the series and notifies watches.
func (md *MarketData) applyUpdate(key model.SeriesKey, u model.Update) {
	if u.Topic.Kind != model.TopicCandle || len(u.Candles) == 0 {
		return
	}

	md.mu.Lock()
	st, ok := md.series[key]
	if !ok {
		md.mu.Unlock()
		return
	}
	md.reconciler.ApplyUpdate(key.Symbol, key.Interval, u.Candles...)
	// live data supersedes a failed backfill
	st.err = nil
	watches := st.watchList()
	md.mu.Unlock()

	md.notifyAll(key, watches)
}

func (md *MarketData) notifyAll(key model.SeriesKey, watches []*watch) {
	for _, w := range watches {
		w.notify(func() model.SeriesView { return md.view(key) })
	}
}

// stateLocked returns the state for key, creating it if needed.
func (md *MarketData) stateLocked(key model.SeriesKey) *seriesState {
	st, ok := md.series[key]
	if !ok {
		st = &seriesState{
			key:     key,
			watches: make(map[uint64]*watch),
		}
		md.series[key] = st
	}
	return st
}

// needsLoadLocked reports whether a snapshot should be (re)loaded. A loaded
// series that is not streamed goes stale after SnapshotTTL.
func (md *MarketData) needsLoadLocked(st *seriesState) bool {
	if st.loading {
		return false
	}
	if !st.loaded {
		return true
	}
	return len(st.watches) == 0 && md.now().Sub(st.loadedAt) >= md.cfg.SnapshotTTL
}

// startLoadLocked begins a background snapshot load and arms the load timeout.
func (md *MarketData) startLoadLocked(st *seriesState) {
	st.gen++
	gen := st.gen
	st.loading = true
	st.timedOut = false
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(md.cfg.LoadTimeout, func() {
		md.loadTimedOut(st, gen)
	})

	start, end := md.window(st.key.Interval)
	go md.load(st, gen, start, end)
}

// window returns a lookback range aligned to the interval so repeated loads
// within one bucket share a cache entry.
func (md *MarketData) window(interval model.Interval) (time.Time, time.Time) {
	d := interval.Duration()
	end := md.now().Truncate(d).Add(d)
	start := end.Add(-time.Duration(md.cfg.Lookback) * d)
	return start, end
}

func (md *MarketData) load(st *seriesState, gen uint64, start, end time.Time) {
	key := st.key
	_, err := md.reconciler.LoadSnapshot(md.ctx, key.Symbol, key.Interval, start, end)

	md.mu.Lock()
	current := md.series[key]
	if current != st {
		// the series was dropped while loading
		if current == nil {
			md.reconciler.Drop(key.Symbol, key.Interval)
		}
		md.mu.Unlock()
		return
	}
	if st.gen != gen {
		md.mu.Unlock()
		return
	}

	st.loading = false
	st.timedOut = false
	if st.timer != nil {
		st.timer.Stop()
	}
	st.err = err
	if err == nil {
		st.loaded = true
		st.loadedAt = md.now()
	}
	watches := st.watchList()
	md.mu.Unlock()

	md.notifyAll(key, watches)
}

// loadTimedOut ends the loading state for a load that is still pending.
func (md *MarketData) loadTimedOut(st *seriesState, gen uint64) {
	md.mu.Lock()
	if md.series[st.key] != st || st.gen != gen || !st.loading {
		md.mu.Unlock()
		return
	}
	st.timedOut = true
	watches := st.watchList()
	md.mu.Unlock()

	log.Warn().
		Str("series", st.key.String()).
		Dur("timeout", md.cfg.LoadTimeout).
		Msg("snapshot still pending, ending loading state")
	md.notifyAll(st.key, watches)
}

func (md *MarketData) view(key model.SeriesKey) model.SeriesView {
	md.mu.Lock()
	defer md.mu.Unlock()

	st, ok := md.series[key]
	if !ok {
		return model.SeriesView{Key: key, Candles: []model.Candle{}}
	}
	return md.viewLocked(st)
}

func (md *MarketData) viewLocked(st *seriesState) model.SeriesView {
	return model.SeriesView{
		Key:     st.key,
		Candles: md.reconciler.Series(st.key.Symbol, st.key.Interval),
		Loading: st.loading && !st.timedOut,
		Err:     st.err,
	}
}

// WatchPrice calls onPrice for every streamed mid price of symbol. All price
// watches share one upstream channel.
func (md *MarketData) WatchPrice(symbol string, onPrice func(price decimal.Decimal, at time.Time)) (func(), error) {
	if onPrice == nil {
		return nil, ErrNilHandler
	}
	if err := utils.ValidateSymbol(symbol); err != nil {
		return nil, err
	}

	sub, err := md.stream.Subscribe(model.PriceTopic(md.resolve(symbol)), func(u model.Update) {
		onPrice(u.Price, u.ReceivedAt)
	})
	if err != nil {
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() { md.stream.Unsubscribe(sub) })
	}, nil
}

// Mids returns the mid-price table, cached for MidsTTL with concurrent
// callers sharing one request.
func (md *MarketData) Mids(ctx context.Context) (map[string]decimal.Decimal, error) {
	if md.mids == nil {
		return nil, ErrNoMidsProvider
	}
	return cache.Fetch(ctx, md.cache, midsCacheKey, md.cfg.MidsTTL, md.mids.AllMids)
}

// InvalidateSnapshots evicts cached snapshots for symbol so the next load
// refetches them, and marks unwatched series for reload.
func (md *MarketData) InvalidateSnapshots(symbol string) int {
	if err := utils.ValidateSymbol(symbol); err != nil {
		return 0
	}
	symbol = md.resolve(symbol)
	removed := md.cache.InvalidateByPattern(candles.SnapshotKeyPattern(symbol))

	md.mu.Lock()
	for k, st := range md.series {
		if k.Symbol == symbol && !st.loading {
			st.loaded = false
		}
	}
	md.mu.Unlock()
	return removed
}

// Sweep drops unwatched series idle for IdleTTL and expired cache entries.
func (md *MarketData) Sweep() int {
	now := md.now()

	md.mu.Lock()
	dropped := 0
	for key, st := range md.series {
		if len(st.watches) == 0 && now.Sub(st.lastAccess) >= md.cfg.IdleTTL {
			delete(md.series, key)
			if st.timer != nil {
				st.timer.Stop()
			}
			md.reconciler.Drop(key.Symbol, key.Interval)
			dropped++
		}
	}
	md.mu.Unlock()

	expired := md.cache.Sweep()
	if dropped > 0 || expired > 0 {
		log.Debug().Int("series", dropped).Int("cache", expired).Msg("swept idle state")
	}
	return dropped
}

// Run sweeps idle state every interval until ctx is cancelled.
func (md *MarketData) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			md.Sweep()
		}
	}
}

// Health reports the connection state and registry sizes.
func (md *MarketData) Health() Health {
	md.mu.Lock()
	series := len(md.series)
	watchers := 0
	for _, st := range md.series {
		watchers += len(st.watches)
	}
	md.mu.Unlock()

	state := md.stream.State()
	return Health{
		State:    state,
		Status:   state.String(),
		Degraded: md.stream.Degraded(),
		Series:   series,
		Watchers: watchers,
	}
}

// Watcher follows one (symbol, interval) at a time on behalf of a single
// consumer. Switch cancels the current watch before starting the next one, so
// the callback never sees the old series after Switch returns. The callback
// must not call Switch or Close itself.
type Watcher struct {
	md       *MarketData
	onChange func(model.SeriesView)

	mu     sync.Mutex
	key    model.SeriesKey
	cancel func()
}

// NewWatcher creates an idle watcher; call Switch to start following a series.
func (md *MarketData) NewWatcher(onChange func(model.SeriesView)) *Watcher {
	return &Watcher{md: md, onChange: onChange}
}

// Switch follows (symbol, interval), releasing the previous series first.
func (w *Watcher) Switch(symbol string, interval model.Interval) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
		w.key = model.SeriesKey{}
	}

	cancel, err := w.md.Watch(symbol, interval, w.onChange)
	if err != nil {
		return err
	}
	key, _ := w.md.canonical(symbol, interval)
	w.key = key
	w.cancel = cancel
	return nil
}

// Key returns the series currently followed, zero when idle.
func (w *Watcher) Key() model.SeriesKey {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.key
}

// Close stops following.
func (w *Watcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
		w.key = model.SeriesKey{}
	}
}
