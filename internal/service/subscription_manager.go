// Package service provides the market-data synchronization components: the
// SubscriptionManager owning the shared streaming connection and the
// MarketData facade composing it with the cache and the candle reconciler.
package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"marketsync/internal/model"
	"marketsync/internal/utils"
	"marketsync/internal/websocket"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	// ErrManagerRunning is returned when Run is called twice.
	ErrManagerRunning = errors.New("subscription manager already running")

	// ErrNilHandler is returned when subscribing without a handler.
	ErrNilHandler = errors.New("handler cannot be nil")

	// ErrInvalidTopic is returned for topics that cannot be subscribed.
	ErrInvalidTopic = errors.New("invalid topic")

	// ErrUnstableConnection records a connection that dropped before proving healthy.
	ErrUnstableConnection = errors.New("connection dropped before becoming stable")
)

// Codec translates topics into upstream control frames and inbound frames
// into topic updates.
type Codec interface {
	// Channel returns the upstream identity of topic. Topics sharing a channel
	// share one upstream subscription.
	Channel(topic model.Topic) string
	EncodeSubscribe(topic model.Topic) ([]byte, error)
	EncodeUnsubscribe(topic model.Topic) ([]byte, error)
	Decode(raw []byte) ([]model.Update, error)
}

// Connection is one established streaming transport.
type Connection interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// DialFunc opens a new Connection.
type DialFunc func(ctx context.Context) (Connection, error)

// DialWebSocket adapts a WebSocket dialer to a DialFunc.
func DialWebSocket(d *websocket.Dialer) DialFunc {
	return func(ctx context.Context) (Connection, error) {
		conn, err := d.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Handler consumes updates for one subscription.
type Handler func(model.Update)

// ManagerConfig holds reconnect and health parameters.
type ManagerConfig struct {
	BackoffBase   time.Duration // First retry delay
	BackoffMax    time.Duration // Retry delay cap
	DegradedAfter int           // Consecutive connect failures before the degraded signal
	StableAfter   time.Duration // Uptime after which a silent connection counts as healthy
}

var defaultManagerConfig = ManagerConfig{
	BackoffBase:   500 * time.Millisecond,
	BackoffMax:    30 * time.Second,
	DegradedAfter: 5,
	StableAfter:   10 * time.Second,
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id      string
	topic   model.Topic
	handler Handler
	closed  atomic.Bool
}

// ID returns the unique handle identifier.
func (s *Subscription) ID() string { return s.id }

// Topic returns the subscribed topic.
func (s *Subscription) Topic() model.Topic { return s.topic }

// deliver runs the handler unless the subscription was cancelled.
func (s *Subscription) deliver(u model.Update) {
	if s.closed.Load() {
		return
	}
	s.handler(u)
}

// upstreamChannel counts the consumers of one upstream channel.
type upstreamChannel struct {
	topic model.Topic // Representative topic used for encoding
	refs  int
}

// StateListener observes connection state transitions.
type StateListener func(state model.ConnState, degraded bool)

// SubscriptionManager owns one logical streaming connection.
//
// Consumers register per topic; upstream subscribe and unsubscribe messages
// are issued only on the zero-to-one and one-to-zero transitions of an
// upstream channel. Registrations made while disconnected are flushed on the
// next successful connect, and every connect re-subscribes all channels that
// still have consumers. Inbound updates are dispatched from a single read
// goroutine, so updates for one topic reach handlers in arrival order.
type SubscriptionManager struct {
	cfg   ManagerConfig
	dial  DialFunc
	codec Codec

	// ctrlMu orders control messages with the registry changes that cause
	// them. Lock order: ctrlMu, then mu.
	ctrlMu sync.Mutex

	mu        sync.Mutex
	state     model.ConnState
	conn      Connection
	topics    map[model.Topic]map[string]*Subscription
	channels  map[string]*upstreamChannel
	failures  int
	degraded  bool
	listeners []StateListener

	running atomic.Bool
	rnd     *rand.Rand
}

// NewSubscriptionManager creates a manager. Zero fields of cfg take defaults.
func NewSubscriptionManager(cfg ManagerConfig, dial DialFunc, codec Codec) *SubscriptionManager {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultManagerConfig.BackoffBase
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = max(defaultManagerConfig.BackoffMax, cfg.BackoffBase)
	}
	if cfg.DegradedAfter <= 0 {
		cfg.DegradedAfter = defaultManagerConfig.DegradedAfter
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = defaultManagerConfig.StableAfter
	}

	return &SubscriptionManager{
		cfg:      cfg,
		dial:     dial,
		codec:    codec,
		topics:   make(map[model.Topic]map[string]*Subscription),
		channels: make(map[string]*upstreamChannel),
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// OnStateChange registers a listener called after every state transition.
// Listeners run on the manager's own goroutines and must not block.
func (m *SubscriptionManager) OnStateChange(fn StateListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// State returns the current connection state.
func (m *SubscriptionManager) State() model.ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Degraded reports whether connecting has failed DegradedAfter times in a row.
// Connections that drop before delivering a frame or reaching StableAfter
// count as failures.
func (m *SubscriptionManager) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}

// Channels returns the number of upstream channels with at least one consumer.
func (m *SubscriptionManager) Channels() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels)
}

// Subscribe registers handler for topic and returns a handle for Unsubscribe.
//
// The first consumer of an upstream channel triggers its subscribe message,
// sent immediately when connected or on the next connect otherwise.
func (m *SubscriptionManager) Subscribe(topic model.Topic, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	if err := validateTopic(topic); err != nil {
		return nil, err
	}

	sub := &Subscription{
		id:      uuid.NewString(),
		topic:   topic,
		handler: handler,
	}

	m.ctrlMu.Lock()
	defer m.ctrlMu.Unlock()

	m.mu.Lock()
	consumers, ok := m.topics[topic]
	if !ok {
		consumers = make(map[string]*Subscription)
		m.topics[topic] = consumers
	}
	consumers[sub.id] = sub

	name := m.codec.Channel(topic)
	ch, ok := m.channels[name]
	if !ok {
		ch = &upstreamChannel{topic: topic}
		m.channels[name] = ch
	}
	ch.refs++

	var conn Connection
	if ch.refs == 1 && m.state == model.Connected {
		conn = m.conn
	}
	m.mu.Unlock()

	log.Debug().Str("topic", topic.String()).Str("id", sub.id).Msg("subscribed")

	if conn != nil {
		m.send(conn, "subscribe", ch.topic, m.codec.EncodeSubscribe)
	}
	return sub, nil
}

// Unsubscribe removes the consumer. Once it returns no new delivery to the
// handle starts. The last consumer of a channel triggers one best-effort
// unsubscribe message; send failures are logged.
func (m *SubscriptionManager) Unsubscribe(sub *Subscription) {
	if sub == nil || sub.closed.Swap(true) {
		return
	}

	m.ctrlMu.Lock()
	defer m.ctrlMu.Unlock()

	m.mu.Lock()
	if consumers, ok := m.topics[sub.topic]; ok {
		delete(consumers, sub.id)
		if len(consumers) == 0 {
			delete(m.topics, sub.topic)
		}
	}

	name := m.codec.Channel(sub.topic)
	var (
		conn  Connection
		topic model.Topic
	)
	if ch, ok := m.channels[name]; ok {
		ch.refs--
		if ch.refs <= 0 {
			delete(m.channels, name)
			topic = ch.topic
			if m.state == model.Connected {
				conn = m.conn
			}
		}
	}
	m.mu.Unlock()

	log.Debug().Str("topic", sub.topic.String()).Str("id", sub.id).Msg("unsubscribed")

	if conn != nil {
		m.send(conn, "unsubscribe", topic, m.codec.EncodeUnsubscribe)
	}
}

// Run maintains the connection until ctx is cancelled and returns nil then.
//
// Each pass dials, re-subscribes every registered channel and reads until the
// transport fails. Whatever the outcome, the next dial waits for the backoff
// delay, so a peer that accepts and immediately drops connections is not
// hammered with dials and resubscribe bursts.
//
// A connection only counts as healthy once it delivers a frame or stays up for
// StableAfter. A healthy connection resets the retry counter and clears the
// degraded signal. A connection that drops before that counts as a failed
// connect, exactly like a refused dial, and DegradedAfter such failures in a
// row raise the degraded signal.
//
// Run returns ErrManagerRunning if the manager is already running.
func (m *SubscriptionManager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrManagerRunning
	}
	defer m.running.Store(false)

	retry := 0
	for {
		if ctx.Err() != nil {
			m.setState(model.Disconnected)
			log.Info().Msg("subscription manager stopped")
			return nil
		}

		m.setState(model.Connecting)
		conn, err := m.dial(ctx)
		if err != nil {
			m.connectFailed(err)
		} else {
			m.connected(conn)
			healthy, err := m.session(ctx, conn)
			m.disconnected(conn, err)

			switch {
			case healthy:
				retry = 0
			case ctx.Err() == nil:
				m.connectFailed(fmt.Errorf("%w: %v", ErrUnstableConnection, err))
			}
		}

		delay := m.backoff(retry)
		retry++
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
	}
}

// session reads conn until it fails and reports whether the connection proved
// healthy on the way.
func (m *SubscriptionManager) session(ctx context.Context, conn Connection) (bool, error) {
	var (
		healthy atomic.Bool
		once    sync.Once
	)
	markHealthy := func() {
		once.Do(func() {
			healthy.Store(true)
			m.recovered()
		})
	}

	timer := time.AfterFunc(m.cfg.StableAfter, markHealthy)
	err := m.readLoop(ctx, conn, markHealthy)
	timer.Stop()
	// waits for a concurrent timer callback and blocks any later one
	once.Do(func() {})

	return healthy.Load(), err
}

// connected records the new transport, flushes every registered channel and
// only then reports Connected. Holding ctrlMu for the whole sequence keeps
// concurrent Subscribe and Unsubscribe calls out until the flush is done.
func (m *SubscriptionManager) connected(conn Connection) {
	m.ctrlMu.Lock()

	var topics []model.Topic
	m.mu.Lock()
	m.conn = conn
	for _, ch := range m.channels {
		topics = append(topics, ch.topic)
	}
	m.mu.Unlock()

	log.Info().Int("channels", len(topics)).Msg("stream connected, resubscribing")
	for _, topic := range topics {
		m.send(conn, "subscribe", topic, m.codec.EncodeSubscribe)
	}

	m.mu.Lock()
	notify := m.setStateLocked(model.Connected)
	m.mu.Unlock()
	m.ctrlMu.Unlock()

	notify()
}

func (m *SubscriptionManager) disconnected(conn Connection, err error) {
	_ = conn.Close()

	m.ctrlMu.Lock()
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	notify := m.setStateLocked(model.Disconnected)
	m.mu.Unlock()
	m.ctrlMu.Unlock()

	if err != nil {
		log.Warn().Err(err).Msg("stream disconnected")
	}
	notify()
}

// recovered resets the failure count once a connection proved healthy.
func (m *SubscriptionManager) recovered() {
	m.mu.Lock()
	m.failures = 0
	wasDegraded := m.degraded
	m.degraded = false
	notify := m.notifyLocked()
	m.mu.Unlock()

	if wasDegraded {
		log.Info().Msg("stream recovered")
		notify()
	}
}

func (m *SubscriptionManager) connectFailed(err error) {
	m.mu.Lock()
	m.failures++
	failures := m.failures
	becameDegraded := !m.degraded && failures >= m.cfg.DegradedAfter
	if becameDegraded {
		m.degraded = true
	}
	notify := m.setStateLocked(model.Disconnected)
	if becameDegraded {
		// the state may already be Disconnected, listeners still need the flag
		notify = m.notifyLocked()
	}
	m.mu.Unlock()

	log.Warn().Err(err).Int("failures", failures).Msg("stream connect failed")
	if becameDegraded {
		log.Error().Int("failures", failures).Msg("stream degraded")
	}
	notify()
}

// setState transitions the state and notifies listeners.
func (m *SubscriptionManager) setState(state model.ConnState) {
	m.mu.Lock()
	notify := m.setStateLocked(state)
	m.mu.Unlock()
	notify()
}

// setStateLocked must be called with mu held. The returned func notifies
// listeners and must be called without any lock held.
func (m *SubscriptionManager) setStateLocked(state model.ConnState) func() {
	if m.state == state {
		return func() {}
	}
	m.state = state
	return m.notifyLocked()
}

// notifyLocked must be called with mu held. It captures the current state and
// degraded flag for delivery to listeners after mu is released.
func (m *SubscriptionManager) notifyLocked() func() {
	state, degraded := m.state, m.degraded
	listeners := append([]StateListener(nil), m.listeners...)
	return func() {
		for _, fn := range listeners {
			fn(state, degraded)
		}
	}
}

// readLoop decodes and dispatches inbound frames until the transport fails or
// ctx is cancelled. onFrame runs after every successful read.
func (m *SubscriptionManager) readLoop(ctx context.Context, conn Connection, onFrame func()) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		onFrame()

		updates, err := m.codec.Decode(raw)
		if err != nil {
			log.Warn().Err(err).Msg("dropping undecodable stream message")
			continue
		}
		for _, u := range updates {
			m.dispatch(u)
		}
	}
}

// dispatch delivers u to every consumer of its topic. Updates for topics
// without consumers are dropped.
func (m *SubscriptionManager) dispatch(u model.Update) {
	m.mu.Lock()
	consumers := m.topics[u.Topic]
	subs := make([]*Subscription, 0, len(consumers))
	for _, sub := range consumers {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	if len(subs) == 0 {
		if u.Topic.Kind == model.TopicCandle {
			log.Debug().Str("topic", u.Topic.String()).Msg("dropping update without consumers")
		}
		return
	}
	for _, sub := range subs {
		sub.deliver(u)
	}
}

// send writes one control message; failures are logged, never returned.
func (m *SubscriptionManager) send(conn Connection, op string, topic model.Topic, encode func(model.Topic) ([]byte, error)) {
	msg, err := encode(topic)
	if err != nil {
		log.Error().Err(err).Str("op", op).Str("topic", topic.String()).Msg("failed to encode control message")
		return
	}
	if err := conn.WriteMessage(msg); err != nil {
		log.Warn().Err(err).Str("op", op).Str("topic", topic.String()).Msg("failed to send control message")
	}
}

// backoff returns the delay before retry number retry: exponential from
// BackoffBase, capped at BackoffMax, with up to 20% jitter.
func (m *SubscriptionManager) backoff(retry int) time.Duration {
	delay := m.cfg.BackoffMax
	if retry < 30 {
		if d := m.cfg.BackoffBase << uint(retry); d > 0 && d < m.cfg.BackoffMax {
			delay = d
		}
	}

	m.mu.Lock()
	jitter := time.Duration(m.rnd.Int63n(int64(delay)/5 + 1))
	m.mu.Unlock()
	return delay + jitter
}

func validateTopic(topic model.Topic) error {
	switch topic.Kind {
	case model.TopicCandle:
		if err := utils.ValidateSeriesKey(topic.Symbol, topic.Interval); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTopic, err)
		}
	case model.TopicPrice:
		if err := utils.ValidateSymbol(topic.Symbol); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTopic, err)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidTopic, topic.Kind)
	}
	return nil
}
