// Package websocket provides the streaming transport used by the subscription manager.
//
// A Dialer opens one gorilla/websocket connection per call and wraps it in a
// Conn that serializes writes, keeps the link alive with periodic pings and
// shuts down idempotently. Reconnection policy lives in the caller; a Conn is
// single-use and is discarded after the first read error.
package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// defaultPingPeriod defines the default interval for sending keepalive messages.
	defaultPingPeriod = 30 * time.Second

	// defaultSendTimeout defines the default timeout for WebSocket write operations.
	defaultSendTimeout = 5 * time.Second

	// defaultReadLimit defines the maximum size of incoming WebSocket messages.
	defaultReadLimit = 1 << 20 // 1MB

	// defaultHandshakeTimeout defines the maximum time allowed for WebSocket handshake.
	defaultHandshakeTimeout = 10 * time.Second
)

// Common errors returned by the WebSocket transport
var (
	// ErrConnClosed indicates the connection has been closed locally.
	ErrConnClosed = errors.New("connection closed")

	// ErrMissingEndpoint indicates the Config has no endpoint.
	ErrMissingEndpoint = errors.New("endpoint URL is required")
)

// Config defines settings for the WebSocket transport.
type Config struct {
	// Endpoint is the WebSocket URL to connect to.
	// Required: This field must be provided and non-empty.
	Endpoint string

	// TLSInsecureSkip disables TLS certificate verification.
	TLSInsecureSkip bool

	// PingPeriod is the interval between keepalive messages. The read
	// deadline is twice this value.
	PingPeriod time.Duration

	// SendTimeout is the maximum time allowed for WebSocket write operations.
	SendTimeout time.Duration

	// PingMessage, when set, is sent as a text frame instead of a control ping.
	// Exchanges that expect an application-level heartbeat need this.
	PingMessage []byte

	// ReadLimit caps the size of a single inbound message.
	ReadLimit int64
}

// Dialer opens transport connections for a fixed Config.
type Dialer struct {
	cfg Config
}

// NewDialer validates cfg, applies defaults and returns a Dialer.
func NewDialer(cfg Config) (*Dialer, error) {
	if cfg.Endpoint == "" {
		return nil, ErrMissingEndpoint
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = defaultPingPeriod
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	return &Dialer{cfg: cfg}, nil
}

// Dial establishes a WebSocket connection and starts its keepalive loop.
func (d *Dialer) Dial(ctx context.Context) (*Conn, error) {
	logger := log.With().
		Str("endpoint", d.cfg.Endpoint).
		Bool("tlsInsecureSkip", d.cfg.TLSInsecureSkip).
		Logger()

	logger.Debug().Msg("attempting websocket connection")

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: d.cfg.TLSInsecureSkip},
		HandshakeTimeout: defaultHandshakeTimeout,
	}

	ws, resp, err := dialer.DialContext(ctx, d.cfg.Endpoint, make(http.Header))
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", d.cfg.Endpoint, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", d.cfg.Endpoint, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:     ws,
		cfg:    &d.cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	ws.SetReadLimit(d.cfg.ReadLimit)
	ws.SetPongHandler(func(string) error {
		if err := ws.SetReadDeadline(time.Now().Add(d.cfg.PingPeriod * 2)); err != nil {
			logger.Warn().Err(err).Msg("failed to set read deadline in pong handler")
		}
		return nil
	})

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pingLoop()
	}()

	logger.Info().Msg("websocket connection established")
	return c, nil
}

// Conn is one live WebSocket connection.
//
// ReadMessage must be called from a single goroutine; WriteMessage and Close
// are safe for concurrent use.
type Conn struct {
	ws      *websocket.Conn
	cfg     *Config
	writeMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
	wg      sync.WaitGroup
}

// ReadMessage blocks until the next data frame arrives.
// Any error is terminal for this connection.
func (c *Conn) ReadMessage() ([]byte, error) {
	for {
		if c.ctx.Err() != nil {
			return nil, ErrConnClosed
		}

		if err := c.ws.SetReadDeadline(time.Now().Add(c.cfg.PingPeriod * 2)); err != nil {
			return nil, err
		}

		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil {
				return nil, ErrConnClosed
			}
			return nil, err
		}

		if messageType == websocket.TextMessage || messageType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// WriteMessage sends data as a text frame.
func (c *Conn) WriteMessage(data []byte) error {
	return c.write(websocket.TextMessage, data)
}

func (c *Conn) write(messageType int, data []byte) error {
	if c.ctx.Err() != nil {
		return ErrConnClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(c.cfg.SendTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, data)
}

// pingLoop sends periodic keepalive messages until the connection closes.
func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()

	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Str("component", "pingLoop").
		Logger()

	for {
		select {
		case <-ticker.C:
			var err error
			if c.cfg.PingMessage != nil {
				err = c.write(websocket.TextMessage, c.cfg.PingMessage)
			} else {
				err = c.write(websocket.PingMessage, nil)
			}
			if err != nil {
				logger.Warn().Err(err).Msg("ping error")
			} else {
				logger.Debug().Msg("ping sent")
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Close gracefully shuts down the connection. It can be called multiple times safely.
func (c *Conn) Close() error {
	var closeErr error
	c.once.Do(func() {
		logger := log.With().
			Str("endpoint", c.cfg.Endpoint).
			Str("component", "close").
			Logger()

		c.cancel()

		c.writeMu.Lock()
		if err := c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		); err != nil {
			logger.Debug().Err(err).Msg("failed to send close frame")
		}
		c.writeMu.Unlock()

		closeErr = c.ws.Close()

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			logger.Warn().Msg("timeout waiting for goroutines to complete")
		}
	})
	return closeErr
}
