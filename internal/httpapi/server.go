// Package httpapi exposes the market data facade over a read-only HTTP API.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"marketsync/internal/model"
	"marketsync/internal/service"
	"marketsync/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// MarketData is the facade surface served by the API.
type MarketData interface {
	GetSeries(symbol string, interval model.Interval) (model.SeriesView, error)
	Mids(ctx context.Context) (map[string]decimal.Decimal, error)
	InvalidateSnapshots(symbol string) int
	Health() service.Health
}

// CandleJSON is the wire form of one candle.
type CandleJSON struct {
	OpenTime int64           `json:"t"`
	Open     decimal.Decimal `json:"o"`
	High     decimal.Decimal `json:"h"`
	Low      decimal.Decimal `json:"l"`
	Close    decimal.Decimal `json:"c"`
	Volume   decimal.Decimal `json:"v"`
}

// SeriesJSON is the response of GET /api/series/:symbol/:interval.
type SeriesJSON struct {
	Symbol   string       `json:"symbol"`
	Interval string       `json:"interval"`
	Loading  bool         `json:"loading"`
	Error    string       `json:"error,omitempty"`
	Candles  []CandleJSON `json:"candles"`
}

// Server serves the HTTP API.
type Server struct {
	md      MarketData
	engine  *gin.Engine
	srv     *http.Server
	timeout time.Duration
}

// NewServer builds the router. requestTimeout bounds upstream calls made on
// behalf of a request.
func NewServer(md MarketData, requestTimeout time.Duration) *Server {
	gin.SetMode(gin.ReleaseMode)
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Second
	}

	s := &Server{
		md:      md,
		engine:  gin.New(),
		timeout: requestTimeout,
	}
	s.engine.Use(gin.Recovery(), requestLogger())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.engine.Group("/api")
	api.GET("/health", s.getHealth)
	api.GET("/series/:symbol/:interval", s.getSeries)
	api.GET("/mids", s.getMids)
	api.POST("/snapshots/:symbol/invalidate", s.invalidateSnapshots)
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens on addr and blocks until the server stops.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info().Str("addr", addr).Msg("http api listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops a started server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) getHealth(c *gin.Context) {
	h := s.md.Health()
	status := http.StatusOK
	if h.Degraded {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, h)
}

func (s *Server) getSeries(c *gin.Context) {
	view, err := s.md.GetSeries(c.Param("symbol"), model.Interval(c.Param("interval")))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	out := SeriesJSON{
		Symbol:   view.Key.Symbol,
		Interval: string(view.Key.Interval),
		Loading:  view.Loading,
		Candles:  make([]CandleJSON, 0, len(view.Candles)),
	}
	if view.Err != nil {
		out.Error = view.Err.Error()
	}
	for _, cd := range view.Candles {
		out.Candles = append(out.Candles, CandleJSON{
			OpenTime: cd.OpenTime,
			Open:     cd.Open,
			High:     cd.High,
			Low:      cd.Low,
			Close:    cd.Close,
			Volume:   cd.Volume,
		})
	}
	c.JSON(http.StatusOK, out)
}

// getMids returns the mid-price table, optionally filtered by ?coins=A,B.
func (s *Server) getMids(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeout)
	defer cancel()

	mids, err := s.md.Mids(ctx)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	coins := c.Query("coins")
	if coins == "" {
		c.JSON(http.StatusOK, mids)
		return
	}
	filtered := make(map[string]decimal.Decimal)
	for _, coin := range strings.Split(coins, ",") {
		if px, ok := mids[strings.TrimSpace(coin)]; ok {
			filtered[strings.TrimSpace(coin)] = px
		}
	}
	c.JSON(http.StatusOK, filtered)
}

func (s *Server) invalidateSnapshots(c *gin.Context) {
	symbol := c.Param("symbol")
	if err := utils.ValidateSymbol(symbol); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": s.md.InvalidateSnapshots(symbol)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, utils.ErrInvalidSymbol), errors.Is(err, utils.ErrInvalidInterval):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNoMidsProvider):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("component", "httpapi").
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}
