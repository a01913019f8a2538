// Package exchange provides the market-data provider adapters for the exchange API.
//
// The InfoClient implements the REST side of the provider: historical candle
// snapshots and the mid-price table, both served by POST /info.
//
// Key features:
//   - String-encoded numerics parsed into decimal.Decimal
//   - Per-candle validation using struct tags and validator; bad rows are dropped
//   - A wholly malformed body yields an empty result instead of an error
//   - Client-side rate limiting and a bounded request timeout
package exchange

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"marketsync/internal/model"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

var tracer trace.Tracer = otel.Tracer("marketsync/exchange")

// maxErrorBody bounds how much of a failed response is kept in the error.
const maxErrorBody = 512

// InfoClient issues POST /info requests against the exchange REST API.
type InfoClient struct {
	config     ExchangeConfig      // Validated configuration
	httpClient *http.Client        // Shared HTTP client
	limiter    *rate.Limiter       // Client-side request budget
	validate   *validator.Validate // Validator instance for wire candles
}

// candleSnapshotRequest is the body of a candle snapshot query.
//
// Example JSON:
//
//	{"type":"candleSnapshot","req":{"coin":"BTC","interval":"1h","startTime":1700000000000,"endTime":1700003600000}}
type candleSnapshotRequest struct {
	Type string             `json:"type"`
	Req  candleSnapshotArgs `json:"req"`
}

type candleSnapshotArgs struct {
	Coin      string `json:"coin"`
	Interval  string `json:"interval"`
	StartTime int64  `json:"startTime"`
	EndTime   int64  `json:"endTime"`
}

// wireCandle is one candle as delivered by both the REST and streaming APIs.
//
// Example JSON:
//
//	{"t":1700000000000,"T":1700003599999,"s":"BTC","i":"1h","o":"37000.0","c":"37100.5","h":"37200.0","l":"36950.0","v":"123.45","n":980}
type wireCandle struct {
	OpenTime  int64  `json:"t" validate:"required,gt=0"`
	CloseTime int64  `json:"T"`
	Symbol    string `json:"s"`
	Interval  string `json:"i"`
	Open      string `json:"o" validate:"required,numeric"`
	Close     string `json:"c" validate:"required,numeric"`
	High      string `json:"h" validate:"required,numeric"`
	Low       string `json:"l" validate:"required,numeric"`
	Volume    string `json:"v" validate:"required,numeric"`
	Trades    int64  `json:"n"`
}

// NewInfoClient creates a REST client. A nil cfg selects mainnet defaults.
func NewInfoClient(cfg *ExchangeConfig) (*InfoClient, error) {
	if cfg == nil {
		c := defaultExchangeConfig
		cfg = &c
	}

	if err := validateConfig(cfg, &defaultExchangeConfig); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	return &InfoClient{
		config: *cfg,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		validate: validator.New(),
	}, nil
}

// CandleSnapshot fetches historical candles for coin over [start, end].
//
// Rows failing validation are dropped. A response that is not a JSON array
// yields an empty slice. The result is in upstream order; callers sort.
func (c *InfoClient) CandleSnapshot(ctx context.Context, coin string, interval model.Interval, start, end time.Time) ([]model.Candle, error) {
	ctx, span := tracer.Start(ctx, "info.candleSnapshot", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("coin", coin),
		attribute.String("interval", string(interval)),
	)

	req := candleSnapshotRequest{
		Type: "candleSnapshot",
		Req: candleSnapshotArgs{
			Coin:      coin,
			Interval:  string(interval),
			StartTime: start.UnixMilli(),
			EndTime:   end.UnixMilli(),
		},
	}

	var raw []json.RawMessage
	if err := c.post(ctx, req, &raw); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	candles := make([]model.Candle, 0, len(raw))
	for _, item := range raw {
		candle, err := c.parseCandle(item)
		if err != nil {
			log.Warn().Err(err).Str("coin", coin).Msg("dropping malformed candle")
			continue
		}
		candles = append(candles, candle)
	}

	span.SetAttributes(attribute.Int("candles", len(candles)))
	return candles, nil
}

// AllMids fetches the mid price of every listed coin.
// Entries whose price does not parse are dropped.
func (c *InfoClient) AllMids(ctx context.Context) (map[string]decimal.Decimal, error) {
	ctx, span := tracer.Start(ctx, "info.allMids", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	var raw map[string]string
	if err := c.post(ctx, map[string]string{"type": "allMids"}, &raw); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	return parseMids(raw), nil
}

// parseCandle decodes and validates a single wire candle.
func (c *InfoClient) parseCandle(raw json.RawMessage) (model.Candle, error) {
	var w wireCandle
	if err := json.Unmarshal(raw, &w); err != nil {
		return model.Candle{}, fmt.Errorf("invalid candle JSON: %w", err)
	}
	return toCandle(c.validate, w)
}

// toCandle validates w and converts it to the domain type.
func toCandle(validate *validator.Validate, w wireCandle) (model.Candle, error) {
	if err := validate.Struct(&w); err != nil {
		return model.Candle{}, fmt.Errorf("candle validation failed: %w", err)
	}

	fields := [5]decimal.Decimal{}
	for i, s := range [5]string{w.Open, w.High, w.Low, w.Close, w.Volume} {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return model.Candle{}, fmt.Errorf("invalid candle numeric %q: %w", s, err)
		}
		fields[i] = d
	}

	return model.Candle{
		OpenTime: w.OpenTime / 1000,
		Open:     fields[0],
		High:     fields[1],
		Low:      fields[2],
		Close:    fields[3],
		Volume:   fields[4],
	}, nil
}

func parseMids(raw map[string]string) map[string]decimal.Decimal {
	mids := make(map[string]decimal.Decimal, len(raw))
	for coin, s := range raw {
		d, err := decimal.NewFromString(s)
		if err != nil {
			log.Warn().Err(err).Str("coin", coin).Msg("dropping malformed mid price")
			continue
		}
		mids[coin] = d
	}
	return mids
}

// post sends body to the info endpoint and decodes the answer into out.
//
// A body that cannot be decoded into out is logged and leaves out at its zero
// value; only transport failures and non-200 statuses are returned as errors.
func (c *InfoClient) post(ctx context.Context, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.InfoURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post info: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read info response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if len(data) > maxErrorBody {
			data = data[:maxErrorBody]
		}
		return fmt.Errorf("%w: status=%d body=%s", ErrRequestFailed, resp.StatusCode, string(data))
	}

	if err := json.Unmarshal(data, out); err != nil {
		log.Warn().Err(err).Int("bytes", len(data)).Msg("malformed info response")
	}
	return nil
}
