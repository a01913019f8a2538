/*
Package main implements a polling client for the marketsync HTTP API.

The client checks the daemon's gRPC health service, then polls the series
endpoint for each symbol and logs the newest candle whenever it changes.

Usage:

	go run ./cmd/client -addr=http://localhost:8080 -grpc=localhost:50051 -symbols=BTC,ETH -interval=1m
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"marketsync/internal/httpapi"
	"marketsync/internal/model"
	"marketsync/internal/utils"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
)

const maxSymbols = 20

var (
	serverAddr = flag.String("addr", "http://localhost:8080", "Base URL of the HTTP API")
	grpcAddr   = flag.String("grpc", "localhost:50051", "gRPC health address, empty to skip the check")
	symbols    = flag.String("symbols", "BTC,ETH", "Comma-separated list of symbols to poll")
	interval   = flag.String("interval", "1m", "Candle interval")
	every      = flag.Duration("every", 5*time.Second, "Polling period")
)

func main() {
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(zerolog.InfoLevel).With().Timestamp().Logger()

	symbolList := strings.Split(*symbols, ",")
	if err := validateConfig(symbolList); err != nil {
		log.Fatal().Err(err).Msg("configuration error")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *grpcAddr != "" {
		status, err := checkHealth(ctx, *grpcAddr)
		if err != nil {
			log.Warn().Err(err).Msg("health check failed")
		} else {
			log.Info().Str("status", status).Msg("server health")
		}
	}

	client := &http.Client{Timeout: 10 * time.Second}
	last := make(map[string]httpapi.CandleJSON, len(symbolList))

	ticker := time.NewTicker(*every)
	defer ticker.Stop()
	for {
		for _, symbol := range symbolList {
			series, err := fetchSeries(ctx, client, symbol)
			if err != nil {
				log.Error().Err(err).Str("symbol", symbol).Msg("failed to fetch series")
				continue
			}
			if series.Error != "" {
				log.Warn().Str("symbol", symbol).Str("error", series.Error).Msg("snapshot unavailable")
			}
			if len(series.Candles) == 0 {
				log.Info().Str("symbol", symbol).Bool("loading", series.Loading).Msg("no candles yet")
				continue
			}

			newest := series.Candles[len(series.Candles)-1]
			if prev, ok := last[symbol]; ok && prev.OpenTime == newest.OpenTime && prev.Close.Equal(newest.Close) {
				continue
			}
			last[symbol] = newest

			log.Info().
				Str("pair", series.Symbol).
				Str("interval", series.Interval).
				Int("candles", len(series.Candles)).
				Str("open", newest.Open.String()).
				Str("high", newest.High.String()).
				Str("low", newest.Low.String()).
				Str("close", newest.Close.String()).
				Str("start_time", time.Unix(newest.OpenTime, 0).Format(time.RFC3339)).
				Msg("candle")
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("received shutdown signal")
			return
		case <-ticker.C:
		}
	}
}

func fetchSeries(ctx context.Context, client *http.Client, symbol string) (*httpapi.SeriesJSON, error) {
	endpoint := fmt.Sprintf("%s/api/series/%s/%s",
		strings.TrimRight(*serverAddr, "/"), url.PathEscape(symbol), url.PathEscape(*interval))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var series httpapi.SeriesJSON
	if err := json.NewDecoder(resp.Body).Decode(&series); err != nil {
		return nil, fmt.Errorf("decode series: %w", err)
	}
	return &series, nil
}

func checkHealth(ctx context.Context, addr string) (string, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return "", err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		return "", err
	}
	return resp.GetStatus().String(), nil
}

// validateConfig checks the command line before any request is made.
func validateConfig(symbolList []string) error {
	if *serverAddr == "" {
		return fmt.Errorf("server address cannot be empty")
	}
	if *every <= 0 {
		return fmt.Errorf("polling period must be positive")
	}
	if err := utils.ValidateInterval(model.Interval(*interval)); err != nil {
		return err
	}
	return utils.ValidateSymbols(symbolList, maxSymbols)
}
