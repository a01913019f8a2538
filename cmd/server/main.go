/*
Package main runs the marketsync daemon.

The daemon keeps one streaming connection to the exchange, reconciles REST
candle snapshots with streamed updates and serves the result over a read-only
HTTP API. A gRPC health service reports NOT_SERVING while the stream is
degraded.

Usage:

	go run ./cmd/server -config=marketsync.yaml -http=:8080 -grpc=:50051 -testnet

Settings come from the YAML file, a .env file and MARKETSYNC_* variables;
flags override all of them.
*/
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketsync/internal/cache"
	"marketsync/internal/candles"
	"marketsync/internal/config"
	"marketsync/internal/exchange"
	"marketsync/internal/httpapi"
	"marketsync/internal/logging"
	"marketsync/internal/model"
	"marketsync/internal/service"
	"marketsync/internal/telemetry"
	"marketsync/internal/websocket"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

const version = "0.1.0"

var (
	configPath = flag.String("config", "", "Path to the YAML configuration file")
	envFile    = flag.String("env", ".env", "Path to an optional .env file")
	httpAddr   = flag.String("http", "", "HTTP listen address (overrides config)")
	grpcAddr   = flag.String("grpc", "", "gRPC health listen address (overrides config)")
	testnet    = flag.Bool("testnet", false, "Use the testnet endpoints")
	logLevel   = flag.String("log-level", "", "Log level (overrides config)")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	closer, err := logging.Setup(cfg.Logging)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up logging")
	}
	defer closer.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Tracing, version)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise tracing")
	}

	stream, md, err := newMarketData(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build market data")
	}
	defer md.Close()

	healthServer := health.NewServer()
	stream.OnStateChange(func(state model.ConnState, degraded bool) {
		status := grpc_health_v1.HealthCheckResponse_SERVING
		if degraded {
			status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
		}
		healthServer.SetServingStatus("", status)
		log.Info().Str("state", state.String()).Bool("degraded", degraded).Msg("stream state changed")
	})

	go func() {
		if err := stream.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("subscription manager stopped")
		}
	}()
	go md.Run(ctx, cfg.MarketData.SweepInterval)

	grpcServer, err := startGRPC(cfg.Server.GRPCAddr, healthServer)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to listen")
	}

	api := httpapi.NewServer(md, cfg.Exchange.RequestTimeout)
	go func() {
		if err := api.Start(cfg.Server.HTTPAddr); err != nil {
			log.Error().Err(err).Msg("http api stopped")
			cancel()
		}
	}()

	log.Info().
		Str("http", cfg.Server.HTTPAddr).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("stream", cfg.WebSocketConfig().Endpoint).
		Msg("server started")

	<-ctx.Done()
	log.Info().Msg("initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := api.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	if grpcServer != nil {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("tracing shutdown")
	}
}

// applyFlags copies explicitly set flags over the loaded configuration.
func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "http":
			cfg.Server.HTTPAddr = *httpAddr
		case "grpc":
			cfg.Server.GRPCAddr = *grpcAddr
		case "testnet":
			cfg.Exchange.Testnet = *testnet
		case "log-level":
			cfg.Logging.Level = *logLevel
		}
	})
}

// newMarketData wires the REST client, cache, reconciler and streaming
// connection into the facade.
func newMarketData(cfg *config.Config) (*service.SubscriptionManager, *service.MarketData, error) {
	exCfg := cfg.ExchangeConfig()
	info, err := exchange.NewInfoClient(&exCfg)
	if err != nil {
		return nil, nil, err
	}

	dialer, err := websocket.NewDialer(cfg.WebSocketConfig())
	if err != nil {
		return nil, nil, err
	}

	resolver := cfg.SymbolResolver()
	snapshots := cache.New()
	reconciler := candles.NewReconciler(info,
		candles.WithCache(snapshots, cfg.MarketData.SnapshotTTL),
		candles.WithResolver(resolver),
	)

	stream := service.NewSubscriptionManager(cfg.ManagerConfig(), service.DialWebSocket(dialer), exchange.NewStreamCodec())
	md := service.NewMarketData(cfg.MarketDataConfig(), reconciler, stream, snapshots,
		service.WithMidsProvider(info),
		service.WithSymbolResolver(resolver),
	)
	return stream, md, nil
}

// startGRPC serves the health service on addr. An empty addr disables it.
func startGRPC(addr string, healthServer *health.Server) (*grpc.Server, error) {
	if addr == "" {
		return nil, nil
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
			MaxConnectionAge:  30 * time.Minute,
			Time:              20 * time.Second,
			Timeout:           10 * time.Second,
		}),
	)
	grpc_health_v1.RegisterHealthServer(s, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	go func() {
		if err := s.Serve(lis); err != nil {
			log.Error().Err(err).Msg("grpc server stopped")
		}
	}()
	log.Info().Str("addr", addr).Msg("grpc health listening")
	return s, nil
}
