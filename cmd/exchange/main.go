// The exchange daemon assembles the task exchange and serves its two
// surfaces: the operator REST API and the agent websocket listener.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/davidleathers/agent-exchange/internal/api/rest"
	"github.com/davidleathers/agent-exchange/internal/infrastructure/advisor"
	"github.com/davidleathers/agent-exchange/internal/infrastructure/config"
	"github.com/davidleathers/agent-exchange/internal/infrastructure/events"
	"github.com/davidleathers/agent-exchange/internal/infrastructure/statestore"
	"github.com/davidleathers/agent-exchange/internal/infrastructure/telemetry"
	"github.com/davidleathers/agent-exchange/internal/metrics"
	"github.com/davidleathers/agent-exchange/internal/service/exchange"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	provider, err := telemetry.InitializeOpenTelemetry(ctx, &telemetry.Config{
		ServiceName:    "agent-exchange",
		ServiceVersion: cfg.Version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Enabled:        cfg.Telemetry.Enabled,
		SamplingRate:   cfg.Telemetry.SamplingRate,
		ExportTimeout:  cfg.Telemetry.ExportTimeout,
		BatchTimeout:   cfg.Telemetry.BatchTimeout,
	})
	if err != nil {
		logger.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		if err := provider.Shutdown(ctx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	registry, err := metrics.NewRegistry("agent-exchange")
	if err != nil {
		logger.Fatal("failed to create metrics registry", zap.Error(err))
	}

	states := statestore.Noop()
	if cfg.Redis.Enabled {
		states, err = statestore.NewRedisStore(statestore.Options{
			Addr:     cfg.Redis.URL,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, logger)
		if err != nil {
			logger.Fatal("failed to connect statestore", zap.Error(err))
		}
	}

	opts := exchange.Options{
		Config:  cfg,
		Logger:  logger,
		Metrics: registry,
		States:  states,
	}
	if cfg.Advisor.Enabled {
		// One sidecar client backs every advisory role.
		client := advisor.New(cfg.Advisor.Endpoint, logger)
		opts.Advisor = client
		opts.Evaluator = client
		opts.Judge = client
		opts.Summarizer = client
	}

	x := exchange.New(opts)

	var egress *events.NATSEgress
	if cfg.NATS.Enabled {
		egress, err = events.NewNATSEgress(x.Bus(), cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			// The event mirror is best-effort; the exchange runs without it.
			logger.Warn("nats egress unavailable", zap.Error(err))
		}
	}

	registerExchangeCollectors(cfg.Version, x)

	server, err := rest.NewServer(rest.Options{
		Config:   cfg,
		Exchange: x,
		Logger:   logger,
		Metrics:  registry,
		Scrape:   MetricsHandler(),
		Instrument: func(next http.Handler) http.Handler {
			return InstrumentHTTPHandler("api", next.ServeHTTP)
		},
	})
	if err != nil {
		logger.Fatal("failed to create api server", zap.Error(err))
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("api server failed", zap.Error(err))
		}
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api server shutdown failed", zap.Error(err))
	}
	if err := x.Shutdown(shutdownCtx); err != nil {
		logger.Warn("exchange drain incomplete", zap.Error(err))
	}
	if egress != nil {
		egress.Close()
	}
	logger.Info("exchange daemon stopped")
}
