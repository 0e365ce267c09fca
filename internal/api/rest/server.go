// Package rest is the operator-facing HTTP surface of the exchange: task
// submission and cancellation, status, reputation, and the agent websocket
// endpoint. Agents speak the websocket protocol under /ws/agents; everything
// under /api/v1 is JSON over plain HTTP.
package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/agent-exchange/internal/infrastructure/config"
	"github.com/davidleathers/agent-exchange/internal/metrics"
)

// Middleware wraps an http.Handler with cross-cutting behavior.
type Middleware func(http.Handler) http.Handler

// Options configures NewServer.
type Options struct {
	Config   *config.Config
	Exchange ExchangeAPI
	Logger   *zap.Logger
	Metrics  *metrics.Registry

	// Scrape is mounted on /metrics when set, typically promhttp.Handler().
	Scrape http.Handler
	// Instrument, when set, wraps the API chain as its outermost layer.
	Instrument Middleware
}

// Server serves the exchange API over HTTP.
type Server struct {
	cfg      *config.Config
	exchange ExchangeAPI
	logger   *zap.Logger
	handler  *Handler

	httpServer *http.Server
	root       http.Handler
}

// NewServer builds the server and its middleware chain. It does not listen
// until Start.
func NewServer(opts Options) (*Server, error) {
	if opts.Exchange == nil {
		return nil, errors.New("rest: exchange is required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Defaults()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		cfg:      cfg,
		exchange: opts.Exchange,
		logger:   logger,
		handler:  NewHandler(opts.Exchange, logger),
	}

	var chain []Middleware
	if opts.Instrument != nil {
		chain = append(chain, opts.Instrument)
	}
	chain = append(chain,
		requestIDMiddleware,
		loggingMiddleware(logger),
		recoveryMiddleware(logger),
		rateLimitMiddleware(newClientLimiter(
			cfg.Security.RateLimit.RequestsPerSecond,
			cfg.Security.RateLimit.BurstSize)),
	)
	if opts.Metrics != nil {
		chain = append(chain, metricsMiddleware(opts.Metrics))
	}
	// Auth is opt-in: a deployment with no secret is a local single-user
	// install where the bearer dance buys nothing.
	if cfg.Security.JWTSecret != "" {
		chain = append(chain, authMiddleware([]byte(cfg.Security.JWTSecret)))
	}

	api := http.NewServeMux()
	api.HandleFunc("POST /submissions", s.handler.handleCreateSubmission)
	api.HandleFunc("DELETE /tasks/{id}", s.handler.handleCancelTask)
	api.HandleFunc("GET /status", s.handler.handleStatus)
	api.HandleFunc("POST /agents/reconnect", s.handler.handleReconnectAgents)
	api.HandleFunc("GET /reputation", s.handler.handleReputation)

	var apiHandler http.Handler = http.StripPrefix("/api/v1", api)
	for i := len(chain) - 1; i >= 0; i-- {
		apiHandler = chain[i](apiHandler)
	}

	root := http.NewServeMux()
	root.Handle("/api/v1/", apiHandler)
	// The agent socket mounts outside the chain: the logging wrapper hides
	// http.Hijacker from the upgrader, and sessions outlive any request
	// timeout.
	root.Handle("GET /ws/agents", s.exchange.Listener())
	root.HandleFunc("GET /healthz", s.handler.handleHealthz)
	if opts.Scrape != nil {
		root.Handle("GET /metrics", opts.Scrape)
	}
	s.root = root

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      root,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  2 * cfg.Server.ReadTimeout,
	}
	return s, nil
}

// Handler exposes the routed handler for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.root
}

// Start listens and serves until Shutdown. It returns nil on a clean
// shutdown.
func (s *Server) Start() error {
	s.logger.Info("api server listening",
		zap.String("addr", s.httpServer.Addr),
		zap.String("environment", s.cfg.Environment),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("api server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// startedAt anchors the uptime reported by /healthz.
var startedAt = time.Now()
