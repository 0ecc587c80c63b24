// Package gateway exposes the relay over HTTP: a Server-Sent Events chat
// endpoint, a WebSocket variant of the same stream and a few operational
// endpoints.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"chatrelay/internal/adapter/provider"
	"chatrelay/internal/domain"
	"chatrelay/internal/infra/config"
	"chatrelay/internal/infra/middleware"
	"chatrelay/internal/usecase/eventbus"
)

// ChatStreamer relays one chat request as canonical events.
type ChatStreamer interface {
	Stream(ctx context.Context, in domain.InboundRequest) <-chan domain.StreamEvent
}

// ServerDeps holds the collaborators of a Server.
type ServerDeps struct {
	Relay           ChatStreamer
	Providers       interface{ List() []string }
	DefaultProvider string
	Breakers        *provider.BreakerSet // can be nil
	Stats           *eventbus.Stats      // can be nil
	Config          config.GatewayConfig
	Logger          *slog.Logger
}

// Server is the inbound HTTP side of the relay.
type Server struct {
	deps      ServerDeps
	metrics   *Metrics
	started   time.Time
	logger    *slog.Logger
	httpSrv   *http.Server
	boundAddr string
}

// NewServer creates a gateway server.
func NewServer(deps ServerDeps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Config.MaxBodyBytes <= 0 {
		deps.Config.MaxBodyBytes = 1 << 20
	}
	return &Server{
		deps:    deps,
		metrics: &Metrics{},
		started: time.Now(),
		logger:  deps.Logger,
	}
}

// Handler returns the routed handler wrapped in the middleware chain.
// ctx bounds the rate limiter's background cleanup.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/chat", s.handleChat)
	mux.HandleFunc("/api/v1/chat/ws", s.handleWS)
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.HandleFunc("/api/v1/providers", s.handleProviders)
	mux.HandleFunc("/metrics", s.handleMetrics)

	var h http.Handler = mux
	cfg := s.deps.Config
	if cfg.RateLimit > 0 {
		h = middleware.RateLimit(ctx, middleware.RateLimitConfig{
			Rate:           cfg.RateLimit,
			Burst:          cfg.RateBurst,
			TrustedProxies: cfg.TrustedProxies,
		})(h)
	}
	if len(cfg.AllowedOrigins) > 0 {
		h = middleware.CORS(cfg.AllowedOrigins)(h)
	}
	return middleware.RequestID(middleware.SecurityHeaders(h))
}

// Start listens on the configured address and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.deps.Config.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()

	// No WriteTimeout: chat responses are long-lived streams.
	s.httpSrv = &http.Server{
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("gateway started", "addr", s.boundAddr)

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server, giving open streams 5s to finish.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

// BoundAddr returns the actual address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string { return s.boundAddr }
