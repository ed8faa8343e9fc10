// Package httpapi wires the broker's subscriber WebSocket endpoint and
// operator REST surface onto a single http.Server: request-id propagation,
// structured request logging, rate limiting, and security headers wrap every
// route the same way the ambient middleware stack does for the rest of the
// project.
package httpapi

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"camflow-broker/internal/broker"
	"camflow-broker/internal/observability/logging"
	"camflow-broker/internal/observability/metrics"
	"camflow-broker/internal/serverutil"
)

// TLSConfig names the certificate files that enable TLS on the listener
// created by Run. When both fields are empty the server falls back to
// plain HTTP.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// Config aggregates everything New needs to build a Server.
type Config struct {
	Addr       string
	TLS        TLSConfig
	RateLimit  RateLimitConfig
	Security   SecurityConfig
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
	Broker     *broker.Broker
	HostMon    *broker.HostMonitor
	AdminToken string
}

// Server wraps the configured http.Server alongside the broker it fronts.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	metrics    *metrics.Recorder
	broker     *broker.Broker
	hostMon    *broker.HostMonitor
	adminToken string

	tlsCertFile string
	tlsKeyFile  string
}

// New builds the mux, chains the middleware stack, and returns a Server ready
// for Run.
func New(cfg Config) (*Server, error) {
	if cfg.Broker == nil {
		return nil, errors.New("broker is required")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("addr is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	srv := &Server{
		logger:      logger,
		metrics:     recorder,
		broker:      cfg.Broker,
		hostMon:     cfg.HostMon,
		adminToken:  strings.TrimSpace(cfg.AdminToken),
		tlsCertFile: strings.TrimSpace(cfg.TLS.CertFile),
		tlsKeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.handleHealth)
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/v1/streams", srv.handleStreamsCollection)
	mux.HandleFunc("/v1/streams/", srv.handleStreamsItem)
	mux.HandleFunc("/v1/admin/shutdown", srv.handleAdminShutdown)
	mux.HandleFunc("/v1/admin/host", srv.handleHostStats)

	rl := newRateLimiter(cfg.RateLimit)

	handlerChain := http.Handler(mux)
	handlerChain = rateLimitMiddleware(rl, handlerChain)
	handlerChain = metrics.HTTPMiddleware(recorder, handlerChain)
	handlerChain = logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger})(handlerChain)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)
	handlerChain = requestIDMiddleware(logger, handlerChain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0, // subscriber WebSocket connections are long-lived
		IdleTimeout:       60 * time.Second,
	}
	if srv.tlsCertFile != "" && srv.tlsKeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	srv.httpServer = httpServer

	return srv, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or the
// server fails. On cancellation it drains in-flight requests bounded by
// shutdownTimeout, delegating the listen/TLS/shutdown sequence to
// serverutil.Run.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	if s.httpServer == nil {
		return fmt.Errorf("http server is not configured")
	}
	return serverutil.Run(ctx, serverutil.Config{
		Server: s.httpServer,
		TLS: serverutil.TLSConfig{
			CertFile: s.tlsCertFile,
			KeyFile:  s.tlsKeyFile,
		},
		ShutdownTimeout: shutdownTimeout,
	})
}

func rateLimitMiddleware(rl *rateLimiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			writeError(w, http.StatusTooManyRequests, "", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
