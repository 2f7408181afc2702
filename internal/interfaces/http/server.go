// Package http serves the operator-facing API: pending list, approve/reject,
// deep-link redemption, and the websocket event stream. All /api routes are
// authenticated; operator identity rides a bearer token.
package http

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/sawpanic/tradegate/internal/gateway"
	"github.com/sawpanic/tradegate/internal/hitl"
	"github.com/sawpanic/tradegate/internal/metrics"
)

// Service is the gateway surface the handlers call. *gateway.Gateway
// satisfies it.
type Service interface {
	Create(ctx context.Context, in gateway.CreateInput) (*hitl.ApprovalRequest, error)
	Decide(ctx context.Context, in gateway.DecideInput) (*hitl.ApprovalRequest, error)
	GetPending(ctx context.Context) ([]hitl.ApprovalRequest, error)
	GetByTradeID(ctx context.Context, tradeID string) (*hitl.ApprovalRequest, error)
}

// TokenRedeemer resolves deep-link tokens. *token.Service satisfies it.
type TokenRedeemer interface {
	Redeem(ctx context.Context, token string) (string, error)
}

// HealthChecker reports store connectivity and pool statistics for the
// health endpoint. *db.Manager satisfies it.
type HealthChecker interface {
	Ping(ctx context.Context) error
	Stats() map[string]interface{}
}

// ServerConfig holds listener configuration.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	JWTSecret    string
}

// DefaultServerConfig binds to localhost with conservative timeouts.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:         "127.0.0.1",
		Port:         8080,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Server is the HTTP front of the gateway.
type Server struct {
	router  *mux.Router
	server  *http.Server
	svc     Service
	tokens  TokenRedeemer
	health  HealthChecker
	reg     *metrics.Registry
	hub     *Hub
	limiter *decideLimiter
	cfg     ServerConfig
	log     zerolog.Logger
	now     func() time.Time
}

// NewServer wires routes, middleware, and the websocket hub.
func NewServer(cfg ServerConfig, svc Service, tokens TokenRedeemer, reg *metrics.Registry, hub *Hub, logger zerolog.Logger) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		svc:     svc,
		tokens:  tokens,
		reg:     reg,
		hub:     hub,
		limiter: newDecideLimiter(),
		cfg:     cfg,
		log:     logger.With().Str("component", "http").Logger(),
		now:     time.Now,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// WithHealth attaches a store health checker; /healthz then reports database
// connectivity and pool statistics.
func (s *Server) WithHealth(h HealthChecker) *Server {
	s.health = h
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	// Unauthenticated surface.
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.reg.Gatherer(), promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/hitl").Subrouter()
	api.Use(s.authMiddleware)

	api.HandleFunc("/pending", s.handlePending).Methods(http.MethodGet)
	api.HandleFunc("/requests", s.handleCreate).Methods(http.MethodPost)
	api.HandleFunc("/deeplink/{token}", s.handleRedeem).Methods(http.MethodPost)
	api.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	api.HandleFunc("/{trade_id}", s.handleGet).Methods(http.MethodGet)
	api.HandleFunc("/{trade_id}/approve", s.handleApprove).Methods(http.MethodPost)
	api.HandleFunc("/{trade_id}/reject", s.handleReject).Methods(http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.server.Addr, err)
	}
	s.log.Info().Str("addr", s.server.Addr).Msg("http server listening")
	if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.server.Shutdown(ctx)
}

type contextKey string

const requestIDKey contextKey = "request_id"

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()[:8]
		}
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		s.log.Info().
			Str("request_id", requestIDFrom(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("request")
	})
}

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// responseWrapper captures the status code for the request log.
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack passes through to the wrapped writer so the websocket upgrade works
// behind the logging middleware.
func (rw *responseWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}
