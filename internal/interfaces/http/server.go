// Package http serves the read API: normalized market data, run history
// and analytics, health, Prometheus metrics, and the admin migration
// surface.
package http

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/kasparro/coinetl/internal/interfaces/http/handlers"
	logpkg "github.com/kasparro/coinetl/internal/log"
)

// Server is the HTTP front of the service.
type Server struct {
	router   *mux.Router
	server   *http.Server
	handlers *handlers.Handlers
	metrics  *Metrics
	config   ServerConfig
	logger   zerolog.Logger
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultServerConfig returns the listener settings the service runs with.
// The write timeout leaves room for the slowest repository query.
func DefaultServerConfig(host string, port int) ServerConfig {
	return ServerConfig{
		Host:         host,
		Port:         port,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// NewServer wires routes, middleware, and the listener configuration. The
// port is probed up front so a busy port fails here rather than on Start.
func NewServer(config ServerConfig, h *handlers.Handlers, m *Metrics) (*Server, error) {
	addr := fmt.Sprintf("%s:%d", config.Host, config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("port %d is busy or unavailable: %w", config.Port, err)
	}
	listener.Close()

	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
		metrics:  m,
		config:   config,
		logger:   logpkg.Component("http"),
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.middleware(s.router),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	s.route("GET", "/", s.handlers.Root)
	s.route("GET", "/health", s.handlers.Health)
	s.route("GET", "/data", s.handlers.Data)
	s.route("GET", "/stats", s.handlers.Stats)
	s.route("GET", "/runs", s.handlers.Runs)
	s.route("GET", "/compare-runs", s.handlers.CompareRuns)
	s.route("GET", "/anomalies", s.handlers.Anomalies)
	s.route("GET", "/metrics", s.metrics.Handler().ServeHTTP)
	s.route("POST", "/admin/migrate", s.handlers.Migrate)
	s.route("GET", "/admin/health-detailed", s.handlers.HealthDetailed)

	s.router.NotFoundHandler = http.HandlerFunc(s.handlers.NotFound)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(s.handlers.MethodNotAllowed)
}

// route registers a handler with per-endpoint request metrics. The static
// path doubles as the endpoint label, keeping label cardinality fixed.
func (s *Server) route(method, path string, handler http.HandlerFunc) {
	s.router.HandleFunc(path, s.instrumented(path, handler)).Methods(method)
}

func (s *Server) instrumented(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(recorder, r)
		s.metrics.TrackAPIRequest(endpoint, r.Method, recorder.status, time.Since(start).Seconds())
	}
}

// middleware wraps the router rather than using mux's Use so unknown
// routes still get request ids, latency headers, and CORS treatment.
func (s *Server) middleware(next http.Handler) http.Handler {
	return s.requestMetadataMiddleware(s.corsMiddleware(s.recoveryMiddleware(next)))
}

// requestMetadataMiddleware assigns each request a UUID, reflects it in
// X-Request-ID, and sets X-Latency-MS just before the first response byte.
func (s *Server) requestMetadataMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		r = r.WithContext(handlers.WithRequestID(r.Context(), requestID))

		wrapper := &responseWrapper{ResponseWriter: w, status: http.StatusOK, start: time.Now()}
		wrapper.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(wrapper, r)

		s.logger.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("latency_ms", fmt.Sprintf("%.2f", float64(time.Since(wrapper.start).Nanoseconds())/1e6)).
			Int("status_code", wrapper.status).
			Msg("request completed")
	})
}

// corsMiddleware allows every origin, method, and header, answering
// preflights directly.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "*")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// recoveryMiddleware converts handler panics into the wrapped 500 body.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error().
					Interface("panic", rec).
					Str("request_id", handlers.RequestIDFrom(r.Context())).
					Str("path", r.URL.Path).
					Msg("unhandled panic in request handler")
				handlers.WriteInternalError(w, r)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Start serves until the listener closes.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Handler exposes the composed middleware and router stack.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Address returns the configured listen address.
func (s *Server) Address() string {
	return s.server.Addr
}

// responseWrapper captures the response status and stamps X-Latency-MS at
// the first write, when headers are still mutable.
type responseWrapper struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	start       time.Time
}

func (rw *responseWrapper) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.wroteHeader = true
	rw.status = code
	rw.Header().Set("X-Latency-MS", fmt.Sprintf("%.2f", float64(time.Since(rw.start).Nanoseconds())/1e6))
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWrapper) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// statusRecorder captures the status for per-endpoint metrics without
// claiming the latency header.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}
