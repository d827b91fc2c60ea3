package httpapi

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/journal"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/metrics"
	"github.com/core-tools/hsu-supervisor/pkg/monitoring"
	"github.com/core-tools/hsu-supervisor/pkg/supervisor"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
	unmatched         = "unmatched"
)

// HealthSource is the read-only view of the supervisor the API serves
type HealthSource interface {
	State() supervisor.State
	Overall() monitoring.OverallHealth
	List() []supervisor.Descriptor
	Describe(id string) (supervisor.Descriptor, error)
	GetHealth(id string) (monitoring.HealthSnapshot, error)
	GetStateInfo(id string) (supervisor.UnitStateInfo, error)
}

// HistorySource serves persisted lifecycle events
type HistorySource interface {
	History(ctx context.Context, unitID string, limit int) ([]journal.Record, error)
}

type Option func(*Server)

// WithHistory enables /units/{id}/history
func WithHistory(history HistorySource) Option {
	return func(s *Server) {
		s.history = history
	}
}

// Server exposes unit health and metrics over HTTP
type Server struct {
	router    *chi.Mux
	source    HealthSource
	history   HistorySource
	collector *metrics.Collector
	logger    logging.Logger
	addr      string
	http      *http.Server
	listener  net.Listener
}

// NewServer wires routes. collector may be nil, in which case /metrics is not served.
func NewServer(addr string, source HealthSource, collector *metrics.Collector, logger logging.Logger, opts ...Option) *Server {
	srv := &Server{
		router:    chi.NewRouter(),
		source:    source,
		collector: collector,
		logger:    logger,
		addr:      addr,
	}
	for _, opt := range opts {
		opt(srv)
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	if collector != nil {
		srv.router.Use(srv.metricsMiddleware)
	}

	srv.routes()
	return srv
}

func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/healthz/live", s.handleLive)
	s.router.Get("/healthz/ready", s.handleReady)
	if s.collector != nil {
		s.router.Handle("/metrics", s.collector.Handler())
	}

	s.router.Route("/units", func(r chi.Router) {
		r.Get("/", s.handleListUnits)
		r.Get("/{id}", s.handleGetUnit)
		r.Get("/{id}/health", s.handleGetUnitHealth)
		r.Get("/{id}/state", s.handleGetUnitState)
		if s.history != nil {
			r.Get("/{id}/history", s.handleGetUnitHistory)
		}
	})
}

// Handler returns the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.NewNetworkError("failed to listen", err).WithContext("address", s.addr)
	}
	s.listener = listener
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	s.logger.Infof("HTTP API listening, address: %s", listener.Addr())
	go func() {
		if err := s.http.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("HTTP API stopped unexpectedly, error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	s.logger.Infof("Stopping HTTP API...")
	return s.http.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debugf("HTTP request, method: %s, path: %s, status: %d, duration: %v, request_id: %s",
			r.Method, r.URL.Path, ww.Status(), time.Since(start), middleware.GetReqID(r.Context()))
	})
}

// metricsMiddleware labels requests by chi route pattern to keep cardinality bounded
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		path := routePattern(r)
		s.collector.HTTPRequests.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		s.collector.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}
