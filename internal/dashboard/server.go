package dashboard

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vigil/vigil/internal/config"
)

//go:embed index.html
var indexHTML []byte

// statsInterval is how often connected clients receive a stats message.
const statsInterval = 5 * time.Second

// Server owns the dashboard HTTP listener: the embedded page, the WebSocket
// stream, the JSON API, /healthz, and /metrics.
type Server struct {
	cfg      config.DashboardConfig
	bc       *Broadcaster
	state    StateProvider
	registry *prometheus.Registry
	logger   *slog.Logger

	httpSrv  *http.Server
	listener net.Listener

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer builds the dashboard server over state. registry backs /metrics
// and may be nil to serve the default registry's metrics.
func NewServer(cfg config.DashboardConfig, state StateProvider, registry *prometheus.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		bc:       NewBroadcaster(state, logger),
		state:    state,
		registry: registry,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Broadcaster returns the fan-out hub the engine publishes into.
func (s *Server) Broadcaster() *Broadcaster { return s.bc }

// Router assembles the chi router.
//
// Route layout:
//
//	GET /          – embedded dashboard page (no authentication)
//	GET /ws        – WebSocket stream (no authentication)
//	GET /healthz   – liveness probe (no authentication)
//	GET /metrics   – Prometheus metrics (no authentication)
//	GET /api/v1/status  – engine snapshot (bearer token when auth_secret set)
//	GET /api/v1/alerts  – recent alert ring (bearer token when auth_secret set)
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/ws", NewWSHandler(s.bc, s.logger, 0))

	if s.registry != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	} else {
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		if s.cfg.AuthSecret != "" {
			r.Use(BearerAuth(s.cfg.AuthSecret, s.logger))
		}
		r.Get("/status", s.handleStatus)
		r.Get("/alerts", s.handleAlerts)
	})

	return r
}

// Start binds the listener and serves in the background. Bind errors are
// returned synchronously; later serve errors are logged.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("dashboard: listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.httpSrv = &http.Server{
		Handler:     s.Router(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("dashboard listening", slog.String("addr", ln.Addr().String()))

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("dashboard serve failed", slog.Any("error", err))
		}
	}()
	go func() {
		defer s.wg.Done()
		s.statsLoop()
	}()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown disconnects all WebSocket clients, stops the stats ticker, and
// drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stop)
		s.bc.Close()
		if s.httpSrv != nil {
			err = s.httpSrv.Shutdown(ctx)
		}
		s.wg.Wait()
	})
	return err
}

// statsLoop pushes a stats message to connected clients every statsInterval.
func (s *Server) statsLoop() {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.bc.BroadcastStats()
		}
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexHTML)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.state.Snapshot())
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"alerts": s.bc.RecentAlerts()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("dashboard: response encode failed", slog.Any("error", err))
	}
}
