// Package admin serves the operational HTTP endpoints of an h2mux server:
//
//	GET /healthz   liveness and the number of open WebSocket sessions
//	GET /metrics   Prometheus exposition
//	GET /ws        a mux session carried over WebSocket binary messages
package admin

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vango-dev/h2mux/pkg/mux"
	"github.com/vango-dev/h2mux/pkg/transport"
)

// Options configures the admin router.
type Options struct {
	// Gatherer backs /metrics. The route is not mounted when nil.
	Gatherer prometheus.Gatherer

	// Session configures each /ws session. The role is forced to server.
	Session transport.Config

	// Handler serves /ws sessions. The route is not mounted when nil.
	Handler transport.Handler

	// NewObserver supplies each /ws session's observer; release runs when
	// the session ends.
	NewObserver func(remote string) (obs mux.Observer, release func())

	// Wrap, when set, wraps each upgraded connection, e.g. to record it.
	Wrap func(rw io.ReadWriteCloser, remote string) (io.ReadWriteCloser, error)

	// Ready reports readiness for /healthz. Nil means always ready.
	Ready func() error

	// CheckOrigin is passed to the WebSocket upgrader. Nil accepts only
	// same-origin requests.
	CheckOrigin func(r *http.Request) bool

	Logger *slog.Logger
}

// Server is the admin HTTP handler. WebSocket sessions run under the
// context given to New and are waited for by Wait.
type Server struct {
	ctx      context.Context
	opts     Options
	logger   *slog.Logger
	router   chi.Router
	upgrader transport.Upgrader

	sessions sync.WaitGroup
	active   atomic.Int64
}

// New builds the router.
func New(ctx context.Context, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "admin")
	}
	s := &Server{
		ctx:    ctx,
		opts:   opts,
		logger: logger,
		upgrader: transport.Upgrader{Upgrader: websocket.Upgrader{
			CheckOrigin: opts.CheckOrigin,
		}},
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	if opts.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	if opts.Handler != nil {
		r.Get("/ws", s.serveWebSocket)
	}
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Sessions returns the number of running /ws sessions.
func (s *Server) Sessions() int64 {
	return s.active.Load()
}

// Wait blocks until every /ws session has ended.
func (s *Server) Wait() {
	s.sessions.Wait()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

type health struct {
	Status   string `json:"status"`
	Sessions int64  `json:"sessions"`
	Error    string `json:"error,omitempty"`
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	h := health{Status: "ok", Sessions: s.active.Load()}
	code := http.StatusOK
	if s.opts.Ready != nil {
		if err := s.opts.Ready(); err != nil {
			h.Status, h.Error = "unavailable", err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(h)
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.ctx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r)
	if err != nil {
		// The upgrader has already replied.
		s.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.sessions.Add(1)
	s.active.Add(1)
	defer func() {
		s.active.Add(-1)
		s.sessions.Done()
	}()

	var rw io.ReadWriteCloser = conn
	if s.opts.Wrap != nil {
		if rw, err = s.opts.Wrap(conn, r.RemoteAddr); err != nil {
			s.logger.Warn("websocket wrap failed", "remote", r.RemoteAddr, "error", err)
			conn.Close()
			return
		}
	}

	cfg := s.opts.Session
	cfg.Mux.Role = mux.RoleServer
	if cfg.Logger == nil {
		cfg.Logger = s.logger
	}
	cfg.Logger = cfg.Logger.With("remote", r.RemoteAddr)
	if s.opts.NewObserver != nil {
		obs, release := s.opts.NewObserver(r.RemoteAddr)
		if release != nil {
			defer release()
		}
		cfg.Mux.Observer = obs
	}

	if err := transport.NewSession(rw, cfg, s.opts.Handler).Run(s.ctx); err != nil && s.ctx.Err() == nil {
		s.logger.Info("websocket session ended", "remote", r.RemoteAddr, "error", err)
	}
}
