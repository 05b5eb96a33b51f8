// Package server exposes a docstore.Server over HTTP: a websocket endpoint
// per document plus health and metrics routes.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Iron-Ham/docmesh/internal/docstore"
	"github.com/Iron-Ham/docmesh/internal/errors"
	"github.com/Iron-Ham/docmesh/internal/logging"
)

// Config configures a Server. Zero fields take the defaults below.
type Config struct {
	Addr            string
	MaxMessageBytes int64
	SendBuffer      int
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	PongTimeout     time.Duration
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8000"
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 16 << 20
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= c.PingInterval {
		c.PongTimeout = c.PingInterval + c.PingInterval/2
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	return c
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithGatherer serves metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		if g != nil {
			s.gatherer = g
		}
	}
}

// Server is the HTTP front end of one docmesh instance.
type Server struct {
	cfg      Config
	docs     *docstore.Server
	gatherer prometheus.Gatherer
	logger   *logging.Logger
	upgrader websocket.Upgrader
	router   *mux.Router

	mu    sync.Mutex
	conns map[*wsConn]struct{}
}

// New creates a Server serving docs.
func New(cfg Config, docs *docstore.Server, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg.withDefaults(),
		docs:     docs,
		gatherer: prometheus.DefaultGatherer,
		logger:   logging.NopLogger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[*wsConn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithComponent("server")
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.handleHealth)
	r.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Methods(http.MethodGet).Path("/ws/{document}").HandlerFunc(s.handleWebsocket)
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		s.logger.Debug("handled",
			"method", r.Method,
			"url", r.URL.String(),
			"duration", m.Duration,
			"status", m.Code,
			"bytes", m.Written)
	})
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

type healthResponse struct {
	Status      string `json:"status"`
	Documents   int    `json:"documents"`
	Connections int    `json:"connections"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	conns := len(s.conns)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(healthResponse{
		Status:      "ok",
		Documents:   len(s.docs.Documents()),
		Connections: conns,
	})
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["document"]
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.logger.Debug("websocket upgrade failed", "document", name, "error", err)
		return
	}

	conn := newWSConn(ws, s.cfg, s.logger.WithDocument(name))
	s.track(conn, true)
	defer s.track(conn, false)
	defer conn.close()
	go conn.writeLoop()

	ctx := context.WithoutCancel(r.Context())
	if _, err := s.docs.Connect(ctx, name, conn); err != nil {
		s.logger.Warn("connect failed", "document", name, "error", err)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "load failed"),
			time.Now().Add(s.cfg.WriteTimeout))
		return
	}
	defer func() {
		if err := s.docs.Disconnect(ctx, name, conn.ID()); err != nil {
			s.logger.Warn("disconnect failed", "document", name, "error", err)
		}
	}()

	conn.readLoop(func(msg []byte) {
		if err := s.docs.HandleMessage(ctx, conn, msg); err != nil {
			s.logger.Debug("message rejected", "document", name, "connection", conn.ID(), "error", err)
		}
	})
}

func (s *Server) track(c *wsConn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

// closeConnections closes every websocket. Hijacked connections are not
// covered by http.Server.Shutdown.
func (s *Server) closeConnections() {
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

// ListenAndServe serves until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.cfg.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	s.closeConnections()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "http shutdown")
	}
	return nil
}
