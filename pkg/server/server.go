// Package server implements the ChatLine server: a line-oriented chat
// service with a registry of authenticated sessions, one worker goroutine
// per connection, direct message routing and persistent history.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/NicolasHaas/chatline/pkg/datastore"
	"github.com/NicolasHaas/chatline/pkg/version"
)

// Dependencies holds external dependencies for the server.
// Server assumes ownership of Gateway and will Close() it on shutdown.
type Dependencies struct {
	Gateway datastore.Gateway
	Logger  *slog.Logger // defaults to slog.Default()
}

// Server is the main ChatLine server.
type Server struct {
	cfg      Config
	log      *slog.Logger
	gateway  datastore.Gateway
	registry *Registry
	router   *Router
	metrics  *Metrics

	// ctx is the process-wide shutdown flag; cancel sets it.
	ctx    context.Context
	cancel context.CancelFunc

	listener    net.Listener
	wsServer    *http.Server
	wsAddr      net.Addr
	metricsSrv  *http.Server
	metricsAddr net.Addr

	// Supervisor bookkeeping: every live connection and its worker.
	connMu  sync.Mutex
	conns   map[*Session]struct{}
	workers sync.WaitGroup

	fatal        chan error
	ready        chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}
}

// New creates a new Server instance. Nothing is bound until Start.
func New(cfg Config, deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	reg := NewRegistry()
	m := NewMetrics()
	return &Server{
		cfg:      cfg,
		log:      logger,
		gateway:  deps.Gateway,
		registry: reg,
		router:   NewRouter(reg, deps.Gateway, m, logger),
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[*Session]struct{}),
		fatal:    make(chan error, 1),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Registry returns the session registry.
func (s *Server) Registry() *Registry { return s.registry }

// Router returns the message router.
func (s *Server) Router() *Router { return s.router }

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Addr returns the bound chat address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// WebSocketAddr returns the bound WebSocket address, or nil if disabled.
func (s *Server) WebSocketAddr() net.Addr { return s.wsAddr }

// MetricsAddr returns the bound metrics address, or nil if disabled.
func (s *Server) MetricsAddr() net.Addr { return s.metricsAddr }

// Ready is closed once Start has bound every listener.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Done is closed once Shutdown has completed.
func (s *Server) Done() <-chan struct{} { return s.done }

// Start binds every configured listener and begins accepting. A bind
// failure is returned before any connection is accepted and leaves nothing
// listening.
func (s *Server) Start() error {
	if s.gateway == nil {
		return fmt.Errorf("server: missing gateway dependency")
	}
	select {
	case <-s.ready:
		return fmt.Errorf("server: already started")
	default:
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.ListenAddr, err)
	}

	var wsLn, metricsLn net.Listener
	if s.cfg.WebSocketAddr != "" {
		if wsLn, err = net.Listen("tcp", s.cfg.WebSocketAddr); err != nil {
			_ = ln.Close()
			return fmt.Errorf("server: listen websocket %s: %w", s.cfg.WebSocketAddr, err)
		}
	}
	if s.cfg.MetricsAddr != "" {
		if metricsLn, err = net.Listen("tcp", s.cfg.MetricsAddr); err != nil {
			_ = ln.Close()
			if wsLn != nil {
				_ = wsLn.Close()
			}
			return fmt.Errorf("server: listen metrics %s: %w", s.cfg.MetricsAddr, err)
		}
	}

	s.listener = ln
	go s.acceptLoop(ln)

	if wsLn != nil {
		s.wsAddr = wsLn.Addr()
		s.wsServer = s.serveHTTP("websocket", wsLn, s.webSocketHandler())
	}
	if metricsLn != nil {
		s.metricsAddr = metricsLn.Addr()
		s.metricsSrv = s.serveHTTP("metrics", metricsLn, s.metricsHandler())
	}
	s.metrics.StartPeriodicLog(s.log, s.cfg.MetricsLogInterval, s.ctx.Done())
	close(s.ready)

	s.log.Info("ChatLine server running",
		append([]any{"addr", ln.Addr().String(), "websocket", s.cfg.WebSocketAddr, "metrics", s.cfg.MetricsAddr}, version.LogAttrs()...)...)
	return nil
}

func (s *Server) serveHTTP(name string, ln net.Listener, h http.Handler) *http.Server {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		s.log.Info(name+" HTTP listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error(name+" HTTP error", "err", err)
		}
	}()
	return srv
}

// acceptLoop accepts until the listener is closed. Transient errors are
// retried with a capped backoff; anything else is reported as fatal.
func (s *Server) acceptLoop(ln net.Listener) {
	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if isTransientAcceptError(err) {
				backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
				s.log.Warn("accept error, retrying", "err", err, "backoff", backoff)
				time.Sleep(backoff)
				continue
			}
			s.log.Error("accept failed", "err", err)
			select {
			case s.fatal <- fmt.Errorf("server: accept: %w", err):
			default:
			}
			return
		}
		backoff = 0
		go s.handleConn(newLineConn(conn))
	}
}

func isTransientAcceptError(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE) ||
		errors.Is(err, syscall.ENOBUFS) ||
		errors.Is(err, syscall.ENOMEM)
}

// handleConn runs a worker for conn on the calling goroutine.
func (s *Server) handleConn(conn Conn) {
	sess := newSession(conn)
	if !s.track(sess) {
		_ = conn.Close()
		return
	}
	defer s.untrack(sess)
	newWorker(s, sess).run()
}

// track records a new connection unless shutdown has begun. The check and
// the WaitGroup increment share connMu with closeConns, so no worker can
// start after shutdown has collected the set.
func (s *Server) track(sess *Session) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conns[sess] = struct{}{}
	s.workers.Add(1)
	return true
}

func (s *Server) untrack(sess *Session) {
	s.connMu.Lock()
	delete(s.conns, sess)
	s.connMu.Unlock()
	s.workers.Done()
}

// closeConns closes every tracked connection, unblocking their readers.
func (s *Server) closeConns() int {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	for sess := range s.conns {
		_ = sess.conn.Close()
	}
	return len(s.conns)
}
