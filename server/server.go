// Package server exposes stream sessions over websocket and raw TCP, feeds
// bus positions into the same pipeline, and serves /metrics and /healthz.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/c360/rtlstream/errors"
	"github.com/c360/rtlstream/health"
	"github.com/c360/rtlstream/liveness"
	"github.com/c360/rtlstream/metric"
	"github.com/c360/rtlstream/registry"
	"github.com/c360/rtlstream/session"
	"github.com/c360/rtlstream/transport"
	"github.com/c360/rtlstream/zone"
)

// Config holds listener addresses and per-connection limits.
type Config struct {
	HTTPAddr          string
	TCPAddr           string
	ReadBufferSize    int
	WriteBufferSize   int
	MaxFrameSize      int64
	WriteTimeout      time.Duration
	ShutdownTimeout   time.Duration
	ZoneSweepInterval time.Duration
	// PositionSubject enables bus ingest when set and Deps.Bus is non-nil.
	PositionSubject string
	Session         session.Config
}

// DefaultConfig listens for HTTP on :8080 with no TCP listener.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:          ":8080",
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		MaxFrameSize:      1 << 20,
		WriteTimeout:      transport.DefaultWriteTimeout,
		ShutdownTimeout:   15 * time.Second,
		ZoneSweepInterval: time.Minute,
		Session:           session.DefaultConfig(),
	}
}

// BusSubscriber delivers bus payloads for a subject. natsclient.Client implements it.
type BusSubscriber interface {
	Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error
}

// Deps are the server's collaborators. Registry and Pipeline are required.
type Deps struct {
	Registry *registry.Registry
	Pipeline *session.Pipeline
	Zones    *zone.Manager
	Bus      BusSubscriber
	Health   *health.Monitor
	Metrics  *metric.MetricsRegistry
	Logger   *slog.Logger
}

// Server owns the listeners and every live session.
type Server struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	sessionMetrics  *session.Metrics
	livenessMetrics *liveness.Metrics
	upgrader        websocket.Upgrader
	router          chi.Router
	httpServer      *http.Server
	ingestor        *session.Ingestor

	// sessions outlive the request that accepted them, so they get their
	// own context, cancelled once shutdown has given them time to close.
	sessionCtx    context.Context
	cancelSession context.CancelFunc

	mu       sync.Mutex
	sessions map[*session.Session]struct{}
	wg       sync.WaitGroup
	closing  atomic.Bool

	ready    chan struct{}
	httpAddr net.Addr
	tcpAddr  net.Addr
}

// New creates a server. Nothing listens until Run.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Registry == nil || deps.Pipeline == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Server", "New", "check dependencies")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = transport.DefaultWriteTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "server")
	}
	if deps.Health == nil {
		deps.Health = health.NewMonitor("rtlstream")
	}

	s := &Server{
		cfg:             cfg,
		deps:            deps,
		logger:          logger,
		sessionMetrics:  session.NewMetrics(deps.Metrics),
		livenessMetrics: liveness.NewMetrics(deps.Metrics),
		upgrader:        transport.Upgrader(cfg.ReadBufferSize, cfg.WriteBufferSize),
		sessions:        make(map[*session.Session]struct{}),
		ready:           make(chan struct{}),
	}
	s.sessionCtx, s.cancelSession = context.WithCancel(context.Background())
	s.deps.Health.Register("sessions", s.sessionsHealth)
	s.router = s.routes()
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler { return s.router }

// Ready is closed once the listeners are bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// HTTPAddr returns the bound HTTP address. Valid after Ready.
func (s *Server) HTTPAddr() net.Addr { return s.httpAddr }

// TCPAddr returns the bound TCP address, nil without a TCP listener. Valid after Ready.
func (s *Server) TCPAddr() net.Addr { return s.tcpAddr }

// Sessions returns the number of live sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Run serves until ctx ends or a listener fails, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpLn, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return errors.WrapFatal(err, "Server", "Run", "listen on "+s.cfg.HTTPAddr)
	}
	s.httpAddr = httpLn.Addr()

	var tcpLn net.Listener
	if s.cfg.TCPAddr != "" {
		tcpLn, err = net.Listen("tcp", s.cfg.TCPAddr)
		if err != nil {
			_ = httpLn.Close()
			return errors.WrapFatal(err, "Server", "Run", "listen on "+s.cfg.TCPAddr)
		}
		s.tcpAddr = tcpLn.Addr()
	}
	close(s.ready)
	s.logger.Info("server listening", "http_addr", s.httpAddr.String(), "tcp_addr", s.cfg.TCPAddr)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := s.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.WrapFatal(err, "Server", "Run", "serve http")
		}
		return nil
	})
	if tcpLn != nil {
		g.Go(func() error { return s.acceptLoop(gctx, tcpLn) })
	}
	if s.deps.Bus != nil && s.cfg.PositionSubject != "" {
		s.ingestor = session.NewIngestor(s.deps.Pipeline, s.deps.Zones, s.logger.With("source", "bus"), s.sessionMetrics)
		if err := s.deps.Bus.Subscribe(gctx, s.cfg.PositionSubject, s.ingestor.Handle); err != nil {
			s.logger.Warn("bus ingest unavailable", "subject", s.cfg.PositionSubject, "error", err)
		} else {
			s.logger.Info("bus ingest subscribed", "subject", s.cfg.PositionSubject)
		}
	}
	if s.deps.Zones != nil && s.cfg.ZoneSweepInterval > 0 {
		g.Go(func() error {
			s.sweepLoop(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		s.shutdown(tcpLn)
		return nil
	})

	return g.Wait()
}

func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ZoneSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.deps.Zones.Sweep(); n > 0 {
				s.logger.Debug("idle subject state swept", "removed", n)
			}
		}
	}
}

// Serve runs a session for conn until it closes. Connections arriving
// during shutdown are closed immediately.
func (s *Server) Serve(kind session.Kind, conn transport.Conn) {
	sess := session.New(kind, conn, s.cfg.Session, session.Deps{
		Registry:        s.deps.Registry,
		Pipeline:        s.deps.Pipeline,
		Zones:           s.deps.Zones,
		Logger:          s.logger.With("component", "session"),
		Metrics:         s.sessionMetrics,
		LivenessMetrics: s.livenessMetrics,
	})

	s.mu.Lock()
	if s.closing.Load() {
		s.mu.Unlock()
		sess.Close(session.ReasonServerShutdown)
		return
	}
	s.sessions[sess] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
		s.wg.Done()
	}()

	_ = sess.Run(s.sessionCtx)
}

// shutdown stops accepting, tells every session the server is going away,
// and waits up to the shutdown timeout before forcing them closed.
func (s *Server) shutdown(tcpLn net.Listener) {
	s.logger.Info("server shutting down")
	s.mu.Lock()
	s.closing.Store(true)
	live := make([]*session.Session, 0, len(s.sessions))
	for sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown incomplete", "error", err)
	}
	if tcpLn != nil {
		_ = tcpLn.Close()
	}
	if s.ingestor != nil {
		s.ingestor.Close()
	}

	for _, sess := range live {
		sess.Disconnect(ctx, session.ReasonServerShutdown)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("sessions still open after shutdown timeout", "sessions", s.Sessions())
	}
	s.cancelSession()
	<-done
	s.logger.Info("server stopped")
}

func (s *Server) sessionsHealth(context.Context) health.Status {
	subs, keys := s.deps.Registry.Size()
	st := health.NewHealthy("sessions", "")
	if s.closing.Load() {
		st = health.NewDegraded("sessions", "shutting down")
	}
	st = st.With("active", s.Sessions()).With("subscribers", subs).With("interest_keys", keys)
	if s.deps.Zones != nil {
		st = st.With("zones_loaded", len(s.deps.Zones.Loaded()))
	}
	return st
}
