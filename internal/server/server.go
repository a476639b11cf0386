// Package server owns the TCP listener, the per-connection sessions and the
// request dispatcher. One reader goroutine per accepted connection reads
// frames in order and hands each one to the shared worker pool, so a single
// connection can carry many concurrently executing operations.
package server

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"salesd/internal/auth"
	"salesd/internal/config"
	"salesd/internal/limits"
	"salesd/internal/monitoring"
	"salesd/internal/notify"
	"salesd/internal/pool"
	"salesd/internal/store"
)

const usersFileName = "users.bin"

// Server wires the engine, credential store, notification coordinator and
// worker pool behind one TCP listener. The four stateful collaborators are
// constructed here and shared by handle across every connection.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	engine   *store.Engine
	creds    *auth.Store
	notifier *notify.Coordinator
	pool     *pool.WorkerPool

	connLimiter *limits.ConnLimiter
	guard       *limits.ResourceGuard
	connSem     chan struct{}

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	sessions     sync.Map // *session → struct{}
	shuttingDown atomic.Bool
}

// New builds a server from cfg. The data directory is created if missing.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	engine, err := store.Open(cfg.DataDir, cfg.CacheSize, cfg.RetentionDays, logger)
	if err != nil {
		return nil, err
	}
	creds, err := auth.Open(filepath.Join(cfg.DataDir, usersFileName), logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		engine:   engine,
		creds:    creds,
		notifier: notify.New(),
		pool:     pool.New(cfg.Workers, logger),
		guard:    limits.NewResourceGuard(cfg.CPURejectThreshold, logger),
		ctx:      ctx,
		cancel:   cancel,
	}
	if cfg.ConnRateLimit {
		s.connLimiter = limits.NewConnLimiter(limits.ConnLimiterConfig{Logger: logger})
		logger.Info().Msg("Connection rate limiting enabled")
	}
	if cfg.MaxConnections > 0 {
		s.connSem = make(chan struct{}, cfg.MaxConnections)
	}
	return s, nil
}

// Start binds the listener and launches the accept loop, the worker pool
// and the optional metrics listener. Non-blocking.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr())
	if err != nil {
		return errors.Wrap(err, "server: listen")
	}
	s.listener = ln

	s.pool.Start()
	s.guard.Start(s.ctx, 5*time.Second)
	monitoring.ServeMetrics(s.cfg.MetricsAddr, s.logger)

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info().
		Str("addr", ln.Addr().String()).
		Int("workers", s.cfg.Workers).
		Msg("Server started")
	return nil
}

// Addr reports the bound listener address. Valid after Start.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.shuttingDown.Load() {
				return
			}
			s.logger.Error().Err(err).Msg("Accept failed")
			continue
		}

		if !s.admit(conn) {
			conn.Close()
			continue
		}

		if tc, ok := conn.(*net.TCPConn); ok {
			if err := tc.SetNoDelay(true); err != nil {
				s.logger.Debug().Err(err).Msg("TCP_NODELAY failed")
			}
		}

		monitoring.ConnectionOpened()
		sess := newSession(conn, s.cfg.ReadTimeout)
		s.sessions.Store(sess, struct{}{})
		s.wg.Add(1)
		go s.serveConn(sess)
	}
}

// admit applies the accept-side guards. A rejected connection is closed
// without a session; none of these gates affect established sessions.
func (s *Server) admit(conn net.Conn) bool {
	if s.connLimiter != nil && !s.connLimiter.Allow(conn.RemoteAddr()) {
		monitoring.ConnectionRejected("rate_limit")
		return false
	}
	if !s.guard.AllowConnection() {
		monitoring.ConnectionRejected("cpu_pressure")
		return false
	}
	if s.connSem != nil {
		select {
		case s.connSem <- struct{}{}:
		default:
			monitoring.ConnectionRejected("max_connections")
			s.logger.Warn().
				Str("remote", conn.RemoteAddr().String()).
				Int("max", s.cfg.MaxConnections).
				Msg("Connection limit reached")
			return false
		}
	}
	return true
}

// Shutdown stops accepting, closes every live session, waits for the
// connection readers and drains the worker pool.
func (s *Server) Shutdown() error {
	s.shuttingDown.Store(true)
	s.cancel()

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}

	s.sessions.Range(func(key, _ any) bool {
		key.(*session).close()
		return true
	})

	s.wg.Wait()

	// Release workers parked in WAIT operations before draining the pool;
	// their responses fail against the already-closed sockets and are
	// discarded.
	s.notifier.Close()
	s.pool.Stop()

	s.logger.Info().
		Int64("discarded_tasks", s.pool.Discarded()).
		Msg("Server stopped")
	return err
}
