package socks5

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/nerite/internal/logging"
	"github.com/postalsys/nerite/internal/metrics"
	"github.com/postalsys/nerite/internal/proxyadapter"
	"github.com/postalsys/nerite/internal/proxyerr"
	"github.com/postalsys/nerite/internal/recovery"
)

// ServerConfig holds the passive SOCKS5 adapter's configuration.
type ServerConfig struct {
	// Address to listen on (e.g., "127.0.0.1:1080").
	Address string

	// MaxConnections limits concurrent connections (0 = unlimited).
	MaxConnections int

	// IdleTimeout, if non-zero, is applied once at accept as a read/write
	// deadline on the connection. Traffic does not extend it, so it bounds
	// the connection's whole lifetime, not just idle periods (0 = no
	// deadline).
	IdleTimeout time.Duration

	// Authenticators selects the accepted auth methods; defaults to
	// no-auth only when empty.
	Authenticators []Authenticator

	Logger *slog.Logger

	// Metrics, if set, records connection lifecycle and byte counts.
	Metrics *metrics.Metrics
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:        "127.0.0.1:1080",
		MaxConnections: 1000,
		IdleTimeout:    5 * time.Minute,
		Authenticators: []Authenticator{&NoAuthAuthenticator{}},
	}
}

// Server is the passive SOCKS5 input adapter: it accepts clients, runs the
// SOCKS5 handshake, and relays each connection through whatever
// proxyadapter.OutputConnector Start is given.
type Server struct {
	cfg      ServerConfig
	handler  *Handler
	logger   *slog.Logger
	listener net.Listener

	tracker *connTracker[net.Conn]

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates a passive SOCKS5 adapter from cfg.
func NewServer(cfg ServerConfig) *Server {
	if len(cfg.Authenticators) == 0 {
		cfg.Authenticators = []Authenticator{&NoAuthAuthenticator{}}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	handler := NewHandler(cfg.Authenticators, logger)
	handler.Metrics = cfg.Metrics

	return &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		tracker: newConnTracker[net.Conn](),
		stopCh:  make(chan struct{}),
	}
}

// Start implements proxyadapter.InputAdapter: it binds the listener and
// accepts connections, relaying each through connector, until ctx is
// canceled or Stop is called.
func (s *Server) Start(ctx context.Context, connector proxyadapter.OutputConnector) error {
	if s.running.Load() {
		return proxyerr.New(proxyerr.Bind, "socks5: start", fmt.Errorf("server already running"))
	}

	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return proxyerr.New(proxyerr.Bind, "socks5: listen", err)
	}

	s.listener = listener
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop(ctx, connector)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// Stop gracefully stops the server, closing the listener and every active
// connection.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.running.Store(false)
		close(s.stopCh)
		if s.listener != nil {
			err = s.listener.Close()
		}
		s.tracker.closeAll()
	})
	s.wg.Wait()
	return err
}

// StopWithContext stops the server, bounded by ctx.
func (s *Server) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- s.Stop() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Address returns the listening address, or nil before Start succeeds.
func (s *Server) Address() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ConnectionCount returns the number of active connections.
func (s *Server) ConnectionCount() int64 { return s.tracker.count() }

// IsRunning reports whether the server is currently accepting connections.
func (s *Server) IsRunning() bool { return s.running.Load() }

func (s *Server) acceptLoop(ctx context.Context, connector proxyadapter.OutputConnector) {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "socks5.acceptLoop")

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Warn("socks5: accept", logging.KeyError, err)
				continue
			}
		}

		if s.cfg.MaxConnections > 0 && s.tracker.count() >= int64(s.cfg.MaxConnections) {
			conn.Close()
			continue
		}

		s.tracker.add(conn)
		s.wg.Add(1)
		go s.handleConn(ctx, conn, connector)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn, connector proxyadapter.OutputConnector) {
	defer s.wg.Done()
	defer s.tracker.remove(conn)
	defer conn.Close()
	defer recovery.RecoverWithLog(s.logger, "socks5.handleConn")

	if s.cfg.IdleTimeout > 0 {
		conn.SetDeadline(time.Now().Add(s.cfg.IdleTimeout))
	}

	if err := s.handler.Handle(ctx, conn, connector); err != nil {
		s.logger.Info("socks5: connection ended", logging.KeyRemoteAddr, conn.RemoteAddr(), logging.KeyError, err)
	}
}

// WithAuthenticators returns a copy of cfg with the given authenticators.
func (cfg ServerConfig) WithAuthenticators(auths ...Authenticator) ServerConfig {
	cfg.Authenticators = auths
	return cfg
}

// WithMaxConnections returns a copy of cfg with the given connection cap.
func (cfg ServerConfig) WithMaxConnections(max int) ServerConfig {
	cfg.MaxConnections = max
	return cfg
}
