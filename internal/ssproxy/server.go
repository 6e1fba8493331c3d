// Package ssproxy implements the Shadowsocks passive (input) and active
// (output) adapters: an AEAD-encrypted tunnel carrying the destination
// address as the first encrypted chunk, per the wire layout internal/ssframe
// implements.
package ssproxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/nerite/internal/aead"
	"github.com/postalsys/nerite/internal/logging"
	"github.com/postalsys/nerite/internal/metrics"
	"github.com/postalsys/nerite/internal/pipeline"
	"github.com/postalsys/nerite/internal/proxyadapter"
	"github.com/postalsys/nerite/internal/proxyerr"
	"github.com/postalsys/nerite/internal/proxyio"
	"github.com/postalsys/nerite/internal/recovery"
	"github.com/postalsys/nerite/internal/socksaddr"
	"github.com/postalsys/nerite/internal/ssframe"
)

// ServerConfig holds the passive Shadowsocks adapter's configuration.
type ServerConfig struct {
	// Address to listen on (e.g., "0.0.0.0:8388").
	Address string

	Kind     aead.Kind
	Password string

	// MaxConnections limits concurrent connections (0 = unlimited).
	MaxConnections int

	// IdleTimeout, if non-zero, is applied once at accept as a read/write
	// deadline on the connection. Traffic does not extend it, so it bounds
	// the connection's whole lifetime, not just idle periods (0 = no
	// deadline).
	IdleTimeout time.Duration

	Logger *slog.Logger

	// Metrics, if set, records connection lifecycle and byte counts.
	Metrics *metrics.Metrics
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:        "0.0.0.0:8388",
		Kind:           aead.ChaCha20Poly1305,
		MaxConnections: 1000,
		IdleTimeout:    5 * time.Minute,
	}
}

// connTracker is a small non-generic counterpart of the socks5 package's
// connection registry, kept local here to avoid an import-only dependency
// between sibling packages for a handful of lines.
type connTracker struct {
	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func newConnTracker() *connTracker {
	return &connTracker{conns: make(map[net.Conn]struct{})}
}

func (t *connTracker) add(c net.Conn) {
	t.mu.Lock()
	t.conns[c] = struct{}{}
	t.mu.Unlock()
}

func (t *connTracker) remove(c net.Conn) {
	t.mu.Lock()
	delete(t.conns, c)
	t.mu.Unlock()
}

func (t *connTracker) count() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int64(len(t.conns))
}

func (t *connTracker) closeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for c := range t.conns {
		c.Close()
	}
}

// Server is the passive Shadowsocks input adapter: it accepts clients,
// decrypts the destination trailer from the first chunk, and relays each
// connection through whatever proxyadapter.OutputConnector Start is given.
type Server struct {
	cfg    ServerConfig
	logger *slog.Logger

	listener net.Listener
	tracker  *connTracker

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates a passive Shadowsocks adapter from cfg.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		tracker: newConnTracker(),
		stopCh:  make(chan struct{}),
	}
}

// Start implements proxyadapter.InputAdapter.
func (s *Server) Start(ctx context.Context, connector proxyadapter.OutputConnector) error {
	if s.running.Load() {
		return proxyerr.New(proxyerr.Bind, "ssproxy: start", fmt.Errorf("server already running"))
	}

	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return proxyerr.New(proxyerr.Bind, "ssproxy: listen", err)
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
	defer recovery.RecoverWithLog(s.logger, "ssproxy.acceptLoop")

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Warn("ssproxy: accept", logging.KeyError, err)
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
	defer recovery.RecoverWithLog(s.logger, "ssproxy.handleConn")

	if s.cfg.IdleTimeout > 0 {
		conn.SetDeadline(time.Now().Add(s.cfg.IdleTimeout))
	}

	if err := s.handle(ctx, conn, connector); err != nil {
		s.logger.Info("ssproxy: connection ended", logging.KeyRemoteAddr, conn.RemoteAddr(), logging.KeyError, err)
	}
}

// recordError is a no-op when Metrics is unset.
func (s *Server) recordError(kind proxyerr.Kind) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordConnectionError(kind.String())
	}
}

// handle decrypts the first chunk to recover the destination trailer, opens
// it through connector, and relays the rest of the stream.
func (s *Server) handle(ctx context.Context, conn net.Conn, connector proxyadapter.OutputConnector) error {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordConnectionOpen("shadowsocks")
		defer s.cfg.Metrics.RecordConnectionClose("shadowsocks")
	}

	dec := ssframe.NewDecryptFramer(conn, s.cfg.Kind, s.cfg.Password)

	firstChunk, err := dec.ReadChunk()
	if err != nil {
		s.recordError(proxyerr.Handshake)
		return proxyerr.New(proxyerr.Handshake, "ssproxy: read first chunk", err)
	}
	dest, n, err := socksaddr.Decode(firstChunk)
	if err != nil {
		s.recordError(proxyerr.Handshake)
		return proxyerr.New(proxyerr.Handshake, "ssproxy: decode destination", err)
	}
	leading := append([]byte(nil), firstChunk[n:]...)

	openStart := time.Now()
	remoteReader, remoteWriter, err := connector.Open(ctx, dest)
	if err != nil {
		s.recordError(proxyerr.Transport)
		return fmt.Errorf("ssproxy: open %s: %w", dest.HostPort(), err)
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordHandshake("shadowsocks", time.Since(openStart).Seconds())
	}

	enc := ssframe.NewEncryptFramer(conn, s.cfg.Kind, s.cfg.Password)

	in := pipeline.Side{
		Reader: s.cfg.Metrics.WrapClientToRemote(io.MultiReader(newByteReader(leading), ssframe.NewReader(dec))),
		Writer: enc,
		Closer: proxyio.Conn{Conn: conn},
	}
	out := pipeline.Side{Reader: s.cfg.Metrics.WrapRemoteToClient(remoteReader), Writer: remoteWriter, Closer: proxyadapter.AsCloser(remoteWriter)}
	if out.Closer == nil {
		out.Closer = proxyadapter.AsCloser(remoteReader)
	}

	s.logger.Debug("ssproxy: relaying", logging.KeyAddress, dest.HostPort())
	if err := pipeline.Run(in, out, nil, s.logger); err != nil {
		s.recordError(proxyerr.Transport)
		return err
	}
	return nil
}

// newByteReader wraps a byte slice as an io.Reader without pulling in
// bytes.Reader's Seek/ReadAt surface this module never needs.
func newByteReader(b []byte) io.Reader {
	return &sliceReader{b: b}
}

type sliceReader struct{ b []byte }

func (r *sliceReader) Read(p []byte) (int, error) {
	if len(r.b) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.b)
	r.b = r.b[n:]
	return n, nil
}
