package socks5

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/postalsys/nerite/internal/logging"
	"github.com/postalsys/nerite/internal/metrics"
	"github.com/postalsys/nerite/internal/pipeline"
	"github.com/postalsys/nerite/internal/proxyadapter"
	"github.com/postalsys/nerite/internal/proxyerr"
	"github.com/postalsys/nerite/internal/proxyio"
	"github.com/postalsys/nerite/internal/socksaddr"
)

// SOCKS5Version is the protocol version byte per RFC 1928.
const SOCKS5Version = 0x05

// Command types. Only CmdConnect is served; BIND and UDP ASSOCIATE are
// acknowledged with ReplyCmdNotSupported.
const (
	CmdConnect      = 0x01
	CmdBind         = 0x02
	CmdUDPAssociate = 0x03
)

// Address type constants, mirrored from socksaddr for callers that only
// need the wire byte values.
const (
	AddrTypeIPv4   = byte(socksaddr.IPv4)
	AddrTypeDomain = byte(socksaddr.Domain)
	AddrTypeIPv6   = byte(socksaddr.IPv6)
)

// Reply codes per RFC 1928 section 6.
const (
	ReplySucceeded          = 0x00
	ReplyServerFailure      = 0x01
	ReplyNotAllowed         = 0x02
	ReplyNetworkUnreachable = 0x03
	ReplyHostUnreachable    = 0x04
	ReplyConnectionRefused  = 0x05
	ReplyTTLExpired         = 0x06
	ReplyCmdNotSupported    = 0x07
	ReplyAddrNotSupported   = 0x08
)

// Handler drives one accepted SOCKS5 connection: authenticate, read the
// CONNECT request, hand the decoded destination to an OutputConnector, then
// relay bytes until either side is done.
type Handler struct {
	authenticators []Authenticator
	logger         *slog.Logger

	// Metrics, if set, records connection lifecycle and byte counts for
	// every handled connection. Nil disables metrics entirely.
	Metrics *metrics.Metrics
}

// NewHandler builds a Handler. A nil or empty auths defaults to no-auth
// only, matching this proxy's default wire profile.
func NewHandler(auths []Authenticator, logger *slog.Logger) *Handler {
	if len(auths) == 0 {
		auths = []Authenticator{&NoAuthAuthenticator{}}
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Handler{authenticators: auths, logger: logger}
}

// Handle runs the SOCKS5 greeting/request/reply handshake on conn, opens
// the decoded destination through connector, and relays bytes until the
// pipeline decides either side is done.
func (h *Handler) Handle(ctx context.Context, conn net.Conn, connector proxyadapter.OutputConnector) error {
	if h.Metrics != nil {
		h.Metrics.RecordConnectionOpen("socks5")
		defer h.Metrics.RecordConnectionClose("socks5")
	}

	if _, err := h.authenticate(conn); err != nil {
		h.recordError(proxyerr.Handshake)
		return proxyerr.New(proxyerr.Handshake, "socks5: authenticate", err)
	}

	dest, cmd, err := h.readRequest(conn)
	if err != nil {
		h.recordError(proxyerr.Handshake)
		return proxyerr.New(proxyerr.Handshake, "socks5: read request", err)
	}

	if cmd != CmdConnect {
		h.sendReply(conn, ReplyCmdNotSupported, socksaddr.Destination{})
		h.recordError(proxyerr.Handshake)
		return proxyerr.New(proxyerr.Handshake, "socks5: unsupported command", fmt.Errorf("command %d", cmd))
	}

	openStart := time.Now()
	remoteReader, remoteWriter, err := connector.Open(ctx, dest)
	if err != nil {
		h.sendReply(conn, mapErrorToReply(err), socksaddr.Destination{})
		h.recordError(proxyerr.Transport)
		return fmt.Errorf("socks5: open %s: %w", dest.HostPort(), err)
	}
	if h.Metrics != nil {
		h.Metrics.RecordHandshake("socks5", time.Since(openStart).Seconds())
	}

	// The bind address reported here is the client's own requested
	// destination, not a real bound socket: this proxy has no local bind
	// port to report, and common clients accept either.
	if err := h.sendReply(conn, ReplySucceeded, dest); err != nil {
		if closer := proxyadapter.AsCloser(remoteWriter); closer != nil {
			closer.Shutdown()
		}
		return proxyerr.New(proxyerr.Transport, "socks5: send reply", err)
	}

	h.logger.Debug("socks5: relaying", logging.KeyAddress, dest.HostPort())

	in := pipeline.Side{Reader: h.Metrics.WrapClientToRemote(conn), Writer: conn, Closer: proxyio.Conn{Conn: conn}}
	out := pipeline.Side{Reader: h.Metrics.WrapRemoteToClient(remoteReader), Writer: remoteWriter, Closer: proxyadapter.AsCloser(remoteWriter)}
	if out.Closer == nil {
		out.Closer = proxyadapter.AsCloser(remoteReader)
	}
	if err := pipeline.Run(in, out, nil, h.logger); err != nil {
		h.recordError(proxyerr.Transport)
		return err
	}
	return nil
}

// recordError is a no-op when Metrics is unset.
func (h *Handler) recordError(kind proxyerr.Kind) {
	if h.Metrics != nil {
		h.Metrics.RecordConnectionError(kind.String())
	}
}

// authenticate performs the greeting/method-selection handshake.
func (h *Handler) authenticate(conn net.Conn) (string, error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(conn, header); err != nil {
		return "", err
	}
	if header[0] != SOCKS5Version {
		return "", fmt.Errorf("unsupported SOCKS version: %d", header[0])
	}

	numMethods := int(header[1])
	methods := make([]byte, numMethods)
	if _, err := io.ReadFull(conn, methods); err != nil {
		return "", err
	}

	var selected Authenticator
	for _, auth := range h.authenticators {
		for _, m := range methods {
			if m == auth.GetMethod() {
				selected = auth
				break
			}
		}
		if selected != nil {
			break
		}
	}

	if selected == nil {
		conn.Write([]byte{SOCKS5Version, AuthMethodNoAcceptable})
		return "", errors.New("no acceptable authentication method")
	}

	if _, err := conn.Write([]byte{SOCKS5Version, selected.GetMethod()}); err != nil {
		return "", err
	}

	return selected.Authenticate(conn, conn)
}

// readRequest reads the CMD + address trailer of a SOCKS5 request using
// the shared socksaddr codec for the address portion.
func (h *Handler) readRequest(conn net.Conn) (socksaddr.Destination, byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return socksaddr.Destination{}, 0, err
	}
	if header[0] != SOCKS5Version {
		return socksaddr.Destination{}, 0, fmt.Errorf("unsupported SOCKS version: %d", header[0])
	}
	cmd := header[1]

	var addrBuf [1 + 255 + 2]byte
	addrBuf[0] = header[3]
	switch socksaddr.AddressKind(header[3]) {
	case socksaddr.IPv4:
		if _, err := io.ReadFull(conn, addrBuf[1:1+4+2]); err != nil {
			return socksaddr.Destination{}, 0, err
		}
		dest, _, err := socksaddr.Decode(addrBuf[:1+4+2])
		return dest, cmd, err
	case socksaddr.IPv6:
		if _, err := io.ReadFull(conn, addrBuf[1:1+16+2]); err != nil {
			return socksaddr.Destination{}, 0, err
		}
		dest, _, err := socksaddr.Decode(addrBuf[:1+16+2])
		return dest, cmd, err
	case socksaddr.Domain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return socksaddr.Destination{}, 0, err
		}
		domainLen := int(lenBuf[0])
		if domainLen == 0 {
			h.sendReply(conn, ReplyServerFailure, socksaddr.Destination{})
			return socksaddr.Destination{}, 0, fmt.Errorf("invalid zero-length domain name")
		}
		rest := make([]byte, domainLen+2)
		if _, err := io.ReadFull(conn, rest); err != nil {
			return socksaddr.Destination{}, 0, err
		}
		addrBuf[1] = lenBuf[0]
		copy(addrBuf[2:], rest)
		dest, _, err := socksaddr.Decode(addrBuf[:2+domainLen+2])
		return dest, cmd, err
	default:
		h.sendReply(conn, ReplyAddrNotSupported, socksaddr.Destination{})
		return socksaddr.Destination{}, 0, fmt.Errorf("unsupported address type: %d", header[3])
	}
}

// sendReply writes a SOCKS5 reply; the bind address is best-effort (this
// proxy has no real bind socket to report, so it echoes dest or 0.0.0.0).
func (h *Handler) sendReply(conn net.Conn, reply byte, dest socksaddr.Destination) error {
	if dest.Kind == 0 {
		dest = socksaddr.Destination{Kind: socksaddr.IPv4, Addr: make([]byte, 4), Port: 0}
	}
	encoded, err := socksaddr.Encode(dest)
	if err != nil {
		encoded = []byte{byte(socksaddr.IPv4), 0, 0, 0, 0, 0, 0}
	}
	buf := make([]byte, 3+len(encoded))
	buf[0] = SOCKS5Version
	buf[1] = reply
	buf[2] = 0x00
	copy(buf[3:], encoded)
	_, err = conn.Write(buf)
	return err
}

// mapErrorToReply converts a connector error to the closest SOCKS5 reply.
func mapErrorToReply(err error) byte {
	if proxyerr.Is(err, proxyerr.Resolve) {
		return ReplyHostUnreachable
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ReplyHostUnreachable
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ReplyTTLExpired
		}
		if netErr.Op == "dial" {
			return ReplyConnectionRefused
		}
	}
	return ReplyServerFailure
}
