package socks5

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/postalsys/nerite/internal/proxyerr"
	"github.com/postalsys/nerite/internal/proxyio"
	"github.com/postalsys/nerite/internal/socksaddr"
)

// ActiveConnector dials destinations through an upstream SOCKS5 proxy,
// mirroring the server-side greeting/request/reply exchange from the
// client's perspective.
type ActiveConnector struct {
	// ProxyAddr is the upstream SOCKS5 proxy's "host:port".
	ProxyAddr string
	dialer    net.Dialer
}

// NewActiveConnector builds a connector that dials every destination
// through the SOCKS5 proxy listening at proxyAddr.
func NewActiveConnector(proxyAddr string) *ActiveConnector {
	return &ActiveConnector{ProxyAddr: proxyAddr}
}

// Open implements proxyadapter.OutputConnector by tunneling dest through
// the upstream SOCKS5 proxy.
func (c *ActiveConnector) Open(ctx context.Context, dest socksaddr.Destination) (proxyio.Reader, proxyio.Writer, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", c.ProxyAddr)
	if err != nil {
		return nil, nil, proxyerr.New(proxyerr.Transport, "socks5 client: dial upstream", err)
	}

	if err := dial(conn, dest); err != nil {
		conn.Close()
		return nil, nil, err
	}

	wrapped := proxyio.Conn{Conn: conn}
	return wrapped, wrapped, nil
}

// dial runs the client side of the SOCKS5 handshake on an already-connected
// conn: no-auth greeting, CONNECT request, and reply consumption.
func dial(conn net.Conn, dest socksaddr.Destination) error {
	if _, err := conn.Write([]byte{SOCKS5Version, 1, AuthMethodNoAuth}); err != nil {
		return fmt.Errorf("socks5 client: write greeting: %w", err)
	}

	methodResp := make([]byte, 2)
	if _, err := io.ReadFull(conn, methodResp); err != nil {
		return fmt.Errorf("socks5 client: read method selection: %w", err)
	}
	if methodResp[0] != SOCKS5Version {
		return fmt.Errorf("socks5 client: unexpected version %d in method selection", methodResp[0])
	}
	if methodResp[1] != AuthMethodNoAuth {
		return fmt.Errorf("socks5 client: upstream proxy demands method 0x%02x, only no-auth is supported", methodResp[1])
	}

	encodedAddr, err := socksaddr.Encode(dest)
	if err != nil {
		return fmt.Errorf("socks5 client: encode destination: %w", err)
	}

	req := make([]byte, 0, 3+len(encodedAddr))
	req = append(req, SOCKS5Version, CmdConnect, 0x00)
	req = append(req, encodedAddr...)
	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("socks5 client: write request: %w", err)
	}

	replyHeader := make([]byte, 4)
	if _, err := io.ReadFull(conn, replyHeader); err != nil {
		return fmt.Errorf("socks5 client: read reply header: %w", err)
	}
	if replyHeader[0] != SOCKS5Version {
		return fmt.Errorf("socks5 client: unexpected version %d in reply", replyHeader[0])
	}
	if replyHeader[1] != ReplySucceeded {
		return proxyerr.New(proxyerr.Handshake, "socks5 client: connect", fmt.Errorf("upstream refused with reply code %d", replyHeader[1]))
	}

	// Discard the bind address the upstream echoes back.
	switch socksaddr.AddressKind(replyHeader[3]) {
	case socksaddr.IPv4:
		if _, err := io.CopyN(io.Discard, conn, 4+2); err != nil {
			return fmt.Errorf("socks5 client: discard ipv4 bind addr: %w", err)
		}
	case socksaddr.IPv6:
		if _, err := io.CopyN(io.Discard, conn, 16+2); err != nil {
			return fmt.Errorf("socks5 client: discard ipv6 bind addr: %w", err)
		}
	case socksaddr.Domain:
		lenByte := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenByte); err != nil {
			return fmt.Errorf("socks5 client: read bind domain length: %w", err)
		}
		if _, err := io.CopyN(io.Discard, conn, int64(lenByte[0])+2); err != nil {
			return fmt.Errorf("socks5 client: discard domain bind addr: %w", err)
		}
	default:
		return fmt.Errorf("socks5 client: unsupported bind address type %d", replyHeader[3])
	}

	return nil
}
