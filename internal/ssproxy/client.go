package ssproxy

import (
	"context"
	"io"
	"net"

	"github.com/postalsys/nerite/internal/aead"
	"github.com/postalsys/nerite/internal/proxyerr"
	"github.com/postalsys/nerite/internal/proxyio"
	"github.com/postalsys/nerite/internal/socksaddr"
	"github.com/postalsys/nerite/internal/ssframe"
)

// ActiveConnector tunnels outbound traffic through a remote Shadowsocks
// server: it dials the remote, encrypts the destination trailer as the
// first chunk, and exposes the decrypted return stream.
type ActiveConnector struct {
	// RemoteAddr is the Shadowsocks server's "host:port".
	RemoteAddr string
	Kind       aead.Kind
	Password   string
	dialer     net.Dialer
}

// NewActiveConnector builds a connector that tunnels every destination
// through the Shadowsocks server at remoteAddr.
func NewActiveConnector(remoteAddr string, kind aead.Kind, password string) *ActiveConnector {
	return &ActiveConnector{RemoteAddr: remoteAddr, Kind: kind, Password: password}
}

// Open implements proxyadapter.OutputConnector by tunneling dest through
// the configured Shadowsocks remote.
func (c *ActiveConnector) Open(ctx context.Context, dest socksaddr.Destination) (proxyio.Reader, proxyio.Writer, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", c.RemoteAddr)
	if err != nil {
		return nil, nil, proxyerr.New(proxyerr.Transport, "ssproxy client: dial remote", err)
	}

	encodedDest, err := socksaddr.Encode(dest)
	if err != nil {
		conn.Close()
		return nil, nil, proxyerr.New(proxyerr.Handshake, "ssproxy client: encode destination", err)
	}

	enc := ssframe.NewEncryptFramer(conn, c.Kind, c.Password)
	if err := enc.FirstWrite(encodedDest); err != nil {
		conn.Close()
		return nil, nil, err
	}

	dec := ssframe.NewDecryptFramer(conn, c.Kind, c.Password)
	return &closingReader{r: ssframe.NewReader(dec), conn: conn}, enc, nil
}

// closingReader lets the pipeline's Closer lookup reach the underlying
// net.Conn even though the Reader in use is an ssframe-backed adapter, not
// the conn itself.
type closingReader struct {
	r    io.Reader
	conn net.Conn
}

func (c *closingReader) Read(p []byte) (int, error) { return c.r.Read(p) }

// Shutdown satisfies proxyio.Closer by half-closing (or closing) the
// underlying connection.
func (c *closingReader) Shutdown() error {
	return proxyio.Conn{Conn: c.conn}.Shutdown()
}
