// Package rawproxy implements the plain outbound TCP output adapter: dial
// the destination directly, optionally resolving domain labels through a
// custom DNS resolver instead of the system one.
package rawproxy

import (
	"context"
	"net"

	"github.com/postalsys/nerite/internal/proxyerr"
	"github.com/postalsys/nerite/internal/proxyio"
	"github.com/postalsys/nerite/internal/resolver"
	"github.com/postalsys/nerite/internal/socksaddr"
)

// ActiveConnector dials destinations directly over TCP.
type ActiveConnector struct {
	// Resolver, if set, is consulted for Domain destinations instead of
	// the system resolver.
	Resolver resolver.DNSResolver
	dialer   net.Dialer
}

// NewActiveConnector returns a connector using the system resolver.
func NewActiveConnector() *ActiveConnector {
	return &ActiveConnector{}
}

// NewActiveConnectorWithResolver returns a connector that resolves Domain
// destinations via r instead of the system resolver.
func NewActiveConnectorWithResolver(r resolver.DNSResolver) *ActiveConnector {
	return &ActiveConnector{Resolver: r}
}

// Open dials dest directly, satisfying proxyadapter.OutputConnector. The
// returned value implements proxyio.Reader, proxyio.Writer and
// proxyio.Closer simultaneously (it's a net.Conn wrapper).
func (c *ActiveConnector) Open(ctx context.Context, dest socksaddr.Destination) (proxyio.Reader, proxyio.Writer, error) {
	hostPort := dest.HostPort()
	if dest.Kind == socksaddr.Domain && c.Resolver != nil {
		ip, err := c.Resolver.Query(ctx, dest.Host())
		if err != nil {
			return nil, nil, err
		}
		hostPort = net.JoinHostPort(ip.String(), hostPort[lastColon(hostPort)+1:])
	}

	conn, err := c.dialer.DialContext(ctx, "tcp", hostPort)
	if err != nil {
		return nil, nil, proxyerr.New(proxyerr.Transport, "rawproxy: dial", err)
	}
	wrapped := proxyio.Conn{Conn: conn}
	return wrapped, wrapped, nil
}

func lastColon(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}
