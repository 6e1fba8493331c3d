// Package proxyio defines the minimal Reader/Writer/Closer contract every
// adapter and the pipeline are built against, so a net.Conn, a Shadowsocks
// framer (an EncryptFramer, or a DecryptFramer wrapped by ssframe.NewReader),
// or a mock in tests all satisfy the same small interfaces.
package proxyio

import "net"

// Reader is satisfied by anything the pipeline can pull plaintext bytes
// from (a net.Conn, the reader ssframe.NewReader builds over a
// DecryptFramer, ...).
type Reader interface {
	Read(p []byte) (int, error)
}

// Writer is satisfied by anything the pipeline can push plaintext bytes
// to (a net.Conn, an ssframe.EncryptFramer, ...).
type Writer interface {
	Write(p []byte) (int, error)
}

// Closer is implemented by adapters whose Reader/Writer need an explicit
// shutdown when the pipeline decides one side of a relay is done. Not
// every Reader/Writer need implement it: the pipeline treats its absence
// as "nothing extra to do".
type Closer interface {
	Shutdown() error
}

// Conn adapts a net.Conn to Reader+Writer+Closer, preferring a half-close
// (CloseWrite) when the underlying connection supports it so the peer sees
// a clean EOF instead of an abrupt reset.
type Conn struct {
	net.Conn
}

// Shutdown half-closes the write side if possible, otherwise closes the
// connection outright.
func (c Conn) Shutdown() error {
	if hc, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		if err := hc.CloseWrite(); err == nil {
			return nil
		}
	}
	return c.Conn.Close()
}
