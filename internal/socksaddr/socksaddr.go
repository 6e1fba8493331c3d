// Package socksaddr implements the destination address codec shared by the
// SOCKS5 server/client and the Shadowsocks first-chunk trailer: the same
// ATYP(1) + ADDR(var) + PORT(2, big-endian) layout RFC 1928 defines for
// SOCKS5 requests, with ATYP 0x02 (unsupported) rejected.
package socksaddr

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"

	"github.com/postalsys/nerite/internal/proxyerr"
)

// AddressKind mirrors the SOCKS5 ATYP values this proxy understands.
type AddressKind uint8

const (
	IPv4   AddressKind = 0x01
	Domain AddressKind = 0x03
	IPv6   AddressKind = 0x04
)

func (k AddressKind) String() string {
	switch k {
	case IPv4:
		return "ipv4"
	case Domain:
		return "domain"
	case IPv6:
		return "ipv6"
	default:
		return fmt.Sprintf("atyp(%d)", uint8(k))
	}
}

// Destination is a decoded proxy target: an IPv4/IPv6 address or a domain
// label, plus a port. Addr holds raw network-order bytes for IP kinds and
// the raw label bytes for Domain.
type Destination struct {
	Kind AddressKind
	Addr []byte
	Port uint16
}

// Host renders Addr as a connectable host string.
func (d Destination) Host() string {
	switch d.Kind {
	case IPv4, IPv6:
		return net.IP(d.Addr).String()
	case Domain:
		return string(d.Addr)
	default:
		return ""
	}
}

// HostPort renders the destination as a "host:port" string suitable for
// net.Dial.
func (d Destination) HostPort() string {
	return net.JoinHostPort(d.Host(), strconv.Itoa(int(d.Port)))
}

// NewIP builds a Destination from a resolved net.IP and port, choosing
// IPv4 or IPv6 based on the address's 4-byte form.
func NewIP(ip net.IP, port uint16) Destination {
	if v4 := ip.To4(); v4 != nil {
		return Destination{Kind: IPv4, Addr: v4, Port: port}
	}
	return Destination{Kind: IPv6, Addr: ip.To16(), Port: port}
}

// NewDomain builds a Destination carrying a domain label.
func NewDomain(label string, port uint16) Destination {
	return Destination{Kind: Domain, Addr: []byte(label), Port: port}
}

// Encode renders a Destination into its ATYP+ADDR+PORT wire form.
func Encode(d Destination) ([]byte, error) {
	switch d.Kind {
	case IPv4:
		if len(d.Addr) != net.IPv4len {
			return nil, proxyerr.New(proxyerr.Handshake, "socksaddr: encode ipv4", fmt.Errorf("address length %d", len(d.Addr)))
		}
		buf := make([]byte, 1+net.IPv4len+2)
		buf[0] = byte(IPv4)
		copy(buf[1:], d.Addr)
		binary.BigEndian.PutUint16(buf[1+net.IPv4len:], d.Port)
		return buf, nil
	case IPv6:
		if len(d.Addr) != net.IPv6len {
			return nil, proxyerr.New(proxyerr.Handshake, "socksaddr: encode ipv6", fmt.Errorf("address length %d", len(d.Addr)))
		}
		buf := make([]byte, 1+net.IPv6len+2)
		buf[0] = byte(IPv6)
		copy(buf[1:], d.Addr)
		binary.BigEndian.PutUint16(buf[1+net.IPv6len:], d.Port)
		return buf, nil
	case Domain:
		if len(d.Addr) == 0 || len(d.Addr) > 255 {
			return nil, proxyerr.New(proxyerr.Handshake, "socksaddr: encode domain", fmt.Errorf("label length %d", len(d.Addr)))
		}
		buf := make([]byte, 2+len(d.Addr)+2)
		buf[0] = byte(Domain)
		buf[1] = byte(len(d.Addr))
		copy(buf[2:], d.Addr)
		binary.BigEndian.PutUint16(buf[2+len(d.Addr):], d.Port)
		return buf, nil
	default:
		return nil, proxyerr.New(proxyerr.Handshake, "socksaddr: encode", fmt.Errorf("unsupported address kind %d", d.Kind))
	}
}

// Decode parses a Destination from the front of b, returning the number of
// bytes consumed. ATYP 0x02 (and anything else unrecognized) is rejected.
func Decode(b []byte) (Destination, int, error) {
	if len(b) < 1 {
		return Destination{}, 0, proxyerr.New(proxyerr.Handshake, "socksaddr: decode", fmt.Errorf("truncated: no ATYP byte"))
	}
	switch AddressKind(b[0]) {
	case IPv4:
		const n = 1 + net.IPv4len + 2
		if len(b) < n {
			return Destination{}, 0, proxyerr.New(proxyerr.Handshake, "socksaddr: decode ipv4", fmt.Errorf("truncated: need %d bytes, have %d", n, len(b)))
		}
		addr := append([]byte(nil), b[1:1+net.IPv4len]...)
		port := binary.BigEndian.Uint16(b[1+net.IPv4len : n])
		return Destination{Kind: IPv4, Addr: addr, Port: port}, n, nil
	case IPv6:
		const n = 1 + net.IPv6len + 2
		if len(b) < n {
			return Destination{}, 0, proxyerr.New(proxyerr.Handshake, "socksaddr: decode ipv6", fmt.Errorf("truncated: need %d bytes, have %d", n, len(b)))
		}
		addr := append([]byte(nil), b[1:1+net.IPv6len]...)
		port := binary.BigEndian.Uint16(b[1+net.IPv6len : n])
		return Destination{Kind: IPv6, Addr: addr, Port: port}, n, nil
	case Domain:
		if len(b) < 2 {
			return Destination{}, 0, proxyerr.New(proxyerr.Handshake, "socksaddr: decode domain", fmt.Errorf("truncated: no length byte"))
		}
		labelLen := int(b[1])
		if labelLen == 0 {
			return Destination{}, 0, proxyerr.New(proxyerr.Handshake, "socksaddr: decode domain", fmt.Errorf("zero-length domain label"))
		}
		n := 2 + labelLen + 2
		if len(b) < n {
			return Destination{}, 0, proxyerr.New(proxyerr.Handshake, "socksaddr: decode domain", fmt.Errorf("truncated: need %d bytes, have %d", n, len(b)))
		}
		addr := append([]byte(nil), b[2:2+labelLen]...)
		port := binary.BigEndian.Uint16(b[2+labelLen : n])
		return Destination{Kind: Domain, Addr: addr, Port: port}, n, nil
	default:
		return Destination{}, 0, proxyerr.New(proxyerr.Handshake, "socksaddr: decode", fmt.Errorf("unsupported address type %d", b[0]))
	}
}
