// Package resolver implements the optional custom-DNS collaborator a raw
// outbound adapter consults when a destination arrives as a domain label:
// a single UDP A-record query against one configured upstream, issued fresh
// per call so a failure never poisons later lookups.
package resolver

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"

	"github.com/postalsys/nerite/internal/proxyerr"
)

// DNSResolver resolves a domain label to one of its A-record addresses.
type DNSResolver interface {
	Query(ctx context.Context, label string) (net.IP, error)
}

// UDPResolver issues a single A query to one upstream server over UDP.
type UDPResolver struct {
	Server string // host:port, e.g. "1.1.1.1:53"
	client *dns.Client
}

// NewUDPResolver returns a resolver that queries server for every lookup.
func NewUDPResolver(server string) *UDPResolver {
	return &UDPResolver{Server: server, client: &dns.Client{Net: "udp"}}
}

// Query resolves label to its first A record via a single upstream
// exchange. ctx's deadline, if any, bounds the exchange.
func (r *UDPResolver) Query(ctx context.Context, label string) (net.IP, error) {
	if ip := net.ParseIP(label); ip != nil {
		return ip, nil
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(label), dns.TypeA)
	msg.RecursionDesired = true

	client := r.client
	if deadline, ok := ctx.Deadline(); ok {
		c := *r.client
		if remaining := time.Until(deadline); remaining > 0 {
			c.Timeout = remaining
		}
		client = &c
	}

	reply, _, err := client.ExchangeContext(ctx, msg, r.Server)
	if err != nil {
		return nil, proxyerr.New(proxyerr.Resolve, "resolver: exchange", err)
	}
	if reply.Rcode != dns.RcodeSuccess {
		return nil, proxyerr.New(proxyerr.Resolve, "resolver: exchange", fmt.Errorf("rcode %s for %q", dns.RcodeToString[reply.Rcode], label))
	}
	for _, rr := range reply.Answer {
		if a, ok := rr.(*dns.A); ok {
			return a.A, nil
		}
	}
	return nil, proxyerr.New(proxyerr.Resolve, "resolver: exchange", fmt.Errorf("no A record for %q", label))
}
