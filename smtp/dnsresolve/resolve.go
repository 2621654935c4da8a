// Package dnsresolve performs the reverse-DNS lookup the connection state
// machine runs once per accepted socket (spec.md §4.4 "Initialization").
// It is built on github.com/miekg/dns rather than net.LookupAddr so the
// 1.5s budget spec.md requires is an actual per-query deadline instead of
// depending on the platform resolver's own unconfigurable timeout.
package dnsresolve

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Budget is the hard per-query deadline spec.md §4.4 mandates.
const Budget = 1500 * time.Millisecond

// Resolver issues PTR queries against a fixed set of nameservers, read
// once from the system's resolv.conf at construction.
type Resolver struct {
	servers []string
	client  *dns.Client
}

// New builds a Resolver from /etc/resolv.conf. If that file can't be
// read, it falls back to Google's public resolver so the server still
// functions (degraded) rather than failing every connection's reverse
// lookup.
func New() *Resolver {
	servers := []string{"8.8.8.8:53"}
	if conf, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil && len(conf.Servers) > 0 {
		servers = servers[:0]
		for _, s := range conf.Servers {
			servers = append(servers, net.JoinHostPort(s, conf.Port))
		}
	}
	return &Resolver{servers: servers, client: &dns.Client{Timeout: Budget}}
}

// Reverse resolves ip to a hostname within Budget, falling back to the
// "[ip]" literal form spec.md §4.4 names as the fallback when reverse
// resolution fails or times out.
func (r *Resolver) Reverse(ctx context.Context, ip string) string {
	fallback := fmt.Sprintf("[%s]", ip)
	arpa, err := dns.ReverseAddr(ip)
	if err != nil {
		return fallback
	}

	ctx, cancel := context.WithTimeout(ctx, Budget)
	defer cancel()

	msg := new(dns.Msg)
	msg.SetQuestion(arpa, dns.TypePTR)
	msg.RecursionDesired = true

	for _, server := range r.servers {
		resp, _, err := r.client.ExchangeContext(ctx, msg, server)
		if err != nil || resp == nil {
			continue
		}
		for _, rr := range resp.Answer {
			if ptr, ok := rr.(*dns.PTR); ok {
				return strings.TrimSuffix(ptr.Ptr, ".")
			}
		}
	}
	return fallback
}
