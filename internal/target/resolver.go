package target

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// Resolver resolves a hostname to its addresses. Implementations must be
// safe for concurrent use; the publisher resolves targets in parallel.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

const defaultDNSTimeout = 5 * time.Second

// DNSResolver resolves hostnames by querying DNS servers directly. A
// records are preferred; AAAA records are consulted only when no IPv4
// address exists.
type DNSResolver struct {
	client  *dns.Client
	servers []string
}

// NewSystemResolver creates a resolver backed by the nameservers in
// /etc/resolv.conf, falling back to well-known public resolvers when the
// file cannot be read.
func NewSystemResolver() *DNSResolver {
	servers := []string{"8.8.8.8:53", "1.1.1.1:53"}
	if conf, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil && len(conf.Servers) > 0 {
		servers = servers[:0]
		for _, s := range conf.Servers {
			servers = append(servers, net.JoinHostPort(s, conf.Port))
		}
	}
	return NewDNSResolver(servers...)
}

// NewDNSResolver creates a resolver that queries the given servers in
// order. Server addresses without a port get port 53.
func NewDNSResolver(servers ...string) *DNSResolver {
	normalized := make([]string, 0, len(servers))
	for _, s := range servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		normalized = append(normalized, s)
	}
	return &DNSResolver{
		client:  &dns.Client{Timeout: defaultDNSTimeout},
		servers: normalized,
	}
}

// LookupHost resolves the hostname, returning IPv4 addresses when any
// exist and IPv6 addresses otherwise.
func (r *DNSResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	addrs, err := r.query(ctx, host, dns.TypeA)
	if err == nil && len(addrs) > 0 {
		return addrs, nil
	}
	v6, v6err := r.query(ctx, host, dns.TypeAAAA)
	if v6err == nil && len(v6) > 0 {
		return v6, nil
	}
	if err != nil {
		return nil, err
	}
	if v6err != nil {
		return nil, v6err
	}
	return nil, fmt.Errorf("no A or AAAA records for %s", host)
}

func (r *DNSResolver) query(ctx context.Context, host string, qtype uint16) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		resp, _, err := r.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("query for %s returned %s", host, dns.RcodeToString[resp.Rcode])
			continue
		}
		var addrs []string
		for _, rr := range resp.Answer {
			switch record := rr.(type) {
			case *dns.A:
				addrs = append(addrs, record.A.String())
			case *dns.AAAA:
				addrs = append(addrs, record.AAAA.String())
			}
		}
		return addrs, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no DNS servers configured")
	}
	return nil, lastErr
}

// StaticResolver resolves hostnames from a fixed map. It exists for
// tests and air-gapped runs.
type StaticResolver struct {
	Hosts map[string][]string
}

// LookupHost returns the configured addresses for the host.
func (r *StaticResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	addrs, ok := r.Hosts[host]
	if !ok || len(addrs) == 0 {
		return nil, fmt.Errorf("no such host: %s", host)
	}
	return addrs, nil
}
