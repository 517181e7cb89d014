// Package resolver turns peer addresses into host names with reverse DNS.
package resolver

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/samber/oops"
)

const (
	// DefaultResolvConf is where the system nameservers are read from.
	DefaultResolvConf = "/etc/resolv.conf"
	// FallbackServer is queried when resolv.conf names no server.
	FallbackServer = "8.8.8.8:53"
	DefaultTimeout = time.Second
)

// ErrNotFound is returned when the address has no PTR record.
var ErrNotFound = errors.New("no PTR record")

// Resolver maps an IPv4 literal to a host name.
type Resolver interface {
	LookupAddr(ctx context.Context, ip string) (string, error)
}

// DNSResolver sends PTR queries straight to one nameserver.
type DNSResolver struct {
	client *dns.Client
	server string
}

// NewDNSResolver queries server ("host" or "host:port"). An empty server
// means the first nameserver of /etc/resolv.conf.
func NewDNSResolver(server string, timeout time.Duration) *DNSResolver {
	if server == "" {
		server = ServerFromResolvConf(DefaultResolvConf)
	}
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &DNSResolver{
		client: &dns.Client{Net: "udp", Timeout: timeout},
		server: server,
	}
}

// Server returns the nameserver address in use.
func (r *DNSResolver) Server() string {
	return r.server
}

func (r *DNSResolver) LookupAddr(ctx context.Context, ip string) (string, error) {
	arpa, err := dns.ReverseAddr(ip)
	if err != nil {
		return "", oops.With("ip", ip).Wrapf(err, "reverse name")
	}

	m := new(dns.Msg)
	m.SetQuestion(arpa, dns.TypePTR)
	m.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, m, r.server)
	if err != nil {
		return "", oops.With("ip", ip, "server", r.server).Wrapf(err, "PTR query")
	}
	if resp == nil || resp.Rcode != dns.RcodeSuccess {
		return "", ErrNotFound
	}

	for _, rr := range resp.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			if name := strings.TrimSuffix(ptr.Ptr, "."); name != "" {
				return name, nil
			}
		}
	}

	return "", ErrNotFound
}

// ServerFromResolvConf returns "host:port" of the first nameserver in path,
// or FallbackServer.
func ServerFromResolvConf(path string) string {
	cfg, err := dns.ClientConfigFromFile(path)
	if err != nil || cfg == nil || len(cfg.Servers) == 0 {
		return FallbackServer
	}

	port := cfg.Port
	if port == "" {
		port = "53"
	}

	return net.JoinHostPort(cfg.Servers[0], port)
}

// SystemResolver uses the Go resolver, which honours /etc/hosts and nsswitch.
type SystemResolver struct{}

func (SystemResolver) LookupAddr(ctx context.Context, ip string) (string, error) {
	names, err := net.DefaultResolver.LookupAddr(ctx, ip)
	if err != nil {
		return "", oops.With("ip", ip).Wrapf(err, "system reverse lookup")
	}
	for _, n := range names {
		if n = strings.TrimSuffix(n, "."); n != "" {
			return n, nil
		}
	}

	return "", ErrNotFound
}

// Chain tries each resolver in turn and returns the first name found.
type Chain []Resolver

func (c Chain) LookupAddr(ctx context.Context, ip string) (string, error) {
	var errs []error
	for _, r := range c {
		name, err := r.LookupAddr(ctx, ip)
		if err == nil && name != "" {
			return name, nil
		}
		if err != nil {
			errs = append(errs, err)
		}
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return "", ErrNotFound
	}

	return "", errors.Join(errs...)
}
