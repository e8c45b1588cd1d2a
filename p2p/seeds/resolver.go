// Package seeds resolves DNS seed hostnames into dialable peer addresses.
package seeds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"

	"chainp2p/observability/logging"
)

const (
	defaultTimeout = 5 * time.Second
	resolvConfPath = "/etc/resolv.conf"
)

// Resolver issues A and AAAA queries for seed hostnames against a single DNS
// server.
type Resolver struct {
	server      string
	defaultPort uint16
	client      *dns.Client
	logger      *slog.Logger
}

// Option customises a Resolver.
type Option func(*Resolver)

// WithTimeout bounds each DNS exchange.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.client.Timeout = d
		}
	}
}

// WithLogger overrides the resolver logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithTCP switches the exchange transport from UDP to TCP.
func WithTCP() Option {
	return func(r *Resolver) { r.client.Net = "tcp" }
}

// NewResolver returns a resolver querying server ("host:port"). Seeds without
// an explicit port are assigned defaultPort.
func NewResolver(server string, defaultPort uint16, opts ...Option) (*Resolver, error) {
	server = strings.TrimSpace(server)
	if server == "" {
		var err error
		server, err = SystemServer()
		if err != nil {
			return nil, err
		}
	}
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	if defaultPort == 0 {
		return nil, errors.New("seeds: default port must be positive")
	}
	r := &Resolver{
		server:      server,
		defaultPort: defaultPort,
		client:      &dns.Client{Net: "udp", Timeout: defaultTimeout},
		logger:      slog.Default().With(slog.String("component", "p2p.seeds")),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// SystemServer returns the first nameserver from the host resolver
// configuration.
func SystemServer() (string, error) {
	conf, err := dns.ClientConfigFromFile(resolvConfPath)
	if err != nil {
		return "", fmt.Errorf("seeds: read resolver config: %w", err)
	}
	if len(conf.Servers) == 0 {
		return "", errors.New("seeds: no nameservers configured")
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}

// Server returns the DNS server the resolver queries.
func (r *Resolver) Server() string { return r.server }

// Resolve expands every seed into "ip:port" addresses. Seeds that are already
// IP literals pass through unchanged. Failures for individual seeds are
// joined into the returned error alongside whatever did resolve.
func (r *Resolver) Resolve(ctx context.Context, seeds []string) ([]string, error) {
	seen := make(map[string]struct{})
	var errs []error
	for _, seed := range seeds {
		host, port, err := r.splitSeed(seed)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if host == "" {
			continue
		}
		if ip := net.ParseIP(host); ip != nil {
			seen[net.JoinHostPort(ip.String(), port)] = struct{}{}
			continue
		}
		ips, err := r.lookup(ctx, host)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, ip := range ips {
			seen[net.JoinHostPort(ip.String(), port)] = struct{}{}
		}
		r.logger.Debug("Resolved DNS seed", logging.MaskField("seed", host), slog.Int("addresses", len(ips)))
	}
	out := make([]string, 0, len(seen))
	for addr := range seen {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out, errors.Join(errs...)
}

func (r *Resolver) splitSeed(seed string) (string, string, error) {
	seed = strings.TrimSpace(seed)
	if seed == "" {
		return "", "", nil
	}
	host, port, err := net.SplitHostPort(seed)
	if err != nil {
		// No port given; bare IPv6 literals are accepted as well.
		return strings.Trim(seed, "[]"), strconv.Itoa(int(r.defaultPort)), nil
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil || p == 0 {
		return "", "", fmt.Errorf("seeds: invalid port in %q", seed)
	}
	return host, port, nil
}

func (r *Resolver) lookup(ctx context.Context, host string) ([]net.IP, error) {
	var ips []net.IP
	var lastErr error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		found, err := r.query(ctx, host, qtype)
		if err != nil {
			lastErr = err
			continue
		}
		ips = append(ips, found...)
	}
	if len(ips) == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("seeds: %s has no address records", host)
		}
		return nil, lastErr
	}
	return ips, nil
}

func (r *Resolver) query(ctx context.Context, host string, qtype uint16) ([]net.IP, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)
	msg.RecursionDesired = true
	resp, _, err := r.client.ExchangeContext(ctx, msg, r.server)
	if err != nil {
		return nil, fmt.Errorf("seeds: query %s %s: %w", dns.TypeToString[qtype], host, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("seeds: query %s %s: %s", dns.TypeToString[qtype], host, dns.RcodeToString[resp.Rcode])
	}
	var ips []net.IP
	for _, rr := range resp.Answer {
		switch rec := rr.(type) {
		case *dns.A:
			ips = append(ips, rec.A)
		case *dns.AAAA:
			ips = append(ips, rec.AAAA)
		}
	}
	return ips, nil
}
