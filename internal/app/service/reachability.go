package service

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"syscall"
	"time"

	metrics "github.com/sifan077/SafeLink/internal/infra/prometheus"
	"go.uber.org/zap"
)

// DefaultPrivateRanges lists loopback, private, link-local and shared address space.
var DefaultPrivateRanges = []string{
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
}

// HostResolver is satisfied by *net.Resolver.
type HostResolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// ReachabilityOptions configures a ReachabilityGuard.
type ReachabilityOptions struct {
	// Enabled turns the outbound probe on; classification still runs when off.
	Enabled       bool
	Timeout       time.Duration
	DNSTimeout    time.Duration
	PrivateRanges []string
	Resolver      HostResolver
	Client        *http.Client
	Logger        *zap.Logger
}

// ReachabilityGuard decides whether a redirect target may be probed and, for
// public targets, whether it answers at all.
type ReachabilityGuard struct {
	enabled    bool
	timeout    time.Duration
	dnsTimeout time.Duration
	private    []netip.Prefix
	resolver   HostResolver
	client     *http.Client
	logger     *zap.Logger
}

// NewReachabilityGuard parses the private ranges and applies defaults.
func NewReachabilityGuard(opts ReachabilityOptions) (*ReachabilityGuard, error) {
	ranges := opts.PrivateRanges
	if len(ranges) == 0 {
		ranges = DefaultPrivateRanges
	}
	prefixes := make([]netip.Prefix, 0, len(ranges))
	for _, r := range ranges {
		p, err := netip.ParsePrefix(r)
		if err != nil {
			return nil, fmt.Errorf("reachability: parse range %q: %w", r, err)
		}
		prefixes = append(prefixes, p.Masked())
	}

	g := &ReachabilityGuard{
		enabled:    opts.Enabled,
		timeout:    opts.Timeout,
		dnsTimeout: opts.DNSTimeout,
		private:    prefixes,
		resolver:   opts.Resolver,
		client:     opts.Client,
		logger:     opts.Logger,
	}
	if g.timeout <= 0 {
		g.timeout = 3 * time.Second
	}
	if g.dnsTimeout <= 0 {
		g.dnsTimeout = 2 * time.Second
	}
	if g.resolver == nil {
		g.resolver = net.DefaultResolver
	}
	if g.client == nil {
		g.client = &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	if g.logger == nil {
		g.logger = zap.NewNop()
	}
	return g, nil
}

// Internal reports whether target points into a private range. Lookup
// failures count as internal so unresolvable hosts are never probed.
func (g *ReachabilityGuard) Internal(ctx context.Context, target string) bool {
	u, err := url.Parse(target)
	if err != nil || u.Hostname() == "" {
		return true
	}
	host := u.Hostname()

	if addr, err := netip.ParseAddr(host); err == nil {
		return g.isPrivate(addr)
	}

	ctx, cancel := context.WithTimeout(ctx, g.dnsTimeout)
	defer cancel()
	addrs, err := g.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil || len(addrs) == 0 {
		g.logger.Debug("treating unresolvable host as internal", zap.String("host", host), zap.Error(err))
		return true
	}
	for _, a := range addrs {
		if g.isPrivate(a) {
			return true
		}
	}
	return false
}

func (g *ReachabilityGuard) isPrivate(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range g.private {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// DialControl is a net.Dialer Control hook that refuses connections to
// private ranges. It runs after DNS resolution, so it also covers redirects
// and hosts that resolve differently between classification and connect.
func (g *ReachabilityGuard) DialControl(network, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil || g.isPrivate(ap.Addr()) {
		return fmt.Errorf("%w: %s %s", ErrInternalAddress, network, address)
	}
	return nil
}

// Check returns ErrUnreachable when a public target does not answer a HEAD
// probe. Internal targets are passed through without any request.
func (g *ReachabilityGuard) Check(ctx context.Context, target string) error {
	if !g.enabled {
		return nil
	}
	if g.Internal(ctx, target) {
		metrics.Probes.WithLabelValues("internal").Inc()
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		metrics.Probes.WithLabelValues("unreachable").Inc()
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	resp.Body.Close()
	metrics.Probes.WithLabelValues("reachable").Inc()
	return nil
}
