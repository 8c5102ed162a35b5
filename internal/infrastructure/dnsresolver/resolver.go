// Package dnsresolver resolves destination names against a configured DNS
// server instead of the system resolver, caching answers for their TTL.
package dnsresolver

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/miekg/dns"
	"github.com/patrickmn/go-cache"
)

var ErrNoRecords = errors.New("dns: no A or AAAA records")

const (
	minTTL = 10 * time.Second
	maxTTL = 10 * time.Minute
)

type Resolver struct {
	server string
	client *dns.Client
	cache  *cache.Cache
}

// New returns a resolver querying server ("host:port") over UDP.
func New(server string, timeout time.Duration) *Resolver {
	return &Resolver{
		server: server,
		client: &dns.Client{Net: "udp", Timeout: timeout},
		cache:  cache.New(time.Minute, 10*time.Minute),
	}
}

// Resolve returns the first A record for host, falling back to AAAA.
// IP literals are returned as is.
func (r *Resolver) Resolve(ctx context.Context, host string) (netip.Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return ip, nil
	}
	if v, ok := r.cache.Get(host); ok {
		return v.(netip.Addr), nil
	}

	var lastErr error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		ip, ttl, err := r.query(ctx, host, qtype)
		if err != nil {
			lastErr = err
			if errors.Is(err, ErrNoRecords) {
				continue
			}
			return netip.Addr{}, err
		}
		r.cache.Set(host, ip, clampTTL(ttl))
		return ip, nil
	}
	return netip.Addr{}, lastErr
}

func (r *Resolver) query(ctx context.Context, host string, qtype uint16) (netip.Addr, uint32, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	m.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, m, r.server)
	if err != nil {
		return netip.Addr{}, 0, fmt.Errorf("dns exchange for %s: %w", host, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return netip.Addr{}, 0, fmt.Errorf("dns lookup %s: %s", host, dns.RcodeToString[in.Rcode])
	}

	for _, ans := range in.Answer {
		switch rr := ans.(type) {
		case *dns.A:
			if ip, ok := netip.AddrFromSlice(rr.A.To4()); ok {
				return ip, rr.Hdr.Ttl, nil
			}
		case *dns.AAAA:
			if ip, ok := netip.AddrFromSlice(rr.AAAA.To16()); ok {
				return ip, rr.Hdr.Ttl, nil
			}
		}
	}
	return netip.Addr{}, 0, ErrNoRecords
}

func clampTTL(ttl uint32) time.Duration {
	d := time.Duration(ttl) * time.Second
	switch {
	case d < minTTL:
		return minTTL
	case d > maxTTL:
		return maxTTL
	}
	return d
}
