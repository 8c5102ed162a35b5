package network

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/net/proxy"

	"trojan-proxy/internal/domain"
)

// NewDialer returns the dialer used for outbound connections. With
// socks5Addr set every connection is made through that SOCKS5 proxy, and
// domain names are resolved by the proxy.
func NewDialer(timeout time.Duration, socks5Addr string) (domain.Dialer, error) {
	direct := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}
	if socks5Addr == "" {
		return direct, nil
	}

	d, err := proxy.SOCKS5("tcp", socks5Addr, nil, direct)
	if err != nil {
		return nil, fmt.Errorf("failed to create socks5 dialer: %w", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks5 dialer for %s does not support contexts", socks5Addr)
	}
	return cd, nil
}
