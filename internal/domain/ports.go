package domain

import (
	"context"
	"net"
	"net/netip"
)

// Authenticator answers whether a wire credential belongs to a configured
// password. Implementations must be safe for concurrent use.
type Authenticator interface {
	IsKnown(credential []byte) bool
}

type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Resolver interface {
	Resolve(ctx context.Context, host string) (netip.Addr, error)
}
