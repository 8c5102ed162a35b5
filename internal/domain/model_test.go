package domain

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddress(t *testing.T) {
	tests := []struct {
		name string
		addr Address
		atyp byte
		want string
	}{
		{"IPv4", SocketAddress(netip.MustParseAddrPort("93.184.216.34:443")), AtypIPv4, "93.184.216.34:443"},
		{"IPv6", SocketAddress(netip.MustParseAddrPort("[2001:db8::1]:80")), AtypIPv6, "[2001:db8::1]:80"},
		{"Domain", DomainNameAddress("example.com", 8080), AtypDomain, "example.com:8080"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.atyp, tt.addr.Type())
			require.Equal(t, tt.want, tt.addr.String())
		})
	}
}

func TestStateString(t *testing.T) {
	require.Equal(t, "accepted", StateAccepted.String())
	require.Equal(t, "fallback", StateFallback.String())
	require.Equal(t, "relaying", StateRelaying.String())
	require.Equal(t, "closed", StateClosed.String())
}
