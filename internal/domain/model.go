package domain

import (
	"net"
	"net/netip"
	"strconv"
)

type State int

const (
	StateAccepted       State = iota // TCP accepted
	StateTLSEstablished              // handshake done
	StateProtocol                    // authenticated frame
	StateFallback                    // opaque forwarding
	StateRelaying                    // duplex copy
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateTLSEstablished:
		return "tls_established"
	case StateProtocol:
		return "protocol"
	case StateFallback:
		return "fallback"
	case StateRelaying:
		return "relaying"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Session is the per-connection bookkeeping. It is owned by the goroutine
// serving the connection and never shared.
type Session struct {
	ID         string
	ClientAddr string
	State      State
	Target     string
}

const (
	CmdConnect = 0x01

	AtypIPv4   = 0x01
	AtypDomain = 0x03
	AtypIPv6   = 0x04
)

// Address is either a socket address (IP + port) or an unresolved domain
// name + port. Exactly one of IP and Host is set.
type Address struct {
	IP   netip.Addr
	Host string
	Port uint16
}

func SocketAddress(ap netip.AddrPort) Address {
	return Address{IP: ap.Addr(), Port: ap.Port()}
}

func DomainNameAddress(host string, port uint16) Address {
	return Address{Host: host, Port: port}
}

// Type reports the wire address type. An IPv4-mapped IPv6 address stays IPv6.
func (a Address) Type() byte {
	switch {
	case a.IP.Is4():
		return AtypIPv4
	case a.IP.IsValid():
		return AtypIPv6
	default:
		return AtypDomain
	}
}

func (a Address) String() string {
	if a.IP.IsValid() {
		return netip.AddrPortFrom(a.IP, a.Port).String()
	}
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

// Request is one parsed protocol frame.
type Request struct {
	Credential  []byte
	Command     byte
	Destination Address
	Payload     []byte
}
