package application

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"

	"trojan-proxy/internal/domain"
)

const (
	socksVersion5 = 0x05

	socksMethodNoAuth       = 0x00
	socksMethodNoAcceptable = 0xff

	socksRepSucceeded        = 0x00
	socksRepGeneralFailure   = 0x01
	socksRepHostUnreachable  = 0x04
	socksRepCmdNotSupported  = 0x07
	socksRepAtypNotSupported = 0x08
)

var (
	errSocksVersion = errors.New("socks: unsupported version")
	errSocksMethod  = errors.New("socks: no acceptable auth method")
)

// socksError carries the reply code that should be sent before closing.
type socksError struct {
	rep byte
	msg string
}

func (e *socksError) Error() string { return "socks: " + e.msg }

// socksHandshake runs the no-auth SOCKS5 greeting and reads a CONNECT
// request. On a request it cannot serve it returns a *socksError whose code
// the caller should send back with socksReply.
func socksHandshake(rw io.ReadWriter) (domain.Address, error) {
	buf := make([]byte, 262)

	// ---> ver nmethods methods
	if _, err := io.ReadFull(rw, buf[:2]); err != nil {
		return domain.Address{}, err
	}
	if buf[0] != socksVersion5 {
		return domain.Address{}, errSocksVersion
	}
	methods := buf[2 : 2+int(buf[1])]
	if _, err := io.ReadFull(rw, methods); err != nil {
		return domain.Address{}, err
	}
	method := byte(socksMethodNoAcceptable)
	for _, m := range methods {
		if m == socksMethodNoAuth {
			method = m
			break
		}
	}
	// <--- ver method
	if _, err := rw.Write([]byte{socksVersion5, method}); err != nil {
		return domain.Address{}, err
	}
	if method == socksMethodNoAcceptable {
		return domain.Address{}, errSocksMethod
	}

	// ---> ver cmd rsv atyp
	if _, err := io.ReadFull(rw, buf[:4]); err != nil {
		return domain.Address{}, err
	}
	if buf[0] != socksVersion5 {
		return domain.Address{}, errSocksVersion
	}
	cmd, atyp := buf[1], buf[3]

	var addr domain.Address
	switch atyp {
	case domain.AtypIPv4:
		if _, err := io.ReadFull(rw, buf[:6]); err != nil {
			return domain.Address{}, err
		}
		ip := netip.AddrFrom4([4]byte(buf[:4]))
		addr = domain.SocketAddress(netip.AddrPortFrom(ip, binary.BigEndian.Uint16(buf[4:6])))
	case domain.AtypIPv6:
		if _, err := io.ReadFull(rw, buf[:18]); err != nil {
			return domain.Address{}, err
		}
		ip := netip.AddrFrom16([16]byte(buf[:16]))
		addr = domain.SocketAddress(netip.AddrPortFrom(ip, binary.BigEndian.Uint16(buf[16:18])))
	case domain.AtypDomain:
		if _, err := io.ReadFull(rw, buf[:1]); err != nil {
			return domain.Address{}, err
		}
		n := int(buf[0])
		if _, err := io.ReadFull(rw, buf[:n+2]); err != nil {
			return domain.Address{}, err
		}
		if n == 0 {
			return domain.Address{}, &socksError{socksRepGeneralFailure, "empty domain name"}
		}
		addr = domain.DomainNameAddress(string(buf[:n]), binary.BigEndian.Uint16(buf[n:n+2]))
	default:
		return domain.Address{}, &socksError{socksRepAtypNotSupported, fmt.Sprintf("unsupported address type %d", atyp)}
	}

	if cmd != domain.CmdConnect {
		return addr, &socksError{socksRepCmdNotSupported, fmt.Sprintf("unsupported command %d", cmd)}
	}
	return addr, nil
}

// socksReply sends a reply with an all-zero IPv4 bind address.
func socksReply(w io.Writer, rep byte) error {
	_, err := w.Write([]byte{socksVersion5, rep, 0x00, domain.AtypIPv4, 0, 0, 0, 0, 0, 0})
	return err
}
