// Package protocol implements the frame that opens every tunnelled
// connection:
//
//	credential CRLF cmd atyp address port CRLF [payload]
//
// The credential is delimiter-terminated; the address is type/length
// prefixed exactly like SOCKS5.
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"unicode/utf8"

	"trojan-proxy/internal/domain"
)

var crlf = []byte{'\r', '\n'}

// ErrFrame is wrapped by every parse failure. Callers treat it as "not our
// protocol" and fall back to opaque forwarding.
var ErrFrame = errors.New("protocol: not a valid frame")

var (
	ErrNoDelimiter           = fmt.Errorf("%w: no CRLF after credential", ErrFrame)
	ErrUnknownAddressType    = fmt.Errorf("%w: unknown address type", ErrFrame)
	ErrInvalidDomainEncoding = fmt.Errorf("%w: domain is not valid UTF-8", ErrFrame)
	ErrTruncated             = fmt.Errorf("%w: truncated header", ErrFrame)
	ErrEmptyDomain           = fmt.Errorf("%w: empty domain name", ErrFrame)
)

var (
	ErrInvalidCredential = errors.New("protocol: credential must be non-empty and free of CRLF")
	ErrInvalidAddress    = errors.New("protocol: destination cannot be encoded")
)

// Parse decodes the first chunk read from a client. The returned Request
// does not alias buf.
func Parse(buf []byte) (*domain.Request, error) {
	pos := Index(buf, crlf)
	if pos < 0 {
		return nil, ErrNoDelimiter
	}
	credential := buf[:pos]
	header := buf[pos+len(crlf):]

	if len(header) < 2 {
		return nil, ErrTruncated
	}
	cmd := header[0]
	atyp := header[1]
	off := 2

	var dest domain.Address
	switch atyp {
	case domain.AtypIPv4:
		if len(header) < off+net4Len+2 {
			return nil, ErrTruncated
		}
		ip := netip.AddrFrom4([4]byte(header[off : off+net4Len]))
		off += net4Len
		dest = domain.SocketAddress(netip.AddrPortFrom(ip, binary.BigEndian.Uint16(header[off:])))
		off += 2
	case domain.AtypIPv6:
		if len(header) < off+net6Len+2 {
			return nil, ErrTruncated
		}
		ip := netip.AddrFrom16([16]byte(header[off : off+net6Len]))
		off += net6Len
		dest = domain.SocketAddress(netip.AddrPortFrom(ip, binary.BigEndian.Uint16(header[off:])))
		off += 2
	case domain.AtypDomain:
		if len(header) < off+1 {
			return nil, ErrTruncated
		}
		n := int(header[off])
		off++
		if n == 0 {
			return nil, ErrEmptyDomain
		}
		if len(header) < off+n+2 {
			return nil, ErrTruncated
		}
		name := header[off : off+n]
		if !utf8.Valid(name) {
			return nil, ErrInvalidDomainEncoding
		}
		off += n
		dest = domain.DomainNameAddress(string(name), binary.BigEndian.Uint16(header[off:]))
		off += 2
	default:
		return nil, ErrUnknownAddressType
	}

	// Only bytes behind a CRLF right after the port are payload. Any other
	// trailer is ignored.
	var payload []byte
	if rest := header[off:]; bytes.HasPrefix(rest, crlf) && len(rest) > len(crlf) {
		payload = bytes.Clone(rest[len(crlf):])
	}

	return &domain.Request{
		Credential:  bytes.Clone(credential),
		Command:     cmd,
		Destination: dest,
		Payload:     payload,
	}, nil
}

const (
	net4Len = 4
	net6Len = 16
)

// Serialize encodes the request header. The payload is never included; the
// caller writes it separately after the header.
func Serialize(req *domain.Request) ([]byte, error) {
	if len(req.Credential) == 0 || Index(req.Credential, crlf) >= 0 {
		return nil, ErrInvalidCredential
	}
	dest := req.Destination

	buf := make([]byte, 0, len(req.Credential)+len(dest.Host)+net6Len+8)
	buf = append(buf, req.Credential...)
	buf = append(buf, crlf...)
	buf = append(buf, req.Command, dest.Type())

	switch dest.Type() {
	case domain.AtypIPv4:
		a := dest.IP.As4()
		buf = append(buf, a[:]...)
	case domain.AtypIPv6:
		a := dest.IP.As16()
		buf = append(buf, a[:]...)
	case domain.AtypDomain:
		if len(dest.Host) == 0 || len(dest.Host) > 255 {
			return nil, fmt.Errorf("%w: domain length %d", ErrInvalidAddress, len(dest.Host))
		}
		buf = append(buf, byte(len(dest.Host)))
		buf = append(buf, dest.Host...)
	}
	buf = binary.BigEndian.AppendUint16(buf, dest.Port)
	buf = append(buf, crlf...)
	return buf, nil
}
