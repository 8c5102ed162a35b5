package network

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/pires/go-proxyproto"
	"golang.org/x/sys/unix"
)

type ListenOptions struct {
	ReusePort bool
	// ProxyProtocol accepts a HAProxy PROXY v1/v2 header in front of each
	// connection so RemoteAddr reports the real client.
	ProxyProtocol      bool
	ProxyHeaderTimeout time.Duration
}

func Listen(ctx context.Context, addr string, opts ListenOptions) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			if err := c.Control(func(fd uintptr) {
				serr = setSockopts(int(fd), opts.ReusePort)
			}); err != nil {
				return err
			}
			return serr
		},
	}

	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen tcp: %w", err)
	}
	if opts.ProxyProtocol {
		ln = &proxyproto.Listener{
			Listener:          ln,
			ReadHeaderTimeout: opts.ProxyHeaderTimeout,
		}
	}
	return ln, nil
}

func setSockopts(fd int, reusePort bool) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("SO_REUSEADDR: %w", err)
	}
	if reusePort {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			return fmt.Errorf("SO_REUSEPORT: %w", err)
		}
	}
	return nil
}
