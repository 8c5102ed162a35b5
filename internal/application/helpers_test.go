package application

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"io"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"trojan-proxy/internal/domain"
	"trojan-proxy/internal/infrastructure/auth"
	"trojan-proxy/internal/infrastructure/metrics"
	"trojan-proxy/pkg/logger"
)

const testPassword = "correct horse battery staple"

// recordingDialer dials for real and remembers every address it was asked for.
type recordingDialer struct {
	mu    sync.Mutex
	addrs []string
	d     net.Dialer
}

func (r *recordingDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	r.mu.Lock()
	r.addrs = append(r.addrs, addr)
	r.mu.Unlock()
	return r.d.DialContext(ctx, network, addr)
}

func (r *recordingDialer) Dialed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.addrs...)
}

// staticResolver maps every name in its table, anything else fails.
type staticResolver map[string]netip.Addr

func (s staticResolver) Resolve(_ context.Context, host string) (netip.Addr, error) {
	if ip, ok := s[host]; ok {
		return ip, nil
	}
	return netip.Addr{}, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

// echoServer echoes every connection until the test ends.
func echoServer(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()
	return ln
}

// captureServer accepts one connection, reads exactly n bytes, sends reply
// and hands the bytes it read to the returned channel.
func captureServer(t *testing.T, n int, reply string) (net.Listener, <-chan []byte) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	got := make(chan []byte, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, n)
		if _, err := io.ReadFull(c, buf); err != nil {
			return
		}
		got <- buf
		_, _ = c.Write([]byte(reply))
	}()
	return ln, got
}

type proxyFixture struct {
	addr     string
	dialer   *recordingDialer
	fallback *recordingDialer
	metrics  *metrics.Metrics
}

func startProxy(t *testing.T, fallbackAddr string, resolver domain.Resolver) *proxyFixture {
	t.Helper()
	f := &proxyFixture{
		dialer:   &recordingDialer{},
		fallback: &recordingDialer{},
		metrics:  metrics.New(),
	}
	cfg := ProxyConfig{
		TLS:              serverTLS(t),
		Auth:             auth.NewHashStore([]string{auth.Hash(testPassword)}),
		Dialer:           f.dialer,
		FallbackDialer:   f.fallback,
		Metrics:          f.metrics,
		FallbackAddr:     fallbackAddr,
		HandshakeTimeout: 5 * time.Second,
		DialTimeout:      5 * time.Second,
	}
	if resolver != nil {
		cfg.Resolver = resolver
	}
	svc, err := NewProxyService(logger.Discard(), cfg)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f.addr = ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return f
}

func dialProxy(t *testing.T, addr string) *tls.Conn {
	t.Helper()
	conn, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))
	return conn
}

func frame(credential string, cmd byte, dest domain.Address, payload []byte) []byte {
	buf := []byte(credential)
	buf = append(buf, '\r', '\n', cmd, dest.Type())
	switch dest.Type() {
	case domain.AtypIPv4:
		a := dest.IP.As4()
		buf = append(buf, a[:]...)
	case domain.AtypIPv6:
		a := dest.IP.As16()
		buf = append(buf, a[:]...)
	default:
		buf = append(buf, byte(len(dest.Host)))
		buf = append(buf, dest.Host...)
	}
	buf = binary.BigEndian.AppendUint16(buf, dest.Port)
	buf = append(buf, '\r', '\n')
	return append(buf, payload...)
}

func addrOf(t *testing.T, ln net.Listener) domain.Address {
	t.Helper()
	ap, err := netip.ParseAddrPort(ln.Addr().String())
	require.NoError(t, err)
	return domain.SocketAddress(ap)
}

func metricResult(f *proxyFixture, result string) prometheus.Counter {
	return f.metrics.Outcome(result)
}
