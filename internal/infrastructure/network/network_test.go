package network

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestListenProxyProtocol(t *testing.T) {
	ln, err := Listen(context.Background(), "127.0.0.1:0", ListenOptions{
		ReusePort:          true,
		ProxyProtocol:      true,
		ProxyHeaderTimeout: time.Second,
	})
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			return
		}
		defer c.Close()
		_, _ = c.Write([]byte("PROXY TCP4 192.0.2.1 127.0.0.1 5555 443\r\nhello"))
		_, _ = io.Copy(io.Discard, c)
	}()

	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close()

	buf := make([]byte, 5)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))
	require.Equal(t, "192.0.2.1:5555", conn.RemoteAddr().String())
}

func TestListenPlain(t *testing.T) {
	ln, err := Listen(context.Background(), "127.0.0.1:0", ListenOptions{})
	require.NoError(t, err)
	defer ln.Close()

	_, ok := ln.(*net.TCPListener)
	require.True(t, ok)
}

func TestDirectDialer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	d, err := NewDialer(time.Second, "")
	require.NoError(t, err)
	_, ok := d.(*net.Dialer)
	require.True(t, ok)

	c, err := d.DialContext(context.Background(), "tcp", ln.Addr().String())
	require.NoError(t, err)
	c.Close()
}

// socksServer accepts one CONNECT, records the requested target and echoes.
func socksServer(t *testing.T, targets chan<- string) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 262)
		// greeting: ver nmethods methods
		if _, err := io.ReadFull(c, buf[:2]); err != nil {
			return
		}
		if _, err := io.ReadFull(c, buf[:buf[1]]); err != nil {
			return
		}
		_, _ = c.Write([]byte{0x05, 0x00})
		// request: ver cmd rsv atyp=3 len name port
		if _, err := io.ReadFull(c, buf[:5]); err != nil {
			return
		}
		n := int(buf[4])
		if _, err := io.ReadFull(c, buf[:n+2]); err != nil {
			return
		}
		targets <- net.JoinHostPort(string(buf[:n]), strconv.Itoa(int(binary.BigEndian.Uint16(buf[n:]))))
		_, _ = c.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
		_, _ = io.Copy(c, c)
	}()
	return ln
}

func TestSOCKS5Dialer(t *testing.T) {
	targets := make(chan string, 1)
	ln := socksServer(t, targets)
	defer ln.Close()

	d, err := NewDialer(time.Second, ln.Addr().String())
	require.NoError(t, err)

	c, err := d.DialContext(context.Background(), "tcp", "example.com:8443")
	require.NoError(t, err)
	defer c.Close()

	require.Equal(t, "example.com:8443", <-targets)

	_, err = c.Write([]byte("echo"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	require.Equal(t, "echo", string(buf))
}
