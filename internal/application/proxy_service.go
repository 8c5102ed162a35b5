package application

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"trojan-proxy/internal/domain"
	"trojan-proxy/internal/infrastructure/metrics"
	"trojan-proxy/internal/protocol"
	"trojan-proxy/internal/relay"
)

// firstReadSize bounds the chunk that is classified as frame or fallback.
const firstReadSize = 8 * 1024

type ProxyConfig struct {
	TLS  *tls.Config
	Auth domain.Authenticator
	// Dialer opens connections to tunnel destinations.
	Dialer domain.Dialer
	// FallbackDialer opens the connection to FallbackAddr. Defaults to Dialer.
	FallbackDialer domain.Dialer
	// Resolver is optional; without it domain names go to Dialer unresolved.
	Resolver domain.Resolver
	Metrics  *metrics.Metrics

	FallbackAddr     string
	HandshakeTimeout time.Duration
	DialTimeout      time.Duration
}

// ProxyService terminates TLS, authenticates tunnel requests and relays
// everything else to the fallback upstream.
type ProxyService struct {
	log *slog.Logger
	cfg ProxyConfig
}

func NewProxyService(logger *slog.Logger, cfg ProxyConfig) (*ProxyService, error) {
	if cfg.TLS == nil {
		return nil, errors.New("tls config is required")
	}
	if cfg.Auth == nil {
		return nil, errors.New("authenticator is required")
	}
	if cfg.FallbackAddr == "" {
		return nil, errors.New("fallback address is required")
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{}
	}
	if cfg.FallbackDialer == nil {
		cfg.FallbackDialer = cfg.Dialer
	}
	return &ProxyService{log: logger, cfg: cfg}, nil
}

// Serve accepts connections on ln until ctx is cancelled. Each connection is
// handled in its own goroutine; Serve waits for them before returning.
func (s *ProxyService) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info("Proxy service is running", "addr", ln.Addr().String(), "fallback", s.cfg.FallbackAddr)
	return serveLoop(ctx, ln, s.log, s.handleConn)
}

func (s *ProxyService) handleConn(ctx context.Context, conn net.Conn) {
	sess := &domain.Session{
		ID:         uuid.NewString(),
		ClientAddr: conn.RemoteAddr().String(),
		State:      domain.StateAccepted,
	}
	log := s.log.With("session", sess.ID, "remote", sess.ClientAddr)
	log.Info("New client accepted")

	s.cfg.Metrics.ConnectionOpened()
	defer s.cfg.Metrics.ConnectionClosed()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	tlsConn := tls.Server(conn, s.cfg.TLS)
	if err := s.handshake(ctx, tlsConn); err != nil {
		log.Warn("TLS handshake failed", "error", err)
		s.cfg.Metrics.Result(metrics.ResultTLSFailed)
		_ = conn.Close()
		s.transition(log, sess, domain.StateClosed)
		return
	}
	s.transition(log, sess, domain.StateTLSEstablished)

	chunk, err := s.readFirst(tlsConn)
	if err != nil {
		log.Warn("Read header failed", "error", err)
		s.cfg.Metrics.Result(metrics.ResultReadFailed)
		_ = tlsConn.Close()
		s.transition(log, sess, domain.StateClosed)
		return
	}

	req, err := protocol.Parse(chunk)
	switch {
	case err != nil:
		log.Info("Frame not recognized, forwarding to fallback", "reason", err, "bytes", len(chunk))
		s.fallback(ctx, log, sess, tlsConn, chunk)
	case req.Command != domain.CmdConnect:
		log.Info("Unsupported command, forwarding to fallback", "cmd", req.Command)
		s.fallback(ctx, log, sess, tlsConn, chunk)
	default:
		s.tunnel(ctx, log, sess, tlsConn, req)
	}
}

func (s *ProxyService) handshake(ctx context.Context, conn *tls.Conn) error {
	if s.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
		defer cancel()
	}
	return conn.HandshakeContext(ctx)
}

// readFirst reads one chunk from the decrypted stream. Data that arrives
// together with an error is still returned; the error will show up again
// on the next read.
func (s *ProxyService) readFirst(conn net.Conn) ([]byte, error) {
	if s.cfg.HandshakeTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
		defer conn.SetReadDeadline(time.Time{})
	}
	buf := make([]byte, firstReadSize)
	n, err := conn.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return nil, err
}

func (s *ProxyService) fallback(ctx context.Context, log *slog.Logger, sess *domain.Session, client net.Conn, chunk []byte) {
	s.transition(log, sess, domain.StateFallback)
	sess.Target = s.cfg.FallbackAddr

	upstream, err := s.dial(ctx, s.cfg.FallbackDialer, s.cfg.FallbackAddr)
	if err != nil {
		log.Warn("Fallback connect failed", "target", sess.Target, "error", err)
		s.cfg.Metrics.Result(metrics.ResultDialFailed)
		_ = client.Close()
		s.transition(log, sess, domain.StateClosed)
		return
	}
	log.Info("Fallback connected", "target", sess.Target)
	s.cfg.Metrics.Result(metrics.ResultFallback)

	if _, err := upstream.Write(chunk); err != nil {
		log.Warn("Fallback write failed", "target", sess.Target, "error", err)
		_ = upstream.Close()
		_ = client.Close()
		s.transition(log, sess, domain.StateClosed)
		return
	}
	s.relay(ctx, log, sess, client, upstream)
}

func (s *ProxyService) tunnel(ctx context.Context, log *slog.Logger, sess *domain.Session, client net.Conn, req *domain.Request) {
	if !s.cfg.Auth.IsKnown(req.Credential) {
		log.Warn("Authentication failed", "target", req.Destination.String())
		s.cfg.Metrics.Result(metrics.ResultAuthFailed)
		_ = client.Close()
		s.transition(log, sess, domain.StateClosed)
		return
	}
	s.transition(log, sess, domain.StateProtocol)
	sess.Target = req.Destination.String()

	upstream, err := s.connect(ctx, req.Destination)
	if err != nil {
		log.Warn("Upstream connect failed", "target", sess.Target, "error", err)
		s.cfg.Metrics.Result(metrics.ResultDialFailed)
		_ = client.Close()
		s.transition(log, sess, domain.StateClosed)
		return
	}
	log.Info("Upstream connected", "target", sess.Target)
	s.cfg.Metrics.Result(metrics.ResultProtocol)

	if len(req.Payload) > 0 {
		if _, err := upstream.Write(req.Payload); err != nil {
			log.Warn("Payload write failed", "target", sess.Target, "error", err)
			_ = upstream.Close()
			_ = client.Close()
			s.transition(log, sess, domain.StateClosed)
			return
		}
	}
	s.relay(ctx, log, sess, client, upstream)
}

// connect dials the destination. Socket addresses are dialled directly;
// names go through the resolver when one is configured.
func (s *ProxyService) connect(ctx context.Context, dest domain.Address) (net.Conn, error) {
	switch dest.Type() {
	case domain.AtypIPv4, domain.AtypIPv6:
		return s.dial(ctx, s.cfg.Dialer, dest.String())
	case domain.AtypDomain:
		if s.cfg.Resolver == nil {
			return s.dial(ctx, s.cfg.Dialer, dest.String())
		}
		ip, err := s.cfg.Resolver.Resolve(ctx, dest.Host)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", dest.Host, err)
		}
		return s.dial(ctx, s.cfg.Dialer, netip.AddrPortFrom(ip, dest.Port).String())
	default:
		return nil, fmt.Errorf("unsupported address type %d", dest.Type())
	}
}

func (s *ProxyService) dial(ctx context.Context, d domain.Dialer, addr string) (net.Conn, error) {
	if s.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.DialTimeout)
		defer cancel()
	}
	return d.DialContext(ctx, "tcp", addr)
}

func (s *ProxyService) relay(ctx context.Context, log *slog.Logger, sess *domain.Session, client, upstream net.Conn) {
	s.transition(log, sess, domain.StateRelaying)
	start := time.Now()

	st, err := relay.Relay(ctx, client, upstream)
	s.cfg.Metrics.Transferred(st.AToB, st.BToA)
	s.transition(log, sess, domain.StateClosed)

	attrs := []any{"target", sess.Target, "up", st.AToB, "down", st.BToA, "duration", time.Since(start)}
	if err != nil && !relay.IsCancelled(err) {
		attrs = append(attrs, "error", err)
	}
	log.Info("Connection shutdown", attrs...)
}

func (s *ProxyService) transition(log *slog.Logger, sess *domain.Session, state domain.State) {
	sess.State = state
	log.Debug("Session state changed", "state", state.String())
}
