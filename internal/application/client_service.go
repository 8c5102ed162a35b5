package application

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"trojan-proxy/internal/domain"
	"trojan-proxy/internal/infrastructure/metrics"
	"trojan-proxy/internal/protocol"
	"trojan-proxy/internal/relay"
)

type ClientConfig struct {
	TLS *tls.Config
	// Dialer opens the raw TCP connection to ServerAddr.
	Dialer     domain.Dialer
	ServerAddr string
	// Credential is sent verbatim: the hex digest of the password.
	Credential []byte
	Metrics    *metrics.Metrics

	HandshakeTimeout time.Duration
}

// ClientService accepts local SOCKS5 CONNECT requests and carries each one
// to the server as a tunnel frame over TLS.
type ClientService struct {
	log *slog.Logger
	cfg ClientConfig
}

func NewClientService(logger *slog.Logger, cfg ClientConfig) (*ClientService, error) {
	if cfg.TLS == nil {
		return nil, errors.New("tls config is required")
	}
	if cfg.ServerAddr == "" {
		return nil, errors.New("server address is required")
	}
	if len(cfg.Credential) == 0 {
		return nil, errors.New("credential is required")
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{}
	}
	return &ClientService{log: logger, cfg: cfg}, nil
}

func (c *ClientService) Serve(ctx context.Context, ln net.Listener) error {
	c.log.Info("Client service is running", "addr", ln.Addr().String(), "server", c.cfg.ServerAddr)
	return serveLoop(ctx, ln, c.log, c.handleConn)
}

func (c *ClientService) handleConn(ctx context.Context, local net.Conn) {
	sess := &domain.Session{
		ID:         uuid.NewString(),
		ClientAddr: local.RemoteAddr().String(),
		State:      domain.StateAccepted,
	}
	log := c.log.With("session", sess.ID, "remote", sess.ClientAddr)
	log.Debug("New local client accepted")

	c.cfg.Metrics.ConnectionOpened()
	defer c.cfg.Metrics.ConnectionClosed()
	stop := context.AfterFunc(ctx, func() { _ = local.Close() })
	defer stop()

	if c.cfg.HandshakeTimeout > 0 {
		_ = local.SetDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	}
	dest, err := socksHandshake(local)
	if err != nil {
		var se *socksError
		if errors.As(err, &se) {
			_ = socksReply(local, se.rep)
		}
		log.Warn("SOCKS handshake failed", "error", err)
		_ = local.Close()
		return
	}
	sess.Target = dest.String()

	remote, err := c.dialServer(ctx)
	if err != nil {
		log.Warn("Server connect failed", "server", c.cfg.ServerAddr, "error", err)
		c.cfg.Metrics.Result(metrics.ResultDialFailed)
		_ = socksReply(local, socksRepHostUnreachable)
		_ = local.Close()
		return
	}

	header, err := protocol.Serialize(&domain.Request{
		Credential:  c.cfg.Credential,
		Command:     domain.CmdConnect,
		Destination: dest,
	})
	if err == nil {
		_, err = remote.Write(header)
	}
	if err != nil {
		log.Warn("Sending request failed", "target", sess.Target, "error", err)
		_ = socksReply(local, socksRepGeneralFailure)
		_ = remote.Close()
		_ = local.Close()
		return
	}
	if err := socksReply(local, socksRepSucceeded); err != nil {
		_ = remote.Close()
		_ = local.Close()
		return
	}
	_ = local.SetDeadline(time.Time{})
	log.Info("Tunnel established", "target", sess.Target)
	c.cfg.Metrics.Result(metrics.ResultProtocol)

	sess.State = domain.StateRelaying
	st, err := relay.Relay(ctx, local, remote)
	c.cfg.Metrics.Transferred(st.AToB, st.BToA)
	sess.State = domain.StateClosed

	attrs := []any{"target", sess.Target, "up", st.AToB, "down", st.BToA}
	if err != nil && !relay.IsCancelled(err) {
		attrs = append(attrs, "error", err)
	}
	log.Info("Connection shutdown", attrs...)
}

func (c *ClientService) dialServer(ctx context.Context) (net.Conn, error) {
	if c.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
		defer cancel()
	}
	raw, err := c.cfg.Dialer.DialContext(ctx, "tcp", c.cfg.ServerAddr)
	if err != nil {
		return nil, err
	}
	conn := tls.Client(raw, c.cfg.TLS)
	if err := conn.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return conn, nil
}
