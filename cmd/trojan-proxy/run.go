package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/sync/errgroup"

	"trojan-proxy/internal/application"
	"trojan-proxy/internal/config"
	"trojan-proxy/internal/domain"
	"trojan-proxy/internal/infrastructure/auth"
	"trojan-proxy/internal/infrastructure/dnsresolver"
	"trojan-proxy/internal/infrastructure/metrics"
	"trojan-proxy/internal/infrastructure/network"
	"trojan-proxy/internal/infrastructure/tlsconf"
)

func runServer(ctx context.Context, log *slog.Logger, cfg *config.Config) error {
	tlsConfig, err := tlsconf.ServerConfig(cfg.TLS)
	if err != nil {
		return err
	}
	dialer, err := network.NewDialer(cfg.DialTimeout, cfg.OutboundSOCKS5)
	if err != nil {
		return err
	}
	// The fallback site is always reached directly.
	fallbackDialer, err := network.NewDialer(cfg.DialTimeout, "")
	if err != nil {
		return err
	}
	var resolver domain.Resolver
	if cfg.DNSServer != "" {
		resolver = dnsresolver.New(cfg.DNSServer, cfg.DialTimeout)
	}
	var m *metrics.Metrics
	if cfg.MetricsAddr != "" {
		m = metrics.New()
	}

	store := auth.NewHashStore(cfg.Digests)
	proxy, err := application.NewProxyService(log, application.ProxyConfig{
		TLS:              tlsConfig,
		Auth:             store,
		Dialer:           dialer,
		FallbackDialer:   fallbackDialer,
		Resolver:         resolver,
		Metrics:          m,
		FallbackAddr:     cfg.RemoteHost(),
		HandshakeTimeout: cfg.HandshakeTimeout,
		DialTimeout:      cfg.DialTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create proxy service: %w", err)
	}

	ln, err := listen(ctx, cfg)
	if err != nil {
		return err
	}
	log.Info("Proxy listening", "addr", cfg.LocalHost(), "credentials", store.Len())

	return serve(ctx, log, cfg, m, func(ctx context.Context) error { return proxy.Serve(ctx, ln) })
}

func runClient(ctx context.Context, log *slog.Logger, cfg *config.Config) error {
	tlsConfig, err := tlsconf.ClientConfig(cfg.TLS, cfg.RemoteHost())
	if err != nil {
		return err
	}
	dialer, err := network.NewDialer(cfg.DialTimeout, cfg.OutboundSOCKS5)
	if err != nil {
		return err
	}
	var m *metrics.Metrics
	if cfg.MetricsAddr != "" {
		m = metrics.New()
	}

	client, err := application.NewClientService(log, application.ClientConfig{
		TLS:              tlsConfig,
		Dialer:           dialer,
		ServerAddr:       cfg.RemoteHost(),
		Credential:       []byte(cfg.Digests[0]),
		Metrics:          m,
		HandshakeTimeout: cfg.HandshakeTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create client service: %w", err)
	}

	ln, err := listen(ctx, cfg)
	if err != nil {
		return err
	}
	log.Info("SOCKS5 listening", "addr", cfg.LocalHost(), "server", cfg.RemoteHost())

	return serve(ctx, log, cfg, m, func(ctx context.Context) error { return client.Serve(ctx, ln) })
}

func listen(ctx context.Context, cfg *config.Config) (net.Listener, error) {
	return network.Listen(ctx, cfg.LocalHost(), network.ListenOptions{
		ReusePort:          cfg.ReusePort,
		ProxyProtocol:      cfg.ProxyProtocol,
		ProxyHeaderTimeout: cfg.HandshakeTimeout,
	})
}

// serve runs the proxy loop and, when configured, the metrics endpoint.
// Either one failing stops the other.
func serve(ctx context.Context, log *slog.Logger, cfg *config.Config, m *metrics.Metrics, run func(context.Context) error) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return run(ctx) })
	if m != nil {
		log.Info("Metrics listening", "addr", cfg.MetricsAddr)
		g.Go(func() error { return m.Serve(ctx, cfg.MetricsAddr) })
	}
	return g.Wait()
}
