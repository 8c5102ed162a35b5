// Package tlsconf turns the tls section of the config into *tls.Config
// values for the listener (server mode) and the tunnel dialer (client mode).
package tlsconf

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/crypto/acme/autocert"

	"trojan-proxy/internal/config"
)

// ServerConfig loads the certificate pair, or sets up ACME when domains are
// configured. ACME answers TLS-ALPN-01 challenges on the proxy port itself.
func ServerConfig(c config.TLS) (*tls.Config, error) {
	if len(c.ACME.Domains) > 0 {
		m := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(c.ACME.Domains...),
			Email:      c.ACME.Email,
		}
		if c.ACME.CacheDir != "" {
			m.Cache = autocert.DirCache(c.ACME.CacheDir)
		}
		cfg := m.TLSConfig()
		cfg.MinVersion = tls.VersionTLS12
		return cfg, nil
	}

	// X509KeyPair accepts PKCS#8, PKCS#1 and EC keys.
	cert, err := tls.LoadX509KeyPair(c.Cert, c.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to load key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ClientConfig builds the config for dialing serverAddr. SNI defaults to
// the server host when it is a name.
func ClientConfig(c config.TLS, serverAddr string) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName:         c.SNI,
		InsecureSkipVerify: c.Insecure,
		MinVersion:         tls.VersionTLS12,
	}
	if cfg.ServerName == "" {
		host, _, err := net.SplitHostPort(serverAddr)
		if err != nil {
			return nil, fmt.Errorf("invalid server address: %w", err)
		}
		cfg.ServerName = host
	}
	if c.CA != "" {
		pem, err := os.ReadFile(c.CA)
		if err != nil {
			return nil, fmt.Errorf("failed to read ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("no certificates found in ca file")
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
