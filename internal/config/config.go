package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	yaml "gopkg.in/yaml.v3"

	"trojan-proxy/internal/infrastructure/auth"
)

type RunType string

const (
	RunServer RunType = "server"
	RunClient RunType = "client"
)

const (
	DefaultPath             = "./config/config.yaml"
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultDialTimeout      = 10 * time.Second
)

type Config struct {
	RunType    RunType  `yaml:"run_type"`
	LocalAddr  string   `yaml:"local_addr"`
	LocalPort  uint16   `yaml:"local_port"`
	RemoteAddr string   `yaml:"remote_addr"`
	RemotePort uint16   `yaml:"remote_port"`
	Password   []string `yaml:"password"`
	LogLevel   int      `yaml:"log_level"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	ProxyProtocol    bool          `yaml:"proxy_protocol"`
	ReusePort        bool          `yaml:"reuse_port"`
	DNSServer        string        `yaml:"dns_server"`
	OutboundSOCKS5   string        `yaml:"outbound_socks5"`
	MetricsAddr      string        `yaml:"metrics_addr"`

	TLS TLS `yaml:"tls"`

	// Digests holds the SHA-224 hex of every password, computed at load.
	Digests []string `yaml:"-"`
}

type TLS struct {
	Cert     string `yaml:"cert"`
	Key      string `yaml:"key"`
	SNI      string `yaml:"sni"`
	CA       string `yaml:"ca"`
	Insecure bool   `yaml:"insecure"`
	ACME     ACME   `yaml:"acme"`
}

type ACME struct {
	Domains  []string `yaml:"domains"`
	Email    string   `yaml:"email"`
	CacheDir string   `yaml:"cache_dir"`
}

// Load reads the YAML file at path, fills defaults, validates it and
// precomputes the password digests.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.Digests = make([]string, 0, len(cfg.Password))
	for _, pwd := range cfg.Password {
		cfg.Digests = append(cfg.Digests, auth.Hash(pwd))
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.RunType == "" {
		c.RunType = RunServer
	}
	if c.LocalAddr == "" {
		c.LocalAddr = "0.0.0.0"
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
}

func (c *Config) Validate() error {
	var errs []error
	switch c.RunType {
	case RunServer, RunClient:
	default:
		errs = append(errs, fmt.Errorf("run_type must be %q or %q, got %q", RunServer, RunClient, c.RunType))
	}
	if c.LocalPort == 0 {
		errs = append(errs, errors.New("local_port is required"))
	}
	if c.RemoteAddr == "" || c.RemotePort == 0 {
		errs = append(errs, errors.New("remote_addr and remote_port are required"))
	}
	if len(c.Password) == 0 {
		errs = append(errs, errors.New("at least one password is required"))
	}
	if c.RunType == RunServer && len(c.TLS.ACME.Domains) == 0 && (c.TLS.Cert == "" || c.TLS.Key == "") {
		errs = append(errs, errors.New("tls.cert and tls.key are required unless tls.acme.domains is set"))
	}
	if c.HandshakeTimeout < 0 || c.DialTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	return errors.Join(errs...)
}

func (c *Config) LocalHost() string {
	return net.JoinHostPort(c.LocalAddr, strconv.Itoa(int(c.LocalPort)))
}

// RemoteHost is the fallback upstream in server mode and the tunnel server
// in client mode.
func (c *Config) RemoteHost() string {
	return net.JoinHostPort(c.RemoteAddr, strconv.Itoa(int(c.RemotePort)))
}
