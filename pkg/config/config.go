// Package config loads the proxy's runtime settings from an optional YAML
// file, with environment variables overriding whatever the file (or the
// built-in defaults) supplied.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relayhq/mitmproxy/pkg/constants"
)

const (
	envListenAddr  = "MITMPROXY_LISTEN_ADDR"
	envMetricsAddr = "MITMPROXY_METRICS_ADDR"
	envCACertPath  = "MITMPROXY_CA_CERT"
	envCAKeyPath   = "MITMPROXY_CA_KEY"
	envLogLevel    = "MITMPROXY_LOG_LEVEL"
	envTLSProfile  = "MITMPROXY_TLS_PROFILE"
	envDialTimeout = "MITMPROXY_DIAL_TIMEOUT"
	envIdleTimeout = "MITMPROXY_IDLE_TIMEOUT"

	defaultListenAddr  = "127.0.0.1:8443"
	defaultMetricsAddr = ""
	defaultCACertPath  = "mitmproxy-ca.crt"
	defaultCAKeyPath   = "mitmproxy-ca.key"
	defaultLogLevel    = "info"
	defaultTLSProfile  = "secure"
)

// UpstreamProxyConfig chains outbound connections through another proxy.
type UpstreamProxyConfig struct {
	Type     string `yaml:"type"`
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Config captures everything needed to start the proxy server.
type Config struct {
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	CACertPath string `yaml:"ca_cert_path"`
	CAKeyPath  string `yaml:"ca_key_path"`

	LogLevel   string `yaml:"log_level"`
	TLSProfile string `yaml:"tls_profile"`

	DialTimeout            time.Duration `yaml:"dial_timeout"`
	TLSHandshakeTimeout    time.Duration `yaml:"tls_handshake_timeout"`
	IdleReadTimeout        time.Duration `yaml:"idle_read_timeout"`
	LeafCacheSweepInterval time.Duration `yaml:"leaf_cache_sweep_interval"`

	UpstreamProxy *UpstreamProxyConfig `yaml:"upstream_proxy,omitempty"`
}

// Default returns the built-in configuration with no file or environment
// overrides applied.
func Default() Config {
	return Config{
		ListenAddr:             defaultListenAddr,
		MetricsAddr:            defaultMetricsAddr,
		CACertPath:             defaultCACertPath,
		CAKeyPath:              defaultCAKeyPath,
		LogLevel:               defaultLogLevel,
		TLSProfile:             defaultTLSProfile,
		DialTimeout:            constants.DefaultUpstreamDialTimeout,
		TLSHandshakeTimeout:    constants.DefaultUpstreamDialTimeout,
		IdleReadTimeout:        60 * time.Second,
		LeafCacheSweepInterval: constants.DefaultLeafCacheSweepInterval,
	}
}

// Load builds a Config starting from Default, layering a YAML file (when
// path is non-empty) on top, then environment variables on top of that.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	cfg.ListenAddr = getString(envListenAddr, cfg.ListenAddr)
	cfg.MetricsAddr = getString(envMetricsAddr, cfg.MetricsAddr)
	cfg.CACertPath = getString(envCACertPath, cfg.CACertPath)
	cfg.CAKeyPath = getString(envCAKeyPath, cfg.CAKeyPath)
	cfg.LogLevel = strings.ToLower(getString(envLogLevel, cfg.LogLevel))
	cfg.TLSProfile = strings.ToLower(getString(envTLSProfile, cfg.TLSProfile))
	cfg.DialTimeout = getDuration(envDialTimeout, cfg.DialTimeout)
	cfg.IdleReadTimeout = getDuration(envIdleTimeout, cfg.IdleReadTimeout)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects a Config that cannot be used to start a server.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	switch c.TLSProfile {
	case "modern", "secure", "compatible":
	default:
		return fmt.Errorf("tls_profile must be one of modern, secure, compatible, got %q", c.TLSProfile)
	}
	if c.UpstreamProxy != nil {
		switch c.UpstreamProxy.Type {
		case "http", "https", "socks4", "socks5":
		default:
			return fmt.Errorf("upstream_proxy.type must be one of http, https, socks4, socks5, got %q", c.UpstreamProxy.Type)
		}
		if c.UpstreamProxy.Addr == "" {
			return fmt.Errorf("upstream_proxy.addr is required when upstream_proxy is set")
		}
	}
	return nil
}

func getString(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return parsed
}
