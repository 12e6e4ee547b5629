// Package mitmproxy re-exports the types and constructors an embedder needs
// to run the proxy without importing every internal package by hand.
package mitmproxy

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/relayhq/mitmproxy/pkg/catls"
	"github.com/relayhq/mitmproxy/pkg/config"
	"github.com/relayhq/mitmproxy/pkg/errors"
	"github.com/relayhq/mitmproxy/pkg/forward"
	"github.com/relayhq/mitmproxy/pkg/proxyhandler"
	"github.com/relayhq/mitmproxy/pkg/server"
	"github.com/relayhq/mitmproxy/pkg/tlsconfig"
)

// Re-export key types for easier embedding.
type (
	// Store issues the local CA and per-host leaf certificates.
	Store = catls.Store

	// Subject names a generated CA's distinguished name fields.
	Subject = catls.Subject

	// Conn is the per-connection state handed to hooks.
	Conn = proxyhandler.Conn

	// Hooks are the base connection lifecycle callbacks.
	Hooks = proxyhandler.Hooks

	// Builder constructs a fresh Hooks value for each accepted connection.
	Builder = proxyhandler.Builder

	// ForwardHooks are the forwarding-specific observation/rewrite points.
	ForwardHooks = forward.Hooks

	// ForwardOptions configures upstream dialing and timeouts.
	ForwardOptions = forward.Options

	// ProxyConfig describes an upstream proxy to chain forwarded
	// connections through.
	ProxyConfig = forward.ProxyConfig

	// Dialer opens the upstream connection for a forwarded request.
	Dialer = forward.Dialer

	// Config controls the proxy's listeners and maintenance schedule.
	Config = server.Config

	// Server owns the running proxy, metrics, and maintenance listeners.
	Server = server.Server

	// FileConfig is the on-disk/environment configuration surface.
	FileConfig = config.Config

	// Error is the structured error type the proxy core returns.
	Error = errors.Error
)

// Re-export upstream proxy type constants for convenience.
const (
	ProxyHTTP   = forward.ProxyHTTP
	ProxyHTTPS  = forward.ProxyHTTPS
	ProxySOCKS4 = forward.ProxySOCKS4
	ProxySOCKS5 = forward.ProxySOCKS5
)

// NewCA generates a fresh local certificate authority with the default
// subject fields.
func NewCA() (*Store, error) {
	return catls.New()
}

// GenerateCA generates a fresh local certificate authority with the given
// subject fields.
func GenerateCA(subject Subject) (*Store, error) {
	return catls.GenerateCA(subject)
}

// LoadCA adopts an existing CA from PEM-encoded key and certificate bytes.
func LoadCA(keyPEM, certPEM []byte) (*Store, error) {
	return catls.LoadCA(keyPEM, certPEM)
}

// TLSProfileByName resolves a named TLS profile ("modern", "secure",
// "compatible"), defaulting to "secure" for an empty or unrecognized name.
func TLSProfileByName(name string) tlsconfig.Profile {
	return tlsconfig.ProfileByName(name)
}

// NewForwardBuilder returns a Builder whose OnRequestReceived hook forwards
// every request upstream, running hooks at each stage. Start has no Builder
// of its own; pass this one or a custom Builder to it.
func NewForwardBuilder(hooks ForwardHooks, opts ForwardOptions) Builder {
	return forward.NewBuilder(hooks, opts)
}

// Start binds cfg.ListenAddr, begins accepting connections, and (if
// configured) starts the metrics listener and maintenance cron.
func Start(ctx context.Context, cfg Config, store *Store, builder Builder, log zerolog.Logger) (*Server, error) {
	return server.Start(ctx, cfg, store, builder, log)
}
