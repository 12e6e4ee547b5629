package forward

import (
	"context"
	"crypto/tls"
	"net"
	"time"
)

func deadlineContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), timeout)
}

// upgradeUpstreamTLS performs the client-side TLS handshake with the origin
// server, verifying against the system trust store unless opts overrides it.
func upgradeUpstreamTLS(ctx context.Context, conn net.Conn, host string, opts Options) (net.Conn, error) {
	var cfg *tls.Config
	if opts.UpstreamTLSConfig != nil {
		cfg = opts.UpstreamTLSConfig.Clone()
	} else {
		cfg = &tls.Config{}
	}
	cfg.ServerName = host
	cfg.NextProtos = []string{"http/1.1"}

	handshakeCtx, cancel := context.WithTimeout(ctx, opts.TLSHandshakeTimeout)
	defer cancel()

	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
		return nil, err
	}
	return tlsConn, nil
}
