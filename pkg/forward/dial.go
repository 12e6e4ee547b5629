package forward

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	netproxy "golang.org/x/net/proxy"

	"github.com/relayhq/mitmproxy/pkg/errors"
)

// ProxyType selects how Dialer reaches an upstream proxy before tunneling to
// the real target.
type ProxyType string

const (
	ProxyHTTP   ProxyType = "http"
	ProxyHTTPS  ProxyType = "https"
	ProxySOCKS4 ProxyType = "socks4"
	ProxySOCKS5 ProxyType = "socks5"
)

// ProxyConfig describes an upstream proxy to chain through before reaching
// the target host.
type ProxyConfig struct {
	Type      ProxyType
	Addr      string // host:port of the proxy itself
	Username  string
	Password  string
	TLSConfig *tls.Config // used to dial Addr when Type is ProxyHTTPS
}

// Dialer opens the upstream TCP connection for a forwarded request, either
// directly or through a configured Proxy.
type Dialer struct {
	Proxy       *ProxyConfig
	DialTimeout time.Duration
}

// DialContext connects to targetAddr ("host:port"), through Proxy when set.
func (d Dialer) DialContext(ctx context.Context, targetAddr string) (net.Conn, error) {
	timeout := d.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	if d.Proxy == nil {
		dialer := &net.Dialer{Timeout: timeout}
		return dialer.DialContext(ctx, "tcp", targetAddr)
	}

	switch d.Proxy.Type {
	case ProxyHTTP, ProxyHTTPS:
		return dialViaHTTPConnect(ctx, *d.Proxy, targetAddr, timeout)
	case ProxySOCKS4:
		return dialViaSOCKS4(ctx, *d.Proxy, targetAddr, timeout)
	case ProxySOCKS5:
		return dialViaSOCKS5(ctx, *d.Proxy, targetAddr, timeout)
	default:
		return nil, errors.NewProxyChain(string(d.Proxy.Type), d.Proxy.Addr, errors.New(errors.KindProxyChain, "dial", "unsupported proxy type", nil))
	}
}

// dialViaHTTPConnect tunnels through an HTTP or HTTPS forward proxy using
// the CONNECT method.
func dialViaHTTPConnect(ctx context.Context, proxy ProxyConfig, targetAddr string, timeout time.Duration) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", proxy.Addr)
	if err != nil {
		return nil, errors.NewProxyChain(string(proxy.Type), proxy.Addr, err)
	}

	if proxy.Type == ProxyHTTPS {
		tlsConfig := proxy.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{ServerName: proxyHost(proxy.Addr)}
		}
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, errors.NewProxyChain(string(proxy.Type), proxy.Addr, err)
		}
		conn = tlsConn
	}

	req := "CONNECT " + targetAddr + " HTTP/1.1\r\nHost: " + targetAddr + "\r\n"
	if proxy.Username != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(proxy.Username + ":" + proxy.Password))
		req += "Proxy-Authorization: Basic " + auth + "\r\n"
	}
	req += "\r\n"

	if _, err := conn.Write([]byte(req)); err != nil {
		conn.Close()
		return nil, errors.NewProxyChain(string(proxy.Type), proxy.Addr, err)
	}

	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, errors.NewProxyChain(string(proxy.Type), proxy.Addr, err)
	}
	if !strings.Contains(statusLine, " 200") {
		conn.Close()
		return nil, errors.NewProxyChain(string(proxy.Type), proxy.Addr, errors.New(errors.KindProxyChain, "connect", "proxy refused CONNECT: "+strings.TrimSpace(statusLine), nil))
	}
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			conn.Close()
			return nil, errors.NewProxyChain(string(proxy.Type), proxy.Addr, err)
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}

	return conn, nil
}

// dialViaSOCKS4 tunnels through a SOCKS4 proxy. SOCKS4 is IPv4-only and
// requires the target be resolved locally before the request is sent.
func dialViaSOCKS4(ctx context.Context, proxy ProxyConfig, targetAddr string, timeout time.Duration) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(targetAddr)
	if err != nil {
		return nil, errors.NewProxyChain(string(proxy.Type), proxy.Addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, errors.NewProxyChain(string(proxy.Type), proxy.Addr, err)
	}

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
	if err != nil || len(ips) == 0 {
		return nil, errors.NewProxyChain(string(proxy.Type), proxy.Addr, err)
	}
	targetIP := ips[0].To4()

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", proxy.Addr)
	if err != nil {
		return nil, errors.NewProxyChain(string(proxy.Type), proxy.Addr, err)
	}

	req := []byte{0x04, 0x01, byte(port >> 8), byte(port & 0xFF)}
	req = append(req, targetIP...)
	if proxy.Username != "" {
		req = append(req, []byte(proxy.Username)...)
	}
	req = append(req, 0x00)

	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, errors.NewProxyChain(string(proxy.Type), proxy.Addr, err)
	}

	resp := make([]byte, 8)
	if _, err := io.ReadFull(conn, resp); err != nil {
		conn.Close()
		return nil, errors.NewProxyChain(string(proxy.Type), proxy.Addr, err)
	}
	if resp[1] != 0x5A {
		conn.Close()
		return nil, errors.NewProxyChain(string(proxy.Type), proxy.Addr, errors.New(errors.KindProxyChain, "connect", "SOCKS4 request rejected", nil))
	}
	return conn, nil
}

// dialViaSOCKS5 tunnels through a SOCKS5 proxy via golang.org/x/net/proxy,
// which resolves the target through the proxy by default.
func dialViaSOCKS5(ctx context.Context, proxy ProxyConfig, targetAddr string, timeout time.Duration) (net.Conn, error) {
	var auth *netproxy.Auth
	if proxy.Username != "" {
		auth = &netproxy.Auth{User: proxy.Username, Password: proxy.Password}
	}
	dialer, err := netproxy.SOCKS5("tcp", proxy.Addr, auth, &net.Dialer{Timeout: timeout})
	if err != nil {
		return nil, errors.NewProxyChain(string(proxy.Type), proxy.Addr, err)
	}
	conn, err := dialer.Dial("tcp", targetAddr)
	if err != nil {
		return nil, errors.NewProxyChain(string(proxy.Type), proxy.Addr, err)
	}
	return conn, nil
}

func proxyHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
