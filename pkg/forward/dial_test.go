package forward_test

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/relayhq/mitmproxy/pkg/forward"
)

// startCONNECTProxy accepts one connection, expects a CONNECT request, and
// on success pipes bytes straight through to target.
func startCONNECTProxy(t *testing.T, targetAddr string, requireAuth string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		br := bufio.NewReader(conn)
		requestLine, err := br.ReadString('\n')
		if err != nil || !strings.HasPrefix(requestLine, "CONNECT ") {
			return
		}
		var authOK = requireAuth == ""
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			if line == "\r\n" {
				break
			}
			if requireAuth != "" && strings.HasPrefix(line, "Proxy-Authorization: Basic "+requireAuth) {
				authOK = true
			}
		}
		if !authOK {
			io.WriteString(conn, "HTTP/1.1 407 Proxy Authentication Required\r\n\r\n")
			return
		}

		io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n")

		target, err := net.Dial("tcp", targetAddr)
		if err != nil {
			return
		}
		defer target.Close()

		done := make(chan struct{}, 2)
		go func() { io.Copy(target, br); done <- struct{}{} }()
		go func() { io.Copy(conn, target); done <- struct{}{} }()
		<-done
	}()

	return ln.Addr().String()
}

func TestDialViaHTTPConnectTunnelsToTarget(t *testing.T) {
	targetLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer targetLn.Close()
	go func() {
		conn, err := targetLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.WriteString(conn, "hello-from-target")
	}()

	proxyAddr := startCONNECTProxy(t, targetLn.Addr().String(), "")

	dialer := forward.Dialer{
		Proxy:       &forward.ProxyConfig{Type: forward.ProxyHTTP, Addr: proxyAddr},
		DialTimeout: 2 * time.Second,
	}
	conn, err := dialer.DialContext(context.Background(), targetLn.Addr().String())
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("reading through tunnel: %v", err)
	}
	if string(buf[:n]) != "hello-from-target" {
		t.Fatalf("got %q, want hello-from-target", buf[:n])
	}
}

func TestDialViaHTTPConnectSendsProxyAuthorization(t *testing.T) {
	targetLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer targetLn.Close()
	go func() {
		conn, err := targetLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.WriteString(conn, "ok")
	}()

	// base64("alice:secret") = YWxpY2U6c2VjcmV0
	proxyAddr := startCONNECTProxy(t, targetLn.Addr().String(), "YWxpY2U6c2VjcmV0")

	dialer := forward.Dialer{
		Proxy: &forward.ProxyConfig{
			Type:     forward.ProxyHTTP,
			Addr:     proxyAddr,
			Username: "alice",
			Password: "secret",
		},
		DialTimeout: 2 * time.Second,
	}
	conn, err := dialer.DialContext(context.Background(), targetLn.Addr().String())
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	defer conn.Close()
}

func TestDialDirectWithoutProxy(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}()

	dialer := forward.Dialer{DialTimeout: 2 * time.Second}
	conn, err := dialer.DialContext(context.Background(), ln.Addr().String())
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	conn.Close()
}
