package forward_test

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/relayhq/mitmproxy/pkg/catls"
	"github.com/relayhq/mitmproxy/pkg/forward"
	"github.com/relayhq/mitmproxy/pkg/message"
	"github.com/relayhq/mitmproxy/pkg/proxyhandler"
)

// startUpstream runs handle against every accepted connection until the
// listener is closed, and returns the listener's address.
func startUpstream(t *testing.T, handle func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handle(conn)
		}
	}()
	return ln.Addr().String()
}

func drainRequest(conn net.Conn) (*message.Request, error) {
	return message.ReadRequest(bufio.NewReader(conn))
}

func runForwardedClientRequest(t *testing.T, targetAddr, requestLine string, hooks forward.Hooks) net.Conn {
	t.Helper()
	store, err := catls.New()
	if err != nil {
		t.Fatalf("catls.New: %v", err)
	}
	server, client := net.Pipe()
	builder := forward.NewBuilder(hooks, forward.Options{
		DialTimeout:     2 * time.Second,
		IdleReadTimeout: 2 * time.Second,
	})
	conn := proxyhandler.New(server, store, builder(), zerolog.Nop())
	go conn.Serve(context.Background())

	if _, err := client.Write([]byte(requestLine)); err != nil {
		t.Fatalf("write request: %v", err)
	}
	return client
}

func TestForwardRelaysFixedLengthResponse(t *testing.T) {
	addr := startUpstream(t, func(conn net.Conn) {
		defer conn.Close()
		if _, err := drainRequest(conn); err != nil {
			return
		}
		io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello")
	})

	client := runForwardedClientRequest(t, addr,
		"GET http://"+addr+"/ HTTP/1.1\r\nHost: "+addr+"\r\n\r\n", forward.Hooks{})
	defer client.Close()

	br := bufio.NewReader(client)
	statusLine, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("reading status line: %v", err)
	}
	if !strings.HasPrefix(statusLine, "HTTP/1.1 200") {
		t.Fatalf("status line = %q", statusLine)
	}

	var contentLength string
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("reading headers: %v", err)
		}
		if line == "\r\n" {
			break
		}
		if strings.HasPrefix(strings.ToLower(line), "content-length:") {
			contentLength = strings.TrimSpace(line)
		}
	}
	if contentLength == "" {
		t.Fatalf("expected Content-Length header to be preserved")
	}

	body := make([]byte, 5)
	if _, err := io.ReadFull(br, body); err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if string(body) != "hello" {
		t.Fatalf("body = %q, want hello", body)
	}
}

func TestForwardReframesChunkedWhenHookMutatesBody(t *testing.T) {
	addr := startUpstream(t, func(conn net.Conn) {
		defer conn.Close()
		if _, err := drainRequest(conn); err != nil {
			return
		}
		io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello")
	})

	hooks := forward.Hooks{
		OnResponseChunk: func(c *proxyhandler.Conn, chunk []byte) []byte {
			return []byte(strings.ToUpper(string(chunk)))
		},
	}
	client := runForwardedClientRequest(t, addr,
		"GET http://"+addr+"/ HTTP/1.1\r\nHost: "+addr+"\r\n\r\n", hooks)
	defer client.Close()

	br := bufio.NewReader(client)
	statusLine, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("reading status line: %v", err)
	}
	if !strings.HasPrefix(statusLine, "HTTP/1.1 200") {
		t.Fatalf("status line = %q", statusLine)
	}

	sawChunkedHeader := false
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("reading headers: %v", err)
		}
		if line == "\r\n" {
			break
		}
		if strings.Contains(strings.ToLower(line), "transfer-encoding: chunked") {
			sawChunkedHeader = true
		}
	}
	if !sawChunkedHeader {
		t.Fatalf("expected Transfer-Encoding: chunked after body mutation")
	}

	sizeLine, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("reading chunk size: %v", err)
	}
	size := strings.TrimSpace(sizeLine)
	if size == "" || size == "0" {
		t.Fatalf("chunk size line = %q", sizeLine)
	}
	chunk := make([]byte, 5)
	if _, err := io.ReadFull(br, chunk); err != nil {
		t.Fatalf("reading chunk data: %v", err)
	}
	if string(chunk) != "HELLO" {
		t.Fatalf("chunk = %q, want HELLO", chunk)
	}
}

func TestForwardOnResponseReceivedCanMutateHeaders(t *testing.T) {
	addr := startUpstream(t, func(conn net.Conn) {
		defer conn.Close()
		if _, err := drainRequest(conn); err != nil {
			return
		}
		io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nhi")
	})

	hooks := forward.Hooks{
		OnResponseReceived: func(c *proxyhandler.Conn, resp *message.Response) {
			resp.Headers.Set("X-Injected", "yes")
		},
	}
	client := runForwardedClientRequest(t, addr,
		"GET http://"+addr+"/ HTTP/1.1\r\nHost: "+addr+"\r\n\r\n", hooks)
	defer client.Close()

	br := bufio.NewReader(client)
	var sawInjected bool
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("reading: %v", err)
		}
		if line == "\r\n" {
			break
		}
		if strings.Contains(line, "X-Injected: yes") {
			sawInjected = true
		}
	}
	if !sawInjected {
		t.Fatalf("expected injected header to be relayed to client")
	}
}

func TestForwardUpstreamConnectFailureSynthesizes502(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close() // nothing listens here now

	client := runForwardedClientRequest(t, addr,
		"GET http://"+addr+"/ HTTP/1.1\r\nHost: "+addr+"\r\n\r\n", forward.Hooks{})
	defer client.Close()

	resp := make([]byte, 128)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(resp)
	if err != nil {
		t.Fatalf("reading error response: %v", err)
	}
	if !strings.HasPrefix(string(resp[:n]), "HTTP/1.1 502") {
		t.Fatalf("response = %q, want 502 prefix", resp[:n])
	}
}

func TestOnResponseCompleteFiresAfterRelay(t *testing.T) {
	addr := startUpstream(t, func(conn net.Conn) {
		defer conn.Close()
		if _, err := drainRequest(conn); err != nil {
			return
		}
		io.WriteString(conn, "HTTP/1.1 204 No Content\r\nContent-Length: 0\r\n\r\n")
	})

	done := make(chan struct{}, 1)
	hooks := forward.Hooks{
		OnResponseComplete: func(c *proxyhandler.Conn) {
			done <- struct{}{}
		},
	}
	client := runForwardedClientRequest(t, addr,
		"GET http://"+addr+"/ HTTP/1.1\r\nHost: "+addr+"\r\n\r\n", hooks)
	defer client.Close()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 128)
	if _, err := client.Read(buf); err != nil {
		t.Fatalf("reading response: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OnResponseComplete was not called")
	}
}
