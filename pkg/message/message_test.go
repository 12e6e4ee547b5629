package message_test

import (
	"bufio"
	"io"
	"strings"
	"testing"

	"github.com/relayhq/mitmproxy/pkg/message"
)

func TestReadRequestSimpleGet(t *testing.T) {
	raw := "GET /index.html HTTP/1.1\r\nHost: example.test\r\nAccept: */*\r\n\r\n"
	req, err := message.ReadRequest(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("ReadRequest failed: %v", err)
	}
	if req.Method != "GET" || req.Target != "/index.html" || req.Version != "HTTP/1.1" {
		t.Fatalf("unexpected request: %+v", req)
	}
	if h, _ := req.Headers.Get("Host"); h != "example.test" {
		t.Fatalf("Host = %q", h)
	}
	body, err := io.ReadAll(req.Body)
	if err != nil || len(body) != 0 {
		t.Fatalf("expected empty body, got %q err=%v", body, err)
	}
}

func TestReadRequestTolerantOfLeadingBlankLines(t *testing.T) {
	raw := "\r\n\r\nGET / HTTP/1.1\r\nHost: a.test\r\n\r\n"
	req, err := message.ReadRequest(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("ReadRequest failed: %v", err)
	}
	if req.Method != "GET" {
		t.Fatalf("Method = %q", req.Method)
	}
}

func TestReadRequestRejectsUnsupportedVersion(t *testing.T) {
	raw := "GET / HTTP/2.0\r\nHost: a.test\r\n\r\n"
	_, err := message.ReadRequest(bufio.NewReader(strings.NewReader(raw)))
	if err == nil {
		t.Fatalf("expected error for unsupported version")
	}
}

func TestReadRequestFixedLengthBody(t *testing.T) {
	raw := "POST /submit HTTP/1.1\r\nHost: a.test\r\nContent-Length: 5\r\n\r\nhello"
	req, err := message.ReadRequest(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("ReadRequest failed: %v", err)
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if string(body) != "hello" {
		t.Fatalf("body = %q", body)
	}
}

func TestReadRequestChunkedBody(t *testing.T) {
	raw := "POST /submit HTTP/1.1\r\nHost: a.test\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n"
	req, err := message.ReadRequest(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("ReadRequest failed: %v", err)
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		t.Fatalf("reading chunked body: %v", err)
	}
	if string(body) != "hello world" {
		t.Fatalf("body = %q", body)
	}
}

func TestReadRequestRejectsConflictingContentLength(t *testing.T) {
	raw := "POST / HTTP/1.1\r\nHost: a.test\r\nContent-Length: 5\r\nContent-Length: 6\r\n\r\nhello"
	_, err := message.ReadRequest(bufio.NewReader(strings.NewReader(raw)))
	if err == nil {
		t.Fatalf("expected error for conflicting Content-Length")
	}
}

func TestConnectAuthority(t *testing.T) {
	raw := "CONNECT example.test:443 HTTP/1.1\r\nHost: example.test:443\r\n\r\n"
	req, err := message.ReadRequest(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("ReadRequest failed: %v", err)
	}
	host, port, err := req.ConnectAuthority()
	if err != nil {
		t.Fatalf("ConnectAuthority failed: %v", err)
	}
	if host != "example.test" || port != 443 {
		t.Fatalf("host=%q port=%d", host, port)
	}
}

func TestRequestURLAbsoluteForm(t *testing.T) {
	raw := "GET http://example.test/path?x=1 HTTP/1.1\r\nHost: example.test\r\n\r\n"
	req, err := message.ReadRequest(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("ReadRequest failed: %v", err)
	}
	req.Scheme = "http"
	if got, want := req.URL(), "http://example.test/path?x=1"; got != want {
		t.Fatalf("URL() = %q, want %q", got, want)
	}
	if got := req.Host(); got != "example.test" {
		t.Fatalf("Host() = %q", got)
	}
}

func TestReadResponseFixedLength(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nhi"
	resp, err := message.ReadResponse(bufio.NewReader(strings.NewReader(raw)), "GET")
	if err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}
	if resp.StatusCode != 200 || resp.Reason != "OK" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil || string(body) != "hi" {
		t.Fatalf("body = %q err=%v", body, err)
	}
}

func TestReadResponseNoBodyForHead(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\n"
	resp, err := message.ReadResponse(bufio.NewReader(strings.NewReader(raw)), "HEAD")
	if err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil || len(body) != 0 {
		t.Fatalf("expected empty body for HEAD response, got %q", body)
	}
}

func TestReadResponseNoBodyFor204(t *testing.T) {
	raw := "HTTP/1.1 204 No Content\r\n\r\n"
	resp, err := message.ReadResponse(bufio.NewReader(strings.NewReader(raw)), "POST")
	if err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}
	if resp.StatusCode != 204 {
		t.Fatalf("StatusCode = %d", resp.StatusCode)
	}
}

func TestReadResponseHTTP10UntilClose(t *testing.T) {
	raw := "HTTP/1.0 200 OK\r\n\r\nsome body without framing"
	resp, err := message.ReadResponse(bufio.NewReader(strings.NewReader(raw)), "GET")
	if err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if string(body) != "some body without framing" {
		t.Fatalf("body = %q", body)
	}
}

func TestReadResponseChunked(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n4\r\nWiki\r\n0\r\n\r\n"
	resp, err := message.ReadResponse(bufio.NewReader(strings.NewReader(raw)), "GET")
	if err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}
	if !resp.IsChunked() {
		t.Fatalf("expected IsChunked true")
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil || string(body) != "Wiki" {
		t.Fatalf("body = %q err=%v", body, err)
	}
}

func TestWriteChunkRoundTrip(t *testing.T) {
	var sb strings.Builder
	if err := message.WriteChunk(&sb, []byte("hello")); err != nil {
		t.Fatalf("WriteChunk failed: %v", err)
	}
	if err := message.WriteChunkTerminator(&sb); err != nil {
		t.Fatalf("WriteChunkTerminator failed: %v", err)
	}

	resp, err := message.ReadResponse(bufio.NewReader(strings.NewReader(
		"HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n"+sb.String())), "GET")
	if err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil || string(body) != "hello" {
		t.Fatalf("body = %q err=%v", body, err)
	}
}
