package message

import (
	"bufio"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/relayhq/mitmproxy/pkg/errors"
	"github.com/relayhq/mitmproxy/pkg/headers"
)

// methodsWithoutBody never carry a request body even when a framing header
// is absent; bodyFraming still honors an explicit Content-Length/
// Transfer-Encoding on them, matching real-world client behavior.
var methodsWithoutBody = map[string]bool{
	"GET": true, "HEAD": true, "DELETE": true, "OPTIONS": true, "TRACE": true,
}

// Request is an HTTP/1.1 request parsed directly off the wire. Scheme is not
// part of the wire format; the caller sets it once the connection's context
// (direct proxy form vs. inside a CONNECT tunnel) is known.
type Request struct {
	Method  string
	Target  string
	Version string
	Headers *headers.Collection
	Body    BodyReader
	Scheme  string

	bodyKind bodyKind
}

// ReadRequest parses one HTTP/1.1 request from r. Leading blank lines before
// the request line are tolerated per RFC 7230 §3.5.
func ReadRequest(r *bufio.Reader) (*Request, error) {
	var requestLine string
	for {
		line, err := readLine(r, maxRequestLineLength, "request.line")
		if err != nil {
			return nil, err
		}
		if line != "" {
			requestLine = line
			break
		}
	}

	parts := strings.SplitN(requestLine, " ", 3)
	if len(parts) != 3 {
		return nil, errors.NewClientParse("request.line", "malformed request line: "+requestLine, nil)
	}
	method, target, version := parts[0], parts[1], parts[2]

	if version != "HTTP/1.1" {
		return nil, errors.NewClientParse("request.version", "unsupported HTTP version: "+version, nil)
	}
	if method == "" || target == "" {
		return nil, errors.NewClientParse("request.line", "empty method or target", nil)
	}

	headerLines, err := readHeaderBlock(r)
	if err != nil {
		return nil, err
	}
	hdrs, err := headers.Parse(headerLines)
	if err != nil {
		return nil, err
	}

	hasBody := !methodsWithoutBody[strings.ToUpper(method)]
	body, kind, err := bodyFraming(hdrs, r, hasBody)
	if err != nil {
		return nil, err
	}

	return &Request{
		Method:   strings.ToUpper(method),
		Target:   target,
		Version:  version,
		Headers:  hdrs,
		Body:     body,
		bodyKind: kind,
	}, nil
}

const maxRequestLineLength = 8 * 1024

// IsConnect reports whether this is a CONNECT request.
func (req *Request) IsConnect() bool {
	return req.Method == "CONNECT"
}

// ConnectAuthority splits a CONNECT target of the form "host:port".
func (req *Request) ConnectAuthority() (host string, port int, err error) {
	if !req.IsConnect() {
		return "", 0, errors.NewClientParse("request.connect", "not a CONNECT request", nil)
	}
	h, p, splitErr := net.SplitHostPort(req.Target)
	if splitErr != nil {
		return "", 0, errors.NewClientParse("request.connect", "malformed CONNECT authority: "+req.Target, splitErr)
	}
	port, err = strconv.Atoi(p)
	if err != nil {
		return "", 0, errors.NewClientParse("request.connect", "malformed CONNECT port: "+p, err)
	}
	return h, port, nil
}

// Host returns the effective host (without port) for this request, derived
// from an absolute-form target or the Host header.
func (req *Request) Host() string {
	if u, err := url.ParseRequestURI(req.Target); err == nil && u.Host != "" {
		return stripPort(u.Host)
	}
	if h, ok := req.Headers.Get("Host"); ok {
		return stripPort(h)
	}
	return ""
}

// Port returns the effective port, defaulting by scheme when absent.
func (req *Request) Port() int {
	raw := ""
	if u, err := url.ParseRequestURI(req.Target); err == nil && u.Host != "" {
		raw = u.Host
	} else if h, ok := req.Headers.Get("Host"); ok {
		raw = h
	}
	if _, p, err := net.SplitHostPort(raw); err == nil {
		if n, err := strconv.Atoi(p); err == nil {
			return n
		}
	}
	if req.Scheme == "https" {
		return 443
	}
	return 80
}

// URL reconstructs the absolute URL of this request from its Scheme, Host,
// and Target path/query.
func (req *Request) URL() string {
	path := req.Target
	if u, err := url.ParseRequestURI(req.Target); err == nil && u.Host != "" {
		path = u.RequestURI()
	}
	scheme := req.Scheme
	if scheme == "" {
		scheme = "http"
	}
	host := req.Host()
	if host == "" {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return scheme + "://" + host + path
}

func stripPort(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return hostport
}
