// Package proxyhandler implements the per-connection state machine shared
// by every proxy mode: read the first request, decide whether it is a
// CONNECT tunnel or a direct absolute-form request, perform the MITM TLS
// handshake when needed, and run the caller's hooks against the effective
// request.
package proxyhandler

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/relayhq/mitmproxy/pkg/catls"
	"github.com/relayhq/mitmproxy/pkg/errors"
	"github.com/relayhq/mitmproxy/pkg/message"
)

// Hooks are the overridable lifecycle callbacks for one connection. Every
// hook is optional; a nil hook behaves as a no-op. Hooks run sequentially
// on the connection's own goroutine, so they may touch Conn state freely
// without additional locking.
type Hooks struct {
	// OnClientConnected runs once per connection, as soon as the outer
	// request has been parsed and before any CONNECT branch is taken. It
	// does not run when the outer request fails to parse.
	OnClientConnected func(c *Conn)

	// OnRequestReceived runs once the effective request (post-TLS-upgrade
	// when applicable) has been parsed. The base handler does not forward;
	// implementers write a response with Conn's helpers. forward.NewBuilder
	// (pkg/forward) supplies one that forwards upstream.
	OnRequestReceived func(c *Conn)

	// OnError runs for any unhandled error during the connection's
	// lifecycle. The default logs and closes.
	OnError func(c *Conn, err error)
}

// Builder is a zero-argument factory invoked once per accepted connection,
// returning the Hooks that connection should run.
type Builder func() Hooks

// Conn is bound to exactly one client TCP socket and never processes more
// than one request. It owns both socket halves for its entire lifetime.
type Conn struct {
	ID    string
	Store *catls.Store
	Log   zerolog.Logger

	// Request is the effective parsed request (post-TLS-upgrade when
	// applicable), set once READ_REQUEST completes.
	Request *message.Request
	// Host is the effective upstream host for this connection.
	Host string
	// Scheme is "http" for the direct-proxy branch and "https" once inside
	// a CONNECT tunnel.
	Scheme string

	raw    net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	hooks Hooks

	writeMu     sync.Mutex
	respWritten int64
	closed      bool
	closeMu     sync.Mutex
}

// New constructs a Conn for an accepted socket. The caller must call Serve.
func New(raw net.Conn, store *catls.Store, hooks Hooks, log zerolog.Logger) *Conn {
	id := uuid.NewString()
	return &Conn{
		ID:     id,
		Store:  store,
		Log:    log.With().Str("conn_id", id).Logger(),
		raw:    raw,
		reader: bufio.NewReader(raw),
		writer: bufio.NewWriter(raw),
		hooks:  hooks,
	}
}

// Serve runs the connection's state machine to completion. It never
// returns an error; all failures are routed through OnError and the
// connection is always closed before Serve returns.
func (c *Conn) Serve(ctx context.Context) {
	defer c.Close()

	if err := c.readEffectiveRequest(ctx); err != nil {
		c.Fail(err)
		return
	}

	if c.hooks.OnRequestReceived != nil {
		c.runUserHook(func() { c.hooks.OnRequestReceived(c) })
	}
}

// readEffectiveRequest implements READ_REQUEST plus the CONNECT branch:
// reply 200, perform the TLS handshake, then re-enter the request reader
// on the decrypted stream. OnClientConnected runs as soon as the outer
// request is parsed.
func (c *Conn) readEffectiveRequest(ctx context.Context) error {
	req, err := message.ReadRequest(c.reader)
	if err != nil {
		return err
	}

	if c.hooks.OnClientConnected != nil {
		c.hooks.OnClientConnected(c)
	}

	if !req.IsConnect() {
		req.Scheme = "http"
		c.Request = req
		c.Scheme = "http"
		c.Host = req.Host()
		return nil
	}

	host, _, err := req.ConnectAuthority()
	if err != nil {
		return err
	}

	if _, err := io.WriteString(c.raw, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return errors.NewClientDisconnected("connect.reply", err)
	}

	tlsConfig, err := c.Store.ServerConfigFor(host)
	if err != nil {
		return errors.NewTLSHandshake(host, err)
	}

	tlsConn := tls.Server(c.raw, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return errors.NewTLSHandshake(host, err)
	}

	c.raw = tlsConn
	c.reader = bufio.NewReader(tlsConn)
	c.writer = bufio.NewWriter(tlsConn)

	inner, err := message.ReadRequest(c.reader)
	if err != nil {
		return err
	}
	inner.Scheme = "https"
	c.Request = inner
	c.Scheme = "https"
	c.Host = host
	return nil
}

// runUserHook recovers a panicking hook and routes it through the same
// error policy as a returned error would take.
func (c *Conn) runUserHook(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.Fail(errors.NewUserHandler("hook", panicError{r}))
		}
	}()
	fn()
}

type panicError struct{ v any }

func (p panicError) Error() string { return "panic in user hook" }

// Fail routes err through OnError (or the default log line) and, unless the
// error is silent or a response was already written, synthesizes an HTTP
// error response for the client. Handlers that forward upstream (pkg/forward)
// call this directly for failures they cannot recover from.
func (c *Conn) Fail(err error) {
	if c.hooks.OnError != nil {
		c.hooks.OnError(c, err)
	} else {
		c.Log.Error().Err(err).Msg("unhandled connection error")
	}

	if isSilentOrUnwritable(err) {
		return
	}
	if c.respWritten > 0 {
		return // a response was already written; do not overwrite it
	}
	_ = c.writeSynthesizedError(err)
}

func isSilentOrUnwritable(err error) bool {
	if errors.IsTimeout(err) {
		return false
	}
	return errors.IsClientDisconnected(err) || silentKind(err)
}

func silentKind(err error) bool {
	type silenter interface{ Silent() bool }
	if s, ok := err.(silenter); ok {
		return s.Silent()
	}
	return false
}

func (c *Conn) writeSynthesizedError(err error) error {
	status := 500
	type statuser interface{ StatusCode() int }
	if s, ok := err.(statuser); ok {
		status = s.StatusCode()
	}
	body := []byte(errorBody(status))
	resp := "HTTP/1.1 " + statusLine(status) + "\r\n" +
		"Content-Type: text/plain\r\n" +
		"Content-Length: " + strconv.Itoa(len(body)) + "\r\n" +
		"Connection: close\r\n\r\n"
	if err := c.WriteResponse([]byte(resp)); err != nil {
		return err
	}
	if err := c.WriteResponse(body); err != nil {
		return err
	}
	return c.FlushResponse()
}

// WriteResponse writes p to the client through the connection's buffered
// writer; bytes reach the socket once the buffer fills or on FlushResponse.
func (c *Conn) WriteResponse(p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.writer.Write(p)
	if err != nil {
		return errors.NewIO("conn.write_response", err)
	}
	c.respWritten += int64(len(p))
	return nil
}

// FlushResponse flushes any buffered response bytes to the socket.
func (c *Conn) FlushResponse() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.writer.Flush(); err != nil {
		return errors.NewIO("conn.flush_response", err)
	}
	return nil
}

// ReadRequestBody returns the effective request's body reader. It is
// single-pass; calling it twice returns the same, possibly-exhausted
// reader.
func (c *Conn) ReadRequestBody() (io.Reader, error) {
	if c.Request == nil {
		return nil, errors.New(errors.KindClientParse, "conn.read_body", "no request parsed yet", nil)
	}
	return c.Request.Body, nil
}

// Close closes the underlying socket. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.raw.Close()
}

func statusLine(code int) string {
	reason, ok := reasonPhrases[code]
	if !ok {
		reason = "Error"
	}
	return strconv.Itoa(code) + " " + reason
}

var reasonPhrases = map[int]string{
	400: "Bad Request",
	500: "Internal Server Error",
	502: "Bad Gateway",
	504: "Gateway Timeout",
}

func errorBody(code int) string {
	return statusLine(code) + "\n"
}
