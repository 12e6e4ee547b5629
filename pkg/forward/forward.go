// Package forward implements the proxy's default behavior: take the
// effective request a proxyhandler.Conn has parsed, forward it to the
// origin server, and relay the response back to the client, running hooks
// at each stage so an embedder can observe or rewrite traffic.
package forward

import (
	"bufio"
	"bytes"
	"crypto/tls"
	stderrors "errors"
	"io"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/relayhq/mitmproxy/pkg/constants"
	"github.com/relayhq/mitmproxy/pkg/errors"
	"github.com/relayhq/mitmproxy/pkg/headers"
	"github.com/relayhq/mitmproxy/pkg/message"
	"github.com/relayhq/mitmproxy/pkg/proxyhandler"
	"github.com/relayhq/mitmproxy/pkg/timing"
)

// hopByHopHeaders are never forwarded in either direction, per RFC 7230
// §6.1. Headers named in a Connection token are stripped in addition to
// this fixed set.
var hopByHopHeaders = []string{
	"Connection", "Proxy-Connection", "Keep-Alive", "Transfer-Encoding",
	"Upgrade", "TE", "Trailer", "Proxy-Authenticate", "Proxy-Authorization",
}

// Hooks are the observation/rewrite points available once a request has
// been forwarded upstream. All are optional.
type Hooks struct {
	// OnClientConnected mirrors proxyhandler.Hooks.OnClientConnected.
	OnClientConnected func(c *proxyhandler.Conn)
	// OnResponseReceived runs once the upstream status line and headers are
	// parsed, before any byte of the body has been relayed. It may mutate
	// resp.Headers; the mutated headers are what reaches the client.
	OnResponseReceived func(c *proxyhandler.Conn, resp *message.Response)
	// OnResponseChunk runs for each chunk of the response body as it is
	// relayed and may return a replacement slice. Setting this hook forces
	// the response to be re-framed as chunked regardless of the upstream's
	// original Content-Length, whether or not a returned slice changes length.
	OnResponseChunk func(c *proxyhandler.Conn, chunk []byte) []byte
	// OnResponseComplete runs once the entire response has been relayed.
	OnResponseComplete func(c *proxyhandler.Conn)
	// OnError mirrors proxyhandler.Hooks.OnError.
	OnError func(c *proxyhandler.Conn, err error)
}

// Options configures how forwarded connections are dialed and timed out.
type Options struct {
	DialTimeout         time.Duration
	TLSHandshakeTimeout time.Duration
	IdleReadTimeout     time.Duration
	Dialer              Dialer
	// UpstreamTLSConfig, if set, is cloned and used as the base TLS config
	// for the upstream handshake instead of the system default (e.g. to
	// pin a custom root pool). ServerName and NextProtos are always
	// overridden per-connection.
	UpstreamTLSConfig *tls.Config
	// OnTimings, if set, runs after a forwarded request completes with the
	// connection-phase timing breakdown, to back caller-side metrics.
	OnTimings func(c *proxyhandler.Conn, m timing.Metrics)
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = constants.DefaultUpstreamDialTimeout
	}
	if o.TLSHandshakeTimeout <= 0 {
		o.TLSHandshakeTimeout = constants.DefaultUpstreamDialTimeout
	}
	if o.IdleReadTimeout <= 0 {
		o.IdleReadTimeout = 60 * time.Second
	}
	if o.Dialer.DialTimeout <= 0 {
		o.Dialer.DialTimeout = o.DialTimeout
	}
	return o
}

// NewBuilder returns a proxyhandler.Builder whose OnRequestReceived hook
// forwards every request upstream and relays the response, running hooks at
// each stage.
func NewBuilder(hooks Hooks, opts Options) proxyhandler.Builder {
	opts = opts.withDefaults()
	return func() proxyhandler.Hooks {
		return proxyhandler.Hooks{
			OnClientConnected: func(c *proxyhandler.Conn) {
				if hooks.OnClientConnected != nil {
					hooks.OnClientConnected(c)
				}
			},
			OnRequestReceived: func(c *proxyhandler.Conn) {
				forwardRequest(c, hooks, opts)
			},
			OnError: func(c *proxyhandler.Conn, err error) {
				if hooks.OnError != nil {
					hooks.OnError(c, err)
				}
			},
		}
	}
}

func forwardRequest(c *proxyhandler.Conn, hooks Hooks, opts Options) {
	timer := timing.NewTimer()

	host := c.Host
	port := c.Request.Port()
	dialAddr := net.JoinHostPort(host, strconv.Itoa(port))

	ctx, cancel := deadlineContext(opts.DialTimeout)
	defer cancel()

	timer.StartTCP()
	upstream, err := opts.Dialer.DialContext(ctx, dialAddr)
	timer.EndTCP()
	if err != nil {
		c.Fail(classifyDialError(host, port, err))
		return
	}
	defer upstream.Close()

	if c.Request.Scheme == "https" {
		timer.StartTLS()
		tlsConn, err := upgradeUpstreamTLS(ctx, upstream, host, opts)
		timer.EndTLS()
		if err != nil {
			if errors.IsTimeout(err) {
				c.Fail(errors.NewTimeout("forward.tls_handshake", err))
			} else {
				c.Fail(errors.NewUpstreamTLS(host, port, err))
			}
			return
		}
		upstream = tlsConn
	}

	_ = upstream.SetDeadline(time.Now().Add(opts.IdleReadTimeout))

	if err := writeUpstreamRequest(upstream, c.Request); err != nil {
		c.Fail(errors.NewIO("forward.write_request", err))
		return
	}

	reader := bufio.NewReader(upstream)
	timer.StartTTFB()
	resp, err := message.ReadResponse(reader, c.Request.Method)
	timer.EndTTFB()
	if err != nil {
		c.Fail(classifyUpstreamReadError(host, port, err))
		return
	}

	if hooks.OnResponseReceived != nil {
		hooks.OnResponseReceived(c, resp)
	}

	if err := relayResponse(c, resp, hooks); err != nil {
		c.Fail(err)
		return
	}
	_ = resp.Body.Close()

	if hooks.OnResponseComplete != nil {
		hooks.OnResponseComplete(c)
	}
	if opts.OnTimings != nil {
		opts.OnTimings(c, timer.Metrics())
	}
}

// writeUpstreamRequest writes req to w in origin-form, stripping hop-by-hop
// headers and streaming the body through unmodified.
func writeUpstreamRequest(w io.Writer, req *message.Request) error {
	if err := message.WriteRequestLine(w, req.Method, originForm(req.Target), "HTTP/1.1"); err != nil {
		return err
	}
	hdrs := stripHopByHop(req.Headers)
	if !hdrs.Has("Host") {
		hdrs.Set("Host", req.Host())
	}
	if _, err := hdrs.WriteTo(w); err != nil {
		return err
	}
	if _, err := io.WriteString(w, "\r\n"); err != nil {
		return err
	}
	if req.Body != nil {
		if _, err := io.Copy(w, req.Body); err != nil {
			return err
		}
	}
	return nil
}

// relayResponse writes resp's status line, headers, and body to c. The body
// is re-framed as chunked whenever OnResponseChunk is set (it may change
// chunk lengths) or the upstream response did not declare a single
// Content-Length.
func relayResponse(c *proxyhandler.Conn, resp *message.Response, hooks Hooks) error {
	respHeaders := stripHopByHop(resp.Headers)

	fixedLen, hasFixed := resp.FixedContentLength()
	useChunked := resp.HasBody() && (hooks.OnResponseChunk != nil || !hasFixed)

	switch {
	case !resp.HasBody():
		respHeaders.Del("Content-Length")
		respHeaders.Del("Transfer-Encoding")
	case useChunked:
		respHeaders.Del("Content-Length")
		respHeaders.Set("Transfer-Encoding", "chunked")
	default:
		respHeaders.Set("Content-Length", strconv.FormatInt(fixedLen, 10))
	}
	respHeaders.Set("Connection", "close")

	reason := resp.Reason
	if reason == "" {
		reason = "OK"
	}

	var head bytes.Buffer
	if err := message.WriteStatusLine(&head, "HTTP/1.1", resp.StatusCode, reason); err != nil {
		return errors.NewIO("forward.write_status", err)
	}
	if _, err := respHeaders.WriteTo(&head); err != nil {
		return errors.NewIO("forward.write_headers", err)
	}
	head.WriteString("\r\n")
	if err := c.WriteResponse(head.Bytes()); err != nil {
		return err
	}

	writer := connWriter{c}
	if resp.HasBody() {
		buf := make([]byte, 32*1024)
		for {
			n, rerr := resp.Body.Read(buf)
			if n > 0 {
				data := buf[:n]
				if hooks.OnResponseChunk != nil {
					data = hooks.OnResponseChunk(c, data)
				}
				if len(data) > 0 {
					if useChunked {
						if err := message.WriteChunk(writer, data); err != nil {
							return errors.NewIO("forward.write_chunk", err)
						}
					} else if err := c.WriteResponse(data); err != nil {
						return err
					}
				}
			}
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				return errors.NewUpstreamResponse(c.Host, c.Request.Port(), rerr)
			}
		}
	}

	if useChunked {
		if err := message.WriteChunkTerminator(writer); err != nil {
			return errors.NewIO("forward.write_chunk_terminator", err)
		}
	}
	return c.FlushResponse()
}

// connWriter adapts proxyhandler.Conn's buffered-write API to io.Writer for
// message.WriteChunk/WriteChunkTerminator.
type connWriter struct{ c *proxyhandler.Conn }

func (w connWriter) Write(p []byte) (int, error) {
	if err := w.c.WriteResponse(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func stripHopByHop(h *headers.Collection) *headers.Collection {
	out := h.Clone()
	for _, name := range hopByHopHeaders {
		out.Del(name)
	}
	for _, tok := range h.ConnectionTokens() {
		out.Del(tok)
	}
	return out
}

// originForm converts an absolute-form request target into the origin-form
// (path + query) that upstream servers expect; a target already in
// origin-form is returned unchanged.
func originForm(target string) string {
	if u, err := url.ParseRequestURI(target); err == nil && u.Host != "" {
		return u.RequestURI()
	}
	return target
}

func classifyDialError(host string, port int, err error) error {
	if errors.IsTimeout(err) {
		return errors.NewTimeout("forward.dial", err)
	}
	var dnsErr *net.DNSError
	if stderrors.As(err, &dnsErr) {
		return errors.NewUpstreamResolve(host, err)
	}
	return errors.NewUpstreamConnect(host, port, err)
}

func classifyUpstreamReadError(host string, port int, err error) error {
	if errors.IsTimeout(err) {
		return errors.NewTimeout("forward.read_response", err)
	}
	return errors.NewUpstreamResponse(host, port, err)
}
