package message

import (
	"bufio"
	"strconv"
	"strings"

	"github.com/relayhq/mitmproxy/pkg/errors"
	"github.com/relayhq/mitmproxy/pkg/headers"
)

const maxStatusLineLength = 8 * 1024

// Response is an HTTP response parsed directly off the wire.
type Response struct {
	Version    string
	StatusCode int
	Reason     string
	Headers    *headers.Collection
	Body       BodyReader

	bodyKind bodyKind
}

// ReadResponse parses one HTTP response from r. method is the request
// method that produced this response (HEAD responses never carry a body
// regardless of framing headers).
func ReadResponse(r *bufio.Reader, method string) (*Response, error) {
	statusLine, err := readLine(r, maxStatusLineLength, "response.status")
	if err != nil {
		return nil, err
	}

	parts := strings.SplitN(statusLine, " ", 3)
	if len(parts) < 2 {
		return nil, errors.NewClientParse("response.status", "malformed status line: "+statusLine, nil)
	}
	version := parts[0]
	if version != "HTTP/1.1" && version != "HTTP/1.0" {
		return nil, errors.NewClientParse("response.status", "unsupported HTTP version: "+version, nil)
	}

	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, errors.NewClientParse("response.status", "invalid status code: "+parts[1], nil)
	}
	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}

	headerLines, err := readHeaderBlock(r)
	if err != nil {
		return nil, err
	}
	hdrs, err := headers.Parse(headerLines)
	if err != nil {
		return nil, err
	}

	hasBody := hasResponseBody(method, code)
	var body BodyReader
	var kind bodyKind
	if !hasBody {
		body, kind = emptyBody{}, bodyKindEmpty
	} else if version == "HTTP/1.0" && !hasFramingHeader(hdrs) {
		body, kind = &untilCloseBody{r: r}, bodyKindUntilClose
	} else {
		body, kind, err = bodyFraming(hdrs, r, true)
		if err != nil {
			return nil, err
		}
	}

	return &Response{
		Version:    version,
		StatusCode: code,
		Reason:     reason,
		Headers:    hdrs,
		Body:       body,
		bodyKind:   kind,
	}, nil
}

func hasFramingHeader(h *headers.Collection) bool {
	if h.Has("Transfer-Encoding") {
		return true
	}
	return h.Has("Content-Length")
}

// hasResponseBody implements RFC 9110 §6.4.1: 1xx, 204, 304, and responses
// to HEAD never carry a body regardless of what the headers claim.
func hasResponseBody(method string, statusCode int) bool {
	if strings.ToUpper(method) == "HEAD" {
		return false
	}
	if statusCode >= 100 && statusCode < 200 {
		return false
	}
	return statusCode != 204 && statusCode != 304
}

// IsChunked reports whether the body was (or, for a forwarded body that the
// handler has not modified, should be) framed as chunked transfer-coding.
func (resp *Response) IsChunked() bool {
	return resp.bodyKind == bodyKindChunked
}

// HasBody reports whether this response carries a body at all. It is false
// for 1xx/204/304 statuses and responses to HEAD, which must never be
// framed with Content-Length or Transfer-Encoding when relayed.
func (resp *Response) HasBody() bool {
	return resp.bodyKind != bodyKindEmpty
}

// FixedContentLength returns the declared body length and true when the
// response was framed with a single, well-formed Content-Length header. A
// forwarding writer that passes such a body through unmodified can keep the
// original framing instead of re-chunking it.
func (resp *Response) FixedContentLength() (int64, bool) {
	if resp.bodyKind != bodyKindFixed {
		return 0, false
	}
	raw, ok := resp.Headers.Get("Content-Length")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
