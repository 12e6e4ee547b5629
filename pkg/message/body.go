package message

import (
	"bufio"
	"io"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/relayhq/mitmproxy/pkg/constants"
	"github.com/relayhq/mitmproxy/pkg/errors"
)

// BodyReader streams a single HTTP message body. It is single-pass: once
// exhausted or closed it cannot be rewound.
type BodyReader interface {
	io.Reader
	Close() error
}

// bodyKind records how a body reader was framed, so a forwarding writer
// knows whether it can pass the original framing through unchanged.
type bodyKind int

const (
	bodyKindEmpty bodyKind = iota
	bodyKindFixed
	bodyKindChunked
	bodyKindUntilClose
)

type emptyBody struct{}

func (emptyBody) Read([]byte) (int, error) { return 0, io.EOF }
func (emptyBody) Close() error             { return nil }

// fixedBody reads exactly N bytes from the underlying stream.
type fixedBody struct {
	r         *bufio.Reader
	remaining int64
}

func (b *fixedBody) Read(p []byte) (int, error) {
	if b.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > b.remaining {
		p = p[:b.remaining]
	}
	n, err := b.r.Read(p)
	b.remaining -= int64(n)
	if err == io.EOF && b.remaining > 0 {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

func (b *fixedBody) Close() error {
	b.remaining = 0
	return nil
}

// chunkedBody decodes chunked transfer-coding (RFC 7230 §4.1). Trailers are
// read and discarded.
type chunkedBody struct {
	tp        *textproto.Reader
	remaining int64
	done      bool
}

func newChunkedBody(r *bufio.Reader) *chunkedBody {
	return &chunkedBody{tp: textproto.NewReader(r)}
}

func (b *chunkedBody) Read(p []byte) (int, error) {
	if b.done {
		return 0, io.EOF
	}
	if b.remaining == 0 {
		if err := b.nextChunkSize(); err != nil {
			return 0, err
		}
		if b.done {
			if err := b.readTrailers(); err != nil {
				return 0, err
			}
			return 0, io.EOF
		}
	}

	if int64(len(p)) > b.remaining {
		p = p[:b.remaining]
	}
	n, err := b.tp.R.Read(p)
	b.remaining -= int64(n)
	if err != nil {
		return n, errors.NewIO("chunked.read", err)
	}
	if b.remaining == 0 {
		if err := consumeCRLF(b.tp.R); err != nil {
			return n, errors.NewIO("chunked.crlf", err)
		}
	}
	return n, nil
}

func (b *chunkedBody) nextChunkSize() error {
	line, err := b.tp.ReadLine()
	if err != nil {
		return errors.NewClientParse("chunked.size", "reading chunk size", err)
	}
	sizeField := strings.SplitN(line, ";", 2)[0]
	size, err := strconv.ParseInt(strings.TrimSpace(sizeField), 16, 64)
	if err != nil || size < 0 {
		return errors.NewClientParse("chunked.size", "invalid chunk size: "+line, nil)
	}
	if size == 0 {
		b.done = true
		return nil
	}
	b.remaining = size
	return nil
}

func (b *chunkedBody) readTrailers() error {
	for {
		line, err := b.tp.ReadLine()
		if err != nil {
			return errors.NewClientParse("chunked.trailer", "reading trailer", err)
		}
		if line == "" {
			return nil
		}
	}
}

func (b *chunkedBody) Close() error {
	b.done = true
	return nil
}

func consumeCRLF(r *bufio.Reader) error {
	crlf := make([]byte, 2)
	_, err := io.ReadFull(r, crlf)
	return err
}

// untilCloseBody reads until the underlying connection is closed (EOF).
// Used for HTTP/1.0 responses and HTTP/1.1 responses that carry neither
// Content-Length nor Transfer-Encoding.
type untilCloseBody struct {
	r *bufio.Reader
}

func (b *untilCloseBody) Read(p []byte) (int, error) {
	return b.r.Read(p)
}

func (b *untilCloseBody) Close() error { return nil }

// bodyFraming decides which BodyReader to construct from a parsed header
// set. hasBody is false for framing-less requests/responses that never
// carry a body (e.g. GET requests, 204/304 responses, HEAD responses).
func bodyFraming(h headerLookup, r *bufio.Reader, hasBody bool) (BodyReader, bodyKind, error) {
	te, _ := h.Get("Transfer-Encoding")
	if strings.Contains(strings.ToLower(te), "chunked") {
		return newChunkedBody(r), bodyKindChunked, nil
	}

	clValues := h.GetAll("Content-Length")
	if len(clValues) > 0 {
		first := strings.TrimSpace(clValues[0])
		for _, v := range clValues[1:] {
			if strings.TrimSpace(v) != first {
				return nil, bodyKindEmpty, errors.NewClientParse("body.framing", "conflicting Content-Length values", nil)
			}
		}
		length, err := strconv.ParseInt(first, 10, 64)
		if err != nil || length < 0 {
			return nil, bodyKindEmpty, errors.NewClientParse("body.framing", "invalid Content-Length", nil)
		}
		if length > constants.MaxContentLength {
			return nil, bodyKindEmpty, errors.NewClientParse("body.framing", "Content-Length too large", nil)
		}
		if length == 0 {
			return emptyBody{}, bodyKindEmpty, nil
		}
		return &fixedBody{r: r, remaining: length}, bodyKindFixed, nil
	}

	if !hasBody {
		return emptyBody{}, bodyKindEmpty, nil
	}
	return &untilCloseBody{r: r}, bodyKindUntilClose, nil
}

type headerLookup interface {
	Get(name string) (string, bool)
	GetAll(name string) []string
}
