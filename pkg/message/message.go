// Package message implements HTTP/1.1 request and response parsing directly
// off a buffered byte stream, independent of net/http. It backs both the
// client-facing request reader and the upstream response reader.
package message

import (
	"bufio"
	"strings"

	"github.com/relayhq/mitmproxy/pkg/constants"
	"github.com/relayhq/mitmproxy/pkg/errors"
)

// readLine reads one CRLF- or LF-terminated line, stripping the terminator,
// and rejects lines beyond maxLen bytes (read incrementally so an attacker
// cannot force an unbounded buffer by withholding the terminator).
func readLine(r *bufio.Reader, maxLen int, op string) (string, error) {
	var sb strings.Builder
	for {
		chunk, err := r.ReadSlice('\n')
		sb.Write(chunk)
		if sb.Len() > maxLen {
			return "", errors.NewClientParse(op, "line exceeds maximum length", nil)
		}
		if err == nil {
			break
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return "", errors.NewClientParse(op, "reading line", err)
	}
	line := strings.TrimSuffix(sb.String(), "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, nil
}

// readHeaderBlock reads header lines (including folded continuations) up to
// the terminating blank line, enforcing a total byte budget.
func readHeaderBlock(r *bufio.Reader) ([]string, error) {
	var lines []string
	total := 0
	for {
		line, err := readLine(r, constants.MaxHeaderLineLength, "headers.readline")
		if err != nil {
			return nil, err
		}
		total += len(line) + 2
		if total > constants.MaxHeadersTotalBytes {
			return nil, errors.NewClientParse("headers.read", "headers too large", nil)
		}
		if line == "" {
			break
		}
		lines = append(lines, line)
		if len(lines) > constants.MaxHeaderCount {
			return nil, errors.NewClientParse("headers.read", "too many header fields", nil)
		}
	}
	return lines, nil
}
