package message

import (
	"fmt"
	"io"
)

// WriteRequestLine writes "<method> <target> <version>\r\n".
func WriteRequestLine(w io.Writer, method, target, version string) error {
	_, err := fmt.Fprintf(w, "%s %s %s\r\n", method, target, version)
	return err
}

// WriteStatusLine writes "<version> <code> <reason>\r\n".
func WriteStatusLine(w io.Writer, version string, code int, reason string) error {
	_, err := fmt.Fprintf(w, "%s %d %s\r\n", version, code, reason)
	return err
}

// WriteChunk writes one chunked transfer-coding chunk. An empty data slice
// writes nothing (callers use WriteChunkTerminator to end the stream).
func WriteChunk(w io.Writer, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if _, err := fmt.Fprintf(w, "%x\r\n", len(data)); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// WriteChunkTerminator writes the zero-length closing chunk with no trailers.
func WriteChunkTerminator(w io.Writer) error {
	_, err := io.WriteString(w, "0\r\n\r\n")
	return err
}
