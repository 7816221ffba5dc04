package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// maxChunkLine bounds a chunk-size or trailer line.
const maxChunkLine = 4096

// DecodeChunked decodes a Transfer-Encoding: chunked body from r. Reading
// stops right after the blank line that ends the trailer section.
// limit > 0 caps the decoded size.
func DecodeChunked(r io.Reader, limit int64) ([]byte, error) {
	var body bytes.Buffer
	for {
		line, err := readLine(r, maxChunkLine)
		if err != nil {
			return nil, chunkReadError("chunk size", err)
		}

		size, err := parseChunkSize(line)
		if err != nil {
			return nil, err
		}
		if size == 0 {
			break
		}
		if limit > 0 && int64(body.Len())+size > limit {
			return nil, fmt.Errorf("%w: exceeds %d bytes", ErrBodyTooLarge, limit)
		}

		if _, err := io.CopyN(&body, r, size); err != nil {
			return nil, chunkReadError("chunk data", err)
		}

		var crlf [2]byte
		if _, err := io.ReadFull(r, crlf[:]); err != nil {
			return nil, chunkReadError("chunk terminator", err)
		}
		if crlf != [2]byte{'\r', '\n'} {
			return nil, fmt.Errorf("%w: missing CRLF after chunk data", ErrMalformedChunk)
		}
	}

	// Trailers are consumed and dropped.
	for {
		line, err := readLine(r, maxChunkLine)
		if err != nil {
			return nil, chunkReadError("trailer", err)
		}
		if line == "" {
			return body.Bytes(), nil
		}
	}
}

func parseChunkSize(line string) (int64, error) {
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return 0, fmt.Errorf("%w: empty size line", ErrMalformedChunk)
	}
	if strings.TrimLeft(line, "0123456789abcdefABCDEF") != "" {
		return 0, fmt.Errorf("%w: bad size %q", ErrMalformedChunk, line)
	}
	size, err := strconv.ParseInt(line, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad size %q", ErrMalformedChunk, line)
	}
	return size, nil
}

// chunkReadError maps end-of-stream to ErrTruncatedChunk and keeps other
// read failures (timeouts, resets) intact for the caller to classify.
func chunkReadError(what string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: stream ended in %s", ErrTruncatedChunk, what)
	}
	if errors.Is(err, ErrMalformedChunk) {
		return err
	}
	return fmt.Errorf("read %s: %w", what, err)
}
