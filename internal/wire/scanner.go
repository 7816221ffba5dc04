// Package wire reads raw HTTP/1.1 responses off a byte stream without
// consuming anything beyond what each step needs.
//
// Nothing here buffers ahead: the CONNECT reply is followed on the same
// connection by a TLS handshake or the tunneled response, and the zero-size
// chunk of a chunked body may be followed by bytes that belong to the caller.
package wire

import (
	"errors"
	"fmt"
	"io"
)

var (
	ErrIncompleteHeaders = errors.New("incomplete headers")
	ErrHeaderTooLarge    = errors.New("header block too large")
	ErrMalformedChunk    = errors.New("malformed chunk")
	ErrTruncatedChunk    = errors.New("truncated chunk")
	ErrShortBody         = errors.New("body shorter than content-length")
	ErrBodyTooLarge      = errors.New("body too large")
	ErrConflictingLength = errors.New("conflicting content-length values")
)

// DefaultMaxHeaderBytes bounds a header block when no limit is given.
const DefaultMaxHeaderBytes = 64 << 10

// headerBoundary is CR LF CR LF packed big-endian.
const headerBoundary = 0x0d0a0d0a

// ReadHeaderBlock reads r one byte at a time until CR LF CR LF and returns
// every byte read, boundary included. No byte after the boundary is read.
// limit <= 0 means DefaultMaxHeaderBytes.
func ReadHeaderBlock(r io.Reader, limit int) ([]byte, error) {
	if limit <= 0 {
		limit = DefaultMaxHeaderBytes
	}

	var (
		buf    = make([]byte, 0, 512)
		one    [1]byte
		window uint32
	)
	for {
		n, err := r.Read(one[:])
		if n == 1 {
			buf = append(buf, one[0])
			window = window<<8 | uint32(one[0])
			if window == headerBoundary {
				return buf, nil
			}
			if len(buf) >= limit {
				return nil, fmt.Errorf("%w: more than %d bytes", ErrHeaderTooLarge, limit)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: stream ended after %d bytes", ErrIncompleteHeaders, len(buf))
			}
			return nil, fmt.Errorf("read header: %w", err)
		}
	}
}

// readLine reads one line terminated by LF and returns it without the
// line ending. A CR before the LF is stripped.
func readLine(r io.Reader, limit int) (string, error) {
	var (
		buf []byte
		one [1]byte
	)
	for {
		n, err := r.Read(one[:])
		if n == 1 {
			if one[0] == '\n' {
				if l := len(buf); l > 0 && buf[l-1] == '\r' {
					buf = buf[:l-1]
				}
				return string(buf), nil
			}
			buf = append(buf, one[0])
			if len(buf) > limit {
				return "", fmt.Errorf("%w: line longer than %d bytes", ErrMalformedChunk, limit)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", io.ErrUnexpectedEOF
			}
			return "", err
		}
	}
}
