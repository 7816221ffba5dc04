package wire

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"thordata-proxy-go/internal/model"
)

// Reader reads one HTTP/1.1 response. The zero value uses
// DefaultMaxHeaderBytes and no body limit.
type Reader struct {
	MaxHeaderBytes int
	MaxBodyBytes   int64
}

// ReadResponse reads the status line, headers and body from r. The body is
// framed by, in order of preference: chunked transfer coding, a parseable
// Content-Length, or the end of the stream.
func (rd Reader) ReadResponse(r io.Reader) (*model.ProxyResponse, error) {
	block, err := ReadHeaderBlock(r, rd.MaxHeaderBytes)
	if err != nil {
		return nil, err
	}

	statusLine, header := ParseHead(block)
	_, code, _ := ParseStatusLine(statusLine)

	resp := &model.ProxyResponse{
		StatusCode: code,
		StatusLine: statusLine,
		Header:     header,
	}

	switch {
	case isChunked(header.Get("transfer-encoding")):
		resp.Body, err = DecodeChunked(r, rd.MaxBodyBytes)
	default:
		n, ok, clErr := parseContentLength(header)
		switch {
		case clErr != nil:
			err = clErr
		case ok:
			resp.Body, err = rd.readFixed(r, n)
		default:
			resp.Body, err = rd.readToEOF(r)
		}
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (rd Reader) readFixed(r io.Reader, n int64) ([]byte, error) {
	if rd.MaxBodyBytes > 0 && n > rd.MaxBodyBytes {
		return nil, fmt.Errorf("%w: content-length %d exceeds %d", ErrBodyTooLarge, n, rd.MaxBodyBytes)
	}
	var body bytes.Buffer
	got, err := io.CopyN(&body, r, n)
	if err != nil {
		if got < n && isEOF(err) {
			return nil, fmt.Errorf("%w: got %d of %d bytes", ErrShortBody, got, n)
		}
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body.Bytes(), nil
}

func (rd Reader) readToEOF(r io.Reader) ([]byte, error) {
	if rd.MaxBodyBytes <= 0 {
		body, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		return body, nil
	}

	body, err := io.ReadAll(io.LimitReader(r, rd.MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > rd.MaxBodyBytes {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrBodyTooLarge, rd.MaxBodyBytes)
	}
	return body, nil
}

// ParseHead splits a header block into its first line and the header
// fields. Keys are lower-cased and trimmed; the last duplicate wins. Lines
// without a colon are skipped.
func ParseHead(block []byte) (string, model.Header) {
	var h model.Header
	lines := strings.Split(strings.TrimRight(string(block), "\r\n"), "\r\n")
	for _, line := range lines[1:] {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		h.Set(key, strings.TrimSpace(value))
	}
	return lines[0], h
}

// ParseStatusLine splits "HTTP/x.y <code> <reason>". A malformed line yields
// code 0.
func ParseStatusLine(line string) (proto string, code int, reason string) {
	proto, rest, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/") {
		return "", 0, ""
	}
	codeStr, reason, _ := strings.Cut(strings.TrimLeft(rest, " "), " ")
	if len(codeStr) != 3 {
		return proto, 0, ""
	}
	code, err := strconv.Atoi(codeStr)
	if err != nil || code < 100 {
		return proto, 0, ""
	}
	return proto, code, strings.TrimSpace(reason)
}

func isChunked(te string) bool {
	return strings.Contains(strings.ToLower(te), "chunked")
}

// parseContentLength reads the content-length header. An unparseable or
// negative value counts as absent. A comma-separated list is accepted when
// every member is the same length and is an error when the members differ.
func parseContentLength(h model.Header) (int64, bool, error) {
	v, ok := h.Lookup("content-length")
	if !ok {
		return 0, false, nil
	}
	var (
		n     int64
		found bool
	)
	for _, part := range strings.Split(v, ",") {
		m, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil || m < 0 {
			return 0, false, nil
		}
		if found && m != n {
			return 0, false, fmt.Errorf("%w: %q", ErrConflictingLength, v)
		}
		n, found = m, true
	}
	return n, true, nil
}

func isEOF(err error) bool {
	return err == io.EOF || err == io.ErrUnexpectedEOF
}
