// Package model defines shared types for the proxy.
package model

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// ProxyResponse is a fully read response received through a tunnel.
type ProxyResponse struct {
	StatusCode int
	StatusLine string
	Header     Header
	Body       []byte
}

// BodyText decodes the body as UTF-8, replacing invalid sequences.
func (r *ProxyResponse) BodyText() string {
	if utf8.Valid(r.Body) {
		return string(r.Body)
	}
	return strings.ToValidUTF8(string(r.Body), "�")
}

// Header is an insertion-ordered header map with lower-cased keys.
// Setting an existing key replaces its value but keeps its position.
// The zero value is ready to use.
type Header struct {
	keys []string
	vals map[string]string
}

// Set stores value under the lower-cased key.
func (h *Header) Set(key, value string) {
	key = strings.ToLower(key)
	if h.vals == nil {
		h.vals = make(map[string]string)
	}
	if _, ok := h.vals[key]; !ok {
		h.keys = append(h.keys, key)
	}
	h.vals[key] = value
}

// Get returns the value for key, case-insensitively, or "".
func (h Header) Get(key string) string {
	return h.vals[strings.ToLower(key)]
}

// Lookup is like Get but reports presence.
func (h Header) Lookup(key string) (string, bool) {
	v, ok := h.vals[strings.ToLower(key)]
	return v, ok
}

// Keys returns the keys in first-seen order.
func (h Header) Keys() []string {
	out := make([]string, len(h.keys))
	copy(out, h.keys)
	return out
}

// Len returns the number of distinct keys.
func (h Header) Len() int {
	return len(h.keys)
}

// Map returns a copy as a plain map.
func (h Header) Map() map[string]string {
	out := make(map[string]string, len(h.vals))
	for k, v := range h.vals {
		out[k] = v
	}
	return out
}

// MarshalJSON encodes the header as a JSON object in key order.
func (h Header) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range h.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(h.vals[k])
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
