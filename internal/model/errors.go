package model

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Kind classifies a fetch failure.
type Kind string

const (
	KindConfiguration  Kind = "configuration"
	KindConnect        Kind = "connect"
	KindTLSHandshake   Kind = "tls_handshake"
	KindTunnelRejected Kind = "tunnel_rejected"
	KindResponseParse  Kind = "response_parse"
	KindTimeout        Kind = "timeout"
	KindIO             Kind = "io"
)

// Phase names the step of a fetch that failed.
type Phase string

const (
	PhaseConfig       Phase = "config"
	PhaseProxyConnect Phase = "proxy_connect"
	PhaseProxyTLS     Phase = "proxy_tls"
	PhaseTunnel       Phase = "tunnel"
	PhaseTargetTLS    Phase = "target_tls"
	PhaseRequest      Phase = "request"
	PhaseResponse     Phase = "response"
)

// FetchError is returned for every failed fetch.
type FetchError struct {
	Kind  Kind
	Phase Phase

	// Set for KindTunnelRejected.
	StatusLine string
	StatusCode int
	Header     Header

	Err error
}

func (e *FetchError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Phase))
	b.WriteString(": ")
	switch {
	case e.Kind == KindTunnelRejected:
		b.WriteString("CONNECT rejected: ")
		b.WriteString(e.StatusLine)
	case e.Err != nil:
		if e.Kind == KindTimeout {
			b.WriteString("timeout: ")
		}
		b.WriteString(e.Err.Error())
	default:
		b.WriteString(string(e.Kind))
	}
	return b.String()
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewFetchError wraps err for phase. Timeouts are reported as KindTimeout
// whatever kind the caller suggested.
func NewFetchError(kind Kind, phase Phase, err error) *FetchError {
	if IsTimeout(err) {
		kind = KindTimeout
	}
	return &FetchError{Kind: kind, Phase: phase, Err: err}
}

// KindOf returns the Kind of the first FetchError in err's chain, or "".
func KindOf(err error) Kind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
