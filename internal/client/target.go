package client

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// hostProfile maps internationalized host names to their ASCII form. STD3
// rules are off so that hosts with underscores still resolve.
var hostProfile = idna.New(
	idna.MapForLookup(),
	idna.StrictDomainName(false),
	idna.Transitional(false),
)

// Target is a parsed fetch URL.
type Target struct {
	Scheme   string
	Host     string // ASCII; IPv6 literals without brackets
	Port     int
	Path     string // escaped, never empty
	RawQuery string
}

// ParseTarget validates and splits an http or https URL. Ports default to
// 80 and 443, the path to "/".
func ParseTarget(raw string) (Target, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Target{}, fmt.Errorf("invalid url: %w", err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return Target{}, fmt.Errorf("unsupported url scheme %q (want http or https)", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return Target{}, fmt.Errorf("url %q has no host", raw)
	}
	if net.ParseIP(host) == nil {
		if host, err = hostProfile.ToASCII(host); err != nil {
			return Target{}, fmt.Errorf("invalid host %q: %w", u.Hostname(), err)
		}
	}

	port := defaultPort(scheme)
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return Target{}, fmt.Errorf("invalid port %q", p)
		}
		port = n
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}

	return Target{
		Scheme:   scheme,
		Host:     host,
		Port:     port,
		Path:     path,
		RawQuery: u.RawQuery,
	}, nil
}

// TLS reports whether the target expects TLS inside the tunnel.
func (t Target) TLS() bool {
	return t.Scheme == "https"
}

// Authority returns host:port for the CONNECT request line.
func (t Target) Authority() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// HostHeader returns the Host header value; the port is left out when it is
// the scheme's default.
func (t Target) HostHeader() string {
	if t.Port == defaultPort(t.Scheme) {
		if strings.Contains(t.Host, ":") {
			return "[" + t.Host + "]"
		}
		return t.Host
	}
	return t.Authority()
}

// RequestURI returns the origin-form request target.
func (t Target) RequestURI() string {
	if t.RawQuery == "" {
		return t.Path
	}
	return t.Path + "?" + t.RawQuery
}

func (t Target) String() string {
	return t.Scheme + "://" + t.HostHeader() + t.RequestURI()
}

func defaultPort(scheme string) int {
	if scheme == "https" {
		return 443
	}
	return 80
}
