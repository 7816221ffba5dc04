// Package tunnel opens HTTP CONNECT tunnels through a forward proxy.
//
// A tunnel is a chain of connections: TCP to the proxy, optionally TLS to the
// proxy on top of it, and, once the proxy grants the CONNECT, optionally a
// second TLS session to the target running inside the first. Each layer owns
// the one beneath it, so closing the returned Conn closes the whole chain.
package tunnel

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"thordata-proxy-go/internal/gateway"
	"thordata-proxy-go/internal/model"
	"thordata-proxy-go/internal/wire"
)

// State is the lifecycle position of a tunneled connection.
type State int

const (
	StateUnconnected State = iota
	StateTCPConnected
	StateProxyTLSEstablished
	StateTunnelGranted
	StateTargetTLSEstablished
	StateRequestSent
	StateResponseComplete
	StateFailed
)

var stateNames = [...]string{
	StateUnconnected:          "unconnected",
	StateTCPConnected:         "tcp_connected",
	StateProxyTLSEstablished:  "proxy_tls_established",
	StateTunnelGranted:        "tunnel_granted",
	StateTargetTLSEstablished: "target_tls_established",
	StateRequestSent:          "request_sent",
	StateResponseComplete:     "response_complete",
	StateFailed:               "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
	return stateNames[s]
}

// Target is the host:port the proxy is asked to reach.
type Target struct {
	Host string
	Port int
	// TLS layers a TLS session to Host over the granted tunnel.
	TLS bool
}

// Authority returns host:port as used in the CONNECT request line.
func (t Target) Authority() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Conn is a ready-to-use connection to the target. Closing it closes every
// layer of the chain.
type Conn struct {
	net.Conn

	// ConnectStatus is the proxy's reply to CONNECT.
	ConnectStatus string

	state State
}

// State returns the last lifecycle state reached.
func (c *Conn) State() State {
	return c.state
}

// Advance records the connection has reached s.
func (c *Conn) Advance(s State) {
	c.state = s
}

// Dialer opens tunnels through one proxy endpoint. Its fields must not be
// modified while Dial is running.
type Dialer struct {
	Endpoint gateway.Endpoint
	// Credential authenticates the CONNECT request; nil sends no
	// Proxy-Authorization header.
	Credential *gateway.Credential
	UserAgent  string
	// Timeout bounds the TCP connect and every subsequent read or write.
	Timeout time.Duration

	// ProxyTLS is the base config for the leg to an https proxy.
	// ServerName defaults to the proxy host.
	ProxyTLS *tls.Config
	// TargetTLS is the base config for the leg to an https target.
	// ServerName is always the target host.
	TargetTLS *tls.Config

	MaxHeaderBytes int
	Logger         *slog.Logger
	// Observe, when set, receives the duration of each completed phase.
	Observe func(phase model.Phase, d time.Duration)
}

// Dial connects to the proxy, negotiates the tunnel to target and returns the
// innermost connection. Errors are *model.FetchError; on error every layer
// opened so far is closed.
func (d *Dialer) Dial(ctx context.Context, target Target) (_ *Conn, err error) {
	logger := d.logger().With("proxy", d.Endpoint.Addr(), "target", target.Authority())

	start := time.Now()
	nd := &net.Dialer{Timeout: d.Timeout}
	raw, err := nd.DialContext(ctx, "tcp", d.Endpoint.Addr())
	if err != nil {
		return nil, model.NewFetchError(model.KindConnect, model.PhaseProxyConnect, CauseOf(ctx, err))
	}
	d.observe(model.PhaseProxyConnect, start)
	logger.Debug("proxy connected", "remote", raw.RemoteAddr().String())

	conn := newIdleConn(raw, d.Timeout)
	defer func() {
		if err != nil {
			_ = conn.Close()
		}
	}()

	stop := WatchContext(ctx, raw)
	defer stop()

	state := StateTCPConnected

	if d.Endpoint.TLS() {
		start = time.Now()
		tc := tls.Client(conn, d.proxyTLSConfig())
		conn = tc
		if err = tc.HandshakeContext(ctx); err != nil {
			return nil, model.NewFetchError(model.KindTLSHandshake, model.PhaseProxyTLS, CauseOf(ctx, err))
		}
		state = StateProxyTLSEstablished
		d.observe(model.PhaseProxyTLS, start)
		logger.Debug("proxy tls established", "version", tls.VersionName(tc.ConnectionState().Version))
	}

	start = time.Now()
	statusLine, err := d.negotiate(ctx, conn, target)
	if err != nil {
		return nil, err
	}
	state = StateTunnelGranted
	d.observe(model.PhaseTunnel, start)
	logger.Debug("tunnel granted", "status", statusLine, "state", state)

	if target.TLS {
		start = time.Now()
		tc := tls.Client(conn, d.targetTLSConfig(target.Host))
		conn = tc
		if err = tc.HandshakeContext(ctx); err != nil {
			return nil, model.NewFetchError(model.KindTLSHandshake, model.PhaseTargetTLS, CauseOf(ctx, err))
		}
		state = StateTargetTLSEstablished
		d.observe(model.PhaseTargetTLS, start)
		logger.Debug("target tls established", "version", tls.VersionName(tc.ConnectionState().Version))
	}

	return &Conn{Conn: conn, ConnectStatus: statusLine, state: state}, nil
}

// negotiate sends CONNECT and reads the proxy's reply up to, and not past,
// the end of its header block.
func (d *Dialer) negotiate(ctx context.Context, conn net.Conn, target Target) (string, error) {
	if _, err := conn.Write(d.connectRequest(target)); err != nil {
		return "", model.NewFetchError(model.KindIO, model.PhaseTunnel, CauseOf(ctx, fmt.Errorf("write CONNECT: %w", err)))
	}

	block, err := wire.ReadHeaderBlock(conn, d.MaxHeaderBytes)
	if err != nil {
		kind := model.KindIO
		if errors.Is(err, wire.ErrIncompleteHeaders) || errors.Is(err, wire.ErrHeaderTooLarge) {
			kind = model.KindResponseParse
		}
		return "", model.NewFetchError(kind, model.PhaseTunnel, CauseOf(ctx, fmt.Errorf("read CONNECT reply: %w", err)))
	}

	statusLine, header := wire.ParseHead(block)
	if _, code, _ := wire.ParseStatusLine(statusLine); code != 200 {
		return "", &model.FetchError{
			Kind:       model.KindTunnelRejected,
			Phase:      model.PhaseTunnel,
			StatusLine: statusLine,
			StatusCode: code,
			Header:     header,
		}
	}
	return statusLine, nil
}

func (d *Dialer) connectRequest(target Target) []byte {
	authority := target.Authority()

	var b bytes.Buffer
	b.WriteString("CONNECT " + authority + " HTTP/1.1\r\n")
	b.WriteString("Host: " + authority + "\r\n")
	if d.UserAgent != "" {
		b.WriteString("User-Agent: " + d.UserAgent + "\r\n")
	}
	if d.Credential != nil {
		b.WriteString("Proxy-Authorization: " + d.Credential.ProxyAuthorization() + "\r\n")
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

func (d *Dialer) proxyTLSConfig() *tls.Config {
	cfg := cloneTLS(d.ProxyTLS)
	if cfg.ServerName == "" {
		cfg.ServerName = d.Endpoint.Host
	}
	return cfg
}

func (d *Dialer) targetTLSConfig(host string) *tls.Config {
	cfg := cloneTLS(d.TargetTLS)
	cfg.ServerName = host
	return cfg
}

func cloneTLS(c *tls.Config) *tls.Config {
	if c == nil {
		return &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return c.Clone()
}

func (d *Dialer) observe(phase model.Phase, start time.Time) {
	if d.Observe != nil {
		d.Observe(phase, time.Since(start))
	}
}

func (d *Dialer) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return d.Logger
}
