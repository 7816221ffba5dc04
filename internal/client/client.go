// Package client fetches URLs through the Thordata proxy gateway, one
// CONNECT tunnel per request.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"thordata-proxy-go/internal/config"
	"thordata-proxy-go/internal/gateway"
	"thordata-proxy-go/internal/metrics"
	"thordata-proxy-go/internal/model"
	"thordata-proxy-go/internal/tunnel"
	"thordata-proxy-go/internal/wire"
)

// Version is reported in the default User-Agent.
var Version = "0.1.0"

// DefaultTimeout applies when neither the request nor the client sets one.
const DefaultTimeout = 30 * time.Second

// DefaultUserAgent identifies this client, its Go runtime and platform.
func DefaultUserAgent() string {
	return fmt.Sprintf("thordata-proxy-go/%s go/%s (%s/%s)",
		Version, strings.TrimPrefix(runtime.Version(), "go"), runtime.GOOS, runtime.GOARCH)
}

// Options are the client-wide defaults. Zero fields fall back to package
// defaults.
type Options struct {
	Proxy      gateway.Endpoint
	Credential *gateway.Credential
	UserAgent  string
	Timeout    time.Duration

	MaxHeaderBytes int
	MaxBodyBytes   int64

	ProxyTLS  *tls.Config
	TargetTLS *tls.Config
}

// Request is a single fetch. Zero fields take the client's defaults.
type Request struct {
	URL        string
	Proxy      gateway.Endpoint
	Credential *gateway.Credential
	UserAgent  string
	Timeout    time.Duration
}

// TunnelClient performs GET requests through a forward proxy. Connections are
// never reused. It is safe for concurrent use.
type TunnelClient struct {
	opts    Options
	reader  wire.Reader
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a TunnelClient. The metrics parameter is optional; pass nil to
// disable fetch metrics recording.
func New(opts Options, logger *slog.Logger, m *metrics.Metrics) *TunnelClient {
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &TunnelClient{
		opts: opts,
		reader: wire.Reader{
			MaxHeaderBytes: opts.MaxHeaderBytes,
			MaxBodyBytes:   opts.MaxBodyBytes,
		},
		logger:  logger.With("component", "tunnel_client"),
		metrics: m,
	}
}

// NewTunnelClient builds a TunnelClient from the loaded configuration.
func NewTunnelClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*TunnelClient, error) {
	base := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.Fetch.CAFile != "" {
		pool, err := loadCertPool(cfg.Fetch.CAFile)
		if err != nil {
			return nil, err
		}
		base.RootCAs = pool
	}

	proxyTLS := base.Clone()
	if cfg.Gateway.InsecureSkipVerify {
		proxyTLS.InsecureSkipVerify = true //nolint:gosec // opt-in for gateways fronted by private certificates
		logger.Warn("proxy certificate verification disabled", "proxy", cfg.Gateway.Endpoint().String())
	}

	return New(Options{
		Proxy:          cfg.Gateway.Endpoint(),
		Credential:     cfg.Gateway.Credential(),
		UserAgent:      cfg.Fetch.UserAgent,
		Timeout:        cfg.Fetch.Timeout(),
		MaxHeaderBytes: cfg.Fetch.MaxHeaderBytes,
		MaxBodyBytes:   cfg.Fetch.MaxBodyBytes,
		ProxyTLS:       proxyTLS,
		TargetTLS:      base,
	}, logger, m), nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ca file: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("ca file %s contains no PEM certificates", path)
	}
	return pool, nil
}

// Defaults returns the client-wide options after defaults were applied.
func (c *TunnelClient) Defaults() Options {
	return c.opts
}

// Fetch GETs req.URL through the proxy and returns the full response. Any
// HTTP status from the target, including 4xx and 5xx, is a successful fetch.
// Errors are *model.FetchError. The connection is closed before Fetch returns.
func (c *TunnelClient) Fetch(ctx context.Context, req Request) (resp *model.ProxyResponse, err error) {
	start := time.Now()
	scheme := ""
	defer func() {
		c.record(scheme, start, resp, err)
	}()

	target, err := ParseTarget(req.URL)
	if err != nil {
		return nil, configError(err)
	}
	scheme = target.Scheme

	proxy := req.Proxy
	if proxy == (gateway.Endpoint{}) {
		proxy = c.opts.Proxy
	}
	if err := proxy.Validate(); err != nil {
		return nil, configError(err)
	}

	cred := req.Credential
	if cred == nil {
		cred = c.opts.Credential
	}
	if cred != nil && !cred.Complete() {
		return nil, configError(errors.New("proxy credentials require a username and a password"))
	}

	userAgent := req.UserAgent
	if userAgent == "" {
		userAgent = c.opts.UserAgent
	}
	if strings.ContainsAny(userAgent, "\r\n") {
		return nil, configError(errors.New("user agent must not contain line breaks"))
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.opts.Timeout
	}

	logger := c.logger.With("target", target.Authority(), "proxy", proxy.String())
	logger.Debug("fetch started", "scheme", target.Scheme, "auth", cred != nil)

	d := &tunnel.Dialer{
		Endpoint:       proxy,
		Credential:     cred,
		UserAgent:      userAgent,
		Timeout:        timeout,
		ProxyTLS:       c.opts.ProxyTLS,
		TargetTLS:      c.opts.TargetTLS,
		MaxHeaderBytes: c.opts.MaxHeaderBytes,
		Logger:         logger,
	}
	if c.metrics != nil {
		d.Observe = func(phase model.Phase, elapsed time.Duration) {
			c.metrics.ObserveTunnelPhase(string(phase), elapsed)
		}
	}

	conn, err := d.Dial(ctx, tunnel.Target{Host: target.Host, Port: target.Port, TLS: target.TLS()})
	if err != nil {
		logger.Debug("tunnel failed", "error", err)
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	stop := tunnel.WatchContext(ctx, conn)
	defer stop()

	if _, err := conn.Write(requestBytes(target, userAgent)); err != nil {
		conn.Advance(tunnel.StateFailed)
		return nil, model.NewFetchError(model.KindIO, model.PhaseRequest, tunnel.CauseOf(ctx, fmt.Errorf("write request: %w", err)))
	}
	conn.Advance(tunnel.StateRequestSent)

	resp, err = c.reader.ReadResponse(conn)
	if err != nil {
		conn.Advance(tunnel.StateFailed)
		return nil, model.NewFetchError(responseKind(err), model.PhaseResponse, tunnel.CauseOf(ctx, err))
	}
	conn.Advance(tunnel.StateResponseComplete)

	logger.Debug("fetch complete",
		"status", resp.StatusCode,
		"bytes", len(resp.Body),
		"state", conn.State(),
		"duration", time.Since(start),
	)
	return resp, nil
}

// requestBytes renders the GET request sent inside the tunnel.
func requestBytes(t Target, userAgent string) []byte {
	var b strings.Builder
	b.WriteString("GET " + t.RequestURI() + " HTTP/1.1\r\n")
	b.WriteString("Host: " + t.HostHeader() + "\r\n")
	if userAgent != "" {
		b.WriteString("User-Agent: " + userAgent + "\r\n")
	}
	b.WriteString("Connection: close\r\n\r\n")
	return []byte(b.String())
}

var parseErrors = []error{
	wire.ErrIncompleteHeaders,
	wire.ErrHeaderTooLarge,
	wire.ErrMalformedChunk,
	wire.ErrTruncatedChunk,
	wire.ErrShortBody,
	wire.ErrBodyTooLarge,
	wire.ErrConflictingLength,
}

func responseKind(err error) model.Kind {
	for _, target := range parseErrors {
		if errors.Is(err, target) {
			return model.KindResponseParse
		}
	}
	return model.KindIO
}

func configError(err error) error {
	return model.NewFetchError(model.KindConfiguration, model.PhaseConfig, err)
}

func (c *TunnelClient) record(scheme string, start time.Time, resp *model.ProxyResponse, err error) {
	if c.metrics == nil {
		return
	}
	outcome := metrics.OutcomeOK
	if err != nil {
		outcome = metrics.OutcomeError
	}
	c.metrics.ObserveFetch(scheme, outcome, time.Since(start))
	if resp != nil {
		c.metrics.ObserveTargetResponse(resp.StatusCode)
	}
}
