// Package proxytest provides a scriptable HTTP CONNECT proxy for tests.
package proxytest

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"thordata-proxy-go/internal/gateway"
)

// DefaultReply grants the tunnel.
const DefaultReply = "HTTP/1.1 200 Connection established\r\n\r\n"

// Config scripts the proxy's behavior.
type Config struct {
	// TLS, when set, makes the proxy speak TLS to its clients.
	TLS *tls.Config
	// Reply is written verbatim after the CONNECT request is read.
	// Empty means DefaultReply.
	Reply string
	// Stall keeps the connection open without replying.
	Stall bool
	// Upstream overrides the address dialed for a granted tunnel.
	// Empty means the CONNECT authority.
	Upstream string
	// Tunnel, when set, serves the granted tunnel instead of piping it
	// upstream. br holds anything the client sent after CONNECT.
	Tunnel func(conn net.Conn, br *bufio.Reader)
}

// Request is a CONNECT request as seen by the proxy.
type Request struct {
	Method    string
	Authority string
	Header    http.Header
}

// Server is a running proxy. It is closed by the test's cleanup.
type Server struct {
	cfg Config
	ln  net.Listener

	mu       sync.Mutex
	requests []Request
	accepted int
	conns    map[net.Conn]struct{}

	wg sync.WaitGroup
}

// Start listens on a loopback port and serves until the test ends.
func Start(t testing.TB, cfg Config) *Server {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &Server{cfg: cfg, ln: ln, conns: make(map[net.Conn]struct{})}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Endpoint returns the gateway endpoint clients should use.
func (s *Server) Endpoint() gateway.Endpoint {
	addr := s.ln.Addr().(*net.TCPAddr)
	proto := gateway.ProtocolHTTP
	if s.cfg.TLS != nil {
		proto = gateway.ProtocolHTTPS
	}
	return gateway.Endpoint{Host: "127.0.0.1", Port: addr.Port, Protocol: proto}
}

// Requests returns the CONNECT requests received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Accepted returns the number of TCP connections accepted.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Close stops the listener, drops open connections and waits for handlers.
func (s *Server) Close() {
	_ = s.ln.Close()
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.accepted++
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.forget(c)
			s.handle(c)
		}()
	}
}

func (s *Server) forget(c net.Conn) {
	_ = c.Close()
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) handle(c net.Conn) {
	if s.cfg.TLS != nil {
		tc := tls.Server(c, s.cfg.TLS)
		if err := tc.Handshake(); err != nil {
			return
		}
		defer tc.Close()
		c = tc
	}

	br := bufio.NewReader(c)
	req, err := http.ReadRequest(br)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.requests = append(s.requests, Request{
		Method:    req.Method,
		Authority: req.RequestURI,
		Header:    req.Header.Clone(),
	})
	s.mu.Unlock()

	if s.cfg.Stall {
		_, _ = io.Copy(io.Discard, br)
		return
	}

	reply := s.cfg.Reply
	if reply == "" {
		reply = DefaultReply
	}
	if _, err := io.WriteString(c, reply); err != nil {
		return
	}
	if !granted(reply) {
		return
	}

	if s.cfg.Tunnel != nil {
		s.cfg.Tunnel(c, br)
		return
	}

	addr := s.cfg.Upstream
	if addr == "" {
		addr = req.RequestURI
	}
	up, err := net.Dial("tcp", addr)
	if err != nil {
		return
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = io.Copy(up, br)
		_ = up.Close()
	}()
	_, _ = io.Copy(c, up)
	_ = c.Close()
	_ = up.Close()
	<-done
}

func granted(reply string) bool {
	line, _, _ := strings.Cut(reply, "\r\n")
	fields := strings.Fields(line)
	return len(fields) >= 2 && fields[1] == "200"
}

// TLSConfig returns a server config with a certificate valid for 127.0.0.1
// and example.com, plus a pool that trusts it.
func TLSConfig(t testing.TB) (*tls.Config, *x509.CertPool) {
	t.Helper()

	srv := httptest.NewTLSServer(http.NotFoundHandler())
	defer srv.Close()

	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())
	return &tls.Config{Certificates: srv.TLS.Certificates}, pool
}

// Respond returns a Config.Tunnel that reads one HTTP request from the tunnel
// and writes raw back. seen, if set, receives the request.
func Respond(raw string, seen func(*http.Request)) func(net.Conn, *bufio.Reader) {
	return func(c net.Conn, br *bufio.Reader) {
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		if seen != nil {
			seen(req)
		}
		_, _ = io.WriteString(c, raw)
	}
}
