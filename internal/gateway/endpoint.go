package gateway

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Protocol selects how the client talks to the proxy itself.
type Protocol string

const (
	ProtocolHTTP  Protocol = "http"
	ProtocolHTTPS Protocol = "https"
)

// ParseProtocol normalizes s to a Protocol.
func ParseProtocol(s string) (Protocol, error) {
	switch p := Protocol(strings.ToLower(strings.TrimSpace(s))); p {
	case ProtocolHTTP, ProtocolHTTPS:
		return p, nil
	default:
		return "", fmt.Errorf("unknown proxy protocol %q (want http or https)", s)
	}
}

// Product is a Thordata proxy network.
type Product string

const (
	Residential Product = "residential"
	Datacenter  Product = "datacenter"
	Mobile      Product = "mobile"
	ISP         Product = "isp"
)

var defaultEndpoints = map[Product]Endpoint{
	Residential: {Host: "t.pr.thordata.net", Port: 9999},
	Datacenter:  {Host: "dc.pr.thordata.net", Port: 7777},
	Mobile:      {Host: "m.pr.thordata.net", Port: 5555},
	ISP:         {Host: "isp.pr.thordata.net", Port: 6666},
}

// ParseProduct normalizes s to a Product. An empty string means Residential.
func ParseProduct(s string) (Product, error) {
	p := Product(strings.ToLower(strings.TrimSpace(s)))
	if p == "" {
		return Residential, nil
	}
	if _, ok := defaultEndpoints[p]; !ok {
		return "", fmt.Errorf("unknown proxy product %q (want residential, datacenter, mobile or isp)", s)
	}
	return p, nil
}

// envName is the product's infix in environment variable names.
func (p Product) envName() string {
	return strings.ToUpper(string(p))
}

// Endpoint is the address of the forward proxy.
type Endpoint struct {
	Host     string
	Port     int
	Protocol Protocol
}

// Addr returns host:port suitable for net.Dial.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// TLS reports whether the leg to the proxy is TLS-wrapped.
func (e Endpoint) TLS() bool {
	return e.Protocol == ProtocolHTTPS
}

func (e Endpoint) String() string {
	p := e.Protocol
	if p == "" {
		p = ProtocolHTTP
	}
	return string(p) + "://" + e.Addr()
}

// Validate checks the endpoint is dialable.
func (e Endpoint) Validate() error {
	if strings.TrimSpace(e.Host) == "" {
		return fmt.Errorf("proxy host is required")
	}
	if e.Port <= 0 || e.Port > 65535 {
		return fmt.Errorf("proxy port must be 1-65535; got %d", e.Port)
	}
	switch e.Protocol {
	case ProtocolHTTP, ProtocolHTTPS, "":
	default:
		return fmt.Errorf("unknown proxy protocol %q", e.Protocol)
	}
	return nil
}
