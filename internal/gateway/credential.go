// Package gateway describes the Thordata proxy gateway: its endpoints,
// products and the routing-aware credentials it accepts.
package gateway

import (
	"encoding/base64"
	"strconv"
	"strings"
)

// usernamePrefix is prepended to every account name sent to the gateway.
const usernamePrefix = "td-customer-"

// Credential is an account plus optional geo/session routing hints.
type Credential struct {
	Username       string
	Password       string
	Country        string
	City           string
	SessionID      string
	SessionMinutes int
}

// GatewayUsername encodes the account and routing hints into the single
// username the gateway expects. Segment order is fixed: country, city,
// session id, session time. Blank fields are omitted.
func (c Credential) GatewayUsername() string {
	var b strings.Builder
	b.WriteString(usernamePrefix)
	b.WriteString(c.Username)

	if country := strings.TrimSpace(c.Country); country != "" {
		b.WriteString("-country-")
		b.WriteString(strings.ToLower(country))
	}
	if city := strings.TrimSpace(c.City); city != "" {
		b.WriteString("-city-")
		b.WriteString(strings.ReplaceAll(strings.ToLower(city), " ", "_"))
	}
	if sess := strings.TrimSpace(c.SessionID); sess != "" {
		b.WriteString("-sessid-")
		b.WriteString(sess)
	}
	if c.SessionMinutes > 0 {
		b.WriteString("-sesstime-")
		b.WriteString(strconv.Itoa(c.SessionMinutes))
	}
	return b.String()
}

// ProxyAuthorization returns the value of the Proxy-Authorization header.
func (c Credential) ProxyAuthorization() string {
	raw := c.GatewayUsername() + ":" + c.Password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))
}

// Complete reports whether both account name and password are set.
func (c Credential) Complete() bool {
	return strings.TrimSpace(c.Username) != "" && strings.TrimSpace(c.Password) != ""
}
