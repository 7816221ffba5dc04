package gateway

import (
	"strconv"
	"strings"
)

// Getenv looks up an environment variable; os.Getenv satisfies it.
type Getenv func(key string) string

// Resolve fills the unset fields of override for product p.
//
// Host and port are taken from, in order: override, THORDATA_<PRODUCT>_PROXY_HOST
// (or _PORT), THORDATA_PROXY_HOST (or _PORT), the product default. The
// protocol comes from override, THORDATA_PROXY_PROTOCOL, then https.
// Unparseable environment values are skipped.
func Resolve(p Product, override Endpoint, getenv Getenv) Endpoint {
	out := override

	if strings.TrimSpace(out.Host) != "" {
		out.Host = strings.TrimSpace(out.Host)
	} else {
		out.Host = firstNonBlank(
			getenv("THORDATA_"+p.envName()+"_PROXY_HOST"),
			getenv("THORDATA_PROXY_HOST"),
			defaultEndpoints[p].Host,
		)
	}

	if out.Port <= 0 {
		out.Port = defaultEndpoints[p].Port
		for _, key := range []string{"THORDATA_" + p.envName() + "_PROXY_PORT", "THORDATA_PROXY_PORT"} {
			if port, ok := parsePort(getenv(key)); ok {
				out.Port = port
				break
			}
		}
	}

	if out.Protocol == "" {
		out.Protocol = ProtocolHTTPS
		if proto, err := ParseProtocol(getenv("THORDATA_PROXY_PROTOCOL")); err == nil {
			out.Protocol = proto
		}
	}

	return out
}

// CredentialFromEnv fills a blank account name or password from
// THORDATA_<PRODUCT>_USERNAME and THORDATA_<PRODUCT>_PASSWORD.
func CredentialFromEnv(p Product, c Credential, getenv Getenv) Credential {
	if strings.TrimSpace(c.Username) == "" {
		c.Username = strings.TrimSpace(getenv("THORDATA_" + p.envName() + "_USERNAME"))
	}
	if strings.TrimSpace(c.Password) == "" {
		c.Password = strings.TrimSpace(getenv("THORDATA_" + p.envName() + "_PASSWORD"))
	}
	return c
}

func firstNonBlank(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func parsePort(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 || n > 65535 {
		return 0, false
	}
	return n, true
}
