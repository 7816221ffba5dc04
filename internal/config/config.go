// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"thordata-proxy-go/internal/gateway"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/thordata-proxy/config.toml",
	"configs/config.toml",
}

// reservedRoutes may not be shadowed by metrics.path.
var reservedRoutes = []string{"/api/v1", "/healthz", "/proxy/status"}

// CLI holds command-line arguments parsed by Kong. Gateway flags carry no env
// tags: the THORDATA_* proxy variables are resolved per product in Load, and a
// flag always takes precedence over them.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='THORDATA_CONFIG'"`
	Host     string `kong:"help='Listen host (overrides config).',env='THORDATA_SERVER_HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='THORDATA_SERVER_PORT'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='THORDATA_LOG_LEVEL'"`

	Product       string `kong:"help='Proxy product: residential|datacenter|mobile|isp (overrides config).',env='THORDATA_PRODUCT'"`
	ProxyHost     string `kong:"help='Proxy gateway host (overrides config and environment).'"`
	ProxyPort     int    `kong:"help='Proxy gateway port (overrides config and environment).'"`
	ProxyProtocol string `kong:"help='Protocol to the proxy: http|https (overrides config and environment).'"`
	Username      string `kong:"help='Proxy account username (overrides config and environment).'"`
	Password      string `kong:"help='Proxy account password (overrides config and environment).'"`
	NoAuth        bool   `kong:"help='Send CONNECT without Proxy-Authorization (IP-whitelisted accounts).'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Gateway GatewayConfig `toml:"gateway"`
	Fetch   FetchConfig   `toml:"fetch"`
	Log     LogConfig     `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8080); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// GatewayConfig selects the proxy gateway and the account used with it.
// After Load, Host, Port and Protocol hold the resolved endpoint and
// Username/Password include values taken from the environment.
type GatewayConfig struct {
	Product  string `toml:"product"`
	Protocol string `toml:"protocol"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`

	Username string `toml:"username"`
	Password string `toml:"password"`
	NoAuth   bool   `toml:"no_auth"`

	// Defaults for requests that do not choose their own geo or session.
	Country        string `toml:"country"`
	City           string `toml:"city"`
	SessionID      string `toml:"session_id"`
	SessionMinutes int    `toml:"session_minutes"`

	InsecureSkipVerify bool `toml:"insecure_skip_verify"`
}

// FetchConfig holds settings for requests sent through the tunnel.
type FetchConfig struct {
	UserAgent      string `toml:"user_agent"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	MaxHeaderBytes int    `toml:"max_header_bytes"`
	MaxBodyBytes   int64  `toml:"max_body_bytes"`
	CAFile         string `toml:"ca_file"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file, applies CLI overrides and resolves the
// gateway from the environment.
// When no explicit path is given (via --config or THORDATA_CONFIG), it searches
// /etc/thordata-proxy/config.toml then configs/config.toml, and runs on
// defaults and environment alone if neither exists.
func Load(cli *CLI) (*Config, error) {
	return load(cli, os.Getenv)
}

func load(cli *CLI, getenv gateway.Getenv) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.resolveGateway(getenv); err != nil {
		return nil, fmt.Errorf("config: gateway: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.Product != "" {
		c.Gateway.Product = cli.Product
	}
	if cli.ProxyHost != "" {
		c.Gateway.Host = cli.ProxyHost
	}
	if cli.ProxyPort != 0 {
		c.Gateway.Port = cli.ProxyPort
	}
	if cli.ProxyProtocol != "" {
		c.Gateway.Protocol = cli.ProxyProtocol
	}
	if cli.Username != "" {
		c.Gateway.Username = cli.Username
	}
	if cli.Password != "" {
		c.Gateway.Password = cli.Password
	}
	if cli.NoAuth {
		c.Gateway.NoAuth = true
	}
}

// resolveGateway fills the endpoint and credentials left unset by the file
// and flags from the environment and the product defaults.
func (c *Config) resolveGateway(getenv gateway.Getenv) error {
	product, err := gateway.ParseProduct(c.Gateway.Product)
	if err != nil {
		return err
	}
	c.Gateway.Product = string(product)

	var proto gateway.Protocol
	if c.Gateway.Protocol != "" {
		if proto, err = gateway.ParseProtocol(c.Gateway.Protocol); err != nil {
			return err
		}
	}
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port must be 0–65535; got %d", c.Gateway.Port)
	}

	ep := gateway.Resolve(product, gateway.Endpoint{
		Host:     c.Gateway.Host,
		Port:     c.Gateway.Port,
		Protocol: proto,
	}, getenv)
	c.Gateway.Host = ep.Host
	c.Gateway.Port = ep.Port
	c.Gateway.Protocol = string(ep.Protocol)

	if !c.Gateway.NoAuth {
		cred := gateway.CredentialFromEnv(product, gateway.Credential{
			Username: c.Gateway.Username,
			Password: c.Gateway.Password,
		}, getenv)
		c.Gateway.Username = cred.Username
		c.Gateway.Password = cred.Password
	}
	return nil
}

func (c *Config) validate() error {
	// Gateway.
	if err := c.Gateway.Endpoint().Validate(); err != nil {
		return err
	}
	if !c.Gateway.NoAuth && !c.Gateway.Credential().Complete() {
		envPrefix := "THORDATA_" + strings.ToUpper(c.Gateway.Product)
		return fmt.Errorf("gateway.username and gateway.password are required (or set %s_USERNAME and %s_PASSWORD, or no_auth = true)", envPrefix, envPrefix)
	}
	if c.Gateway.SessionMinutes < 0 {
		return fmt.Errorf("gateway.session_minutes must be non-negative; got %d", c.Gateway.SessionMinutes)
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Fetch.TimeoutSeconds < 0 {
		return fmt.Errorf("fetch.timeout_seconds must be non-negative; got %d", c.Fetch.TimeoutSeconds)
	}
	if c.Fetch.MaxHeaderBytes < 0 {
		return fmt.Errorf("fetch.max_header_bytes must be non-negative; got %d", c.Fetch.MaxHeaderBytes)
	}
	if c.Fetch.MaxBodyBytes < 0 {
		return fmt.Errorf("fetch.max_body_bytes must be non-negative; got %d", c.Fetch.MaxBodyBytes)
	}
	if strings.ContainsAny(c.Fetch.UserAgent, "\r\n") {
		return fmt.Errorf("fetch.user_agent must not contain line breaks")
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedRoutes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 1024 * 1024 // 1 MB
	}
	if c.Fetch.TimeoutSeconds == 0 {
		c.Fetch.TimeoutSeconds = 30
	}
	if c.Fetch.MaxHeaderBytes == 0 {
		c.Fetch.MaxHeaderBytes = 64 * 1024
	}
	if c.Fetch.MaxBodyBytes == 0 {
		c.Fetch.MaxBodyBytes = 32 * 1024 * 1024 // 32 MB
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Endpoint returns the gateway endpoint.
func (g *GatewayConfig) Endpoint() gateway.Endpoint {
	return gateway.Endpoint{
		Host:     g.Host,
		Port:     g.Port,
		Protocol: gateway.Protocol(g.Protocol),
	}
}

// Credential returns the account with the configured geo and session
// defaults, or nil when no_auth is set.
func (g *GatewayConfig) Credential() *gateway.Credential {
	if g.NoAuth {
		return nil
	}
	return &gateway.Credential{
		Username:       g.Username,
		Password:       g.Password,
		Country:        g.Country,
		City:           g.City,
		SessionID:      g.SessionID,
		SessionMinutes: g.SessionMinutes,
	}
}

// Timeout returns the per-phase fetch timeout.
func (f *FetchConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutSeconds) * time.Second
}

// FilePath returns the config file that was loaded, or "" if none.
func (c *Config) FilePath() string {
	return c.filePath
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
