package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"thordata-proxy-go/internal/gateway"
)

// cliWithPath returns a CLI struct pointing at the given config file.
func cliWithPath(path string) *CLI {
	return &CLI{Config: path}
}

// env returns a getenv backed by vars.
func env(vars map[string]string) gateway.Getenv {
	return func(key string) string { return vars[key] }
}

// noEnv isolates tests from the THORDATA_* variables of the host.
var noEnv = env(nil)

// writeConfig writes data to a config.toml in a fresh temp dir.
func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalGateway = `
[gateway]
username = "abc"
password = "secret"
`

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "0.0.0.0"
port = 9000
body_max_bytes = 5242880

[gateway]
product = "datacenter"
protocol = "http"
host = "proxy.example.net"
port = 8888
username = "abc"
password = "secret"
country = "us"
city = "new york"
session_minutes = 10

[fetch]
user_agent = "custom/1.0"
timeout_seconds = 60
max_body_bytes = 1048576

[log]
level = "debug"
format = "text"
`)

	cfg, err := load(cliWithPath(path), noEnv)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 9000)
	}
	want := gateway.Endpoint{Host: "proxy.example.net", Port: 8888, Protocol: gateway.ProtocolHTTP}
	if got := cfg.Gateway.Endpoint(); got != want {
		t.Errorf("Gateway.Endpoint() = %+v, want %+v", got, want)
	}
	cred := cfg.Gateway.Credential()
	if cred == nil {
		t.Fatal("Gateway.Credential() = nil")
	}
	if got := cred.GatewayUsername(); got != "td-customer-abc-country-us-city-new_york-sesstime-10" {
		t.Errorf("GatewayUsername() = %q", got)
	}
	if cfg.Fetch.UserAgent != "custom/1.0" {
		t.Errorf("Fetch.UserAgent = %q", cfg.Fetch.UserAgent)
	}
	if cfg.Fetch.Timeout() != 60*time.Second {
		t.Errorf("Fetch.Timeout() = %v, want 60s", cfg.Fetch.Timeout())
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "text")
	}
	if cfg.FilePath() != path {
		t.Errorf("FilePath() = %q, want %q", cfg.FilePath(), path)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(cliWithPath(writeConfig(t, minimalGateway)), noEnv)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 8080)
	}
	if cfg.Gateway.Product != "residential" {
		t.Errorf("Gateway.Product = %q, want residential", cfg.Gateway.Product)
	}
	want := gateway.Endpoint{Host: "t.pr.thordata.net", Port: 9999, Protocol: gateway.ProtocolHTTPS}
	if got := cfg.Gateway.Endpoint(); got != want {
		t.Errorf("Gateway.Endpoint() = %+v, want %+v", got, want)
	}
	if cfg.Fetch.TimeoutSeconds != 30 {
		t.Errorf("Fetch.TimeoutSeconds = %d, want 30", cfg.Fetch.TimeoutSeconds)
	}
	if cfg.Fetch.MaxHeaderBytes != 64*1024 {
		t.Errorf("Fetch.MaxHeaderBytes = %d, want %d", cfg.Fetch.MaxHeaderBytes, 64*1024)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "json")
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}
}

func TestLoad_NoFileUsesEnvironment(t *testing.T) {
	cfg, err := load(&CLI{Product: "isp"}, env(map[string]string{
		"THORDATA_ISP_USERNAME": "envuser",
		"THORDATA_ISP_PASSWORD": "envpass",
	}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.FilePath() != "" {
		t.Errorf("FilePath() = %q, want empty", cfg.FilePath())
	}
	if cfg.Gateway.Username != "envuser" || cfg.Gateway.Password != "envpass" {
		t.Errorf("credentials = %q/%q, want envuser/envpass", cfg.Gateway.Username, cfg.Gateway.Password)
	}
	if got := cfg.Gateway.Endpoint().Addr(); got != "isp.pr.thordata.net:6666" {
		t.Errorf("Endpoint().Addr() = %q", got)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := load(cliWithPath("/nonexistent/config.toml"), noEnv)
	if err == nil {
		t.Fatal("Load() expected error for missing explicit file, got nil")
	}
}

func TestLoad_MissingCredentials(t *testing.T) {
	path := writeConfig(t, `
[gateway]
product = "mobile"
username = "abc"
`)

	_, err := load(cliWithPath(path), noEnv)
	if err == nil {
		t.Fatal("Load() expected error for missing password, got nil")
	}
	if !strings.Contains(err.Error(), "THORDATA_MOBILE_PASSWORD") {
		t.Errorf("error = %q, want mention of THORDATA_MOBILE_PASSWORD", err)
	}
}

func TestLoad_NoAuth(t *testing.T) {
	path := writeConfig(t, `
[gateway]
no_auth = true
`)

	cfg, err := load(cliWithPath(path), env(map[string]string{
		"THORDATA_RESIDENTIAL_USERNAME": "ignored",
	}))
	if err != nil {
		t.Fatalf("Load() error = %v; no_auth should not require credentials", err)
	}
	if cfg.Gateway.Credential() != nil {
		t.Error("Gateway.Credential() should be nil with no_auth")
	}
	if cfg.Gateway.Username != "" {
		t.Errorf("Gateway.Username = %q, want empty with no_auth", cfg.Gateway.Username)
	}
}

func TestLoad_GatewayPrecedence(t *testing.T) {
	allEnv := map[string]string{
		"THORDATA_DATACENTER_PROXY_HOST": "dc.env.example",
		"THORDATA_DATACENTER_PROXY_PORT": "7001",
		"THORDATA_PROXY_HOST":            "generic.env.example",
		"THORDATA_PROXY_PORT":            "7002",
		"THORDATA_PROXY_PROTOCOL":        "http",
		"THORDATA_DATACENTER_USERNAME":   "envuser",
		"THORDATA_DATACENTER_PASSWORD":   "envpass",
	}

	tests := []struct {
		name     string
		file     string
		cli      CLI
		env      map[string]string
		wantAddr string
		wantTLS  bool
		wantUser string
	}{
		{
			name:     "product env beats generic env",
			file:     "[gateway]\nproduct = \"datacenter\"\n",
			env:      allEnv,
			wantAddr: "dc.env.example:7001",
			wantUser: "envuser",
		},
		{
			name: "generic env beats default",
			file: "[gateway]\nproduct = \"datacenter\"\n",
			env: map[string]string{
				"THORDATA_PROXY_HOST":          "generic.env.example",
				"THORDATA_DATACENTER_USERNAME": "u",
				"THORDATA_DATACENTER_PASSWORD": "p",
			},
			wantAddr: "generic.env.example:7777",
			wantTLS:  true,
			wantUser: "u",
		},
		{
			name:     "file beats env",
			file:     "[gateway]\nproduct = \"datacenter\"\nhost = \"file.example\"\nport = 1234\nprotocol = \"https\"\nusername = \"fileuser\"\npassword = \"filepass\"\n",
			env:      allEnv,
			wantAddr: "file.example:1234",
			wantTLS:  true,
			wantUser: "fileuser",
		},
		{
			name:     "flag beats file",
			file:     "[gateway]\nproduct = \"datacenter\"\nhost = \"file.example\"\nusername = \"fileuser\"\npassword = \"filepass\"\n",
			cli:      CLI{ProxyHost: "flag.example", ProxyPort: 4321, Username: "flaguser"},
			env:      allEnv,
			wantAddr: "flag.example:4321",
			wantUser: "flaguser",
		},
		{
			name:     "unparseable env port falls through",
			file:     "[gateway]\nusername = \"u\"\npassword = \"p\"\n",
			env:      map[string]string{"THORDATA_RESIDENTIAL_PROXY_PORT": "not-a-port", "THORDATA_PROXY_PORT": "8001"},
			wantAddr: "t.pr.thordata.net:8001",
			wantTLS:  true,
			wantUser: "u",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cli := tt.cli
			cli.Config = writeConfig(t, tt.file)

			cfg, err := load(&cli, env(tt.env))
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			ep := cfg.Gateway.Endpoint()
			if ep.Addr() != tt.wantAddr {
				t.Errorf("Addr() = %q, want %q", ep.Addr(), tt.wantAddr)
			}
			if ep.TLS() != tt.wantTLS {
				t.Errorf("TLS() = %v, want %v", ep.TLS(), tt.wantTLS)
			}
			if cfg.Gateway.Username != tt.wantUser {
				t.Errorf("Username = %q, want %q", cfg.Gateway.Username, tt.wantUser)
			}
		})
	}
}

func TestLoad_InvalidGateway(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{"unknown product", "[gateway]\nproduct = \"satellite\"\n", "satellite"},
		{"unknown protocol", minimalGateway + "protocol = \"socks5\"\n", "socks5"},
		{"port out of range", minimalGateway + "port = 70000\n", "gateway.port"},
		{"negative session minutes", minimalGateway + "session_minutes = -1\n", "session_minutes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(cliWithPath(writeConfig(t, tt.data)), noEnv)
			if err == nil {
				t.Fatal("Load() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	path := writeConfig(t, minimalGateway+`
[log]
level = "verbose"
`)

	_, err := load(cliWithPath(path), noEnv)
	if err == nil {
		t.Fatal("Load() expected error for invalid log level, got nil")
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	path := writeConfig(t, minimalGateway+`
[server]
host = "127.0.0.1"
port = 9000

[log]
level = "info"
`)

	cli := &CLI{
		Config:   path,
		Host:     "0.0.0.0",
		Port:     3000,
		LogLevel: "debug",
		Password: "override",
	}

	cfg, err := load(cli, noEnv)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 3000)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if cfg.Gateway.Password != "override" {
		t.Errorf("Gateway.Password = %q, want %q", cfg.Gateway.Password, "override")
	}
}

func TestLoad_NumericBounds(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{"negative port", "[server]\nport = -1\n", "server.port"},
		{"negative body max", "[server]\nbody_max_bytes = -1\n", "server.body_max_bytes"},
		{"negative timeout", "[fetch]\ntimeout_seconds = -5\n", "fetch.timeout_seconds"},
		{"negative header limit", "[fetch]\nmax_header_bytes = -1\n", "fetch.max_header_bytes"},
		{"negative body limit", "[fetch]\nmax_body_bytes = -1\n", "fetch.max_body_bytes"},
		{"user agent with newline", "[fetch]\nuser_agent = \"a\\r\\nX-Injected: 1\"\n", "fetch.user_agent"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(cliWithPath(writeConfig(t, minimalGateway+tt.data)), noEnv)
			if err == nil {
				t.Fatal("Load() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_RateLimitConfig(t *testing.T) {
	path := writeConfig(t, minimalGateway+`
[server.rate_limit]
enabled = true
requests_per_second = 25.5
`)

	cfg, err := load(cliWithPath(path), noEnv)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Server.RateLimit.Enabled {
		t.Error("RateLimit.Enabled = false, want true")
	}
	if cfg.Server.RateLimit.RequestsPerSecond != 25.5 {
		t.Errorf("RateLimit.RequestsPerSecond = %v, want 25.5", cfg.Server.RateLimit.RequestsPerSecond)
	}
}

func TestLoad_RateLimitConfig_BadValue(t *testing.T) {
	path := writeConfig(t, minimalGateway+`
[server.rate_limit]
enabled = true
requests_per_second = 0
`)

	_, err := load(cliWithPath(path), noEnv)
	if err == nil {
		t.Fatal("Load() expected error for rate limit with rps=0, got nil")
	}
	if !strings.Contains(err.Error(), "requests_per_second") {
		t.Errorf("error = %q, want mention of requests_per_second", err)
	}
}

func TestWarnPermissions_Loose(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("# test"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if !strings.Contains(buf.String(), "readable by group/others") {
		t.Errorf("expected permission warning, got: %q", buf.String())
	}
}

func TestWarnPermissions_Strict(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	path := writeConfig(t, "# test")

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if buf.Len() != 0 {
		t.Errorf("expected no warning for 0600 file, got: %q", buf.String())
	}
}

func TestFindConfigInPaths_Found(t *testing.T) {
	path := writeConfig(t, minimalGateway)

	got := findConfigInPaths([]string{path})
	if got != path {
		t.Errorf("findConfigInPaths() = %q, want %q", got, path)
	}
}

func TestFindConfigInPaths_NotFound(t *testing.T) {
	got := findConfigInPaths([]string{"/nonexistent/a.toml", "/nonexistent/b.toml"})
	if got != "" {
		t.Errorf("findConfigInPaths() = %q, want empty", got)
	}
}

func TestFindConfigInPaths_Priority(t *testing.T) {
	path1 := writeConfig(t, minimalGateway)
	path2 := writeConfig(t, minimalGateway)

	got := findConfigInPaths([]string{path1, path2})
	if got != path1 {
		t.Errorf("findConfigInPaths() = %q, want first match %q", got, path1)
	}
}

func TestLoad_MetricsPathNoLeadingSlash(t *testing.T) {
	path := writeConfig(t, minimalGateway+`
[metrics]
enabled = true
path = "metrics"
`)

	_, err := load(cliWithPath(path), noEnv)
	if err == nil {
		t.Fatal("Load() expected error for metrics.path without leading slash, got nil")
	}
	if !strings.Contains(err.Error(), "metrics.path") {
		t.Errorf("error = %q, want mention of metrics.path", err)
	}
}

func TestLoad_MetricsPathConflictsWithAPIRoute(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"api/v1 exact", "/api/v1"},
		{"api/v1 sub", "/api/v1/metrics"},
		{"healthz", "/healthz"},
		{"proxy/status", "/proxy/status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfgPath := writeConfig(t, minimalGateway+`
[metrics]
enabled = true
path = "`+tt.path+`"
`)

			_, err := load(cliWithPath(cfgPath), noEnv)
			if err == nil {
				t.Fatalf("Load() expected error for metrics.path=%q conflicting with route, got nil", tt.path)
			}
			if !strings.Contains(err.Error(), "conflicts") {
				t.Errorf("error = %q, want mention of conflict", err)
			}
		})
	}
}

func TestLoad_MetricsDisabledSkipsPathValidation(t *testing.T) {
	path := writeConfig(t, minimalGateway+`
[metrics]
enabled = false
path = "bad-no-slash"
`)

	if _, err := load(cliWithPath(path), noEnv); err != nil {
		t.Fatalf("Load() error = %v; disabled metrics should skip path validation", err)
	}
}

func TestServerConfig_Addr(t *testing.T) {
	tests := []struct {
		host string
		port int
		want string
	}{
		{"127.0.0.1", 3000, "127.0.0.1:3000"},
		{"::1", 8080, "[::1]:8080"},
	}
	for _, tt := range tests {
		sc := &ServerConfig{Host: tt.host, Port: tt.port}
		if got := sc.Addr(); got != tt.want {
			t.Errorf("Addr() = %q, want %q", got, tt.want)
		}
	}
}
