// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/sshtunnel-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config        string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host          string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port          int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	SSHHost       string `kong:"name='ssh-host',help='Remote SSH host (overrides config).',env='SSH_HOST'"`
	SSHPort       int    `kong:"name='ssh-port',help='Remote SSH port (overrides config).',env='SSH_PORT'"`
	SSHUsername   string `kong:"name='ssh-username',help='Remote SSH user (overrides config).',env='SSH_USERNAME'"`
	SSHKey        string `kong:"name='ssh-key',help='Inline PEM private key (overrides config).',env='SSH_KEY'"`
	SSHKeyPath    string `kong:"name='ssh-key-path',help='Private key file (overrides config).',env='SSH_KEY_PATH'"`
	SSHPassphrase string `kong:"name='ssh-key-passphrase',help='Private key passphrase.',env='SSH_KEY_PASSPHRASE'"`
	SSHPassword   string `kong:"name='ssh-password',help='SSH password (overrides config).',env='SSH_PASSWORD'"`
	BackendPort   int    `kong:"name='backend-port',help='Backend loopback port on the remote host.',env='DESTINATION_PORT'"`
	LogLevel      string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	SSH     SSHConfig     `toml:"ssh"`
	Backend BackendConfig `toml:"backend"`
	Staging StagingConfig `toml:"staging"`
	Log     LogConfig     `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds public HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (3000)
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
	CORS         CORSConfig      `toml:"cors"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// CORSConfig controls cross-origin access to the public endpoint.
type CORSConfig struct {
	AllowOrigins []string `toml:"allow_origins"`
}

// SSHConfig describes how to reach and authenticate to the intermediary host.
// Exactly one credential (private key or password) must be set.
type SSHConfig struct {
	Host                  string `toml:"host"`
	Port                  int    `toml:"port"`
	Username              string `toml:"username"`
	PrivateKey            string `toml:"private_key"`
	PrivateKeyPath        string `toml:"private_key_path"`
	PrivateKeyPassphrase  string `toml:"private_key_passphrase"`
	Password              string `toml:"password"`
	KnownHosts            string `toml:"known_hosts"`
	HostKeyFingerprint    string `toml:"host_key_fingerprint"`
	ConnectTimeoutSeconds int    `toml:"connect_timeout_seconds"`
	MaxSessions           int    `toml:"max_sessions"`
}

// HasKey reports whether key-based authentication is configured.
func (s *SSHConfig) HasKey() bool {
	return s.PrivateKey != "" || s.PrivateKeyPath != ""
}

// Addr returns the SSH endpoint as host:port.
func (s *SSHConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// BackendConfig describes the private service as seen from the remote host.
type BackendConfig struct {
	Host                  string   `toml:"host"`
	Port                  int      `toml:"port"`
	RoutePrefix           string   `toml:"route_prefix"`
	DefaultPath           string   `toml:"default_path"`
	ProbePath             string   `toml:"probe_path"`
	HTTPClient            string   `toml:"http_client"`
	CommandTimeoutSeconds int      `toml:"command_timeout_seconds"`
	JSONFields            []string `toml:"json_fields"`
}

// BaseURL returns the backend origin, e.g. http://localhost:8080.
func (b *BackendConfig) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", b.Host, b.Port)
}

// StagingConfig controls where uploaded files live on both ends.
type StagingConfig struct {
	RemoteRoot  string `toml:"remote_root"`
	DirPrefix   string `toml:"dir_prefix"`
	LocalDir    string `toml:"local_dir"`
	Concurrency int    `toml:"concurrency"`
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

// LoadEnvFiles loads KEY=VALUE pairs from the given dotenv files into the process
// environment. Variables already set are left alone and missing files are skipped.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load env file %s: %w", p, err)
		}
	}
	return nil
}

// Load reads the TOML config file (if any) and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/sshtunnel-proxy/config.toml then configs/config.toml; if neither exists
// the configuration comes from flags and environment alone.
func Load(cli *CLI) (*Config, error) {
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
	if cli.SSHHost != "" {
		c.SSH.Host = cli.SSHHost
	}
	if cli.SSHPort != 0 {
		c.SSH.Port = cli.SSHPort
	}
	if cli.SSHUsername != "" {
		c.SSH.Username = cli.SSHUsername
	}
	// A credential given on the command line replaces the configured one entirely,
	// so the file and the environment can't combine into two credentials.
	if cli.SSHKey != "" || cli.SSHKeyPath != "" || cli.SSHPassword != "" {
		c.SSH.PrivateKey = cli.SSHKey
		c.SSH.PrivateKeyPath = cli.SSHKeyPath
		c.SSH.Password = cli.SSHPassword
	}
	if cli.SSHPassphrase != "" {
		c.SSH.PrivateKeyPassphrase = cli.SSHPassphrase
	}
	if cli.BackendPort != 0 {
		c.Backend.Port = cli.BackendPort
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if c.SSH.Host == "" {
		return fmt.Errorf("ssh.host is required")
	}
	if c.SSH.Username == "" {
		return fmt.Errorf("ssh.username is required")
	}

	// Credential: exactly one of key or password.
	if c.SSH.PrivateKey != "" && c.SSH.PrivateKeyPath != "" {
		return fmt.Errorf("ssh.private_key and ssh.private_key_path are mutually exclusive")
	}
	switch {
	case c.SSH.HasKey() && c.SSH.Password != "":
		return fmt.Errorf("ssh: configure either a private key or a password, not both")
	case !c.SSH.HasKey() && c.SSH.Password == "":
		return fmt.Errorf("ssh: a private key or a password is required")
	}
	if c.SSH.KnownHosts != "" && c.SSH.HostKeyFingerprint != "" {
		return fmt.Errorf("ssh.known_hosts and ssh.host_key_fingerprint are mutually exclusive")
	}
	if fp := c.SSH.HostKeyFingerprint; fp != "" && !strings.HasPrefix(fp, "SHA256:") {
		return fmt.Errorf("ssh.host_key_fingerprint must be a SHA256 fingerprint (SHA256:...); got %q", fp)
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.SSH.Port < 0 || c.SSH.Port > 65535 {
		return fmt.Errorf("ssh.port must be 0–65535; got %d", c.SSH.Port)
	}
	if c.Backend.Port <= 0 || c.Backend.Port > 65535 {
		return fmt.Errorf("backend.port must be 1–65535; got %d", c.Backend.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.SSH.ConnectTimeoutSeconds < 0 {
		return fmt.Errorf("ssh.connect_timeout_seconds must be non-negative; got %d", c.SSH.ConnectTimeoutSeconds)
	}
	if c.SSH.MaxSessions < 0 {
		return fmt.Errorf("ssh.max_sessions must be non-negative; got %d", c.SSH.MaxSessions)
	}
	if c.Backend.CommandTimeoutSeconds < 0 {
		return fmt.Errorf("backend.command_timeout_seconds must be non-negative; got %d", c.Backend.CommandTimeoutSeconds)
	}
	if c.Staging.Concurrency < 0 {
		return fmt.Errorf("staging.concurrency must be non-negative; got %d", c.Staging.Concurrency)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Paths.
	for name, p := range map[string]string{
		"backend.route_prefix": c.Backend.RoutePrefix,
		"backend.default_path": c.Backend.DefaultPath,
		"backend.probe_path":   c.Backend.ProbePath,
	} {
		if p != "" && p[0] != '/' {
			return fmt.Errorf("%s must start with '/'; got %q", name, p)
		}
	}
	if r := c.Staging.RemoteRoot; r != "" && r[0] != '/' {
		return fmt.Errorf("staging.remote_root must be absolute; got %q", r)
	}
	if strings.ContainsAny(c.Staging.DirPrefix, "/ ") {
		return fmt.Errorf("staging.dir_prefix must not contain '/' or spaces; got %q", c.Staging.DirPrefix)
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
		if p == "/" {
			return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, "/")
		}
		for _, reserved := range []string{c.routePrefix(), "/add", "/test", "/healthz", "/proxy/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

func (c *Config) routePrefix() string {
	if c.Backend.RoutePrefix == "" {
		return "/api"
	}
	return c.Backend.RoutePrefix
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish between
// an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 50 * 1024 * 1024 // 50 MB, uploads included
	}
	if len(c.Server.CORS.AllowOrigins) == 0 {
		c.Server.CORS.AllowOrigins = []string{"*"}
	}
	if c.SSH.Port == 0 {
		c.SSH.Port = 22
	}
	if c.SSH.ConnectTimeoutSeconds == 0 {
		c.SSH.ConnectTimeoutSeconds = 15
	}
	if c.SSH.MaxSessions == 0 {
		c.SSH.MaxSessions = 8
	}
	if c.Backend.Host == "" {
		c.Backend.Host = "localhost"
	}
	c.Backend.RoutePrefix = c.routePrefix()
	if c.Backend.DefaultPath == "" {
		c.Backend.DefaultPath = "/hello"
	}
	if c.Backend.ProbePath == "" {
		c.Backend.ProbePath = "/hello"
	}
	if c.Backend.HTTPClient == "" {
		c.Backend.HTTPClient = "curl"
	}
	if c.Backend.CommandTimeoutSeconds == 0 {
		c.Backend.CommandTimeoutSeconds = 60
	}
	if c.Backend.JSONFields == nil {
		c.Backend.JSONFields = []string{"userInfo"}
	}
	if c.Staging.RemoteRoot == "" {
		c.Staging.RemoteRoot = "/tmp"
	}
	if c.Staging.DirPrefix == "" {
		c.Staging.DirPrefix = "sshtunnel-upload"
	}
	if c.Staging.LocalDir == "" {
		c.Staging.LocalDir = os.TempDir()
	}
	if c.Staging.Concurrency == 0 {
		c.Staging.Concurrency = 4
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
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
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
