// Package config provides configuration parsing and validation for zctun.
//
// Configuration is a flat key/value properties file (not YAML): one
// `key=value` pair per line, `#` starts a line comment, blank lines are
// ignored. The server and client binaries read these dotted keys from
// their config files.
package config

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// ServerConfig holds the settings for the publicly reachable daemon that
// accepts both control/data channels from zctun clients and SOCKS5
// connections from end users.
type ServerConfig struct {
	// Bind/Port is the listener clients dial their control and data
	// channels into.
	Bind string
	Port int

	// SOCKSBind/SOCKSPort is the SOCKS5 listener external users connect to.
	SOCKSBind string
	SOCKSPort int

	// SOCKSPassword is the shared secret every SOCKS5 user must present;
	// the username they present is the target clientKey.
	SOCKSPassword string

	LogLevel  string
	LogFormat string
}

// ClientConfig holds the settings for the daemon that lives inside the
// private network and dials out to a ServerConfig's Bind:Port.
type ClientConfig struct {
	// ServerHost/ServerPort is the address of the server's listener.
	ServerHost string
	ServerPort int

	// ClientKey identifies this client to the server. Empty means the
	// client generates a random one at startup (see internal/idgen).
	ClientKey string

	LogLevel  string
	LogFormat string
}

// DefaultServerConfig returns a ServerConfig with spec-mandated defaults.
// SOCKSPassword has no default; it is required.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Bind:      "0.0.0.0",
		Port:      4900,
		SOCKSBind: "0.0.0.0",
		SOCKSPort: 1080,
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// DefaultClientConfig returns a ClientConfig with default values. ServerHost
// has no default; it is required.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		ServerPort: 4900,
		LogLevel:   "info",
		LogFormat:  "text",
	}
}

// properties is a parsed key/value properties file.
type properties map[string]string

// parseProperties reads `key=value` pairs from r, skipping blank lines and
// lines whose first non-space character is '#'.
func parseProperties(r *bufio.Scanner) (properties, error) {
	props := make(properties)
	line := 0
	for r.Scan() {
		line++
		text := strings.TrimSpace(r.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		idx := strings.Index(text, "=")
		if idx < 0 {
			return nil, fmt.Errorf("config: line %d: missing '=': %q", line, text)
		}
		key := strings.TrimSpace(text[:idx])
		val := strings.TrimSpace(text[idx+1:])
		if key == "" {
			return nil, fmt.Errorf("config: line %d: empty key", line)
		}
		props[key] = val
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("config: scan: %w", err)
	}
	return props, nil
}

func (p properties) str(key, def string) string {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

func (p properties) intVal(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: invalid integer %q: %w", key, v, err)
	}
	return n, nil
}

// LoadServerConfig reads and parses a server properties file.
func LoadServerConfig(path string) (*ServerConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return ParseServerConfig(bufio.NewScanner(f))
}

// ParseServerConfig parses a server configuration from a scanner positioned
// at the start of a properties stream.
func ParseServerConfig(scanner *bufio.Scanner) (*ServerConfig, error) {
	props, err := parseProperties(scanner)
	if err != nil {
		return nil, err
	}

	cfg := DefaultServerConfig()
	cfg.Bind = props.str("server.bind", cfg.Bind)
	cfg.SOCKSBind = props.str("config.socks.bind", cfg.SOCKSBind)
	cfg.SOCKSPassword = props.str("config.socks.password", "")
	cfg.LogLevel = props.str("log.level", cfg.LogLevel)
	cfg.LogFormat = props.str("log.format", cfg.LogFormat)

	if cfg.Port, err = props.intVal("server.port", cfg.Port); err != nil {
		return nil, err
	}
	if cfg.SOCKSPort, err = props.intVal("config.socks.port", cfg.SOCKSPort); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks a ServerConfig for consistency.
func (c *ServerConfig) Validate() error {
	var errs []string

	if c.SOCKSPassword == "" {
		errs = append(errs, "config.socks.password is required")
	}
	if !isValidPort(c.Port) {
		errs = append(errs, fmt.Sprintf("server.port out of range: %d", c.Port))
	}
	if !isValidPort(c.SOCKSPort) {
		errs = append(errs, fmt.Sprintf("config.socks.port out of range: %d", c.SOCKSPort))
	}
	if !isValidBindAddress(c.Bind) {
		errs = append(errs, fmt.Sprintf("server.bind is not a valid address: %s", c.Bind))
	}
	if !isValidBindAddress(c.SOCKSBind) {
		errs = append(errs, fmt.Sprintf("config.socks.bind is not a valid address: %s", c.SOCKSBind))
	}
	if !isValidLogLevel(c.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s", c.LogLevel))
	}
	if !isValidLogFormat(c.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s", c.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ListenAddr returns the server's control-channel listen address.
func (c *ServerConfig) ListenAddr() string {
	return net.JoinHostPort(c.Bind, strconv.Itoa(c.Port))
}

// SOCKSListenAddr returns the SOCKS5 listen address.
func (c *ServerConfig) SOCKSListenAddr() string {
	return net.JoinHostPort(c.SOCKSBind, strconv.Itoa(c.SOCKSPort))
}

// LoadClientConfig reads and parses a client properties file.
func LoadClientConfig(path string) (*ClientConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return ParseClientConfig(bufio.NewScanner(f))
}

// ParseClientConfig parses a client configuration from a scanner positioned
// at the start of a properties stream.
func ParseClientConfig(scanner *bufio.Scanner) (*ClientConfig, error) {
	props, err := parseProperties(scanner)
	if err != nil {
		return nil, err
	}

	cfg := DefaultClientConfig()
	cfg.ServerHost = props.str("server.host", "")
	cfg.ClientKey = props.str("client.key", "")
	cfg.LogLevel = props.str("log.level", cfg.LogLevel)
	cfg.LogFormat = props.str("log.format", cfg.LogFormat)

	if cfg.ServerPort, err = props.intVal("server.port", cfg.ServerPort); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks a ClientConfig for consistency.
func (c *ClientConfig) Validate() error {
	var errs []string

	if c.ServerHost == "" {
		errs = append(errs, "server.host is required")
	}
	if !isValidPort(c.ServerPort) {
		errs = append(errs, fmt.Sprintf("server.port out of range: %d", c.ServerPort))
	}
	if !isValidLogLevel(c.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s", c.LogLevel))
	}
	if !isValidLogFormat(c.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s", c.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ServerAddr returns the server address this client dials.
func (c *ClientConfig) ServerAddr() string {
	return net.JoinHostPort(c.ServerHost, strconv.Itoa(c.ServerPort))
}

func isValidPort(p int) bool {
	return p > 0 && p <= 65535
}

func isValidBindAddress(addr string) bool {
	if addr == "" {
		return false
	}
	if net.ParseIP(addr) != nil {
		return true
	}
	// Hostnames are accepted too (e.g. "localhost").
	return !strings.ContainsAny(addr, " \t")
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

// Redacted returns a copy of a ServerConfig with the shared secret
// replaced, safe to log.
func (c *ServerConfig) Redacted() *ServerConfig {
	cp := *c
	if cp.SOCKSPassword != "" {
		cp.SOCKSPassword = "[REDACTED]"
	}
	return &cp
}

// WriteServerConfig writes cfg to path as a properties file, overwriting
// any existing file. Used by the setup wizard.
func WriteServerConfig(cfg *ServerConfig, path string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "server.bind=%s\n", cfg.Bind)
	fmt.Fprintf(&b, "server.port=%d\n", cfg.Port)
	fmt.Fprintf(&b, "config.socks.bind=%s\n", cfg.SOCKSBind)
	fmt.Fprintf(&b, "config.socks.port=%d\n", cfg.SOCKSPort)
	fmt.Fprintf(&b, "config.socks.password=%s\n", cfg.SOCKSPassword)
	fmt.Fprintf(&b, "log.level=%s\n", cfg.LogLevel)
	fmt.Fprintf(&b, "log.format=%s\n", cfg.LogFormat)
	return os.WriteFile(path, []byte(b.String()), 0o600)
}

// WriteClientConfig writes cfg to path as a properties file, overwriting
// any existing file. Used by the setup wizard.
func WriteClientConfig(cfg *ClientConfig, path string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "server.host=%s\n", cfg.ServerHost)
	fmt.Fprintf(&b, "server.port=%d\n", cfg.ServerPort)
	fmt.Fprintf(&b, "client.key=%s\n", cfg.ClientKey)
	fmt.Fprintf(&b, "log.level=%s\n", cfg.LogLevel)
	fmt.Fprintf(&b, "log.format=%s\n", cfg.LogFormat)
	return os.WriteFile(path, []byte(b.String()), 0o600)
}
