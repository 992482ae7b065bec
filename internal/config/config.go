// Package config provides configuration parsing and validation for udpturbo.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/udpturbo/internal/socket"
)

// Config represents the complete daemon configuration.
type Config struct {
	Daemon        DaemonConfig        `yaml:"daemon"`
	Sockets       SocketsConfig       `yaml:"sockets"`
	MulticastLock MulticastLockConfig `yaml:"multicast_lock"`
	Health        HealthConfig        `yaml:"health"`
	Control       ControlConfig       `yaml:"control"`
}

// DaemonConfig contains process-wide settings.
type DaemonConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// SocketsConfig holds the defaults applied to every created socket.
type SocketsConfig struct {
	DefaultType   string          `yaml:"default_type"`
	ReuseAddress  bool            `yaml:"reuse_address"`
	ReceiveBuffer ByteSize        `yaml:"receive_buffer"`
	MaxSockets    int             `yaml:"max_sockets"`
	SendRate      float64         `yaml:"send_rate"`
	SendBurst     int             `yaml:"send_burst"`
	Multicast     MulticastConfig `yaml:"multicast"`
}

// MulticastConfig holds multicast socket options applied after bind.
type MulticastConfig struct {
	TTL       int    `yaml:"ttl"`
	Loopback  bool   `yaml:"loopback"`
	Interface string `yaml:"interface"`
}

// MulticastLockConfig selects the wake lock platform.
type MulticastLockConfig struct {
	Platform string `yaml:"platform"`
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// Username and PasswordHash (bcrypt) protect /metrics and pprof.
	Username     string `yaml:"username,omitempty"`
	PasswordHash string `yaml:"password_hash,omitempty"`
}

// ControlConfig defines control socket settings.
type ControlConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SocketPath string `yaml:"socket_path"`
}

// ByteSize is a size in bytes written in YAML as a number or a human string
// such as "64KiB" or "1500 B".
type ByteSize uint64

func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", raw, err)
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) MarshalYAML() (any, error) {
	if b != 0 && b%1024 == 0 {
		return humanize.IBytes(uint64(b)), nil
	}
	return uint64(b), nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

const (
	minReceiveBuffer = 1 << 10
	maxReceiveBuffer = 1 << 16
)

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Sockets: SocketsConfig{
			DefaultType:   "udp4",
			ReuseAddress:  false,
			ReceiveBuffer: 65535,
			MaxSockets:    1024,
			SendRate:      0,
			SendBurst:     1,
			Multicast: MulticastConfig{
				TTL:      1,
				Loopback: true,
			},
		},
		MulticastLock: MulticastLockConfig{
			Platform: "log",
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      "127.0.0.1:8090",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Control: ControlConfig{
			Enabled:    true,
			SocketPath: "./udpturbo.sock",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// ${VAR:-default} falls back to default when VAR is unset. Unknown variables
// are left as written.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if varName, defaultVal, ok := strings.Cut(name, ":-"); ok {
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Daemon.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Daemon.LogLevel))
	}
	if !isValidLogFormat(c.Daemon.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Daemon.LogFormat))
	}

	if _, err := socket.ParseFamily(c.Sockets.DefaultType); err != nil {
		errs = append(errs, "sockets.default_type: "+err.Error())
	}
	if c.Sockets.ReceiveBuffer < minReceiveBuffer || c.Sockets.ReceiveBuffer > maxReceiveBuffer {
		errs = append(errs, fmt.Sprintf("sockets.receive_buffer must be between %s and %s",
			humanize.IBytes(minReceiveBuffer), humanize.IBytes(maxReceiveBuffer)))
	}
	if c.Sockets.MaxSockets < 0 {
		errs = append(errs, "sockets.max_sockets must not be negative")
	}
	if c.Sockets.SendRate < 0 {
		errs = append(errs, "sockets.send_rate must not be negative")
	}
	if c.Sockets.SendRate > 0 && c.Sockets.SendBurst < 1 {
		errs = append(errs, "sockets.send_burst must be at least 1 when send_rate is set")
	}
	if c.Sockets.Multicast.TTL < 0 || c.Sockets.Multicast.TTL > 255 {
		errs = append(errs, "sockets.multicast.ttl must be between 0 and 255")
	}

	switch c.MulticastLock.Platform {
	case "none", "log":
	default:
		errs = append(errs, fmt.Sprintf("invalid multicast_lock.platform: %s (must be none or log)", c.MulticastLock.Platform))
	}

	if c.Health.Enabled {
		if _, _, err := net.SplitHostPort(c.Health.Address); err != nil {
			errs = append(errs, fmt.Sprintf("health.address: %v", err))
		}
	}
	if c.Health.PasswordHash != "" {
		if _, err := bcrypt.Cost([]byte(c.Health.PasswordHash)); err != nil {
			errs = append(errs, fmt.Sprintf("health.password_hash: not a bcrypt hash: %v", err))
		}
	}

	if c.Control.Enabled && c.Control.SocketPath == "" {
		errs = append(errs, "control.socket_path is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
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

// SocketOptions converts the sockets section into client options.
func (c *Config) SocketOptions() socket.Options {
	family, err := socket.ParseFamily(c.Sockets.DefaultType)
	if err != nil {
		family = socket.FamilyUDP4
	}
	return socket.Options{
		Family:             family,
		ReceiveBufferSize:  int(c.Sockets.ReceiveBuffer),
		MulticastTTL:       c.Sockets.Multicast.TTL,
		MulticastLoopback:  c.Sockets.Multicast.Loopback,
		MulticastInterface: c.Sockets.Multicast.Interface,
		SendRate:           c.Sockets.SendRate,
		SendBurst:          c.Sockets.SendBurst,
	}
}

// String returns the configuration as YAML.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
