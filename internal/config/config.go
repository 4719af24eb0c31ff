// ABOUTME: Configuration loading and parsing for parley-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/parley/internal/wire"
)

// Config represents the complete parley-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Protocol ProtocolConfig `yaml:"protocol" toml:"protocol"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr  string `yaml:"http_addr" toml:"http_addr"`
	MountPath string `yaml:"mount_path" toml:"mount_path"`

	ShutdownTimeout    time.Duration `yaml:"-" toml:"-"`
	ShutdownTimeoutRaw string        `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// ProtocolConfig tunes framing and the conversation registry
type ProtocolConfig struct {
	MaxFrameBytes  uint32 `yaml:"max_frame_bytes" toml:"max_frame_bytes"`
	ReadChunkBytes int    `yaml:"read_chunk_bytes" toml:"read_chunk_bytes"`
	ClosedCapacity int    `yaml:"closed_capacity" toml:"closed_capacity"`

	// ClosedTTL is how long ids of finished conversations are remembered
	ClosedTTL    time.Duration `yaml:"-" toml:"-"`
	ClosedTTLRaw string        `yaml:"closed_ttl" toml:"closed_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Defaults used when a field is left empty.
const (
	DefaultHTTPAddr        = "127.0.0.1:8080"
	DefaultMountPath       = "/parley"
	DefaultClosedTTL       = 5 * time.Minute
	DefaultClosedCapacity  = 10000
	DefaultShutdownTimeout = 10 * time.Second
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// DefaultPath returns the config path from PARLEY_CONFIG, falling back to
// $XDG_CONFIG_HOME/parley/gateway.yaml.
func DefaultPath() string {
	if p := os.Getenv("PARLEY_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "parley", "gateway.yaml")
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Server.MountPath == "" {
		c.Server.MountPath = DefaultMountPath
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Protocol.MaxFrameBytes == 0 {
		c.Protocol.MaxFrameBytes = wire.DefaultMaxFrameBytes
	}
	if c.Protocol.ClosedTTL == 0 {
		c.Protocol.ClosedTTL = DefaultClosedTTL
	}
	if c.Protocol.ClosedCapacity == 0 {
		c.Protocol.ClosedCapacity = DefaultClosedCapacity
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all configuration fields are valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if !strings.HasPrefix(c.Server.MountPath, "/") {
		return fmt.Errorf("server.mount_path must start with /")
	}
	if c.Protocol.ReadChunkBytes < 0 {
		return fmt.Errorf("protocol.read_chunk_bytes must not be negative")
	}
	if c.Protocol.ClosedCapacity < 0 {
		return fmt.Errorf("protocol.closed_capacity must not be negative")
	}
	if c.Protocol.ClosedTTL < 0 {
		return fmt.Errorf("protocol.closed_ttl must not be negative")
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// ParseLevel maps a logging.level value onto a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", level)
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Server.ShutdownTimeoutRaw != "" {
		cfg.Server.ShutdownTimeout, err = time.ParseDuration(cfg.Server.ShutdownTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing shutdown_timeout %q: %w", cfg.Server.ShutdownTimeoutRaw, err)
		}
	}

	if cfg.Protocol.ClosedTTLRaw != "" {
		cfg.Protocol.ClosedTTL, err = time.ParseDuration(cfg.Protocol.ClosedTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing closed_ttl %q: %w", cfg.Protocol.ClosedTTLRaw, err)
		}
	}

	return nil
}
