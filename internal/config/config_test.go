// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults and duration parsing

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/2389/parley/internal/wire"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", `
server:
  http_addr: "0.0.0.0:9090"
  mount_path: "/rpc"
  shutdown_timeout: "3s"

protocol:
  max_frame_bytes: 1024
  read_chunk_bytes: 512
  closed_ttl: "90s"
  closed_capacity: 50

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:9090" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:9090")
	}
	if cfg.Server.MountPath != "/rpc" {
		t.Errorf("Server.MountPath = %q, want %q", cfg.Server.MountPath, "/rpc")
	}
	if cfg.Server.ShutdownTimeout != 3*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v, want %v", cfg.Server.ShutdownTimeout, 3*time.Second)
	}
	if cfg.Protocol.MaxFrameBytes != 1024 {
		t.Errorf("Protocol.MaxFrameBytes = %d, want 1024", cfg.Protocol.MaxFrameBytes)
	}
	if cfg.Protocol.ReadChunkBytes != 512 {
		t.Errorf("Protocol.ReadChunkBytes = %d, want 512", cfg.Protocol.ReadChunkBytes)
	}
	if cfg.Protocol.ClosedTTL != 90*time.Second {
		t.Errorf("Protocol.ClosedTTL = %v, want %v", cfg.Protocol.ClosedTTL, 90*time.Second)
	}
	if cfg.Protocol.ClosedCapacity != 50 {
		t.Errorf("Protocol.ClosedCapacity = %d, want 50", cfg.Protocol.ClosedCapacity)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v, want debug/json", cfg.Logging)
	}
}

func TestLoad_ValidTOML(t *testing.T) {
	path := writeConfig(t, "gateway.toml", `
[server]
http_addr = "127.0.0.1:7000"

[protocol]
closed_ttl = "2m"
max_frame_bytes = 4096

[logging]
level = "warn"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:7000" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "127.0.0.1:7000")
	}
	if cfg.Protocol.ClosedTTL != 2*time.Minute {
		t.Errorf("Protocol.ClosedTTL = %v, want %v", cfg.Protocol.ClosedTTL, 2*time.Minute)
	}
	if cfg.Protocol.MaxFrameBytes != 4096 {
		t.Errorf("Protocol.MaxFrameBytes = %d, want 4096", cfg.Protocol.MaxFrameBytes)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "warn")
	}
	if cfg.Server.MountPath != DefaultMountPath {
		t.Errorf("Server.MountPath = %q, want default %q", cfg.Server.MountPath, DefaultMountPath)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", "logging:\n  level: info\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	want := Default()
	if cfg.Server != want.Server {
		t.Errorf("Server = %+v, want %+v", cfg.Server, want.Server)
	}
	if cfg.Protocol.MaxFrameBytes != wire.DefaultMaxFrameBytes {
		t.Errorf("Protocol.MaxFrameBytes = %d, want %d", cfg.Protocol.MaxFrameBytes, wire.DefaultMaxFrameBytes)
	}
	if cfg.Protocol.ClosedTTL != DefaultClosedTTL {
		t.Errorf("Protocol.ClosedTTL = %v, want %v", cfg.Protocol.ClosedTTL, DefaultClosedTTL)
	}
	if cfg.Protocol.ClosedCapacity != DefaultClosedCapacity {
		t.Errorf("Protocol.ClosedCapacity = %d, want %d", cfg.Protocol.ClosedCapacity, DefaultClosedCapacity)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format = %q, want text", cfg.Logging.Format)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("PARLEY_TEST_ADDR", "10.0.0.1:8443")
	t.Setenv("PARLEY_TEST_LEVEL", "error")

	path := writeConfig(t, "gateway.yaml", `
server:
  http_addr: "${PARLEY_TEST_ADDR}"
logging:
  level: "${PARLEY_TEST_LEVEL}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPAddr != "10.0.0.1:8443" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "10.0.0.1:8443")
	}
	if cfg.Logging.Level != "error" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "error")
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{
			name:    "invalid yaml",
			file:    "gateway.yaml",
			content: "server: [unclosed",
			wantErr: "parsing config file",
		},
		{
			name:    "invalid toml",
			file:    "gateway.toml",
			content: "[server\nhttp_addr = 1",
			wantErr: "parsing config file",
		},
		{
			name:    "invalid duration",
			file:    "gateway.yaml",
			content: "protocol:\n  closed_ttl: \"soon\"\n",
			wantErr: "closed_ttl",
		},
		{
			name:    "mount path without slash",
			file:    "gateway.yaml",
			content: "server:\n  mount_path: \"parley\"\n",
			wantErr: "server.mount_path",
		},
		{
			name:    "unknown level",
			file:    "gateway.yaml",
			content: "logging:\n  level: \"loud\"\n",
			wantErr: "logging.level",
		},
		{
			name:    "unknown format",
			file:    "gateway.yaml",
			content: "logging:\n  format: \"xml\"\n",
			wantErr: "logging.format",
		},
		{
			name:    "negative chunk",
			file:    "gateway.yaml",
			content: "protocol:\n  read_chunk_bytes: -1\n",
			wantErr: "read_chunk_bytes",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.content))
			if err == nil {
				t.Fatal("Load() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("PARLEY_A", "alpha")

	tests := []struct {
		in   string
		want string
	}{
		{"${PARLEY_A}", "alpha"},
		{"pre-${PARLEY_A}-post", "pre-alpha-post"},
		{"${PARLEY_UNSET_FOR_TEST}", ""},
		{"no vars", "no vars"},
		{"$PARLEY_A", "$PARLEY_A"},
	}
	for _, tt := range tests {
		if got := expandEnvVars(tt.in); got != tt.want {
			t.Errorf("expandEnvVars(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		if err != nil {
			t.Errorf("ParseLevel(%q) error = %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("PARLEY_CONFIG", "/etc/parley.toml")
	if got := DefaultPath(); got != "/etc/parley.toml" {
		t.Errorf("DefaultPath() = %q, want PARLEY_CONFIG value", got)
	}

	t.Setenv("PARLEY_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	if got := DefaultPath(); got != filepath.Join("/tmp/xdg", "parley", "gateway.yaml") {
		t.Errorf("DefaultPath() = %q", got)
	}
}
