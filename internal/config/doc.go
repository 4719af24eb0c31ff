// Package config handles configuration loading for parley-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file with environment
// variable expansion. Files ending in .toml are parsed as TOML; everything
// else is parsed as YAML. Missing values fall back to defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from PARLEY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/parley/gateway.yaml (~/.config when unset)
//
// Without a file the gateway runs on defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	server:
//	  http_addr: "${PARLEY_ADDR}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to an empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	protocol:
//	  closed_ttl: "5m"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "127.0.0.1:8080"
//	  mount_path: "/parley"
//	  shutdown_timeout: "10s"
//
//	protocol:
//	  max_frame_bytes: 8388608
//	  read_chunk_bytes: 32768
//	  closed_ttl: "5m"
//	  closed_capacity: 10000
//
//	logging:
//	  level: "info"    # debug, info, warn, error
//	  format: "text"   # text or json
package config
