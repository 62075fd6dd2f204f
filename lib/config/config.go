// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the Hearth
// daemon.
//
// Configuration is loaded from a single YAML blob named by:
//   - the HEARTH_CONFIG environment variable, or
//   - the --config flag passed to the daemon.
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides.
// A missing path yields the documented defaults.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the configuration blob.
const EnvConfigPath = "HEARTH_CONFIG"

// EnvPeerID overrides the generated peer identifier.
const EnvPeerID = "HEARTH_PEER_ID"

// Config is the daemon configuration.
type Config struct {
	// ListenAddress is the peer endpoint ("host:port"). Empty
	// disables the peer listener.
	ListenAddress string `yaml:"listen_address"`

	// IPCPath is the local admin socket path.
	// Default: /run/hearth/hearth.sock
	IPCPath string `yaml:"ipc_path"`

	// LumpCacheBytes is the lump store's eviction target. Zero
	// disables eviction. Default: 256 MiB.
	LumpCacheBytes int64 `yaml:"lump_cache_bytes"`

	// GuestInstructionSlice is the per-slice instruction budget for
	// guest execution. Default: 1,000,000.
	GuestInstructionSlice uint64 `yaml:"guest_instruction_slice"`

	// MailboxDefaultCapacity is the bounded queue size mailboxes get
	// when they do not declare one. Default: 64.
	MailboxDefaultCapacity int `yaml:"mailbox_default_capacity"`

	// LogLevel is one of debug, info, warn, error. Default: info.
	LogLevel string `yaml:"log_level"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		IPCPath:                "/run/hearth/hearth.sock",
		LumpCacheBytes:         256 << 20,
		GuestInstructionSlice:  1_000_000,
		MailboxDefaultCapacity: 64,
		LogLevel:               "info",
	}
}

// Load reads the config blob at path. An empty path falls back to
// HEARTH_CONFIG; if that is unset too, the defaults are returned.
func Load(path string) (Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a config blob. Absent fields keep
// their defaults.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the daemon cannot run with.
func (c Config) Validate() error {
	if c.IPCPath == "" {
		return fmt.Errorf("config: ipc_path must not be empty")
	}
	if c.LumpCacheBytes < 0 {
		return fmt.Errorf("config: lump_cache_bytes must not be negative")
	}
	if c.MailboxDefaultCapacity <= 0 {
		return fmt.Errorf("config: mailbox_default_capacity must be positive")
	}
	if c.GuestInstructionSlice == 0 {
		return fmt.Errorf("config: guest_instruction_slice must be positive")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel maps the configured level name onto slog.
func (c Config) SlogLevel() (slog.Level, error) {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("config: unknown log_level %q", c.LogLevel)
	}
}

// PeerID resolves the peer identifier: the HEARTH_PEER_ID override
// when set, else generate's result.
func PeerID(generate func() string) string {
	if id := os.Getenv(EnvPeerID); id != "" {
		return id
	}
	return generate()
}
