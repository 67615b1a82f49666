// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for Tether.
type Config struct {
	// Relay configures the connection to the relay service.
	Relay RelayConfig `yaml:"relay"`

	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Sessions configures local session tracking.
	Sessions SessionsConfig `yaml:"sessions"`
}

// RelayConfig configures the relay connection.
type RelayConfig struct {
	// URL is the relay websocket endpoint (wss://...).
	URL string `yaml:"url"`

	// KeepAliveInterval spaces application-level liveness signals.
	// Duration string; default 20s.
	KeepAliveInterval string `yaml:"keep_alive_interval"`

	// ShutdownWriteTimeout bounds the final state write on daemon
	// exit. Duration string; default 5s.
	ShutdownWriteTimeout string `yaml:"shutdown_write_timeout"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for Tether data.
	Root string `yaml:"root"`

	// State is where runtime state is stored (session index,
	// daemon pid file).
	State string `yaml:"state"`

	// Credentials is where sealed scope credentials are stored.
	Credentials string `yaml:"credentials"`
}

// SessionsConfig configures the local session index.
type SessionsConfig struct {
	// MaxRecords caps the session index size; older records are
	// pruned first. Default 500.
	MaxRecords int `yaml:"max_records"`

	// MaxAge prunes session records older than this. Duration
	// string; default 720h (30 days).
	MaxAge string `yaml:"max_age"`

	// Shell is the program spawned for interactive sessions.
	// Default /bin/bash.
	Shell string `yaml:"shell"`
}

// Default returns the default configuration. These defaults ensure
// every field has a sensible zero-value before the file is merged in;
// the config file itself is still required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".local", "share", "tether")

	return &Config{
		Relay: RelayConfig{
			KeepAliveInterval:    "20s",
			ShutdownWriteTimeout: "5s",
		},
		Paths: PathsConfig{
			Root:        defaultRoot,
			State:       filepath.Join(defaultRoot, "state"),
			Credentials: filepath.Join(defaultRoot, "credentials"),
		},
		Sessions: SessionsConfig{
			MaxRecords: 500,
			MaxAge:     "720h",
			Shell:      "/bin/bash",
		},
	}
}

// Load loads configuration from the TETHER_CONFIG environment
// variable. There are no fallbacks: if TETHER_CONFIG is not set, this
// fails.
func Load() (*Config, error) {
	configPath := os.Getenv("TETHER_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("TETHER_CONFIG environment variable not set; " +
			"set it to the path of your tether.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path. The file is
// the single source of truth; environment variables do not override
// its values. The only expansion performed is ${HOME} and similar
// path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in
// paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"TETHER_ROOT": c.Paths.Root,
		"HOME":        os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["TETHER_ROOT"] = c.Paths.Root // Update for dependent paths.

	c.Paths.State = expandVars(c.Paths.State, vars)
	c.Paths.Credentials = expandVars(c.Paths.Credentials, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Relay.URL == "" {
		errs = append(errs, fmt.Errorf("relay.url is required"))
	}
	if _, err := time.ParseDuration(c.Relay.KeepAliveInterval); err != nil {
		errs = append(errs, fmt.Errorf("relay.keep_alive_interval: %w", err))
	}
	if _, err := time.ParseDuration(c.Relay.ShutdownWriteTimeout); err != nil {
		errs = append(errs, fmt.Errorf("relay.shutdown_write_timeout: %w", err))
	}
	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}
	if c.Sessions.MaxRecords <= 0 {
		errs = append(errs, fmt.Errorf("sessions.max_records must be positive"))
	}
	if _, err := time.ParseDuration(c.Sessions.MaxAge); err != nil {
		errs = append(errs, fmt.Errorf("sessions.max_age: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// KeepAliveInterval returns the parsed keep-alive interval. Call
// Validate first.
func (c *Config) KeepAliveInterval() time.Duration {
	d, _ := time.ParseDuration(c.Relay.KeepAliveInterval)
	return d
}

// ShutdownWriteTimeout returns the parsed shutdown write budget.
// Call Validate first.
func (c *Config) ShutdownWriteTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Relay.ShutdownWriteTimeout)
	return d
}

// SessionMaxAge returns the parsed session retention age. Call
// Validate first.
func (c *Config) SessionMaxAge() time.Duration {
	d, _ := time.ParseDuration(c.Sessions.MaxAge)
	return d
}

// ModelCatalogPath returns the location of the model catalog file
// under the data root.
func (c *Config) ModelCatalogPath() string {
	return filepath.Join(c.Paths.Root, "models.json")
}

// EnsurePaths creates all configured directories if they don't exist.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{c.Paths.Root, c.Paths.State} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	if c.Paths.Credentials != "" {
		// Credentials hold sealed secrets; keep the directory private.
		if err := os.MkdirAll(c.Paths.Credentials, 0700); err != nil {
			return fmt.Errorf("creating %s: %w", c.Paths.Credentials, err)
		}
	}
	return nil
}
