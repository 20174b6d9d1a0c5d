// Package config handles monocod configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/monocod/config.yaml, /config/config.yaml,
// /etc/monocod/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "monocod", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/monocod/config.yaml")
	return paths
}

// searchPathsFunc is an indirection over DefaultSearchPaths so tests can
// avoid finding real config files on developer machines.
var searchPathsFunc = DefaultSearchPaths

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range searchPathsFunc() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPathsFunc())
}

// Config holds all monocod daemon configuration.
type Config struct {
	Listen   ListenConfig          `yaml:"listen"`
	Project  ProjectConfig         `yaml:"project"`
	Roles    map[string]RoleConfig `yaml:"roles"`
	Engines  EnginesConfig         `yaml:"engines"`
	Hooks    HooksConfig           `yaml:"hooks"`
	Mailbox  MailboxConfig         `yaml:"mailbox"`
	Watch    WatchConfig           `yaml:"watch"`
	Forge    ForgeConfig           `yaml:"forge"`
	DataDir  string                `yaml:"data_dir"`
	RolesDir string                `yaml:"roles_dir"`
	LogLevel string                `yaml:"log_level"`
}

// ListenConfig defines the daemon HTTP server settings. The daemon
// claims the first free port in [Port, Port+PortRange).
type ListenConfig struct {
	Address   string `yaml:"address"` // Bind address (default: "127.0.0.1")
	Port      int    `yaml:"port"`    // Default: 8642
	PortRange int    `yaml:"port_range"`
}

// ProjectConfig defines the project tree the daemon orchestrates.
type ProjectConfig struct {
	// Root is the project directory containing Issues/, Memos/, and the
	// git checkout of trunk. Defaults to the working directory.
	Root string `yaml:"root"`
	// Trunk is the integration branch files are merged onto at close.
	// Default "main", with a runtime fallback to "master".
	Trunk string `yaml:"trunk"`
	// Slug is the URL-safe name this project registers under in the
	// global inventory for webhook routing.
	Slug string `yaml:"slug"`
}

// RoleConfig overrides one agent role's profile from the config file.
// Zero values fall through to the role profile file, then to the
// built-in defaults.
type RoleConfig struct {
	Engine      string `yaml:"engine"`
	Concurrency int    `yaml:"concurrency"`
	TimeoutSec  int    `yaml:"timeout_sec"`
	QueueDepth  int    `yaml:"queue_depth"`
}

// EnginesConfig names the default agent engine and any per-engine
// binary path overrides.
type EnginesConfig struct {
	Default  string            `yaml:"default"`
	Binaries map[string]string `yaml:"binaries"`
}

// HooksConfig defines hook discovery and execution settings.
type HooksConfig struct {
	// ExtraDirs are searched after the project-local and user-global
	// hook directories but before the built-in hooks.
	ExtraDirs []string `yaml:"extra_dirs"`
	// DefaultTimeoutSec bounds synchronous hook execution (default 30).
	DefaultTimeoutSec int `yaml:"default_timeout_sec"`
}

// MailboxConfig defines outbound dispatch retry policy and inbound
// debounce windows.
type MailboxConfig struct {
	// MaxRetries before a message moves to .deadletter (default 5).
	MaxRetries int `yaml:"max_retries"`
	// RetryBaseSec is the exponential backoff base (default 5).
	RetryBaseSec int `yaml:"retry_base_sec"`
	// RetryCapSec is the backoff ceiling (default 3600).
	RetryCapSec int `yaml:"retry_cap_sec"`
	// DebounceQuietSec is the inbound coalescing quiet window (default 5).
	DebounceQuietSec int `yaml:"debounce_quiet_sec"`
	// DebounceCeilingSec is the hard ceiling a debounce window may stay
	// open regardless of message arrival (default 30).
	DebounceCeilingSec int `yaml:"debounce_ceiling_sec"`
	// PollIntervalSec is the outbound dispatcher scan interval (default 5).
	PollIntervalSec int `yaml:"poll_interval_sec"`
	// Webhooks maps a provider name to a relay endpoint; outbound
	// messages for that provider are POSTed there as JSON.
	Webhooks map[string]string `yaml:"webhooks"`
}

// WatchConfig defines filesystem watcher behavior.
type WatchConfig struct {
	// PollIntervalSec is the fallback polling cadence used when native
	// filesystem notification cannot be established (default 2, spec
	// range 1-5s).
	PollIntervalSec int `yaml:"poll_interval_sec"`
}

// ForgeConfig defines the optional code-forge connection used to watch
// for pull requests and schedule the Reviewer role.
type ForgeConfig struct {
	Provider string `yaml:"provider"` // "github" (empty disables forge watching)
	Repo     string `yaml:"repo"`     // "owner/repo"
	Token    string `yaml:"token"`
	BaseURL  string `yaml:"base_url"` // GitHub Enterprise, empty for github.com
	// PollIntervalSec controls how often open PRs are polled (default 60).
	PollIntervalSec int `yaml:"poll_interval_sec"`
}

// Configured reports whether the forge connection has both a repo and a
// token. A partial configuration is treated as unconfigured.
func (c ForgeConfig) Configured() bool {
	return c.Repo != "" && c.Token != ""
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${HOME}, ${GITHUB_TOKEN}).
	// This is a convenience for container deployments; the recommended
	// approach is to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Listen.Address == "" {
		c.Listen.Address = "127.0.0.1"
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = 8642
	}
	if c.Listen.PortRange == 0 {
		c.Listen.PortRange = 16
	}
	if c.Project.Root == "" {
		if wd, err := os.Getwd(); err == nil {
			c.Project.Root = wd
		} else {
			c.Project.Root = "."
		}
	}
	if c.Project.Trunk == "" {
		c.Project.Trunk = "main"
	}
	if c.Project.Slug == "" {
		c.Project.Slug = filepath.Base(c.Project.Root)
	}
	if c.DataDir == "" {
		c.DataDir = filepath.Join(c.Project.Root, ".monoco")
	}
	if c.RolesDir == "" {
		c.RolesDir = filepath.Join(c.DataDir, "roles")
	}
	if c.Engines.Default == "" {
		c.Engines.Default = "claude"
	}
	if c.Hooks.DefaultTimeoutSec == 0 {
		c.Hooks.DefaultTimeoutSec = 30
	}
	if c.Mailbox.MaxRetries == 0 {
		c.Mailbox.MaxRetries = 5
	}
	if c.Mailbox.RetryBaseSec == 0 {
		c.Mailbox.RetryBaseSec = 5
	}
	if c.Mailbox.RetryCapSec == 0 {
		c.Mailbox.RetryCapSec = 3600
	}
	if c.Mailbox.DebounceQuietSec == 0 {
		c.Mailbox.DebounceQuietSec = 5
	}
	if c.Mailbox.DebounceCeilingSec == 0 {
		c.Mailbox.DebounceCeilingSec = 30
	}
	if c.Mailbox.PollIntervalSec == 0 {
		c.Mailbox.PollIntervalSec = 5
	}
	if c.Watch.PollIntervalSec == 0 {
		c.Watch.PollIntervalSec = 2
	}
	if c.Forge.PollIntervalSec == 0 {
		c.Forge.PollIntervalSec = 60
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if c.Listen.PortRange < 1 {
		return fmt.Errorf("listen.port_range %d must be at least 1", c.Listen.PortRange)
	}
	if c.Watch.PollIntervalSec < 1 || c.Watch.PollIntervalSec > 5 {
		return fmt.Errorf("watch.poll_interval_sec %d out of range (1-5)", c.Watch.PollIntervalSec)
	}
	for name, role := range c.Roles {
		if role.Concurrency < 0 {
			return fmt.Errorf("roles.%s.concurrency %d must not be negative", name, role.Concurrency)
		}
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// HookTimeout returns the synchronous hook timeout as a duration.
func (c *Config) HookTimeout() time.Duration {
	return time.Duration(c.Hooks.DefaultTimeoutSec) * time.Second
}

// Default returns a default configuration suitable for orchestrating the
// current working directory. All defaults are already applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
