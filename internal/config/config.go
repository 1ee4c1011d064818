// Package config resolves the broker's runtime configuration: a default,
// optionally overridden by an on-disk YAML file, optionally overridden by
// environment variables — in that order, matching how operators expect
// env vars to win for container/systemd deployments.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Built-in defaults, used when neither a config file nor an environment
// variable supplies a value.
const (
	DefaultPort        = 51511
	DefaultStateDir    = "/tmp/.groups"
	DefaultResetWindow = 300 * time.Second
	DefaultLogLevel    = "info"
)

// Env var names. Each overrides the corresponding config file value.
const (
	EnvPort        = "SMOKESIGNAL_PORT"
	EnvStateDir    = "SMOKESIGNAL_STATE_DIR"
	EnvResetWindow = "SMOKESIGNAL_RESET_WINDOW"
	EnvLogLevel    = "SMOKESIGNAL_LOG_LEVEL"
	EnvConfigFile  = "SMOKESIGNAL_CONFIG"
)

// Config is the broker's resolved runtime configuration.
type Config struct {
	Port        int           `yaml:"port,omitempty"`
	StateDir    string        `yaml:"state_dir,omitempty"`
	ResetWindow time.Duration `yaml:"reset_window,omitempty"`
	LogLevel    string        `yaml:"log_level,omitempty"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Port:        DefaultPort,
		StateDir:    DefaultStateDir,
		ResetWindow: DefaultResetWindow,
		LogLevel:    DefaultLogLevel,
	}
}

// Path returns the YAML config file location: $SMOKESIGNAL_CONFIG if set,
// else $XDG_CONFIG_HOME/smokesignal/config.yaml, else
// ~/.config/smokesignal/config.yaml.
func Path() string {
	if p := os.Getenv(EnvConfigFile); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".config", "smokesignal", "config.yaml")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "smokesignal", "config.yaml")
}

// Load resolves configuration: defaults, then the YAML file at Path() if it
// exists, then environment variable overrides. A missing config file is not
// an error.
func Load() (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(Path())
	switch {
	case err == nil:
		var fileCfg Config
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", Path(), err)
		}
		cfg.merge(fileCfg)
	case os.IsNotExist(err):
		// no file, defaults stand
	default:
		return Config{}, fmt.Errorf("read config %s: %w", Path(), err)
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// merge overwrites each field of c with the corresponding field of other
// wherever other's field is non-zero.
func (c *Config) merge(other Config) {
	if other.Port != 0 {
		c.Port = other.Port
	}
	if other.StateDir != "" {
		c.StateDir = other.StateDir
	}
	if other.ResetWindow != 0 {
		c.ResetWindow = other.ResetWindow
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPort, err)
		}
		c.Port = port
	}
	if v := os.Getenv(EnvStateDir); v != "" {
		c.StateDir = v
	}
	if v := os.Getenv(EnvResetWindow); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvResetWindow, err)
		}
		c.ResetWindow = d
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	return nil
}
