// Package config loads server settings from a YAML file with environment
// overrides for the bits that differ per deployment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultConfigFile = "arbiter.yaml"

// Config is the full server configuration. Zero-valued durations fall back
// to coordinator defaults.
type Config struct {
	Addr       string `yaml:"addr"`
	SocketPath string `yaml:"socket_path"`
	DBPath     string `yaml:"db_path"`
	KeysFile   string `yaml:"keys_file"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	LockTTL          time.Duration `yaml:"-"`
	ClaimTTL         time.Duration `yaml:"-"`
	CleanupInterval  time.Duration `yaml:"-"`
	OrphanThreshold  time.Duration `yaml:"-"`
	WarningThreshold time.Duration `yaml:"-"`
	JournalRetention time.Duration `yaml:"-"`
}

// UnmarshalYAML decodes duration fields from "2m"-style strings, which the
// yaml package does not do for time.Duration on its own.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type plain Config
	aux := struct {
		*plain           `yaml:",inline"`
		LockTTL          string `yaml:"lock_ttl"`
		ClaimTTL         string `yaml:"claim_ttl"`
		CleanupInterval  string `yaml:"cleanup_interval"`
		OrphanThreshold  string `yaml:"orphan_threshold"`
		WarningThreshold string `yaml:"warning_threshold"`
		JournalRetention string `yaml:"journal_retention"`
	}{plain: (*plain)(c)}
	if err := node.Decode(&aux); err != nil {
		return err
	}
	for _, f := range []struct {
		raw string
		dst *time.Duration
	}{
		{aux.LockTTL, &c.LockTTL},
		{aux.ClaimTTL, &c.ClaimTTL},
		{aux.CleanupInterval, &c.CleanupInterval},
		{aux.OrphanThreshold, &c.OrphanThreshold},
		{aux.WarningThreshold, &c.WarningThreshold},
		{aux.JournalRetention, &c.JournalRetention},
	} {
		if strings.TrimSpace(f.raw) == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

func Default() Config {
	return Config{
		Addr:      ":7463",
		DBPath:    "arbiter.db",
		LogLevel:  "info",
		LogFormat: "json",
	}
}

// ResolvePath returns the config file to read: ARBITER_CONFIG when set,
// otherwise ./arbiter.yaml.
func ResolvePath() string {
	if v := strings.TrimSpace(os.Getenv("ARBITER_CONFIG")); v != "" {
		return v
	}
	return defaultConfigFile
}

// LoadFromEnv loads the resolved config file. A missing default file is not
// an error; a missing explicitly-configured file is.
func LoadFromEnv() (Config, error) {
	path := ResolvePath()
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) && os.Getenv("ARBITER_CONFIG") == "" {
		return Default(), nil
	}
	return cfg, err
}

// Load reads and parses a config file, filling unset fields from Default.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Default(), fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Default(), fmt.Errorf("parse config: %w", err)
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = Default().Addr
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = Default().DBPath
	}
	return cfg, nil
}
