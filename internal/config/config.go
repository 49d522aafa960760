// Package config loads probecov settings from YAML files and the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// StoreKind names a storage backend.
type StoreKind string

const (
	StoreFile   StoreKind = "file"
	StoreBadger StoreKind = "badger"
	StoreMemory StoreKind = "memory"
)

// Config holds all configuration for probecov.
type Config struct {
	// CFGsDir is where the file store keeps ID-CFGs.
	CFGsDir string `yaml:"cfgs_dir" env:"PROBECOV_CFGS_DIR"`

	// LogsDir receives coverage reports, the summary and diagnostics.log.
	LogsDir string `yaml:"logs_dir" env:"PROBECOV_LOGS_DIR"`

	// PlanDir receives the per-class probe plans.
	PlanDir string `yaml:"plan_dir" env:"PROBECOV_PLAN_DIR"`

	Store     StoreKind `yaml:"store" env:"PROBECOV_STORE"`
	BadgerDir string    `yaml:"badger_dir" env:"PROBECOV_BADGER_DIR"`

	// CFG construction
	ExceptionalEdges bool `yaml:"exceptional_edges" env:"PROBECOV_EXCEPTIONAL_EDGES"`
	SplitProbes      bool `yaml:"split_probes" env:"PROBECOV_SPLIT_PROBES"`

	LogLevel string `yaml:"log_level" env:"PROBECOV_LOG_LEVEL"`
	Workers  int    `yaml:"workers" env:"PROBECOV_WORKERS"`
}

// DefaultConfig returns a Config with the default layout under ./.probecov.
func DefaultConfig() *Config {
	return &Config{
		CFGsDir:          filepath.Join(".probecov", "cfgs"),
		LogsDir:          filepath.Join(".probecov", "logs"),
		PlanDir:          filepath.Join(".probecov", "plans"),
		Store:            StoreFile,
		BadgerDir:        filepath.Join(".probecov", "badger"),
		ExceptionalEdges: true,
		SplitProbes:      true,
		LogLevel:         "info",
		Workers:          runtime.NumCPU(),
	}
}

// globalConfigFilePath returns the global config file path (~/.probecov/config.yaml)
func globalConfigFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".probecov", "config.yaml")
	}
	return filepath.Join(home, ".probecov", "config.yaml")
}

// projectConfigFilePath returns the project-level config file path (./.probecov/config.yaml)
func projectConfigFilePath() string {
	return filepath.Join(".probecov", "config.yaml")
}

// Load reads configuration with the following priority (highest to lowest):
// 1. Environment variables (PROBECOV_*)
// 2. Project-level config (./.probecov/config.yaml)
// 3. Global config (~/.probecov/config.yaml)
// 4. Defaults
//
// Command-line flags are applied by the caller on top of the result.
func Load() (*Config, error) {
	return LoadFrom(os.LookupEnv, globalConfigFilePath(), projectConfigFilePath())
}

// LoadFrom layers the given files in order over the defaults, then applies
// environment overrides read through lookup. Missing files are skipped.
func LoadFrom(lookup func(string) (string, bool), paths ...string) (*Config, error) {
	cfg := DefaultConfig()

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg, lookup); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the configuration to the specified YAML file path.
// It creates parent directories if they don't exist.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) error {
		v, ok := lookup(name)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, v, err)
		}
		*dst = b
		return nil
	}

	str("PROBECOV_CFGS_DIR", &cfg.CFGsDir)
	str("PROBECOV_LOGS_DIR", &cfg.LogsDir)
	str("PROBECOV_PLAN_DIR", &cfg.PlanDir)
	str("PROBECOV_BADGER_DIR", &cfg.BadgerDir)
	str("PROBECOV_LOG_LEVEL", &cfg.LogLevel)

	if v, ok := lookup("PROBECOV_STORE"); ok && v != "" {
		cfg.Store = StoreKind(v)
	}
	if err := boolean("PROBECOV_EXCEPTIONAL_EDGES", &cfg.ExceptionalEdges); err != nil {
		return err
	}
	if err := boolean("PROBECOV_SPLIT_PROBES", &cfg.SplitProbes); err != nil {
		return err
	}
	if v, ok := lookup("PROBECOV_WORKERS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PROBECOV_WORKERS %q: %w", v, err)
		}
		cfg.Workers = n
	}

	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreFile:
		if c.CFGsDir == "" {
			return fmt.Errorf("cfgs_dir is required for the file store")
		}
	case StoreBadger:
		if c.BadgerDir == "" {
			return fmt.Errorf("badger_dir is required for the badger store")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unsupported store: %q (must be %q, %q or %q)", c.Store, StoreFile, StoreBadger, StoreMemory)
	}

	if c.LogsDir == "" {
		return fmt.Errorf("logs_dir is required")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}

	return nil
}

// StorePath returns the location the configured store opens.
func (c *Config) StorePath() string {
	if c.Store == StoreBadger {
		return c.BadgerDir
	}
	return c.CFGsDir
}

// Level returns the configured log level.
func (c *Config) Level() slog.Level {
	level, _ := ParseLevel(c.LogLevel)
	return level
}

// ParseLevel parses debug, info, warn or error.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return level, fmt.Errorf("invalid log_level %q", s)
	}
	return level, nil
}
