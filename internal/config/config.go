// © 2025 Platform Engineering Labs Inc.
//
// SPDX-License-Identifier: FSL-1.1-ALv2

// Package config loads the YAML configuration of the xenon command.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/platform-engineering-labs/xenon-go/pkg/adaptor"
)

// EnvPath names the environment variable that points at the config file.
const EnvPath = "XENON_CONFIG"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Config is the configuration of the xenon command.
type Config struct {
	Log      LogConfig                    `yaml:"log"`
	History  HistoryConfig                `yaml:"history"`
	Metrics  MetricsConfig                `yaml:"metrics"`
	Copy     CopyConfig                   `yaml:"copy"`
	Adaptors map[string]map[string]string `yaml:"adaptors"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type HistoryConfig struct {
	// Path of the SQLite operation log. Empty disables the log.
	Path string `yaml:"path"`
}

type MetricsConfig struct {
	// Address serves /metrics when set, e.g. "127.0.0.1:9464".
	Address string `yaml:"address"`
}

type CopyConfig struct {
	// Workers bounds the files of one recursive copy moved at once.
	Workers int `yaml:"workers"`
}

// Defaults returns the configuration used when no file is given.
func Defaults() *Config {
	return &Config{
		Log:      LogConfig{Level: "info"},
		History:  HistoryConfig{Path: DefaultHistoryPath()},
		Copy:     CopyConfig{Workers: 4},
		Adaptors: map[string]map[string]string{},
	}
}

// DefaultHistoryPath is ~/.local/state/xenon/history.db, or empty when
// there is no home directory.
func DefaultHistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "state", "xenon", "history.db")
}

// Discover returns the config file to load: $XENON_CONFIG, then
// ~/.config/xenon/config.yaml if it exists. Empty means none.
func Discover() string {
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	if home, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(home, ".config", "xenon", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Load reads the file at path over the defaults. An empty path returns the
// defaults. ${VAR} references are replaced by environment variables.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := decode(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader([]byte(interpolateEnv(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if cfg.Adaptors == nil {
		cfg.Adaptors = map[string]map[string]string{}
	}
	if strings.HasPrefix(cfg.History.Path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.History.Path = filepath.Join(home, cfg.History.Path[2:])
		}
	}
	return nil
}

// interpolateEnv replaces ${VAR} with the value of VAR. Unset variables
// are left as they are.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return match
	})
}

// Validate checks the parts of the configuration that do not need the
// adaptor registry.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	if c.Copy.Workers < 0 {
		return fmt.Errorf("copy.workers must not be negative")
	}
	if c.Metrics.Address != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Address); err != nil {
			return fmt.Errorf("metrics.address: %w", err)
		}
	}
	return nil
}

// ValidateAdaptors checks the adaptor properties against the schemas in
// reg.
func (c *Config) ValidateAdaptors(reg *adaptor.Registry) error {
	names := make([]string, 0, len(c.Adaptors))
	for name := range c.Adaptors {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		desc, err := reg.Describe(name)
		if err != nil {
			return fmt.Errorf("adaptors.%s: %w", name, err)
		}
		if _, err := adaptor.ValidateProperties(desc, c.Adaptors[name]); err != nil {
			return fmt.Errorf("adaptors.%s: %w", name, err)
		}
	}
	return nil
}
