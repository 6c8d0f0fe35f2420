package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/loykin/buildrun/internal/classify"
	"github.com/loykin/buildrun/internal/lifecycle"
	"github.com/loykin/buildrun/internal/logger"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables overriding file values,
// e.g. BUILDRUN_SERVER_LISTEN or BUILDRUN_PREFS_DSN.
const EnvPrefix = "BUILDRUN"

// DefaultPrefsDSN is used when no prefs dsn is configured.
const DefaultPrefsDSN = "buildrun.db"

// Config represents the top-level TOML structure (buildrun.toml).
type Config struct {
	Env        []string           `mapstructure:"env"`
	EnvFiles   []string           `mapstructure:"env_files"`
	Log        logger.Config      `mapstructure:"log"`
	Prefs      PrefsConfig        `mapstructure:"prefs"`
	History    HistoryConfig      `mapstructure:"history"`
	Commands   lifecycle.Commands `mapstructure:"commands"`
	Server     ServerConfig       `mapstructure:"server"`
	Classifier classify.Config    `mapstructure:"classifier"`
	Metrics    MetricsConfig      `mapstructure:"metrics"`
}

// PrefsConfig selects the settings store, see prefs/factory.
type PrefsConfig struct {
	DSN string `mapstructure:"dsn"`
}

// HistoryConfig lists the sinks lifecycle events are recorded to.
type HistoryConfig struct {
	DSNs []string `mapstructure:"dsns"`
}

// ServerConfig covers the HTTP adapter and the tracked server process.
type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
	// LogDir receives the server's stdout/stderr files; empty leaves the console attached.
	LogDir    string        `mapstructure:"log_dir"`
	KillGrace time.Duration `mapstructure:"kill_grace"`
	// HealthInterval is how often the tracked pid is re-checked; 0 disables it.
	HealthInterval time.Duration `mapstructure:"health_interval"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", true)
	v.SetDefault("prefs.dsn", DefaultPrefsDSN)
	v.SetDefault("commands.dotnet", "dotnet")
	v.SetDefault("server.listen", "127.0.0.1:8787")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.kill_grace", 3*time.Second)
	v.SetDefault("server.health_interval", time.Second)
	v.SetDefault("metrics.enabled", true)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load reads path (TOML) over the defaults. An empty path yields the defaults with
// environment overrides applied.
func Load(path string) (*Config, error) {
	v := newViper()
	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(filepath.Clean(path))
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Default returns the configuration used when no file is given. Invalid
// environment overrides are ignored here; Load reports them.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var c Config
	_ = v.Unmarshal(&c)
	return &c
}

func (c *Config) Validate() error {
	if c.Server.KillGrace < 0 {
		return errors.New("server.kill_grace must not be negative")
	}
	if c.Server.HealthInterval < 0 {
		return errors.New("server.health_interval must not be negative")
	}
	if bp := c.Server.BasePath; bp != "" && !strings.HasPrefix(bp, "/") {
		return fmt.Errorf("server.base_path %q must start with /", bp)
	}
	if _, err := classify.New(c.Classifier); err != nil {
		return err
	}
	for _, kv := range c.Env {
		if !strings.Contains(kv, "=") {
			return fmt.Errorf("env entry %q is not KEY=VALUE", kv)
		}
	}
	return nil
}

// ProcessLog returns the logging config used for the server's output files, or
// false when server.log_dir is not set.
func (c *Config) ProcessLog() (logger.Config, bool) {
	if strings.TrimSpace(c.Server.LogDir) == "" {
		return logger.Config{}, false
	}
	lc := c.Log
	lc.File.Dir = c.Server.LogDir
	lc.File.StdoutPath = ""
	lc.File.StderrPath = ""
	return lc, true
}

// GlobalEnv merges env_files in order and then the env list; later entries win.
// The result is sorted by key. commands.env is applied per call by the controller.
func (c *Config) GlobalEnv() ([]string, error) {
	m := make(map[string]string)
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range c.Env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(m))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out, nil
}

// LoadEnvFile parses a simple .env file and returns a slice of "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

// loadEnvFile parses KEY=VALUE lines; "export " prefixes and one level of matching
// quotes are stripped. Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("env file: %w", err)
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			continue
		}
		k := strings.TrimSpace(line[:i])
		m[k] = unquote(strings.TrimSpace(line[i+1:]))
	}
	return m, nil
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}
