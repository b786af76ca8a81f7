// Package config loads the daemon's layered configuration (§6.1) and
// the client's environment-driven configuration (§6.2), following the
// teacher's viper-plus-validator config package shape.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the daemon's static configuration (§6.1).
type Config struct {
	LogFile        string `mapstructure:"log-file" yaml:"log-file"`
	PoolSetDir     string `mapstructure:"poolset-dir" validate:"required" yaml:"poolset-dir"`
	PersistAPM     bool   `mapstructure:"persist-apm" yaml:"persist-apm"`
	PersistGeneral bool   `mapstructure:"persist-general" yaml:"persist-general"`
	UseSyslog      bool   `mapstructure:"use-syslog" yaml:"use-syslog"`
	LogLevel       string `mapstructure:"log-level" validate:"omitempty,oneof=err warn notice info debug" yaml:"log-level"`
	NThreads       int    `mapstructure:"nthreads" validate:"gte=0" yaml:"nthreads"`
	MetricsPort    int    `mapstructure:"metrics-port" validate:"omitempty,min=1,max=65535" yaml:"metrics-port"`
}

// ApplyDefaults fills unset fields the way the teacher's ApplyDefaults
// does: zero values replaced, explicit values preserved.
func ApplyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if cfg.PoolSetDir == "" {
		cfg.PoolSetDir = "/var/lib/rpmem"
	}
	cfg.PoolSetDir = expandHome(cfg.PoolSetDir)
	if cfg.MetricsPort == 0 {
		cfg.MetricsPort = 9090
	}
	// nthreads == 0 means "default to lane count" per §6.1; that
	// resolution happens where lane count is known, not here.
}

// expandHome implements the literal "$HOME" expansion §6.1 requires
// for poolset-dir; it does not touch "~" since the spec names $HOME
// specifically.
func expandHome(path string) string {
	if !strings.Contains(path, "$HOME") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return strings.ReplaceAll(path, "$HOME", home)
}

// Validate runs struct-tag validation over cfg.
func Validate(cfg *Config) error {
	return validator.New().Struct(cfg)
}

// Load merges the four configuration sources in §6.1's precedence
// order (lowest to highest): /etc/<daemon>/<daemon>.conf,
// $HOME/.<daemon>.conf, an explicit path (explicitPath), then flags
// already bound into v by the caller (cobra's BindPFlags).
func Load(v *viper.Viper, daemon, explicitPath string) (*Config, error) {
	v.SetConfigType("yaml")

	for _, p := range candidatePaths(daemon, explicitPath) {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		v.SetConfigFile(p)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", p, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return &cfg, nil
}

// candidatePaths returns the three file-based sources in ascending
// precedence order; viper.MergeInConfig applied in this order gives
// later sources priority over earlier ones, and CLI flags bound into
// the same viper instance by the caller outrank all three.
func candidatePaths(daemon, explicitPath string) []string {
	paths := []string{
		filepath.Join("/etc", daemon, daemon+".conf"),
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, "."+daemon+".conf"))
	}
	if explicitPath != "" {
		paths = append(paths, explicitPath)
	}
	return paths
}
