// Package config loads the settings of the toolexec agent.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	EnvConfigPath = "SW_AGENT_CONFIG"
	EnvLogLevel   = "SW_AGENT_LOG_LEVEL"
	EnvLogPath    = "SW_AGENT_LOG_PATH"
	EnvInjection  = "SW_AGENT_VIRTUAL_FIELD_INJECTION"
)

type Config struct {
	Log          LogConfig          `yaml:"log"`
	VirtualField VirtualFieldConfig `yaml:"virtual_field"`
}

type LogConfig struct {
	Path  string `yaml:"path"`
	Level string `yaml:"level"`
}

type VirtualFieldConfig struct {
	// InjectionEnabled turns off field injection when false, every virtual
	// field then lives in the fallback storage.
	InjectionEnabled bool `yaml:"injection_enabled"`
	// ExcludedPackages are import path prefixes never augmented.
	ExcludedPackages []string `yaml:"excluded_packages"`
}

func Default() *Config {
	return &Config{
		Log: LogConfig{
			Path:  "go-agent-instrument.log",
			Level: "info",
		},
		VirtualField: VirtualFieldConfig{
			InjectionEnabled: true,
			ExcludedPackages: []string{"runtime", "unsafe", "sync", "reflect"},
		},
	}
}

// Load reads the file named by SW_AGENT_CONFIG, when set, over the defaults
// and applies the environment overrides.
func Load() (*Config, error) {
	return LoadFile(os.Getenv(EnvConfigPath))
}

func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config file %s", path)
		}
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if val := os.Getenv(EnvLogLevel); val != "" {
		cfg.Log.Level = val
	}
	if val := os.Getenv(EnvLogPath); val != "" {
		cfg.Log.Path = val
	}
	if val := os.Getenv(EnvInjection); val != "" {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			return errors.Wrapf(err, "%s", EnvInjection)
		}
		cfg.VirtualField.InjectionEnabled = enabled
	}
	return nil
}

func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrapf(err, "log.level")
	}
	for _, pkg := range c.VirtualField.ExcludedPackages {
		if strings.TrimSpace(pkg) == "" {
			return errors.New("virtual_field.excluded_packages: empty package")
		}
	}
	return nil
}
