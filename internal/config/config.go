// Package config loads the daemon's YAML configuration, grounded on the
// teacher tqserver's internal/config package: a setDefaults pass followed by
// an optional YAML overlay from disk.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon's configuration.
type Config struct {
	Server struct {
		Listen              string `yaml:"listen"`
		ReadTimeoutSeconds  int    `yaml:"read_timeout_seconds"`
		WriteTimeoutSeconds int    `yaml:"write_timeout_seconds"`
		IdleTimeoutSeconds  int    `yaml:"idle_timeout_seconds"`
		MaxConns            int    `yaml:"max_conns"`
		LogFile             string `yaml:"log_file"`
		WorkerCount         int    `yaml:"worker_count"`
	} `yaml:"server"`

	Responder struct {
		DemoScriptsDir string `yaml:"demo_scripts_dir"`
	} `yaml:"responder"`

	FileWatcher struct {
		DebounceMs int `yaml:"debounce_ms"`
	} `yaml:"file_watcher"`

	Metrics struct {
		Listen string `yaml:"listen"`
	} `yaml:"metrics"`
}

// setDefaults fills in the daemon's defaults, mirroring the teacher's
// per-field default assignment style.
func setDefaults(c *Config) {
	c.Server.Listen = "0.0.0.0:6666"
	c.Server.ReadTimeoutSeconds = 60
	c.Server.WriteTimeoutSeconds = 60
	c.Server.IdleTimeoutSeconds = 120
	c.Server.MaxConns = 1000
	c.Server.LogFile = ""
	c.Server.WorkerCount = 0 // 0 = leave GOMAXPROCS at its runtime default
	c.Responder.DemoScriptsDir = "responder/rules"
	c.FileWatcher.DebounceMs = 50
	c.Metrics.Listen = ""
}

// LoadConfig loads the daemon configuration from configPath, overlaying it
// onto the defaults. A missing file is not an error - the defaults apply.
func LoadConfig(configPath string) (*Config, error) {
	c := &Config{}
	setDefaults(c)

	if configPath == "" {
		return c, nil
	}

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	return c, nil
}

func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Server.ReadTimeoutSeconds) * time.Second
}

func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.Server.WriteTimeoutSeconds) * time.Second
}

func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Server.IdleTimeoutSeconds) * time.Second
}

func (c *Config) DebounceDelay() time.Duration {
	return time.Duration(c.FileWatcher.DebounceMs) * time.Millisecond
}
