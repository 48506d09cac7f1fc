// Package config loads and saves the small YAML configuration
// document described in spec.md §6 / SPEC_FULL.md §6: a config
// directory (holding resume/), an FTP bind address, and the ambient
// auth/metrics settings this system's expanded scope adds.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned for a config that fails validation,
// e.g. a missing required field or a bind address that cannot be
// parsed. A bind address that is already in use is not detected here.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the full on-disk configuration document.
type Config struct {
	// Dir is the config directory; Dir/resume holds resume data and
	// Dir/accounting.db holds the accounting database.
	Dir string `yaml:"dir"`
	// FTPAddr is the address the FTP server binds, e.g. ":2121".
	FTPAddr string `yaml:"ftp_addr"`
	// AuthFile is the path to the YAML user/password-hash file consumed
	// by internal/auth's file-backed Service.
	AuthFile string `yaml:"auth_file"`
	// MetricsAddr is the loopback address the Prometheus registry is
	// served on, e.g. "127.0.0.1:9090". Empty disables metrics.
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
}

// ResumeDir is Dir/resume, the directory ResumeService persists to.
func (c *Config) ResumeDir() string {
	return filepath.Join(c.Dir, "resume")
}

// AccountingPath is Dir/accounting.db, the bbolt file internal/accounting
// opens.
func (c *Config) AccountingPath() string {
	return filepath.Join(c.Dir, "accounting.db")
}

// Load reads and validates the YAML config document at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Save writes c to path as YAML, creating c.Dir if it does not exist.
func (c *Config) Save(path string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return fmt.Errorf("config: mkdir %s: %w", c.Dir, err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// Validate checks that c's required fields are present and its bind
// addresses are at least well-formed (it does not attempt to bind
// them; the FTP/metrics listeners themselves surface a busy port).
func (c *Config) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("%w: dir is required", ErrInvalidConfig)
	}
	if err := validateAddr(c.FTPAddr); err != nil {
		return fmt.Errorf("%w: ftp_addr: %v", ErrInvalidConfig, err)
	}
	if c.MetricsAddr != "" {
		if err := validateAddr(c.MetricsAddr); err != nil {
			return fmt.Errorf("%w: metrics_addr: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

func validateAddr(addr string) error {
	if addr == "" {
		return errors.New("address is required")
	}
	_, _, err := net.SplitHostPort(addr)
	return err
}
