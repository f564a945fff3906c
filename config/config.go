/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config holds the process-wide configuration for cmd/slviewer:
// defaults, on-disk YAML, and CLI-flag overrides, per SPEC_FULL.md §9.
package config

import (
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"
)

// TemplateConfig controls where the Message Template schema is loaded
// from; an empty Path keeps the embedded default schema.
type TemplateConfig struct {
	Path string `yaml:"path"`
}

// CircuitConfig mirrors circuit.Config for YAML/flag purposes.
type CircuitConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	DSCP        int `yaml:"dscp"`
}

// Validate reports whether c is sane.
func (c *CircuitConfig) Validate() error {
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be greater than zero")
	}
	if c.DSCP < 0 || c.DSCP > 63 {
		return fmt.Errorf("dscp must be within 0..63")
	}
	return nil
}

// Config specifies slviewer's run options.
type Config struct {
	MonitoringPort int           `yaml:"monitoring_port"`
	StatsInterval  time.Duration `yaml:"stats_interval"`

	Template TemplateConfig `yaml:"template"`
	Circuit  CircuitConfig  `yaml:"circuit"`

	FirstName string `yaml:"first_name"`
	LastName  string `yaml:"last_name"`
	LoginURI  string `yaml:"login_uri"`
}

// DefaultConfig returns Config initialized with default values, per
// ptp/sptp/client/config.go's DefaultConfig.
func DefaultConfig() *Config {
	return &Config{
		MonitoringPort: 4269,
		StatsInterval:  time.Second,
		Circuit: CircuitConfig{
			MaxAttempts: 5,
			DSCP:        0,
		},
	}
}

// Validate reports whether cfg is sane.
func (c *Config) Validate() error {
	if c.MonitoringPort < 0 {
		return fmt.Errorf("monitoring_port must be 0 or positive")
	}
	if c.StatsInterval <= 0 {
		return fmt.Errorf("stats_interval must be greater than zero")
	}
	if err := c.Circuit.Validate(); err != nil {
		return fmt.Errorf("invalid circuit config: %w", err)
	}
	if c.LoginURI == "" {
		return fmt.Errorf("login_uri must be specified")
	}
	return nil
}

// ReadConfig reads config from path, overlaying it onto the defaults.
func ReadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, err
	}
	return c, nil
}

// PrepareConfig builds the final Config from defaults, an optional
// on-disk file, and CLI-flag overrides, validating the result. setFlags
// records which flags the user actually passed so zero values from
// unset flags never clobber file config, mirroring
// ptp/sptp/client/config.go's PrepareConfig.
func PrepareConfig(cfgPath, loginURI, firstName, lastName string, monitoringPort int, dscp int, setFlags map[string]bool) (*Config, error) {
	cfg := DefaultConfig()
	var err error

	warn := func(name string) { log.Warningf("overriding %s from CLI flag", name) }

	if cfgPath != "" {
		cfg, err = ReadConfig(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("reading config from %q: %w", cfgPath, err)
		}
	}
	if setFlags["login-uri"] {
		warn("login-uri")
		cfg.LoginURI = loginURI
	}
	if setFlags["first-name"] {
		warn("first-name")
		cfg.FirstName = firstName
	}
	if setFlags["last-name"] {
		warn("last-name")
		cfg.LastName = lastName
	}
	if setFlags["monitoring-port"] {
		warn("monitoring-port")
		cfg.MonitoringPort = monitoringPort
	}
	if setFlags["dscp"] {
		warn("dscp")
		cfg.Circuit.DSCP = dscp
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	log.Debugf("config: %+v", cfg)
	return cfg, nil
}
