// Package config provides configuration structures and loading logic for the
// TLS trust engine.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the global configuration for the trust engine.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Runtime   RuntimeConfig   `yaml:"runtime"`

	// Listener is the server-side TLS context configuration. Optional.
	Listener *ServerTLSConfig `yaml:"listener,omitempty"`
	// Cluster is the client-side TLS context configuration. Optional.
	Cluster *ClientTLSConfig `yaml:"cluster,omitempty"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
}

// MetricsConfig holds configuration for the Prometheus metrics endpoint.
type MetricsConfig struct {
	ListenAddress string `yaml:"listen_address"`
}

// RuntimeConfig holds percentage-gated feature flags consulted at connection
// time. Keys are flag names, values are enable percentages in [0, 100].
type RuntimeConfig struct {
	Flags map[string]uint32 `yaml:"flags,omitempty"`
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	cfg := &Config{}
	decoder := yaml.NewDecoder(strings.NewReader(string(data)))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for structural errors. It returns the
// first *ConfigError encountered so the caller can refuse activation while
// continuing to serve the last-known-good configuration.
func (c *Config) Validate() error {
	for name, percent := range c.Runtime.Flags {
		if percent > 100 {
			return NewConfigValidationError("runtime.flags."+name, percent,
				"flag percentage must be in [0, 100]")
		}
	}

	if c.Listener != nil {
		if err := c.Listener.Validate(); err != nil {
			return err
		}
	}
	if c.Cluster != nil {
		if err := c.Cluster.Validate(); err != nil {
			return err
		}
	}
	return nil
}
