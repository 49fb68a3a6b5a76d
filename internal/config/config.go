// Package config loads YAML broker and node configuration, following
// the same read-file-then-unmarshal-then-default shape the rest of the
// stack uses for its own configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tenzoki/meshwire/internal/idgen"
)

// DefaultGroupName is the bootstrap group a port falls back to when its
// YAML config declares no groups at all.
const DefaultGroupName = "anyone"

// Config is a broker process's configuration: zero or more listening
// ports, each with its own admission token and group credentials.
type Config struct {
	AppName string       `yaml:"app_name"`
	Debug   bool         `yaml:"debug"`
	Ports   []PortConfig `yaml:"ports"`
}

// PortConfig describes one broker listener.
type PortConfig struct {
	Addr               string            `yaml:"addr"`
	Token              string            `yaml:"token"`
	Groups             map[string]string `yaml:"groups"` // uid -> shared secret
	IdleTimeoutSeconds int               `yaml:"idle_timeout_seconds"`
	Debug              bool              `yaml:"debug"`
}

// IdleTimeout returns the configured idle timeout, defaulting to 300s
// when unset.
func (p PortConfig) IdleTimeout() time.Duration {
	if p.IdleTimeoutSeconds <= 0 {
		return 300 * time.Second
	}
	return time.Duration(p.IdleTimeoutSeconds) * time.Second
}

// EnsureDefaultGroup populates Groups with a single DefaultGroupName
// entry secured by idgen.RandomGroup() when the port declares no groups
// at all. It reports the generated secret (empty if no group was
// generated) so a caller can log it for the operator; without that the
// bootstrapped port would be impossible to join.
func (p *PortConfig) EnsureDefaultGroup() (secret string, generated bool) {
	if len(p.Groups) > 0 {
		return "", false
	}
	secret = idgen.RandomGroup()
	p.Groups = map[string]string{DefaultGroupName: secret}
	return secret, true
}

// Load reads and parses filename, applying defaults and validating the
// result.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", filename, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", filename, err)
	}

	for i := range cfg.Ports {
		if cfg.Ports[i].Addr == "" {
			return nil, fmt.Errorf("config: port %d missing addr", i)
		}
	}

	return &cfg, nil
}

// NodeConfig is one node process's connection settings: which broker
// port to dial and what credentials to present at handshake.
type NodeConfig struct {
	BrokerAddr string `yaml:"broker_addr"`
	Group      string `yaml:"group"`
	Secret     string `yaml:"secret"`
	Token      string `yaml:"token"`
	Mac        string `yaml:"mac"`
	Name       string `yaml:"name"`
	Debug      bool   `yaml:"debug"`
}

// LoadNode reads and parses a node configuration file.
func LoadNode(filename string) (*NodeConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", filename, err)
	}

	var cfg NodeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", filename, err)
	}
	if cfg.BrokerAddr == "" {
		return nil, fmt.Errorf("config: node config missing broker_addr")
	}
	return &cfg, nil
}
