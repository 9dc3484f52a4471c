package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Binding declares one protocol listener.
type Binding struct {
	Protocol  string `yaml:"protocol"`
	Transport string `yaml:"transport"`
	Port      int    `yaml:"port"`
	// Broker settings apply only to mqtt transports.
	Broker   string `yaml:"broker,omitempty"`
	ClientID string `yaml:"client_id,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	Topic    string `yaml:"topic,omitempty"`
}

// Config is the listener configuration document.
type Config struct {
	Bindings []Binding `yaml:"bindings"`
}

// DefaultConfig returns the bindings used when no config file is present.
func DefaultConfig() Config {
	return Config{
		Bindings: []Binding{
			{Protocol: "suntech", Transport: "tcp", Port: 5011},
			{Protocol: "osmand", Transport: "http", Port: 5055},
			{Protocol: "owntracks", Transport: "mqtt", Broker: "tcp://localhost:1883", Topic: "owntracks/+/+"},
		},
	}
}

// Load reads the listener configuration from path. A missing file yields the
// defaults; a malformed file is an error.
func Load(path string) (Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultConfig(), nil
		}
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if len(cfg.Bindings) == 0 {
		return DefaultConfig(), nil
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	seen := make(map[int]string)
	for _, b := range c.Bindings {
		if b.Protocol == "" {
			return errors.New("config: binding without protocol")
		}
		switch b.Transport {
		case "tcp", "udp", "http":
			if b.Port <= 0 || b.Port > 65535 {
				return fmt.Errorf("config: binding %s: invalid port %d", b.Protocol, b.Port)
			}
			if other, ok := seen[b.Port]; ok {
				return fmt.Errorf("config: port %d bound to both %s and %s", b.Port, other, b.Protocol)
			}
			seen[b.Port] = b.Protocol
		case "mqtt":
			if b.Broker == "" || b.Topic == "" {
				return fmt.Errorf("config: binding %s: mqtt requires broker and topic", b.Protocol)
			}
		default:
			return fmt.Errorf("config: binding %s: unknown transport %q", b.Protocol, b.Transport)
		}
	}
	return nil
}
