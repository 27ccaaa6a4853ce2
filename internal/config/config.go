// Package config defines the enumerated configuration records for the
// broker and its components, plus yaml loading for the bootstrap binary.
// Every record is validated at construction time; unrecognised options do
// not exist because the records are closed structs.
package config

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Debug bool `yaml:"debug"`

	Broker   Broker     `yaml:"broker"`
	Inbound  []Inbound  `yaml:"inbound"`
	Outbound []Outbound `yaml:"outbound"`
	Scatter  []Scatter  `yaml:"scatter"`

	CacheDir string `yaml:"cache_dir"`
}

// Broker configures the central router.
type Broker struct {
	Name            string `yaml:"name"`
	InboundAddress  string `yaml:"inbound_address"`
	OutboundAddress string `yaml:"outbound_address"`
	MaxMessages     int    `yaml:"max_messages"`
}

// Inbound configures one producer-side component and its broker
// registration.
type Inbound struct {
	Name          string `yaml:"name"`
	ListenAddress string `yaml:"listen_address"`
	BrokerAddress string `yaml:"broker_address"`
	Route         string `yaml:"route"`
	Block         bool   `yaml:"block"`
	Reply         bool   `yaml:"reply"`
	PALM          bool   `yaml:"palm"`
	MaxMessages   int    `yaml:"max_messages"`
	Log           string `yaml:"log"`
}

// Outbound configures one worker-side component and its broker
// registration.
type Outbound struct {
	Name          string `yaml:"name"`
	BrokerAddress string `yaml:"broker_address"`
	MaxMessages   int    `yaml:"max_messages"`
	Log           string `yaml:"log"`
}

// Scatter configures a fan-out service and the push/pull pool it owns.
type Scatter struct {
	Name          string `yaml:"name"`
	PushAddress   string `yaml:"push_address"`
	PullAddress   string `yaml:"pull_address"`
	BrokerAddress string `yaml:"broker_address"`
	MaxMessages   int    `yaml:"max_messages"`
	Log           string `yaml:"log"`
}

// Load reads and validates a yaml configuration file.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Defaults
	if config.Broker.Name == "" {
		config.Broker.Name = "broker"
	}
	if config.Broker.InboundAddress == "" {
		config.Broker.InboundAddress = "tcp://127.0.0.1:5559"
	}
	if config.Broker.OutboundAddress == "" {
		config.Broker.OutboundAddress = "tcp://127.0.0.1:5560"
	}
	if config.Broker.MaxMessages == 0 {
		config.Broker.MaxMessages = math.MaxInt
	}
	for i := range config.Inbound {
		if config.Inbound[i].BrokerAddress == "" {
			config.Inbound[i].BrokerAddress = config.Broker.InboundAddress
		}
		if config.Inbound[i].MaxMessages == 0 {
			config.Inbound[i].MaxMessages = math.MaxInt
		}
	}
	for i := range config.Outbound {
		if config.Outbound[i].BrokerAddress == "" {
			config.Outbound[i].BrokerAddress = config.Broker.OutboundAddress
		}
		if config.Outbound[i].MaxMessages == 0 {
			config.Outbound[i].MaxMessages = math.MaxInt
		}
	}
	for i := range config.Scatter {
		if config.Scatter[i].BrokerAddress == "" {
			config.Scatter[i].BrokerAddress = config.Broker.OutboundAddress
		}
		if config.Scatter[i].MaxMessages == 0 {
			config.Scatter[i].MaxMessages = math.MaxInt
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks every record of the configuration.
func (c *Config) Validate() error {
	if err := c.Broker.Validate(); err != nil {
		return err
	}
	names := make(map[string]bool)
	for _, in := range c.Inbound {
		if err := in.Validate(); err != nil {
			return err
		}
		if names[in.Name] {
			return fmt.Errorf("duplicate component name %q", in.Name)
		}
		names[in.Name] = true
	}
	for _, out := range c.Outbound {
		if err := out.Validate(); err != nil {
			return err
		}
		if names[out.Name] {
			return fmt.Errorf("duplicate component name %q", out.Name)
		}
		names[out.Name] = true
	}
	for _, sc := range c.Scatter {
		if err := sc.Validate(); err != nil {
			return err
		}
		if names[sc.Name] {
			return fmt.Errorf("duplicate component name %q", sc.Name)
		}
		names[sc.Name] = true
	}
	return nil
}

func (b *Broker) Validate() error {
	if b.InboundAddress == "" {
		return fmt.Errorf("broker: inbound_address is required")
	}
	if b.OutboundAddress == "" {
		return fmt.Errorf("broker: outbound_address is required")
	}
	if b.MaxMessages < 1 {
		return fmt.Errorf("broker: max_messages must be >= 1, got %d", b.MaxMessages)
	}
	return nil
}

func (in *Inbound) Validate() error {
	if in.Name == "" {
		return fmt.Errorf("inbound: name is required")
	}
	if in.ListenAddress == "" {
		return fmt.Errorf("inbound %s: listen_address is required", in.Name)
	}
	if in.BrokerAddress == "" {
		return fmt.Errorf("inbound %s: broker_address is required", in.Name)
	}
	if in.MaxMessages < 1 {
		return fmt.Errorf("inbound %s: max_messages must be >= 1, got %d", in.Name, in.MaxMessages)
	}
	return nil
}

func (o *Outbound) Validate() error {
	if o.Name == "" {
		return fmt.Errorf("outbound: name is required")
	}
	if o.BrokerAddress == "" {
		return fmt.Errorf("outbound %s: broker_address is required", o.Name)
	}
	if o.MaxMessages < 1 {
		return fmt.Errorf("outbound %s: max_messages must be >= 1, got %d", o.Name, o.MaxMessages)
	}
	return nil
}

func (s *Scatter) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("scatter: name is required")
	}
	if s.PushAddress == "" || s.PullAddress == "" {
		return fmt.Errorf("scatter %s: push_address and pull_address are required", s.Name)
	}
	if s.BrokerAddress == "" {
		return fmt.Errorf("scatter %s: broker_address is required", s.Name)
	}
	if s.MaxMessages < 1 {
		return fmt.Errorf("scatter %s: max_messages must be >= 1, got %d", s.Name, s.MaxMessages)
	}
	return nil
}
