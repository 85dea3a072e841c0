package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Topology declares the exchanges, queues and bindings a broker starts with,
// or a client re-establishes after connecting. It is the YAML-friendly shape
// loaded from deployment files.
type Topology struct {
	Exchanges []ExchangeConfig `yaml:"exchanges"`
	Queues    []QueueConfig    `yaml:"queues"`
}

// ExchangeConfig defines configuration for an exchange
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Kind       string `yaml:"kind"` // "direct", "fanout" or "topic"
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Internal   bool   `yaml:"internal"`
}

// KindOrDefault returns the configured kind, defaulting to "direct"
func (e ExchangeConfig) KindOrDefault() string {
	if e.Kind == "" {
		return "direct"
	}
	return e.Kind
}

// QueueConfig defines configuration for a queue
type QueueConfig struct {
	Name       string          `yaml:"name"`
	Durable    bool            `yaml:"durable"`
	Exclusive  bool            `yaml:"exclusive"`
	AutoDelete bool            `yaml:"auto_delete"`
	Bindings   []BindingConfig `yaml:"bindings"`
}

// BindingConfig binds the enclosing queue to an exchange
type BindingConfig struct {
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}

// LoadTopology reads and parses a topology YAML file
func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading topology file: %w", err)
	}
	return ParseTopology(data)
}

// ParseTopology parses and validates topology YAML
func ParseTopology(data []byte) (*Topology, error) {
	var t Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing topology: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Validate checks for the mistakes a hand-written topology file tends to
// contain: unnamed entities, unknown exchange kinds, bindings that reference
// exchanges the topology never declares.
func (t *Topology) Validate() error {
	kinds := map[string]bool{"direct": true, "fanout": true, "topic": true}
	declared := map[string]bool{"amq.direct": true, "amq.fanout": true, "amq.topic": true}

	for i, e := range t.Exchanges {
		if e.Name == "" {
			return fmt.Errorf("exchange %d: name is required", i)
		}
		if !kinds[e.KindOrDefault()] {
			return fmt.Errorf("exchange %q: unknown kind %q", e.Name, e.Kind)
		}
		declared[e.Name] = true
	}

	for i, q := range t.Queues {
		if q.Name == "" {
			return fmt.Errorf("queue %d: name is required", i)
		}
		for _, b := range q.Bindings {
			if b.Exchange == "" {
				return fmt.Errorf("queue %q: binding to the default exchange is implicit", q.Name)
			}
			if !declared[b.Exchange] {
				return fmt.Errorf("queue %q: binding references undeclared exchange %q", q.Name, b.Exchange)
			}
		}
	}

	return nil
}
