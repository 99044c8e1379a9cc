// Package config loads and validates the build-configuration surface for a
// shmros node: capacity constants for the registry and event bus, naming
// parameters, and timing knobs. Values can be fed from YAML, TOML, or the
// environment; the environment feeder uses golobby/cast the same way the
// framework's own affixed-env feeder does, so operators can override any
// field without touching a file.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/golobby/cast"
	"gopkg.in/yaml.v3"
)

// Defaults for the capacity constants named in the design's external
// interfaces section. Implementations may tune these, but they must remain
// visible at the build-configuration surface — these are that surface.
const (
	DefaultMaxNodes          = 64
	DefaultMaxTopicsPerNode  = 32
	DefaultEventMaxCount     = 256
	DefaultMaxNodeNameLen    = 64
	DefaultMaxTopicNameLen   = 64
	DefaultHeartbeatInterval = 1 // seconds
	DefaultHeartbeatTimeout  = 3 // seconds
	DefaultIdleCapMillis     = 250
	DefaultWorkerCount       = 4

	DefaultEventBusName = "/shmros_event_bus"
	DefaultRegistryName = "/shmros_registry"

	// MaxSegmentSize is the ceiling on a single named shared-memory region,
	// the same value as shm.MaxSegmentSize.
	MaxSegmentSize = 10 * 1024 * 1024
)

// Config is the build-configuration surface for a Node: capacity constants,
// domain/namespace naming, and timing knobs. Zero-value fields are replaced
// by defaults in Normalize.
type Config struct {
	DomainID  int    `yaml:"domain_id" toml:"domain_id"`
	Namespace string `yaml:"namespace" toml:"namespace"`

	MaxNodes          int `yaml:"max_nodes" toml:"max_nodes"`
	MaxTopicsPerNode  int `yaml:"max_topics_per_node" toml:"max_topics_per_node"`
	EventMaxCount     int `yaml:"event_max_count" toml:"event_max_count"`
	MaxNodeNameLen    int `yaml:"max_node_name_len" toml:"max_node_name_len"`
	MaxTopicNameLen   int `yaml:"max_topic_name_len" toml:"max_topic_name_len"`
	HeartbeatInterval int `yaml:"heartbeat_interval_seconds" toml:"heartbeat_interval_seconds"`
	HeartbeatTimeout  int `yaml:"heartbeat_timeout_seconds" toml:"heartbeat_timeout_seconds"`
	IdleCapMillis     int `yaml:"idle_cap_millis" toml:"idle_cap_millis"`
	WorkerCount       int `yaml:"worker_count" toml:"worker_count"`

	EventBusName string `yaml:"event_bus_name" toml:"event_bus_name"`
	RegistryName string `yaml:"registry_name" toml:"registry_name"`
}

// Default returns a Config populated entirely with package defaults.
func Default() *Config {
	c := &Config{}
	c.Normalize()
	return c
}

// Normalize fills zero-valued fields with defaults. Called automatically by
// the loaders below; exported so callers building a Config by hand (e.g. in
// tests) can get the same fill-in behavior.
func (c *Config) Normalize() {
	if c.MaxNodes == 0 {
		c.MaxNodes = DefaultMaxNodes
	}
	if c.MaxTopicsPerNode == 0 {
		c.MaxTopicsPerNode = DefaultMaxTopicsPerNode
	}
	if c.EventMaxCount == 0 {
		c.EventMaxCount = DefaultEventMaxCount
	}
	if c.MaxNodeNameLen == 0 {
		c.MaxNodeNameLen = DefaultMaxNodeNameLen
	}
	if c.MaxTopicNameLen == 0 {
		c.MaxTopicNameLen = DefaultMaxTopicNameLen
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.IdleCapMillis == 0 {
		c.IdleCapMillis = DefaultIdleCapMillis
	}
	if c.WorkerCount == 0 {
		c.WorkerCount = DefaultWorkerCount
	}
	if c.EventBusName == "" {
		c.EventBusName = DefaultEventBusName
	}
	if c.RegistryName == "" {
		c.RegistryName = DefaultRegistryName
	}
}

// Validate reports configuration that would violate the data model's
// invariants: a non-positive MaxNodes, MaxTopicsPerNode or EventMaxCount,
// or an event bus or registry name that does not start with '/'. Other
// fields and other naming rules (such as embedded '/') are not checked here.
func (c *Config) Validate() error {
	if c.MaxNodes <= 0 {
		return fmt.Errorf("config: max_nodes must be positive, got %d", c.MaxNodes)
	}
	if c.MaxTopicsPerNode <= 0 {
		return fmt.Errorf("config: max_topics_per_node must be positive, got %d", c.MaxTopicsPerNode)
	}
	if c.EventMaxCount <= 0 {
		return fmt.Errorf("config: event_max_count must be positive, got %d", c.EventMaxCount)
	}
	if c.EventBusName == "" || c.EventBusName[0] != '/' {
		return fmt.Errorf("config: event_bus_name must start with '/', got %q", c.EventBusName)
	}
	if c.RegistryName == "" || c.RegistryName[0] != '/' {
		return fmt.Errorf("config: registry_name must start with '/', got %q", c.RegistryName)
	}
	return nil
}

// LoadYAML loads a Config from a YAML file, normalizing and validating it.
func LoadYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	c := &Config{}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("config: parse yaml %s: %w", path, err)
	}
	c.Normalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadTOML loads a Config from a TOML file, normalizing and validating it.
// Provided alongside LoadYAML so operators can pick whichever format their
// deployment tooling prefers — the framework itself is format-agnostic.
func LoadTOML(path string) (*Config, error) {
	c := &Config{}
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, fmt.Errorf("config: parse toml %s: %w", path, err)
	}
	c.Normalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// FeedEnv overrides Config fields from environment variables named
// <prefix><FIELD_NAME_UPPER>, casting the raw string value to the field's
// type with golobby/cast — the same mechanism the framework's affixed
// environment feeder uses for module configuration.
func FeedEnv(c *Config, prefix string) error {
	rv := reflect.ValueOf(c).Elem()
	rt := rv.Type()
	prefix = strings.ToUpper(prefix)

	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		envName := prefix + strings.ToUpper(toSnake(field.Name))
		raw, ok := os.LookupEnv(envName)
		if !ok {
			continue
		}
		converted, err := cast.FromType(raw, field.Type)
		if err != nil {
			return fmt.Errorf("config: env %s: %w", envName, err)
		}
		rv.Field(i).Set(reflect.ValueOf(converted))
	}
	return nil
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if i > 0 && r >= 'A' && r <= 'Z' {
			b.WriteByte('_')
		}
		b.WriteRune(r)
	}
	return strings.ToUpper(b.String())
}
