package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// NodeConfig holds node identity configuration
type NodeConfig struct {
	NodeID string `yaml:"node_id"` // stable UUID, the election tie-breaker
	Zone   string `yaml:"zone"`    // left or right, fixed at provisioning
}

// TransportConfig holds beacon transport configuration
type TransportConfig struct {
	BindAddr        string        `yaml:"bind_addr"`
	AdvertiseAddr   string        `yaml:"advertise_addr"` // routable host:port gossiped to peers; derived when empty
	Port            int           `yaml:"port"`
	MaxDelay        time.Duration `yaml:"max_delay"`        // samples implying more one-way delay are rejected
	ExchangeTimeout time.Duration `yaml:"exchange_timeout"` // per round-trip deadline
}

// SyncConfig holds time synchronization configuration
type SyncConfig struct {
	MinInterval      time.Duration `yaml:"min_interval"`      // acquiring / floor interval
	MaxInterval      time.Duration `yaml:"max_interval"`      // backoff ceiling
	TrustThreshold   int           `yaml:"trust_threshold"`   // samples before backoff may begin
	GoodQuality      uint8         `yaml:"good_quality"`      // score gating interval doubling
	RegressionWindow int           `yaml:"regression_window"` // samples for drift regression
	SlewRatePPM      int64         `yaml:"slew_rate_ppm"`     // max correction slope
	StepThreshold    time.Duration `yaml:"step_threshold"`    // corrections beyond this are discontinuities
	NoiseMargin      time.Duration `yaml:"noise_margin"`      // source-switch hysteresis
	HoldoverCeiling  time.Duration `yaml:"holdover_ceiling"`  // degraded-connection indication after this
}

// ElectionConfig holds role election configuration
type ElectionConfig struct {
	HandoffThreshold uint8         `yaml:"handoff_threshold"` // capacity below which a server abdicates
	SurvivorTimeout  time.Duration `yaml:"survivor_timeout"`  // lone client self-promotes after this
	DecisionTimeout  time.Duration `yaml:"decision_timeout"`  // max wait for a peer announcement
}

// PatternConfig holds output pattern configuration
type PatternConfig struct {
	DefaultCycle time.Duration `yaml:"default_cycle"`
	DutyPercent  int           `yaml:"duty_percent"` // pulse ON time as % of half-cycle
}

// DiscoveryConfig holds peer discovery (memberlist) configuration
type DiscoveryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BindPort       int           `yaml:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
}

// PowerConfig holds the capacity metric configuration
type PowerConfig struct {
	InitialCapacity uint8         `yaml:"initial_capacity"`
	DrainPerHour    uint8         `yaml:"drain_per_hour"`
	ReadInterval    time.Duration `yaml:"read_interval"`
}

// StoreConfig holds bond store configuration
type StoreConfig struct {
	Path string `yaml:"path"`
}

// MetricsConfig holds metrics server configuration
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Config represents the complete configuration for a tactlink node
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Transport TransportConfig `yaml:"transport"`
	Sync      SyncConfig      `yaml:"sync"`
	Election  ElectionConfig  `yaml:"election"`
	Pattern   PatternConfig   `yaml:"pattern"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Power     PowerConfig     `yaml:"power"`
	Store     StoreConfig     `yaml:"store"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LoadConfig reads and validates configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with production defaults. The sync
// intervals reproduce the 5s→80s backoff ladder.
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			Zone: "left",
		},
		Transport: TransportConfig{
			BindAddr:        "0.0.0.0",
			Port:            7600,
			MaxDelay:        80 * time.Millisecond,
			ExchangeTimeout: 1 * time.Second,
		},
		Sync: SyncConfig{
			MinInterval:      5 * time.Second,
			MaxInterval:      80 * time.Second,
			TrustThreshold:   3,
			GoodQuality:      70,
			RegressionWindow: 12,
			SlewRatePPM:      500,
			StepThreshold:    50 * time.Millisecond,
			NoiseMargin:      100 * time.Microsecond,
			HoldoverCeiling:  5 * time.Minute,
		},
		Election: ElectionConfig{
			HandoffThreshold: 15,
			SurvivorTimeout:  30 * time.Second,
			DecisionTimeout:  10 * time.Second,
		},
		Pattern: PatternConfig{
			DefaultCycle: 2 * time.Second,
			DutyPercent:  40,
		},
		Discovery: DiscoveryConfig{
			Enabled:        true,
			BindPort:       7946,
			GossipInterval: 200 * time.Millisecond,
			ProbeTimeout:   500 * time.Millisecond,
			ProbeInterval:  1 * time.Second,
		},
		Power: PowerConfig{
			InitialCapacity: 100,
			DrainPerHour:    4,
			ReadInterval:    10 * time.Second,
		},
		Store: StoreConfig{
			Path: "./tactlink.db",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9600,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if c.Node.NodeID == "" {
		return fmt.Errorf("node.node_id is required")
	}
	// The node id rides in wire frames as a raw 16-byte UUID; a free-form
	// string would fail at encode time on every announcement.
	if _, err := uuid.Parse(c.Node.NodeID); err != nil {
		return fmt.Errorf("node.node_id must be a UUID: %w", err)
	}
	if c.Node.Zone != "left" && c.Node.Zone != "right" {
		return fmt.Errorf("node.zone must be left or right, got %q", c.Node.Zone)
	}
	if c.Transport.Port <= 0 || c.Transport.Port > 65535 {
		return fmt.Errorf("transport.port out of range: %d", c.Transport.Port)
	}
	if c.Transport.MaxDelay <= 0 {
		return fmt.Errorf("transport.max_delay must be positive")
	}
	if c.Sync.MinInterval <= 0 || c.Sync.MaxInterval < c.Sync.MinInterval {
		return fmt.Errorf("sync intervals invalid: min=%s max=%s", c.Sync.MinInterval, c.Sync.MaxInterval)
	}
	if c.Sync.TrustThreshold < 1 {
		return fmt.Errorf("sync.trust_threshold must be at least 1")
	}
	if c.Sync.GoodQuality > 100 {
		return fmt.Errorf("sync.good_quality must be 0-100")
	}
	if c.Sync.RegressionWindow < 2 {
		return fmt.Errorf("sync.regression_window must be at least 2")
	}
	if c.Election.HandoffThreshold > 100 {
		return fmt.Errorf("election.handoff_threshold must be 0-100")
	}
	if c.Pattern.DutyPercent < 1 || c.Pattern.DutyPercent > 100 {
		return fmt.Errorf("pattern.duty_percent must be 1-100")
	}
	if c.Pattern.DefaultCycle <= 0 {
		return fmt.Errorf("pattern.default_cycle must be positive")
	}
	return nil
}
