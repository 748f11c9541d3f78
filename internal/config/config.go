// Package config loads the daemon configuration from a YAML file and
// applies defaults for every tunable the exchange historically shipped
// with.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/samograsic/ion-dtn-dtnex/internal/wire"
)

// Peer names one statically configured neighbor and where to reach it.
type Peer struct {
	NodeID  uint64 `yaml:"node_id" validate:"required,gt=0"`
	Address string `yaml:"address" validate:"required,hostname_port"`
}

type Config struct {
	NodeID       uint64 `yaml:"node_id" validate:"required,gt=0"`
	PresharedKey string `yaml:"preshared_key" validate:"required"`

	ListenAddress string `yaml:"listen_address" validate:"required,hostname_port"`
	Peers         []Peer `yaml:"peers" validate:"dive"`

	// Seconds. Defaults match the long-standing deployment values.
	UpdateInterval       int `yaml:"update_interval" validate:"gt=0"`
	ContactLifetime      int `yaml:"contact_lifetime" validate:"gt=0"`
	ContactTimeTolerance int `yaml:"contact_time_tolerance" validate:"gte=0"`
	BundleTTL            int `yaml:"bundle_ttl" validate:"gt=0"`

	ReplayCacheSize  int `yaml:"replay_cache_size" validate:"gt=0"`
	NeighborCacheAge int `yaml:"neighbor_cache_age" validate:"gte=0"`

	MetadataExchange bool    `yaml:"metadata_exchange"`
	Name             string  `yaml:"name" validate:"max=63"`
	Contact          string  `yaml:"contact" validate:"max=127"`
	Latitude         float64 `yaml:"latitude" validate:"gte=-90,lte=90"`
	Longitude        float64 `yaml:"longitude" validate:"gte=-180,lte=180"`

	GraphFile      string `yaml:"graph_file"`
	MetricsAddress string `yaml:"metrics_address" validate:"omitempty,hostname_port"`
	LogLevel       string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// Default returns the configuration the daemon runs with when a field is
// absent from the file.
func Default() Config {
	return Config{
		PresharedKey:         "open",
		ListenAddress:        "0.0.0.0:4557",
		UpdateInterval:       600,
		ContactLifetime:      3600,
		ContactTimeTolerance: 1800,
		BundleTTL:            1800,
		ReplayCacheSize:      5000,
		NeighborCacheAge:     20,
		MetadataExchange:     true,
		LogLevel:             "info",
	}
}

// Load reads path, overlays it on the defaults, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	for _, p := range cfg.Peers {
		if p.NodeID == cfg.NodeID {
			return nil, fmt.Errorf("validate config: peer %d is the local node", p.NodeID)
		}
	}
	return &cfg, nil
}

func (c *Config) UpdateIntervalDuration() time.Duration {
	return time.Duration(c.UpdateInterval) * time.Second
}

func (c *Config) ContactLifetimeDuration() time.Duration {
	return time.Duration(c.ContactLifetime) * time.Second
}

func (c *Config) NeighborCacheAgeDuration() time.Duration {
	return time.Duration(c.NeighborCacheAge) * time.Second
}

// SelfMetadata builds the local identity fact, scaling the configured
// decimal-degree coordinates into the int32 wire representation. It
// reports false when no metadata is configured or the exchange is
// disabled.
func (c *Config) SelfMetadata() (wire.MetadataFact, bool) {
	if !c.MetadataExchange || c.Name == "" {
		return wire.MetadataFact{}, false
	}
	return wire.MetadataFact{
		NodeID:    wire.NodeID(c.NodeID),
		Name:      c.Name,
		Contact:   c.Contact,
		Latitude:  int32(c.Latitude * wire.GPSPrecisionFactor),
		Longitude: int32(c.Longitude * wire.GPSPrecisionFactor),
	}, true
}
