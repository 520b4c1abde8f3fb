// Package config handles loading and validating pool configuration from a
// YAML file: per-distance sizing, the host list, and the discovery and
// metrics ambient services.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cqlpool/driver/internal/pool"
)

// DistanceOptions mirrors pool.Options in YAML-settable form, one value
// per HostDistance.
type DistanceOptions struct {
	Core                    int           `yaml:"core"`
	Max                     int           `yaml:"max"`
	NewConnectionThreshold  int           `yaml:"new_connection_threshold"`
	IdleTimeout             time.Duration `yaml:"idle_timeout"`
	MaxStreamsPerConnection int           `yaml:"max_streams_per_connection"`
}

func (d DistanceOptions) toPoolOptions() pool.Options {
	return pool.Options{
		Core:                    d.Core,
		Max:                     d.Max,
		NewConnectionThreshold:  d.NewConnectionThreshold,
		IdleTimeout:             d.IdleTimeout,
		MaxStreamsPerConnection: d.MaxStreamsPerConnection,
	}
}

// HostConfig is one statically configured cluster member.
type HostConfig struct {
	ID       string `yaml:"id"`
	Addr     string `yaml:"addr"`
	Distance string `yaml:"distance"` // "local", "remote", or "ignored"
}

// ParsedDistance maps the YAML string to pool.HostDistance, defaulting to
// Local when unset.
func (h HostConfig) ParsedDistance() (pool.HostDistance, error) {
	switch h.Distance {
	case "", "local":
		return pool.Local, nil
	case "remote":
		return pool.Remote, nil
	case "ignored":
		return pool.Ignored, nil
	default:
		return pool.Local, fmt.Errorf("host %s: unknown distance %q", h.ID, h.Distance)
	}
}

// DiscoveryConfig configures the Redis-backed host discovery control plane.
type DiscoveryConfig struct {
	Addr              string        `yaml:"addr"`
	Password          string        `yaml:"password"`
	DB                int           `yaml:"db"`
	Channel           string        `yaml:"channel"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// Config is the root configuration structure.
type Config struct {
	ClusterName     string          `yaml:"cluster_name"`
	Username        string          `yaml:"username"`
	Password        string          `yaml:"password"`
	MetricsPort     int             `yaml:"metrics_port"`
	HealthCheckPort int             `yaml:"health_check_port"`
	CleanupInterval time.Duration   `yaml:"cleanup_interval"`
	Discovery       DiscoveryConfig `yaml:"discovery"`
	Local           DistanceOptions `yaml:"local"`
	Remote          DistanceOptions `yaml:"remote"`
	Hosts           []HostConfig    `yaml:"hosts"`
}

// Load reads and parses the pool configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// validate checks mandatory fields.
func (c *Config) validate() error {
	if len(c.Hosts) == 0 {
		return fmt.Errorf("at least one host must be configured")
	}
	for i, h := range c.Hosts {
		if h.ID == "" {
			return fmt.Errorf("hosts[%d].id is required", i)
		}
		if h.Addr == "" {
			return fmt.Errorf("hosts[%d].addr is required", i)
		}
		if _, err := h.ParsedDistance(); err != nil {
			return err
		}
	}
	return nil
}

// applyDefaults fills in reasonable defaults for unset optional fields,
// taken from pool.DefaultOptions so a bare hosts list is enough to start.
func (c *Config) applyDefaults() {
	if c.MetricsPort == 0 {
		c.MetricsPort = 9090
	}
	if c.HealthCheckPort == 0 {
		c.HealthCheckPort = 8080
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = time.Second
	}
	if c.Discovery.Addr == "" {
		c.Discovery.Addr = "redis:6379"
	}
	if c.Discovery.Channel == "" {
		c.Discovery.Channel = "cluster:hosts"
	}
	if c.Discovery.DialTimeout == 0 {
		c.Discovery.DialTimeout = 5 * time.Second
	}
	if c.Discovery.ReadTimeout == 0 {
		c.Discovery.ReadTimeout = 3 * time.Second
	}
	if c.Discovery.WriteTimeout == 0 {
		c.Discovery.WriteTimeout = 3 * time.Second
	}
	if c.Discovery.HeartbeatInterval == 0 {
		c.Discovery.HeartbeatInterval = 10 * time.Second
	}

	localDefaults := pool.DefaultOptions(pool.Local)
	if c.Local.Core == 0 {
		c.Local.Core = localDefaults.Core
	}
	if c.Local.Max == 0 {
		c.Local.Max = localDefaults.Max
	}
	if c.Local.NewConnectionThreshold == 0 {
		c.Local.NewConnectionThreshold = localDefaults.NewConnectionThreshold
	}
	if c.Local.IdleTimeout == 0 {
		c.Local.IdleTimeout = localDefaults.IdleTimeout
	}
	if c.Local.MaxStreamsPerConnection == 0 {
		c.Local.MaxStreamsPerConnection = localDefaults.MaxStreamsPerConnection
	}

	remoteDefaults := pool.DefaultOptions(pool.Remote)
	if c.Remote.Core == 0 {
		c.Remote.Core = remoteDefaults.Core
	}
	if c.Remote.Max == 0 {
		c.Remote.Max = remoteDefaults.Max
	}
	if c.Remote.NewConnectionThreshold == 0 {
		c.Remote.NewConnectionThreshold = remoteDefaults.NewConnectionThreshold
	}
	if c.Remote.IdleTimeout == 0 {
		c.Remote.IdleTimeout = remoteDefaults.IdleTimeout
	}
	if c.Remote.MaxStreamsPerConnection == 0 {
		c.Remote.MaxStreamsPerConnection = remoteDefaults.MaxStreamsPerConnection
	}
}

// PoolOptions returns the pool.Options configured for a given distance.
func (c *Config) PoolOptions(d pool.HostDistance) pool.Options {
	switch d {
	case pool.Remote:
		return c.Remote.toPoolOptions()
	case pool.Ignored:
		return pool.Options{}
	default:
		return c.Local.toPoolOptions()
	}
}

// HostByID returns the host configuration for a given host id.
func (c *Config) HostByID(id string) (*HostConfig, bool) {
	for i := range c.Hosts {
		if c.Hosts[i].ID == id {
			return &c.Hosts[i], true
		}
	}
	return nil, false
}
