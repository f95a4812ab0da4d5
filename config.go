package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ordely/printbridge/discover"
	"github.com/ordely/printbridge/dispatch"
	"github.com/ordely/printbridge/pool"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Pool      PoolConfig      `yaml:"pool"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Printing  PrintingConfig  `yaml:"printing"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type StoreConfig struct {
	// DataDir is the local directory for the printer, rule, and job files.
	DataDir string `yaml:"data_dir"`
}

type DiscoveryConfig struct {
	// Subnet is the /24 prefix to sweep ("192.168.1"); empty auto-detects.
	Subnet string `yaml:"subnet"`
	// Radio enables the Bluetooth/RFCOMM pass.
	Radio bool  `yaml:"radio"`
	Ports []int `yaml:"ports"`
	// RescanInterval is how often to rerun discovery in minutes; 0 disables
	// periodic rescans.
	RescanInterval int `yaml:"rescan_interval"`
	// ProbeTimeout is the per-port connect timeout in seconds.
	ProbeTimeout int `yaml:"probe_timeout"`
}

type PoolConfig struct {
	// ConnectTimeout and WriteTimeout are in seconds.
	ConnectTimeout int `yaml:"connect_timeout"`
	WriteTimeout   int `yaml:"write_timeout"`
	// BackoffBase and BackoffMax are in seconds.
	BackoffBase int `yaml:"backoff_base"`
	BackoffMax  int `yaml:"backoff_max"`
	MaxAttempts int `yaml:"max_attempts"`
	// HealthInterval is how often to probe idle connections in seconds.
	HealthInterval int `yaml:"health_interval"`
}

type DispatchConfig struct {
	Concurrency  int `yaml:"concurrency"`
	WriteRetries int `yaml:"write_retries"`
	// Timeout is the overall per-order dispatch deadline in seconds.
	Timeout int `yaml:"timeout"`
}

type PrintingConfig struct {
	Currency string `yaml:"currency"`
	// DefaultDevice receives items no rule matches.
	DefaultDevice string `yaml:"default_device"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 7411,
		},
		Store: StoreConfig{
			DataDir: "data",
		},
		Printing: PrintingConfig{
			Currency: "$",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Resolve relative data dir to absolute path.
	if !filepath.IsAbs(cfg.Store.DataDir) {
		dir, _ := os.Getwd()
		cfg.Store.DataDir = filepath.Join(dir, cfg.Store.DataDir)
	}

	return cfg, nil
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// DiscoverConfig maps the YAML knobs onto the discovery engine's config,
// keeping the stock bounds for anything unset.
func (c *Config) DiscoverConfig() discover.Config {
	dc := discover.DefaultConfig()
	if len(c.Discovery.Ports) > 0 {
		dc.Ports = c.Discovery.Ports
	}
	if c.Discovery.ProbeTimeout > 0 {
		dc.ProbeTimeout = time.Duration(c.Discovery.ProbeTimeout) * time.Second
	}
	return dc
}

func (c *Config) PoolPolicy() pool.Policy {
	p := pool.DefaultPolicy()
	if c.Pool.ConnectTimeout > 0 {
		p.ConnectTimeout = time.Duration(c.Pool.ConnectTimeout) * time.Second
	}
	if c.Pool.WriteTimeout > 0 {
		p.WriteTimeout = time.Duration(c.Pool.WriteTimeout) * time.Second
	}
	if c.Pool.BackoffBase > 0 {
		p.BaseDelay = time.Duration(c.Pool.BackoffBase) * time.Second
	}
	if c.Pool.BackoffMax > 0 {
		p.MaxDelay = time.Duration(c.Pool.BackoffMax) * time.Second
	}
	if c.Pool.MaxAttempts > 0 {
		p.MaxAttempts = c.Pool.MaxAttempts
	}
	if c.Pool.HealthInterval > 0 {
		p.HealthInterval = time.Duration(c.Pool.HealthInterval) * time.Second
	}
	return p
}

func (c *Config) DispatchConfig() dispatch.Config {
	dc := dispatch.DefaultConfig()
	if c.Dispatch.Concurrency > 0 {
		dc.Concurrency = c.Dispatch.Concurrency
	}
	if c.Dispatch.WriteRetries > 0 {
		dc.WriteRetries = c.Dispatch.WriteRetries
	}
	if c.Dispatch.Timeout > 0 {
		dc.Timeout = time.Duration(c.Dispatch.Timeout) * time.Second
	}
	return dc
}
