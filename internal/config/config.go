package config

import (
	"errors"
	"net"
	"strings"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/viper"

	"gonetguard/internal/logger"
)

// EnvPrefix is prepended to every environment override, e.g. GONETGUARD_API_ADDR.
const EnvPrefix = "GONETGUARD"

// Config is the fully resolved runtime configuration.
type Config struct {
	Log       logger.Config   `mapstructure:"log"`
	Tunnel    TunnelConfig    `mapstructure:"tunnel"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	Resolver  ResolverConfig  `mapstructure:"resolver"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	API       APIConfig       `mapstructure:"api"`
	GeoIPDir  string          `mapstructure:"geoip_dir"`
	ReportDir string          `mapstructure:"report_dir"`
}

// TunnelConfig describes the virtual interface the monitor attaches to.
type TunnelConfig struct {
	Name    string   `mapstructure:"name"`
	Address string   `mapstructure:"address"`
	Prefix  int      `mapstructure:"prefix"`
	MTU     int      `mapstructure:"mtu"`
	DNS     []string `mapstructure:"dns"`
	Routes  []string `mapstructure:"routes"`
	// Setup configures address, link and routes with iproute2. Disable when the
	// interface is provisioned externally.
	Setup bool `mapstructure:"setup"`
}

type CaptureConfig struct {
	BufferSize int    `mapstructure:"buffer_size"`
	DumpPath   string `mapstructure:"dump_path"`
}

type ResolverConfig struct {
	Workers   int           `mapstructure:"workers"`
	QueueSize int           `mapstructure:"queue_size"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Server    string        `mapstructure:"server"`
}

type DiscoveryConfig struct {
	ReachTimeout   time.Duration `mapstructure:"reach_timeout"`
	PortTimeout    time.Duration `mapstructure:"port_timeout"`
	Ports          []int         `mapstructure:"ports"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	// Reachability is "icmp", "tcp" or "auto" (icmp, falling back to tcp).
	Reachability string `mapstructure:"reachability"`
}

type APIConfig struct {
	Addr string `mapstructure:"addr"`
}

// DefaultPorts is the commonly surveyed port list used by the port prober.
var DefaultPorts = []int{21, 22, 23, 25, 53, 80, 110, 135, 139, 143, 443, 445, 993, 995, 3306, 3389, 5900, 8080}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.output", "stderr")

	v.SetDefault("tunnel.name", "gng0")
	v.SetDefault("tunnel.address", "10.0.0.2")
	v.SetDefault("tunnel.prefix", 24)
	v.SetDefault("tunnel.mtu", 1500)
	v.SetDefault("tunnel.dns", []string{"8.8.8.8", "8.8.4.4"})
	v.SetDefault("tunnel.routes", []string{})
	v.SetDefault("tunnel.setup", true)

	v.SetDefault("capture.buffer_size", 32767)
	v.SetDefault("capture.dump_path", "")

	v.SetDefault("resolver.workers", 8)
	v.SetDefault("resolver.queue_size", 1024)
	v.SetDefault("resolver.timeout", time.Second)
	v.SetDefault("resolver.server", "")

	v.SetDefault("discovery.reach_timeout", 300*time.Millisecond)
	v.SetDefault("discovery.port_timeout", 200*time.Millisecond)
	v.SetDefault("discovery.ports", DefaultPorts)
	v.SetDefault("discovery.max_concurrency", 254)
	v.SetDefault("discovery.reachability", "auto")

	v.SetDefault("api.addr", "127.0.0.1:8787")
	v.SetDefault("geoip_dir", "")
	v.SetDefault("report_dir", ".")
}

// New returns a viper instance with defaults and environment overrides bound.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// Load reads the optional config file and returns the validated config.
// An empty path searches ./gonetguard.yaml and $HOME/.gonetguard/config.yaml.
func Load(path string) (*Config, error) {
	v := New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("gonetguard")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.gonetguard")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, oops.Wrapf(err, "read config")
		}
	}

	return FromViper(v)
}

// FromViper decodes and validates the current viper settings.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, oops.Wrapf(err, "decode config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings the runtime cannot work with.
func (c *Config) Validate() error {
	if ip := net.ParseIP(c.Tunnel.Address); ip == nil || ip.To4() == nil {
		return oops.Errorf("tunnel.address %q is not an IPv4 address", c.Tunnel.Address)
	}
	if c.Tunnel.Prefix < 1 || c.Tunnel.Prefix > 32 {
		return oops.Errorf("tunnel.prefix %d out of range", c.Tunnel.Prefix)
	}
	if c.Capture.BufferSize < 20 {
		return oops.Errorf("capture.buffer_size %d is smaller than an IPv4 header", c.Capture.BufferSize)
	}
	if c.Capture.BufferSize < c.Tunnel.MTU {
		return oops.Errorf("capture.buffer_size %d is smaller than tunnel.mtu %d", c.Capture.BufferSize, c.Tunnel.MTU)
	}
	if c.Resolver.Workers < 1 || c.Resolver.QueueSize < 1 {
		return oops.Errorf("resolver.workers and resolver.queue_size must be positive")
	}
	if c.Discovery.MaxConcurrency < 1 {
		return oops.Errorf("discovery.max_concurrency must be positive")
	}
	for _, p := range c.Discovery.Ports {
		if p < 1 || p > 65535 {
			return oops.Errorf("discovery.ports contains invalid port %d", p)
		}
	}
	switch c.Discovery.Reachability {
	case "auto", "icmp", "tcp":
	default:
		return oops.Errorf("discovery.reachability %q must be auto, icmp or tcp", c.Discovery.Reachability)
	}

	return nil
}
