package discovery

import (
	"context"
	"net"
	"time"
)

// Display names for hosts whose reverse lookup gives nothing useful.
const (
	LabelGateway = "Gateway / Router"
	LabelOwn     = "My Device"
	LabelUnknown = "Unknown Device"
)

// wellKnown labels public resolvers.
var wellKnown = map[string]string{
	"8.8.8.8": "Google DNS (Primary)",
	"8.8.4.4": "Google DNS (Secondary)",
	"1.1.1.1": "Cloudflare DNS",
}

// Reachability checks whether a host answers. A non-nil error means the
// check itself could not run, not that the host is down.
type Reachability interface {
	Reachable(ctx context.Context, ip string, timeout time.Duration) (bool, error)
}

// DialFunc opens a connection; net.Dialer.DialContext satisfies it.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Config controls probe timeouts and parallelism.
type Config struct {
	ReachTimeout   time.Duration
	PortTimeout    time.Duration
	ResolveTimeout time.Duration
	Ports          []int
	// MaxConcurrency caps in-flight probes per scan.
	MaxConcurrency int
}

// DefaultConfig probes the whole /24 at once with a 300ms reachability
// timeout and the common port list with 200ms per connect.
func DefaultConfig() Config {
	return Config{
		ReachTimeout:   300 * time.Millisecond,
		PortTimeout:    200 * time.Millisecond,
		ResolveTimeout: time.Second,
		Ports:          []int{21, 22, 23, 25, 53, 80, 110, 135, 139, 143, 443, 445, 993, 995, 3306, 3389, 5900, 8080},
		MaxConcurrency: subnetSize,
	}
}

func applyDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.ReachTimeout <= 0 {
		cfg.ReachTimeout = def.ReachTimeout
	}
	if cfg.PortTimeout <= 0 {
		cfg.PortTimeout = def.PortTimeout
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = def.ResolveTimeout
	}
	if len(cfg.Ports) == 0 {
		cfg.Ports = def.Ports
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}

	return cfg
}
