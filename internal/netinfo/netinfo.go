// Package netinfo describes the network the device is attached to: its own
// address, the default gateway, DNS servers and the link type.
package netinfo

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/hex"
	"io"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"
	"github.com/samber/oops"

	"gonetguard/internal/models"
)

const (
	DefaultRoutePath  = "/proc/net/route"
	DefaultResolvConf = "/etc/resolv.conf"
)

// Route is one IPv4 entry of the kernel routing table.
type Route struct {
	Iface       string
	Destination net.IP
	Gateway     net.IP
	Mask        net.IPMask
}

// IsDefault reports whether r is a default route.
func (r Route) IsDefault() bool {
	ones, _ := r.Mask.Size()
	return r.Destination.Equal(net.IPv4zero) && ones == 0
}

// ParseRoutes reads the /proc/net/route format.
func ParseRoutes(r io.Reader) ([]Route, error) {
	var routes []Route

	sc := bufio.NewScanner(r)
	header := true
	for sc.Scan() {
		if header {
			header = false
			continue
		}

		fields := strings.Fields(sc.Text())
		if len(fields) < 8 {
			continue
		}

		dst, err := hexIP(fields[1])
		if err != nil {
			return nil, oops.With("line", sc.Text()).Wrapf(err, "route destination")
		}
		gw, err := hexIP(fields[2])
		if err != nil {
			return nil, oops.With("line", sc.Text()).Wrapf(err, "route gateway")
		}
		mask, err := hexIP(fields[7])
		if err != nil {
			return nil, oops.With("line", sc.Text()).Wrapf(err, "route mask")
		}

		routes = append(routes, Route{
			Iface:       fields[0],
			Destination: dst,
			Gateway:     gw,
			Mask:        net.IPMask(mask.To4()),
		})
	}

	return routes, sc.Err()
}

// hexIP decodes the little-endian hex form used by /proc/net/route.
func hexIP(s string) (net.IP, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 4 {
		return nil, oops.Errorf("bad address %q", s)
	}

	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, binary.LittleEndian.Uint32(b))

	return ip, nil
}

// DefaultRoute returns the first default route.
func DefaultRoute(routes []Route) (Route, bool) {
	for _, r := range routes {
		if r.IsDefault() {
			return r, true
		}
	}
	return Route{}, false
}

// ConnectionType guesses the link type from the interface name.
func ConnectionType(iface string) string {
	switch {
	case strings.HasPrefix(iface, "wl"), strings.HasPrefix(iface, "wifi"), strings.HasPrefix(iface, "ath"):
		return "WiFi"
	case strings.HasPrefix(iface, "ww"), strings.HasPrefix(iface, "rmnet"), strings.HasPrefix(iface, "ccmni"):
		return "Cellular"
	case strings.HasPrefix(iface, "e"):
		return "Ethernet"
	}
	return "Unknown"
}

// DNSServers returns the nameservers listed in a resolv.conf file.
func DNSServers(path string) []string {
	cfg, err := dns.ClientConfigFromFile(path)
	if err != nil || cfg == nil {
		return []string{}
	}

	return append([]string{}, cfg.Servers...)
}

// Provider gathers NetworkInfo from the running system.
type Provider struct {
	RoutePath  string
	ResolvConf string
	// Addr returns the IPv4 address and mask of an interface.
	Addr func(iface string) (net.IP, net.IPMask, error)
	// Run executes helper commands such as iwgetid.
	Run func(ctx context.Context, name string, args ...string) ([]byte, error)
	Log zerolog.Logger
}

// NewProvider reads the live system.
func NewProvider(log zerolog.Logger) *Provider {
	return &Provider{
		RoutePath:  DefaultRoutePath,
		ResolvConf: DefaultResolvConf,
		Addr:       interfaceAddr,
		Run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		},
		Log: log,
	}
}

// Info never fails; when the routing table cannot be read it returns
// models.UnknownNetwork.
func (p *Provider) Info(ctx context.Context) models.NetworkInfo {
	f, err := os.Open(p.RoutePath)
	if err != nil {
		p.Log.Debug().Err(err).Msg("Routing table unavailable")
		return models.UnknownNetwork()
	}
	defer f.Close()

	routes, err := ParseRoutes(f)
	if err != nil {
		p.Log.Warn().Err(err).Msg("Failed to parse routing table")
		return models.UnknownNetwork()
	}

	info := models.UnknownNetwork()
	info.DNSServers = DNSServers(p.ResolvConf)

	def, ok := DefaultRoute(routes)
	if !ok {
		info.ConnectionType = "Unknown"
		return info
	}

	info.IsConnected = true
	info.GatewayIP = def.Gateway.String()
	info.ConnectionType = ConnectionType(def.Iface)

	if p.Addr != nil {
		if ip, mask, err := p.Addr(def.Iface); err == nil {
			info.OwnIP = ip.String()
			info.SubnetMask = net.IP(mask).String()
		} else {
			p.Log.Debug().Err(err).Str("iface", def.Iface).Msg("Interface address unavailable")
		}
	}

	info.SSID = p.ssid(ctx, def.Iface, info.ConnectionType)

	return info
}

func (p *Provider) ssid(ctx context.Context, iface, connType string) string {
	switch connType {
	case "WiFi":
	case "Cellular":
		return "Cellular Network"
	default:
		return "Wired Network"
	}

	if p.Run == nil {
		return "Wi-Fi Network"
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	out, err := p.Run(ctx, "iwgetid", "-r", iface)
	if name := strings.TrimSpace(string(out)); err == nil && name != "" {
		return name
	}

	return "Wi-Fi Network"
}

func interfaceAddr(name string) (net.IP, net.IPMask, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, nil, err
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, nil, err
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok {
			if ip4 := ipnet.IP.To4(); ip4 != nil {
				mask := ipnet.Mask
				if len(mask) == net.IPv6len {
					mask = mask[12:]
				}
				return ip4, mask, nil
			}
		}
	}

	return nil, nil, oops.With("iface", name).Errorf("no IPv4 address")
}
