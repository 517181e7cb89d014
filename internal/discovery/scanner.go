// Package discovery finds hosts on the local /24 and probes them for open
// ports. Results are merged into the peer registry shared with the capture
// loop.
package discovery

import (
	"context"
	"net"
	"net/netip"
	"slices"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/oops"
	"golang.org/x/sync/errgroup"

	"gonetguard/internal/analysis"
	"gonetguard/internal/models"
	"gonetguard/internal/resolver"
)

// subnetSize is the number of host candidates in a /24.
const subnetSize = 254

// Engine runs subnet and port probes.
type Engine struct {
	reg   *analysis.Registry
	reach Reachability
	res   resolver.Resolver
	dial  DialFunc
	cfg   Config
	log   zerolog.Logger
}

// NewEngine wires the probers to reg. A nil reach uses AutoChecker; a nil
// res skips reverse lookups; a nil dial uses net.Dialer.
func NewEngine(reg *analysis.Registry, reach Reachability, res resolver.Resolver, dial DialFunc, cfg Config, log zerolog.Logger) *Engine {
	if reach == nil {
		reach = NewAutoChecker()
	}
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}

	return &Engine{
		reg:   reg,
		reach: reach,
		res:   res,
		dial:  dial,
		cfg:   applyDefaults(cfg),
		log:   log,
	}
}

// Ports returns the surveyed port list.
func (e *Engine) Ports() []int {
	return append([]int(nil), e.cfg.Ports...)
}

// ScanSubnet probes .1 to .254 of the gateway's /24. A candidate is reported
// when it answers the reachability check or is already in the registry. The
// call returns after every probe has finished; devices are ordered by
// address.
func (e *Engine) ScanSubnet(ctx context.Context, gatewayIP, ownIP string) ([]models.Device, error) {
	gw, err := netip.ParseAddr(gatewayIP)
	if err != nil || !gw.Is4() {
		return nil, oops.With("gateway", gatewayIP).Wrapf(analysis.ErrInvalidIP, "gateway")
	}

	known := make(map[string][]int)
	for _, p := range e.reg.Snapshot() {
		known[p.IP] = p.Ports
	}

	base := gw.As4()
	start := time.Now()

	found := make([]*models.Device, subnetSize)

	var g errgroup.Group
	g.SetLimit(e.cfg.MaxConcurrency)

	for i := 0; i < subnetSize; i++ {
		addr := netip.AddrFrom4([4]byte{base[0], base[1], base[2], byte(i + 1)}).String()
		g.Go(func() error {
			ports, inRegistry := known[addr]

			up, err := e.reach.Reachable(ctx, addr, e.cfg.ReachTimeout)
			if err != nil {
				e.log.Debug().Err(err).Str("ip", addr).Msg("Reachability check unavailable")
			}
			if !up && !inRegistry {
				return nil
			}

			found[i] = &models.Device{
				IP:        addr,
				Hostname:  e.displayName(ctx, addr, gatewayIP, ownIP),
				IsGateway: addr == gatewayIP,
				IsOwn:     addr == ownIP,
				OpenPorts: ports,
			}

			return nil
		})
	}

	_ = g.Wait()

	devices := make([]models.Device, 0, 16)
	for _, d := range found {
		if d == nil {
			continue
		}
		devices = append(devices, *d)

		hostname := ""
		if !isLabel(d.Hostname) {
			hostname = d.Hostname
		}
		e.reg.Merge(d.IP, hostname)
	}

	e.log.Info().
		Str("subnet", netip.PrefixFrom(gw, 24).Masked().String()).
		Int("devices", len(devices)).
		Dur("elapsed", time.Since(start)).
		Msg("Subnet scan finished")

	return devices, nil
}

// displayName prefers the reverse-DNS name and falls back to fixed labels.
func (e *Engine) displayName(ctx context.Context, ip, gatewayIP, ownIP string) string {
	if e.res != nil {
		rctx, cancel := context.WithTimeout(ctx, e.cfg.ResolveTimeout)
		name, err := e.res.LookupAddr(rctx, ip)
		cancel()
		if err == nil && name != "" && name != ip {
			return name
		}
	}

	return SpecialName(ip, gatewayIP, ownIP)
}

// SpecialName is the label used for hosts without a reverse-DNS name.
func SpecialName(ip, gatewayIP, ownIP string) string {
	if name, ok := wellKnown[ip]; ok {
		return name
	}
	switch ip {
	case gatewayIP:
		return LabelGateway
	case ownIP:
		return LabelOwn
	}

	return LabelUnknown
}

func isLabel(name string) bool {
	switch name {
	case LabelGateway, LabelOwn, LabelUnknown:
		return true
	}
	for _, v := range wellKnown {
		if v == name {
			return true
		}
	}

	return false
}

// ScanPorts connects to every surveyed port of ip concurrently and returns
// the ports that accepted, in ascending order. Open ports are added to the
// registry entry for ip.
func (e *Engine) ScanPorts(ctx context.Context, ip string) ([]int, error) {
	ip, err := analysis.NormalizeIP(ip)
	if err != nil {
		return nil, err
	}

	ports := e.cfg.Ports
	open := make([]bool, len(ports))

	var g errgroup.Group
	g.SetLimit(min(e.cfg.MaxConcurrency, len(ports)))

	for i, port := range ports {
		g.Go(func() error {
			open[i] = e.checkPort(ctx, ip, port)
			return nil
		})
	}

	_ = g.Wait()

	result := make([]int, 0, len(ports))
	for i, ok := range open {
		if ok {
			result = append(result, ports[i])
		}
	}
	slices.Sort(result)

	if len(result) > 0 {
		e.reg.Merge(ip, "", result...)
	}

	e.log.Debug().Str("ip", ip).Ints("open", result).Msg("Port scan finished")

	return result, nil
}

func (e *Engine) checkPort(ctx context.Context, host string, port int) bool {
	probeCtx, cancel := context.WithTimeout(ctx, e.cfg.PortTimeout)
	defer cancel()

	conn, err := e.dial(probeCtx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = conn.Close()

	return true
}
