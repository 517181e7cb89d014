// Package tunnel provides the datagram sources the classification loop runs
// on: a Linux TUN device and pcap file replay.
package tunnel

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/samber/oops"
	"github.com/songgao/water"

	"gonetguard/internal/capture"
	"gonetguard/internal/packet"
)

// DeviceConfig names and addresses the TUN interface.
type DeviceConfig struct {
	Name    string
	Address string
	Prefix  int
	MTU     int
	Routes  []string
	// Setup configures address, link and routes with iproute2 on Open and
	// removes the routes on Close.
	Setup bool
}

// Device is a TUN interface. Datagrams whose source is the interface address
// are reported as outgoing.
type Device struct {
	ifce  *water.Interface
	cfg   DeviceConfig
	ipcfg *IPConfig
	log   zerolog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Open creates the TUN interface and, if requested, configures it.
func Open(ctx context.Context, cfg DeviceConfig, log zerolog.Logger) (*Device, error) {
	ifce, err := water.New(water.Config{
		DeviceType:             water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{Name: cfg.Name},
	})
	if err != nil {
		return nil, oops.With("name", cfg.Name).Wrapf(err, "create tun device")
	}

	d := &Device{ifce: ifce, cfg: cfg, log: log}
	d.cfg.Name = ifce.Name()

	if cfg.Setup {
		d.ipcfg = NewIPConfig(nil)
		if err := d.ipcfg.Up(ctx, d.cfg); err != nil {
			_ = ifce.Close()
			return nil, err
		}
	}

	log.Info().
		Str("name", d.cfg.Name).
		Str("address", cfg.Address).
		Int("mtu", cfg.MTU).
		Msg("TUN device ready")

	return d, nil
}

// Name is the kernel name of the interface.
func (d *Device) Name() string {
	return d.cfg.Name
}

func (d *Device) ReadPacket(buf []byte) (int, capture.Direction, error) {
	n, err := d.ifce.Read(buf)
	if err != nil {
		return 0, capture.Incoming, err
	}

	return n, directionOf(buf[:n], d.cfg.Address), nil
}

func (d *Device) WritePacket(b []byte) error {
	_, err := d.ifce.Write(b)
	return err
}

// Close removes the configured routes and closes the interface. It is safe
// to call more than once.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		if d.ipcfg != nil {
			if err := d.ipcfg.Down(context.Background(), d.cfg); err != nil {
				d.log.Warn().Err(err).Msg("Failed to remove tunnel routes")
			}
		}
		d.closeErr = d.ifce.Close()
	})

	return d.closeErr
}

// directionOf reports outgoing when the datagram was sent from local.
func directionOf(b []byte, local string) capture.Direction {
	if src, ok := packet.SourceAddr(b); ok && src == local {
		return capture.Outgoing
	}

	return capture.Incoming
}
