package tunnel

import (
	"context"
	"os/exec"
	"runtime"
	"strconv"

	"github.com/samber/oops"
)

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// IPConfig configures a tunnel interface with iproute2.
type IPConfig struct {
	run Runner
}

// NewIPConfig uses run to execute commands; nil means os/exec.
func NewIPConfig(run Runner) *IPConfig {
	if run == nil {
		run = execRunner
	}

	return &IPConfig{run: run}
}

// Up assigns the address, sets MTU and link state, and adds the routes.
// Currently supports Linux only.
func (c *IPConfig) Up(ctx context.Context, cfg DeviceConfig) error {
	if runtime.GOOS != "linux" {
		return oops.Errorf("tunnel setup not implemented for %s", runtime.GOOS)
	}

	cidr := cfg.Address + "/" + strconv.Itoa(cfg.Prefix)
	if err := c.ip(ctx, "addr", "replace", cidr, "dev", cfg.Name); err != nil {
		return err
	}

	link := []string{"link", "set", "dev", cfg.Name}
	if cfg.MTU > 0 {
		link = append(link, "mtu", strconv.Itoa(cfg.MTU))
	}
	if err := c.ip(ctx, append(link, "up")...); err != nil {
		return err
	}

	for _, r := range cfg.Routes {
		if err := c.ip(ctx, "route", "replace", r, "dev", cfg.Name); err != nil {
			return err
		}
	}

	return nil
}

// Down removes the routes added by Up. Removing the interface itself is left
// to closing the TUN file descriptor.
func (c *IPConfig) Down(ctx context.Context, cfg DeviceConfig) error {
	if runtime.GOOS != "linux" {
		return nil // No-op for non-Linux to avoid errors on cleanup
	}

	var first error
	for _, r := range cfg.Routes {
		if err := c.ip(ctx, "route", "del", r, "dev", cfg.Name); err != nil && first == nil {
			first = err
		}
	}

	return first
}

func (c *IPConfig) ip(ctx context.Context, args ...string) error {
	if output, err := c.run(ctx, "ip", args...); err != nil {
		return oops.With("args", args, "output", string(output)).Wrapf(err, "ip %v", args)
	}

	return nil
}
