package cli

import (
	"time"

	"github.com/spf13/cobra"

	"gonetguard/internal/capture"
	"gonetguard/internal/logger"
	"gonetguard/internal/reporting"
	"gonetguard/internal/tunnel"
)

func newReplayCommand(root *rootOptions) *cobra.Command {
	var (
		local  string
		block  []string
		dump   string
		wait   time.Duration
		report string
	)

	cmd := &cobra.Command{
		Use:   "replay <file.pcap>",
		Short: "Classify a pcap capture offline and print the peer inventory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.cfg
			if local == "" {
				local = cfg.Tunnel.Address
			}

			rep, err := tunnel.OpenReplay(args[0], local)
			if err != nil {
				return err
			}

			var tun capture.Tunnel = rep
			var recorder *tunnel.Dump
			if dump != "" {
				recorder, err = tunnel.OpenDump(rep, dump)
				if err != nil {
					_ = rep.Close()
					return err
				}
				tun = recorder
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, nil)
			if err != nil {
				_ = tun.Close()
				return err
			}
			defer a.Close()

			for _, ip := range block {
				if err := a.svc.Block(ip); err != nil {
					_ = tun.Close()
					return err
				}
			}

			if err := a.loop.Run(ctx, tun); err != nil {
				return err
			}

			if wait > 0 {
				select {
				case <-time.After(wait):
				case <-ctx.Done():
				}
			}

			c := a.loop.Counters()
			ev := logger.Info().
				Uint64("read", c.Read).
				Uint64("forwarded", c.Forwarded).
				Uint64("dropped", c.Dropped).
				Uint64("unparsed", c.Unparsed).
				Int64("oversized", rep.Oversized())
			if recorder != nil {
				ev = ev.Int("dumped", recorder.Count())
			}
			ev.Msg("Replay finished")

			a.writeReport(report)

			records, err := a.svc.DiscoveredDevices()
			if err != nil {
				return err
			}

			return reporting.WritePeers(cmd.OutOrStdout(), records)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&local, "local", "", "device address that marks outgoing datagrams (default tunnel.address)")
	flags.StringSliceVar(&block, "block", nil, "addresses to block during replay")
	flags.StringVar(&dump, "dump", "", "write forwarded datagrams to this pcap file")
	flags.DurationVar(&wait, "resolve-wait", 0, "time to wait for reverse lookups before printing")
	flags.StringVar(&report, "report", "", "also write a session report (html or json)")

	return cmd
}
