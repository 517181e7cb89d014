package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"gonetguard/internal/analysis"
	"gonetguard/internal/models"
)

func newScanCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Probe the local network",
	}

	cmd.AddCommand(newScanSubnetCommand(root), newScanPortsCommand(root))

	return cmd
}

func newScanSubnetCommand(root *rootOptions) *cobra.Command {
	var (
		gateway string
		own     string
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "subnet",
		Short: "Find reachable hosts on the gateway's /24",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, root.cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			var devices []models.Device
			if gateway != "" {
				devices, err = a.svc.ScanSubnetFrom(ctx, gateway, own)
			} else {
				devices, err = a.svc.ScanSubnet(ctx)
			}
			if err != nil {
				return err
			}

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), devices)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "IP\tHOSTNAME\tROLE")
			for _, d := range devices {
				role := ""
				switch {
				case d.IsGateway:
					role = "gateway"
				case d.IsOwn:
					role = "this device"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", d.IP, d.Hostname, role)
			}

			return tw.Flush()
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&gateway, "gateway", "", "gateway address (default: from the routing table)")
	flags.StringVar(&own, "own", "", "this device's address, used for labelling")
	flags.BoolVar(&asJSON, "json", false, "print JSON")

	return cmd
}

func newScanPortsCommand(root *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "ports <ip>",
		Short: "Check the common TCP ports of a host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, root.cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			ports, err := a.svc.ScanPorts(ctx, args[0])
			if err != nil {
				return err
			}

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), ports)
			}

			if len(ports) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No open ports on %s\n", args[0])
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PORT\tSERVICE")
			for _, p := range ports {
				fmt.Fprintf(tw, "%d\t%s\n", p, analysis.GetServiceName(p))
			}

			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	return cmd
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
