package cli

import (
	"github.com/spf13/cobra"

	"gonetguard/internal/logger"
	"gonetguard/internal/netinfo"
)

func newNetInfoCommand(_ *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "netinfo",
		Short: "Describe the attached network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := netinfo.NewProvider(logger.WithComponent("netinfo")).Info(cmd.Context())
			return writeJSON(cmd.OutOrStdout(), info)
		},
	}
}
