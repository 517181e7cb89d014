package cli

import (
	"context"

	"github.com/spf13/cobra"

	"gonetguard/internal/api"
	"gonetguard/internal/command"
	"gonetguard/internal/logger"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	var (
		addr      string
		noCapture bool
		report    string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the capture with an HTTP command channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := root.cfg
			if addr == "" {
				addr = cfg.API.Addr
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, deviceFactory(cfg))
			if err != nil {
				return err
			}
			defer a.Close()

			if !noCapture {
				if err := a.svc.StartCapture(ctx); err != nil {
					return err
				}
			}
			defer func() {
				a.writeReport(report)
				err := a.svc.StopCapture(context.Background())
				if err != nil && command.ErrorCode(err) != command.CodeNotRunning {
					logger.Warn().Err(err).Msg("Stop capture")
				}
			}()

			srv := api.NewServer(a.svc, logger.WithComponent("api"))

			return srv.ListenAndServe(ctx, addr)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&addr, "addr", "", "listen address (default api.addr)")
	flags.BoolVar(&noCapture, "no-capture", false, "wait for POST /v1/capture/start instead of capturing at boot")
	flags.StringVar(&report, "report", "", "write a session report on shutdown (html or json)")

	return cmd
}
