package cli

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"gonetguard/internal/logger"
	"gonetguard/internal/tui"
)

// tuiLogFile receives logs while the alt-screen owns the terminal.
const tuiLogFile = "gonetguard.log"

func newMonitorCommand(root *rootOptions) *cobra.Command {
	var report string

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Capture tunnel traffic and show live peers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := root.cfg

			if cfg.Log.Output == "" || cfg.Log.Output == "stdout" || cfg.Log.Output == "stderr" {
				logCfg := cfg.Log
				logCfg.Output = tuiLogFile
				if err := root.initLog(logCfg); err != nil {
					return err
				}
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, deviceFactory(cfg))
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.svc.StartCapture(ctx); err != nil {
				return err
			}
			defer func() {
				if err := a.svc.StopCapture(context.Background()); err != nil {
					logger.Warn().Err(err).Msg("Stop capture")
				}
			}()

			p := tea.NewProgram(tui.NewMonitorModel(a.svc, cfg.Tunnel.Name), tea.WithAltScreen(), tea.WithContext(ctx))
			if _, err := p.Run(); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("Error running TUI")
			}

			a.writeReport(report)

			return nil
		},
	}

	cmd.Flags().StringVar(&report, "report", "", "write a session report on exit (html or json)")

	return cmd
}
