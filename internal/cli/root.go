// Package cli implements the gonetguard command line.
package cli

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"gonetguard/internal/config"
	"gonetguard/internal/logger"
)

type rootOptions struct {
	configPath string
	logLevel   string
	debug      bool

	cfg       *config.Config
	logCloser io.Closer
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "gonetguard",
		Short:         "On-device traffic monitor and firewall",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			opts.closeLog()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "config file (default ./gonetguard.yaml or $HOME/.gonetguard/config.yaml)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level override")
	flags.BoolVar(&opts.debug, "debug", false, "enable debug logging")

	cmd.AddCommand(
		newMonitorCommand(opts),
		newReplayCommand(opts),
		newScanCommand(opts),
		newServeCommand(opts),
		newNetInfoCommand(opts),
	)

	return cmd
}

func (o *rootOptions) load() error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.debug {
		cfg.Log.Debug = true
	}
	o.cfg = cfg

	return o.initLog(cfg.Log)
}

func (o *rootOptions) initLog(cfg logger.Config) error {
	closer, err := logger.Init(cfg)
	if err != nil {
		return err
	}
	o.closeLog()
	o.logCloser = closer

	return nil
}

func (o *rootOptions) closeLog() {
	if o.logCloser != nil {
		_ = o.logCloser.Close()
		o.logCloser = nil
	}
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		logger.Error().Err(err).Msg("Command failed")
		return 1
	}

	return 0
}
