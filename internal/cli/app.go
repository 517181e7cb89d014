package cli

import (
	"context"
	"time"

	"gonetguard/internal/analysis"
	"gonetguard/internal/capture"
	"gonetguard/internal/command"
	"gonetguard/internal/config"
	"gonetguard/internal/discovery"
	"gonetguard/internal/enrich"
	"gonetguard/internal/logger"
	"gonetguard/internal/netinfo"
	"gonetguard/internal/reporting"
	"gonetguard/internal/resolver"
	"gonetguard/internal/tunnel"
)

// app holds the wired runtime shared by every subcommand.
type app struct {
	cfg      *config.Config
	reg      *analysis.Registry
	detector *analysis.AnomalyDetector
	pool     *resolver.Pool
	enricher *enrich.Enricher
	loop     *capture.Loop
	network  *netinfo.Provider
	svc      *command.Service
	started  time.Time
}

func newApp(ctx context.Context, cfg *config.Config, tunnels command.TunnelFactory) (*app, error) {
	reg := analysis.NewRegistry()

	dns := resolver.NewDNSResolver(cfg.Resolver.Server, cfg.Resolver.Timeout)
	res := resolver.Chain{dns, resolver.SystemResolver{}}

	pool := resolver.NewPool(res, func(ip, hostname string) {
		reg.SetHostname(ip, hostname)
	}, resolver.PoolConfig{
		Workers:   cfg.Resolver.Workers,
		QueueSize: cfg.Resolver.QueueSize,
		Timeout:   cfg.Resolver.Timeout,
	}, logger.WithComponent("resolver"))
	pool.Start(ctx)

	enricher, err := enrich.New(cfg.GeoIPDir)
	if err != nil {
		pool.Close()
		return nil, err
	}

	detector := analysis.NewAnomalyDetector(analysis.DefaultConfig())

	loop := capture.NewLoop(reg,
		capture.WithHostnameQueue(pool),
		capture.WithObserver(detector),
		capture.WithBufferSize(cfg.Capture.BufferSize),
		capture.WithLogger(logger.WithComponent("capture")),
	)

	engine := discovery.NewEngine(reg,
		discovery.NewReachability(cfg.Discovery.Reachability),
		res,
		nil,
		discovery.Config{
			ReachTimeout:   cfg.Discovery.ReachTimeout,
			PortTimeout:    cfg.Discovery.PortTimeout,
			ResolveTimeout: cfg.Resolver.Timeout,
			Ports:          cfg.Discovery.Ports,
			MaxConcurrency: cfg.Discovery.MaxConcurrency,
		},
		logger.WithComponent("discovery"),
	)

	network := netinfo.NewProvider(logger.WithComponent("netinfo"))

	svc := command.NewService(command.Deps{
		Registry:  reg,
		Loop:      loop,
		Discovery: engine,
		Network:   network,
		Tunnels:   tunnels,
		Detector:  detector,
		Enricher:  enricher,
		Log:       logger.WithComponent("command"),
	})

	logger.Info().
		Str("dns", dns.Server()).
		Bool("geoip", enricher.Enabled()).
		Str("reachability", cfg.Discovery.Reachability).
		Msg("Runtime ready")

	return &app{
		cfg:      cfg,
		reg:      reg,
		detector: detector,
		pool:     pool,
		enricher: enricher,
		loop:     loop,
		network:  network,
		svc:      svc,
		started:  time.Now(),
	}, nil
}

func (a *app) Close() {
	a.pool.Close()
	a.enricher.Close()

	resolved, failed, dropped := a.pool.Stats()
	logger.Debug().
		Uint64("resolved", resolved).
		Uint64("failed", failed).
		Uint64("dropped", dropped).
		Msg("Resolver pool closed")
}

// deviceFactory opens the configured TUN interface, wrapped in a pcap dump
// when capture.dump_path is set.
func deviceFactory(cfg *config.Config) command.TunnelFactory {
	return func(ctx context.Context) (capture.Tunnel, error) {
		dev, err := tunnel.Open(ctx, tunnel.DeviceConfig{
			Name:    cfg.Tunnel.Name,
			Address: cfg.Tunnel.Address,
			Prefix:  cfg.Tunnel.Prefix,
			MTU:     cfg.Tunnel.MTU,
			Routes:  cfg.Tunnel.Routes,
			Setup:   cfg.Tunnel.Setup,
		}, logger.WithComponent("tunnel"))
		if err != nil {
			return nil, err
		}

		if cfg.Capture.DumpPath == "" {
			return dev, nil
		}

		dump, err := tunnel.OpenDump(dev, cfg.Capture.DumpPath)
		if err != nil {
			_ = dev.Close()
			return nil, err
		}

		return dump, nil
	}
}

// session snapshots the inventory for a report. It must run before the
// capture is stopped, which resets the registry.
func (a *app) session() reporting.Session {
	peers, err := a.svc.DiscoveredDevices()
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to collect peers for report")
	}

	return reporting.Session{
		Started:  a.started,
		Ended:    time.Now(),
		Counters: a.loop.Counters(),
		Peers:    peers,
		Blocked:  a.svc.BlockedIPs(),
		Alerts:   a.svc.Alerts(1000),
	}
}

func (a *app) writeReport(format string) {
	if format == "" {
		return
	}

	path, err := reporting.GenerateSessionReport(a.cfg.ReportDir, a.session(), format)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to write session report")
		return
	}

	logger.Info().Str("path", path).Msg("Session report written")
}
