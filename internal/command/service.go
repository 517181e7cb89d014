// Package command is the boundary the outside world drives the monitor
// through. Every method returns a payload or an *Error; panics in the layers
// below are converted to CodeInternal.
package command

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/samber/oops"

	"gonetguard/internal/analysis"
	"gonetguard/internal/capture"
	"gonetguard/internal/discovery"
	"gonetguard/internal/enrich"
	"gonetguard/internal/models"
)

// TunnelFactory opens the tunnel for a new capture session.
type TunnelFactory func(ctx context.Context) (capture.Tunnel, error)

// NetworkInfoProvider describes the attached network.
type NetworkInfoProvider interface {
	Info(ctx context.Context) models.NetworkInfo
}

// Deps are the collaborators of a Service.
type Deps struct {
	Registry  *analysis.Registry
	Loop      *capture.Loop
	Discovery *discovery.Engine
	Network   NetworkInfoProvider
	Tunnels   TunnelFactory
	Detector  *analysis.AnomalyDetector
	Enricher  *enrich.Enricher
	Log       zerolog.Logger
}

// Service implements the command interface.
type Service struct {
	reg      *analysis.Registry
	blocks   *analysis.BlockList
	loop     *capture.Loop
	engine   *discovery.Engine
	network  NetworkInfoProvider
	tunnels  TunnelFactory
	detector *analysis.AnomalyDetector
	enricher *enrich.Enricher
	log      zerolog.Logger

	// lifecycle serializes StartCapture and StopCapture.
	lifecycle sync.Mutex
	cancel    context.CancelFunc
	active    bool
}

func NewService(d Deps) *Service {
	return &Service{
		reg:      d.Registry,
		blocks:   analysis.NewBlockList(d.Registry),
		loop:     d.Loop,
		engine:   d.Discovery,
		network:  d.Network,
		tunnels:  d.Tunnels,
		detector: d.Detector,
		enricher: d.Enricher,
		log:      d.Log,
	}
}

// Status summarizes the service for dashboards.
type Status struct {
	State    capture.State    `json:"state"`
	Counters capture.Counters `json:"counters"`
	Peers    int              `json:"peers"`
	Blocked  int              `json:"blocked"`
	Alerts   int              `json:"alerts"`
}

func (s *Service) recover(op string, err *error) {
	if r := recover(); r != nil {
		s.log.Error().Str("op", op).Interface("panic", r).Msg("Recovered panic in command")
		*err = newError(CodeInternal, oops.With("op", op).Errorf("panic: %v", r))
	}
}

// StartCapture opens a tunnel and starts the classification loop. The
// session outlives ctx; it ends on StopCapture or tunnel failure.
func (s *Service) StartCapture(ctx context.Context) (err error) {
	defer s.recover("start_capture", &err)

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.loop.State() == capture.Running {
		return newError(CodeAlreadyRunning, capture.ErrAlreadyRunning)
	}
	if s.tunnels == nil {
		return newError(CodeTunnelUnavailable, oops.Errorf("no tunnel configured"))
	}

	tun, err := s.tunnels(ctx)
	if err != nil {
		return newError(CodeTunnelUnavailable, err)
	}

	// A session that ended on tunnel failure still holds its context.
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}

	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := s.loop.Start(sessionCtx, tun); err != nil {
		cancel()
		_ = tun.Close()
		if errors.Is(err, capture.ErrAlreadyRunning) {
			return newError(CodeAlreadyRunning, err)
		}
		return newError(CodeInternal, err)
	}
	s.cancel = cancel
	s.active = true

	go s.watch(s.loop.Done())

	s.log.Info().Msg("Capture started")

	return nil
}

func (s *Service) watch(done <-chan struct{}) {
	if done == nil {
		return
	}
	<-done
	if err := s.loop.Err(); err != nil {
		s.log.Error().Err(err).Msg("Capture ended on tunnel failure")
	}
}

// StopCapture ends the session and resets the inventory. The block list
// survives. A session that already ended on tunnel failure is still reset.
func (s *Service) StopCapture(ctx context.Context) (err error) {
	defer s.recover("stop_capture", &err)

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if !s.active {
		return newError(CodeNotRunning, capture.ErrNotRunning)
	}

	_ = s.loop.Stop()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.active = false

	s.reset()
	s.log.Info().Interface("counters", s.loop.Counters()).Msg("Capture stopped")

	return nil
}

func (s *Service) reset() {
	s.reg.Clear()
	if s.detector != nil {
		s.detector.Reset()
	}
}

// Block adds ip to the block list.
func (s *Service) Block(ip string) (err error) {
	defer s.recover("block", &err)

	if _, err := s.blocks.Block(ip); err != nil {
		return newError(CodeInvalidIP, err)
	}
	s.log.Info().Str("ip", ip).Msg("Blocked")

	return nil
}

// Unblock removes ip from the block list.
func (s *Service) Unblock(ip string) (err error) {
	defer s.recover("unblock", &err)

	if _, err := s.blocks.Unblock(ip); err != nil {
		return newError(CodeInvalidIP, err)
	}
	s.log.Info().Str("ip", ip).Msg("Unblocked")

	return nil
}

// ToggleBlock flips the block state of ip and returns the new state.
func (s *Service) ToggleBlock(ip string) (blocked bool, err error) {
	defer s.recover("toggle_block", &err)

	blocked, err = s.blocks.Toggle(ip)
	if err != nil {
		return false, newError(CodeInvalidIP, err)
	}
	s.log.Info().Str("ip", ip).Bool("blocked", blocked).Msg("Toggled block")

	return blocked, nil
}

// BlockedIPs returns the block list in address order.
func (s *Service) BlockedIPs() []string {
	return s.blocks.List()
}

// DiscoveredDevices returns every peer as a serialized record, ordered by
// address.
func (s *Service) DiscoveredDevices() (records []models.PeerRecord, err error) {
	defer s.recover("discovered_devices", &err)

	peers := s.reg.Snapshot()
	records = make([]models.PeerRecord, 0, len(peers))
	for _, p := range peers {
		rec := p.Record()
		s.enricher.Annotate(&rec)
		records = append(records, rec)
	}

	return records, nil
}

// Peers returns the raw registry snapshot.
func (s *Service) Peers() []models.Peer {
	return s.reg.Snapshot()
}

// ClearDevices drops all peers. Blocked addresses keep an entry.
func (s *Service) ClearDevices() (err error) {
	defer s.recover("clear_devices", &err)

	s.reset()
	return nil
}

// NetworkInfo describes the attached network.
func (s *Service) NetworkInfo(ctx context.Context) (info models.NetworkInfo, err error) {
	defer s.recover("network_info", &err)

	if s.network == nil {
		return models.UnknownNetwork(), nil
	}
	return s.network.Info(ctx), nil
}

// IsConnected reports whether a default route exists.
func (s *Service) IsConnected(ctx context.Context) (bool, error) {
	info, err := s.NetworkInfo(ctx)
	return info.IsConnected, err
}

// ScanSubnet sweeps the /24 of the current gateway.
func (s *Service) ScanSubnet(ctx context.Context) (devices []models.Device, err error) {
	defer s.recover("scan_subnet", &err)

	info, err := s.NetworkInfo(ctx)
	if err != nil {
		return nil, err
	}
	if !info.IsConnected || info.GatewayIP == "" || info.GatewayIP == "0.0.0.0" {
		return nil, newError(CodeNetworkUnavailable, oops.Errorf("no default gateway"))
	}

	devices, err = s.engine.ScanSubnet(ctx, info.GatewayIP, info.OwnIP)
	if err != nil {
		return nil, newError(CodeScanFailed, err)
	}

	return devices, nil
}

// ScanSubnetFrom sweeps the /24 of an explicit gateway.
func (s *Service) ScanSubnetFrom(ctx context.Context, gatewayIP, ownIP string) (devices []models.Device, err error) {
	defer s.recover("scan_subnet", &err)

	devices, err = s.engine.ScanSubnet(ctx, gatewayIP, ownIP)
	if err != nil {
		if errors.Is(err, analysis.ErrInvalidIP) {
			return nil, newError(CodeInvalidIP, err)
		}
		return nil, newError(CodeScanFailed, err)
	}

	return devices, nil
}

// ScanPorts probes the common ports of ip.
func (s *Service) ScanPorts(ctx context.Context, ip string) (ports []int, err error) {
	defer s.recover("scan_ports", &err)

	ports, err = s.engine.ScanPorts(ctx, ip)
	if err != nil {
		if errors.Is(err, analysis.ErrInvalidIP) {
			return nil, newError(CodeInvalidIP, err)
		}
		return nil, newError(CodeScanFailed, err)
	}

	return ports, nil
}

// Alerts returns the most recent anomaly alerts.
func (s *Service) Alerts(limit int) []analysis.Alert {
	if s.detector == nil {
		return []analysis.Alert{}
	}
	return s.detector.GetRecentAlerts(limit)
}

// Rates returns bandwidth (bps) and packet rate (pps) since the last call.
func (s *Service) Rates() (float64, float64) {
	return s.loop.GetRates()
}

// Status reports loop state and inventory sizes.
func (s *Service) Status() Status {
	st := s.reg.State()

	alerts := 0
	if s.detector != nil {
		alerts = s.detector.TotalAlerts()
	}

	return Status{
		State:    s.loop.State(),
		Counters: s.loop.Counters(),
		Peers:    len(st.Peers),
		Blocked:  len(st.Blocked),
		Alerts:   alerts,
	}
}

func (s Status) String() string {
	return fmt.Sprintf("%s peers=%d blocked=%d read=%d dropped=%d", s.State, s.Peers, s.Blocked, s.Counters.Read, s.Counters.Dropped)
}
