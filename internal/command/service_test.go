package command

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gonetguard/internal/analysis"
	"gonetguard/internal/capture"
	"gonetguard/internal/discovery"
	"gonetguard/internal/logger"
	"gonetguard/internal/models"
	"gonetguard/internal/packet/packettest"
)

type pipeTunnel struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newPipeTunnel() *pipeTunnel {
	return &pipeTunnel{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (p *pipeTunnel) ReadPacket(buf []byte) (int, capture.Direction, error) {
	select {
	case b := <-p.in:
		return copy(buf, b), capture.Outgoing, nil
	case <-p.closed:
		return 0, capture.Incoming, net.ErrClosed
	}
}

func (p *pipeTunnel) WritePacket(b []byte) error {
	p.out <- append([]byte(nil), b...)
	return nil
}

func (p *pipeTunnel) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

type staticNetwork models.NetworkInfo

func (n staticNetwork) Info(context.Context) models.NetworkInfo { return models.NetworkInfo(n) }

type upHosts map[string]bool

func (u upHosts) Reachable(_ context.Context, ip string, _ time.Duration) (bool, error) {
	return u[ip], nil
}

type fixture struct {
	svc *Service
	reg *analysis.Registry
	tun *pipeTunnel
}

func newFixture(t *testing.T, network NetworkInfoProvider) *fixture {
	t.Helper()

	reg := analysis.NewRegistry()
	detector := analysis.NewAnomalyDetector(analysis.DefaultConfig())
	loop := capture.NewLoop(reg, capture.WithLogger(logger.Nop()), capture.WithObserver(detector))

	dial := func(ctx context.Context, _, address string) (net.Conn, error) {
		if address == "192.168.1.10:22" {
			c, s := net.Pipe()
			_ = s.Close()
			return c, nil
		}
		return nil, errors.New("connection refused")
	}
	engine := discovery.NewEngine(reg, upHosts{"192.168.1.1": true, "192.168.1.42": true}, nil, dial, discovery.Config{}, logger.Nop())

	f := &fixture{reg: reg, tun: newPipeTunnel()}
	f.svc = NewService(Deps{
		Registry:  reg,
		Loop:      loop,
		Discovery: engine,
		Network:   network,
		Tunnels:   func(context.Context) (capture.Tunnel, error) { return f.tun, nil },
		Detector:  detector,
		Log:       logger.Nop(),
	})
	t.Cleanup(func() { _ = f.svc.StopCapture(context.Background()) })

	return f
}

func connected() staticNetwork {
	return staticNetwork{
		SSID:           "HomeNet",
		OwnIP:          "192.168.1.42",
		GatewayIP:      "192.168.1.1",
		SubnetMask:     "255.255.255.0",
		DNSServers:     []string{"192.168.1.1"},
		ConnectionType: "WiFi",
		IsConnected:    true,
	}
}

func TestCaptureLifecycle(t *testing.T) {
	f := newFixture(t, connected())
	ctx := context.Background()

	assert.Equal(t, CodeNotRunning, ErrorCode(f.svc.StopCapture(ctx)))

	require.NoError(t, f.svc.StartCapture(ctx))
	assert.Equal(t, capture.Running, f.svc.Status().State)
	assert.Equal(t, CodeAlreadyRunning, ErrorCode(f.svc.StartCapture(ctx)))

	pkt := packettest.TCP("10.0.0.2", "93.184.216.34", 50000, 443, nil)
	f.tun.in <- pkt
	select {
	case got := <-f.tun.out:
		assert.Equal(t, pkt, got)
	case <-time.After(time.Second):
		t.Fatal("packet was not forwarded")
	}

	records, err := f.svc.DiscoveredDevices()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "93.184.216.34", records[0].IP)
	assert.Equal(t, models.UnknownHostname, records[0].Hostname)
	assert.Equal(t, []int{443}, records[0].Ports)

	require.NoError(t, f.svc.Block("203.0.113.5"))
	require.NoError(t, f.svc.StopCapture(ctx))
	assert.Equal(t, capture.Stopped, f.svc.Status().State)

	records, err = f.svc.DiscoveredDevices()
	require.NoError(t, err)
	require.Len(t, records, 1, "session stop resets the inventory but keeps blocked entries")
	assert.True(t, records[0].IsBlocked)
	assert.Equal(t, []string{"203.0.113.5"}, f.svc.BlockedIPs())
}

func TestStartCaptureTunnelFailure(t *testing.T) {
	f := newFixture(t, connected())
	f.svc.tunnels = func(context.Context) (capture.Tunnel, error) {
		return nil, errors.New("operation not permitted")
	}

	err := f.svc.StartCapture(context.Background())
	assert.Equal(t, CodeTunnelUnavailable, ErrorCode(err))
	assert.ErrorContains(t, err, "operation not permitted")
}

type brokenTunnel struct{}

func (b *brokenTunnel) ReadPacket([]byte) (int, capture.Direction, error) {
	return 0, capture.Incoming, errors.New("device went away")
}

func (b *brokenTunnel) WritePacket([]byte) error { return nil }

func (b *brokenTunnel) Close() error { return nil }

func TestRestartAfterTunnelFailureReleasesOldSession(t *testing.T) {
	f := newFixture(t, connected())
	ctx := context.Background()

	f.svc.tunnels = func(context.Context) (capture.Tunnel, error) { return &brokenTunnel{}, nil }
	require.NoError(t, f.svc.StartCapture(ctx))

	select {
	case <-f.svc.loop.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not end on read failure")
	}
	assert.Error(t, f.svc.loop.Err())

	var released bool
	f.svc.lifecycle.Lock()
	prev := f.svc.cancel
	require.NotNil(t, prev)
	f.svc.cancel = func() { released = true; prev() }
	f.svc.lifecycle.Unlock()

	f.svc.tunnels = func(context.Context) (capture.Tunnel, error) { return f.tun, nil }
	require.NoError(t, f.svc.StartCapture(ctx))
	assert.True(t, released, "cancel of the failed session was called")
	assert.Equal(t, capture.Running, f.svc.Status().State)

	pkt := packettest.UDP("10.0.0.2", "1.1.1.1", 40000, 53, nil)
	f.tun.in <- pkt
	select {
	case got := <-f.tun.out:
		assert.Equal(t, pkt, got)
	case <-time.After(time.Second):
		t.Fatal("restarted session did not forward")
	}
}

func TestToggleBlockIsAtomic(t *testing.T) {
	f := newFixture(t, connected())

	var wg sync.WaitGroup
	var mu sync.Mutex
	results := map[bool]int{}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			blocked, err := f.svc.ToggleBlock("198.51.100.7")
			assert.NoError(t, err)
			mu.Lock()
			results[blocked]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 25, results[true])
	assert.Equal(t, 25, results[false])
	assert.Empty(t, f.svc.BlockedIPs())

	_, err := f.svc.ToggleBlock("not-an-ip")
	assert.Equal(t, CodeInvalidIP, ErrorCode(err))
}

func TestBlockValidation(t *testing.T) {
	f := newFixture(t, connected())

	for _, ip := range []string{"", "nope", "::1"} {
		err := f.svc.Block(ip)
		require.Error(t, err)
		assert.Equal(t, CodeInvalidIP, ErrorCode(err))

		var cerr *Error
		require.ErrorAs(t, err, &cerr)
		assert.ErrorIs(t, cerr, analysis.ErrInvalidIP)
	}

	require.NoError(t, f.svc.Block("93.184.216.34"))
	blocked, err := f.svc.ToggleBlock("93.184.216.34")
	require.NoError(t, err)
	assert.False(t, blocked)
	assert.Empty(t, f.svc.BlockedIPs())
}

func TestBlockDropsTraffic(t *testing.T) {
	f := newFixture(t, connected())
	ctx := context.Background()

	require.NoError(t, f.svc.Block("93.184.216.34"))
	require.NoError(t, f.svc.StartCapture(ctx))

	f.tun.in <- packettest.TCP("10.0.0.2", "93.184.216.34", 50000, 443, nil)
	allowed := packettest.UDP("10.0.0.2", "1.1.1.1", 40000, 53, nil)
	f.tun.in <- allowed

	select {
	case got := <-f.tun.out:
		assert.Equal(t, allowed, got, "blocked datagram never reached the sink")
	case <-time.After(time.Second):
		t.Fatal("allowed packet was not forwarded")
	}

	st := f.svc.Status()
	assert.Equal(t, uint64(1), st.Counters.Dropped)
	assert.Equal(t, 1, st.Blocked)
}

func TestScanSubnetUsesNetworkInfo(t *testing.T) {
	f := newFixture(t, connected())

	devices, err := f.svc.ScanSubnet(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "Gateway / Router", devices[0].Hostname)
	assert.Equal(t, "My Device", devices[1].Hostname)
}

func TestScanSubnetWithoutNetwork(t *testing.T) {
	f := newFixture(t, staticNetwork(models.UnknownNetwork()))

	_, err := f.svc.ScanSubnet(context.Background())
	assert.Equal(t, CodeNetworkUnavailable, ErrorCode(err))

	_, err = f.svc.ScanSubnetFrom(context.Background(), "bogus", "")
	assert.Equal(t, CodeInvalidIP, ErrorCode(err))
}

func TestScanPorts(t *testing.T) {
	f := newFixture(t, connected())

	ports, err := f.svc.ScanPorts(context.Background(), "192.168.1.10")
	require.NoError(t, err)
	assert.Equal(t, []int{22}, ports)

	_, err = f.svc.ScanPorts(context.Background(), "")
	assert.Equal(t, CodeInvalidIP, ErrorCode(err))
}

type panickingNetwork struct{}

func (panickingNetwork) Info(context.Context) models.NetworkInfo { panic("netlink exploded") }

func TestPanicsBecomeInternalErrors(t *testing.T) {
	f := newFixture(t, panickingNetwork{})

	_, err := f.svc.NetworkInfo(context.Background())
	require.Error(t, err)
	assert.Equal(t, CodeInternal, ErrorCode(err))
	assert.ErrorContains(t, err, "netlink exploded")
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, Code(""), ErrorCode(nil))
	assert.Equal(t, CodeInternal, ErrorCode(errors.New("x")))

	wrapped := errors.Join(errors.New("ctx"), newError(CodeScanFailed, errors.New("boom")))
	assert.Equal(t, CodeScanFailed, ErrorCode(wrapped))
}
