package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gonetguard/internal/analysis"
	"gonetguard/internal/capture"
	"gonetguard/internal/command"
	"gonetguard/internal/discovery"
	"gonetguard/internal/logger"
	"gonetguard/internal/models"
)

type idleTunnel struct{ closed chan struct{} }

func (t *idleTunnel) ReadPacket([]byte) (int, capture.Direction, error) {
	<-t.closed
	return 0, capture.Incoming, net.ErrClosed
}

func (*idleTunnel) WritePacket([]byte) error { return nil }

func (t *idleTunnel) Close() error {
	select {
	case <-t.closed:
	default:
		close(t.closed)
	}
	return nil
}

type fixedNetwork models.NetworkInfo

func (n fixedNetwork) Info(context.Context) models.NetworkInfo { return models.NetworkInfo(n) }

type onlyGateway struct{}

func (onlyGateway) Reachable(_ context.Context, ip string, _ time.Duration) (bool, error) {
	return ip == "10.1.2.1", nil
}

func newTestServer(t *testing.T, network models.NetworkInfo) (*httptest.Server, *analysis.Registry) {
	t.Helper()

	reg := analysis.NewRegistry()
	dial := func(context.Context, string, string) (net.Conn, error) {
		return nil, errors.New("refused")
	}

	svc := command.NewService(command.Deps{
		Registry:  reg,
		Loop:      capture.NewLoop(reg, capture.WithLogger(logger.Nop())),
		Discovery: discovery.NewEngine(reg, onlyGateway{}, nil, dial, discovery.Config{}, logger.Nop()),
		Network:   fixedNetwork(network),
		Tunnels: func(context.Context) (capture.Tunnel, error) {
			return &idleTunnel{closed: make(chan struct{})}, nil
		},
		Detector: analysis.NewAnomalyDetector(analysis.DefaultConfig()),
		Log:      logger.Nop(),
	})

	ts := httptest.NewServer(NewServer(svc, logger.Nop()).Handler())
	t.Cleanup(func() {
		_ = svc.StopCapture(context.Background())
		ts.Close()
	})

	return ts, reg
}

type envelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error *ErrorBody      `json:"error"`
}

func call(t *testing.T, ts *httptest.Server, method, path, body string) (int, envelope) {
	t.Helper()

	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))

	return resp.StatusCode, env
}

func homeNetwork() models.NetworkInfo {
	return models.NetworkInfo{
		SSID:           "Lab",
		OwnIP:          "10.1.2.50",
		GatewayIP:      "10.1.2.1",
		SubnetMask:     "255.255.255.0",
		DNSServers:     []string{"10.1.2.1"},
		ConnectionType: "Ethernet",
		IsConnected:    true,
	}
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t, homeNetwork())

	status, env := call(t, ts, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, env.OK)
	assert.JSONEq(t, `{"status":"ok"}`, string(env.Data))
}

func TestCaptureEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, homeNetwork())

	status, env := call(t, ts, http.MethodPost, "/v1/capture/stop", "")
	assert.Equal(t, http.StatusConflict, status)
	assert.False(t, env.OK)
	require.NotNil(t, env.Error)
	assert.Equal(t, command.CodeNotRunning, env.Error.Code)

	status, env = call(t, ts, http.MethodPost, "/v1/capture/start", "")
	require.Equal(t, http.StatusOK, status)
	assert.True(t, env.OK)

	var st command.Status
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.Equal(t, capture.Running, st.State)

	status, env = call(t, ts, http.MethodPost, "/v1/capture/start", "")
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, command.CodeAlreadyRunning, env.Error.Code)

	status, _ = call(t, ts, http.MethodPost, "/v1/capture/stop", "")
	assert.Equal(t, http.StatusOK, status)
}

func TestBlockEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, homeNetwork())

	status, env := call(t, ts, http.MethodPut, "/v1/blocked/203.0.113.9", "")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `["203.0.113.9"]`, string(env.Data))

	status, env = call(t, ts, http.MethodPut, "/v1/blocked/not-an-ip", "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, command.CodeInvalidIP, env.Error.Code)
	assert.NotEmpty(t, env.Error.Message)

	status, env = call(t, ts, http.MethodGet, "/v1/devices", "")
	require.Equal(t, http.StatusOK, status)
	var records []models.PeerRecord
	require.NoError(t, json.Unmarshal(env.Data, &records))
	require.Len(t, records, 1)
	assert.Equal(t, "203.0.113.9", records[0].IP)
	assert.Equal(t, "Unknown", records[0].Hostname)
	assert.True(t, records[0].IsBlocked)

	status, env = call(t, ts, http.MethodDelete, "/v1/blocked/203.0.113.9", "")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[]`, string(env.Data))
}

func TestDevicesClear(t *testing.T) {
	ts, reg := newTestServer(t, homeNetwork())
	reg.Merge("198.51.100.7", "cdn.example", 443)

	status, _ := call(t, ts, http.MethodDelete, "/v1/devices", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 0, reg.Len())
}

func TestNetworkAndScan(t *testing.T) {
	ts, _ := newTestServer(t, homeNetwork())

	status, env := call(t, ts, http.MethodGet, "/v1/network", "")
	require.Equal(t, http.StatusOK, status)
	var info models.NetworkInfo
	require.NoError(t, json.Unmarshal(env.Data, &info))
	assert.Equal(t, "10.1.2.1", info.GatewayIP)

	status, env = call(t, ts, http.MethodPost, "/v1/scan/subnet", "")
	require.Equal(t, http.StatusOK, status)
	var devices []models.Device
	require.NoError(t, json.Unmarshal(env.Data, &devices))
	require.Len(t, devices, 1)
	assert.True(t, devices[0].IsGateway)

	status, env = call(t, ts, http.MethodPost, "/v1/scan/subnet", `{"gateway":"300.1.1.1"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, command.CodeInvalidIP, env.Error.Code)

	status, _ = call(t, ts, http.MethodPost, "/v1/scan/subnet", `{`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, env = call(t, ts, http.MethodGet, "/v1/scan/ports/10.1.2.1", "")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[]`, string(env.Data))
}

func TestScanWithoutNetwork(t *testing.T) {
	ts, _ := newTestServer(t, models.UnknownNetwork())

	status, env := call(t, ts, http.MethodPost, "/v1/scan/subnet", "")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, command.CodeNetworkUnavailable, env.Error.Code)
}

func TestStatusAndAlerts(t *testing.T) {
	ts, _ := newTestServer(t, homeNetwork())

	status, env := call(t, ts, http.MethodGet, "/v1/status", "")
	require.Equal(t, http.StatusOK, status)
	var st map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.Equal(t, "stopped", st["state"])
	assert.Contains(t, st, "bandwidthBps")

	status, _ = call(t, ts, http.MethodGet, "/v1/alerts?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, env = call(t, ts, http.MethodGet, "/v1/alerts?limit=5", "")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[]`, string(env.Data))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(command.CodeInvalidIP))
	assert.Equal(t, http.StatusBadGateway, statusFor(command.CodeScanFailed))
	assert.Equal(t, http.StatusInternalServerError, statusFor(command.CodeInternal))
}
