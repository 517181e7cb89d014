package tui

import (
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gonetguard/internal/analysis"
	"gonetguard/internal/capture"
	"gonetguard/internal/command"
	"gonetguard/internal/models"
)

type fakeController struct {
	peers   []models.PeerRecord
	blocked map[string]bool
	cleared int
	err     error
}

func (f *fakeController) DiscoveredDevices() ([]models.PeerRecord, error) {
	out := make([]models.PeerRecord, len(f.peers))
	for i, p := range f.peers {
		p.IsBlocked = f.blocked[p.IP]
		out[i] = p
	}
	return out, nil
}

func (f *fakeController) ToggleBlock(ip string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	f.blocked[ip] = !f.blocked[ip]
	return f.blocked[ip], nil
}

func (f *fakeController) ClearDevices() error {
	f.cleared++
	f.peers = nil
	return nil
}

func (f *fakeController) Rates() (float64, float64) { return 12_500, 42 }

func (f *fakeController) Alerts(int) []analysis.Alert {
	return []analysis.Alert{{Type: analysis.AnomalyUnsecure, Message: "Unencrypted HTTP traffic", Timestamp: time.Now()}}
}

func (f *fakeController) Status() command.Status {
	return command.Status{State: capture.Running, Peers: len(f.peers)}
}

func newController() *fakeController {
	return &fakeController{
		peers: []models.PeerRecord{
			{IP: "1.1.1.1", Hostname: "one.one.one.one", Ports: []int{53}, BytesSent: 2048},
			{IP: "93.184.216.34", Hostname: "Unknown", Ports: []int{443}},
		},
		blocked: map[string]bool{},
	}
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func update(t *testing.T, m MonitorModel, msg tea.Msg) (MonitorModel, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	mm, ok := next.(MonitorModel)
	require.True(t, ok)
	return mm, cmd
}

func TestTickRefreshesTable(t *testing.T) {
	m := NewMonitorModel(newController(), "gng0")

	m, cmd := update(t, m, TickMsg(time.Now()))
	assert.NotNil(t, cmd)
	require.Len(t, m.table.Rows(), 2)
	assert.Equal(t, "1.1.1.1", m.table.Rows()[0][0])
	assert.Equal(t, "2.0 KB", m.table.Rows()[0][3])

	view := m.View()
	assert.Contains(t, view, "gng0")
	assert.Contains(t, view, "12.50 Kbps")
	assert.Contains(t, view, "Unencrypted HTTP traffic")
}

func TestBlockToggleOnSelectedRow(t *testing.T) {
	ctl := newController()
	m := NewMonitorModel(ctl, "gng0")
	m, _ = update(t, m, TickMsg(time.Now()))

	m, _ = update(t, m, key("b"))
	assert.True(t, ctl.blocked["1.1.1.1"])
	assert.Equal(t, "yes", m.table.Rows()[0][5])
	assert.Contains(t, m.View(), "Blocked 1.1.1.1")

	m, _ = update(t, m, key("b"))
	assert.False(t, ctl.blocked["1.1.1.1"])
	assert.Equal(t, "", m.table.Rows()[0][5])
}

func TestBlockToggleError(t *testing.T) {
	ctl := newController()
	ctl.err = errors.New("invalid_ip")
	m := NewMonitorModel(ctl, "gng0")
	m, _ = update(t, m, TickMsg(time.Now()))

	m, _ = update(t, m, key("b"))
	assert.Contains(t, m.View(), "Error: invalid_ip")
}

func TestClearAndQuit(t *testing.T) {
	ctl := newController()
	m := NewMonitorModel(ctl, "gng0")

	m, _ = update(t, m, key("c"))
	assert.Equal(t, 1, ctl.cleared)
	assert.Empty(t, m.table.Rows())

	_, cmd := update(t, m, key("q"))
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}

func TestFormatBps(t *testing.T) {
	assert.Equal(t, "500.00 bps", formatBps(500))
	assert.Equal(t, "1.50 Mbps", formatBps(1.5e6))
}
