package tui

import (
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"gonetguard/internal/analysis"
	"gonetguard/internal/command"
	"gonetguard/internal/models"
)

// Controller is the part of command.Service the monitor screen drives.
type Controller interface {
	DiscoveredDevices() ([]models.PeerRecord, error)
	ToggleBlock(ip string) (bool, error)
	ClearDevices() error
	Rates() (float64, float64)
	Alerts(limit int) []analysis.Alert
	Status() command.Status
}

// TickMsg refreshes the screen.
type TickMsg time.Time

const (
	refreshInterval = 250 * time.Millisecond
	alertLimit      = 5
)

type MonitorModel struct {
	ctl        Controller
	tunnelName string

	bps    float64
	pps    float64
	peers  []models.PeerRecord
	alerts []analysis.Alert
	status command.Status
	table  table.Model

	// notice is the outcome of the last key action.
	notice string
	err    error
}

func NewMonitorModel(ctl Controller, tunnelName string) MonitorModel {
	columns := []table.Column{
		{Title: "IP", Width: 16},
		{Title: "Hostname", Width: 28},
		{Title: "Ports", Width: 24},
		{Title: "Sent", Width: 10},
		{Title: "Received", Width: 10},
		{Title: "Blocked", Width: 8},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(12),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return MonitorModel{
		ctl:        ctl,
		tunnelName: tunnelName,
		table:      t,
	}
}

func (m MonitorModel) Init() tea.Cmd {
	return tickCmd()
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}
