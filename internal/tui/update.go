package tui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"

	"gonetguard/internal/analysis"
	"gonetguard/internal/reporting"
)

func (m MonitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "b":
			m = m.toggleSelected()
			return m.refresh(), nil
		case "c":
			if err := m.ctl.ClearDevices(); err != nil {
				m.err = err
			} else {
				m.notice = "Peer list cleared"
				m.err = nil
			}
			return m.refresh(), nil
		}

	case TickMsg:
		return m.refresh(), tickCmd()
	}

	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m MonitorModel) toggleSelected() MonitorModel {
	row := m.table.SelectedRow()
	if len(row) == 0 {
		return m
	}

	ip := row[0]
	blocked, err := m.ctl.ToggleBlock(ip)
	if err != nil {
		m.err = err
		return m
	}

	m.err = nil
	if blocked {
		m.notice = fmt.Sprintf("Blocked %s", ip)
	} else {
		m.notice = fmt.Sprintf("Unblocked %s", ip)
	}

	return m
}

func (m MonitorModel) refresh() MonitorModel {
	m.bps, m.pps = m.ctl.Rates()
	m.alerts = m.ctl.Alerts(alertLimit)
	m.status = m.ctl.Status()

	peers, err := m.ctl.DiscoveredDevices()
	if err != nil {
		m.err = err
		return m
	}
	m.peers = peers

	rows := make([]table.Row, len(peers))
	for i, p := range peers {
		blocked := ""
		if p.IsBlocked {
			blocked = "yes"
		}
		rows[i] = table.Row{
			p.IP,
			p.Hostname,
			analysis.FormatPorts(p.Ports, 4),
			reporting.FormatBytes(p.BytesSent),
			reporting.FormatBytes(p.BytesReceived),
			blocked,
		}
	}
	m.table.SetRows(rows)

	return m
}
