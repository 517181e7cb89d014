package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFF7DB")).
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1).
			Margin(0, 1)

	alertStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF5F87")).
			Bold(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))
)

func (m MonitorModel) View() string {
	title := titleStyle.Render(fmt.Sprintf("GoNetGuard - Tunnel: %s [%s]", m.tunnelName, m.status.State))

	// QoS Panel
	qos := fmt.Sprintf("Bandwidth: %s\nPacket Rate: %.2f PPS", formatBps(m.bps), m.pps)
	qosBox := infoStyle.Render(qos)

	c := m.status.Counters
	counters := fmt.Sprintf("Peers: %d  Blocked: %d\nRead: %d  Dropped: %d  Unparsed: %d",
		m.status.Peers, m.status.Blocked, c.Read, c.Dropped, c.Unparsed)
	countersBox := infoStyle.Render(counters)

	peersBox := infoStyle.Render("Peers\n" + m.table.View())

	var alertLines []string
	for _, a := range m.alerts {
		alertLines = append(alertLines, alertStyle.Render(fmt.Sprintf("%s %s", a.Timestamp.Format("15:04:05"), a.Type))+" "+a.Message)
	}
	if len(alertLines) == 0 {
		alertLines = append(alertLines, "No alerts")
	}
	alertsBox := infoStyle.Render("Alerts\n" + strings.Join(alertLines, "\n"))

	row1 := lipgloss.JoinHorizontal(lipgloss.Top, qosBox, countersBox)
	body := lipgloss.JoinVertical(lipgloss.Left, title, row1, peersBox, alertsBox)

	footer := helpStyle.Render("↑/↓ select • b block/unblock • c clear • q quit")
	switch {
	case m.err != nil:
		footer = alertStyle.Render("Error: "+m.err.Error()) + "\n" + footer
	case m.notice != "":
		footer = m.notice + "\n" + footer
	}

	return body + "\n" + footer
}

func formatBps(bps float64) string {
	if bps >= 1e6 {
		return fmt.Sprintf("%.2f Mbps", bps/1e6)
	}
	if bps >= 1e3 {
		return fmt.Sprintf("%.2f Kbps", bps/1e3)
	}
	return fmt.Sprintf("%.2f bps", bps)
}
