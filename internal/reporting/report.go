package reporting

import (
	"encoding/json"
	"fmt"
	"html"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/samber/oops"

	"gonetguard/internal/analysis"
	"gonetguard/internal/capture"
	"gonetguard/internal/models"
)

// Session is everything a report covers.
type Session struct {
	Started  time.Time           `json:"started"`
	Ended    time.Time           `json:"ended"`
	Counters capture.Counters    `json:"counters"`
	Peers    []models.PeerRecord `json:"peers"`
	Blocked  []string            `json:"blocked"`
	Alerts   []analysis.Alert    `json:"alerts"`
	Network  *models.NetworkInfo `json:"network,omitempty"`
}

// WritePeers writes records as an indented JSON array.
func WritePeers(w io.Writer, records []models.PeerRecord) error {
	if records == nil {
		records = []models.PeerRecord{}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(records); err != nil {
		return oops.Wrapf(err, "encode peers")
	}

	return nil
}

// GenerateSessionReport writes the session into dir as report_<timestamp>.html
// or .json and returns the file path.
func GenerateSessionReport(dir string, s Session, format string) (string, error) {
	if format != "html" && format != "json" {
		return "", oops.With("format", format).Errorf("unsupported format: %s", format)
	}

	if s.Ended.IsZero() {
		s.Ended = time.Now()
	}

	timestamp := s.Ended.Format("20060102_150405")
	filename := filepath.Join(dir, fmt.Sprintf("report_%s.%s", timestamp, format))

	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", oops.With("dir", dir).Wrapf(err, "create report directory")
		}
	}

	file, err := os.Create(filename)
	if err != nil {
		return "", oops.With("file", filename).Wrapf(err, "create report")
	}
	defer file.Close()

	if format == "json" {
		enc := json.NewEncoder(file)
		enc.SetIndent("", "  ")
		err = enc.Encode(s)
	} else {
		_, err = file.WriteString(renderHTML(s, timestamp))
	}
	if err != nil {
		return "", oops.With("file", filename).Wrapf(err, "write report")
	}

	return filename, nil
}

func renderHTML(s Session, timestamp string) string {
	var total int64
	for _, p := range s.Peers {
		total += p.BytesSent + p.BytesReceived
	}

	page := fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>GoNetGuard Session Report - %s</title>
    <style>
        body { font-family: sans-serif; margin: 20px; color: #333; }
        h1, h2 { color: #2c3e50; }
        table { width: 100%%; border-collapse: collapse; margin-bottom: 20px; }
        th, td { border: 1px solid #ddd; padding: 8px; text-align: left; }
        th { background-color: #f2f2f2; }
        tr:nth-child(even) { background-color: #f9f9f9; }
        .summary { background: #eef; padding: 15px; border-radius: 5px; margin-bottom: 20px; }
        .alert, .blocked { color: #d9534f; font-weight: bold; }
    </style>
</head>
<body>
    <h1>GoNetGuard Session Report</h1>
    <div class="summary">
        <p><strong>Date:</strong> %s</p>
        <p><strong>Duration:</strong> %s</p>
        <p><strong>Total Data Transferred:</strong> %s</p>
        <p><strong>Packets:</strong> %d read, %d forwarded, %d dropped</p>
    </div>
`, timestamp, s.Ended.Format(time.RFC1123), duration(s), FormatBytes(total),
		s.Counters.Read, s.Counters.Forwarded, s.Counters.Dropped)

	page += `
    <h2>Peers</h2>
    <table>
        <thead>
            <tr>
                <th>IP Address</th>
                <th>Hostname</th>
                <th>Ports</th>
                <th>Sent</th>
                <th>Received</th>
                <th>Country</th>
                <th>Status</th>
            </tr>
        </thead>
        <tbody>
`

	if len(s.Peers) == 0 {
		page += "            <tr><td colspan=\"7\">No peers observed during this session.</td></tr>\n"
	} else {
		for _, p := range s.Peers {
			status := "allowed"
			class := ""
			if p.IsBlocked {
				status = "blocked"
				class = ` class="blocked"`
			}
			page += fmt.Sprintf("            <tr><td>%s</td><td>%s</td><td>%s</td><td>%s</td><td>%s</td><td>%s</td><td%s>%s</td></tr>\n",
				p.IP, html.EscapeString(p.Hostname), html.EscapeString(analysis.FormatPorts(p.Ports, 8)),
				FormatBytes(p.BytesSent), FormatBytes(p.BytesReceived), html.EscapeString(p.Country), class, status)
		}
	}

	page += `        </tbody>
    </table>

    <h2>Block List</h2>
    <table>
        <thead>
            <tr>
                <th>IP Address</th>
            </tr>
        </thead>
        <tbody>
`

	if len(s.Blocked) == 0 {
		page += "            <tr><td>No addresses blocked.</td></tr>\n"
	} else {
		for _, ip := range s.Blocked {
			page += fmt.Sprintf("            <tr><td class=\"blocked\">%s</td></tr>\n", html.EscapeString(ip))
		}
	}

	page += `        </tbody>
    </table>

    <h2>Security Alerts</h2>
    <table>
        <thead>
            <tr>
                <th>Time</th>
                <th>Type</th>
                <th>Source</th>
                <th>Message</th>
            </tr>
        </thead>
        <tbody>
`

	if len(s.Alerts) == 0 {
		page += "            <tr><td colspan=\"4\">No alerts triggered during this session.</td></tr>\n"
	} else {
		for _, alert := range s.Alerts {
			page += fmt.Sprintf("            <tr><td>%s</td><td class=\"alert\">%s</td><td>%s</td><td>%s</td></tr>\n",
				alert.Timestamp.Format("15:04:05"), alert.Type, html.EscapeString(alert.Source), html.EscapeString(alert.Message))
		}
	}

	page += `        </tbody>
    </table>
</body>
</html>`

	return page
}

func duration(s Session) string {
	if s.Started.IsZero() {
		return "n/a"
	}
	return s.Ended.Sub(s.Started).Round(time.Second).String()
}

// FormatBytes renders a byte count with a binary unit suffix.
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
