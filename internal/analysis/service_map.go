package analysis

import (
	"strconv"
	"strings"
)

var commonPorts = map[int]string{
	20:   "FTP-DATA",
	21:   "FTP",
	22:   "SSH",
	23:   "Telnet",
	25:   "SMTP",
	53:   "DNS",
	80:   "HTTP",
	110:  "POP3",
	123:  "NTP",
	135:  "MSRPC",
	139:  "NetBIOS",
	143:  "IMAP",
	443:  "HTTPS",
	445:  "SMB",
	853:  "DoT",
	993:  "IMAPS",
	995:  "POP3S",
	3306: "MySQL",
	3389: "RDP",
	5432: "PostgreSQL",
	5900: "VNC",
	6379: "Redis",
	8080: "HTTP-Alt",
}

// GetServiceName returns the common name for a port, or the port number as a string.
func GetServiceName(port int) string {
	if name, ok := commonPorts[port]; ok {
		return name
	}
	return strconv.Itoa(port)
}

// FormatPorts renders ports as "443/HTTPS, 8443", keeping at most limit
// entries (limit <= 0 keeps all) and noting how many were left out.
func FormatPorts(ports []int, limit int) string {
	if len(ports) == 0 {
		return "-"
	}

	shown := ports
	if limit > 0 && len(ports) > limit {
		shown = ports[:limit]
	}

	parts := make([]string, 0, len(shown)+1)
	for _, p := range shown {
		if name, ok := commonPorts[p]; ok {
			parts = append(parts, strconv.Itoa(p)+"/"+name)
		} else {
			parts = append(parts, strconv.Itoa(p))
		}
	}
	if len(shown) < len(ports) {
		parts = append(parts, "+"+strconv.Itoa(len(ports)-len(shown)))
	}

	return strings.Join(parts, ", ")
}
