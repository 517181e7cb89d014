package models

import "time"

// UnknownHostname is reported for peers whose reverse lookup has not completed.
const UnknownHostname = "Unknown"

// Peer is a point-in-time copy of one registry entry.
type Peer struct {
	IP              string
	Hostname        string // empty until resolved
	Ports           []int  // ascending
	Protocols       []string
	BytesSent       int64
	BytesReceived   int64
	PacketsSent     int64
	PacketsReceived int64
	FirstSeen       time.Time
	LastSeen        time.Time
	Blocked         bool
}

// PeerRecord is the wire form of a Peer returned by the command interface.
type PeerRecord struct {
	IP            string `json:"ip"`
	Hostname      string `json:"hostname"`
	Ports         []int  `json:"ports"`
	BytesReceived int64  `json:"bytesReceived"`
	BytesSent     int64  `json:"bytesSent"`
	FirstSeen     int64  `json:"firstSeen"`
	LastSeen      int64  `json:"lastSeen"`
	IsBlocked     bool   `json:"isBlocked"`

	Country string `json:"country,omitempty"`
	ASN     uint   `json:"asn,omitempty"`
	ASNName string `json:"asnName,omitempty"`
}

// Record converts a Peer snapshot into its serialized form.
func (p Peer) Record() PeerRecord {
	hostname := p.Hostname
	if hostname == "" {
		hostname = UnknownHostname
	}

	ports := p.Ports
	if ports == nil {
		ports = []int{}
	}

	return PeerRecord{
		IP:            p.IP,
		Hostname:      hostname,
		Ports:         ports,
		BytesReceived: p.BytesReceived,
		BytesSent:     p.BytesSent,
		FirstSeen:     p.FirstSeen.UnixMilli(),
		LastSeen:      p.LastSeen.UnixMilli(),
		IsBlocked:     p.Blocked,
	}
}

// Device is one host found by the subnet prober.
type Device struct {
	IP        string `json:"ip"`
	Hostname  string `json:"hostname"`
	IsGateway bool   `json:"is_gateway"`
	IsOwn     bool   `json:"is_own"`
	OpenPorts []int  `json:"open_ports,omitempty"`
}

// NetworkInfo describes the network the device is attached to.
type NetworkInfo struct {
	SSID           string   `json:"ssid"`
	OwnIP          string   `json:"ownIp"`
	GatewayIP      string   `json:"gatewayIp"`
	SubnetMask     string   `json:"subnetMask"`
	DNSServers     []string `json:"dnsServers"`
	ConnectionType string   `json:"connectionType"`
	IsConnected    bool     `json:"isConnected"`
}

// UnknownNetwork is reported when the network cannot be inspected.
func UnknownNetwork() NetworkInfo {
	return NetworkInfo{
		SSID:           "Unknown Network",
		OwnIP:          "0.0.0.0",
		GatewayIP:      "0.0.0.0",
		SubnetMask:     "0.0.0.0",
		DNSServers:     []string{},
		ConnectionType: "None",
	}
}
