package analysis

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"gonetguard/internal/models"
)

// AnomalyType represents the type of anomaly detected.
type AnomalyType string

const (
	AnomalyBroadcastStorm AnomalyType = "BROADCAST_STORM"
	AnomalyUnsecure       AnomalyType = "UNSECURE_PROTOCOL"
	AnomalyDoS            AnomalyType = "POSSIBLE_DOS"
)

// Config holds configuration for the anomaly detector.
type Config struct {
	BroadcastThreshold int           // Broadcasts per second
	DoSThreshold       int           // Packets per second per peer
	UnsecureCooldown   time.Duration // Cooldown for unsecure protocol alerts
	CleanupInterval    time.Duration // Interval for memory cleanup
	DataRetention      time.Duration // How long to keep tracking data
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BroadcastThreshold: 50,
		DoSThreshold:       500,
		UnsecureCooldown:   10 * time.Second,
		CleanupInterval:    1 * time.Minute,
		DataRetention:      5 * time.Minute,
	}
}

// Alert represents a detected security anomaly.
type Alert struct {
	Type      AnomalyType `json:"type"`
	Source    string      `json:"source"`  // peer IP or "Network"
	Message   string      `json:"message"` // Human-readable description
	Timestamp time.Time   `json:"timestamp"`
}

// AnomalyDetector watches classified tunnel traffic for suspicious patterns.
type AnomalyDetector struct {
	mu sync.Mutex

	config Config

	// Broadcast Storm Detection
	broadcastCount  int
	broadcastWindow time.Time

	// Unsecure Protocol Detection (throttling)
	unsecureAlerts map[string]time.Time // key: "IP:port" -> last alert time

	// DoS Detection (per-peer packet rate)
	ipPacketCount map[string]int       // IP -> packet count
	ipWindow      map[string]time.Time // IP -> window start time

	// Alert History (circular buffer)
	alerts    []Alert
	maxAlerts int
	total     int

	lastCleanup time.Time
}

// NewAnomalyDetector creates a new anomaly detection engine.
func NewAnomalyDetector(cfg Config) *AnomalyDetector {
	return &AnomalyDetector{
		config:         cfg,
		unsecureAlerts: make(map[string]time.Time),
		ipPacketCount:  make(map[string]int),
		ipWindow:       make(map[string]time.Time),
		alerts:         make([]Alert, 0),
		maxAlerts:      20, // Keep last 20 alerts
		lastCleanup:    time.Now(),
	}
}

// ProcessPacket analyzes a classified packet for anomalies.
func (ad *AnomalyDetector) ProcessPacket(pkt models.PacketData) {
	ad.mu.Lock()
	defer ad.mu.Unlock()

	now := pkt.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	// Lazy cleanup
	if now.Sub(ad.lastCleanup) > ad.config.CleanupInterval {
		ad.cleanup(now)
		ad.lastCleanup = now
	}

	// Rule 1: Broadcast Storm Detection
	ad.detectBroadcastStorm(pkt, now)

	// Rule 2: Unsecure Protocol Detection
	ad.detectUnsecureProtocol(pkt, now)

	// Rule 3: DoS Pattern Detection
	ad.detectDoS(pkt, now)
}

// cleanup removes old entries to prevent memory leaks.
func (ad *AnomalyDetector) cleanup(now time.Time) {
	// Cleanup unsecure alerts
	for key, lastAlert := range ad.unsecureAlerts {
		if now.Sub(lastAlert) > ad.config.DataRetention {
			delete(ad.unsecureAlerts, key)
		}
	}

	// Cleanup DoS tracking
	for ip, windowStart := range ad.ipWindow {
		if now.Sub(windowStart) > ad.config.DataRetention {
			delete(ad.ipWindow, ip)
			delete(ad.ipPacketCount, ip)
		}
	}
}

// detectBroadcastStorm checks for excessive broadcast packets. A TUN carries
// no link layer, so broadcasts are recognised by their IPv4 destination.
func (ad *AnomalyDetector) detectBroadcastStorm(pkt models.PacketData, now time.Time) {
	if isBroadcast(destinationOf(pkt)) {
		// Reset counter if window expired
		if now.Sub(ad.broadcastWindow) > time.Second {
			ad.broadcastCount = 0
			ad.broadcastWindow = now
		}

		ad.broadcastCount++

		// Trigger alert if threshold exceeded
		if ad.broadcastCount > ad.config.BroadcastThreshold {
			alert := Alert{
				Type:      AnomalyBroadcastStorm,
				Source:    "Network",
				Message:   fmt.Sprintf("Broadcast storm detected: %d broadcasts in 1 second", ad.broadcastCount),
				Timestamp: now,
			}
			ad.addAlert(alert)
			// Reset to avoid spam
			ad.broadcastCount = 0
			ad.broadcastWindow = now
		}
	}
}

// detectUnsecureProtocol checks for plaintext protocol usage.
func (ad *AnomalyDetector) detectUnsecureProtocol(pkt models.PacketData, now time.Time) {
	unsecurePorts := map[int]string{
		80: "HTTP",
		21: "FTP",
		23: "Telnet",
	}

	if protocolName, isUnsecure := unsecurePorts[pkt.RemotePort]; isUnsecure {
		// Throttle alerts: max 1 per IP/port combination per cooldown period
		key := fmt.Sprintf("%s:%d", pkt.RemoteIP, pkt.RemotePort)
		lastAlert, exists := ad.unsecureAlerts[key]

		if !exists || now.Sub(lastAlert) > ad.config.UnsecureCooldown {
			alert := Alert{
				Type:      AnomalyUnsecure,
				Source:    pkt.RemoteIP,
				Message:   fmt.Sprintf("Plaintext %s traffic on port %d with %s", protocolName, pkt.RemotePort, pkt.RemoteIP),
				Timestamp: now,
			}
			ad.addAlert(alert)
			ad.unsecureAlerts[key] = now
		}
	}
}

// detectDoS checks for a single peer sending at a high packet rate.
func (ad *AnomalyDetector) detectDoS(pkt models.PacketData, now time.Time) {
	if pkt.RemoteIP == "" || pkt.Outgoing {
		return
	}
	ip := pkt.RemoteIP

	// Initialize window if not exists
	if _, exists := ad.ipWindow[ip]; !exists {
		ad.ipWindow[ip] = now
		ad.ipPacketCount[ip] = 0
	}

	// Reset counter if window expired
	if now.Sub(ad.ipWindow[ip]) > time.Second {
		ad.ipPacketCount[ip] = 0
		ad.ipWindow[ip] = now
	}

	ad.ipPacketCount[ip]++

	// Trigger alert if threshold exceeded
	if ad.ipPacketCount[ip] > ad.config.DoSThreshold {
		alert := Alert{
			Type:      AnomalyDoS,
			Source:    ip,
			Message:   fmt.Sprintf("High packet rate from %s: %d pps", ip, ad.ipPacketCount[ip]),
			Timestamp: now,
		}
		ad.addAlert(alert)
		// Reset to avoid spam
		ad.ipPacketCount[ip] = 0
		ad.ipWindow[ip] = now
	}
}

// destinationOf returns where the datagram was addressed to. For incoming
// traffic the remote end is the sender.
func destinationOf(pkt models.PacketData) string {
	if pkt.Outgoing {
		return pkt.RemoteIP
	}
	return pkt.LocalIP
}

func isBroadcast(ip string) bool {
	return ip == "255.255.255.255" || strings.HasSuffix(ip, ".255")
}

// addAlert adds an alert to the history (circular buffer).
func (ad *AnomalyDetector) addAlert(alert Alert) {
	ad.alerts = append(ad.alerts, alert)
	ad.total++

	// Keep only last maxAlerts
	if len(ad.alerts) > ad.maxAlerts {
		ad.alerts = ad.alerts[len(ad.alerts)-ad.maxAlerts:]
	}
}

// GetRecentAlerts returns the most recent alerts (thread-safe).
func (ad *AnomalyDetector) GetRecentAlerts(limit int) []Alert {
	ad.mu.Lock()
	defer ad.mu.Unlock()

	if len(ad.alerts) == 0 {
		return []Alert{}
	}

	// Return last N alerts (newest last)
	start := 0
	if len(ad.alerts) > limit {
		start = len(ad.alerts) - limit
	}

	// Make a copy to avoid race conditions
	result := make([]Alert, len(ad.alerts)-start)
	copy(result, ad.alerts[start:])

	return result
}

// TotalAlerts returns how many alerts were raised since the detector started,
// including those already evicted from the history.
func (ad *AnomalyDetector) TotalAlerts() int {
	ad.mu.Lock()
	defer ad.mu.Unlock()

	return ad.total
}

// Reset forgets all tracking state and alert history.
func (ad *AnomalyDetector) Reset() {
	ad.mu.Lock()
	defer ad.mu.Unlock()

	ad.broadcastCount = 0
	ad.unsecureAlerts = make(map[string]time.Time)
	ad.ipPacketCount = make(map[string]int)
	ad.ipWindow = make(map[string]time.Time)
	ad.alerts = ad.alerts[:0]
	ad.total = 0
}
