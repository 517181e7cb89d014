package capture

import (
	"errors"

	"gonetguard/internal/models"
)

// Direction tells whether a datagram left or entered the local device.
type Direction uint8

const (
	Incoming Direction = iota
	Outgoing
)

func (d Direction) String() string {
	if d == Outgoing {
		return "outgoing"
	}
	return "incoming"
}

// Decision is the verdict for one datagram.
type Decision uint8

const (
	Forward Decision = iota
	Drop
)

func (d Decision) String() string {
	if d == Drop {
		return "drop"
	}
	return "forward"
}

// State of the classification loop.
type State string

const (
	Stopped State = "stopped"
	Running State = "running"
)

var (
	ErrAlreadyRunning = errors.New("capture already running")
	ErrNotRunning     = errors.New("capture not running")
)

// Tunnel is the datagram source and the sink for forwarded datagrams.
// ReadPacket blocks until a datagram arrives; Close must unblock it.
type Tunnel interface {
	ReadPacket(buf []byte) (n int, dir Direction, err error)
	WritePacket(b []byte) error
	Close() error
}

// HostnameQueue schedules a reverse lookup for a newly seen peer. Enqueue
// must not block.
type HostnameQueue interface {
	Enqueue(ip string) bool
}

// Observer receives every classified datagram, e.g. the anomaly detector.
type Observer interface {
	ProcessPacket(pkt models.PacketData)
}

// Counters are cumulative per-session loop statistics.
type Counters struct {
	Read      uint64 `json:"read"`
	Forwarded uint64 `json:"forwarded"`
	Dropped   uint64 `json:"dropped"`
	Unparsed  uint64 `json:"unparsed"`
	Bytes     uint64 `json:"bytes"`
}
