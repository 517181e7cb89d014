package models

import "time"

// PacketData is the classified view of one tunnel datagram, as seen from the
// local device: Remote* always names the peer, never the device itself.
type PacketData struct {
	Timestamp  time.Time
	RemoteIP   string
	LocalIP    string
	RemotePort int // 0 when the transport was not decoded
	Protocol   string
	Length     int
	Outgoing   bool
	Dropped    bool
}
