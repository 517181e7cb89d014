// Package packet decodes the fields of captured IPv4 datagrams that the
// classifier needs. Decoding never fails loudly: input that cannot be read as
// IPv4 is reported as not parseable and left to the caller to forward.
package packet

import (
	"encoding/binary"
	"net/netip"

	"github.com/google/gopacket/layers"
)

const (
	// MinHeaderLen is the size of an IPv4 header without options.
	MinHeaderLen = 20

	// Transport ports are read at a fixed offset that assumes MinHeaderLen,
	// even when IHL announces options.
	portsOffset = MinHeaderLen
	portsEnd    = portsOffset + 4
)

// Header holds the decoded addressing fields of one datagram.
type Header struct {
	SrcIP    string
	DstIP    string
	Protocol layers.IPProtocol
	SrcPort  uint16
	DstPort  uint16
	HasPorts bool
}

// Parse decodes b. ok is false when b is shorter than MinHeaderLen or its
// version nibble is not 4.
func Parse(b []byte) (h Header, ok bool) {
	if len(b) < MinHeaderLen || b[0]>>4 != 4 {
		return Header{}, false
	}

	h = Header{
		SrcIP:    addr(b[12:16]),
		DstIP:    addr(b[16:20]),
		Protocol: layers.IPProtocol(b[9]),
	}

	if hasPorts(h.Protocol) && len(b) >= portsEnd {
		h.SrcPort = binary.BigEndian.Uint16(b[portsOffset : portsOffset+2])
		h.DstPort = binary.BigEndian.Uint16(b[portsOffset+2 : portsEnd])
		h.HasPorts = true
	}

	return h, true
}

// Remote returns the peer side of the datagram: the destination for
// outgoing traffic, the source for incoming traffic.
func (h Header) Remote(outgoing bool) (ip string, port uint16, hasPort bool) {
	if outgoing {
		return h.DstIP, h.DstPort, h.HasPorts
	}

	return h.SrcIP, h.SrcPort, h.HasPorts
}

// Local returns the device side of the datagram.
func (h Header) Local(outgoing bool) string {
	if outgoing {
		return h.SrcIP
	}

	return h.DstIP
}

// ProtocolName is the gopacket name of the transport, e.g. "TCP" or "ICMPv4".
func (h Header) ProtocolName() string {
	return h.Protocol.String()
}

// HeaderLen returns the header length announced by the IHL field of b, or 0
// when b is too short. Parse does not use it.
func HeaderLen(b []byte) int {
	if len(b) == 0 {
		return 0
	}

	return int(b[0]&0x0f) * 4
}

// SourceAddr extracts the source address of an IPv4 datagram without
// decoding the rest of the header.
func SourceAddr(b []byte) (string, bool) {
	if len(b) < MinHeaderLen || b[0]>>4 != 4 {
		return "", false
	}

	return addr(b[12:16]), true
}

func hasPorts(p layers.IPProtocol) bool {
	return p == layers.IPProtocolTCP || p == layers.IPProtocolUDP
}

func addr(b []byte) string {
	return netip.AddrFrom4([4]byte(b)).String()
}
