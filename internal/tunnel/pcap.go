package tunnel

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/samber/oops"

	"gonetguard/internal/capture"
	"gonetguard/internal/packet"
)

// Replay feeds the datagrams of a pcap file to the classification loop.
// Link headers are stripped and frames that carry no IPv4 datagram are
// skipped. Datagrams that do not fit the caller's read buffer are skipped
// and counted instead of being cut short. Forwarded datagrams go to the
// sink, if any.
type Replay struct {
	r     *pcapgo.Reader
	file  io.Closer
	local string
	sink  func([]byte) error

	oversized atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
}

// OpenReplay opens a pcap file. local is the device address used to tell
// outgoing from incoming datagrams.
func OpenReplay(path, local string) (*Replay, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, oops.With("path", path).Wrapf(err, "open pcap")
	}

	rep, err := NewReplay(f, local)
	if err != nil {
		_ = f.Close()
		return nil, oops.With("path", path).Wrap(err)
	}
	rep.file = f

	return rep, nil
}

// NewReplay reads pcap data from r.
func NewReplay(r io.Reader, local string) (*Replay, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, oops.Wrapf(err, "read pcap header")
	}

	switch pr.LinkType() {
	case layers.LinkTypeRaw, layers.LinkTypeIPv4, layers.LinkTypeEthernet, layers.LinkTypeLinuxSLL:
	default:
		return nil, oops.With("linktype", pr.LinkType().String()).Errorf("unsupported link type")
	}

	return &Replay{r: pr, local: local, closed: make(chan struct{})}, nil
}

// SetSink sets where forwarded datagrams are written.
func (r *Replay) SetSink(sink func([]byte) error) {
	r.sink = sink
}

func (r *Replay) ReadPacket(buf []byte) (int, capture.Direction, error) {
	for {
		select {
		case <-r.closed:
			return 0, capture.Incoming, os.ErrClosed
		default:
		}

		data, _, err := r.r.ReadPacketData()
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				err = io.EOF
			}
			return 0, capture.Incoming, err
		}

		datagram, ok := r.strip(data)
		if !ok {
			continue
		}

		if len(datagram) > len(buf) {
			r.oversized.Add(1)
			continue
		}

		n := copy(buf, datagram)
		return n, directionOf(buf[:n], r.local), nil
	}
}

// Oversized reports how many datagrams were skipped because they were
// larger than the read buffer.
func (r *Replay) Oversized() int64 {
	return r.oversized.Load()
}

func (r *Replay) strip(data []byte) ([]byte, bool) {
	switch r.r.LinkType() {
	case layers.LinkTypeEthernet:
		var eth layers.Ethernet
		if err := eth.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
			return nil, false
		}
		payload, typ := eth.Payload, eth.EthernetType
		if typ == layers.EthernetTypeDot1Q {
			var tag layers.Dot1Q
			if err := tag.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
				return nil, false
			}
			payload, typ = tag.Payload, tag.Type
		}
		return trimPadding(payload), typ == layers.EthernetTypeIPv4
	case layers.LinkTypeLinuxSLL:
		var sll layers.LinuxSLL
		if err := sll.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
			return nil, false
		}
		return trimPadding(sll.Payload), sll.EthernetType == layers.EthernetTypeIPv4
	default:
		return data, true
	}
}

// trimPadding cuts link-layer padding behind an IPv4 datagram using its
// total length field.
func trimPadding(b []byte) []byte {
	if len(b) < packet.MinHeaderLen || b[0]>>4 != 4 {
		return b
	}
	if total := int(binary.BigEndian.Uint16(b[2:4])); total >= packet.MinHeaderLen && total < len(b) {
		return b[:total]
	}

	return b
}

func (r *Replay) WritePacket(b []byte) error {
	if r.sink == nil {
		return nil
	}
	return r.sink(b)
}

func (r *Replay) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.closed)
		if r.file != nil {
			err = r.file.Close()
		}
	})

	return err
}

// Dump wraps a tunnel and records every forwarded datagram in a pcap file
// with LINKTYPE_RAW framing.
type Dump struct {
	capture.Tunnel

	mu    sync.Mutex
	w     *pcapgo.Writer
	out   io.Closer
	count int
	now   func() time.Time
}

// OpenDump creates path and wraps t.
func OpenDump(t capture.Tunnel, path string) (*Dump, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, oops.With("path", path).Wrapf(err, "create pcap dump")
	}

	d, err := NewDump(t, f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	d.out = f

	return d, nil
}

// NewDump writes the pcap file header to w and wraps t.
func NewDump(t capture.Tunnel, w io.Writer) (*Dump, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(65535, layers.LinkTypeRaw); err != nil {
		return nil, oops.Wrapf(err, "write pcap header")
	}

	return &Dump{Tunnel: t, w: pw, now: time.Now}, nil
}

func (d *Dump) WritePacket(b []byte) error {
	if err := d.Tunnel.WritePacket(b); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	ci := gopacket.CaptureInfo{Timestamp: d.now(), CaptureLength: len(b), Length: len(b)}
	if err := d.w.WritePacket(ci, b); err != nil {
		return oops.Wrapf(err, "write pcap record")
	}
	d.count++

	return nil
}

// Count returns the number of recorded datagrams.
func (d *Dump) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.count
}

func (d *Dump) Close() error {
	err := d.Tunnel.Close()
	if d.out != nil {
		if cerr := d.out.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}

	return err
}
