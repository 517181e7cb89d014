package discovery

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/samber/oops"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

const protocolICMP = 1

// ICMPChecker sends one echo request per check. Network "udp4" uses
// unprivileged ping sockets; "ip4:icmp" needs CAP_NET_RAW.
type ICMPChecker struct {
	Network string
	seq     atomic.Uint32
}

func (c *ICMPChecker) network() string {
	if c.Network == "" {
		return "udp4"
	}
	return c.Network
}

func (c *ICMPChecker) Reachable(ctx context.Context, ip string, timeout time.Duration) (bool, error) {
	dst := net.ParseIP(ip).To4()
	if dst == nil {
		return false, oops.With("ip", ip).Errorf("not an IPv4 address")
	}

	conn, err := icmp.ListenPacket(c.network(), "0.0.0.0")
	if err != nil {
		return false, oops.With("network", c.network()).Wrapf(err, "open icmp socket")
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return false, oops.Wrapf(err, "set icmp deadline")
	}

	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   os.Getpid() & 0xffff,
			Seq:  int(c.seq.Add(1) & 0xffff),
			Data: []byte("gonetguard"),
		},
	}
	b, err := msg.Marshal(nil)
	if err != nil {
		return false, oops.Wrapf(err, "marshal echo")
	}

	var addr net.Addr = &net.IPAddr{IP: dst}
	if c.network() == "udp4" {
		addr = &net.UDPAddr{IP: dst}
	}
	if _, err := conn.WriteTo(b, addr); err != nil {
		// Unroutable destinations fail here; that is a negative answer.
		return false, nil
	}

	buf := make([]byte, 1500)
	for {
		if ctx.Err() != nil {
			return false, nil
		}

		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			return false, nil
		}
		if peerIP(peer) != ip {
			continue
		}

		rm, err := icmp.ParseMessage(protocolICMP, buf[:n])
		if err != nil {
			continue
		}
		if rm.Type == ipv4.ICMPTypeEchoReply {
			return true, nil
		}
	}
}

func peerIP(a net.Addr) string {
	switch v := a.(type) {
	case *net.UDPAddr:
		return v.IP.String()
	case *net.IPAddr:
		return v.IP.String()
	}
	return ""
}

// TCPChecker connects to the echo port. A refused connection proves the host
// is up as much as an accepted one.
type TCPChecker struct {
	Dial DialFunc
	Port int
}

func (c TCPChecker) Reachable(ctx context.Context, ip string, timeout time.Duration) (bool, error) {
	dial := c.Dial
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}
	port := c.Port
	if port == 0 {
		port = 7
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := dial(probeCtx, "tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err == nil {
		_ = conn.Close()
		return true, nil
	}

	return errors.Is(err, syscall.ECONNREFUSED), nil
}

// AutoChecker prefers ICMP and switches to TCP for good once ICMP sockets
// turn out to be unavailable.
type AutoChecker struct {
	ICMP Reachability
	TCP  Reachability

	icmpDown atomic.Bool
}

func NewAutoChecker() *AutoChecker {
	return &AutoChecker{ICMP: &ICMPChecker{}, TCP: TCPChecker{}}
}

func (c *AutoChecker) Reachable(ctx context.Context, ip string, timeout time.Duration) (bool, error) {
	if !c.icmpDown.Load() {
		ok, err := c.ICMP.Reachable(ctx, ip, timeout)
		if err == nil {
			return ok, nil
		}
		c.icmpDown.Store(true)
	}

	return c.TCP.Reachable(ctx, ip, timeout)
}

// NewReachability returns the checker for mode "icmp", "tcp" or "auto".
func NewReachability(mode string) Reachability {
	switch mode {
	case "icmp":
		return &ICMPChecker{}
	case "tcp":
		return TCPChecker{}
	default:
		return NewAutoChecker()
	}
}
