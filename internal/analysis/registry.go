package analysis

import (
	"errors"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/samber/oops"

	"gonetguard/internal/models"
)

// ErrInvalidIP is returned for inputs that are not IPv4 literals.
var ErrInvalidIP = errors.New("invalid IPv4 address")

// Observation is one classified datagram attributed to a remote peer.
type Observation struct {
	RemoteIP   string
	RemotePort int
	HasPort    bool // the transport header was decoded; RemotePort may be 0
	Protocol   string
	Length     int
	Outgoing   bool
}

type peerEntry struct {
	hostname        string
	ports           map[int]struct{}
	protocols       map[string]struct{}
	bytesSent       int64
	bytesReceived   int64
	packetsSent     int64
	packetsReceived int64
	firstSeen       time.Time
	lastSeen        time.Time
}

// Registry is the concurrent inventory of peers plus the block set. The block
// set is the only record of whether an IP is blocked; the Blocked field of a
// Peer snapshot is read from it under the same lock.
type Registry struct {
	mu      sync.RWMutex
	peers   map[string]*peerEntry
	blocked map[string]struct{}
	now     func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		peers:   make(map[string]*peerEntry),
		blocked: make(map[string]struct{}),
		now:     time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// getOrCreate must be called with mu held for writing.
func (r *Registry) getOrCreate(ip string, now time.Time) (*peerEntry, bool) {
	if e, ok := r.peers[ip]; ok {
		return e, false
	}

	e := &peerEntry{
		ports:     make(map[int]struct{}),
		protocols: make(map[string]struct{}),
		firstSeen: now,
		lastSeen:  now,
	}
	r.peers[ip] = e

	return e, true
}

// GetOrCreate returns the entry for ip, creating it if absent. created is true
// for exactly one of any number of concurrent callers racing on a new ip.
func (r *Registry) GetOrCreate(ip string) (peer models.Peer, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, created := r.getOrCreate(ip, r.now())

	return r.copyOut(ip, e), created
}

// Observe applies one datagram to its peer: get-or-create, lastSeen, byte and
// packet counters, port and protocol sets. It reports whether the entry was
// created and whether the peer is blocked, both decided under one lock.
func (r *Registry) Observe(o Observation) (created, blocked bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	e, created := r.getOrCreate(o.RemoteIP, now)

	e.lastSeen = now
	if o.Outgoing {
		e.bytesSent += int64(o.Length)
		e.packetsSent++
	} else {
		e.bytesReceived += int64(o.Length)
		e.packetsReceived++
	}
	if o.HasPort {
		e.ports[o.RemotePort] = struct{}{}
	}
	if o.Protocol != "" {
		e.protocols[o.Protocol] = struct{}{}
	}

	_, blocked = r.blocked[o.RemoteIP]

	return created, blocked
}

// SetHostname records a resolved name. It is a no-op if the entry was cleared
// in the meantime; concurrent writers race and the last one wins.
func (r *Registry) SetHostname(ip, hostname string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.peers[ip]
	if !ok {
		return false
	}
	e.hostname = hostname

	return true
}

// Merge records a discovery hit: the entry is created if needed, ports are
// added, and hostname is set only if none is known yet.
func (r *Registry) Merge(ip, hostname string, ports ...int) (created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, created := r.getOrCreate(ip, r.now())
	if e.hostname == "" && hostname != "" {
		e.hostname = hostname
	}
	for _, p := range ports {
		if p > 0 {
			e.ports[p] = struct{}{}
		}
	}

	return created
}

// Get returns a copy of the entry for ip.
func (r *Registry) Get(ip string) (models.Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.peers[ip]
	if !ok {
		return models.Peer{}, false
	}

	return r.copyOut(ip, e), true
}

// Ports returns the ports observed for ip in ascending order.
func (r *Registry) Ports(ip string) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.peers[ip]
	if !ok {
		return nil
	}

	return sortedPorts(e.ports)
}

// Len returns the number of peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.peers)
}

// Snapshot returns a consistent copy of every peer ordered by address.
func (r *Registry) Snapshot() []models.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.snapshotLocked()
}

// State is a point-in-time view of peers and block set taken under one lock.
type State struct {
	Peers   []models.Peer
	Blocked []string
}

// State returns peers and block set captured atomically.
func (r *Registry) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return State{
		Peers:   r.snapshotLocked(),
		Blocked: r.blockedLocked(),
	}
}

func (r *Registry) snapshotLocked() []models.Peer {
	out := make([]models.Peer, 0, len(r.peers))
	for ip, e := range r.peers {
		out = append(out, r.copyOut(ip, e))
	}

	sort.Slice(out, func(i, j int) bool {
		return lessIP(out[i].IP, out[j].IP)
	})

	return out
}

// Clear drops every peer. Blocked addresses stay blocked and get a fresh,
// empty entry so the block list remains visible in the inventory.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.peers = make(map[string]*peerEntry, len(r.blocked))
	now := r.now()
	for ip := range r.blocked {
		r.getOrCreate(ip, now)
	}
}

func (r *Registry) setBlocked(ip string, blocked bool) (changed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.getOrCreate(ip, r.now())

	_, was := r.blocked[ip]
	if blocked {
		r.blocked[ip] = struct{}{}
	} else {
		delete(r.blocked, ip)
	}

	return was != blocked
}

// toggleBlocked flips membership of ip in one critical section and returns
// the new state.
func (r *Registry) toggleBlocked(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.getOrCreate(ip, r.now())

	if _, was := r.blocked[ip]; was {
		delete(r.blocked, ip)
		return false
	}
	r.blocked[ip] = struct{}{}

	return true
}

func (r *Registry) isBlocked(ip string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.blocked[ip]

	return ok
}

func (r *Registry) blockedIPs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.blockedLocked()
}

func (r *Registry) blockedLocked() []string {
	out := make([]string, 0, len(r.blocked))
	for ip := range r.blocked {
		out = append(out, ip)
	}

	sort.Slice(out, func(i, j int) bool {
		return lessIP(out[i], out[j])
	})

	return out
}

// copyOut must be called with mu held.
func (r *Registry) copyOut(ip string, e *peerEntry) models.Peer {
	protocols := make([]string, 0, len(e.protocols))
	for p := range e.protocols {
		protocols = append(protocols, p)
	}
	sort.Strings(protocols)

	_, blocked := r.blocked[ip]

	return models.Peer{
		IP:              ip,
		Hostname:        e.hostname,
		Ports:           sortedPorts(e.ports),
		Protocols:       protocols,
		BytesSent:       e.bytesSent,
		BytesReceived:   e.bytesReceived,
		PacketsSent:     e.packetsSent,
		PacketsReceived: e.packetsReceived,
		FirstSeen:       e.firstSeen,
		LastSeen:        e.lastSeen,
		Blocked:         blocked,
	}
}

func sortedPorts(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Ints(out)

	return out
}

// lessIP orders IPv4 literals numerically, falling back to string order.
func lessIP(a, b string) bool {
	x, errA := netip.ParseAddr(a)
	y, errB := netip.ParseAddr(b)
	if errA != nil || errB != nil {
		return a < b
	}

	return x.Less(y)
}

// NormalizeIP validates an IPv4 literal and returns its canonical form.
func NormalizeIP(ip string) (string, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil || !addr.Is4() {
		return "", oops.With("ip", ip).Wrapf(ErrInvalidIP, "%q", ip)
	}

	return addr.String(), nil
}
