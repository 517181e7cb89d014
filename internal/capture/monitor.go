package capture

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/oops"

	"gonetguard/internal/analysis"
	"gonetguard/internal/logger"
	"gonetguard/internal/models"
	"gonetguard/internal/packet"
)

// DefaultBufferSize fits the largest datagram a TUN device hands out.
const DefaultBufferSize = 32767

// Loop reads datagrams from a tunnel, records them in the registry and
// forwards everything that is not blocked.
type Loop struct {
	reg       *analysis.Registry
	lookup    HostnameQueue
	observers []Observer
	bufSize   int
	log       zerolog.Logger

	running atomic.Bool

	mu      sync.Mutex
	session *session

	read, forwarded, dropped, unparsed, bytes atomic.Uint64

	rateMu        sync.Mutex
	windowBytes   int64
	windowPackets int64
	lastTick      time.Time
}

type session struct {
	tun       Tunnel
	stopping  atomic.Bool
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
	err       error
}

func (s *session) close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.tun.Close()
	})
	return s.closeErr
}

// Option configures a Loop.
type Option func(*Loop)

// WithHostnameQueue schedules a reverse lookup for every new peer.
func WithHostnameQueue(q HostnameQueue) Option {
	return func(l *Loop) { l.lookup = q }
}

// WithObserver adds a packet observer.
func WithObserver(o Observer) Option {
	return func(l *Loop) { l.observers = append(l.observers, o) }
}

// WithBufferSize sets the read buffer size.
func WithBufferSize(n int) Option {
	return func(l *Loop) {
		if n >= packet.MinHeaderLen {
			l.bufSize = n
		}
	}
}

// WithLogger replaces the component logger.
func WithLogger(log zerolog.Logger) Option {
	return func(l *Loop) { l.log = log }
}

// NewLoop creates a stopped loop bound to reg.
func NewLoop(reg *analysis.Registry, opts ...Option) *Loop {
	l := &Loop{
		reg:      reg,
		bufSize:  DefaultBufferSize,
		log:      logger.WithComponent("capture"),
		lastTick: time.Now(),
	}
	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Start begins classifying tun on a dedicated goroutine. Cancelling ctx has
// the same effect as Stop.
func (l *Loop) Start(ctx context.Context, tun Tunnel) error {
	s, err := l.begin(tun)
	if err != nil {
		return err
	}

	go func() {
		_ = l.run(ctx, s)
	}()

	return nil
}

// Run classifies tun on the calling goroutine until the tunnel is exhausted,
// fails, or the loop is stopped. A clean end of input returns nil.
func (l *Loop) Run(ctx context.Context, tun Tunnel) error {
	s, err := l.begin(tun)
	if err != nil {
		return err
	}

	return l.run(ctx, s)
}

func (l *Loop) begin(tun Tunnel) (*session, error) {
	if tun == nil {
		return nil, oops.Errorf("nil tunnel")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if prev := l.session; prev != nil {
		select {
		case <-prev.done:
		default:
			return nil, ErrAlreadyRunning
		}
	}

	l.running.Store(true)
	l.session = &session{tun: tun, done: make(chan struct{})}
	l.resetCounters()

	return l.session, nil
}

func (l *Loop) run(ctx context.Context, s *session) (err error) {
	l.log.Info().Msg("Classification loop started")

	defer func() {
		if cerr := s.close(); cerr != nil && !errors.Is(cerr, os.ErrClosed) {
			l.log.Warn().Err(cerr).Msg("Failed to close tunnel")
		}
		l.running.Store(false)
		s.err = err
		close(s.done)

		l.log.Info().
			Uint64("read", l.read.Load()).
			Uint64("forwarded", l.forwarded.Load()).
			Uint64("dropped", l.dropped.Load()).
			Msg("Classification loop stopped")
	}()

	go func() {
		select {
		case <-ctx.Done():
			s.stopping.Store(true)
			_ = s.close()
		case <-s.done:
		}
	}()

	buf := make([]byte, l.bufSize)

	for !s.stopping.Load() {
		n, dir, rerr := s.tun.ReadPacket(buf)
		if rerr != nil {
			if s.stopping.Load() || errors.Is(rerr, io.EOF) {
				return nil
			}
			l.log.Error().Err(rerr).Msg("Tunnel read failed")
			return oops.Wrapf(rerr, "read tunnel")
		}
		if n == 0 {
			continue
		}

		datagram := buf[:n]
		if l.Classify(datagram, dir) == Drop {
			continue
		}

		if werr := s.tun.WritePacket(datagram); werr != nil {
			if s.stopping.Load() {
				return nil
			}
			l.log.Error().Err(werr).Msg("Tunnel write failed")
			return oops.Wrapf(werr, "write tunnel")
		}
	}

	return nil
}

// Stop ends the current session, closes the tunnel and waits for the loop to
// finish its cleanup. It returns the error that ended the loop, if any.
func (l *Loop) Stop() error {
	l.mu.Lock()
	s := l.session
	l.mu.Unlock()

	if s == nil {
		return ErrNotRunning
	}

	select {
	case <-s.done:
		return ErrNotRunning
	default:
	}

	s.stopping.Store(true)
	_ = s.close()
	<-s.done

	return nil
}

// Done is closed when the current session ends. It is nil before the first
// Start.
func (l *Loop) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.session == nil {
		return nil
	}
	return l.session.done
}

// Err returns the error that ended the last session.
func (l *Loop) Err() error {
	l.mu.Lock()
	s := l.session
	l.mu.Unlock()

	if s == nil {
		return nil
	}

	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// State reports whether the loop is running.
func (l *Loop) State() State {
	if l.running.Load() {
		return Running
	}
	return Stopped
}

// Classify decides the fate of one datagram and applies it to the registry.
// Datagrams that cannot be parsed are forwarded untouched.
func (l *Loop) Classify(datagram []byte, dir Direction) Decision {
	l.read.Add(1)
	l.bytes.Add(uint64(len(datagram)))
	l.tick(len(datagram))

	h, ok := packet.Parse(datagram)
	if !ok {
		l.unparsed.Add(1)
		l.forwarded.Add(1)
		return Forward
	}

	outgoing := dir == Outgoing
	remoteIP, port, hasPort := h.Remote(outgoing)

	remotePort := 0
	if hasPort {
		remotePort = int(port)
	}

	created, blocked := l.reg.Observe(analysis.Observation{
		RemoteIP:   remoteIP,
		RemotePort: remotePort,
		HasPort:    hasPort,
		Protocol:   h.ProtocolName(),
		Length:     len(datagram),
		Outgoing:   outgoing,
	})

	if created {
		l.log.Debug().Str("peer", remoteIP).Msg("New peer")
		if l.lookup != nil && !l.lookup.Enqueue(remoteIP) {
			l.log.Debug().Str("peer", remoteIP).Msg("Lookup queue full, hostname left unresolved")
		}
	}

	if len(l.observers) > 0 {
		pkt := models.PacketData{
			Timestamp:  time.Now(),
			RemoteIP:   remoteIP,
			LocalIP:    h.Local(outgoing),
			RemotePort: remotePort,
			Protocol:   h.ProtocolName(),
			Length:     len(datagram),
			Outgoing:   outgoing,
			Dropped:    blocked,
		}
		for _, o := range l.observers {
			o.ProcessPacket(pkt)
		}
	}

	if blocked {
		l.dropped.Add(1)
		return Drop
	}

	l.forwarded.Add(1)
	return Forward
}

// Counters returns the statistics of the current or last session.
func (l *Loop) Counters() Counters {
	return Counters{
		Read:      l.read.Load(),
		Forwarded: l.forwarded.Load(),
		Dropped:   l.dropped.Load(),
		Unparsed:  l.unparsed.Load(),
		Bytes:     l.bytes.Load(),
	}
}

func (l *Loop) resetCounters() {
	l.read.Store(0)
	l.forwarded.Store(0)
	l.dropped.Store(0)
	l.unparsed.Store(0)
	l.bytes.Store(0)

	l.rateMu.Lock()
	l.windowBytes, l.windowPackets = 0, 0
	l.lastTick = time.Now()
	l.rateMu.Unlock()
}

func (l *Loop) tick(n int) {
	l.rateMu.Lock()
	l.windowBytes += int64(n)
	l.windowPackets++
	l.rateMu.Unlock()
}

// GetRates returns the bandwidth (bps) and packet rate (pps) since the last call.
func (l *Loop) GetRates() (float64, float64) {
	l.rateMu.Lock()
	defer l.rateMu.Unlock()

	now := time.Now()
	duration := now.Sub(l.lastTick).Seconds()
	if duration == 0 {
		return 0, 0
	}

	// Bytes * 8 = Bits
	bps := (float64(l.windowBytes) * 8) / duration
	pps := float64(l.windowPackets) / duration

	// Reset window
	l.windowBytes = 0
	l.windowPackets = 0
	l.lastTick = now

	return bps, pps
}
