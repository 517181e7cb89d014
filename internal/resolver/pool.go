package resolver

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Sink receives a resolved name.
type Sink func(ip, hostname string)

// PoolConfig sizes a Pool.
type PoolConfig struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
}

// Pool resolves addresses in the background with a fixed set of workers
// reading from a bounded queue.
type Pool struct {
	res     Resolver
	sink    Sink
	cfg     PoolConfig
	queue   chan string
	log     zerolog.Logger
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool

	resolved atomic.Uint64
	failed   atomic.Uint64
	dropped  atomic.Uint64
}

// NewPool creates a pool that reports names through sink. Start must be
// called before queued work is processed.
func NewPool(res Resolver, sink Sink, cfg PoolConfig, log zerolog.Logger) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Pool{
		res:   res,
		sink:  sink,
		cfg:   cfg,
		queue: make(chan string, cfg.QueueSize),
		log:   log,
	}
}

// Start launches the workers. Calling it more than once has no effect.
func (p *Pool) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Enqueue schedules ip for resolution without blocking. It returns false when
// the queue is full; the address then stays unresolved.
func (p *Pool) Enqueue(ip string) bool {
	select {
	case p.queue <- ip:
		return true
	default:
		p.dropped.Add(1)
		return false
	}
}

// Close stops the workers and waits for in-flight lookups to return.
func (p *Pool) Close() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Stats returns resolved, failed and dropped lookup counts.
func (p *Pool) Stats() (resolved, failed, dropped uint64) {
	return p.resolved.Load(), p.failed.Load(), p.dropped.Load()
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ip := <-p.queue:
			p.resolve(ctx, ip)
		}
	}
}

func (p *Pool) resolve(ctx context.Context, ip string) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	name, err := p.res.LookupAddr(ctx, ip)
	if err != nil || name == "" || name == ip {
		p.failed.Add(1)
		p.log.Debug().Err(err).Str("ip", ip).Msg("Reverse lookup failed")
		return
	}

	p.resolved.Add(1)
	p.sink(ip, name)
}
