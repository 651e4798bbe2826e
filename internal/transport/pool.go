package transport

import (
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/deskd/deskd/internal/common/logger"
)

// DefaultPoolSize caps idle transports kept per session.
const DefaultPoolSize = 2

// Pool keeps warm transports for one provider so consecutive turns skip
// provider startup and re-authentication. Get hands out an idle transport or
// creates a fresh one; Put returns it, disposing beyond the idle cap.
type Pool struct {
	factory *Factory
	log     *logger.Logger

	mu     sync.Mutex
	idle   []Transport
	cap    int
	closed bool
}

// NewPool creates a pool bound to one provider factory.
func NewPool(factory *Factory, size int, log *logger.Logger) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &Pool{
		factory: factory,
		log:     log,
		cap:     size,
	}
}

// Warm eagerly fills the pool with up to n idle transports, created
// concurrently since provider startup can take seconds. Creation failures
// are logged; turns fall back to on-demand creation.
func (p *Pool) Warm(n int) {
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			t, err := p.factory.New(p.log)
			if err != nil {
				return err
			}
			if !p.put(t) {
				t.Dispose()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		p.log.Warn("transport warmup incomplete",
			zap.String("provider", p.factory.Name),
			zap.Error(err))
	}
}

// Get returns an idle transport or creates one.
func (p *Pool) Get() (Transport, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrDisposed
	}
	if n := len(p.idle); n > 0 {
		t := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return t, nil
	}
	p.mu.Unlock()

	return p.factory.New(p.log)
}

// Put returns a transport to the pool. Beyond the idle cap, or after Close,
// the transport is disposed instead.
func (p *Pool) Put(t Transport) {
	if t == nil {
		return
	}
	if !p.put(t) {
		t.Dispose()
	}
}

func (p *Pool) put(t Transport) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || len(p.idle) >= p.cap {
		return false
	}
	p.idle = append(p.idle, t)
	return true
}

// Idle returns the number of pooled transports.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Provider names the pooled provider.
func (p *Pool) Provider() string {
	return p.factory.Name
}

// Close disposes every idle transport. Transports checked out at close time
// are disposed by their holders.
func (p *Pool) Close() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.closed = true
	p.mu.Unlock()

	for _, t := range idle {
		t.Dispose()
	}
}
