package actor

import (
	"context"
	"fmt"
	"sync"

	"github.com/amirimatin/go-multipaxos/pkg/paxos"
)

// Pool is a bounded set of reusable endpoint addresses. A leader acquires one
// for every scout or commander it spawns and releases it when that actor
// terminates; no endpoint is ever held twice at the same time.
type Pool struct {
	free   chan string
	closed chan struct{}
	once   sync.Once

	mu   sync.Mutex
	all  map[string]struct{}
	held map[string]struct{}
}

// NewPool creates size endpoints named paxos.SubN(parent, 0..size-1).
func NewPool(parent string, size int) *Pool {
	if size <= 0 {
		size = 1
	}
	p := &Pool{
		free:   make(chan string, size),
		closed: make(chan struct{}),
		all:    make(map[string]struct{}, size),
		held:   make(map[string]struct{}, size),
	}
	for i := 0; i < size; i++ {
		a := paxos.SubN(parent, i)
		p.all[a] = struct{}{}
		p.free <- a
	}
	return p
}

// Acquire blocks until an endpoint is free, ctx is done or the pool is closed.
func (p *Pool) Acquire(ctx context.Context) (string, error) {
	select {
	case <-p.closed:
		return "", ErrPoolClosed
	default:
	}
	select {
	case a := <-p.free:
		p.mu.Lock()
		p.held[a] = struct{}{}
		p.mu.Unlock()
		return a, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-p.closed:
		return "", ErrPoolClosed
	}
}

// Release returns a held endpoint to the pool.
func (p *Pool) Release(addr string) error {
	p.mu.Lock()
	if _, ok := p.held[addr]; !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotPoolMember, addr)
	}
	delete(p.held, addr)
	p.mu.Unlock()
	// Cannot block: at most cap(free) endpoints exist.
	p.free <- addr
	return nil
}

// InUse returns the number of endpoints currently held.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.held)
}

func (p *Pool) Size() int { return len(p.all) }

// Close wakes every blocked Acquire with ErrPoolClosed.
func (p *Pool) Close() { p.once.Do(func() { close(p.closed) }) }
