package actor

import (
	"context"
	"sync"

	"github.com/emirpasic/gods/queues/linkedlistqueue"

	"github.com/amirimatin/go-multipaxos/pkg/paxos"
)

// Mailbox is the private inbox of one actor: any number of goroutines may Put,
// exactly one goroutine (the owning actor) calls Receive. The queue is
// unbounded so that a producer never blocks on a slow actor.
type Mailbox struct {
	addr string

	mu     sync.Mutex
	q      *linkedlistqueue.Queue
	closed bool
	signal chan struct{}
	done   chan struct{}
}

func newMailbox(addr string) *Mailbox {
	return &Mailbox{
		addr:   addr,
		q:      linkedlistqueue.New(),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// NewMailbox returns a standalone mailbox that is not registered anywhere.
func NewMailbox(addr string) *Mailbox { return newMailbox(addr) }

// Addr returns the address the mailbox is registered under.
func (m *Mailbox) Addr() string { return m.addr }

// Put enqueues env. It fails only once the mailbox has been closed.
func (m *Mailbox) Put(env paxos.Envelope) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrMailboxClosed
	}
	m.q.Enqueue(env)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
	return nil
}

// Receive blocks until an envelope is available, the mailbox is closed and
// drained, or ctx is done.
func (m *Mailbox) Receive(ctx context.Context) (paxos.Envelope, error) {
	for {
		m.mu.Lock()
		if v, ok := m.q.Dequeue(); ok {
			m.mu.Unlock()
			return v.(paxos.Envelope), nil
		}
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return paxos.Envelope{}, ErrMailboxClosed
		}
		select {
		case <-ctx.Done():
			return paxos.Envelope{}, ctx.Err()
		case <-m.done:
		case <-m.signal:
		}
	}
}

// Len returns the number of queued envelopes.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.q.Size()
}

// Close rejects further Puts. Envelopes already queued can still be received.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.done)
}
