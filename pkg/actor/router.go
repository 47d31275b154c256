package actor

import (
	"fmt"
	"sort"
	"sync"

	"github.com/amirimatin/go-multipaxos/pkg/paxos"
)

// Router maps actor addresses to mailboxes inside one process.
type Router struct {
	mu    sync.RWMutex
	boxes map[string]*Mailbox
}

func NewRouter() *Router { return &Router{boxes: make(map[string]*Mailbox)} }

// Register creates the mailbox for addr.
func (r *Router) Register(addr string) (*Mailbox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.boxes[addr]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, addr)
	}
	mb := newMailbox(addr)
	r.boxes[addr] = mb
	return mb, nil
}

// Unregister removes and closes the mailbox for addr, if any.
func (r *Router) Unregister(addr string) {
	r.mu.Lock()
	mb, ok := r.boxes[addr]
	delete(r.boxes, addr)
	r.mu.Unlock()
	if ok {
		mb.Close()
	}
}

// Deliver puts env into the mailbox named by env.Dst.
func (r *Router) Deliver(env paxos.Envelope) error {
	r.mu.RLock()
	mb, ok := r.boxes[env.Dst]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownActor, env.Dst)
	}
	return mb.Put(env)
}

func (r *Router) Has(addr string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.boxes[addr]
	return ok
}

// Addrs returns the registered addresses in sorted order.
func (r *Router) Addrs() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.boxes))
	for a := range r.boxes {
		out = append(out, a)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
