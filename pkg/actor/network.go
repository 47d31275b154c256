package actor

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/amirimatin/go-multipaxos/pkg/internal/logutil"
	obsmetrics "github.com/amirimatin/go-multipaxos/pkg/observability/metrics"
	"github.com/amirimatin/go-multipaxos/pkg/paxos"
)

// Sender is the only way actors emit messages. Send never blocks on the
// receiver and never reports delivery failures.
type Sender interface {
	Send(src, dst string, msg paxos.Message)
}

// Remote delivers an envelope to the process at addr (a host:port).
// transport.Client implementations satisfy it.
type Remote interface {
	Deliver(ctx context.Context, addr string, env paxos.Envelope) error
}

// Filter decides how many copies of env are delivered: 0 drops it, 1 is the
// normal case, more duplicates it. Used for fault injection in tests.
type Filter func(env paxos.Envelope) int

// NetworkOptions configures a Network.
type NetworkOptions struct {
	// LocalHost is the host:port of this process. Envelopes for unregistered
	// addresses on this host are dropped instead of being sent to ourselves.
	LocalHost   string
	Remote      Remote
	SendTimeout time.Duration
	Logger      *log.Logger
}

// Network routes envelopes to local mailboxes directly and to other
// processes through Remote, each remote send on its own goroutine bounded by
// SendTimeout.
type Network struct {
	router *Router
	opts   NetworkOptions

	mu     sync.RWMutex
	filter Filter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewNetwork(router *Router, opts NetworkOptions) *Network {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Network{router: router, opts: opts, ctx: ctx, cancel: cancel}
}

// LocalHost returns the host:port this network treats as its own process.
func (n *Network) LocalHost() string { return n.opts.LocalHost }

// SetFilter installs f; nil removes any filter.
func (n *Network) SetFilter(f Filter) {
	n.mu.Lock()
	n.filter = f
	n.mu.Unlock()
}

func (n *Network) Send(src, dst string, msg paxos.Message) {
	env := paxos.Envelope{Src: src, Dst: dst, Msg: msg}
	copies := 1
	n.mu.RLock()
	f := n.filter
	n.mu.RUnlock()
	if f != nil {
		copies = f(env)
	}
	for i := 0; i < copies; i++ {
		n.send(env)
	}
}

func (n *Network) send(env paxos.Envelope) {
	if n.router.Has(env.Dst) {
		if err := n.Deliver(env); err != nil {
			n.failed(env, err)
		}
		return
	}
	host := paxos.Host(env.Dst)
	if n.opts.Remote == nil || host == n.opts.LocalHost {
		n.failed(env, ErrUnknownActor)
		return
	}
	select {
	case <-n.ctx.Done():
		return
	default:
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(n.ctx, n.opts.SendTimeout)
		defer cancel()
		if err := n.opts.Remote.Deliver(ctx, host, env); err != nil {
			n.failed(env, err)
		}
	}()
}

func (n *Network) failed(env paxos.Envelope, err error) {
	obsmetrics.SendFailures.WithLabelValues(string(env.Msg.Kind())).Inc()
	if errors.Is(err, context.Canceled) {
		return
	}
	logutil.Debugf(n.opts.Logger, "send %s %s -> %s failed: %v", env.Msg.Kind(), env.Src, env.Dst, err)
}

// Deliver hands an inbound envelope to its local mailbox. Transports call it
// for every envelope they decode.
func (n *Network) Deliver(env paxos.Envelope) error {
	if err := n.router.Deliver(env); err != nil {
		return err
	}
	obsmetrics.Delivered.WithLabelValues(string(env.Msg.Kind())).Inc()
	return nil
}

// Close cancels in-flight remote sends and waits for them.
func (n *Network) Close() {
	n.cancel()
	n.wg.Wait()
}
