package acceptor

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"

	"github.com/emirpasic/gods/sets/hashset"

	"github.com/amirimatin/go-multipaxos/pkg/actor"
	"github.com/amirimatin/go-multipaxos/pkg/internal/logutil"
	obsmetrics "github.com/amirimatin/go-multipaxos/pkg/observability/metrics"
	"github.com/amirimatin/go-multipaxos/pkg/paxos"
)

var ErrNoSender = errors.New("acceptor: sender is required")

// Options configures an Acceptor.
type Options struct {
	Addr   string
	Sender actor.Sender
	Logger *log.Logger
}

func (o Options) Validate() error {
	if o.Addr == "" {
		return errors.New("acceptor: address is required")
	}
	if o.Sender == nil {
		return ErrNoSender
	}
	return nil
}

// Acceptor is the passive voting role of Synod. It only ever answers the
// sender of a P1a or P2a.
type Acceptor struct {
	addr   string
	send   actor.Sender
	logger *log.Logger

	mu        sync.RWMutex
	ballotNum paxos.BallotNumber
	accepted  *hashset.Set
}

func New(opts Options) (*Acceptor, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Acceptor{addr: opts.Addr, send: opts.Sender, logger: opts.Logger, accepted: hashset.New()}, nil
}

func (a *Acceptor) Addr() string { return a.addr }

// Run processes mb until ctx is done or the mailbox is closed.
func (a *Acceptor) Run(ctx context.Context, mb *actor.Mailbox) {
	for {
		env, err := mb.Receive(ctx)
		if err != nil {
			return
		}
		a.Handle(env)
	}
}

// Handle processes a single envelope.
func (a *Acceptor) Handle(env paxos.Envelope) {
	switch m := env.Msg.(type) {
	case paxos.P1a:
		a.mu.Lock()
		if m.Ballot.Greater(a.ballotNum) {
			a.ballotNum = m.Ballot
		}
		reply := paxos.P1b{Ballot: a.ballotNum, Accepted: a.pvaluesLocked()}
		a.mu.Unlock()
		a.observe()
		logutil.Debugf(a.logger, "acceptor %s: p1a %s from %s -> %s", a.addr, m.Ballot, env.Src, reply.Ballot)
		a.send.Send(a.addr, env.Src, reply)
	case paxos.P2a:
		a.mu.Lock()
		if !m.Ballot.Less(a.ballotNum) {
			a.ballotNum = m.Ballot
			a.accepted.Add(paxos.PValue{Ballot: m.Ballot, Slot: m.Slot, Command: m.Command})
		}
		reply := paxos.P2b{Ballot: a.ballotNum, Slot: m.Slot}
		a.mu.Unlock()
		a.observe()
		logutil.Debugf(a.logger, "acceptor %s: p2a %s slot %d from %s -> %s", a.addr, m.Ballot, m.Slot, env.Src, reply.Ballot)
		a.send.Send(a.addr, env.Src, reply)
	default:
		logutil.Warnf(a.logger, "acceptor %s: unexpected %s from %s", a.addr, env.Msg.Kind(), env.Src)
	}
}

func (a *Acceptor) observe() {
	a.mu.RLock()
	round, n := a.ballotNum.Round, a.accepted.Size()
	a.mu.RUnlock()
	obsmetrics.AcceptorRound.WithLabelValues(a.addr).Set(float64(round))
	obsmetrics.AcceptorAccepted.WithLabelValues(a.addr).Set(float64(n))
}

// pvaluesLocked returns the accepted set ordered by slot then ballot.
func (a *Acceptor) pvaluesLocked() []paxos.PValue {
	out := make([]paxos.PValue, 0, a.accepted.Size())
	for _, v := range a.accepted.Values() {
		out = append(out, v.(paxos.PValue))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Slot != out[j].Slot {
			return out[i].Slot < out[j].Slot
		}
		return out[i].Ballot.Less(out[j].Ballot)
	})
	return out
}

// Status is a point-in-time view of the acceptor.
type Status struct {
	Addr     string             `json:"addr"`
	Ballot   paxos.BallotNumber `json:"ballot"`
	Accepted int                `json:"accepted"`
}

func (a *Acceptor) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Status{Addr: a.addr, Ballot: a.ballotNum, Accepted: a.accepted.Size()}
}

// Accepted returns a copy of the accepted pvalues.
func (a *Acceptor) Accepted() []paxos.PValue {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pvaluesLocked()
}
