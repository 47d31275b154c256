package replica

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/emirpasic/gods/queues/linkedlistqueue"

	"github.com/amirimatin/go-multipaxos/pkg/actor"
	"github.com/amirimatin/go-multipaxos/pkg/internal/logutil"
	"github.com/amirimatin/go-multipaxos/pkg/ledger"
	obsmetrics "github.com/amirimatin/go-multipaxos/pkg/observability/metrics"
	"github.com/amirimatin/go-multipaxos/pkg/paxos"
	"github.com/amirimatin/go-multipaxos/pkg/state"
)

// DefaultWindow is the number of slots a replica may have proposed ahead of
// the last applied slot.
const DefaultWindow = 5

// ErrReconfigUnsupported is returned to clients whose reconfiguration
// command was decided. The slot is consumed without effect.
var ErrReconfigUnsupported = errors.New("replica: reconfiguration not supported")

// Options configures a Replica.
type Options struct {
	Addr    string
	Leaders []string
	Sender  actor.Sender
	State   state.StateMachine

	// Window caps proposed-but-unapplied slots. Zero means DefaultWindow.
	Window int
	// DisableDedup applies every decided command even when the same
	// (client, request) pair was already applied in an earlier slot.
	DisableDedup bool
	// Ledger records applied slots. An in-memory ledger is used when nil.
	Ledger *ledger.Ledger
	Logger *log.Logger

	// OnApply is called on the replica goroutine after each slot is applied.
	// It must not call back into the replica.
	OnApply func(e ledger.Entry)
}

func (o Options) Validate() error {
	if o.Addr == "" {
		return errors.New("replica: address is required")
	}
	if len(o.Leaders) == 0 {
		return fmt.Errorf("replica: %w: no leaders", paxos.ErrInvalidMembership)
	}
	if o.Sender == nil {
		return errors.New("replica: sender is required")
	}
	if o.State == nil {
		return errors.New("replica: state machine is required")
	}
	if o.Window < 0 {
		return errors.New("replica: window must be >= 0")
	}
	return nil
}

// Replica turns client requests into proposals and decisions into applied
// commands, strictly in slot order.
type Replica struct {
	opts   Options
	logger *log.Logger

	mu        sync.RWMutex
	slotIn    uint64
	slotOut   uint64
	requests  *linkedlistqueue.Queue
	proposals map[uint64]paxos.Command
	decisions map[uint64]paxos.Command
	results   map[paxos.RequestKey]paxos.Response
	applied   uint64
	dups      uint64
}

func New(opts Options) (*Replica, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Window == 0 {
		opts.Window = DefaultWindow
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Ledger == nil {
		l, err := ledger.Open("")
		if err != nil {
			return nil, err
		}
		opts.Ledger = l
	}
	opts.Leaders = append([]string(nil), opts.Leaders...)
	return &Replica{
		opts:      opts,
		logger:    opts.Logger,
		requests:  linkedlistqueue.New(),
		proposals: make(map[uint64]paxos.Command),
		decisions: make(map[uint64]paxos.Command),
		results:   make(map[paxos.RequestKey]paxos.Response),
	}, nil
}

func (r *Replica) Addr() string { return r.opts.Addr }

// Run processes mb until ctx is done or the mailbox is closed.
func (r *Replica) Run(ctx context.Context, mb *actor.Mailbox) {
	for {
		env, err := mb.Receive(ctx)
		if err != nil {
			return
		}
		r.Handle(env)
	}
}

// Handle processes a single envelope.
func (r *Replica) Handle(env paxos.Envelope) {
	r.mu.Lock()
	switch m := env.Msg.(type) {
	case paxos.Request:
		r.onRequest(m.Command)
	case paxos.Decision:
		r.onDecision(m.Slot, m.Command)
	default:
		logutil.Warnf(r.logger, "replica %s: unexpected %s from %s", r.opts.Addr, env.Msg.Kind(), env.Src)
	}
	slotIn, slotOut := r.slotIn, r.slotOut
	r.mu.Unlock()
	obsmetrics.SlotIn.WithLabelValues(r.opts.Addr).Set(float64(slotIn))
	obsmetrics.SlotOut.WithLabelValues(r.opts.Addr).Set(float64(slotOut))
}

func (r *Replica) onRequest(c paxos.Command) {
	if !r.opts.DisableDedup {
		if resp, ok := r.results[c.Key()]; ok {
			r.reply(c, resp)
			return
		}
	}
	r.requests.Enqueue(c)
	r.propose()
}

// propose fills free slots inside the window, skipping slots that are
// already decided.
func (r *Replica) propose() {
	for r.slotIn < r.slotOut+uint64(r.opts.Window) && !r.requests.Empty() {
		if _, decided := r.decisions[r.slotIn]; !decided {
			v, _ := r.requests.Dequeue()
			c := v.(paxos.Command)
			r.proposals[r.slotIn] = c
			for _, l := range r.opts.Leaders {
				r.opts.Sender.Send(r.opts.Addr, l, paxos.Propose{Slot: r.slotIn, Command: c})
			}
		}
		r.slotIn++
	}
}

func (r *Replica) onDecision(slot uint64, c paxos.Command) {
	if slot < r.slotOut {
		return
	}
	r.decisions[slot] = c
	for {
		d, ok := r.decisions[r.slotOut]
		if !ok {
			break
		}
		if p, ok := r.proposals[r.slotOut]; ok {
			delete(r.proposals, r.slotOut)
			if p != d {
				r.requests.Enqueue(p)
			}
		}
		delete(r.decisions, r.slotOut)
		r.perform(r.slotOut, d)
		r.slotOut++
	}
	// Decided slots below slotOut are pruned, so proposing must resume past them.
	if r.slotIn < r.slotOut {
		r.slotIn = r.slotOut
	}
	r.propose()
}

func (r *Replica) perform(slot uint64, c paxos.Command) {
	e := ledger.Entry{Slot: slot, Command: c}
	var resp paxos.Response
	if prev, ok := r.results[c.Key()]; ok && !r.opts.DisableDedup {
		e.Duplicate = true
		resp = prev
		r.dups++
		obsmetrics.Duplicates.WithLabelValues(r.opts.Addr).Inc()
	} else {
		resp = paxos.Response{RequestID: c.RequestID}
		if c.IsReconfig() {
			resp.Error = ErrReconfigUnsupported.Error()
		} else if out, err := r.opts.State.Apply(c.Op); err != nil {
			resp.Error = err.Error()
		} else {
			resp.Result = out
		}
		if !r.opts.DisableDedup {
			r.results[c.Key()] = resp
		}
		r.applied++
		obsmetrics.Applied.WithLabelValues(r.opts.Addr).Inc()
	}
	e.Result, e.Error = resp.Result, resp.Error
	if err := r.opts.Ledger.Append(e); err != nil {
		logutil.Errorf(r.logger, "replica %s: ledger append slot %d: %v", r.opts.Addr, slot, err)
	}
	logutil.Debugf(r.logger, "replica %s: slot %d %s -> %q", r.opts.Addr, slot, c, resp.Result)
	r.reply(c, resp)
	if r.opts.OnApply != nil {
		r.opts.OnApply(e)
	}
}

func (r *Replica) reply(c paxos.Command, resp paxos.Response) {
	if c.ClientID == "" {
		return
	}
	r.opts.Sender.Send(r.opts.Addr, c.ClientID, resp)
}

// Log returns applied entries starting at slot from.
func (r *Replica) Log(from uint64, limit int) ([]ledger.Entry, error) {
	return r.opts.Ledger.Entries(from, limit)
}

// Status is a point-in-time view of the replica.
type Status struct {
	Addr       string `json:"addr"`
	SlotIn     uint64 `json:"slotIn"`
	SlotOut    uint64 `json:"slotOut"`
	Requests   int    `json:"pendingRequests"`
	Proposals  int    `json:"pendingProposals"`
	Buffered   int    `json:"bufferedDecisions"`
	Applied    uint64 `json:"applied"`
	Duplicates uint64 `json:"duplicates"`
}

func (r *Replica) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Status{
		Addr:       r.opts.Addr,
		SlotIn:     r.slotIn,
		SlotOut:    r.slotOut,
		Requests:   r.requests.Size(),
		Proposals:  len(r.proposals),
		Buffered:   len(r.decisions),
		Applied:    r.applied,
		Duplicates: r.dups,
	}
}
