package leader

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/amirimatin/go-multipaxos/pkg/actor"
	"github.com/amirimatin/go-multipaxos/pkg/internal/logutil"
	obsmetrics "github.com/amirimatin/go-multipaxos/pkg/observability/metrics"
	"github.com/amirimatin/go-multipaxos/pkg/observability/tracing"
	"github.com/amirimatin/go-multipaxos/pkg/paxos"
)

var ErrNoSystem = errors.New("leader: actor system is required")

// Options configures a Leader.
type Options struct {
	// Addr is the leader's mailbox address and its id inside ballots.
	Addr      string
	Acceptors []string
	Replicas  []string
	System    *actor.System

	// PoolSize bounds the number of scouts and commanders alive at once.
	PoolSize int
	Backoff  Backoff
	// RetryInterval is how often scouts and commanders repeat requests to
	// silent acceptors. Zero means DefaultRetryInterval, negative disables it.
	RetryInterval time.Duration
	Logger        *log.Logger

	OnAdopted   func(b paxos.BallotNumber)
	OnPreempted func(by paxos.BallotNumber)
}

const (
	DefaultPoolSize      = 32
	DefaultRetryInterval = 200 * time.Millisecond
)

func (o Options) Validate() error {
	if o.Addr == "" {
		return errors.New("leader: address is required")
	}
	if len(o.Acceptors) == 0 {
		return fmt.Errorf("leader: %w", paxos.ErrInvalidMembership)
	}
	if len(o.Replicas) == 0 {
		return fmt.Errorf("leader: %w", paxos.ErrInvalidMembership)
	}
	if o.System == nil {
		return ErrNoSystem
	}
	if o.PoolSize < 0 {
		return errors.New("leader: pool size must be >= 0")
	}
	return nil
}

// Leader owns a ballot and drives scouts and commanders for it. All state
// changes happen on the goroutine running Run; Status may be called from
// anywhere.
type Leader struct {
	opts  Options
	sys   *actor.System
	pool  *actor.Pool
	pacer *pacer

	mu          sync.RWMutex
	ballot      paxos.BallotNumber
	active      bool
	proposals   map[uint64]paxos.Command
	adoptions   uint64
	preemptions uint64
}

func New(opts Options) (*Leader, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.PoolSize == 0 {
		opts.PoolSize = DefaultPoolSize
	}
	if opts.RetryInterval == 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.Logger == nil {
		opts.Logger = opts.System.Logger()
	}
	opts.Acceptors = append([]string(nil), opts.Acceptors...)
	opts.Replicas = append([]string(nil), opts.Replicas...)
	return &Leader{
		opts:      opts,
		sys:       opts.System,
		pool:      actor.NewPool(opts.Addr, opts.PoolSize),
		pacer:     newPacer(opts.Backoff),
		ballot:    paxos.BallotNumber{Round: 0, LeaderID: opts.Addr},
		proposals: make(map[uint64]paxos.Command),
	}, nil
}

func (l *Leader) Addr() string { return l.opts.Addr }

// Run spawns the first scout and then handles one message at a time, pausing
// for the current backoff after each.
func (l *Leader) Run(ctx context.Context, mb *actor.Mailbox) {
	defer l.pool.Close()
	logutil.Infof(l.opts.Logger, "leader %s: starting with %s", l.opts.Addr, l.ballot)
	l.observe()
	l.spawnScout(ctx)
	for {
		env, err := mb.Receive(ctx)
		if err != nil {
			return
		}
		l.handle(ctx, env)
		select {
		case <-ctx.Done():
			return
		case <-time.After(l.pacer.timeout()):
		}
	}
}

func (l *Leader) handle(ctx context.Context, env paxos.Envelope) {
	switch m := env.Msg.(type) {
	case paxos.Propose:
		l.onPropose(ctx, m)
	case paxos.Adopted:
		l.onAdopted(ctx, m)
	case paxos.Preempted:
		l.onPreempted(ctx, m)
	default:
		logutil.Warnf(l.opts.Logger, "leader %s: unexpected %s from %s", l.opts.Addr, env.Msg.Kind(), env.Src)
	}
	l.observe()
}

func (l *Leader) onPropose(ctx context.Context, m paxos.Propose) {
	l.mu.Lock()
	if _, ok := l.proposals[m.Slot]; ok {
		l.mu.Unlock()
		return
	}
	l.proposals[m.Slot] = m.Command
	active, ballot := l.active, l.ballot
	l.mu.Unlock()
	if active {
		l.spawnCommander(ctx, ballot, m.Slot, m.Command)
	}
}

func (l *Leader) onAdopted(ctx context.Context, m paxos.Adopted) {
	l.mu.Lock()
	if m.Ballot != l.ballot {
		l.mu.Unlock()
		logutil.Debugf(l.opts.Logger, "leader %s: stale adoption %s", l.opts.Addr, m.Ballot)
		return
	}
	l.pacer.decrease()
	pmax := make(map[uint64]paxos.BallotNumber)
	for _, pv := range m.PValues {
		if b, ok := pmax[pv.Slot]; !ok || b.Less(pv.Ballot) {
			pmax[pv.Slot] = pv.Ballot
			l.proposals[pv.Slot] = pv.Command
		}
	}
	slots := make([]uint64, 0, len(l.proposals))
	for s := range l.proposals {
		slots = append(slots, s)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })
	cmds := make([]paxos.Command, len(slots))
	for i, s := range slots {
		cmds[i] = l.proposals[s]
	}
	l.active = true
	l.adoptions++
	ballot := l.ballot
	l.mu.Unlock()

	obsmetrics.Adoptions.WithLabelValues(l.opts.Addr).Inc()
	logutil.Infof(l.opts.Logger, "leader %s: %s adopted, %d proposals", l.opts.Addr, ballot, len(slots))
	if l.opts.OnAdopted != nil {
		l.opts.OnAdopted(ballot)
	}
	for i, s := range slots {
		l.spawnCommander(ctx, ballot, s, cmds[i])
	}
}

func (l *Leader) onPreempted(ctx context.Context, m paxos.Preempted) {
	l.mu.Lock()
	if m.Ballot.LeaderID > l.opts.Addr {
		l.pacer.increase()
	}
	if !m.Ballot.Greater(l.ballot) {
		l.mu.Unlock()
		return
	}
	l.active = false
	l.ballot = m.Ballot.Next(l.opts.Addr)
	l.preemptions++
	next := l.ballot
	l.mu.Unlock()

	obsmetrics.Preemptions.WithLabelValues(l.opts.Addr).Inc()
	logutil.Infof(l.opts.Logger, "leader %s: preempted by %s, moving to %s (backoff %s)", l.opts.Addr, m.Ballot, next, l.pacer.timeout())
	if l.opts.OnPreempted != nil {
		l.opts.OnPreempted(m.Ballot)
	}
	l.spawnScout(ctx)
}

func (l *Leader) spawnScout(ctx context.Context) {
	l.mu.RLock()
	ballot := l.ballot
	l.mu.RUnlock()
	_, err := l.sys.SpawnPooled(ctx, l.pool, func(ctx context.Context, mb *actor.Mailbox) {
		ctx, end := tracing.StartSpan(ctx, "paxos.scout", attribute.String("ballot", ballot.String()))
		defer end()
		s := newScout(mb.Addr(), l.opts.Addr, ballot, l.opts.Acceptors, l.sys.Net, l.opts.Logger)
		runPhase(ctx, mb, s, l.opts.RetryInterval)
	})
	if err != nil {
		logutil.Warnf(l.opts.Logger, "leader %s: spawn scout: %v", l.opts.Addr, err)
		return
	}
	obsmetrics.ScoutsSpawned.WithLabelValues(l.opts.Addr).Inc()
}

func (l *Leader) spawnCommander(ctx context.Context, ballot paxos.BallotNumber, slot uint64, cmd paxos.Command) {
	_, err := l.sys.SpawnPooled(ctx, l.pool, func(ctx context.Context, mb *actor.Mailbox) {
		ctx, end := tracing.StartSpan(ctx, "paxos.commander",
			attribute.String("ballot", ballot.String()), attribute.Int64("slot", int64(slot)))
		defer end()
		c := newCommander(mb.Addr(), l.opts.Addr, ballot, slot, cmd, l.opts.Acceptors, l.opts.Replicas, l.sys.Net, l.opts.Logger)
		runPhase(ctx, mb, c, l.opts.RetryInterval)
		if !c.waitfor.Reached() {
			return
		}
		obsmetrics.DecisionsSent.Inc()
	})
	if err != nil {
		logutil.Warnf(l.opts.Logger, "leader %s: spawn commander for slot %d: %v", l.opts.Addr, slot, err)
		return
	}
	obsmetrics.CommandersSpawned.WithLabelValues(l.opts.Addr).Inc()
}

func (l *Leader) observe() {
	st := l.Status()
	active := 0.0
	if st.Active {
		active = 1
	}
	obsmetrics.LeaderActive.WithLabelValues(st.Addr).Set(active)
	obsmetrics.LeaderRound.WithLabelValues(st.Addr).Set(float64(st.Ballot.Round))
	obsmetrics.LeaderBackoff.WithLabelValues(st.Addr).Set(st.Backoff.Seconds())
	obsmetrics.PoolInUse.WithLabelValues(st.Addr).Set(float64(st.Endpoints))
}

// Status is a point-in-time view of the leader.
type Status struct {
	Addr        string             `json:"addr"`
	Ballot      paxos.BallotNumber `json:"ballot"`
	Active      bool               `json:"active"`
	Backoff     time.Duration      `json:"backoff"`
	Proposals   int                `json:"proposals"`
	Adoptions   uint64             `json:"adoptions"`
	Preemptions uint64             `json:"preemptions"`
	Endpoints   int                `json:"endpointsInUse"`
}

func (l *Leader) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Status{
		Addr:        l.opts.Addr,
		Ballot:      l.ballot,
		Active:      l.active,
		Backoff:     l.pacer.timeout(),
		Proposals:   len(l.proposals),
		Adoptions:   l.adoptions,
		Preemptions: l.preemptions,
		Endpoints:   l.pool.InUse(),
	}
}
