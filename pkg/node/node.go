package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/amirimatin/go-multipaxos/pkg/acceptor"
	"github.com/amirimatin/go-multipaxos/pkg/actor"
	"github.com/amirimatin/go-multipaxos/pkg/client"
	"github.com/amirimatin/go-multipaxos/pkg/internal/logutil"
	"github.com/amirimatin/go-multipaxos/pkg/leader"
	"github.com/amirimatin/go-multipaxos/pkg/ledger"
	"github.com/amirimatin/go-multipaxos/pkg/liveness"
	obsmetrics "github.com/amirimatin/go-multipaxos/pkg/observability/metrics"
	"github.com/amirimatin/go-multipaxos/pkg/observability/tracing"
	"github.com/amirimatin/go-multipaxos/pkg/paxos"
	"github.com/amirimatin/go-multipaxos/pkg/replica"
	"github.com/amirimatin/go-multipaxos/pkg/transport"
)

// DefaultSubmitTimeout bounds a Submit whose request carries no timeout.
const DefaultSubmitTimeout = 10 * time.Second

// Node is the per-process runtime. It hosts the acceptors, leaders and
// replicas of the membership that live at its advertise address, serves
// their transport endpoint and offers a client for submitting commands.
type Node struct {
	opts Options
	eb   eventBus

	mu  sync.RWMutex
	run struct {
		started bool
		stopped bool
	}
	sys       *actor.System
	acceptors []*acceptor.Acceptor
	leaders   []*leader.Leader
	replicas  []*replica.Replica
	ledgers   []*ledger.Ledger
	cli       *client.Client
}

// New validates opts. It performs no network activity; call Start.
func New(opts Options) (*Node, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	opts.Membership = opts.Membership.Clone()
	return &Node{opts: opts}, nil
}

// Hosted returns the membership addresses that belong to this node.
func (n *Node) Hosted() []string {
	var out []string
	for _, a := range n.opts.Membership.All() {
		if paxos.Host(a) == n.opts.Advertise {
			out = append(out, a)
		}
	}
	return out
}

func (n *Node) local(addrs []string) []string {
	var out []string
	for _, a := range addrs {
		if paxos.Host(a) == n.opts.Advertise {
			out = append(out, a)
		}
	}
	return out
}

// Start spawns every hosted role, then starts the transport server and the
// optional liveness view. Roles are up before the server accepts traffic.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.run.stopped {
		return ErrStopped
	}
	if n.run.started {
		return nil
	}
	obsmetrics.Register()

	m := n.opts.Membership
	n.sys = actor.NewSystem(ctx, actor.SystemOptions{
		Network: actor.NetworkOptions{
			LocalHost:   n.opts.Advertise,
			Remote:      n.opts.Client,
			SendTimeout: n.opts.SendTimeout,
		},
		Logger: n.opts.Logger,
	})
	if err := n.spawnRoles(m); err != nil {
		n.teardown()
		return err
	}
	hosted := n.Hosted()
	if len(hosted) == 0 {
		logutil.Warnf(n.opts.Logger, "node %s hosts no role of the membership", n.opts.Advertise)
	}

	// Prefer local replicas so Submit avoids a network hop when it can.
	order := append(n.local(m.Replicas), remote(m.Replicas, n.opts.Advertise)...)
	cli, err := client.New(client.Options{
		System:     n.sys,
		Replicas:   order,
		RetryAfter: n.opts.ClientRetry,
		Logger:     n.opts.Logger,
	})
	if err != nil {
		n.teardown()
		return err
	}
	n.cli = cli

	h := transport.Handlers{Deliver: n.deliver, Status: n.statusJSON, Submit: n.submit, Log: n.log}
	if err := n.opts.Server.Start(ctx, h); err != nil {
		n.teardown()
		return fmt.Errorf("node: start server: %w", err)
	}
	if v := n.opts.Liveness; v != nil {
		if err := v.Start(ctx); err != nil {
			logutil.Warnf(n.opts.Logger, "liveness start failed: %v", err)
		} else {
			if err := v.Join(n.opts.GossipSeeds); err != nil {
				logutil.Warnf(n.opts.Logger, "liveness join %v failed: %v", n.opts.GossipSeeds, err)
			}
			go n.livenessLoop(v)
		}
	}
	n.run.started = true
	logutil.Infof(n.opts.Logger, "node %s started: roles=%v transport=%s", n.opts.Advertise, hosted, n.opts.Server.Addr())
	return nil
}

func remote(addrs []string, host string) []string {
	var out []string
	for _, a := range addrs {
		if paxos.Host(a) != host {
			out = append(out, a)
		}
	}
	return out
}

func (n *Node) spawnRoles(m paxos.Membership) error {
	for _, addr := range n.local(m.Acceptors) {
		a, err := acceptor.New(acceptor.Options{Addr: addr, Sender: n.sys.Net, Logger: n.opts.Logger})
		if err != nil {
			return err
		}
		if err := n.sys.Spawn(addr, a.Run); err != nil {
			return err
		}
		n.acceptors = append(n.acceptors, a)
	}
	for _, addr := range n.local(m.Replicas) {
		led, err := ledger.Open(n.ledgerDir(addr))
		if err != nil {
			return err
		}
		n.ledgers = append(n.ledgers, led)
		raddr := addr
		r, err := replica.New(replica.Options{
			Addr:         addr,
			Leaders:      m.Leaders,
			Sender:       n.sys.Net,
			State:        n.opts.NewState(),
			Window:       n.opts.Window,
			DisableDedup: n.opts.DisableDedup,
			Ledger:       led,
			Logger:       n.opts.Logger,
			OnApply: func(e ledger.Entry) {
				n.eb.publish(Event{Type: EventDecisionApplied, At: time.Now(), Actor: raddr, Entry: &e})
			},
		})
		if err != nil {
			return err
		}
		if err := n.sys.Spawn(addr, r.Run); err != nil {
			return err
		}
		n.replicas = append(n.replicas, r)
	}
	for _, addr := range n.local(m.Leaders) {
		laddr := addr
		l, err := leader.New(leader.Options{
			Addr:          addr,
			Acceptors:     m.Acceptors,
			Replicas:      m.Replicas,
			System:        n.sys,
			PoolSize:      n.opts.PoolSize,
			Backoff:       n.opts.Backoff,
			RetryInterval: n.opts.RetryInterval,
			Logger:        n.opts.Logger,
			OnAdopted: func(b paxos.BallotNumber) {
				n.eb.publish(Event{Type: EventLeaderAdopted, At: time.Now(), Actor: laddr, Ballot: &b})
			},
			OnPreempted: func(b paxos.BallotNumber) {
				n.eb.publish(Event{Type: EventLeaderPreempted, At: time.Now(), Actor: laddr, Ballot: &b})
			},
		})
		if err != nil {
			return err
		}
		if err := n.sys.Spawn(addr, l.Run); err != nil {
			return err
		}
		n.leaders = append(n.leaders, l)
	}
	return nil
}

// ledgerDir maps a replica address to its own directory below LedgerDir.
func (n *Node) ledgerDir(addr string) string {
	if n.opts.LedgerDir == "" {
		return ""
	}
	name := strings.NewReplacer(":", "_", "/", "_").Replace(addr)
	return filepath.Join(n.opts.LedgerDir, name)
}

func (n *Node) livenessLoop(v liveness.View) {
	for ev := range v.Events() {
		switch ev.Type {
		case liveness.EventGone:
			logutil.Warnf(n.opts.Logger, "peer %s (%s) unreachable", ev.Peer.ID, ev.Peer.Node)
		default:
			logutil.Debugf(n.opts.Logger, "peer %s (%s) alive", ev.Peer.ID, ev.Peer.Node)
		}
	}
}

// deliver is the transport's entry point for inbound envelopes.
func (n *Node) deliver(ctx context.Context, env paxos.Envelope) error {
	sys := n.system()
	if sys == nil {
		return ErrNotStarted
	}
	if err := sys.Net.Deliver(env); err != nil {
		if errors.Is(err, actor.ErrUnknownActor) || errors.Is(err, actor.ErrMailboxClosed) {
			return fmt.Errorf("%w: %s", transport.ErrUnknownActor, env.Dst)
		}
		return err
	}
	return nil
}

func (n *Node) system() *actor.System {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.sys
}

// Submit runs op through the replicated log and waits for the response.
// An empty requestID gets a fresh one; reusing an id resubmits the same
// command.
func (n *Node) Submit(ctx context.Context, requestID, op string) (paxos.Response, error) {
	n.mu.RLock()
	cli := n.cli
	n.mu.RUnlock()
	if cli == nil {
		return paxos.Response{}, ErrNotStarted
	}
	if requestID == "" {
		return cli.Submit(ctx, op)
	}
	return cli.SubmitID(ctx, requestID, op)
}

func (n *Node) submit(ctx context.Context, req transport.SubmitRequest) (transport.SubmitResponse, error) {
	ctx, end := tracing.StartSpan(ctx, "node.Submit", attribute.String("paxos.node", n.opts.Advertise))
	defer end()
	timeout := DefaultSubmitTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := n.Submit(ctx, req.RequestID, req.Op)
	if err != nil {
		return transport.SubmitResponse{RequestID: req.RequestID}, err
	}
	return transport.SubmitResponse{RequestID: resp.RequestID, Result: resp.Result, Error: resp.Error}, nil
}

// Log returns applied entries of the first replica hosted here.
func (n *Node) Log(from uint64, limit int) (string, []ledger.Entry, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if len(n.replicas) == 0 {
		return "", nil, ErrNotReplica
	}
	r := n.replicas[0]
	entries, err := r.Log(from, limit)
	return r.Addr(), entries, err
}

func (n *Node) log(ctx context.Context, req transport.LogRequest) (transport.LogResponse, error) {
	addr, entries, err := n.Log(req.From, req.Limit)
	if err != nil {
		return transport.LogResponse{}, err
	}
	return transport.LogResponse{Replica: addr, Entries: entries}, nil
}

// Status returns a snapshot of every hosted role.
func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s := Status{Node: n.opts.Advertise, Roles: n.Hosted(), Healthy: len(n.leaders) == 0}
	for _, l := range n.leaders {
		st := l.Status()
		s.Leaders = append(s.Leaders, st)
		if st.Active {
			s.Healthy = true
		}
	}
	for _, a := range n.acceptors {
		s.Acceptors = append(s.Acceptors, a.Status())
	}
	for _, r := range n.replicas {
		s.Replicas = append(s.Replicas, r.Status())
	}
	if v := n.opts.Liveness; v != nil && n.run.started {
		s.Peers = v.Alive()
		if len(s.Peers) <= 1 && len(n.opts.GossipSeeds) > 0 {
			s.Warnings = append(s.Warnings, "liveness view sees no peers")
		}
	}
	if !s.Healthy {
		s.Warnings = append(s.Warnings, "no hosted leader holds an adopted ballot")
	}
	return s
}

func (n *Node) statusJSON(ctx context.Context) ([]byte, error) {
	return json.Marshal(n.Status())
}

// Stop shuts the server, the liveness view and every actor down, then
// closes the ledgers. Stop is idempotent.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	if n.run.stopped {
		n.mu.Unlock()
		return nil
	}
	n.run.stopped = true
	started, cli := n.run.started, n.cli
	n.mu.Unlock()

	// In-flight handlers may need n.mu, so the server is drained unlocked.
	// Closing the client first releases Submits waiting on a response.
	if cli != nil {
		cli.Close()
	}
	var firstErr error
	if started {
		if err := n.opts.Server.Stop(ctx); err != nil {
			firstErr = err
		}
		if v := n.opts.Liveness; v != nil {
			_ = v.Stop()
		}
	}
	n.mu.Lock()
	n.teardown()
	n.mu.Unlock()
	logutil.Infof(n.opts.Logger, "node %s stopped", n.opts.Advertise)
	return firstErr
}

// teardown releases what Start created. Callers hold n.mu.
func (n *Node) teardown() {
	if n.cli != nil {
		n.cli.Close()
	}
	if n.sys != nil {
		n.sys.Stop()
	}
	for _, l := range n.ledgers {
		_ = l.Close()
	}
	n.ledgers = nil
}
