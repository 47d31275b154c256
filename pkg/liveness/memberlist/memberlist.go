package memberlist

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/amirimatin/go-multipaxos/pkg/internal/logutil"
	"github.com/amirimatin/go-multipaxos/pkg/liveness"
	obsmetrics "github.com/amirimatin/go-multipaxos/pkg/observability/metrics"
	"github.com/hashicorp/memberlist"
)

var (
	ErrNotStarted = errors.New("memberlist: not started")
	ErrNoNodeID   = errors.New("memberlist: empty NodeID")
	ErrNoBind     = errors.New("memberlist: empty Bind address")
)

// Options configures the gossip view.
type Options struct {
	// NodeID must be unique among gossiping processes.
	NodeID string
	// Bind is the gossip host:port. Port 0 picks a free one.
	Bind string
	// Advertise overrides the gossip address peers use to reach us.
	Advertise string
	// Node is the Paxos transport address carried in gossip metadata.
	Node string

	Logger *log.Logger

	// Tuning, zero keeps memberlist's LAN defaults.
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	SuspicionMult int
}

func (o Options) Validate() error {
	if o.NodeID == "" {
		return ErrNoNodeID
	}
	if o.Bind == "" {
		return ErrNoBind
	}
	return nil
}

type impl struct {
	mu     sync.RWMutex
	opts   Options
	ml     *memberlist.Memberlist
	closed bool

	// evMu guards the event side. memberlist calls the delegate
	// synchronously from Create and Leave, so emit must not take mu.
	evMu     sync.Mutex
	evts     chan liveness.Event
	evClosed bool
	alive    map[string]struct{}
}

// New constructs a memberlist-backed liveness view.
func New(opts Options) (liveness.View, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &impl{opts: opts, evts: make(chan liveness.Event, 64), alive: make(map[string]struct{})}, nil
}

func (m *impl) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ml != nil {
		return nil
	}
	if m.closed {
		return fmt.Errorf("memberlist: view stopped")
	}

	cfg := memberlist.DefaultLANConfig()
	cfg.Name = m.opts.NodeID
	host, port, err := splitHostPort(m.opts.Bind)
	if err != nil {
		return err
	}
	cfg.BindAddr, cfg.BindPort = host, port
	if m.opts.Advertise != "" {
		ahost, aport, err := splitHostPort(m.opts.Advertise)
		if err != nil {
			return err
		}
		cfg.AdvertiseAddr, cfg.AdvertisePort = ahost, aport
	}
	if m.opts.ProbeInterval > 0 {
		cfg.ProbeInterval = m.opts.ProbeInterval
	}
	if m.opts.ProbeTimeout > 0 {
		cfg.ProbeTimeout = m.opts.ProbeTimeout
	}
	if m.opts.SuspicionMult > 0 {
		cfg.SuspicionMult = m.opts.SuspicionMult
	}
	cfg.Events = &eventDelegate{emit: m.emit}
	cfg.Delegate = &nodeDelegate{meta: []byte(m.opts.Node)}
	cfg.LogOutput = m.opts.Logger.Writer()

	ml, err := memberlist.Create(cfg)
	if err != nil {
		return err
	}
	m.ml = ml

	go func() {
		<-ctx.Done()
		_ = m.Stop()
	}()
	return nil
}

func (m *impl) Join(seeds []string) error {
	m.mu.RLock()
	ml := m.ml
	m.mu.RUnlock()
	if ml == nil {
		return ErrNotStarted
	}
	if len(seeds) == 0 {
		return nil
	}
	n, err := ml.Join(seeds)
	if err != nil && n == 0 {
		return fmt.Errorf("memberlist: join %v: %w", seeds, err)
	}
	return nil
}

func (m *impl) Local() liveness.Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ml == nil {
		return liveness.Peer{}
	}
	return toPeer(m.ml.LocalNode())
}

// Alive returns the peers memberlist currently considers alive, sorted by id.
func (m *impl) Alive() []liveness.Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ml == nil {
		return nil
	}
	nodes := m.ml.Members()
	out := make([]liveness.Peer, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, toPeer(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *impl) Events() <-chan liveness.Event { return m.evts }

func (m *impl) Stop() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	ml := m.ml
	m.ml = nil
	m.mu.Unlock()

	if ml != nil {
		_ = ml.Leave(time.Second)
		_ = ml.Shutdown()
	}
	m.evMu.Lock()
	m.evClosed = true
	close(m.evts)
	m.evMu.Unlock()
	obsmetrics.AlivePeers.Set(0)
	return nil
}

func (m *impl) HealthScore() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ml == nil {
		return -1
	}
	return m.ml.GetHealthScore()
}

func (m *impl) emit(e liveness.Event) {
	m.evMu.Lock()
	defer m.evMu.Unlock()
	if m.evClosed {
		return
	}
	if e.Type == liveness.EventGone {
		delete(m.alive, e.Peer.ID)
	} else {
		m.alive[e.Peer.ID] = struct{}{}
	}
	obsmetrics.AlivePeers.Set(float64(len(m.alive)))
	select {
	case m.evts <- e:
	default:
		logutil.Debugf(m.opts.Logger, "memberlist: dropping %s event for %s: channel full", e.Type, e.Peer.ID)
	}
}

func toPeer(n *memberlist.Node) liveness.Peer {
	return liveness.Peer{
		ID:   n.Name,
		Addr: net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port))),
		Node: string(n.Meta),
	}
}

func splitHostPort(addr string) (string, int, error) {
	host, ps, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("memberlist: invalid address %q: %w", addr, err)
	}
	p, err := strconv.Atoi(ps)
	if err != nil || p < 0 || p > 65535 {
		return "", 0, fmt.Errorf("memberlist: invalid port %q", ps)
	}
	return host, p, nil
}

// eventDelegate translates memberlist notifications. memberlist reports an
// explicit leave and a failed probe the same way, both map to EventGone.
type eventDelegate struct {
	emit func(e liveness.Event)
}

func (d *eventDelegate) NotifyJoin(n *memberlist.Node) {
	d.emit(liveness.Event{Type: liveness.EventAlive, Peer: toPeer(n), At: time.Now()})
}

func (d *eventDelegate) NotifyLeave(n *memberlist.Node) {
	d.emit(liveness.Event{Type: liveness.EventGone, Peer: toPeer(n), At: time.Now()})
}

func (d *eventDelegate) NotifyUpdate(n *memberlist.Node) {
	d.emit(liveness.Event{Type: liveness.EventAlive, Peer: toPeer(n), At: time.Now()})
}

// nodeDelegate advertises the transport address as node metadata.
type nodeDelegate struct{ meta []byte }

func (d *nodeDelegate) NodeMeta(limit int) []byte {
	if len(d.meta) <= limit {
		return d.meta
	}
	return nil
}

func (d *nodeDelegate) NotifyMsg([]byte)                       {}
func (d *nodeDelegate) GetBroadcasts(int, int) [][]byte        { return nil }
func (d *nodeDelegate) LocalState(join bool) []byte            { return nil }
func (d *nodeDelegate) MergeRemoteState(buf []byte, join bool) {}
