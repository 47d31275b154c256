package leader

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/amirimatin/go-multipaxos/pkg/acceptor"
	"github.com/amirimatin/go-multipaxos/pkg/actor"
	"github.com/amirimatin/go-multipaxos/pkg/paxos"
)

type recorder struct {
	mu  sync.Mutex
	out []paxos.Envelope
}

func (r *recorder) Send(src, dst string, msg paxos.Message) {
	r.mu.Lock()
	r.out = append(r.out, paxos.Envelope{Src: src, Dst: dst, Msg: msg})
	r.mu.Unlock()
}

func (r *recorder) kinds(k paxos.Kind) []paxos.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []paxos.Envelope
	for _, e := range r.out {
		if e.Msg.Kind() == k {
			out = append(out, e)
		}
	}
	return out
}

func bn(r uint64, id string) paxos.BallotNumber { return paxos.BallotNumber{Round: r, LeaderID: id} }

var acceptors3 = []string{"a0", "a1", "a2"}

func TestScoutAdoptsOnMajorityAndMergesPValues(t *testing.T) {
	rec := &recorder{}
	b := bn(1, "L")
	s := newScout("L/e0", "L", b, acceptors3, rec, nil)
	s.start()
	if n := len(rec.kinds(paxos.KindP1a)); n != 3 {
		t.Fatalf("sent %d p1a, want 3", n)
	}
	pv := paxos.PValue{Ballot: bn(0, "K"), Slot: 2, Command: paxos.NewCommand("c", "1", "x")}
	if s.handle(paxos.Envelope{Src: "a0", Msg: paxos.P1b{Ballot: b, Accepted: []paxos.PValue{pv}}}) {
		t.Fatalf("one of three must not terminate")
	}
	// Duplicate from a0 changes nothing.
	if s.handle(paxos.Envelope{Src: "a0", Msg: paxos.P1b{Ballot: bn(9, "Z")}}) {
		t.Fatalf("duplicate reply terminated the scout")
	}
	if !s.handle(paxos.Envelope{Src: "a2", Msg: paxos.P1b{Ballot: b, Accepted: []paxos.PValue{pv}}}) {
		t.Fatalf("two of three should adopt")
	}
	adopted := rec.kinds(paxos.KindAdopted)
	if len(adopted) != 1 || adopted[0].Dst != "L" {
		t.Fatalf("adopted = %v", adopted)
	}
	got := adopted[0].Msg.(paxos.Adopted)
	if got.Ballot != b || len(got.PValues) != 1 || got.PValues[0] != pv {
		t.Fatalf("adopted payload = %+v", got)
	}
	if len(rec.kinds(paxos.KindPreempted)) != 0 {
		t.Fatalf("scout sent both outcomes")
	}
}

func TestScoutPreemptedByHigherBallot(t *testing.T) {
	rec := &recorder{}
	s := newScout("L/e0", "L", bn(0, "L"), acceptors3, rec, nil)
	s.start()
	if !s.handle(paxos.Envelope{Src: "a1", Msg: paxos.P1b{Ballot: bn(0, "M")}}) {
		t.Fatalf("higher ballot must terminate the scout")
	}
	pre := rec.kinds(paxos.KindPreempted)
	if len(pre) != 1 || pre[0].Msg.(paxos.Preempted).Ballot != bn(0, "M") {
		t.Fatalf("preempted = %v", pre)
	}
}

func TestScoutResendsOnlyToPending(t *testing.T) {
	rec := &recorder{}
	b := bn(0, "L")
	s := newScout("L/e0", "L", b, acceptors3, rec, nil)
	s.handle(paxos.Envelope{Src: "a1", Msg: paxos.P1b{Ballot: b}})
	s.resend()
	sent := rec.kinds(paxos.KindP1a)
	if len(sent) != 2 {
		t.Fatalf("resent %d, want 2", len(sent))
	}
	for _, e := range sent {
		if e.Dst == "a1" {
			t.Fatalf("resent to an acceptor that already answered")
		}
	}
}

func TestCommanderDecidesAndIgnoresOtherSlots(t *testing.T) {
	rec := &recorder{}
	b := bn(2, "L")
	cmd := paxos.NewCommand("c", "1", "SET k v")
	c := newCommander("L/e1", "L", b, 5, cmd, acceptors3, []string{"r0", "r1"}, rec, nil)
	c.start()
	if n := len(rec.kinds(paxos.KindP2a)); n != 3 {
		t.Fatalf("sent %d p2a", n)
	}
	c.handle(paxos.Envelope{Src: "a0", Msg: paxos.P2b{Ballot: b, Slot: 5}})
	// Stale reply for an older slot on a reused endpoint.
	if c.handle(paxos.Envelope{Src: "a1", Msg: paxos.P2b{Ballot: bn(7, "Z"), Slot: 4}}) {
		t.Fatalf("reply for another slot must be ignored")
	}
	if c.handle(paxos.Envelope{Src: "a0", Msg: paxos.P2b{Ballot: b, Slot: 5}}) {
		t.Fatalf("duplicate must not reach quorum")
	}
	if !c.handle(paxos.Envelope{Src: "a1", Msg: paxos.P2b{Ballot: b, Slot: 5}}) {
		t.Fatalf("majority should decide")
	}
	dec := rec.kinds(paxos.KindDecision)
	if len(dec) != 2 {
		t.Fatalf("decision sent to %d replicas, want 2", len(dec))
	}
	for _, e := range dec {
		if d := e.Msg.(paxos.Decision); d.Slot != 5 || d.Command != cmd {
			t.Fatalf("decision = %+v", d)
		}
	}
}

func TestCommanderPreempted(t *testing.T) {
	rec := &recorder{}
	c := newCommander("L/e1", "L", bn(1, "L"), 0, paxos.Command{}, acceptors3, []string{"r"}, rec, nil)
	if !c.handle(paxos.Envelope{Src: "a2", Msg: paxos.P2b{Ballot: bn(3, "M"), Slot: 0}}) {
		t.Fatalf("higher ballot must terminate the commander")
	}
	if len(rec.kinds(paxos.KindPreempted)) != 1 || len(rec.kinds(paxos.KindDecision)) != 0 {
		t.Fatalf("unexpected outcome %v", rec.out)
	}
}

func TestScoutIgnoresLowerBallotReply(t *testing.T) {
	rec := &recorder{}
	b := bn(1, "L")
	s := newScout("L/e0", "L", b, acceptors3, rec, nil)
	s.start()
	// a2 answering the round 0 scout that held L/e0 before.
	if s.handle(paxos.Envelope{Src: "a2", Msg: paxos.P1b{Ballot: bn(0, "L")}}) {
		t.Fatalf("lower ballot reply terminated the scout")
	}
	if len(rec.kinds(paxos.KindPreempted)) != 0 {
		t.Fatalf("lower ballot reply reported as preemption")
	}
	s.handle(paxos.Envelope{Src: "a0", Msg: paxos.P1b{Ballot: b}})
	if !s.handle(paxos.Envelope{Src: "a2", Msg: paxos.P1b{Ballot: b}}) {
		t.Fatalf("a2 must still count once it answers the current ballot")
	}
	if n := len(rec.kinds(paxos.KindAdopted)); n != 1 {
		t.Fatalf("adopted sent %d times", n)
	}
}

func TestCommanderIgnoresLowerBallotReplyForSameSlot(t *testing.T) {
	rec := &recorder{}
	b := bn(2, "L")
	cmd := paxos.NewCommand("c", "1", "SET k v")
	c := newCommander("L/e0", "L", b, 5, cmd, acceptors3, []string{"r0"}, rec, nil)
	c.start()
	if c.handle(paxos.Envelope{Src: "a2", Msg: paxos.P2b{Ballot: bn(1, "L"), Slot: 5}}) {
		t.Fatalf("lower ballot reply terminated the commander")
	}
	if len(rec.kinds(paxos.KindPreempted)) != 0 {
		t.Fatalf("lower ballot reply reported as preemption")
	}
	c.handle(paxos.Envelope{Src: "a0", Msg: paxos.P2b{Ballot: b, Slot: 5}})
	if !c.handle(paxos.Envelope{Src: "a2", Msg: paxos.P2b{Ballot: b, Slot: 5}}) {
		t.Fatalf("majority at the current ballot should decide")
	}
	if n := len(rec.kinds(paxos.KindDecision)); n != 1 {
		t.Fatalf("decision sent %d times", n)
	}
}

func TestPacerBounds(t *testing.T) {
	p := newPacer(Backoff{Initial: 10 * time.Millisecond, Floor: 4 * time.Millisecond, Step: 3 * time.Millisecond, Multiplier: 2, Max: 50 * time.Millisecond})
	p.decrease()
	if p.timeout() != 7*time.Millisecond {
		t.Fatalf("after decrease: %s", p.timeout())
	}
	p.decrease()
	p.decrease()
	if p.timeout() != 4*time.Millisecond {
		t.Fatalf("floor not honored: %s", p.timeout())
	}
	for i := 0; i < 10; i++ {
		p.increase()
	}
	if p.timeout() != 50*time.Millisecond {
		t.Fatalf("max not honored: %s", p.timeout())
	}
	if d := newPacer(Backoff{}); d.timeout() != DefaultBackoff().Initial {
		t.Fatalf("zero backoff should use defaults, got %s", d.timeout())
	}
}

type testCluster struct {
	sys       *actor.System
	acceptors []string
	accs      []*acceptor.Acceptor
	replica   *actor.Mailbox
}

// newTestCluster starts n acceptors inside one actor system. Acceptors whose
// index is in down are listed in the membership but never started.
func newTestCluster(t *testing.T, n int, down ...int) *testCluster {
	t.Helper()
	sys := actor.NewSystem(context.Background(), actor.SystemOptions{Network: actor.NetworkOptions{LocalHost: "local:0"}})
	t.Cleanup(sys.Stop)
	tc := &testCluster{sys: sys}
	skip := map[int]bool{}
	for _, d := range down {
		skip[d] = true
	}
	for i := 0; i < n; i++ {
		addr := fmt.Sprintf("local:0/acceptor/%d", i)
		tc.acceptors = append(tc.acceptors, addr)
		if skip[i] {
			continue
		}
		a, err := acceptor.New(acceptor.Options{Addr: addr, Sender: sys.Net})
		if err != nil {
			t.Fatal(err)
		}
		tc.accs = append(tc.accs, a)
		if err := sys.Spawn(addr, a.Run); err != nil {
			t.Fatal(err)
		}
	}
	mb, err := sys.Router.Register("local:0/replica")
	if err != nil {
		t.Fatal(err)
	}
	tc.replica = mb
	return tc
}

func (tc *testCluster) startLeader(t *testing.T, id string) *Leader {
	t.Helper()
	l, err := New(Options{
		Addr:          id,
		Acceptors:     tc.acceptors,
		Replicas:      []string{"local:0/replica"},
		System:        tc.sys,
		Backoff:       Backoff{Initial: time.Millisecond, Step: time.Millisecond / 2, Max: 20 * time.Millisecond},
		RetryInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := tc.sys.Spawn(id, l.Run); err != nil {
		t.Fatal(err)
	}
	return l
}

func (tc *testCluster) nextDecision(t *testing.T, timeout time.Duration) paxos.Decision {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for {
		env, err := tc.replica.Receive(ctx)
		if err != nil {
			t.Fatalf("no decision: %v", err)
		}
		if d, ok := env.Msg.(paxos.Decision); ok {
			return d
		}
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out: %s", msg)
}

func TestSingleLeaderDecides(t *testing.T) {
	tc := newTestCluster(t, 3)
	l := tc.startLeader(t, "local:0/L1")
	cmd := paxos.NewCommand("client", "r1", "SET a 1")
	tc.sys.Net.Send("local:0/replica", l.Addr(), paxos.Propose{Slot: 0, Command: cmd})
	d := tc.nextDecision(t, 5*time.Second)
	if d.Slot != 0 || d.Command != cmd {
		t.Fatalf("decision = %+v", d)
	}
	waitUntil(t, time.Second, func() bool { return l.Status().Active }, "leader never became active")
}

func TestDecidesWithOneAcceptorDown(t *testing.T) {
	tc := newTestCluster(t, 5, 4)
	l := tc.startLeader(t, "local:0/L1")
	cmd := paxos.NewCommand("client", "r1", "op")
	tc.sys.Net.Send("local:0/replica", l.Addr(), paxos.Propose{Slot: 0, Command: cmd})
	if d := tc.nextDecision(t, 5*time.Second); d.Command != cmd {
		t.Fatalf("decision = %+v", d)
	}
}

func TestAdoptionPrefersPreviouslyAcceptedValue(t *testing.T) {
	tc := newTestCluster(t, 3)
	old := paxos.NewCommand("c", "old", "SET a old")
	// A majority already accepted "old" for slot 0 under an earlier ballot.
	for _, a := range tc.accs[:2] {
		a.Handle(paxos.Envelope{Src: "gone", Msg: paxos.P2a{Ballot: bn(0, "local:0/L0"), Slot: 0, Command: old}})
	}
	l := tc.startLeader(t, "local:0/L1")
	tc.sys.Net.Send("local:0/replica", l.Addr(), paxos.Propose{Slot: 0, Command: paxos.NewCommand("c", "new", "SET a new")})
	if d := tc.nextDecision(t, 5*time.Second); d.Command != old {
		t.Fatalf("slot 0 decided %s, want the previously accepted %s", d.Command, old)
	}
}

func TestLowerLeaderPreemptedThenConverges(t *testing.T) {
	tc := newTestCluster(t, 3)
	l2 := tc.startLeader(t, "local:0/L2")
	waitUntil(t, 5*time.Second, func() bool { return l2.Status().Active }, "L2 not adopted")

	l1 := tc.startLeader(t, "local:0/L1")
	waitUntil(t, 5*time.Second, func() bool { return l1.Status().Ballot.Round >= 1 }, "L1 never advanced past round 0")
	if l1.Status().Preemptions == 0 {
		t.Fatalf("L1 advanced without a preemption")
	}

	cmd := paxos.NewCommand("client", "r1", "SET b 2")
	for _, l := range []*Leader{l1, l2} {
		tc.sys.Net.Send("local:0/replica", l.Addr(), paxos.Propose{Slot: 0, Command: cmd})
	}
	if d := tc.nextDecision(t, 10*time.Second); d.Command != cmd {
		t.Fatalf("decision = %+v", d)
	}
}

// nextP1a reads mb until a P1a for ballot b arrives.
func nextP1a(t *testing.T, mb *actor.Mailbox, b paxos.BallotNumber) paxos.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		env, err := mb.Receive(ctx)
		if err != nil {
			t.Fatalf("%s: no p1a for %s: %v", mb.Addr(), b, err)
		}
		if m, ok := env.Msg.(paxos.P1a); ok && m.Ballot == b {
			return env
		}
	}
}

func TestLateReplyOnReusedEndpointDoesNotStallLeader(t *testing.T) {
	sys := actor.NewSystem(context.Background(), actor.SystemOptions{Network: actor.NetworkOptions{LocalHost: "local:0"}})
	t.Cleanup(sys.Stop)
	var accs []string
	var boxes []*actor.Mailbox
	for i := 0; i < 3; i++ {
		addr := fmt.Sprintf("local:0/acceptor/%d", i)
		mb, err := sys.Router.Register(addr)
		if err != nil {
			t.Fatal(err)
		}
		accs = append(accs, addr)
		boxes = append(boxes, mb)
	}
	const id = "local:0/L"
	l, err := New(Options{
		Addr:      id,
		Acceptors: accs,
		Replicas:  []string{"local:0/replica"},
		System:    sys,
		PoolSize:  1,
		Backoff:   Backoff{Initial: time.Millisecond, Step: time.Millisecond / 2, Max: 5 * time.Millisecond},
		// No retransmission: every acceptor reply below is sent by hand.
		RetryInterval: -1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := sys.Spawn(id, l.Run); err != nil {
		t.Fatal(err)
	}

	b0 := bn(0, id)
	var first []paxos.Envelope
	for _, mb := range boxes {
		first = append(first, nextP1a(t, mb, b0))
	}
	// a0 and a1 adopt round 0; a2's reply is held back.
	for i := 0; i < 2; i++ {
		sys.Net.Send(accs[i], first[i].Src, paxos.P1b{Ballot: b0})
	}
	waitUntil(t, 5*time.Second, func() bool { return l.Status().Active }, "round 0 not adopted")

	sys.Net.Send("local:0/M", id, paxos.Preempted{Ballot: bn(0, "local:0/M")})
	b1 := bn(1, id)
	var second []paxos.Envelope
	for _, mb := range boxes {
		second = append(second, nextP1a(t, mb, b1))
	}
	if second[0].Src != first[0].Src {
		t.Fatalf("scout endpoint not reused: %s then %s", first[0].Src, second[0].Src)
	}
	// The held round 0 reply lands on the round 1 scout first.
	sys.Net.Send(accs[2], second[2].Src, paxos.P1b{Ballot: b0})
	for i := range accs {
		sys.Net.Send(accs[i], second[i].Src, paxos.P1b{Ballot: b1})
	}
	waitUntil(t, 5*time.Second, func() bool {
		st := l.Status()
		return st.Active && st.Ballot == b1
	}, "leader stuck inactive after a late round 0 reply")
}
