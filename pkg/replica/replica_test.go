package replica

import (
	"fmt"
	"sync"
	"testing"

	"github.com/amirimatin/go-multipaxos/pkg/ledger"
	"github.com/amirimatin/go-multipaxos/pkg/paxos"
	"github.com/amirimatin/go-multipaxos/pkg/state/kv"
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

func (r *recorder) take(k paxos.Kind) []paxos.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var hit, rest []paxos.Envelope
	for _, e := range r.out {
		if e.Msg.Kind() == k {
			hit = append(hit, e)
		} else {
			rest = append(rest, e)
		}
	}
	r.out = rest
	return hit
}

// counting wraps the kv store and counts Apply calls.
type counting struct {
	*kv.Store
	n int
}

func (c *counting) Apply(op string) (string, error) {
	c.n++
	return c.Store.Apply(op)
}

var leaders = []string{"l1", "l2"}

func newReplica(t *testing.T, mut func(*Options)) (*Replica, *recorder, *counting, *[]ledger.Entry) {
	t.Helper()
	rec := &recorder{}
	sm := &counting{Store: kv.New()}
	var applied []ledger.Entry
	opts := Options{
		Addr:    "r",
		Leaders: leaders,
		Sender:  rec,
		State:   sm,
		OnApply: func(e ledger.Entry) { applied = append(applied, e) },
	}
	if mut != nil {
		mut(&opts)
	}
	r, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	return r, rec, sm, &applied
}

func cmd(id, op string) paxos.Command { return paxos.NewCommand("client", id, op) }

func request(r *Replica, c paxos.Command) {
	r.Handle(paxos.Envelope{Src: c.ClientID, Dst: r.Addr(), Msg: paxos.Request{Command: c}})
}

func decide(r *Replica, slot uint64, c paxos.Command) {
	r.Handle(paxos.Envelope{Src: "cmdr", Dst: r.Addr(), Msg: paxos.Decision{Slot: slot, Command: c}})
}

func TestRequestBroadcastsProposal(t *testing.T) {
	r, rec, _, _ := newReplica(t, nil)
	c := cmd("1", "SET a 1")
	request(r, c)
	props := rec.take(paxos.KindPropose)
	if len(props) != len(leaders) {
		t.Fatalf("proposed to %d leaders, want %d", len(props), len(leaders))
	}
	for i, e := range props {
		p := e.Msg.(paxos.Propose)
		if e.Dst != leaders[i] || p.Slot != 0 || p.Command != c {
			t.Fatalf("proposal %d = %+v to %s", i, p, e.Dst)
		}
	}
	if st := r.Status(); st.SlotIn != 1 || st.SlotOut != 0 || st.Proposals != 1 {
		t.Fatalf("status = %+v", st)
	}
}

func TestWindowBoundsOutstandingSlots(t *testing.T) {
	r, rec, _, _ := newReplica(t, func(o *Options) { o.Leaders = []string{"l1"}; o.Window = 3 })
	var cmds []paxos.Command
	for i := 0; i < 5; i++ {
		c := cmd(fmt.Sprint(i), fmt.Sprintf("SET k%d v", i))
		cmds = append(cmds, c)
		request(r, c)
	}
	if n := len(rec.take(paxos.KindPropose)); n != 3 {
		t.Fatalf("proposed %d with window 3", n)
	}
	if st := r.Status(); st.Requests != 2 {
		t.Fatalf("pending requests = %d", st.Requests)
	}
	decide(r, 0, cmds[0])
	props := rec.take(paxos.KindPropose)
	if len(props) != 1 || props[0].Msg.(paxos.Propose).Slot != 3 {
		t.Fatalf("after one decision: %v", props)
	}
}

func TestOutOfOrderDecisionsApplyInSlotOrder(t *testing.T) {
	r, rec, _, applied := newReplica(t, nil)
	a, b, c := cmd("a", "SET x a"), cmd("b", "APPEND x b"), cmd("c", "APPEND x c")
	decide(r, 2, c)
	decide(r, 1, b)
	if len(*applied) != 0 {
		t.Fatalf("applied past a gap")
	}
	if st := r.Status(); st.Buffered != 2 {
		t.Fatalf("buffered = %d", st.Buffered)
	}
	decide(r, 0, a)
	if len(*applied) != 3 {
		t.Fatalf("applied %d", len(*applied))
	}
	for i, e := range *applied {
		if e.Slot != uint64(i) {
			t.Fatalf("applied slot %d at position %d", e.Slot, i)
		}
	}
	if got := (*applied)[2].Result; got != "abc" {
		t.Fatalf("final value %q", got)
	}
	resps := rec.take(paxos.KindResponse)
	if len(resps) != 3 || resps[0].Dst != "client" {
		t.Fatalf("responses = %v", resps)
	}
	entries, err := r.Log(0, 0)
	if err != nil || len(entries) != 3 {
		t.Fatalf("log = %v %v", entries, err)
	}
}

func TestCollisionReproposesInFreshSlot(t *testing.T) {
	r, rec, _, _ := newReplica(t, func(o *Options) { o.Leaders = []string{"l1"} })
	mine := cmd("mine", "SET a mine")
	other := paxos.NewCommand("other-client", "x", "SET a other")
	request(r, mine)
	rec.take(paxos.KindPropose)

	decide(r, 0, other)
	props := rec.take(paxos.KindPropose)
	if len(props) != 1 {
		t.Fatalf("expected re-proposal, got %v", props)
	}
	if p := props[0].Msg.(paxos.Propose); p.Slot != 1 || p.Command != mine {
		t.Fatalf("re-proposal = %+v", p)
	}
}

func TestProposeSkipsDecidedSlots(t *testing.T) {
	r, rec, _, _ := newReplica(t, func(o *Options) { o.Leaders = []string{"l1"} })
	// Slot 1 decided for another replica's command before we propose anything.
	decide(r, 1, paxos.NewCommand("o", "1", "SET z 1"))
	request(r, cmd("1", "SET a 1"))
	request(r, cmd("2", "SET b 2"))
	var slots []uint64
	for _, e := range rec.take(paxos.KindPropose) {
		slots = append(slots, e.Msg.(paxos.Propose).Slot)
	}
	if len(slots) != 2 || slots[0] != 0 || slots[1] != 2 {
		t.Fatalf("proposed slots %v, want [0 2]", slots)
	}
}

func TestSlotInCatchesUpWithAppliedDecisions(t *testing.T) {
	r, rec, _, _ := newReplica(t, func(o *Options) { o.Leaders = []string{"l1"} })
	decide(r, 0, paxos.NewCommand("o", "1", "SET z 1"))
	decide(r, 1, paxos.NewCommand("o", "2", "SET z 2"))
	request(r, cmd("1", "SET a 1"))
	props := rec.take(paxos.KindPropose)
	if len(props) != 1 || props[0].Msg.(paxos.Propose).Slot != 2 {
		t.Fatalf("proposal = %v, want slot 2", props)
	}
}

func TestDuplicateCommandAppliedOnce(t *testing.T) {
	r, rec, sm, applied := newReplica(t, nil)
	c := cmd("dup", "APPEND log x")
	decide(r, 0, c)
	decide(r, 1, c)
	if sm.n != 1 {
		t.Fatalf("state machine applied %d times", sm.n)
	}
	if !(*applied)[1].Duplicate || r.Status().Duplicates != 1 {
		t.Fatalf("second slot not marked duplicate: %+v", (*applied)[1])
	}
	resps := rec.take(paxos.KindResponse)
	if len(resps) != 2 || resps[0].Msg != resps[1].Msg {
		t.Fatalf("duplicate must get the cached response: %v", resps)
	}

	// A retried request for an applied command is answered without proposing.
	request(r, c)
	if n := len(rec.take(paxos.KindPropose)); n != 0 {
		t.Fatalf("applied request was proposed again")
	}
	if resps := rec.take(paxos.KindResponse); len(resps) != 1 || resps[0].Msg.(paxos.Response).Result != "x" {
		t.Fatalf("cached response = %v", resps)
	}
}

func TestDedupDisabledAppliesEveryDecision(t *testing.T) {
	r, _, sm, _ := newReplica(t, func(o *Options) { o.DisableDedup = true })
	c := cmd("dup", "APPEND log x")
	decide(r, 0, c)
	decide(r, 1, c)
	if sm.n != 2 {
		t.Fatalf("state machine applied %d times, want 2", sm.n)
	}
}

func TestReconfigConsumesSlotWithError(t *testing.T) {
	r, rec, sm, applied := newReplica(t, nil)
	m := paxos.Membership{Replicas: []string{"r"}, Acceptors: []string{"a"}, Leaders: []string{"l"}}
	decide(r, 0, paxos.NewReconfigCommand("client", "rc", m))
	decide(r, 1, cmd("1", "SET a 1"))
	if sm.n != 1 || len(*applied) != 2 {
		t.Fatalf("apply count %d, entries %d", sm.n, len(*applied))
	}
	resps := rec.take(paxos.KindResponse)
	if resp := resps[0].Msg.(paxos.Response); resp.Error != ErrReconfigUnsupported.Error() || resp.RequestID != "rc" {
		t.Fatalf("reconfig response = %+v", resp)
	}
}

func TestStaleDecisionIgnored(t *testing.T) {
	r, _, sm, _ := newReplica(t, nil)
	decide(r, 0, cmd("1", "SET a 1"))
	decide(r, 0, cmd("1", "SET a 1"))
	if sm.n != 1 || r.Status().Buffered != 0 {
		t.Fatalf("late decision for an applied slot changed state")
	}
}
