package paxos

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestBallotOrdering(t *testing.T) {
	cases := []struct {
		a, b BallotNumber
		want int
	}{
		{BallotNumber{1, "a"}, BallotNumber{0, "z"}, 1},
		{BallotNumber{0, "z"}, BallotNumber{1, "a"}, -1},
		{BallotNumber{2, "L2"}, BallotNumber{2, "L1"}, 1},
		{BallotNumber{2, "L1"}, BallotNumber{2, "L2"}, -1},
		{BallotNumber{3, "x"}, BallotNumber{3, "x"}, 0},
	}
	for _, c := range cases {
		if got := c.a.Compare(c.b); got != c.want {
			t.Fatalf("%s vs %s: got %d want %d", c.a, c.b, got, c.want)
		}
		if c.a.Greater(c.b) != (c.want > 0) || c.a.Less(c.b) != (c.want < 0) {
			t.Fatalf("%s vs %s: Greater/Less disagree with Compare", c.a, c.b)
		}
	}
}

func TestBallotAbsentIsLowest(t *testing.T) {
	var none BallotNumber
	for _, b := range []BallotNumber{{0, "a"}, {0, "L1"}, {7, "b"}} {
		if !b.Greater(none) {
			t.Fatalf("%s should be greater than the absent ballot", b)
		}
	}
	if none.Greater(none) {
		t.Fatalf("absent ballot must not exceed itself")
	}
	if got := (BallotNumber{4, "L2"}).Next("L1"); got != (BallotNumber{5, "L1"}) {
		t.Fatalf("next ballot = %s", got)
	}
}

func TestMajorityBoundaries(t *testing.T) {
	// ceil((n+1)/2) responses are needed.
	want := map[int]int{1: 1, 2: 2, 3: 2, 4: 3, 5: 3}
	for n, need := range want {
		acceptors := make([]string, n)
		for i := range acceptors {
			acceptors[i] = fmt.Sprintf("a%d", i)
		}
		w := NewWaitFor(acceptors)
		got := 0
		for _, a := range acceptors {
			w.Ack(a)
			got++
			// Same threshold as "len(waitfor) < n/2" with real division.
			literal := float64(w.Len()) < float64(n)/2
			if w.Reached() != literal {
				t.Fatalf("n=%d after %d acks: Reached=%v literal=%v", n, got, w.Reached(), literal)
			}
			if w.Reached() {
				break
			}
		}
		if got != need {
			t.Fatalf("n=%d: quorum after %d responses, want %d", n, got, need)
		}
		if Majority(n) != need {
			t.Fatalf("Majority(%d) = %d, want %d", n, Majority(n), need)
		}
	}
}

func TestWaitForIgnoresDuplicates(t *testing.T) {
	w := NewWaitFor([]string{"a", "b", "c"})
	if !w.Ack("a") {
		t.Fatalf("first ack should count")
	}
	if w.Ack("a") {
		t.Fatalf("duplicate ack should not count")
	}
	if w.Ack("zz") {
		t.Fatalf("unknown sender should not count")
	}
	if w.Reached() {
		t.Fatalf("one of three is not a majority")
	}
	w.Ack("c")
	if !w.Reached() {
		t.Fatalf("two of three is a majority")
	}
}

func TestEnvelopeJSON(t *testing.T) {
	cmd := NewCommand("127.0.0.1:9000/client", "r1", "SET a 1")
	in := Envelope{Src: "s", Dst: "d", Msg: P1b{Ballot: BallotNumber{2, "L"}, Accepted: []PValue{{Ballot: BallotNumber{1, "L"}, Slot: 4, Command: cmd}}}}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Envelope
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	p1b, ok := out.Msg.(P1b)
	if !ok {
		t.Fatalf("decoded %T, want P1b", out.Msg)
	}
	if out.Src != "s" || out.Dst != "d" || p1b.Ballot != (BallotNumber{2, "L"}) || len(p1b.Accepted) != 1 || p1b.Accepted[0].Command != cmd {
		t.Fatalf("round trip mismatch: %+v", out)
	}

	err = json.Unmarshal([]byte(`{"src":"s","dst":"d","kind":"bogus","body":{}}`), &out)
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestMembershipValidate(t *testing.T) {
	m := Membership{Replicas: []string{"r"}, Acceptors: []string{"a1", "a2"}, Leaders: []string{"l"}}
	if err := m.Validate(); err != nil {
		t.Fatalf("valid membership rejected: %v", err)
	}
	dup := Membership{Replicas: []string{"r"}, Acceptors: []string{"r"}, Leaders: []string{"l"}}
	if err := dup.Validate(); !errors.Is(err, ErrInvalidMembership) {
		t.Fatalf("duplicate address accepted: %v", err)
	}
	if err := (Membership{Replicas: []string{"r"}, Leaders: []string{"l"}}).Validate(); err == nil {
		t.Fatalf("membership without acceptors accepted")
	}
	c := m.Clone()
	c.Acceptors[0] = "x"
	if m.Acceptors[0] != "a1" {
		t.Fatalf("clone shares backing array")
	}
}

func TestReconfigCommand(t *testing.T) {
	m := Membership{Replicas: []string{"r1"}, Acceptors: []string{"a1"}, Leaders: []string{"l1"}}
	c := NewReconfigCommand("c", "1", m)
	if !c.IsReconfig() || c.Op != "r1;a1;l1" {
		t.Fatalf("unexpected reconfig command %s", c)
	}
	if Host("127.0.0.1:7000/leader/e3") != "127.0.0.1:7000" || Host("h:1") != "h:1" {
		t.Fatalf("Host split wrong")
	}
}
