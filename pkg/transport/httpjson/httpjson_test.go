package httpjson

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/amirimatin/go-multipaxos/pkg/ledger"
	"github.com/amirimatin/go-multipaxos/pkg/paxos"
	"github.com/amirimatin/go-multipaxos/pkg/transport"
)

func startServer(t *testing.T, delivered chan<- paxos.Envelope) *Server {
	t.Helper()
	h := transport.Handlers{
		Deliver: func(ctx context.Context, env paxos.Envelope) error {
			if env.Dst == "nobody" {
				return fmt.Errorf("%w: %s", transport.ErrUnknownActor, env.Dst)
			}
			delivered <- env
			return nil
		},
		Status: func(ctx context.Context) ([]byte, error) { return []byte(`{"ok":true}`), nil },
		Submit: func(ctx context.Context, req transport.SubmitRequest) (transport.SubmitResponse, error) {
			return transport.SubmitResponse{RequestID: req.RequestID, Result: "did " + req.Op}, nil
		},
		Log: func(ctx context.Context, req transport.LogRequest) (transport.LogResponse, error) {
			return transport.LogResponse{Replica: "r", Entries: []ledger.Entry{{Slot: req.From}}}, nil
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s := NewServer("127.0.0.1:0", nil)
	if err := s.Start(ctx, h); err != nil {
		t.Fatalf("start: %v", err)
	}
	return s
}

func TestDeliverRoundTrip(t *testing.T) {
	got := make(chan paxos.Envelope, 1)
	s := startServer(t, got)
	c := NewClient(time.Second)
	env := paxos.Envelope{Src: "a", Dst: "b", Msg: paxos.P2b{Ballot: paxos.BallotNumber{Round: 3, LeaderID: "L"}, Slot: 9}}
	if err := c.Deliver(context.Background(), s.Addr(), env); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	select {
	case e := <-got:
		if e.Src != "a" || e.Msg != env.Msg {
			t.Fatalf("delivered %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("handler not called")
	}
	err := c.Deliver(context.Background(), s.Addr(), paxos.Envelope{Src: "a", Dst: "nobody", Msg: paxos.P1a{}})
	if !errors.Is(err, transport.ErrUnknownActor) {
		t.Fatalf("expected ErrUnknownActor, got %v", err)
	}
}

func TestMalformedEnvelopeRejected(t *testing.T) {
	got := make(chan paxos.Envelope, 1)
	s := startServer(t, got)
	for _, body := range []string{"{not json", `{"src":"a","dst":"b","kind":"nope","body":{}}`} {
		resp, err := http.Post("http://"+s.Addr()+"/deliver", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%q: status %d, want 400", body, resp.StatusCode)
		}
	}
	select {
	case e := <-got:
		t.Fatalf("malformed envelope reached the handler: %+v", e)
	default:
	}
}

func TestManagementCalls(t *testing.T) {
	s := startServer(t, make(chan paxos.Envelope, 1))
	c := NewClient(time.Second)
	ctx := context.Background()

	resp, err := c.Submit(ctx, s.Addr(), transport.SubmitRequest{Op: "SET a 1"})
	if err != nil || resp.Result != "did SET a 1" || resp.RequestID == "" {
		t.Fatalf("submit = %+v %v", resp, err)
	}
	b, err := c.GetStatus(ctx, s.Addr())
	if err != nil || string(b) != `{"ok":true}` {
		t.Fatalf("status = %s %v", b, err)
	}
	lr, err := c.GetLog(ctx, s.Addr(), transport.LogRequest{From: 4, Limit: 2})
	if err != nil || len(lr.Entries) != 1 || lr.Entries[0].Slot != 4 {
		t.Fatalf("log = %+v %v", lr, err)
	}

	r, err := http.Get("http://" + s.Addr() + "/log?from=-1")
	if err != nil {
		t.Fatal(err)
	}
	r.Body.Close()
	if r.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad log query status %d", r.StatusCode)
	}
	r, err = http.Get("http://" + s.Addr() + "/healthz")
	if err != nil || r.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %v", err)
	}
	r.Body.Close()
}

func TestDeliverToClosedPortIsUnreachable(t *testing.T) {
	s := startServer(t, make(chan paxos.Envelope, 1))
	addr := s.Addr()
	_ = s.Stop(context.Background())
	c := NewClient(200 * time.Millisecond)
	err := c.Deliver(context.Background(), addr, paxos.Envelope{Src: "a", Dst: "b", Msg: paxos.P1a{}})
	if !errors.Is(err, transport.ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}
