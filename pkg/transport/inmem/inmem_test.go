package inmem

import (
	"context"
	"errors"
	"testing"

	"github.com/amirimatin/go-multipaxos/pkg/paxos"
	"github.com/amirimatin/go-multipaxos/pkg/transport"
)

func TestHubDeliverAndPartition(t *testing.T) {
	hub := NewHub()
	var got []paxos.Envelope
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := hub.Server("b:1").Start(ctx, transport.Handlers{Deliver: func(ctx context.Context, env paxos.Envelope) error {
		got = append(got, env)
		return nil
	}}); err != nil {
		t.Fatal(err)
	}
	if err := hub.Server("b:1").Start(ctx, transport.Handlers{Deliver: func(context.Context, paxos.Envelope) error { return nil }}); !errors.Is(err, ErrAddrInUse) {
		t.Fatalf("double start: %v", err)
	}

	c := hub.Client("a:1")
	env := paxos.Envelope{Src: "a:1/x", Dst: "b:1/y", Msg: paxos.P1a{}}
	if err := c.Deliver(ctx, "b:1", env); err != nil || len(got) != 1 {
		t.Fatalf("deliver: %v (%d)", err, len(got))
	}

	hub.Partition("a:1", "b:1")
	if err := c.Deliver(ctx, "b:1", env); !errors.Is(err, transport.ErrUnreachable) {
		t.Fatalf("partitioned deliver: %v", err)
	}
	if err := hub.Client("c:1").Deliver(ctx, "b:1", env); err != nil {
		t.Fatalf("unrelated host should still reach b: %v", err)
	}
	hub.Heal()
	if err := c.Deliver(ctx, "b:1", env); err != nil {
		t.Fatalf("after heal: %v", err)
	}
	if err := c.Deliver(ctx, "z:9", env); !errors.Is(err, transport.ErrUnreachable) {
		t.Fatalf("unknown host: %v", err)
	}
	if _, err := c.Submit(ctx, "b:1", transport.SubmitRequest{Op: "x"}); err == nil {
		t.Fatalf("submit without handler should fail")
	}
}
