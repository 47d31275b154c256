package cli

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/amirimatin/go-multipaxos/pkg/bootstrap"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("freeAddr: %v", err)
	}
	defer ln.Close()
	return ln.Addr().String()
}

func TestRunRequiresAdvertise(t *testing.T) {
	cmd := NewRunCmd()
	cmd.SetArgs([]string{})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("run without --advertise succeeded")
	}
}

func TestUnknownProtocolRejected(t *testing.T) {
	cmd := NewStatusCmd()
	cmd.SetArgs([]string{"--proto", "smoke-signals"})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("unknown protocol accepted")
	}
}

func TestClientCommandsAgainstNode(t *testing.T) {
	addr := freeAddr(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n, err := bootstrap.Run(ctx, bootstrap.Config{
		Advertise:      addr,
		ReplicasCSV:    addr + "/replica",
		AcceptorsCSV:   addr + "/acceptor",
		LeadersCSV:     addr + "/leader",
		BackoffInitial: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer n.Stop(context.Background())

	for _, args := range [][]string{
		{"submit", "--addr", addr, "--request-id", "cli-1", "SET a 1"},
		{"status", "--addr", addr},
		{"log", "--addr", addr, "--limit", "5"},
	} {
		root := NewPaxosCommand()
		root.SetArgs(args)
		if err := root.Execute(); err != nil {
			t.Fatalf("%v: %v", args, err)
		}
	}
}
