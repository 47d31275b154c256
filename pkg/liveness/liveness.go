package liveness

import (
	"context"
	"time"
)

// Peer is a process seen by the gossip layer. Node is the transport address
// (host:port) the peer advertises in its gossip metadata; Addr is the gossip
// address itself.
type Peer struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
	Node string `json:"node,omitempty"`
}

type EventType string

const (
	EventAlive EventType = "alive"
	EventGone  EventType = "gone"
)

type Event struct {
	Type EventType
	Peer Peer
	At   time.Time
}

// View reports which processes are currently reachable. It is advisory only:
// the Paxos membership stays the static list it was started with, and nothing
// in the protocol consults the view.
type View interface {
	Start(ctx context.Context) error
	Join(seeds []string) error
	Local() Peer
	Alive() []Peer
	Events() <-chan Event
	Stop() error
}

// HealthReporter is optionally implemented by a View. -1 means not started.
type HealthReporter interface {
	HealthScore() int
}
