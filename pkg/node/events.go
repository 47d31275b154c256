package node

import (
	"context"
	"sync"
	"time"

	"github.com/amirimatin/go-multipaxos/pkg/ledger"
	"github.com/amirimatin/go-multipaxos/pkg/paxos"
)

type EventType string

const (
	EventDecisionApplied EventType = "decision_applied"
	EventLeaderAdopted   EventType = "leader_adopted"
	EventLeaderPreempted EventType = "leader_preempted"
)

// Event describes a protocol step observed on this node. Only the fields
// relevant to Type are set.
type Event struct {
	Type EventType `json:"type"`
	At   time.Time `json:"at"`
	// Actor is the replica or leader address the event came from.
	Actor  string              `json:"actor"`
	Entry  *ledger.Entry       `json:"entry,omitempty"`
	Ballot *paxos.BallotNumber `json:"ballot,omitempty"`
}

// Subscribe returns a channel of events. The returned channel is buffered and
// closed automatically when ctx is done. Events are dropped if the consumer
// is too slow; actors never block on subscribers.
func (n *Node) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 64)
	n.eb.add(ch)
	go func() {
		<-ctx.Done()
		n.eb.remove(ch)
		close(ch)
	}()
	return ch
}

type eventBus struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func (e *eventBus) add(ch chan Event) {
	e.mu.Lock()
	if e.subs == nil {
		e.subs = make(map[chan Event]struct{})
	}
	e.subs[ch] = struct{}{}
	e.mu.Unlock()
}

func (e *eventBus) remove(ch chan Event) {
	e.mu.Lock()
	delete(e.subs, ch)
	e.mu.Unlock()
}

func (e *eventBus) publish(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
