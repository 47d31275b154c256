package leader

import (
	"log"
	"sort"

	"github.com/emirpasic/gods/sets/hashset"

	"github.com/amirimatin/go-multipaxos/pkg/actor"
	"github.com/amirimatin/go-multipaxos/pkg/internal/logutil"
	"github.com/amirimatin/go-multipaxos/pkg/paxos"
)

// scout runs phase 1 for one ballot and reports Adopted or Preempted to its
// leader exactly once.
type scout struct {
	addr      string
	leader    string
	ballot    paxos.BallotNumber
	acceptors []string
	send      actor.Sender
	logger    *log.Logger

	waitfor *paxos.WaitFor
	pvalues *hashset.Set
}

func newScout(addr, leader string, ballot paxos.BallotNumber, acceptors []string, send actor.Sender, logger *log.Logger) *scout {
	return &scout{
		addr:      addr,
		leader:    leader,
		ballot:    ballot,
		acceptors: acceptors,
		send:      send,
		logger:    logger,
		waitfor:   paxos.NewWaitFor(acceptors),
		pvalues:   hashset.New(),
	}
}

func (s *scout) start() {
	for _, a := range s.acceptors {
		s.send.Send(s.addr, a, paxos.P1a{Ballot: s.ballot})
	}
}

func (s *scout) resend() {
	for _, a := range s.waitfor.Pending() {
		s.send.Send(s.addr, a, paxos.P1a{Ballot: s.ballot})
	}
}

func (s *scout) handle(env paxos.Envelope) bool {
	m, ok := env.Msg.(paxos.P1b)
	if !ok {
		logutil.Warnf(s.logger, "scout %s: unexpected %s from %s", s.addr, env.Msg.Kind(), env.Src)
		return false
	}
	if !s.waitfor.Has(env.Src) {
		return false
	}
	// Acceptors never answer below the requested ballot, so a lower one is
	// a late reply to an earlier scout that held this endpoint.
	if m.Ballot.Less(s.ballot) {
		return false
	}
	if m.Ballot.Greater(s.ballot) {
		s.send.Send(s.addr, s.leader, paxos.Preempted{Ballot: m.Ballot})
		return true
	}
	for _, pv := range m.Accepted {
		s.pvalues.Add(pv)
	}
	s.waitfor.Ack(env.Src)
	if s.waitfor.Reached() {
		s.send.Send(s.addr, s.leader, paxos.Adopted{Ballot: s.ballot, PValues: s.accepted()})
		return true
	}
	return false
}

func (s *scout) accepted() []paxos.PValue {
	out := make([]paxos.PValue, 0, s.pvalues.Size())
	for _, v := range s.pvalues.Values() {
		out = append(out, v.(paxos.PValue))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Slot != out[j].Slot {
			return out[i].Slot < out[j].Slot
		}
		return out[i].Ballot.Less(out[j].Ballot)
	})
	return out
}
