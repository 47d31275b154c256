package leader

import (
	"log"

	"github.com/amirimatin/go-multipaxos/pkg/actor"
	"github.com/amirimatin/go-multipaxos/pkg/internal/logutil"
	"github.com/amirimatin/go-multipaxos/pkg/paxos"
)

// commander runs phase 2 for one (ballot, slot, command). On success it
// broadcasts the Decision to every replica, otherwise it reports Preempted.
type commander struct {
	addr      string
	leader    string
	ballot    paxos.BallotNumber
	slot      uint64
	command   paxos.Command
	acceptors []string
	replicas  []string
	send      actor.Sender
	logger    *log.Logger

	waitfor *paxos.WaitFor
}

func newCommander(addr, leader string, ballot paxos.BallotNumber, slot uint64, cmd paxos.Command, acceptors, replicas []string, send actor.Sender, logger *log.Logger) *commander {
	return &commander{
		addr:      addr,
		leader:    leader,
		ballot:    ballot,
		slot:      slot,
		command:   cmd,
		acceptors: acceptors,
		replicas:  replicas,
		send:      send,
		logger:    logger,
		waitfor:   paxos.NewWaitFor(acceptors),
	}
}

func (c *commander) p2a() paxos.P2a {
	return paxos.P2a{Ballot: c.ballot, Slot: c.slot, Command: c.command}
}

func (c *commander) start() {
	for _, a := range c.acceptors {
		c.send.Send(c.addr, a, c.p2a())
	}
}

func (c *commander) resend() {
	for _, a := range c.waitfor.Pending() {
		c.send.Send(c.addr, a, c.p2a())
	}
}

func (c *commander) handle(env paxos.Envelope) bool {
	m, ok := env.Msg.(paxos.P2b)
	if !ok {
		logutil.Warnf(c.logger, "commander %s: unexpected %s from %s", c.addr, env.Msg.Kind(), env.Src)
		return false
	}
	// A reply for another slot belongs to an earlier user of this endpoint.
	if m.Slot != c.slot || !c.waitfor.Has(env.Src) {
		return false
	}
	// A lower ballot is a late reply to an earlier commander for this slot.
	if m.Ballot.Less(c.ballot) {
		return false
	}
	if m.Ballot.Greater(c.ballot) {
		c.send.Send(c.addr, c.leader, paxos.Preempted{Ballot: m.Ballot})
		return true
	}
	c.waitfor.Ack(env.Src)
	if c.waitfor.Reached() {
		for _, r := range c.replicas {
			c.send.Send(c.addr, r, paxos.Decision{Slot: c.slot, Command: c.command})
		}
		return true
	}
	return false
}
