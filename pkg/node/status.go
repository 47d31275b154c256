package node

import (
	"github.com/amirimatin/go-multipaxos/pkg/acceptor"
	"github.com/amirimatin/go-multipaxos/pkg/leader"
	"github.com/amirimatin/go-multipaxos/pkg/liveness"
	"github.com/amirimatin/go-multipaxos/pkg/replica"
)

// Status is a JSON-serializable snapshot of everything hosted on one node.
type Status struct {
	Node string `json:"node"`
	// Roles lists the hosted actor addresses in membership order.
	Roles     []string          `json:"roles"`
	Leaders   []leader.Status   `json:"leaders,omitempty"`
	Acceptors []acceptor.Status `json:"acceptors,omitempty"`
	Replicas  []replica.Status  `json:"replicas,omitempty"`
	// Peers is the gossip liveness view, when enabled.
	Peers []liveness.Peer `json:"peers,omitempty"`
	// Healthy is true when at least one hosted leader holds an adopted
	// ballot, or when no leader is hosted here.
	Healthy  bool     `json:"healthy"`
	Warnings []string `json:"warnings,omitempty"`
}
