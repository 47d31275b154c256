package paxos

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidMembership = errors.New("paxos: invalid membership")
	ErrUnknownKind       = errors.New("paxos: unknown message kind")
)

// CommandKind tags the Command variants.
type CommandKind string

const (
	// CommandOp carries an opaque state machine operation.
	CommandOp CommandKind = "op"
	// CommandReconfig carries an encoded Membership instead of an operation.
	// Replicas agree on its slot but never execute it.
	CommandReconfig CommandKind = "reconfig"
)

// Command is a client request as it travels through the protocol. The pair
// (ClientID, RequestID) identifies the request for de-duplication and for
// routing the response; ClientID is the address responses are sent to.
//
// Command is a comparable value type so that it can be used directly as a map
// key and compared with ==.
type Command struct {
	Kind      CommandKind `json:"kind,omitempty"`
	ClientID  string      `json:"clientId"`
	RequestID string      `json:"requestId"`
	Op        string      `json:"op"`
}

// NewCommand builds an operation command.
func NewCommand(clientID, requestID, op string) Command {
	return Command{Kind: CommandOp, ClientID: clientID, RequestID: requestID, Op: op}
}

// NewReconfigCommand builds the reconfiguration variant. The membership is
// encoded into Op using Membership.String.
func NewReconfigCommand(clientID, requestID string, m Membership) Command {
	return Command{Kind: CommandReconfig, ClientID: clientID, RequestID: requestID, Op: m.String()}
}

// IsReconfig reports whether c is the reconfiguration variant.
func (c Command) IsReconfig() bool { return c.Kind == CommandReconfig }

// Key identifies the client request carried by c.
func (c Command) Key() RequestKey { return RequestKey{ClientID: c.ClientID, RequestID: c.RequestID} }

func (c Command) String() string {
	if c.IsReconfig() {
		return fmt.Sprintf("ReconfigCommand(%s,%s,%s)", c.ClientID, c.RequestID, c.Op)
	}
	return fmt.Sprintf("Command(%s,%s,%s)", c.ClientID, c.RequestID, c.Op)
}

// RequestKey is the de-duplication key of a command.
type RequestKey struct {
	ClientID  string
	RequestID string
}

// PValue records that Command was accepted for Slot under Ballot.
type PValue struct {
	Ballot  BallotNumber `json:"ballot"`
	Slot    uint64       `json:"slot"`
	Command Command      `json:"command"`
}

func (p PValue) String() string {
	return fmt.Sprintf("PV(%s,%d,%s)", p.Ballot, p.Slot, p.Command)
}

// Membership is the static set of role addresses for a run. It is read-only
// once constructed; use Clone when handing it to code that might retain it.
type Membership struct {
	Replicas  []string `json:"replicas"`
	Acceptors []string `json:"acceptors"`
	Leaders   []string `json:"leaders"`
}

// Validate checks that every role has at least one address and that no
// address is listed twice.
func (m Membership) Validate() error {
	if len(m.Replicas) == 0 {
		return fmt.Errorf("%w: no replicas", ErrInvalidMembership)
	}
	if len(m.Acceptors) == 0 {
		return fmt.Errorf("%w: no acceptors", ErrInvalidMembership)
	}
	if len(m.Leaders) == 0 {
		return fmt.Errorf("%w: no leaders", ErrInvalidMembership)
	}
	seen := make(map[string]struct{})
	for _, list := range [][]string{m.Replicas, m.Acceptors, m.Leaders} {
		for _, a := range list {
			if strings.TrimSpace(a) == "" {
				return fmt.Errorf("%w: empty address", ErrInvalidMembership)
			}
			if _, dup := seen[a]; dup {
				return fmt.Errorf("%w: duplicate address %q", ErrInvalidMembership, a)
			}
			seen[a] = struct{}{}
		}
	}
	return nil
}

// Clone returns a deep copy of m.
func (m Membership) Clone() Membership {
	return Membership{
		Replicas:  append([]string(nil), m.Replicas...),
		Acceptors: append([]string(nil), m.Acceptors...),
		Leaders:   append([]string(nil), m.Leaders...),
	}
}

// All returns every address in m, replicas first.
func (m Membership) All() []string {
	out := make([]string, 0, len(m.Replicas)+len(m.Acceptors)+len(m.Leaders))
	out = append(out, m.Replicas...)
	out = append(out, m.Acceptors...)
	return append(out, m.Leaders...)
}

func (m Membership) String() string {
	return strings.Join(m.Replicas, ",") + ";" + strings.Join(m.Acceptors, ",") + ";" + strings.Join(m.Leaders, ",")
}
