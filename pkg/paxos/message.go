package paxos

import (
	"encoding/json"
	"fmt"
)

// Kind names a message in the protocol taxonomy.
type Kind string

const (
	KindRequest   Kind = "request"
	KindResponse  Kind = "response"
	KindPropose   Kind = "propose"
	KindAdopted   Kind = "adopted"
	KindPreempted Kind = "preempted"
	KindP1a       Kind = "p1a"
	KindP1b       Kind = "p1b"
	KindP2a       Kind = "p2a"
	KindP2b       Kind = "p2b"
	KindDecision  Kind = "decision"
)

// Message is the closed set of protocol messages. Only the types in this file
// implement it; actors dispatch with a type switch and log anything else.
type Message interface {
	Kind() Kind
	isMessage()
}

// Request: client -> replica.
type Request struct {
	Command Command `json:"command"`
}

// Response: replica -> client. Error is set when the command could not be
// executed (for example a reconfiguration command).
type Response struct {
	RequestID string `json:"requestId"`
	Result    string `json:"result"`
	Error     string `json:"error,omitempty"`
}

// Propose: replica -> leader.
type Propose struct {
	Slot    uint64  `json:"slot"`
	Command Command `json:"command"`
}

// Adopted: scout -> leader.
type Adopted struct {
	Ballot  BallotNumber `json:"ballot"`
	PValues []PValue     `json:"pvalues"`
}

// Preempted: scout/commander -> leader.
type Preempted struct {
	Ballot BallotNumber `json:"ballot"`
}

// P1a: scout -> acceptor.
type P1a struct {
	Ballot BallotNumber `json:"ballot"`
}

// P1b: acceptor -> scout.
type P1b struct {
	Ballot   BallotNumber `json:"ballot"`
	Accepted []PValue     `json:"accepted"`
}

// P2a: commander -> acceptor.
type P2a struct {
	Ballot  BallotNumber `json:"ballot"`
	Slot    uint64       `json:"slot"`
	Command Command      `json:"command"`
}

// P2b: acceptor -> commander. Slot echoes the P2a it answers so that a late
// reply cannot be counted by a different commander reusing the endpoint.
type P2b struct {
	Ballot BallotNumber `json:"ballot"`
	Slot   uint64       `json:"slot"`
}

// Decision: commander -> replica.
type Decision struct {
	Slot    uint64  `json:"slot"`
	Command Command `json:"command"`
}

func (Request) Kind() Kind   { return KindRequest }
func (Response) Kind() Kind  { return KindResponse }
func (Propose) Kind() Kind   { return KindPropose }
func (Adopted) Kind() Kind   { return KindAdopted }
func (Preempted) Kind() Kind { return KindPreempted }
func (P1a) Kind() Kind       { return KindP1a }
func (P1b) Kind() Kind       { return KindP1b }
func (P2a) Kind() Kind       { return KindP2a }
func (P2b) Kind() Kind       { return KindP2b }
func (Decision) Kind() Kind  { return KindDecision }

func (Request) isMessage()   {}
func (Response) isMessage()  {}
func (Propose) isMessage()   {}
func (Adopted) isMessage()   {}
func (Preempted) isMessage() {}
func (P1a) isMessage()       {}
func (P1b) isMessage()       {}
func (P2a) isMessage()       {}
func (P2b) isMessage()       {}
func (Decision) isMessage()  {}

// Envelope is the unit of delivery: a message together with the address of
// the actor that sent it and the address of the mailbox it is meant for.
type Envelope struct {
	Src string
	Dst string
	Msg Message
}

type wireEnvelope struct {
	Src  string          `json:"src"`
	Dst  string          `json:"dst"`
	Kind Kind            `json:"kind"`
	Body json.RawMessage `json:"body"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrUnknownKind)
	}
	body, err := json.Marshal(e.Msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEnvelope{Src: e.Src, Dst: e.Dst, Kind: e.Msg.Kind(), Body: body})
}

func (e *Envelope) UnmarshalJSON(b []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	msg, err := newMessage(w.Kind)
	if err != nil {
		return err
	}
	if len(w.Body) > 0 {
		if err := json.Unmarshal(w.Body, msg); err != nil {
			return fmt.Errorf("paxos: decode %s body: %w", w.Kind, err)
		}
	}
	e.Src, e.Dst = w.Src, w.Dst
	e.Msg = deref(msg)
	return nil
}

func newMessage(k Kind) (any, error) {
	switch k {
	case KindRequest:
		return &Request{}, nil
	case KindResponse:
		return &Response{}, nil
	case KindPropose:
		return &Propose{}, nil
	case KindAdopted:
		return &Adopted{}, nil
	case KindPreempted:
		return &Preempted{}, nil
	case KindP1a:
		return &P1a{}, nil
	case KindP1b:
		return &P1b{}, nil
	case KindP2a:
		return &P2a{}, nil
	case KindP2b:
		return &P2b{}, nil
	case KindDecision:
		return &Decision{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, k)
}

func deref(v any) Message {
	switch m := v.(type) {
	case *Request:
		return *m
	case *Response:
		return *m
	case *Propose:
		return *m
	case *Adopted:
		return *m
	case *Preempted:
		return *m
	case *P1a:
		return *m
	case *P1b:
		return *m
	case *P2a:
		return *m
	case *P2b:
		return *m
	case *Decision:
		return *m
	}
	return nil
}
