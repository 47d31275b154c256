package transport

import (
	"context"
	"errors"

	"github.com/amirimatin/go-multipaxos/pkg/ledger"
	"github.com/amirimatin/go-multipaxos/pkg/paxos"
)

var (
	// ErrUnreachable is returned by clients when no process answers at addr.
	ErrUnreachable = errors.New("transport: peer unreachable")
	// ErrUnknownActor is returned by Deliver when the destination process
	// has no mailbox for the envelope's Dst.
	ErrUnknownActor = errors.New("transport: unknown actor")
	// ErrBadEnvelope is returned when an envelope cannot be decoded.
	ErrBadEnvelope = errors.New("transport: bad envelope")
)

// DeliverFunc hands a decoded envelope to the local actor runtime.
type DeliverFunc func(ctx context.Context, env paxos.Envelope) error

// StatusFunc returns a JSON-encoded status payload for /status.
type StatusFunc func(ctx context.Context) ([]byte, error)

// SubmitRequest asks a node to run Op through the replicated log. RequestID
// is optional; resubmitting with the same id is de-duplicated by replicas.
type SubmitRequest struct {
	Op        string `json:"op"`
	RequestID string `json:"requestId,omitempty"`
	TimeoutMs int64  `json:"timeoutMs,omitempty"`
}

type SubmitResponse struct {
	RequestID string `json:"requestId"`
	Result    string `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

type SubmitFunc func(ctx context.Context, req SubmitRequest) (SubmitResponse, error)

// LogRequest selects a page of a replica's applied log.
type LogRequest struct {
	From  uint64 `json:"from"`
	Limit int    `json:"limit,omitempty"`
}

type LogResponse struct {
	Replica string         `json:"replica"`
	Entries []ledger.Entry `json:"entries"`
	Error   string         `json:"error,omitempty"`
}

type LogFunc func(ctx context.Context, req LogRequest) (LogResponse, error)

// Handlers are the callbacks a Server dispatches to. Deliver is required;
// the others may be nil and are then reported as not supported.
type Handlers struct {
	Deliver DeliverFunc
	Status  StatusFunc
	Submit  SubmitFunc
	Log     LogFunc
}

// Server accepts envelopes and management calls for one process.
type Server interface {
	Start(ctx context.Context, h Handlers) error
	// Addr returns the bound address once started.
	Addr() string
	Stop(ctx context.Context) error
}

// Client talks to the Server of another process. addr is a host:port.
type Client interface {
	Deliver(ctx context.Context, addr string, env paxos.Envelope) error
	Submit(ctx context.Context, addr string, req SubmitRequest) (SubmitResponse, error)
	GetStatus(ctx context.Context, addr string) ([]byte, error)
	GetLog(ctx context.Context, addr string, req LogRequest) (LogResponse, error)
}
