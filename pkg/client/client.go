package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amirimatin/go-multipaxos/pkg/actor"
	"github.com/amirimatin/go-multipaxos/pkg/internal/logutil"
	"github.com/amirimatin/go-multipaxos/pkg/observability/tracing"
	"github.com/amirimatin/go-multipaxos/pkg/paxos"
)

var (
	// ErrTimeout is returned when ctx expires before any replica answers.
	ErrTimeout   = errors.New("client: request timed out")
	ErrNoSystem  = errors.New("client: nil actor system")
	ErrNoReplica = errors.New("client: no replicas")
	ErrClosed    = errors.New("client: closed")
	// ErrInFlight is returned when the request id is already being waited on
	// by another SubmitID call of this client.
	ErrInFlight = errors.New("client: request already in flight")
)

// Options configures a client endpoint.
type Options struct {
	// Addr is the mailbox responses are sent to. Defaults to
	// "<host>/client/<uuid>" on the system's local host.
	Addr     string
	Replicas []string
	System   *actor.System
	// RetryAfter is how long Submit waits on one replica before resending
	// the same command to the next one. Defaults to 1s.
	RetryAfter time.Duration
	Logger     *log.Logger
}

func (o Options) Validate() error {
	if o.System == nil {
		return ErrNoSystem
	}
	if len(o.Replicas) == 0 {
		return ErrNoReplica
	}
	return nil
}

func (o Options) withDefaults(host string) Options {
	if o.Addr == "" {
		o.Addr = paxos.Sub(paxos.Sub(host, "client"), uuid.NewString())
	}
	if o.RetryAfter <= 0 {
		o.RetryAfter = time.Second
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	return o
}

// Client submits commands to replicas and waits for their responses. It is
// safe for concurrent use; every Submit gets its own request id.
type Client struct {
	opts Options
	sys  *actor.System

	mu      sync.Mutex
	waiters map[string]chan paxos.Response
	next    int
	closed  bool
	done    chan struct{}
}

// New registers the client's mailbox and starts dispatching responses.
func New(opts Options) (*Client, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults(opts.System.Net.LocalHost())
	c := &Client{opts: opts, sys: opts.System, waiters: make(map[string]chan paxos.Response), done: make(chan struct{})}
	if err := c.sys.Spawn(opts.Addr, c.run); err != nil {
		return nil, fmt.Errorf("client: spawn %s: %w", opts.Addr, err)
	}
	return c, nil
}

func (c *Client) Addr() string { return c.opts.Addr }

func (c *Client) run(ctx context.Context, mb *actor.Mailbox) {
	defer c.shutdown()
	for {
		env, err := mb.Receive(ctx)
		if err != nil {
			return
		}
		resp, ok := env.Msg.(paxos.Response)
		if !ok {
			logutil.Warnf(c.opts.Logger, "client %s: unexpected %s from %s", c.opts.Addr, env.Msg.Kind(), env.Src)
			continue
		}
		c.mu.Lock()
		ch, ok := c.waiters[resp.RequestID]
		if ok {
			delete(c.waiters, resp.RequestID)
		}
		c.mu.Unlock()
		if !ok {
			// Late or duplicate answer for a request already completed.
			logutil.Debugf(c.opts.Logger, "client %s: dropping response for %s", c.opts.Addr, resp.RequestID)
			continue
		}
		ch <- resp
	}
}

func (c *Client) shutdown() {
	c.mu.Lock()
	c.closed = true
	c.waiters = make(map[string]chan paxos.Response)
	c.mu.Unlock()
	close(c.done)
}

// Submit runs op through the replicated log under a fresh request id.
func (c *Client) Submit(ctx context.Context, op string) (paxos.Response, error) {
	return c.SubmitID(ctx, uuid.NewString(), op)
}

// SubmitID runs op under requestID. The same command (same client and
// request id) is resent to the next replica every RetryAfter until a
// response arrives or ctx is done; replicas with de-duplication enabled
// apply it at most once. A second call for an id still in flight fails with
// ErrInFlight.
func (c *Client) SubmitID(ctx context.Context, requestID, op string) (paxos.Response, error) {
	ctx, end := tracing.StartSpan(ctx, "client.Submit", attribute.String("paxos.request_id", requestID))
	defer end()

	ch := make(chan paxos.Response, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return paxos.Response{}, ErrClosed
	}
	if _, busy := c.waiters[requestID]; busy {
		c.mu.Unlock()
		return paxos.Response{}, fmt.Errorf("%w: %s", ErrInFlight, requestID)
	}
	c.waiters[requestID] = ch
	start := c.next
	c.next++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, requestID)
		c.mu.Unlock()
	}()

	cmd := paxos.NewCommand(c.opts.Addr, requestID, op)
	timer := time.NewTimer(c.opts.RetryAfter)
	defer timer.Stop()
	for attempt := 0; ; attempt++ {
		replica := c.opts.Replicas[(start+attempt)%len(c.opts.Replicas)]
		logutil.Debugf(c.opts.Logger, "client %s: request %s attempt %d to %s", c.opts.Addr, requestID, attempt+1, replica)
		c.sys.Net.Send(c.opts.Addr, replica, paxos.Request{Command: cmd})

		select {
		case resp := <-ch:
			return resp, nil
		case <-ctx.Done():
			return paxos.Response{}, fmt.Errorf("%w: %s after %d attempts: %v", ErrTimeout, requestID, attempt+1, ctx.Err())
		case <-c.done:
			return paxos.Response{}, ErrClosed
		case <-timer.C:
			timer.Reset(c.opts.RetryAfter)
		}
	}
}

// Close unregisters the client's mailbox. Pending Submits return ErrClosed
// once the dispatcher has exited.
func (c *Client) Close() {
	c.sys.Router.Unregister(c.opts.Addr)
}
