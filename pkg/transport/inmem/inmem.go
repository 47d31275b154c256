package inmem

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/amirimatin/go-multipaxos/pkg/paxos"
	"github.com/amirimatin/go-multipaxos/pkg/transport"
)

var ErrAddrInUse = errors.New("inmem: address already in use")

// Hub connects in-process servers by address. It can cut links between
// hosts to simulate partitions and crashed peers.
type Hub struct {
	mu      sync.RWMutex
	servers map[string]transport.Handlers
	cut     map[[2]string]bool
}

func NewHub() *Hub {
	return &Hub{servers: make(map[string]transport.Handlers), cut: make(map[[2]string]bool)}
}

// Partition drops traffic in both directions between hosts a and b.
func (h *Hub) Partition(a, b string) {
	h.mu.Lock()
	h.cut[[2]string{a, b}] = true
	h.cut[[2]string{b, a}] = true
	h.mu.Unlock()
}

// Heal removes every partition.
func (h *Hub) Heal() {
	h.mu.Lock()
	h.cut = make(map[[2]string]bool)
	h.mu.Unlock()
}

func (h *Hub) lookup(from, to string) (transport.Handlers, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.cut[[2]string{from, to}] {
		return transport.Handlers{}, fmt.Errorf("%w: %s partitioned from %s", transport.ErrUnreachable, to, from)
	}
	hs, ok := h.servers[to]
	if !ok {
		return transport.Handlers{}, fmt.Errorf("%w: %s", transport.ErrUnreachable, to)
	}
	return hs, nil
}

// Server returns a server that will listen on addr once started.
func (h *Hub) Server(addr string) *Server { return &Server{hub: h, addr: addr} }

// Client returns a client whose traffic originates from host from.
func (h *Hub) Client(from string) *Client { return &Client{hub: h, from: from} }

type Server struct {
	hub  *Hub
	addr string
}

func (s *Server) Start(ctx context.Context, hs transport.Handlers) error {
	if hs.Deliver == nil {
		return errors.New("inmem: deliver handler is required")
	}
	s.hub.mu.Lock()
	if _, ok := s.hub.servers[s.addr]; ok {
		s.hub.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAddrInUse, s.addr)
	}
	s.hub.servers[s.addr] = hs
	s.hub.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = s.Stop(context.Background())
	}()
	return nil
}

func (s *Server) Addr() string { return s.addr }

func (s *Server) Stop(ctx context.Context) error {
	s.hub.mu.Lock()
	delete(s.hub.servers, s.addr)
	s.hub.mu.Unlock()
	return nil
}

type Client struct {
	hub  *Hub
	from string
}

func (c *Client) Deliver(ctx context.Context, addr string, env paxos.Envelope) error {
	hs, err := c.hub.lookup(c.from, addr)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return hs.Deliver(ctx, env)
}

func (c *Client) Submit(ctx context.Context, addr string, req transport.SubmitRequest) (transport.SubmitResponse, error) {
	hs, err := c.hub.lookup(c.from, addr)
	if err != nil {
		return transport.SubmitResponse{RequestID: req.RequestID}, err
	}
	if hs.Submit == nil {
		return transport.SubmitResponse{RequestID: req.RequestID}, errors.New("inmem: submit not supported")
	}
	resp, err := hs.Submit(ctx, req)
	if err == nil && resp.Error != "" {
		err = errors.New(resp.Error)
	}
	return resp, err
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
	hs, err := c.hub.lookup(c.from, addr)
	if err != nil {
		return nil, err
	}
	if hs.Status == nil {
		return nil, errors.New("inmem: status not supported")
	}
	return hs.Status(ctx)
}

func (c *Client) GetLog(ctx context.Context, addr string, req transport.LogRequest) (transport.LogResponse, error) {
	hs, err := c.hub.lookup(c.from, addr)
	if err != nil {
		return transport.LogResponse{}, err
	}
	if hs.Log == nil {
		return transport.LogResponse{}, errors.New("inmem: log not supported")
	}
	return hs.Log(ctx, req)
}

var (
	_ transport.Server = (*Server)(nil)
	_ transport.Client = (*Client)(nil)
)
