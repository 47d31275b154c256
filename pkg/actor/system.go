package actor

import (
	"context"
	"log"
)

// SystemOptions configures a System.
type SystemOptions struct {
	Network NetworkOptions
	Logger  *log.Logger
}

// System is the per-process actor runtime: mailboxes, the network that
// feeds them and the supervisor that runs actor bodies.
type System struct {
	Router     *Router
	Net        *Network
	Supervisor *Supervisor
	logger     *log.Logger
}

func NewSystem(ctx context.Context, opts SystemOptions) *System {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Network.Logger == nil {
		opts.Network.Logger = opts.Logger
	}
	r := NewRouter()
	return &System{
		Router:     r,
		Net:        NewNetwork(r, opts.Network),
		Supervisor: NewSupervisor(ctx, opts.Logger),
		logger:     opts.Logger,
	}
}

// Spawn registers a mailbox at addr and runs body under the supervisor with
// addr as its id. The mailbox is unregistered when body returns.
func (s *System) Spawn(addr string, body func(ctx context.Context, mb *Mailbox)) error {
	mb, err := s.Router.Register(addr)
	if err != nil {
		return err
	}
	err = s.Supervisor.Spawn(addr, func(ctx context.Context) {
		defer s.Router.Unregister(addr)
		body(ctx, mb)
	})
	if err != nil {
		s.Router.Unregister(addr)
	}
	return err
}

// SpawnPooled acquires an endpoint from pool, blocking while the pool is
// exhausted, and runs body there as in Spawn. The endpoint goes back to the
// pool only after the actor is fully gone, so the next holder can register
// the same address.
func (s *System) SpawnPooled(ctx context.Context, pool *Pool, body func(ctx context.Context, mb *Mailbox)) (string, error) {
	addr, err := pool.Acquire(ctx)
	if err != nil {
		return "", err
	}
	mb, err := s.Router.Register(addr)
	if err != nil {
		_ = pool.Release(addr)
		return "", err
	}
	err = s.Supervisor.spawn(addr, func(ctx context.Context) {
		defer s.Router.Unregister(addr)
		body(ctx, mb)
	}, func() { _ = pool.Release(addr) })
	if err != nil {
		s.Router.Unregister(addr)
		_ = pool.Release(addr)
		return "", err
	}
	return addr, nil
}

// Stop terminates every actor and waits for outstanding sends.
func (s *System) Stop() {
	s.Supervisor.Stop()
	s.Net.Close()
}

func (s *System) Logger() *log.Logger { return s.logger }
