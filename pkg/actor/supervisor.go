package actor

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/amirimatin/go-multipaxos/pkg/internal/logutil"
)

// Supervisor tracks running actors by id. Each entry holds the completion
// signal of the actor's goroutine and is removed when the body returns.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *log.Logger

	mu      sync.Mutex
	running map[string]chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

// NewSupervisor derives the context every supervised actor runs under from
// parent. Canceling parent or calling Stop cancels all actors.
func NewSupervisor(parent context.Context, logger *log.Logger) *Supervisor {
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Supervisor{ctx: ctx, cancel: cancel, logger: logger, running: make(map[string]chan struct{})}
}

// Spawn runs body in its own goroutine under id. A panicking body is logged
// and treated as having returned.
func (s *Supervisor) Spawn(id string, body func(ctx context.Context)) error {
	return s.spawn(id, body, nil)
}

// spawn calls onExit after id has been removed and before its completion
// signal fires.
func (s *Supervisor) spawn(id string, body func(ctx context.Context), onExit func()) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if _, ok := s.running[id]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	done := make(chan struct{})
	s.running[id] = done
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logutil.Errorf(s.logger, "actor %s panicked: %v", id, r)
			}
			s.mu.Lock()
			delete(s.running, id)
			s.mu.Unlock()
			if onExit != nil {
				onExit()
			}
			close(done)
		}()
		body(s.ctx)
	}()
	return nil
}

// Done returns the completion signal of id, or a closed channel when id is
// not running.
func (s *Supervisor) Done(id string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.running[id]; ok {
		return ch
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (s *Supervisor) Running(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[id]
	return ok
}

// Count returns the number of live actors.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Stop cancels every actor and waits for all of them to return.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}
