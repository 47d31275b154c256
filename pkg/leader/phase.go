package leader

import (
	"context"
	"errors"
	"time"

	"github.com/amirimatin/go-multipaxos/pkg/actor"
	"github.com/amirimatin/go-multipaxos/pkg/paxos"
)

// phase is a one-shot Synod round driven by runPhase.
type phase interface {
	start()
	// resend repeats the request to acceptors that have not answered.
	resend()
	// handle returns true once a terminal outcome has been sent.
	handle(env paxos.Envelope) bool
}

// runPhase drives p until it terminates, ctx ends or mb is closed. When retry
// is positive the outstanding requests are repeated at that interval.
func runPhase(ctx context.Context, mb *actor.Mailbox, p phase, retry time.Duration) {
	p.start()
	var next time.Time
	if retry > 0 {
		next = time.Now().Add(retry)
	}
	for {
		rctx, cancel := ctx, context.CancelFunc(func() {})
		if retry > 0 {
			rctx, cancel = context.WithDeadline(ctx, next)
		}
		env, err := mb.Receive(rctx)
		cancel()
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				p.resend()
				next = time.Now().Add(retry)
				continue
			}
			return
		}
		if p.handle(env) {
			return
		}
	}
}
