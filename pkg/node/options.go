package node

import (
	"errors"
	"log"
	"time"

	"github.com/amirimatin/go-multipaxos/pkg/leader"
	"github.com/amirimatin/go-multipaxos/pkg/liveness"
	"github.com/amirimatin/go-multipaxos/pkg/paxos"
	"github.com/amirimatin/go-multipaxos/pkg/state"
	"github.com/amirimatin/go-multipaxos/pkg/transport"
)

// Options carries the injected components and tuning for one process.
// Instances are typically produced by bootstrap.Config.
type Options struct {
	// Advertise is the host:port peers use to reach this process. Every
	// membership address whose host part equals Advertise is hosted here.
	Advertise  string
	Membership paxos.Membership

	Server transport.Server
	Client transport.Client

	// NewState builds the state machine for each hosted replica.
	NewState func() state.StateMachine

	// Liveness is optional; when set its view is reported in Status.
	Liveness    liveness.View
	GossipSeeds []string

	// LedgerDir holds one BoltDB ledger per hosted replica. Empty keeps
	// ledgers in memory.
	LedgerDir string

	Window        int
	DisableDedup  bool
	Backoff       leader.Backoff
	PoolSize      int
	RetryInterval time.Duration
	SendTimeout   time.Duration
	// ClientRetry is how long a Submit waits on one replica before trying
	// the next.
	ClientRetry time.Duration

	Logger *log.Logger
}

// Validate performs a minimal validation of Options. It does not start any
// network activity and is safe to call before New.
func (o Options) Validate() error {
	if o.Advertise == "" {
		return errors.New("node: empty Advertise address")
	}
	if err := o.Membership.Validate(); err != nil {
		return err
	}
	if o.Server == nil {
		return errors.New("node: nil Server")
	}
	if o.Client == nil {
		return errors.New("node: nil Client")
	}
	if o.NewState == nil {
		return errors.New("node: nil NewState")
	}
	return nil
}
