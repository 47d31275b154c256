package discovery

import "github.com/amirimatin/go-multipaxos/pkg/paxos"

// Source abstracts where the static role membership comes from. The
// membership is read once at startup; it never changes during a run.
type Source interface {
	Membership() (paxos.Membership, error)
}
